package models

import (
	"crypto/rand"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
)

// DeterministicUUID derives a repeatable UUID from an arbitrary
// string. Recovery configurations hash their template and recovery
// tokens hash their secret, so re-submitting the same input always
// yields the same key and duplicate creates collide at the storage
// layer instead of piling up copies.
func DeterministicUUID(s string) string {
	sum := sha512.Sum512([]byte(s))
	buf := sum[:16]
	buf[8] = buf[8]&0x3f | 0xa0
	buf[6] = buf[6]&0x0f | 0x50
	return fmt.Sprintf("%x-%x-%x-%x-%x", buf[0:4], buf[4:6], buf[6:8], buf[8:10], buf[10:16])
}

// NewTokenSecret returns a fresh 80-hex-character recovery token
// secret.
func NewTokenSecret() string {
	b := make([]byte, 40)
	rand.Read(b) //nolint:errcheck
	return hex.EncodeToString(b)
}
