// Package validate holds the field-level validators the registries run
// before touching storage.
package validate

import (
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/org/keybackup/internal/kerrors"
	"github.com/org/keybackup/pkg/models"
)

var guidRE = regexp.MustCompile(`^[0-9A-Fa-f]{32}$`)

// UUID checks that v is a well-formed UUID.
func UUID(field, v string) *kerrors.FieldError {
	if v == "" {
		fe := kerrors.MissingParam(field, "")
		return &fe
	}
	if _, err := uuid.Parse(v); err != nil {
		fe := kerrors.InvalidParam(field, "invalid UUID")
		return &fe
	}
	return nil
}

// GUID checks that v is a 32-character hex PIVToken GUID.
func GUID(field, v string) *kerrors.FieldError {
	if v == "" {
		fe := kerrors.MissingParam(field, "")
		return &fe
	}
	if !guidRE.MatchString(v) {
		fe := kerrors.InvalidParam(field, "invalid GUID")
		return &fe
	}
	return nil
}

// Present checks that a required string field is non-empty.
func Present(field, v string) *kerrors.FieldError {
	if v == "" {
		fe := kerrors.MissingParam(field, "")
		return &fe
	}
	return nil
}

// Timestamp parses an RFC 3339 / ISO 8601 timestamp.
func Timestamp(field, v string) (time.Time, *kerrors.FieldError) {
	if v == "" {
		fe := kerrors.MissingParam(field, "")
		return time.Time{}, &fe
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		fe := kerrors.InvalidParam(field, "invalid ISO 8601 timestamp")
		return time.Time{}, &fe
	}
	return t, nil
}

// Pubkeys checks the pubkeys map: all three well-known slots must be
// present, and the 9e slot in particular because it is the
// authentication key for the token.
func Pubkeys(field string, keys map[string]string) *kerrors.FieldError {
	if len(keys) == 0 {
		fe := kerrors.MissingParam(field, "")
		return &fe
	}
	for _, slot := range []string{models.SlotPIVAuth, models.SlotKeyMgmt, models.SlotCardAuth} {
		if keys[slot] == "" {
			fe := kerrors.InvalidParam(field, "missing pubkey for slot "+slot)
			return &fe
		}
	}
	return nil
}

// Enum checks that v is one of the allowed values.
func Enum(field, v string, allowed []string) *kerrors.FieldError {
	for _, a := range allowed {
		if v == a {
			return nil
		}
	}
	fe := kerrors.InvalidParam(field, "must be one of the allowed values")
	return &fe
}

// UUIDs checks every element of a list.
func UUIDs(field string, vs []string) *kerrors.FieldError {
	if len(vs) == 0 {
		fe := kerrors.MissingParam(field, "")
		return &fe
	}
	for _, v := range vs {
		if fe := UUID(field, v); fe != nil {
			return fe
		}
	}
	return nil
}
