package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

// ErrInvalidCredentials is returned for any verification failure. The
// cause is logged server-side; the client only ever sees this.
var ErrInvalidCredentials = errors.New("invalid credentials")

// maxDateSkew bounds how far a request's Date header may drift from
// the server clock before the signature is rejected as replayable.
const maxDateSkew = 5 * time.Minute

// KeySource looks up the verification material for a PIVToken.
type KeySource interface {
	// PubKey9e returns the token's 9e public key in authorized_keys
	// format.
	PubKey9e(ctx context.Context, guid string) (string, error)

	// RecoveryTokenSecrets returns the secrets of the token's
	// non-expired recovery tokens, newest first.
	RecoveryTokenSecrets(ctx context.Context, guid string) ([]string, error)
}

// Verifier checks request credentials against a KeySource.
type Verifier struct {
	keys KeySource
}

// NewVerifier returns a verifier over the given key source.
func NewVerifier(keys KeySource) *Verifier {
	return &Verifier{keys: keys}
}

// Verify authenticates a request claiming to speak for the PIVToken
// identified by guid. Both schemes sign the Date header, which must be
// present and within maxDateSkew of the server clock.
func (v *Verifier) Verify(r *http.Request, guid string) (*Principal, error) {
	authz := r.Header.Get("Authorization")
	if authz == "" {
		return nil, ErrInvalidCredentials
	}
	date := r.Header.Get("Date")
	if err := checkDate(date); err != nil {
		return nil, err
	}

	scheme, rest, _ := strings.Cut(authz, " ")
	switch strings.ToLower(scheme) {
	case SchemeSignature:
		return v.verifySignature(r.Context(), guid, date, rest)
	case SchemeHmac:
		return v.verifyHmac(r.Context(), guid, date, rest)
	default:
		return nil, ErrInvalidCredentials
	}
}

func checkDate(date string) error {
	if date == "" {
		return ErrInvalidCredentials
	}
	t, err := http.ParseTime(date)
	if err != nil {
		return ErrInvalidCredentials
	}
	if d := time.Since(t); d > maxDateSkew || d < -maxDateSkew {
		return ErrInvalidCredentials
	}
	return nil
}

// verifySignature checks `keyId="...",algorithm="...",signature="..."`
// against the token's 9e public key.
func (v *Verifier) verifySignature(ctx context.Context, guid, date, params string) (*Principal, error) {
	fields := parseParams(params)
	if keyID := fields["keyId"]; keyID != "" && !strings.EqualFold(keyID, guid) {
		return nil, ErrInvalidCredentials
	}
	sigB64 := fields["signature"]
	if sigB64 == "" {
		return nil, ErrInvalidCredentials
	}
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return nil, ErrInvalidCredentials
	}

	raw, err := v.keys.PubKey9e(ctx, guid)
	if err != nil {
		return nil, ErrInvalidCredentials
	}
	pub, _, _, _, err := ssh.ParseAuthorizedKey([]byte(raw))
	if err != nil {
		return nil, fmt.Errorf("parsing 9e pubkey for %s: %w", guid, err)
	}
	if err := pub.Verify(signedPayload(date), &ssh.Signature{
		Format: sigFormat(fields["algorithm"], pub),
		Blob:   sig,
	}); err != nil {
		return nil, ErrInvalidCredentials
	}
	return &Principal{GUID: guid, Scheme: SchemeSignature}, nil
}

// verifyHmac checks an HMAC-SHA256 of the Date header against every
// non-expired recovery token secret of the PIVToken; any match
// authenticates.
func (v *Verifier) verifyHmac(ctx context.Context, guid, date, macB64 string) (*Principal, error) {
	mac, err := base64.StdEncoding.DecodeString(strings.TrimSpace(macB64))
	if err != nil {
		return nil, ErrInvalidCredentials
	}
	secrets, err := v.keys.RecoveryTokenSecrets(ctx, guid)
	if err != nil {
		return nil, ErrInvalidCredentials
	}
	payload := signedPayload(date)
	for _, secret := range secrets {
		h := hmac.New(sha256.New, []byte(secret))
		h.Write(payload)
		if hmac.Equal(mac, h.Sum(nil)) {
			return &Principal{GUID: guid, Scheme: SchemeHmac}, nil
		}
	}
	return nil, ErrInvalidCredentials
}

// SignPayload computes the bytes both schemes sign for a given Date
// header value. Exported for clients and tests building requests.
func SignPayload(date string) []byte {
	return signedPayload(date)
}

func signedPayload(date string) []byte {
	return []byte("date: " + date)
}

// HmacAuthorization builds the Authorization header value for the HMAC
// scheme from a recovery token secret and the Date header value.
func HmacAuthorization(secret, date string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(signedPayload(date))
	return "Hmac " + base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// sigFormat maps the header's algorithm token to the ssh wire
// signature format; absent or unknown values fall back to the key's
// own type.
func sigFormat(alg string, pub ssh.PublicKey) string {
	switch alg {
	case "rsa-sha256":
		return ssh.KeyAlgoRSASHA256
	case "ed25519":
		return ssh.KeyAlgoED25519
	default:
		return pub.Type()
	}
}

// parseParams splits `k="v",k2="v2"` header parameters.
func parseParams(s string) map[string]string {
	out := make(map[string]string)
	for _, part := range strings.Split(s, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		out[k] = strings.Trim(v, `"`)
	}
	return out
}
