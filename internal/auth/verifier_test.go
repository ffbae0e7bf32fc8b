package auth

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
)

const testGUID = "75CA077A14C5E45037D7A0740D5602A5"

type stubKeys struct {
	pubkey  string
	secrets []string
}

func (s stubKeys) PubKey9e(ctx context.Context, guid string) (string, error) {
	if s.pubkey == "" {
		return "", errors.New("no such token")
	}
	return s.pubkey, nil
}

func (s stubKeys) RecoveryTokenSecrets(ctx context.Context, guid string) ([]string, error) {
	return s.secrets, nil
}

func newSignedRequest(t *testing.T, signer ssh.Signer, date string) *http.Request {
	t.Helper()
	sig, err := signer.Sign(rand.Reader, SignPayload(date))
	if err != nil {
		t.Fatalf("signing: %v", err)
	}
	r := httptest.NewRequest("GET", "/pivtokens/"+testGUID+"/pin", nil)
	r.Header.Set("Date", date)
	r.Header.Set("Authorization", fmt.Sprintf(
		"Signature keyId=%q,algorithm=%q,signature=%q",
		testGUID, "ed25519", base64.StdEncoding.EncodeToString(sig.Blob)))
	return r
}

func TestVerifySignature(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("ssh signer: %v", err)
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		t.Fatalf("ssh pubkey: %v", err)
	}
	keys := stubKeys{pubkey: string(ssh.MarshalAuthorizedKey(sshPub))}
	v := NewVerifier(keys)

	date := time.Now().UTC().Format(http.TimeFormat)
	p, err := v.Verify(newSignedRequest(t, signer, date), testGUID)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if p.GUID != testGUID || p.Scheme != SchemeSignature {
		t.Fatalf("principal %+v", p)
	}

	// A signature from the wrong key fails.
	_, otherPriv, _ := ed25519.GenerateKey(rand.Reader)
	otherSigner, _ := ssh.NewSignerFromKey(otherPriv)
	if _, err := v.Verify(newSignedRequest(t, otherSigner, date), testGUID); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("wrong key: got %v, want ErrInvalidCredentials", err)
	}

	// A stale Date header fails even with a valid signature.
	stale := time.Now().Add(-time.Hour).UTC().Format(http.TimeFormat)
	if _, err := v.Verify(newSignedRequest(t, signer, stale), testGUID); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("stale date: got %v, want ErrInvalidCredentials", err)
	}

	// keyId must match the claimed guid.
	r := newSignedRequest(t, signer, date)
	r.Header.Set("Authorization", fmt.Sprintf(
		"Signature keyId=%q,algorithm=%q,signature=%q",
		"00AA077A14C5E45037D7A0740D5602A5", "ed25519", "AAAA"))
	if _, err := v.Verify(r, testGUID); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("mismatched keyId: got %v, want ErrInvalidCredentials", err)
	}
}

func TestVerifyHmac(t *testing.T) {
	keys := stubKeys{secrets: []string{"expired-secret", "current-secret"}}
	v := NewVerifier(keys)
	date := time.Now().UTC().Format(http.TimeFormat)

	r := httptest.NewRequest("POST", "/pivtokens/"+testGUID+"/recover", nil)
	r.Header.Set("Date", date)
	r.Header.Set("Authorization", HmacAuthorization("current-secret", date))

	p, err := v.Verify(r, testGUID)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if p.Scheme != SchemeHmac {
		t.Fatalf("scheme %q, want hmac", p.Scheme)
	}

	r.Header.Set("Authorization", HmacAuthorization("wrong-secret", date))
	if _, err := v.Verify(r, testGUID); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("wrong secret: got %v, want ErrInvalidCredentials", err)
	}

	// The mac must cover the Date header actually sent.
	r.Header.Set("Authorization", HmacAuthorization("current-secret", date))
	r.Header.Set("Date", time.Now().Add(-time.Minute).UTC().Format(http.TimeFormat))
	if _, err := v.Verify(r, testGUID); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("replayed mac: got %v, want ErrInvalidCredentials", err)
	}
}

func TestVerifyRejectsMissingHeaders(t *testing.T) {
	v := NewVerifier(stubKeys{})

	r := httptest.NewRequest("GET", "/", nil)
	if _, err := v.Verify(r, testGUID); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("no authorization: got %v, want ErrInvalidCredentials", err)
	}

	r.Header.Set("Authorization", "Hmac AAAA")
	if _, err := v.Verify(r, testGUID); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("no date: got %v, want ErrInvalidCredentials", err)
	}

	r.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	r.Header.Set("Authorization", "Bearer something")
	if _, err := v.Verify(r, testGUID); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("unknown scheme: got %v, want ErrInvalidCredentials", err)
	}
}
