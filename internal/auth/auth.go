// Package auth verifies request credentials: an asymmetric signature
// over the Date header checked against a PIVToken's 9e public key, or
// an HMAC over the same header keyed by one of the token's recovery
// token secrets. The verified principal travels in the request
// context; there is no process-wide signing state.
package auth

import "context"

// Schemes a request can authenticate with.
const (
	SchemeSignature = "signature"
	SchemeHmac      = "hmac"
)

// Principal identifies an authenticated caller: the PIVToken it spoke
// for and the scheme it proved it with.
type Principal struct {
	GUID   string
	Scheme string
}

type ctxKey int

const principalKey ctxKey = iota

// WithPrincipal returns ctx carrying the principal.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// PrincipalFromCtx returns the request's principal, or nil when the
// request was not authenticated.
func PrincipalFromCtx(ctx context.Context) *Principal {
	p, _ := ctx.Value(principalKey).(*Principal)
	return p
}
