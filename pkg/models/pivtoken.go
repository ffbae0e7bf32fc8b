package models

import "time"

// PIV key slots stored for each token. The 9e slot holds the card
// authentication key and is required: it is the verification key for
// signature-authenticated requests about this token.
const (
	SlotPIVAuth  = "9a"
	SlotKeyMgmt  = "9d"
	SlotCardAuth = "9e"
)

// PIVToken is a physical hardware token bound to one compute node.
type PIVToken struct {
	GUID           string            `json:"guid"`
	CNUUID         string            `json:"cn_uuid"`
	Pubkeys        map[string]string `json:"pubkeys"`
	Model          string            `json:"model,omitempty"`
	Serial         string            `json:"serial,omitempty"`
	Attestation    map[string]string `json:"attestation,omitempty"`
	Pin            string            `json:"pin,omitempty"`
	Created        time.Time         `json:"created"`
	RecoveryTokens []RecoveryToken   `json:"recovery_tokens,omitempty"`
}

// Public returns the client-facing view of the token: the pin and the
// recovery token secrets are stripped. GET /pivtokens/:guid/pin is the
// only operation that serves the unstripped record.
func (p *PIVToken) Public() PIVToken {
	out := *p
	out.Pin = ""
	out.RecoveryTokens = nil
	return out
}

// PIVTokenHistory is the archived final state of a deleted or replaced
// PIVToken, including the recovery tokens it held at that moment.
// History records are append-only and keyed by guid.
type PIVTokenHistory struct {
	GUID           string            `json:"guid"`
	CNUUID         string            `json:"cn_uuid"`
	Pubkeys        map[string]string `json:"pubkeys"`
	RecoveryTokens []RecoveryToken   `json:"recovery_tokens,omitempty"`
	Model          string            `json:"model,omitempty"`
	Serial         string            `json:"serial,omitempty"`
	Attestation    map[string]string `json:"attestation,omitempty"`
	Pin            string            `json:"pin,omitempty"`
	ActiveRange    [2]time.Time      `json:"active_range"`
}
