package models

import "time"

// Transition names. A transition record is immutable in everything but
// its progress fields once created, so the name fixes the semantics of
// the whole run.
const (
	TransitionStage      = "stage"
	TransitionUnstage    = "unstage"
	TransitionActivate   = "activate"
	TransitionDeactivate = "deactivate"
)

// TransitionNames lists every valid transition name.
var TransitionNames = []string{
	TransitionStage,
	TransitionUnstage,
	TransitionActivate,
	TransitionDeactivate,
}

// RecoveryConfiguration is a versioned eBox template governing the
// key-escrow scheme. Its logical lifecycle state is derived from which
// of the staged/activated/expired timestamps are set:
//
//	NEW          none set
//	STAGED       staged set
//	ACTIVE       activated set, expired unset
//	EXPIRED      expired set
//
// The in-between states (STAGING, ACTIVATING, ...) exist only as an
// unfinished transition record pointing at this configuration.
type RecoveryConfiguration struct {
	UUID      string     `json:"uuid"`
	Template  string     `json:"template"`
	Created   time.Time  `json:"created"`
	Staged    *time.Time `json:"staged,omitempty"`
	Activated *time.Time `json:"activated,omitempty"`
	Expired   *time.Time `json:"expired,omitempty"`
}

// Status returns the logical lifecycle state derived from the
// configuration's timestamps. Unfinished transitions are not visible
// here; callers that need STAGING/ACTIVATING etc. must also look at
// the transition records.
func (c *RecoveryConfiguration) Status() string {
	switch {
	case c.Expired != nil:
		return "expired"
	case c.Activated != nil:
		return "active"
	case c.Staged != nil:
		return "staged"
	default:
		return "created"
	}
}

// RecoveryToken is the secret credential allowing recovery or
// replacement of one PIVToken, bound to one recovery configuration.
// Its uuid is a deterministic function of the token secret so that
// re-creating the same secret is idempotent at the storage layer.
type RecoveryToken struct {
	UUID                  string     `json:"uuid"`
	PIVToken              string     `json:"pivtoken,omitempty"`
	RecoveryConfiguration string     `json:"recovery_configuration"`
	Token                 string     `json:"token"`
	Created               time.Time  `json:"created"`
	Staged                *time.Time `json:"staged,omitempty"`
	Activated             *time.Time `json:"activated,omitempty"`
	Expired               *time.Time `json:"expired,omitempty"`
}

// Transition is the durable record of one bulk state change of a
// recovery configuration across a set of target compute nodes.
//
// uuid, recovery_config_uuid, name, targets and concurrency are fixed
// at creation; only the progress fields (completed, wip, taskids,
// locked_by, aborted, started, finished) may change afterwards.
type Transition struct {
	UUID               string     `json:"uuid"`
	RecoveryConfigUUID string     `json:"recovery_config_uuid"`
	Name               string     `json:"name"`
	Targets            []string   `json:"targets"`
	Completed          []string   `json:"completed"`
	WIP                []string   `json:"wip"`
	TaskIDs            []string   `json:"taskids"`
	Concurrency        int        `json:"concurrency"`
	LockedBy           string     `json:"locked_by,omitempty"`
	Aborted            bool       `json:"aborted,omitempty"`
	Started            *time.Time `json:"started,omitempty"`
	Finished           *time.Time `json:"finished,omitempty"`
}

// Done reports whether the transition has reached a terminal state.
func (t *Transition) Done() bool {
	return t.Finished != nil
}

// Remaining returns the targets that are neither completed nor
// currently in progress.
func (t *Transition) Remaining() []string {
	seen := make(map[string]bool, len(t.Completed)+len(t.WIP))
	for _, cn := range t.Completed {
		seen[cn] = true
	}
	for _, cn := range t.WIP {
		seen[cn] = true
	}
	var out []string
	for _, cn := range t.Targets {
		if !seen[cn] {
			out = append(out, cn)
		}
	}
	return out
}
