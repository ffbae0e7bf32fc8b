// Package transition implements the recovery configuration transition
// engine: bulk, resumable, bounded-concurrency state changes of one
// recovery configuration across a set of target compute nodes.
//
// All progress lives in the durable transition record. Exclusivity is
// an application-level mutex: the owner writes locked_by under the
// record's etag, and every later progress write is etag-guarded, so a
// crashed owner leaves a record any new owner can resume from.
package transition

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/org/keybackup/internal/kerrors"
	"github.com/org/keybackup/internal/registry"
	"github.com/org/keybackup/internal/storage"
	"github.com/org/keybackup/internal/store"
	"github.com/org/keybackup/internal/validate"
	"github.com/org/keybackup/pkg/models"
)

var (
	// ErrLocked is returned by Run when another owner holds the
	// transition and takeover was not requested.
	ErrLocked = errors.New("transition locked by another owner")

	// ErrAborted is returned by Run when the transition was aborted,
	// either by the run itself after exhausting per-target retries or
	// by a concurrent Abort call.
	ErrAborted = errors.New("transition aborted")
)

// errFinished signals that the transition completed under another
// owner while this one was acquiring.
var errFinished = errors.New("transition already finished")

// maxTargetAttempts bounds dispatch retries per target before the
// whole transition is aborted.
const maxTargetAttempts = 3

// defaultConcurrency is used when a transition is created without an
// explicit bound.
const defaultConcurrency = 10

type transitionRecord struct {
	*models.Transition
}

func (transitionRecord) Bucket() string { return storage.BucketTransitions }
func (r transitionRecord) Key() string  { return r.UUID }

// sourceStates maps each transition name to the configuration
// lifecycle state it may start from.
var sourceStates = map[string]string{
	models.TransitionStage:      "created",
	models.TransitionUnstage:    "staged",
	models.TransitionActivate:   "staged",
	models.TransitionDeactivate: "active",
}

// Engine creates and drives transitions.
type Engine struct {
	be      storage.Backend
	configs *registry.RecoveryConfigs
	rtokens *registry.RecoveryTokens
	tasker  NodeTasker
	owner   string
}

// NewEngine returns an engine identifying itself as owner when
// acquiring transitions.
func NewEngine(be storage.Backend, configs *registry.RecoveryConfigs, rtokens *registry.RecoveryTokens, tasker NodeTasker, owner string) *Engine {
	return &Engine{be: be, configs: configs, rtokens: rtokens, tasker: tasker, owner: owner}
}

// CreateParams are the creation inputs for a transition.
type CreateParams struct {
	RecoveryConfigUUID string   `json:"recovery_config_uuid"`
	Name               string   `json:"name"`
	Targets            []string `json:"targets"`
	Concurrency        int      `json:"concurrency"`
}

// Create validates and persists a new transition record with empty
// progress. The configuration must exist, must be in the lifecycle
// state the named transition starts from, and must not already have an
// unfinished transition.
func (e *Engine) Create(ctx context.Context, p CreateParams) (*models.Transition, string, error) {
	var fes []kerrors.FieldError
	if fe := validate.UUID("recovery_config_uuid", p.RecoveryConfigUUID); fe != nil {
		fes = append(fes, *fe)
	}
	if fe := validate.Enum("name", p.Name, models.TransitionNames); fe != nil {
		fes = append(fes, *fe)
	}
	if fe := validate.UUIDs("targets", p.Targets); fe != nil {
		fes = append(fes, *fe)
	}
	if len(fes) > 0 {
		return nil, "", kerrors.NewInvalidParams("invalid parameters", fes...)
	}

	cfg, _, err := e.configs.Get(ctx, p.RecoveryConfigUUID)
	if err != nil {
		return nil, "", err
	}
	if cfg.Status() != sourceStates[p.Name] {
		return nil, "", kerrors.NewInvalidParams("invalid parameters",
			kerrors.InvalidParam("name", fmt.Sprintf(
				"cannot %s a configuration in state %q", p.Name, cfg.Status())))
	}

	pending, err := e.be.FindObjects(ctx, storage.BucketTransitions,
		storage.And(storage.Eq("recovery_config_uuid", cfg.UUID), storage.Absent("finished")),
		storage.FindOpts{Limit: 1})
	if err != nil {
		return nil, "", err
	}
	if len(pending) > 0 {
		return nil, "", kerrors.NewInvalidParams("invalid parameters",
			kerrors.DuplicateParam("recovery_config_uuid",
				"an unfinished transition already exists for this configuration"))
	}

	t := &models.Transition{
		UUID:               uuid.NewString(),
		RecoveryConfigUUID: cfg.UUID,
		Name:               p.Name,
		Targets:            p.Targets,
		Completed:          []string{},
		WIP:                []string{},
		TaskIDs:            []string{},
		Concurrency:        p.Concurrency,
	}
	if t.Concurrency <= 0 {
		t.Concurrency = defaultConcurrency
	}
	etag, err := store.Create(ctx, e.be, transitionRecord{t})
	if err != nil {
		return nil, "", err
	}
	return t, etag, nil
}

// Get fetches one transition by uuid.
func (e *Engine) Get(ctx context.Context, uuid string) (*models.Transition, string, error) {
	if fe := validate.UUID("uuid", uuid); fe != nil {
		return nil, "", kerrors.NewInvalidParams("invalid parameters", *fe)
	}
	var t models.Transition
	etag, err := store.Get(ctx, e.be, storage.BucketTransitions, uuid, &t)
	if err != nil {
		return nil, "", err
	}
	return &t, etag, nil
}

// List returns the transitions of one configuration, oldest first, or
// all transitions when cfgUUID is empty.
func (e *Engine) List(ctx context.Context, cfgUUID string) ([]models.Transition, error) {
	var f storage.Filter
	if cfgUUID != "" {
		f = storage.And(storage.Eq("recovery_config_uuid", cfgUUID))
	}
	ts, _, err := store.List[models.Transition](ctx, e.be, storage.BucketTransitions, f,
		storage.FindOpts{SortBy: "started"})
	return ts, err
}

// RunOptions tune a Run call.
type RunOptions struct {
	// TakeOver seizes the lock even when another owner holds it. This
	// is an operator decision after judging the previous owner dead;
	// the engine has no staleness heuristic of its own.
	TakeOver bool
}

// runState is the owner's view of the transition record, shared by the
// per-target workers. The mutex serializes record writes so workers do
// not race each other on the etag; conflicts can then only come from
// outside writers, which the re-read path absorbs.
type runState struct {
	mu   sync.Mutex
	t    *models.Transition
	etag string
}

// Run acquires the transition and drives it to completion: targets are
// dispatched with at most t.Concurrency in flight, progress is
// persisted after every step, and the configuration's lifecycle fields
// are updated when all targets complete. A record with prior progress
// is resumed: completed targets are never revisited, wip targets are
// re-dispatched (per-target work is idempotent on the node side).
func (e *Engine) Run(ctx context.Context, uuid string, opts RunOptions) error {
	t, etag, err := e.Get(ctx, uuid)
	if err != nil {
		return err
	}
	if t.Done() {
		if t.Aborted {
			return ErrAborted
		}
		return nil
	}
	st := &runState{t: t, etag: etag}
	if err := e.acquire(ctx, st, opts.TakeOver); err != nil {
		if errors.Is(err, errFinished) {
			return nil
		}
		return err
	}

	cfg, _, err := e.configs.Get(ctx, st.t.RecoveryConfigUUID)
	if err != nil {
		return err
	}

	// wip targets from a previous owner are re-dispatched first, then
	// the untouched remainder. errgroup's limit is the concurrency
	// bound on in-flight per-target work.
	pending := append(append([]string{}, st.t.WIP...), st.t.Remaining()...)
	name := st.t.Name

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(st.t.Concurrency)
	for _, target := range pending {
		target := target
		g.Go(func() error {
			return e.runTarget(gctx, st, name, cfg, target)
		})
	}
	if err := g.Wait(); err != nil {
		if !errors.Is(err, ErrAborted) {
			log.Error().Err(err).Str("transition", st.t.UUID).Msg("transition failed, aborting")
		}
		if ferr := e.finalizeAborted(ctx, st); ferr != nil {
			return ferr
		}
		return err
	}

	st.mu.Lock()
	aborted := st.t.Aborted
	st.mu.Unlock()
	if aborted {
		if err := e.finalizeAborted(ctx, st); err != nil {
			return err
		}
		return ErrAborted
	}
	return e.finalize(ctx, st, cfg)
}

// acquire claims the transition by writing locked_by and started under
// the current etag. Exactly one concurrent claimant wins; losers see
// the new owner on re-read and get ErrLocked.
func (e *Engine) acquire(ctx context.Context, st *runState, takeOver bool) error {
	for {
		if st.t.Done() {
			if st.t.Aborted {
				return ErrAborted
			}
			return errFinished
		}
		if st.t.LockedBy != "" && st.t.LockedBy != e.owner && !takeOver {
			return ErrLocked
		}
		now := time.Now().UTC()
		st.t.LockedBy = e.owner
		if st.t.Started == nil {
			st.t.Started = &now
		}
		newEtag, err := store.Update(ctx, e.be, transitionRecord{st.t}, st.etag)
		if err == nil {
			st.etag = newEtag
			return nil
		}
		if !errors.Is(err, storage.ErrEtagConflict) {
			return err
		}
		if err := e.reload(ctx, st); err != nil {
			return err
		}
	}
}

// mutate applies a delta to the record and writes it etag-guarded. On
// conflict the record is re-read and the delta re-applied; deltas must
// therefore be idempotent. The delta is never dropped.
func (e *Engine) mutate(ctx context.Context, st *runState, delta func(*models.Transition)) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	for {
		delta(st.t)
		newEtag, err := store.Update(ctx, e.be, transitionRecord{st.t}, st.etag)
		if err == nil {
			st.etag = newEtag
			return nil
		}
		if !errors.Is(err, storage.ErrEtagConflict) {
			return err
		}
		if err := e.reload(ctx, st); err != nil {
			return err
		}
	}
}

func (e *Engine) reload(ctx context.Context, st *runState) error {
	var t models.Transition
	etag, err := store.Get(ctx, e.be, storage.BucketTransitions, st.t.UUID, &t)
	if err != nil {
		return err
	}
	st.t = &t
	st.etag = etag
	return nil
}

func (e *Engine) abortRequested(st *runState) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.t.Aborted
}

// runTarget drives one target: mark wip, dispatch, record the task id,
// wait, mark completed. Dispatch and wait failures are retried up to
// maxTargetAttempts before the error aborts the whole transition.
func (e *Engine) runTarget(ctx context.Context, st *runState, name string, cfg *models.RecoveryConfiguration, target string) error {
	if err := e.mutate(ctx, st, func(t *models.Transition) {
		addUnique(&t.WIP, target)
	}); err != nil {
		return err
	}

	var lastErr error
	for attempt := 1; attempt <= maxTargetAttempts; attempt++ {
		if e.abortRequested(st) {
			return ErrAborted
		}
		taskID, err := e.tasker.DispatchTask(ctx, target, name, cfg)
		if err != nil {
			lastErr = err
			log.Warn().Err(err).Str("target", target).Int("attempt", attempt).
				Msg("task dispatch failed")
			continue
		}
		if err := e.mutate(ctx, st, func(t *models.Transition) {
			addUnique(&t.TaskIDs, taskID)
		}); err != nil {
			return err
		}
		if err := e.tasker.WaitTask(ctx, taskID); err != nil {
			lastErr = err
			log.Warn().Err(err).Str("target", target).Str("task", taskID).
				Int("attempt", attempt).Msg("task failed")
			continue
		}
		return e.mutate(ctx, st, func(t *models.Transition) {
			remove(&t.WIP, target)
			addUnique(&t.Completed, target)
		})
	}
	return fmt.Errorf("target %s: %d attempts failed: %w", target, maxTargetAttempts, lastErr)
}

// finalize stamps the record finished and applies the transition's
// effect to the configuration's lifecycle fields.
func (e *Engine) finalize(ctx context.Context, st *runState, cfg *models.RecoveryConfiguration) error {
	now := time.Now().UTC()
	if err := e.mutate(ctx, st, func(t *models.Transition) {
		t.Finished = &now
		t.LockedBy = ""
	}); err != nil {
		return err
	}

	switch st.t.Name {
	case models.TransitionStage:
		if _, _, err := e.configs.Update(ctx, cfg.UUID, "",
			map[string]time.Time{"staged": now}, nil); err != nil {
			return err
		}
		e.stampTokens(ctx, cfg.UUID, "staged", now)
		return nil
	case models.TransitionUnstage:
		_, _, err := e.configs.Update(ctx, cfg.UUID, "", nil, []string{"staged"})
		return err
	case models.TransitionDeactivate:
		_, _, err := e.configs.Update(ctx, cfg.UUID, "", nil, []string{"activated"})
		return err
	case models.TransitionActivate:
		return e.activateConfig(ctx, cfg.UUID, now)
	default:
		return fmt.Errorf("unknown transition name %q", st.t.Name)
	}
}

func (e *Engine) finalizeAborted(ctx context.Context, st *runState) error {
	now := time.Now().UTC()
	return e.mutate(ctx, st, func(t *models.Transition) {
		t.Aborted = true
		t.Finished = &now
		t.LockedBy = ""
	})
}

// activateConfig activates cfg and expires the previously active
// configuration in one atomic batch, so there is no window with two
// active configurations or none.
func (e *Engine) activateConfig(ctx context.Context, cfgUUID string, now time.Time) error {
	cfg, cfgEtag, err := e.configs.Get(ctx, cfgUUID)
	if err != nil {
		return err
	}
	prev, prevEtag, err := e.configs.Active(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		prev, prevEtag = nil, ""
	} else if err != nil {
		return err
	}
	if prev != nil && prev.UUID == cfg.UUID {
		return nil
	}
	ops, err := e.configs.ActivationOps(cfg, cfgEtag, prev, prevEtag, now)
	if err != nil {
		return err
	}
	if err := e.be.Batch(ctx, ops); err != nil {
		return err
	}
	e.stampTokens(ctx, cfg.UUID, "activated", now)
	return nil
}

// stampTokens copies a lifecycle timestamp onto the recovery tokens
// bound to the configuration. Best effort: a failed stamp is logged,
// not fatal, since the configuration record is the source of truth.
func (e *Engine) stampTokens(ctx context.Context, cfgUUID, field string, now time.Time) {
	toks, etags, err := e.rtokens.ListByConfiguration(ctx, cfgUUID)
	if err != nil {
		log.Warn().Err(err).Str("config", cfgUUID).Msg("listing recovery tokens for stamping")
		return
	}
	for i := range toks {
		if _, _, err := e.rtokens.Update(ctx, toks[i].UUID, etags[i],
			map[string]time.Time{field: now}, nil); err != nil {
			log.Warn().Err(err).Str("token", toks[i].UUID).Str("field", field).
				Msg("stamping recovery token")
		}
	}
}

// Abort requests cancellation. A running owner observes the flag on
// its next progress write and finalizes; an unowned transition is
// finalized here directly.
func (e *Engine) Abort(ctx context.Context, uuid string) (*models.Transition, error) {
	for {
		t, etag, err := e.Get(ctx, uuid)
		if err != nil {
			return nil, err
		}
		if t.Done() {
			return nil, kerrors.NewInvalidParams("invalid parameters",
				kerrors.InvalidParam("uuid", "transition already finished"))
		}
		t.Aborted = true
		if t.LockedBy == "" {
			now := time.Now().UTC()
			t.Finished = &now
		}
		if _, err := store.Update(ctx, e.be, transitionRecord{t}, etag); err != nil {
			if errors.Is(err, storage.ErrEtagConflict) {
				continue
			}
			return nil, err
		}
		return t, nil
	}
}

func addUnique(s *[]string, v string) {
	for _, x := range *s {
		if x == v {
			return
		}
	}
	*s = append(*s, v)
}

func remove(s *[]string, v string) {
	out := (*s)[:0]
	for _, x := range *s {
		if x != v {
			out = append(out, x)
		}
	}
	*s = out
}
