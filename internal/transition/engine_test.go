package transition

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/org/keybackup/internal/kerrors"
	"github.com/org/keybackup/internal/registry"
	"github.com/org/keybackup/internal/storage"
	"github.com/org/keybackup/internal/store"
	"github.com/org/keybackup/pkg/models"
)

func targets(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("00000000-0000-4000-8000-%012d", i+1)
	}
	return out
}

// fakeTasker records dispatches and tracks the in-flight high-water
// mark. Failures and blocking are configurable per test.
type fakeTasker struct {
	mu          sync.Mutex
	inflight    int
	maxInflight int
	dispatched  map[string]int
	failures    map[string]int // dispatch failures remaining per target
	delay       time.Duration
	block       chan struct{} // WaitTask blocks on this when non-nil
	taskTargets map[string]string
}

func newFakeTasker() *fakeTasker {
	return &fakeTasker{
		dispatched:  map[string]int{},
		failures:    map[string]int{},
		taskTargets: map[string]string{},
	}
}

func (f *fakeTasker) DispatchTask(ctx context.Context, target, name string, cfg *models.RecoveryConfiguration) (string, error) {
	f.mu.Lock()
	f.dispatched[target]++
	if f.failures[target] > 0 {
		f.failures[target]--
		f.mu.Unlock()
		return "", errors.New("node unreachable")
	}
	f.inflight++
	if f.inflight > f.maxInflight {
		f.maxInflight = f.inflight
	}
	taskID := fmt.Sprintf("task-%s-%d", target, f.dispatched[target])
	f.taskTargets[taskID] = target
	f.mu.Unlock()
	return taskID, nil
}

func (f *fakeTasker) WaitTask(ctx context.Context, taskID string) error {
	if f.block != nil {
		<-f.block
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	f.inflight--
	f.mu.Unlock()
	return nil
}

func (f *fakeTasker) count(target string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dispatched[target]
}

// invariantBackend asserts completed ∩ wip = ∅ and
// completed ∪ wip ⊆ targets on every transition-record write.
type invariantBackend struct {
	storage.Backend
	t *testing.T
}

func (b *invariantBackend) PutObject(ctx context.Context, bucket, key string, value []byte, etag string) (string, error) {
	if bucket == storage.BucketTransitions {
		var tr models.Transition
		if err := json.Unmarshal(value, &tr); err == nil {
			inTargets := map[string]bool{}
			for _, cn := range tr.Targets {
				inTargets[cn] = true
			}
			seen := map[string]bool{}
			for _, cn := range tr.Completed {
				seen[cn] = true
				if !inTargets[cn] {
					b.t.Errorf("completed target %s not in targets", cn)
				}
			}
			for _, cn := range tr.WIP {
				if seen[cn] {
					b.t.Errorf("target %s in both completed and wip", cn)
				}
				if !inTargets[cn] {
					b.t.Errorf("wip target %s not in targets", cn)
				}
			}
		}
	}
	return b.Backend.PutObject(ctx, bucket, key, value, etag)
}

type fixture struct {
	be      storage.Backend
	configs *registry.RecoveryConfigs
	rtokens *registry.RecoveryTokens
	tasker  *fakeTasker
	engine  *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	be := &invariantBackend{Backend: storage.NewMemory(), t: t}
	configs := registry.NewRecoveryConfigs(be)
	rtokens := registry.NewRecoveryTokens(be)
	tasker := newFakeTasker()
	return &fixture{
		be:      be,
		configs: configs,
		rtokens: rtokens,
		tasker:  tasker,
		engine:  NewEngine(be, configs, rtokens, tasker, "test-owner/1"),
	}
}

func (fx *fixture) newConfig(t *testing.T, template, state string) *models.RecoveryConfiguration {
	t.Helper()
	ctx := context.Background()
	cfg, etag, err := fx.configs.Create(ctx, template)
	if err != nil {
		t.Fatalf("creating config: %v", err)
	}
	now := time.Now().UTC()
	set := map[string]time.Time{}
	switch state {
	case "created":
	case "staged":
		set["staged"] = now
	case "active":
		set["staged"] = now
		set["activated"] = now
	default:
		t.Fatalf("unknown state %q", state)
	}
	if len(set) > 0 {
		cfg, _, err = fx.configs.Update(ctx, cfg.UUID, etag, set, nil)
		if err != nil {
			t.Fatalf("setting config state: %v", err)
		}
	}
	return cfg
}

func TestNextBatch(t *testing.T) {
	tr := &models.Transition{
		Targets:     []string{"a", "b", "c", "d", "e"},
		Completed:   []string{"a"},
		WIP:         []string{"b"},
		Concurrency: 3,
	}
	got := NextBatch(tr)
	if len(got) != 2 || got[0] != "c" || got[1] != "d" {
		t.Fatalf("NextBatch = %v, want [c d]", got)
	}

	tr.WIP = []string{"b", "c", "d"}
	if got := NextBatch(tr); got != nil {
		t.Fatalf("full pipeline: NextBatch = %v, want nil", got)
	}

	now := time.Now()
	tr.Finished = &now
	tr.WIP = nil
	if got := NextBatch(tr); got != nil {
		t.Fatalf("finished: NextBatch = %v, want nil", got)
	}

	tr.Finished = nil
	tr.Aborted = true
	if got := NextBatch(tr); got != nil {
		t.Fatalf("aborted: NextBatch = %v, want nil", got)
	}
}

func TestCreateValidation(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	cfg := fx.newConfig(t, "tpl", "created")

	if _, _, err := fx.engine.Create(ctx, CreateParams{
		RecoveryConfigUUID: cfg.UUID, Name: "explode", Targets: targets(1),
	}); !kerrors.IsInvalidParams(err) {
		t.Fatalf("bad name: got %v, want InvalidParamsError", err)
	}

	// A NEW config cannot be activated directly; it must pass through
	// staging first.
	if _, _, err := fx.engine.Create(ctx, CreateParams{
		RecoveryConfigUUID: cfg.UUID, Name: models.TransitionActivate, Targets: targets(1),
	}); !kerrors.IsInvalidParams(err) {
		t.Fatalf("activate from created: got %v, want InvalidParamsError", err)
	}

	tr, _, err := fx.engine.Create(ctx, CreateParams{
		RecoveryConfigUUID: cfg.UUID, Name: models.TransitionStage, Targets: targets(2),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if tr.Concurrency != defaultConcurrency {
		t.Fatalf("concurrency %d, want default %d", tr.Concurrency, defaultConcurrency)
	}
	if len(tr.Completed) != 0 || len(tr.WIP) != 0 || tr.LockedBy != "" || tr.Started != nil {
		t.Fatalf("fresh transition has progress: %+v", tr)
	}

	// Only one unfinished transition per configuration.
	if _, _, err := fx.engine.Create(ctx, CreateParams{
		RecoveryConfigUUID: cfg.UUID, Name: models.TransitionStage, Targets: targets(2),
	}); !kerrors.IsInvalidParams(err) {
		t.Fatalf("second unfinished transition: got %v, want InvalidParamsError", err)
	}
}

func TestRunBoundedConcurrency(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	cfg := fx.newConfig(t, "tpl", "created")
	fx.tasker.delay = 5 * time.Millisecond

	tr, _, err := fx.engine.Create(ctx, CreateParams{
		RecoveryConfigUUID: cfg.UUID,
		Name:               models.TransitionStage,
		Targets:            targets(10),
		Concurrency:        3,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := fx.engine.Run(ctx, tr.UUID, RunOptions{}); err != nil {
		t.Fatalf("run: %v", err)
	}

	got, _, err := fx.engine.Get(ctx, tr.UUID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got.Completed) != 10 || len(got.WIP) != 0 {
		t.Fatalf("completed=%d wip=%d, want 10/0", len(got.Completed), len(got.WIP))
	}
	if got.Finished == nil || got.LockedBy != "" {
		t.Fatalf("not finalized: finished=%v locked_by=%q", got.Finished, got.LockedBy)
	}
	if len(got.TaskIDs) != 10 {
		t.Fatalf("taskids=%d, want 10", len(got.TaskIDs))
	}
	if fx.tasker.maxInflight > 3 {
		t.Fatalf("max in-flight %d exceeded concurrency 3", fx.tasker.maxInflight)
	}

	// Finalization applied the stage effect to the configuration.
	cfgAfter, _, err := fx.configs.Get(ctx, cfg.UUID)
	if err != nil {
		t.Fatalf("get config: %v", err)
	}
	if cfgAfter.Staged == nil {
		t.Fatal("stage transition did not set staged on the configuration")
	}

	// A finished transition is a no-op to re-run.
	if err := fx.engine.Run(ctx, tr.UUID, RunOptions{}); err != nil {
		t.Fatalf("re-run: %v", err)
	}
}

func TestRunLockExclusive(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	cfg := fx.newConfig(t, "tpl", "created")
	fx.tasker.block = make(chan struct{})

	tr, _, err := fx.engine.Create(ctx, CreateParams{
		RecoveryConfigUUID: cfg.UUID, Name: models.TransitionStage, Targets: targets(2),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- fx.engine.Run(ctx, tr.UUID, RunOptions{}) }()

	// Wait until the first owner holds the lock.
	deadline := time.After(2 * time.Second)
	for {
		got, _, err := fx.engine.Get(ctx, tr.UUID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.LockedBy != "" {
			break
		}
		select {
		case <-deadline:
			t.Fatal("first owner never acquired the lock")
		case <-time.After(time.Millisecond):
		}
	}

	other := NewEngine(fx.be, fx.configs, fx.rtokens, fx.tasker, "other-owner/2")
	if err := other.Run(ctx, tr.UUID, RunOptions{}); !errors.Is(err, ErrLocked) {
		t.Fatalf("second owner: got %v, want ErrLocked", err)
	}

	close(fx.tasker.block)
	if err := <-done; err != nil {
		t.Fatalf("first owner run: %v", err)
	}
}

func TestRunResume(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	cfg := fx.newConfig(t, "tpl", "created")
	tgts := targets(4)

	tr, etag, err := fx.engine.Create(ctx, CreateParams{
		RecoveryConfigUUID: cfg.UUID, Name: models.TransitionStage, Targets: tgts,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// Simulate a crashed owner: lock held, one target done, one mid
	// flight.
	now := time.Now().UTC()
	tr.LockedBy = "dead-owner/9"
	tr.Started = &now
	tr.Completed = []string{tgts[0]}
	tr.WIP = []string{tgts[1]}
	tr.TaskIDs = []string{"task-lost"}
	if _, err := store.Update(ctx, fx.be, transitionRecord{tr}, etag); err != nil {
		t.Fatalf("seeding progress: %v", err)
	}

	// Without takeover the stale lock wins.
	if err := fx.engine.Run(ctx, tr.UUID, RunOptions{}); !errors.Is(err, ErrLocked) {
		t.Fatalf("run without takeover: got %v, want ErrLocked", err)
	}
	if err := fx.engine.Run(ctx, tr.UUID, RunOptions{TakeOver: true}); err != nil {
		t.Fatalf("run with takeover: %v", err)
	}

	got, _, err := fx.engine.Get(ctx, tr.UUID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got.Completed) != 4 || got.Finished == nil || got.LockedBy != "" {
		t.Fatalf("resume did not finish: %+v", got)
	}

	// The completed target is never revisited; the wip one is
	// re-dispatched.
	if n := fx.tasker.count(tgts[0]); n != 0 {
		t.Fatalf("completed target re-dispatched %d times", n)
	}
	if n := fx.tasker.count(tgts[1]); n != 1 {
		t.Fatalf("wip target dispatched %d times, want 1", n)
	}
}

func TestRunRetriesThenAborts(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	cfg := fx.newConfig(t, "tpl", "created")
	tgts := targets(3)
	fx.tasker.failures[tgts[1]] = maxTargetAttempts // permanent failure

	tr, _, err := fx.engine.Create(ctx, CreateParams{
		RecoveryConfigUUID: cfg.UUID, Name: models.TransitionStage, Targets: tgts,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := fx.engine.Run(ctx, tr.UUID, RunOptions{}); err == nil {
		t.Fatal("run succeeded despite permanent target failure")
	}

	got, _, err := fx.engine.Get(ctx, tr.UUID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.Aborted || got.Finished == nil {
		t.Fatalf("not aborted: %+v", got)
	}
	if n := fx.tasker.count(tgts[1]); n != maxTargetAttempts {
		t.Fatalf("failing target dispatched %d times, want %d", n, maxTargetAttempts)
	}

	// An aborted transition never applies the config effect.
	cfgAfter, _, _ := fx.configs.Get(ctx, cfg.UUID)
	if cfgAfter.Staged != nil {
		t.Fatal("aborted transition staged the configuration")
	}
}

func TestTransientDispatchFailureRecovers(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	cfg := fx.newConfig(t, "tpl", "created")
	tgts := targets(2)
	fx.tasker.failures[tgts[0]] = 1 // one transient failure, then fine

	tr, _, err := fx.engine.Create(ctx, CreateParams{
		RecoveryConfigUUID: cfg.UUID, Name: models.TransitionStage, Targets: tgts,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := fx.engine.Run(ctx, tr.UUID, RunOptions{}); err != nil {
		t.Fatalf("run: %v", err)
	}
	got, _, _ := fx.engine.Get(ctx, tr.UUID)
	if len(got.Completed) != 2 || got.Aborted {
		t.Fatalf("transient failure not retried: %+v", got)
	}
	if n := fx.tasker.count(tgts[0]); n != 2 {
		t.Fatalf("target dispatched %d times, want 2", n)
	}
}

func TestActivateExpiresPreviousAtomically(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	prev := fx.newConfig(t, "tpl-old", "active")
	next := fx.newConfig(t, "tpl-new", "staged")

	// Recovery tokens bound to the new config get stamped on
	// activation.
	rt, _, err := fx.rtokens.Create(ctx, registry.RecoveryTokenParams{
		PIVToken:              "75CA077A14C5E45037D7A0740D5602A5",
		RecoveryConfiguration: next.UUID,
	})
	if err != nil {
		t.Fatalf("creating recovery token: %v", err)
	}

	tr, _, err := fx.engine.Create(ctx, CreateParams{
		RecoveryConfigUUID: next.UUID, Name: models.TransitionActivate, Targets: targets(3),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := fx.engine.Run(ctx, tr.UUID, RunOptions{}); err != nil {
		t.Fatalf("run: %v", err)
	}

	nextAfter, _, err := fx.configs.Get(ctx, next.UUID)
	if err != nil {
		t.Fatalf("get next: %v", err)
	}
	prevAfter, _, err := fx.configs.Get(ctx, prev.UUID)
	if err != nil {
		t.Fatalf("get prev: %v", err)
	}
	if nextAfter.Status() != "active" {
		t.Fatalf("new config status %q, want active", nextAfter.Status())
	}
	if prevAfter.Status() != "expired" {
		t.Fatalf("old config status %q, want expired", prevAfter.Status())
	}

	// Exactly one active configuration.
	active, _, err := fx.configs.Active(ctx)
	if err != nil {
		t.Fatalf("active: %v", err)
	}
	if active.UUID != next.UUID {
		t.Fatalf("active is %s, want %s", active.UUID, next.UUID)
	}

	rtAfter, _, err := fx.rtokens.Get(ctx, rt.UUID)
	if err != nil {
		t.Fatalf("get recovery token: %v", err)
	}
	if rtAfter.Activated == nil {
		t.Fatal("recovery token not stamped activated")
	}
}

func TestDeactivateReturnsToStaged(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	cfg := fx.newConfig(t, "tpl", "active")

	tr, _, err := fx.engine.Create(ctx, CreateParams{
		RecoveryConfigUUID: cfg.UUID, Name: models.TransitionDeactivate, Targets: targets(2),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := fx.engine.Run(ctx, tr.UUID, RunOptions{}); err != nil {
		t.Fatalf("run: %v", err)
	}
	got, _, _ := fx.configs.Get(ctx, cfg.UUID)
	if got.Status() != "staged" {
		t.Fatalf("status %q, want staged", got.Status())
	}
}

func TestAbortUnownedTransition(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	cfg := fx.newConfig(t, "tpl", "created")

	tr, _, err := fx.engine.Create(ctx, CreateParams{
		RecoveryConfigUUID: cfg.UUID, Name: models.TransitionStage, Targets: targets(2),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	got, err := fx.engine.Abort(ctx, tr.UUID)
	if err != nil {
		t.Fatalf("abort: %v", err)
	}
	if !got.Aborted || got.Finished == nil {
		t.Fatalf("abort of unowned transition did not finalize: %+v", got)
	}

	// Aborting twice is rejected.
	if _, err := fx.engine.Abort(ctx, tr.UUID); !kerrors.IsInvalidParams(err) {
		t.Fatalf("second abort: got %v, want InvalidParamsError", err)
	}

	// Running an aborted transition reports ErrAborted.
	if err := fx.engine.Run(ctx, tr.UUID, RunOptions{}); !errors.Is(err, ErrAborted) {
		t.Fatalf("run after abort: got %v, want ErrAborted", err)
	}
}
