// Package registry implements the entity registries: recovery
// configurations, PIV tokens, recovery tokens and the PIVToken
// history archive. Registries validate, persist and project entities;
// cross-node orchestration lives in the transition engine.
package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/org/keybackup/internal/kerrors"
	"github.com/org/keybackup/internal/storage"
	"github.com/org/keybackup/internal/store"
	"github.com/org/keybackup/internal/validate"
	"github.com/org/keybackup/pkg/models"
)

// configLifecycleFields are the only RecoveryConfiguration fields that
// may change after creation.
var configLifecycleFields = map[string]bool{
	"staged":    true,
	"activated": true,
	"expired":   true,
}

type configRecord struct {
	*models.RecoveryConfiguration
}

func (configRecord) Bucket() string { return storage.BucketRecoveryConfigs }
func (r configRecord) Key() string  { return r.UUID }

// RecoveryConfigs manages recovery configuration records.
type RecoveryConfigs struct {
	be storage.Backend
}

// NewRecoveryConfigs returns a registry over the given backend.
func NewRecoveryConfigs(be storage.Backend) *RecoveryConfigs {
	return &RecoveryConfigs{be: be}
}

// Create persists a new configuration. The uuid is a deterministic
// hash of the template, so re-submitting the same template produces
// the same key and the duplicate create fails with ErrAlreadyExists.
func (r *RecoveryConfigs) Create(ctx context.Context, template string) (*models.RecoveryConfiguration, string, error) {
	if fe := validate.Present("template", template); fe != nil {
		return nil, "", kerrors.NewInvalidParams("invalid parameters", *fe)
	}
	cfg := &models.RecoveryConfiguration{
		UUID:     models.DeterministicUUID(template),
		Template: template,
		Created:  time.Now().UTC(),
	}
	etag, err := store.Create(ctx, r.be, configRecord{cfg})
	if err != nil {
		return nil, "", err
	}
	return cfg, etag, nil
}

// Get fetches a configuration and the etag required for mutations.
func (r *RecoveryConfigs) Get(ctx context.Context, uuid string) (*models.RecoveryConfiguration, string, error) {
	if fe := validate.UUID("uuid", uuid); fe != nil {
		return nil, "", kerrors.NewInvalidParams("invalid parameters", *fe)
	}
	var cfg models.RecoveryConfiguration
	etag, err := store.Get(ctx, r.be, storage.BucketRecoveryConfigs, uuid, &cfg)
	if err != nil {
		return nil, "", err
	}
	return &cfg, etag, nil
}

// List returns configurations matching the filter, ordered by
// creation time.
func (r *RecoveryConfigs) List(ctx context.Context, f storage.Filter) ([]models.RecoveryConfiguration, error) {
	cfgs, _, err := store.List[models.RecoveryConfiguration](ctx, r.be,
		storage.BucketRecoveryConfigs, f, storage.FindOpts{SortBy: "created"})
	return cfgs, err
}

// Active returns the currently active configuration: activated set,
// expired unset. storage.ErrNotFound when no configuration is active.
func (r *RecoveryConfigs) Active(ctx context.Context) (*models.RecoveryConfiguration, string, error) {
	objs, err := r.be.FindObjects(ctx, storage.BucketRecoveryConfigs,
		storage.And(storage.Present("activated"), storage.Absent("expired")),
		storage.FindOpts{SortBy: "activated", Desc: true, Limit: 1})
	if err != nil {
		return nil, "", err
	}
	if len(objs) == 0 {
		return nil, "", storage.ErrNotFound
	}
	var cfg models.RecoveryConfiguration
	etag, err := store.Get(ctx, r.be, storage.BucketRecoveryConfigs, objs[0].Key, &cfg)
	if err != nil {
		return nil, "", err
	}
	return &cfg, etag, nil
}

// Update sets or clears lifecycle timestamps. Only staged, activated
// and expired may be touched; any other field fails before a storage
// call is made. The write is conditional on etag.
func (r *RecoveryConfigs) Update(ctx context.Context, uuid, etag string, set map[string]time.Time, clear []string) (*models.RecoveryConfiguration, string, error) {
	for k := range set {
		if !configLifecycleFields[k] {
			return nil, "", kerrors.NewInvalidParams("invalid parameters",
				kerrors.InvalidParam(k, "only staged, activated and expired can be modified"))
		}
	}
	for _, k := range clear {
		if !configLifecycleFields[k] {
			return nil, "", kerrors.NewInvalidParams("invalid parameters",
				kerrors.InvalidParam(k, "only staged, activated and expired can be modified"))
		}
	}

	cfg, curEtag, err := r.Get(ctx, uuid)
	if err != nil {
		return nil, "", err
	}
	if etag == "" {
		etag = curEtag
	}
	applyConfigChanges(cfg, set, clear)

	newEtag, err := store.Update(ctx, r.be, configRecord{cfg}, etag)
	if err != nil {
		return nil, "", err
	}
	return cfg, newEtag, nil
}

// Reactivate resets an expired configuration back to NEW: staged,
// activated and expired are cleared together, never individually.
func (r *RecoveryConfigs) Reactivate(ctx context.Context, uuid, etag string) (*models.RecoveryConfiguration, string, error) {
	cfg, curEtag, err := r.Get(ctx, uuid)
	if err != nil {
		return nil, "", err
	}
	if cfg.Expired == nil {
		return nil, "", kerrors.NewInvalidParams("invalid parameters",
			kerrors.InvalidParam("uuid", "only an expired configuration can be reactivated"))
	}
	if etag == "" {
		etag = curEtag
	}
	cfg.Staged, cfg.Activated, cfg.Expired = nil, nil, nil
	newEtag, err := store.Update(ctx, r.be, configRecord{cfg}, etag)
	if err != nil {
		return nil, "", err
	}
	return cfg, newEtag, nil
}

// Delete removes a configuration, conditionally when etag is set.
func (r *RecoveryConfigs) Delete(ctx context.Context, uuid, etag string) error {
	if fe := validate.UUID("uuid", uuid); fe != nil {
		return kerrors.NewInvalidParams("invalid parameters", *fe)
	}
	return store.Delete(ctx, r.be, storage.BucketRecoveryConfigs, uuid, etag)
}

// ActivationOps returns the batch operations that activate cfg and
// expire prev in one atomic write. prev may be nil when no
// configuration was active before.
func (r *RecoveryConfigs) ActivationOps(cfg *models.RecoveryConfiguration, cfgEtag string, prev *models.RecoveryConfiguration, prevEtag string, now time.Time) ([]storage.Op, error) {
	next := *cfg
	next.Activated = &now
	ops := make([]storage.Op, 0, 2)
	op, err := store.PutOp(configRecord{&next}, cfgEtag)
	if err != nil {
		return nil, err
	}
	ops = append(ops, op)
	if prev != nil {
		expired := *prev
		expired.Expired = &now
		op, err := store.PutOp(configRecord{&expired}, prevEtag)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, nil
}

func applyConfigChanges(cfg *models.RecoveryConfiguration, set map[string]time.Time, clear []string) {
	for k, t := range set {
		ts := t
		switch k {
		case "staged":
			cfg.Staged = &ts
		case "activated":
			cfg.Activated = &ts
		case "expired":
			cfg.Expired = &ts
		}
	}
	for _, k := range clear {
		switch k {
		case "staged":
			cfg.Staged = nil
		case "activated":
			cfg.Activated = nil
		case "expired":
			cfg.Expired = nil
		}
	}
}

// StatusFilter translates a lifecycle state name into a storage filter
// for List. Unknown names yield an error.
func StatusFilter(state string) (storage.Filter, error) {
	switch state {
	case "":
		return storage.Filter{}, nil
	case "created":
		return storage.And(storage.Absent("staged"), storage.Absent("activated"), storage.Absent("expired")), nil
	case "staged":
		return storage.And(storage.Present("staged"), storage.Absent("activated"), storage.Absent("expired")), nil
	case "active":
		return storage.And(storage.Present("activated"), storage.Absent("expired")), nil
	case "expired":
		return storage.And(storage.Present("expired")), nil
	default:
		return storage.Filter{}, fmt.Errorf("unknown lifecycle state %q", state)
	}
}
