package registry

import (
	"context"
	"time"

	"github.com/org/keybackup/internal/kerrors"
	"github.com/org/keybackup/internal/storage"
	"github.com/org/keybackup/internal/store"
	"github.com/org/keybackup/internal/validate"
	"github.com/org/keybackup/pkg/models"
)

type recoveryTokenRecord struct {
	*models.RecoveryToken
}

func (recoveryTokenRecord) Bucket() string { return storage.BucketRecoveryTokens }
func (r recoveryTokenRecord) Key() string  { return r.UUID }

// RecoveryTokens manages recovery token records.
type RecoveryTokens struct {
	be storage.Backend
}

// NewRecoveryTokens returns a registry over the given backend.
func NewRecoveryTokens(be storage.Backend) *RecoveryTokens {
	return &RecoveryTokens{be: be}
}

// RecoveryTokenParams are the creation inputs. Token is optional; a
// fresh random secret is minted when absent.
type RecoveryTokenParams struct {
	PIVToken              string
	RecoveryConfiguration string
	Token                 string
}

// Create mints a recovery token. The uuid is a deterministic hash of
// the secret, so creating the same secret twice yields the same uuid
// and the second create fails with ErrAlreadyExists.
func (r *RecoveryTokens) Create(ctx context.Context, p RecoveryTokenParams) (*models.RecoveryToken, string, error) {
	var fes []kerrors.FieldError
	if fe := validate.GUID("pivtoken", p.PIVToken); fe != nil {
		fes = append(fes, *fe)
	}
	if fe := validate.UUID("recovery_configuration", p.RecoveryConfiguration); fe != nil {
		fes = append(fes, *fe)
	}
	if len(fes) > 0 {
		return nil, "", kerrors.NewInvalidParams("invalid parameters", fes...)
	}

	if p.Token == "" {
		p.Token = models.NewTokenSecret()
	}
	tok := &models.RecoveryToken{
		UUID:                  models.DeterministicUUID(p.Token),
		PIVToken:              p.PIVToken,
		RecoveryConfiguration: p.RecoveryConfiguration,
		Token:                 p.Token,
		Created:               time.Now().UTC(),
	}
	etag, err := store.Create(ctx, r.be, recoveryTokenRecord{tok})
	if err != nil {
		return nil, "", err
	}
	return tok, etag, nil
}

// Get fetches one recovery token by uuid.
func (r *RecoveryTokens) Get(ctx context.Context, uuid string) (*models.RecoveryToken, string, error) {
	var tok models.RecoveryToken
	etag, err := store.Get(ctx, r.be, storage.BucketRecoveryTokens, uuid, &tok)
	if err != nil {
		return nil, "", err
	}
	return &tok, etag, nil
}

// Update sets or clears the staged/activated/expired timestamps; no
// other field may change after creation.
func (r *RecoveryTokens) Update(ctx context.Context, uuid, etag string, set map[string]time.Time, clear []string) (*models.RecoveryToken, string, error) {
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

	tok, curEtag, err := r.Get(ctx, uuid)
	if err != nil {
		return nil, "", err
	}
	if etag == "" {
		etag = curEtag
	}
	for k, t := range set {
		ts := t
		switch k {
		case "staged":
			tok.Staged = &ts
		case "activated":
			tok.Activated = &ts
		case "expired":
			tok.Expired = &ts
		}
	}
	for _, k := range clear {
		switch k {
		case "staged":
			tok.Staged = nil
		case "activated":
			tok.Activated = nil
		case "expired":
			tok.Expired = nil
		}
	}
	newEtag, err := store.Update(ctx, r.be, recoveryTokenRecord{tok}, etag)
	if err != nil {
		return nil, "", err
	}
	return tok, newEtag, nil
}

// ListByPIVToken returns all recovery tokens owned by one PIVToken,
// oldest first.
func (r *RecoveryTokens) ListByPIVToken(ctx context.Context, guid string) ([]models.RecoveryToken, error) {
	toks, _, err := store.List[models.RecoveryToken](ctx, r.be, storage.BucketRecoveryTokens,
		storage.And(storage.Eq("pivtoken", guid)),
		storage.FindOpts{SortBy: "created"})
	return toks, err
}

// ListByPIVTokens returns recovery tokens for many PIVTokens in one
// query, avoiding per-token lookups on list operations.
func (r *RecoveryTokens) ListByPIVTokens(ctx context.Context, guids []string) ([]models.RecoveryToken, error) {
	if len(guids) == 0 {
		return nil, nil
	}
	toks, _, err := store.List[models.RecoveryToken](ctx, r.be, storage.BucketRecoveryTokens,
		storage.And(storage.In("pivtoken", guids)),
		storage.FindOpts{SortBy: "created"})
	return toks, err
}

// ListByConfiguration returns all recovery tokens bound to one
// recovery configuration, with their etags for follow-up updates.
func (r *RecoveryTokens) ListByConfiguration(ctx context.Context, cfgUUID string) ([]models.RecoveryToken, []string, error) {
	return store.List[models.RecoveryToken](ctx, r.be, storage.BucketRecoveryTokens,
		storage.And(storage.Eq("recovery_configuration", cfgUUID)),
		storage.FindOpts{SortBy: "created"})
}

// Delete removes one recovery token.
func (r *RecoveryTokens) Delete(ctx context.Context, uuid, etag string) error {
	return store.Delete(ctx, r.be, storage.BucketRecoveryTokens, uuid, etag)
}
