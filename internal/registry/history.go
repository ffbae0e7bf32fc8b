package registry

import (
	"context"
	"errors"
	"time"

	"github.com/org/keybackup/internal/kerrors"
	"github.com/org/keybackup/internal/storage"
	"github.com/org/keybackup/internal/store"
	"github.com/org/keybackup/internal/validate"
	"github.com/org/keybackup/pkg/models"
)

type historyRecord struct {
	*models.PIVTokenHistory
}

func (historyRecord) Bucket() string { return storage.BucketPIVTokenHistory }
func (r historyRecord) Key() string  { return r.GUID }

// History archives the final state of deleted or replaced PIVTokens.
type History struct {
	be storage.Backend
}

// NewHistory returns a history registry over the given backend.
func NewHistory(be storage.Backend) *History {
	return &History{be: be}
}

// Archive writes the final state of a PIVToken to the history bucket.
// The active range runs from the token's creation to now. An archive
// that already exists for the guid is left untouched, so a retried
// recovery does not fail here.
func (h *History) Archive(ctx context.Context, tok *models.PIVToken, now time.Time) (*models.PIVTokenHistory, error) {
	rec := &models.PIVTokenHistory{
		GUID:           tok.GUID,
		CNUUID:         tok.CNUUID,
		Pubkeys:        tok.Pubkeys,
		RecoveryTokens: tok.RecoveryTokens,
		Model:          tok.Model,
		Serial:         tok.Serial,
		Attestation:    tok.Attestation,
		Pin:            tok.Pin,
		ActiveRange:    [2]time.Time{tok.Created, now},
	}
	if _, err := store.Create(ctx, h.be, historyRecord{rec}); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			return rec, nil
		}
		return nil, err
	}
	return rec, nil
}

// Get fetches the archived state of one PIVToken by guid.
func (h *History) Get(ctx context.Context, guid string) (*models.PIVTokenHistory, error) {
	if fe := validate.GUID("guid", guid); fe != nil {
		return nil, kerrors.NewInvalidParams("invalid parameters", *fe)
	}
	var rec models.PIVTokenHistory
	if _, err := store.Get(ctx, h.be, storage.BucketPIVTokenHistory, guid, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// List returns archived PIVTokens matching the filter, oldest guid
// first.
func (h *History) List(ctx context.Context, f storage.Filter) ([]models.PIVTokenHistory, error) {
	recs, _, err := store.List[models.PIVTokenHistory](ctx, h.be,
		storage.BucketPIVTokenHistory, f, storage.FindOpts{SortBy: "guid"})
	return recs, err
}

// Delete removes one archive entry.
func (h *History) Delete(ctx context.Context, guid string) error {
	if fe := validate.GUID("guid", guid); fe != nil {
		return kerrors.NewInvalidParams("invalid parameters", *fe)
	}
	return store.Delete(ctx, h.be, storage.BucketPIVTokenHistory, guid, "")
}
