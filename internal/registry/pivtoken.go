package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/org/keybackup/internal/kerrors"
	"github.com/org/keybackup/internal/storage"
	"github.com/org/keybackup/internal/store"
	"github.com/org/keybackup/internal/validate"
	"github.com/org/keybackup/pkg/models"
)

type pivTokenRecord struct {
	*models.PIVToken
}

func (pivTokenRecord) Bucket() string { return storage.BucketPIVTokens }
func (r pivTokenRecord) Key() string  { return r.GUID }

// pivStorageView strips the attached recovery tokens before the
// record is marshalled: they live in their own bucket.
func pivStorageView(p *models.PIVToken) pivTokenRecord {
	cp := *p
	cp.RecoveryTokens = nil
	return pivTokenRecord{&cp}
}

// PIVTokens manages PIVToken records and their recovery tokens.
type PIVTokens struct {
	be      storage.Backend
	configs *RecoveryConfigs
	rtokens *RecoveryTokens
	history *History
}

// NewPIVTokens returns a registry over the given backend and
// collaborating registries.
func NewPIVTokens(be storage.Backend, configs *RecoveryConfigs, rtokens *RecoveryTokens, history *History) *PIVTokens {
	return &PIVTokens{be: be, configs: configs, rtokens: rtokens, history: history}
}

// PIVTokenParams are the creation inputs for a PIVToken.
type PIVTokenParams struct {
	GUID                  string            `json:"guid"`
	CNUUID                string            `json:"cn_uuid"`
	Pubkeys               map[string]string `json:"pubkeys"`
	Model                 string            `json:"model"`
	Serial                string            `json:"serial"`
	Attestation           map[string]string `json:"attestation"`
	Pin                   string            `json:"pin"`
	Created               string            `json:"created"`
	RecoveryConfiguration string            `json:"recovery_configuration"`
}

func (p PIVTokenParams) validate() (time.Time, error) {
	var fes []kerrors.FieldError
	if fe := validate.GUID("guid", p.GUID); fe != nil {
		fes = append(fes, *fe)
	}
	if fe := validate.UUID("cn_uuid", p.CNUUID); fe != nil {
		fes = append(fes, *fe)
	}
	if fe := validate.Pubkeys("pubkeys", p.Pubkeys); fe != nil {
		fes = append(fes, *fe)
	}
	if fe := validate.Present("pin", p.Pin); fe != nil {
		fes = append(fes, *fe)
	}
	created := time.Now().UTC()
	if p.Created != "" {
		t, fe := validate.Timestamp("created", p.Created)
		if fe != nil {
			fes = append(fes, *fe)
		} else {
			created = t.UTC()
		}
	}
	if len(fes) > 0 {
		return time.Time{}, kerrors.NewInvalidParams("invalid parameters", fes...)
	}
	return created, nil
}

// Create validates the parameters, resolves the recovery configuration
// to bind (the explicit one, or the currently active one), persists
// the PIVToken and mints its first recovery token.
//
// A PIVToken is never created without a resolvable recovery
// configuration. If the recovery token mint fails after the PIVToken
// row is written there is no rollback: the inconsistency is logged and
// the error returned, leaving the row for a reconciliation sweep.
func (p *PIVTokens) Create(ctx context.Context, params PIVTokenParams) (*models.PIVToken, error) {
	created, err := params.validate()
	if err != nil {
		return nil, err
	}

	var cfgUUID string
	if params.RecoveryConfiguration != "" {
		cfg, _, err := p.configs.Get(ctx, params.RecoveryConfiguration)
		if err != nil {
			return nil, kerrors.NewInvalidParams("invalid parameter",
				kerrors.InvalidParam("recovery_configuration",
					"cannot create a PIVToken without a valid recovery configuration"))
		}
		cfgUUID = cfg.UUID
	} else {
		cfg, _, err := p.configs.Active(ctx)
		if err != nil {
			return nil, kerrors.NewInvalidParams("missing parameter",
				kerrors.MissingParam("recovery_configuration",
					"cannot create a PIVToken without an active recovery configuration"))
		}
		cfgUUID = cfg.UUID
	}

	tok := &models.PIVToken{
		GUID:        params.GUID,
		CNUUID:      params.CNUUID,
		Pubkeys:     params.Pubkeys,
		Model:       params.Model,
		Serial:      params.Serial,
		Attestation: params.Attestation,
		Pin:         params.Pin,
		Created:     created,
	}
	if _, err := store.Create(ctx, p.be, pivStorageView(tok)); err != nil {
		return nil, err
	}

	rtok, _, err := p.rtokens.Create(ctx, RecoveryTokenParams{
		PIVToken:              tok.GUID,
		RecoveryConfiguration: cfgUUID,
	})
	if err != nil {
		log.Error().Err(err).Str("guid", tok.GUID).
			Msg("pivtoken created but recovery token mint failed; row left for reconciliation")
		return nil, fmt.Errorf("creating recovery token for pivtoken: %w", err)
	}
	tok.RecoveryTokens = []models.RecoveryToken{*rtok}
	return tok, nil
}

// Get returns the public view of a PIVToken: pin and recovery tokens
// stripped.
func (p *PIVTokens) Get(ctx context.Context, guid string) (*models.PIVToken, string, error) {
	tok, etag, err := p.fetch(ctx, guid)
	if err != nil {
		return nil, "", err
	}
	pub := tok.Public()
	return &pub, etag, nil
}

// GetPin returns the full record including pin and recovery tokens.
// Only signature-authenticated callers may reach this.
func (p *PIVTokens) GetPin(ctx context.Context, guid string) (*models.PIVToken, string, error) {
	tok, etag, err := p.fetch(ctx, guid)
	if err != nil {
		return nil, "", err
	}
	rtoks, err := p.rtokens.ListByPIVToken(ctx, guid)
	if err != nil {
		return nil, "", err
	}
	tok.RecoveryTokens = rtoks
	return tok, etag, nil
}

func (p *PIVTokens) fetch(ctx context.Context, guid string) (*models.PIVToken, string, error) {
	if fe := validate.GUID("guid", guid); fe != nil {
		return nil, "", kerrors.NewInvalidParams("invalid parameters", *fe)
	}
	var tok models.PIVToken
	etag, err := store.Get(ctx, p.be, storage.BucketPIVTokens, guid, &tok)
	if err != nil {
		return nil, "", err
	}
	return &tok, etag, nil
}

// List returns public views of all PIVTokens matching the filter. The
// recovery token counts ride along on the full (pin) view only, so
// here each token is stripped; the per-token recovery tokens are
// fetched in one batched In query, not one query per token.
func (p *PIVTokens) List(ctx context.Context, f storage.Filter) ([]models.PIVToken, error) {
	toks, _, err := store.List[models.PIVToken](ctx, p.be, storage.BucketPIVTokens, f,
		storage.FindOpts{SortBy: "guid"})
	if err != nil {
		return nil, err
	}
	guids := make([]string, len(toks))
	for i := range toks {
		guids[i] = toks[i].GUID
	}
	rtoks, err := p.rtokens.ListByPIVTokens(ctx, guids)
	if err != nil {
		return nil, err
	}
	byGUID := make(map[string][]models.RecoveryToken)
	for _, rt := range rtoks {
		rt.Token = ""
		byGUID[rt.PIVToken] = append(byGUID[rt.PIVToken], rt)
	}
	out := make([]models.PIVToken, len(toks))
	for i := range toks {
		pub := toks[i].Public()
		pub.RecoveryTokens = byGUID[pub.GUID]
		out[i] = pub
	}
	return out, nil
}

// Update changes the owning compute node. cn_uuid is the only mutable
// PIVToken field; anything else is rejected before any storage write.
func (p *PIVTokens) Update(ctx context.Context, guid, etag string, changes map[string]string) (*models.PIVToken, string, error) {
	for k := range changes {
		if k != "cn_uuid" {
			return nil, "", kerrors.NewInvalidParams("invalid parameters",
				kerrors.InvalidParam(k, "only cn_uuid can be modified for a PIVToken"))
		}
	}
	cnUUID := changes["cn_uuid"]
	if fe := validate.UUID("cn_uuid", cnUUID); fe != nil {
		return nil, "", kerrors.NewInvalidParams("invalid parameters", *fe)
	}

	tok, curEtag, err := p.fetch(ctx, guid)
	if err != nil {
		return nil, "", err
	}
	if etag == "" {
		etag = curEtag
	}
	tok.CNUUID = cnUUID
	newEtag, err := store.Update(ctx, p.be, pivStorageView(tok), etag)
	if err != nil {
		return nil, "", err
	}
	return tok, newEtag, nil
}

// Delete removes the PIVToken row and every recovery token it owns in
// one atomic batch. No recovery token survives its PIVToken.
func (p *PIVTokens) Delete(ctx context.Context, guid, etag string) error {
	if fe := validate.GUID("guid", guid); fe != nil {
		return kerrors.NewInvalidParams("invalid parameters", *fe)
	}
	return p.be.Batch(ctx, []storage.Op{
		{Type: storage.OpDelete, Bucket: storage.BucketPIVTokens, Key: guid, Etag: etag},
		{
			Type:   storage.OpDeleteMany,
			Bucket: storage.BucketRecoveryTokens,
			Filter: storage.And(storage.Eq("pivtoken", guid)),
		},
	})
}

// Recover replaces a lost or compromised PIVToken: the current state
// (with its recovery tokens) is archived to history, the token and its
// recovery tokens are deleted, and a brand-new PIVToken is created
// from the supplied parameters. This is delete-then-create, not an
// update: the new record has a fresh created timestamp and a fresh
// recovery token.
func (p *PIVTokens) Recover(ctx context.Context, guid string, params PIVTokenParams) (*models.PIVToken, error) {
	old, etag, err := p.GetPin(ctx, guid)
	if err != nil {
		return nil, err
	}

	if _, err := p.history.Archive(ctx, old, time.Now().UTC()); err != nil {
		return nil, fmt.Errorf("archiving pivtoken %s: %w", guid, err)
	}
	if err := p.Delete(ctx, guid, etag); err != nil {
		// The archive already exists; a duplicate archive on retry is
		// reported as a conflict by History.Archive and ignored there.
		return nil, fmt.Errorf("deleting pivtoken %s during recovery: %w", guid, err)
	}
	return p.Create(ctx, params)
}

// Exists reports whether a PIVToken with the guid is present, without
// decoding it.
func (p *PIVTokens) Exists(ctx context.Context, guid string) (bool, error) {
	_, err := p.be.GetObject(ctx, storage.BucketPIVTokens, guid)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
