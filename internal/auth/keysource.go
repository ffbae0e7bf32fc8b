package auth

import (
	"context"
	"errors"

	"github.com/org/keybackup/internal/registry"
	"github.com/org/keybackup/pkg/models"
)

// RegistryKeys sources verification material from the PIVToken
// registry.
type RegistryKeys struct {
	PIVTokens *registry.PIVTokens
}

func (k RegistryKeys) PubKey9e(ctx context.Context, guid string) (string, error) {
	tok, _, err := k.PIVTokens.Get(ctx, guid)
	if err != nil {
		return "", err
	}
	key := tok.Pubkeys[models.SlotCardAuth]
	if key == "" {
		return "", errors.New("pivtoken has no 9e pubkey")
	}
	return key, nil
}

func (k RegistryKeys) RecoveryTokenSecrets(ctx context.Context, guid string) ([]string, error) {
	tok, _, err := k.PIVTokens.GetPin(ctx, guid)
	if err != nil {
		return nil, err
	}
	secrets := make([]string, 0, len(tok.RecoveryTokens))
	for i := len(tok.RecoveryTokens) - 1; i >= 0; i-- {
		rt := tok.RecoveryTokens[i]
		if rt.Expired != nil {
			continue
		}
		secrets = append(secrets, rt.Token)
	}
	return secrets, nil
}
