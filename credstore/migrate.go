package credstore

import "context"

// MigrateIfNeeded upgrades legacy plaintext token fields to the encrypted
// format. Safe to call on every launch:
//
//   - no legacy access token, or an encrypted one already present: no-op
//   - encryption failure: legacy fields left untouched, retried next launch
//   - otherwise: encrypted fields written and legacy fields removed in one
//     transaction
func (s *Store) MigrateIfNeeded(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	legacyAccess, haveLegacy, err := s.getPref(ctx, keyLegacyAccessToken)
	if err != nil {
		return err
	}
	_, haveEncrypted, err := s.getPref(ctx, keyAccessTokenEnc)
	if err != nil {
		return err
	}
	if !haveLegacy || haveEncrypted {
		return nil
	}

	s.log.Info().Msg("migrating legacy tokens to encrypted format")

	encAccess, ok := s.sealer.Encrypt(legacyAccess)
	if !ok {
		// No data loss: keep the legacy fields so migration retries.
		s.log.Error().Msg("encryption failed during migration, keeping legacy fields")
		return nil
	}
	sets := map[string]string{keyAccessTokenEnc: encAccess}

	legacyRefresh, haveRefresh, err := s.getPref(ctx, keyLegacyRefreshToken)
	if err != nil {
		return err
	}
	if haveRefresh {
		if encRefresh, ok := s.sealer.Encrypt(legacyRefresh); ok {
			sets[keyRefreshTokenEnc] = encRefresh
		} else {
			s.log.Error().Msg("encryption failed during migration, keeping legacy fields")
			return nil
		}
	}

	err = s.write(ctx, sets, []string{keyLegacyAccessToken, keyLegacyRefreshToken})
	if err != nil {
		return err
	}
	s.broadcastLocked(ctx)
	s.log.Info().Msg("legacy token migration completed")
	return nil
}

// SeedLegacyTokens writes plaintext tokens under the legacy keys. It exists
// for migration tests and for importing state written by older builds.
func (s *Store) SeedLegacyTokens(ctx context.Context, access, refresh string) error {
	sets := map[string]string{keyLegacyAccessToken: access}
	if refresh != "" {
		sets[keyLegacyRefreshToken] = refresh
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(ctx, sets, nil)
}
