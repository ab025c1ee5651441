package keyagreement

import (
	"fmt"

	"cipherline/internal/crypto"
	"cipherline/internal/domain"
	"cipherline/internal/ids"
)

// GenerateBundle creates one one-time pre-key and returns a bundle carrying
// it next to the current signed pre-key, rotating that first if it is
// older than SignedPreKeyRotation.
func (e *Engine) GenerateBundle() (domain.PreKeyBundle, error) {
	bundles, err := e.GenerateBundles(1)
	if err != nil {
		return domain.PreKeyBundle{}, err
	}
	return bundles[0], nil
}

// GenerateBundles is the batch form of GenerateBundle. n <= 0 uses the
// configured OneTimePreKeyBatch.
func (e *Engine) GenerateBundles(n int) ([]domain.PreKeyBundle, error) {
	if n <= 0 {
		n = e.cfg.OneTimePreKeyBatch
	}
	e.genMu.Lock()
	defer e.genMu.Unlock()

	spk, err := e.signedPreKey()
	if err != nil {
		return nil, err
	}

	now := e.clock.Now()
	pairs := make([]domain.OneTimePreKeyPair, 0, n)
	for range n {
		priv, pub, err := crypto.GenerateX25519()
		if err != nil {
			return nil, err
		}
		id, err := ids.NewULID(now)
		if err != nil {
			return nil, err
		}
		pairs = append(pairs, domain.OneTimePreKeyPair{
			ID:   domain.OneTimePreKeyID("opk-" + id),
			Priv: priv,
			Pub:  pub,
		})
	}
	if err := e.prekeys.SaveOneTimePreKeys(pairs); err != nil {
		return nil, fmt.Errorf("keyagreement: save one-time pre-keys: %w", err)
	}

	bundles := make([]domain.PreKeyBundle, len(pairs))
	for i, p := range pairs {
		bundles[i] = domain.PreKeyBundle{
			PrincipalID:           e.self,
			IdentityKey:           e.id.XPub,
			SigningKey:            e.id.EdPub,
			SignedPreKeyID:        spk.ID,
			SignedPreKey:          spk.Pub,
			SignedPreKeySignature: spk.Signature,
			OneTimePreKey:         &domain.OneTimePreKeyPublic{ID: p.ID, Pub: p.Pub},
		}
	}
	e.log.Info("keyagreement.bundles.generated", "count", len(bundles), "signed_pre_key", spk.ID)
	return bundles, nil
}

// signedPreKey returns the current signed pre-key, minting one when none
// exists or the current one is due for rotation. Callers hold genMu.
func (e *Engine) signedPreKey() (domain.SignedPreKeyPair, error) {
	now := e.clock.Now()
	id, ok, err := e.prekeys.CurrentSignedPreKeyID()
	if err != nil {
		return domain.SignedPreKeyPair{}, err
	}
	if ok {
		spk, found, err := e.prekeys.LoadSignedPreKey(id)
		if err != nil {
			return domain.SignedPreKeyPair{}, err
		}
		if found && now.Sub(spk.CreatedAt) < e.cfg.SignedPreKeyRotation {
			return spk, nil
		}
	}

	priv, pub, err := crypto.GenerateX25519()
	if err != nil {
		return domain.SignedPreKeyPair{}, err
	}
	ulid, err := ids.NewULID(now)
	if err != nil {
		return domain.SignedPreKeyPair{}, err
	}
	spk := domain.SignedPreKeyPair{
		ID:        domain.SignedPreKeyID("spk-" + ulid),
		Priv:      priv,
		Pub:       pub,
		Signature: crypto.SignEd25519(e.id.EdPriv, pub.Slice()),
		CreatedAt: now,
	}
	if err := e.prekeys.SaveSignedPreKey(spk); err != nil {
		return domain.SignedPreKeyPair{}, fmt.Errorf("keyagreement: save signed pre-key: %w", err)
	}
	if err := e.prekeys.SetCurrentSignedPreKeyID(spk.ID); err != nil {
		return domain.SignedPreKeyPair{}, err
	}
	if ok {
		e.log.Info("keyagreement.signed_pre_key.rotated", "previous", id, "current", spk.ID)
	}
	return spk, nil
}
