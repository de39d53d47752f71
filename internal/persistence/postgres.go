// Package persistence provides an optional Postgres-backed durable
// store for published prekey bundles, so a relay deployment can survive
// a restart without every wallet re-publishing prekeys. The relay's
// routing state itself (queues, connections) remains stateless per the
// core contract; only prekey material is durable here.
package persistence

import (
	"crypto/ed25519"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/solconnect/relay/internal/identity"
)

// Store wraps a Postgres connection pool for prekey bundle persistence.
type Store struct {
	db *sql.DB
}

// Open connects to Postgres with the teacher's pool sizing convention.
func Open(connStr string) (*Store, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Migrate creates the prekey_bundles and one_time_prekeys tables if they
// do not already exist.
func (s *Store) Migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS prekey_bundles (
			wallet TEXT PRIMARY KEY,
			identity_public BYTEA NOT NULL,
			identity_agreement_public BYTEA NOT NULL,
			signed_prekey_id INTEGER NOT NULL,
			signed_prekey_public BYTEA NOT NULL,
			signed_prekey_signature BYTEA NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE TABLE IF NOT EXISTS one_time_prekeys (
			wallet TEXT NOT NULL,
			prekey_id INTEGER NOT NULL,
			public_key BYTEA NOT NULL,
			consumed BOOLEAN NOT NULL DEFAULT false,
			PRIMARY KEY (wallet, prekey_id)
		);
	`)
	return err
}

// SaveBundle upserts the latest published bundle for a wallet.
func (s *Store) SaveBundle(b identity.PreKeyBundle) error {
	_, err := s.db.Exec(`
		INSERT INTO prekey_bundles (wallet, identity_public, identity_agreement_public, signed_prekey_id, signed_prekey_public, signed_prekey_signature, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (wallet) DO UPDATE SET
			identity_public = EXCLUDED.identity_public,
			identity_agreement_public = EXCLUDED.identity_agreement_public,
			signed_prekey_id = EXCLUDED.signed_prekey_id,
			signed_prekey_public = EXCLUDED.signed_prekey_public,
			signed_prekey_signature = EXCLUDED.signed_prekey_signature,
			updated_at = now()
	`, b.Wallet.String(), []byte(b.IdentityPublic), b.IdentityAgreementPublic[:], b.SignedPreKeyID, b.SignedPreKeyPublic[:], b.SignedPreKeySignature[:])
	if err != nil {
		return fmt.Errorf("save bundle: %w", err)
	}
	return nil
}

// LoadBundle reads a wallet's persisted bundle without attaching a
// one-time prekey; this store has no method that reads one-time prekeys
// back.
func (s *Store) LoadBundle(wallet identity.WalletAddress) (identity.PreKeyBundle, error) {
	var b identity.PreKeyBundle
	var identityPub []byte
	var agreementPub, spkPub, spkSig []byte

	row := s.db.QueryRow(`
		SELECT identity_public, identity_agreement_public, signed_prekey_id, signed_prekey_public, signed_prekey_signature
		FROM prekey_bundles WHERE wallet = $1
	`, wallet.String())
	if err := row.Scan(&identityPub, &agreementPub, &b.SignedPreKeyID, &spkPub, &spkSig); err != nil {
		return b, fmt.Errorf("load bundle: %w", err)
	}

	b.Wallet = wallet
	b.IdentityPublic = ed25519.PublicKey(identityPub)
	copy(b.IdentityAgreementPublic[:], agreementPub)
	copy(b.SignedPreKeyPublic[:], spkPub)
	copy(b.SignedPreKeySignature[:], spkSig)
	return b, nil
}

// SaveOneTimePreKeys persists a freshly generated batch of one-time
// prekeys for wallet.
func (s *Store) SaveOneTimePreKeys(wallet identity.WalletAddress, ids []uint32, publics [][32]byte) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	for i, id := range ids {
		if _, err := tx.Exec(`
			INSERT INTO one_time_prekeys (wallet, prekey_id, public_key, consumed)
			VALUES ($1, $2, $3, false)
			ON CONFLICT (wallet, prekey_id) DO NOTHING
		`, wallet.String(), id, publics[i][:]); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// ConsumeOneTimePreKey marks a one-time prekey consumed, returning
// sql.ErrNoRows if it was already consumed or does not exist.
func (s *Store) ConsumeOneTimePreKey(wallet identity.WalletAddress, id uint32) error {
	res, err := s.db.Exec(`
		UPDATE one_time_prekeys SET consumed = true
		WHERE wallet = $1 AND prekey_id = $2 AND consumed = false
	`, wallet.String(), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}
