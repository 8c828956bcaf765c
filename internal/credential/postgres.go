package credential

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresStore persists credential snapshots in the app database. Satu row
// per session, upsert by session_id.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	s := &PostgresStore{db: db}
	if err := s.ensureSchema(); err != nil {
		return nil, fmt.Errorf("ensure credential schema: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) ensureSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS session_credentials (
			session_id    TEXT PRIMARY KEY,
			blob          BYTEA NOT NULL,
			has_state_key BOOLEAN NOT NULL DEFAULT FALSE,
			updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`)
	return err
}

func (s *PostgresStore) Load(id string) (*Credential, error) {
	cred := &Credential{SessionID: id}
	err := s.db.QueryRow(`
		SELECT blob, has_state_key, updated_at
		FROM session_credentials WHERE session_id = $1`, id).
		Scan(&cred.Blob, &cred.HasStateKey, &cred.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load credential: %w", err)
	}
	return cred, nil
}

func (s *PostgresStore) Save(id string, cred *Credential) error {
	updatedAt := cred.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO session_credentials (session_id, blob, has_state_key, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (session_id) DO UPDATE
		SET blob = EXCLUDED.blob,
		    has_state_key = EXCLUDED.has_state_key,
		    updated_at = EXCLUDED.updated_at`,
		id, cred.Blob, cred.HasStateKey, updatedAt)
	if err != nil {
		return fmt.Errorf("save credential: %w", err)
	}
	return nil
}

func (s *PostgresStore) Delete(id string) error {
	_, err := s.db.Exec(`DELETE FROM session_credentials WHERE session_id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	return nil
}

func (s *PostgresStore) List() ([]string, error) {
	rows, err := s.db.Query(`SELECT session_id FROM session_credentials`)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
