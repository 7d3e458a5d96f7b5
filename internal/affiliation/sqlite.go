package affiliation

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

const schema = `
CREATE TABLE IF NOT EXISTS affiliations (
	workspace   TEXT NOT NULL,
	language_id TEXT NOT NULL,
	runtime_id  TEXT NOT NULL,
	updated_at  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (workspace, language_id)
);
`

// SqliteStore persists affiliations in a local sqlite database so they
// survive process restarts.
type SqliteStore struct {
	db *sql.DB
}

// OpenSqlite opens (and creates if needed) the affiliation database at path.
func OpenSqlite(path string) (*SqliteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open affiliation database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to verify affiliation database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create affiliation schema: %w", err)
	}
	return &SqliteStore{db: db}, nil
}

func (s *SqliteStore) Affiliated(ctx context.Context, workspace, languageID string) (string, error) {
	var runtimeID string
	err := s.db.QueryRowContext(ctx,
		`SELECT runtime_id FROM affiliations WHERE workspace = ? AND language_id = ?`,
		workspace, languageID,
	).Scan(&runtimeID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to query affiliation: %w", err)
	}
	return runtimeID, nil
}

func (s *SqliteStore) SetAffiliated(ctx context.Context, workspace, languageID, runtimeID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO affiliations (workspace, language_id, runtime_id, updated_at)
		 VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(workspace, language_id)
		 DO UPDATE SET runtime_id = excluded.runtime_id, updated_at = CURRENT_TIMESTAMP`,
		workspace, languageID, runtimeID,
	)
	if err != nil {
		return fmt.Errorf("failed to record affiliation: %w", err)
	}
	return nil
}

func (s *SqliteStore) Affiliations(ctx context.Context, workspace string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT language_id, runtime_id FROM affiliations WHERE workspace = ?`, workspace)
	if err != nil {
		return nil, fmt.Errorf("failed to list affiliations: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var lang, rt string
		if err := rows.Scan(&lang, &rt); err != nil {
			return nil, fmt.Errorf("failed to scan affiliation: %w", err)
		}
		out[lang] = rt
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read affiliations: %w", err)
	}
	return out, nil
}

func (s *SqliteStore) Close() error {
	return s.db.Close()
}
