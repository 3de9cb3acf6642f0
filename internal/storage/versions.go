package storage

import (
	"database/sql"
	"fmt"
)

// AppendVersion writes a new snapshot row for the context, assigning
// the next version number in sequence.
func (s *Store) AppendVersion(v ContextVersion) error {
	metadata, err := marshalMetadata(v.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO context_versions (id, context_id, version, content, metadata, confidence, created_at)
		VALUES (?, ?, (SELECT COALESCE(MAX(version), 0) + 1 FROM context_versions WHERE context_id = ?), ?, ?, ?, ?)`,
		v.ID, v.ContextID, v.ContextID, v.Content, metadata, v.Confidence, fmtTime(v.CreatedAt),
	)
	return err
}

func scanVersion(row rowScanner) (ContextVersion, error) {
	var v ContextVersion
	var metadata, createdAt string
	err := row.Scan(&v.ID, &v.ContextID, &v.Version, &v.Content, &metadata, &v.Confidence, &createdAt)
	if err != nil {
		return ContextVersion{}, err
	}
	if v.Metadata, err = unmarshalMetadata(metadata); err != nil {
		return ContextVersion{}, err
	}
	if v.CreatedAt, err = parseTime(createdAt); err != nil {
		return ContextVersion{}, fmt.Errorf("parsing created_at: %w", err)
	}
	return v, nil
}

// GetVersions returns a context's snapshots, newest first. A zero or
// negative limit returns all rows. An unknown context id yields an
// empty slice, not an error.
func (s *Store) GetVersions(contextID string, limit int) ([]ContextVersion, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.Query(`
		SELECT id, context_id, version, content, metadata, confidence, created_at
		FROM context_versions WHERE context_id = ? ORDER BY version DESC LIMIT ?`, contextID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []ContextVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, v)
	}
	return results, rows.Err()
}

func (s *Store) GetVersion(contextID string, version int) (ContextVersion, error) {
	row := s.db.QueryRow(`
		SELECT id, context_id, version, content, metadata, confidence, created_at
		FROM context_versions WHERE context_id = ? AND version = ?`, contextID, version,
	)
	v, err := scanVersion(row)
	if err == sql.ErrNoRows {
		return ContextVersion{}, ErrNotFound
	}
	return v, err
}

// DeleteVersions purges all snapshots for a context.
func (s *Store) DeleteVersions(contextID string) error {
	_, err := s.db.Exec("DELETE FROM context_versions WHERE context_id = ?", contextID)
	return err
}
