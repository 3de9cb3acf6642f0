package storage

import (
	"database/sql"
	"fmt"
	"strings"
	"time"
)

const contextColumns = "id, workspace_id, tier, context_type, content, metadata, confidence, usage_count, created_at, updated_at, last_used_at"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanContext(row rowScanner) (Context, error) {
	var c Context
	var metadata, createdAt, updatedAt string
	var lastUsed sql.NullString
	err := row.Scan(&c.ID, &c.WorkspaceID, &c.Tier, &c.Type, &c.Content, &metadata,
		&c.Confidence, &c.UsageCount, &createdAt, &updatedAt, &lastUsed)
	if err != nil {
		return Context{}, err
	}

	if c.Metadata, err = unmarshalMetadata(metadata); err != nil {
		return Context{}, err
	}
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return Context{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if c.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Context{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	if lastUsed.Valid {
		t, err := parseTime(lastUsed.String)
		if err != nil {
			return Context{}, fmt.Errorf("parsing last_used_at: %w", err)
		}
		c.LastUsedAt = &t
	}
	return c, nil
}

func (s *Store) InsertContext(c Context) error {
	metadata, err := marshalMetadata(c.Metadata)
	if err != nil {
		return err
	}
	var lastUsed any
	if c.LastUsedAt != nil {
		lastUsed = fmtTime(*c.LastUsedAt)
	}
	_, err = s.db.Exec(`
		INSERT INTO contexts (`+contextColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.WorkspaceID, c.Tier, c.Type, c.Content, metadata,
		c.Confidence, c.UsageCount, fmtTime(c.CreatedAt), fmtTime(c.UpdatedAt), lastUsed,
	)
	return err
}

func (s *Store) GetContext(id string) (Context, error) {
	row := s.db.QueryRow("SELECT "+contextColumns+" FROM contexts WHERE id = ?", id)
	c, err := scanContext(row)
	if err == sql.ErrNoRows {
		return Context{}, ErrNotFound
	}
	return c, err
}

// GetContexts fetches the given ids in one query, preserving the input
// order and silently skipping ids that do not exist.
func (s *Store) GetContexts(ids []string) ([]Context, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	placeholders := strings.Repeat(",?", len(ids)-1)
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := s.db.Query("SELECT "+contextColumns+" FROM contexts WHERE id IN (?"+placeholders+")", args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byID := make(map[string]Context, len(ids))
	for rows.Next() {
		c, err := scanContext(rows)
		if err != nil {
			return nil, err
		}
		byID[c.ID] = c
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	results := make([]Context, 0, len(byID))
	for _, id := range ids {
		if c, ok := byID[id]; ok {
			results = append(results, c)
		}
	}
	return results, nil
}

// UpdateContext replaces the mutable fields of an existing context row.
// Usage counters and created_at are left untouched.
func (s *Store) UpdateContext(c Context) error {
	metadata, err := marshalMetadata(c.Metadata)
	if err != nil {
		return err
	}
	res, err := s.db.Exec(`
		UPDATE contexts
		SET tier = ?, context_type = ?, content = ?, metadata = ?, confidence = ?, updated_at = ?
		WHERE id = ?`,
		c.Tier, c.Type, c.Content, metadata, c.Confidence, fmtTime(c.UpdatedAt), c.ID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetContextConfidence updates confidence only, leaving updated_at
// alone so decay ages do not reset on every adjustment.
func (s *Store) SetContextConfidence(id string, confidence float64) error {
	res, err := s.db.Exec("UPDATE contexts SET confidence = ? WHERE id = ?", confidence, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// IncrementUsage bumps usage_count and stamps last_used_at for the
// given ids. Missing ids are ignored.
func (s *Store) IncrementUsage(ids []string, usedAt time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.Repeat(",?", len(ids)-1)
	args := make([]any, 0, len(ids)+1)
	args = append(args, fmtTime(usedAt))
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := s.db.Exec(`
		UPDATE contexts SET usage_count = usage_count + 1, last_used_at = ?
		WHERE id IN (?`+placeholders+`)`, args...)
	return err
}

func (s *Store) DeleteContext(id string) error {
	res, err := s.db.Exec("DELETE FROM contexts WHERE id = ?", id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListContexts returns a workspace's contexts ordered by updated_at
// descending. A zero or negative Limit returns all rows.
func (s *Store) ListContexts(workspaceID string, opt ListOptions) ([]Context, error) {
	query := "SELECT " + contextColumns + " FROM contexts WHERE workspace_id = ?"
	args := []any{workspaceID}

	if opt.Tier != "" {
		query += " AND tier = ?"
		args = append(args, opt.Tier)
	}
	if opt.Type != "" {
		query += " AND context_type = ?"
		args = append(args, opt.Type)
	}

	limit := opt.Limit
	if limit <= 0 {
		limit = -1
	}
	query += " ORDER BY updated_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, opt.Offset)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Context
	for rows.Next() {
		c, err := scanContext(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, c)
	}
	return results, rows.Err()
}

func (s *Store) CountContexts(workspaceID string) (int, error) {
	var n int
	err := s.db.QueryRow("SELECT COUNT(*) FROM contexts WHERE workspace_id = ?", workspaceID).Scan(&n)
	return n, err
}
