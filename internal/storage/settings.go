package storage

import (
	"database/sql"
	"fmt"
	"time"
)

func (s *Store) GetWorkspaceSettings(workspaceID string) (WorkspaceSettings, error) {
	var ws WorkspaceSettings
	var lastSweep sql.NullString
	var updatedAt string
	err := s.db.QueryRow(`
		SELECT workspace_id, injection_strategy, total_budget, response_reserve, decay_rate, last_sweep_at, updated_at
		FROM workspace_settings WHERE workspace_id = ?`, workspaceID,
	).Scan(&ws.WorkspaceID, &ws.InjectionStrategy, &ws.TotalBudget, &ws.ResponseReserve,
		&ws.DecayRate, &lastSweep, &updatedAt)
	if err == sql.ErrNoRows {
		return WorkspaceSettings{}, ErrNotFound
	}
	if err != nil {
		return WorkspaceSettings{}, err
	}

	if ws.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return WorkspaceSettings{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	if lastSweep.Valid {
		t, err := parseTime(lastSweep.String)
		if err != nil {
			return WorkspaceSettings{}, fmt.Errorf("parsing last_sweep_at: %w", err)
		}
		ws.LastSweepAt = &t
	}
	return ws, nil
}

// UpsertWorkspaceSettings writes the override fields, preserving any
// recorded sweep time.
func (s *Store) UpsertWorkspaceSettings(ws WorkspaceSettings) error {
	_, err := s.db.Exec(`
		INSERT INTO workspace_settings (workspace_id, injection_strategy, total_budget, response_reserve, decay_rate, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(workspace_id) DO UPDATE SET
			injection_strategy = excluded.injection_strategy,
			total_budget = excluded.total_budget,
			response_reserve = excluded.response_reserve,
			decay_rate = excluded.decay_rate,
			updated_at = excluded.updated_at`,
		ws.WorkspaceID, ws.InjectionStrategy, ws.TotalBudget, ws.ResponseReserve,
		ws.DecayRate, fmtTime(ws.UpdatedAt),
	)
	return err
}

// SetLastSweep records when a decay sweep last ran for the workspace,
// creating the settings row if none exists yet.
func (s *Store) SetLastSweep(workspaceID string, at time.Time) error {
	_, err := s.db.Exec(`
		INSERT INTO workspace_settings (workspace_id, last_sweep_at, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(workspace_id) DO UPDATE SET
			last_sweep_at = excluded.last_sweep_at,
			updated_at = excluded.updated_at`,
		workspaceID, fmtTime(at), fmtTime(at),
	)
	return err
}
