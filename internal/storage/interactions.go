package storage

import "fmt"

func (s *Store) InsertInteraction(i Interaction) error {
	contextIDs := i.ContextIDs
	if contextIDs == "" {
		contextIDs = "[]"
	}
	_, err := s.db.Exec(`
		INSERT INTO interactions (id, workspace_id, user_query, task_type, context_ids, context_tokens, prompt_tokens, strategy, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		i.ID, i.WorkspaceID, i.UserQuery, i.TaskType, contextIDs,
		i.ContextTokens, i.PromptTokens, i.Strategy, fmtTime(i.CreatedAt),
	)
	return err
}

func (s *Store) RecentInteractions(workspaceID string, limit int) ([]Interaction, error) {
	rows, err := s.db.Query(`
		SELECT id, workspace_id, user_query, task_type, context_ids, context_tokens, prompt_tokens, strategy, created_at
		FROM interactions WHERE workspace_id = ? ORDER BY created_at DESC LIMIT ?`, workspaceID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Interaction
	for rows.Next() {
		var i Interaction
		var createdAt string
		if err := rows.Scan(&i.ID, &i.WorkspaceID, &i.UserQuery, &i.TaskType, &i.ContextIDs,
			&i.ContextTokens, &i.PromptTokens, &i.Strategy, &createdAt); err != nil {
			return nil, err
		}
		if i.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		results = append(results, i)
	}
	return results, rows.Err()
}
