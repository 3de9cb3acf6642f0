package storage

func (s *Store) InsertFeedback(f Feedback) error {
	var helpful, rating any
	if f.Helpful != nil {
		helpful = *f.Helpful
	}
	if f.Rating != nil {
		rating = *f.Rating
	}
	_, err := s.db.Exec(`
		INSERT INTO context_feedback (id, context_id, workspace_id, helpful, used, rating, score, interaction_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.ContextID, f.WorkspaceID, helpful, f.Used, rating, f.Score, f.InteractionID, fmtTime(f.CreatedAt),
	)
	return err
}

// FeedbackStats buckets a workspace's feedback rows by resolved score:
// above 0.5 helpful, below 0.5 unhelpful, exactly 0.5 neutral.
func (s *Store) FeedbackStats(workspaceID string) (FeedbackCounts, error) {
	var counts FeedbackCounts
	err := s.db.QueryRow(`
		SELECT
			COALESCE(SUM(CASE WHEN score > 0.5 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN score < 0.5 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN score = 0.5 THEN 1 ELSE 0 END), 0)
		FROM context_feedback WHERE workspace_id = ?`, workspaceID,
	).Scan(&counts.Helpful, &counts.Unhelpful, &counts.Neutral)
	return counts, err
}

// CountFeedback returns the number of feedback rows recorded against a
// single context.
func (s *Store) CountFeedback(contextID string) (int, error) {
	var n int
	err := s.db.QueryRow("SELECT COUNT(*) FROM context_feedback WHERE context_id = ?", contextID).Scan(&n)
	return n, err
}
