package sqlite

import (
	"context"

	"github.com/MrWong99/echonote/internal/store"
)

// AppendLog implements [store.LogRepository].
func (s *Store) AppendLog(ctx context.Context, e store.LogEntry) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO logs (user_id, created_at, input_type, original_text, summary_text,
		                  wordcloud_path, response_text, summary_audio_path, response_audio_path)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.UserID, s.stamp(), string(e.InputType), e.OriginalText, e.SummaryText,
		e.WordCloudPath, e.ResponseText, e.SummaryAudioPath, e.ResponseAudioPath)
	if err != nil {
		return 0, classify("append log", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, classify("append log", err)
	}
	return id, nil
}

// ListLogs implements [store.LogRepository].
func (s *Store) ListLogs(ctx context.Context, userID string) ([]store.LogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, created_at, input_type, original_text, summary_text,
		       wordcloud_path, response_text, summary_audio_path, response_audio_path
		FROM logs
		WHERE user_id = ?
		ORDER BY created_at DESC, id DESC`, userID)
	if err != nil {
		return nil, classify("list logs", err)
	}
	defer rows.Close()

	var out []store.LogEntry
	for rows.Next() {
		var (
			e         store.LogEntry
			created   int64
			inputType string
		)
		if err := rows.Scan(&e.ID, &e.UserID, &created, &inputType, &e.OriginalText, &e.SummaryText,
			&e.WordCloudPath, &e.ResponseText, &e.SummaryAudioPath, &e.ResponseAudioPath); err != nil {
			return nil, classify("scan log", err)
		}
		e.CreatedAt = fromMicros(created)
		e.InputType = store.InputType(inputType)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("iterate logs", err)
	}
	return out, nil
}
