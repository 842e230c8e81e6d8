package store

import (
	"context"
	"database/sql"
	"time"
)

const usageColumns = `id, request_id, user_id, mode, query, output, model_name, provider, domain, bandit_choice,
	prompt_tokens, completion_tokens, total_tokens, latency_ms, cost,
	cost_priority, accuracy_priority, latency_priority, timestamp`

func scanUsage(sc rowScanner) (UsageLog, error) {
	var u UsageLog
	var ts string
	err := sc.Scan(&u.ID, &u.RequestID, &u.UserID, &u.Mode, &u.Query, &u.Output, &u.ModelName, &u.Provider,
		&u.Domain, &u.BanditChoice, &u.PromptTokens, &u.CompletionTokens, &u.TotalTokens, &u.LatencyMs, &u.Cost,
		&u.CostPriority, &u.AccuracyPriority, &u.LatencyPriority, &ts)
	if err != nil {
		return u, err
	}
	u.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
	return u, nil
}

func (s *SQLiteStore) AppendUsage(ctx context.Context, u UsageLog) error {
	if u.Timestamp.IsZero() {
		u.Timestamp = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO usage_logs (request_id, user_id, mode, query, output, model_name, provider, domain, bandit_choice,
			prompt_tokens, completion_tokens, total_tokens, latency_ms, cost,
			cost_priority, accuracy_priority, latency_priority, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.RequestID, u.UserID, u.Mode, u.Query, u.Output, u.ModelName, u.Provider, u.Domain, u.BanditChoice,
		u.PromptTokens, u.CompletionTokens, u.TotalTokens, u.LatencyMs, u.Cost,
		u.CostPriority, u.AccuracyPriority, u.LatencyPriority, formatTime(u.Timestamp))
	return err
}

// LastUsage returns the user's most recent logged request, or nil.
func (s *SQLiteStore) LastUsage(ctx context.Context, userID string) (*UsageLog, error) {
	u, err := scanUsage(s.db.QueryRowContext(ctx,
		`SELECT `+usageColumns+` FROM usage_logs WHERE user_id = ? ORDER BY id DESC LIMIT 1`, userID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// ListUsage returns usage rows newest first. An empty userID lists all users.
func (s *SQLiteStore) ListUsage(ctx context.Context, userID string, limit, offset int) ([]UsageLog, error) {
	if limit <= 0 {
		limit = 100
	}
	var (
		rows *sql.Rows
		err  error
	)
	if userID == "" {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+usageColumns+` FROM usage_logs ORDER BY id DESC LIMIT ? OFFSET ?`, limit, offset)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+usageColumns+` FROM usage_logs WHERE user_id = ? ORDER BY id DESC LIMIT ? OFFSET ?`, userID, limit, offset)
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var logs []UsageLog
	for rows.Next() {
		u, err := scanUsage(rows)
		if err != nil {
			return nil, err
		}
		logs = append(logs, u)
	}
	return logs, rows.Err()
}

// AggregateUsageByModel sums token and latency usage per model. Input tokens
// are derived as total minus completion.
func (s *SQLiteStore) AggregateUsageByModel(ctx context.Context) ([]UsageAggregate, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT model_name, COUNT(*), COALESCE(SUM(total_tokens - completion_tokens), 0),
			COALESCE(SUM(completion_tokens), 0), COALESCE(AVG(latency_ms), 0)
		 FROM usage_logs GROUP BY model_name ORDER BY model_name`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var aggs []UsageAggregate
	for rows.Next() {
		var a UsageAggregate
		if err := rows.Scan(&a.ModelName, &a.Requests, &a.InputTokens, &a.OutputTokens, &a.MeanLatencyMs); err != nil {
			return nil, err
		}
		aggs = append(aggs, a)
	}
	return aggs, rows.Err()
}

func (s *SQLiteStore) SummarizeUsage(ctx context.Context, userID string) (UsageSummary, error) {
	var sum UsageSummary
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(total_tokens), 0), COALESCE(SUM(cost), 0), COALESCE(AVG(latency_ms), 0)
		 FROM usage_logs WHERE user_id = ?`, userID).
		Scan(&sum.Requests, &sum.TotalTokens, &sum.Cost, &sum.MeanLatencyMs)
	return sum, err
}
