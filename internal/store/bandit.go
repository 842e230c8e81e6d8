package store

import (
	"context"
	"database/sql"
	"time"
)

// GetBanditStat returns the statistics row for a triple, or nil if no reward
// has been recorded yet.
func (s *SQLiteStore) GetBanditStat(ctx context.Context, userID, model, domain string) (*BanditStat, error) {
	var b BanditStat
	var updatedAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, model_name, domain_label, cumulative_reward, count, sum_rewards_squared, updated_at
		 FROM bandit_stats WHERE user_id = ? AND model_name = ? AND domain_label = ?`,
		userID, model, domain).
		Scan(&b.UserID, &b.ModelName, &b.DomainLabel, &b.CumulativeReward, &b.Count, &b.SumRewardsSquared, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	b.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &b, nil
}

// AddBanditReward records one reward observation. The row is created with
// count=1 on first use; later calls increment in a single statement so
// concurrent writers never tear a row.
func (s *SQLiteStore) AddBanditReward(ctx context.Context, userID, model, domain string, reward float64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO bandit_stats (user_id, model_name, domain_label, cumulative_reward, count, sum_rewards_squared, updated_at)
		 VALUES (?, ?, ?, ?, 1, ?, ?)
		 ON CONFLICT(user_id, model_name, domain_label) DO UPDATE SET
		   cumulative_reward = cumulative_reward + excluded.cumulative_reward,
		   count = count + 1,
		   sum_rewards_squared = sum_rewards_squared + excluded.sum_rewards_squared,
		   updated_at = excluded.updated_at`,
		userID, model, domain, reward, reward*reward, now())
	return err
}

// ListBanditStats returns all rows for a user, most recently updated first.
func (s *SQLiteStore) ListBanditStats(ctx context.Context, userID string) ([]BanditStat, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, model_name, domain_label, cumulative_reward, count, sum_rewards_squared, updated_at
		 FROM bandit_stats WHERE user_id = ? ORDER BY updated_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var stats []BanditStat
	for rows.Next() {
		var b BanditStat
		var updatedAt string
		if err := rows.Scan(&b.UserID, &b.ModelName, &b.DomainLabel, &b.CumulativeReward, &b.Count, &b.SumRewardsSquared, &updatedAt); err != nil {
			return nil, err
		}
		b.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
		stats = append(stats, b)
	}
	return stats, rows.Err()
}
