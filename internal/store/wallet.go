package store

import (
	"context"
	"database/sql"
)

// WalletBalance returns the user's balance; users without a wallet row have 0.
func (s *SQLiteStore) WalletBalance(ctx context.Context, userID string) (float64, error) {
	var bal float64
	err := s.db.QueryRowContext(ctx, `SELECT balance FROM wallets WHERE user_id = ?`, userID).Scan(&bal)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return bal, err
}

// CreditWallet adds amount to the balance and returns the new balance.
func (s *SQLiteStore) CreditWallet(ctx context.Context, userID string, amount float64) (float64, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO wallets (user_id, balance, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET balance = balance + excluded.balance, updated_at = excluded.updated_at`,
		userID, amount, now())
	if err != nil {
		return 0, err
	}
	return s.WalletBalance(ctx, userID)
}

// DebitWallet subtracts amount in one conditional statement. It reports false
// without changing anything when the balance would go below zero, unless
// allowNegative is set.
func (s *SQLiteStore) DebitWallet(ctx context.Context, userID string, amount float64, allowNegative bool) (bool, error) {
	if amount <= 0 {
		return true, nil
	}
	if allowNegative {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO wallets (user_id, balance, updated_at) VALUES (?, ?, ?)
			 ON CONFLICT(user_id) DO UPDATE SET balance = balance + excluded.balance, updated_at = excluded.updated_at`,
			userID, -amount, now())
		return err == nil, err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE wallets SET balance = balance - ?, updated_at = ? WHERE user_id = ? AND balance >= ?`,
		amount, now(), userID, amount)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
