// Package wallet debits and credits per-user USD balances.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrInsufficientFunds is returned when a balance cannot cover a charge.
var ErrInsufficientFunds = errors.New("insufficient funds")

// SettlementPolicy decides what happens when a post-dispatch charge exceeds
// the remaining balance.
type SettlementPolicy string

const (
	// PolicyReject refuses the charge and fails the request. The provider
	// call has already been paid for upstream.
	PolicyReject SettlementPolicy = "reject"
	// PolicyAllowNegative applies the charge and lets the balance go below zero.
	PolicyAllowNegative SettlementPolicy = "allow_negative"
)

// ParsePolicy maps a config string to a policy.
func ParsePolicy(s string) (SettlementPolicy, error) {
	switch SettlementPolicy(s) {
	case PolicyReject, PolicyAllowNegative:
		return SettlementPolicy(s), nil
	case "":
		return PolicyReject, nil
	}
	return "", fmt.Errorf("unknown settlement policy %q", s)
}

// Store is the persistence the ledger needs.
type Store interface {
	WalletBalance(ctx context.Context, userID string) (float64, error)
	CreditWallet(ctx context.Context, userID string, amount float64) (float64, error)
	DebitWallet(ctx context.Context, userID string, amount float64, allowNegative bool) (bool, error)
}

// Ledger applies charges against wallets.
type Ledger struct {
	store  Store
	policy SettlementPolicy
}

func New(s Store, policy SettlementPolicy) *Ledger {
	if policy == "" {
		policy = PolicyReject
	}
	return &Ledger{store: s, policy: policy}
}

// Policy returns the configured settlement policy.
func (l *Ledger) Policy() SettlementPolicy { return l.policy }

func (l *Ledger) Balance(ctx context.Context, userID string) (float64, error) {
	return l.store.WalletBalance(ctx, userID)
}

// Credit adds a positive amount and returns the new balance.
func (l *Ledger) Credit(ctx context.Context, userID string, amount float64) (float64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("credit amount must be positive, got %f", amount)
	}
	return l.store.CreditWallet(ctx, userID, amount)
}

// Require fails with ErrInsufficientFunds when the balance is below min.
func (l *Ledger) Require(ctx context.Context, userID string, min float64) error {
	bal, err := l.store.WalletBalance(ctx, userID)
	if err != nil {
		return fmt.Errorf("read balance: %w", err)
	}
	if bal < min {
		return fmt.Errorf("%w: balance %.4f below required %.4f", ErrInsufficientFunds, bal, min)
	}
	return nil
}

// Debit charges amount, failing with ErrInsufficientFunds if it exceeds the
// balance. The check and the update are one statement.
func (l *Ledger) Debit(ctx context.Context, userID string, amount float64) error {
	ok, err := l.store.DebitWallet(ctx, userID, amount, false)
	if err != nil {
		return fmt.Errorf("debit wallet: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: charge %.6f", ErrInsufficientFunds, amount)
	}
	return nil
}

// Settle charges for a completed provider call according to the policy.
func (l *Ledger) Settle(ctx context.Context, userID string, amount float64) error {
	if l.policy == PolicyAllowNegative {
		if _, err := l.store.DebitWallet(ctx, userID, amount, true); err != nil {
			return fmt.Errorf("debit wallet: %w", err)
		}
		return nil
	}
	if err := l.Debit(ctx, userID, amount); err != nil {
		if errors.Is(err, ErrInsufficientFunds) {
			// The provider has already been paid; the answer is withheld.
			slog.Warn("wallet: post-dispatch charge refused",
				slog.String("user_id", userID),
				slog.Float64("amount", amount))
		}
		return err
	}
	return nil
}
