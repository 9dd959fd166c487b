package sessionserver

import (
	"context"

	"go.uber.org/zap"

	"github.com/tkaczmarek/arcade/internal/storage/postgres"
)

// StatsService receives account lifecycle notifications. The session
// layer only emits these events; what a stats backend does with them is
// its own business.
type StatsService interface {
	// EnsureInitialStats is called once after a successful registration.
	EnsureInitialStats(ctx context.Context, accountID int64, username string) error
	// RecordLogin is called after each successful login.
	RecordLogin(ctx context.Context, accountID int64, username string) error
}

// AccountStats keeps per-account login bookkeeping in the accounts table
// and logs registration events.
type AccountStats struct {
	accounts *postgres.AccountRepository
	logger   *zap.Logger
}

// NewAccountStats creates the default stats backend.
func NewAccountStats(accounts *postgres.AccountRepository, logger *zap.Logger) *AccountStats {
	return &AccountStats{accounts: accounts, logger: logger}
}

// EnsureInitialStats logs the new account. The accounts row already
// carries its initial state, so there is nothing else to seed.
func (s *AccountStats) EnsureInitialStats(ctx context.Context, accountID int64, username string) error {
	s.logger.Info("initial stats ensured",
		zap.Int64("account_id", accountID),
		zap.String("username", username),
	)
	return nil
}

// RecordLogin stamps the account's last login time.
func (s *AccountStats) RecordLogin(ctx context.Context, accountID int64, username string) error {
	return s.accounts.RecordLogin(ctx, accountID)
}

// NopStats discards all notifications. Useful in tests.
type NopStats struct{}

func (NopStats) EnsureInitialStats(context.Context, int64, string) error { return nil }
func (NopStats) RecordLogin(context.Context, int64, string) error        { return nil }
