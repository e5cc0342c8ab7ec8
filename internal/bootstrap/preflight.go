package bootstrap

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"signal_router/internal/config"
	"signal_router/internal/core"
	"signal_router/internal/mock"
	"signal_router/internal/venue"
	"signal_router/internal/venue/bybit"
)

// CheckPreFlight performs environment checks beyond schema validation
func CheckPreFlight(cfg *config.Config) error {
	if len(cfg.Accounts.List) == 0 {
		return errors.New("no accounts configured: set BYBIT_API_KEY_<n>/BYBIT_API_SECRET_<n> or accounts.list")
	}
	if cfg.App.EngineType == "dbos" && cfg.App.DatabaseURL == "" {
		return errors.New("database_url is required when engine_type is 'dbos'")
	}

	// The database file's directory must be creatable, and the path itself must not be a directory
	if info, err := os.Stat(cfg.Storage.SQLitePath); err == nil && info.IsDir() {
		return fmt.Errorf("sqlite_path %s is a directory", cfg.Storage.SQLitePath)
	}
	if dir := filepath.Dir(cfg.Storage.SQLitePath); dir != "." {
		if info, err := os.Stat(dir); err == nil && !info.IsDir() {
			return fmt.Errorf("sqlite_path parent %s is not a directory", dir)
		}
	}
	return nil
}

// AccountSet is the registry the rest of the graph is wired against
type AccountSet = venue.Accounts

// NewAccountSet builds one venue client per configured account
func NewAccountSet(cfg *config.Config, logger core.ILogger) (*AccountSet, error) {
	accounts := venue.NewAccounts()
	accounts.SetMainMember(cfg.Accounts.MainMemberID)

	for _, ac := range cfg.Accounts.List {
		var client core.IVenue
		switch cfg.App.Venue {
		case "mock":
			client = mock.NewVenue()
		default:
			client = bybit.NewClient(bybit.Options{
				AccountID:         ac.ID,
				APIKey:            ac.APIKey.Reveal(),
				APISecret:         ac.APISecret.Reveal(),
				BaseURL:           cfg.Accounts.BaseURL,
				Testnet:           cfg.Accounts.Testnet,
				RecvWindow:        cfg.Accounts.RecvWindow,
				RequestsPerSecond: cfg.Accounts.RequestsPerSecond,
			}, logger)
		}
		if err := accounts.Add(ac.ID, client, ac.MemberID); err != nil {
			return nil, fmt.Errorf("failed to register account %d: %w", ac.ID, err)
		}
		logger.Info("Account registered", "account_id", ac.ID, "venue", client.GetName(), "member_id", ac.MemberID)
	}
	return accounts, nil
}
