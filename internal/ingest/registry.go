package ingest

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/MarcoPoloResearchLab/courier/internal/chats"
	"github.com/MarcoPoloResearchLab/courier/internal/database"
	"github.com/MarcoPoloResearchLab/courier/internal/outbox"
	"github.com/MarcoPoloResearchLab/courier/internal/wire"
	"github.com/sasha-s/go-deadlock"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// OpenFunc opens the database of one account.
type OpenFunc func(path string, logger *zap.Logger) (*gorm.DB, error)

// RegistryConfig describes how account services are built.
type RegistryConfig struct {
	DataDir    string
	Clock      func() time.Time
	IDProvider chats.IDProvider
	Outbox     outbox.Queue
	Logger     *zap.Logger
	Open       OpenFunc
}

// Registry owns one Service per account. Calls for the same account are serialized on a
// per-account lock; distinct accounts proceed concurrently.
type Registry struct {
	config RegistryConfig
	logger *zap.Logger

	mu       deadlock.Mutex
	closed   bool
	accounts map[wire.Address]*accountEntry
}

type accountEntry struct {
	mu      deadlock.Mutex
	service *Service
	db      *gorm.DB
}

// NewRegistry constructs a Registry. Account databases are opened on first use.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if cfg.DataDir == "" {
		return nil, newServiceError(opRegistryCreate, "missing_data_dir", errMissingDataDir)
	}
	if cfg.IDProvider == nil {
		cfg.IDProvider = chats.NewUUIDProvider()
	}
	if cfg.Open == nil {
		cfg.Open = database.OpenSQLite
	}
	if cfg.Outbox == nil {
		cfg.Outbox = outbox.Discard{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Registry{
		config:   cfg,
		logger:   logger,
		accounts: make(map[wire.Address]*accountEntry),
	}, nil
}

// WithAccount runs fn with exclusive use of the account's Service. fn must not call back
// into the registry for the same account.
func (r *Registry) WithAccount(ctx context.Context, account wire.Address, fn func(*Service) error) error {
	entry, err := r.entry(account)
	if err != nil {
		return err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.service == nil {
		if r.isClosed() {
			return newServiceError(opRegistryOpen, "closed", errRegistryClosed)
		}
		if err := r.open(account, entry); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(entry.service)
}

// Process is WithAccount around Service.Process.
func (r *Registry) Process(ctx context.Context, account wire.Address, message wire.RawMessage) (Result, error) {
	var result Result
	err := r.WithAccount(ctx, account, func(service *Service) error {
		var processErr error
		result, processErr = service.Process(ctx, message)
		return processErr
	})
	return result, err
}

// Accounts lists the accounts opened so far.
func (r *Registry) Accounts() []wire.Address {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := wire.NewAddressSet()
	for account := range r.accounts {
		set.Add(account)
	}
	return set.Sorted()
}

// Close closes every opened account database. Later calls fail.
func (r *Registry) Close() error {
	r.mu.Lock()
	r.closed = true
	entries := make([]*accountEntry, 0, len(r.accounts))
	for _, entry := range r.accounts {
		entries = append(entries, entry)
	}
	r.mu.Unlock()

	var closeErr error
	for _, entry := range entries {
		entry.mu.Lock()
		if entry.db != nil {
			if sqlDB, err := entry.db.DB(); err == nil {
				closeErr = errors.Join(closeErr, sqlDB.Close())
			} else {
				closeErr = errors.Join(closeErr, err)
			}
			entry.db = nil
			entry.service = nil
		}
		entry.mu.Unlock()
	}
	return closeErr
}

func (r *Registry) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *Registry) entry(account wire.Address) (*accountEntry, error) {
	if account == "" {
		return nil, newServiceError(opRegistryOpen, "missing_account", errMissingSelf)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, newServiceError(opRegistryOpen, "closed", errRegistryClosed)
	}
	entry, ok := r.accounts[account]
	if !ok {
		entry = &accountEntry{}
		r.accounts[account] = entry
	}
	return entry, nil
}

func (r *Registry) open(account wire.Address, entry *accountEntry) error {
	if err := os.MkdirAll(r.config.DataDir, 0o700); err != nil {
		r.logger.Error("account data directory unavailable", zap.String("data_dir", r.config.DataDir), zap.Error(err))
		return newRetryableError(opRegistryOpen, "data_dir_failed", err)
	}
	logger := r.logger.With(zap.String("account", account.String()))
	db, err := r.config.Open(database.AccountPath(r.config.DataDir, account), logger)
	if err != nil {
		logger.Error("account database open failed", zap.Error(err))
		return newRetryableError(opRegistryOpen, "database_failed", err)
	}
	service, err := NewService(ServiceConfig{
		Database:   db,
		Self:       account,
		Clock:      r.config.Clock,
		IDProvider: r.config.IDProvider,
		Outbox:     r.config.Outbox,
		Logger:     logger,
	})
	if err != nil {
		if sqlDB, dbErr := db.DB(); dbErr == nil {
			_ = sqlDB.Close()
		}
		return err
	}
	entry.db = db
	entry.service = service
	return nil
}
