package database

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationNormalizeStoredAddresses = "2026-09-18_normalize_stored_addresses"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

var migrations = []migrationDefinition{
	{name: migrationNormalizeStoredAddresses, apply: normalizeStoredAddresses},
}

// applyMigrations runs each pending migration and records it in the same transaction, so a
// failed migration is retried in full on the next open.
func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	for _, migration := range migrations {
		applied := false
		err := db.Transaction(func(tx *gorm.DB) error {
			var record migrationRecord
			lookupErr := tx.Where("name = ?", migration.name).Take(&record).Error
			if lookupErr == nil {
				return nil
			}
			if !errors.Is(lookupErr, gorm.ErrRecordNotFound) {
				return lookupErr
			}
			if err := migration.apply(tx); err != nil {
				return fmt.Errorf("migration %s: %w", migration.name, err)
			}
			applied = true
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: time.Now().UTC().Unix()}).Error
		})
		if err != nil {
			return err
		}
		if applied && logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// normalizeStoredAddresses lower-cases addresses written with their verbatim case. A row whose
// lower-cased form already exists keeps its original spelling (OR IGNORE) rather than
// violating the unique index.
func normalizeStoredAddresses(db *gorm.DB) error {
	statements := []string{
		"UPDATE OR IGNORE contacts SET address = lower(address) WHERE address <> lower(address)",
		"UPDATE OR IGNORE public_keys SET address = lower(address), introducer = lower(introducer) WHERE address <> lower(address) OR introducer <> lower(introducer)",
	}
	for _, statement := range statements {
		if err := db.Exec(statement).Error; err != nil {
			return err
		}
	}
	return nil
}
