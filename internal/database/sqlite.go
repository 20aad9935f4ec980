package database

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/MarcoPoloResearchLab/courier/internal/chats"
	"github.com/MarcoPoloResearchLab/courier/internal/contacts"
	"github.com/MarcoPoloResearchLab/courier/internal/keys"
	"github.com/MarcoPoloResearchLab/courier/internal/membership"
	"github.com/MarcoPoloResearchLab/courier/internal/wire"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const accountFileExtension = ".db"

// OpenSQLite establishes a SQLite connection and performs schema migrations.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(models()...); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}

// AccountPath returns the database file of an account inside dataDir. Characters that are
// not safe in a file name are replaced so that distinct accounts never share a file within
// the allowed address alphabet.
func AccountPath(dataDir string, account wire.Address) string {
	var builder strings.Builder
	for _, character := range strings.ToLower(account.String()) {
		switch {
		case character >= 'a' && character <= 'z',
			character >= '0' && character <= '9',
			character == '@', character == '.', character == '-', character == '_', character == '+':
			builder.WriteRune(character)
		default:
			builder.WriteRune('_')
		}
	}
	return filepath.Join(dataDir, builder.String()+accountFileExtension)
}

func models() []any {
	return []any{
		&keys.PublicKeyRecord{},
		&contacts.Contact{},
		&chats.Chat{},
		&chats.Member{},
		&chats.SystemMessage{},
		&membership.Event{},
		&migrationRecord{},
	}
}
