package blockies

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/lmittmann/tint"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/xrchz/xrbots/bot"
)

const (
	dbTypeSQLite   = "sqlite"
	dbTypePostgres = "postgres"
)

var (
	sqliteMaxOpenConns    = 1
	sqliteMaxIdleConns    = 1
	sqliteMaxConnLifetime = 5 * time.Minute
	sqliteExecPragma      = []string{
		"pragma journal_mode=WAL;",
		"pragma synchronous = normal;",
		"pragma temp_store = memory;",
		"pragma foreign_keys = ON;",
	}
	dbOperationTimeout = 30 * time.Second
)

// ModelUnixTime is an embeddable model with millisecond creation and
// update timestamps.
type ModelUnixTime struct {
	CreatedAt int64 `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
	UpdatedAt int64 `gorm:"autoUpdateTime:milli" json:"updated_at,omitempty"`
}

// AddressMessage is a message read from the address channel
type AddressMessage struct {
	ID string `gorm:"primaryKey" json:"id"`

	// Snowflake is ID as a number, for ordering
	Snowflake  int64  `gorm:"index" json:"snowflake"`
	ChannelID  string `json:"channel_id"`
	AuthorID   string `gorm:"index" json:"author_id"`
	AuthorName string `json:"author_name"`
	Content    string `json:"content"`
	Timestamp  int64  `json:"timestamp"`
	ModelUnixTime
}

// IconRecord is a rendered identicon, keyed by checksummed address
type IconRecord struct {
	Address string `gorm:"primaryKey" json:"address"`
	PNG     []byte `json:"-"`
	ModelUnixTime
}

// Announcement records an address announced for a user
type Announcement struct {
	UserID    string `gorm:"primaryKey" json:"user_id"`
	Address   string `gorm:"primaryKey" json:"address"`
	MessageID string `json:"message_id"`
	ModelUnixTime
}

// VerificationPost records one classified payment line and the message
// posted for it.
type VerificationPost struct {
	ID               uint   `gorm:"primaryKey" json:"id"`
	PaymentMessageID string `gorm:"index" json:"payment_message_id"`
	Line             string `json:"line"`
	Reason           string `json:"reason,omitempty"`
	UserID           string `json:"user_id,omitempty"`
	Address          string `json:"address,omitempty"`
	MessageID        string `json:"message_id,omitempty"`
	ModelUnixTime
}

// Store persists the batch's state between runs
type Store struct {
	db     *gorm.DB
	mu     sync.Mutex
	logger *slog.Logger
}

// OpenStore connects to the configured database and migrates its schema
func OpenStore(ctx context.Context, config *bot.BlockiesConfig) (*Store, error) {
	handler := tint.NewHandler(
		os.Stdout,
		&tint.Options{Level: config.DatabaseLogLevel, AddSource: true},
	)
	logger := slog.New(handler).With(loggerNameKey, "store")
	logger.InfoContext(
		ctx,
		"initializing database",
		"database_type", config.DatabaseType,
	)

	db, err := getDB(config.DatabaseType, config.Database, newGORMLogger(handler, config.DatabaseSlowThreshold))
	if err != nil {
		return nil, err
	}

	if config.DatabaseType == dbTypeSQLite {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(sqliteMaxOpenConns)
		sqlDB.SetMaxIdleConns(sqliteMaxIdleConns)
		sqlDB.SetConnMaxLifetime(sqliteMaxConnLifetime)
		pragmaErrors := make([]error, 0, len(sqliteExecPragma))
		for _, p := range sqliteExecPragma {
			pragmaErrors = append(pragmaErrors, db.WithContext(ctx).Exec(p).Error)
		}
		if err = errors.Join(pragmaErrors...); err != nil {
			return nil, err
		}
	}

	if err = db.WithContext(ctx).AutoMigrate(
		&AddressMessage{},
		&IconRecord{},
		&Announcement{},
		&VerificationPost{},
	); err != nil {
		return nil, fmt.Errorf("error migrating database: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

// getDB opens a gorm connection. database is a connection string for
// postgres, or a file path for sqlite.
func getDB(databaseType string, database string, gormLogger gormStructuredLogger) (*gorm.DB, error) {
	gormConfig := &gorm.Config{
		Logger: gormLogger,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}
	switch databaseType {
	case dbTypeSQLite:
		if parentDir := filepath.Dir(database); parentDir != "" {
			if err := os.MkdirAll(parentDir, 0755); err != nil && !errors.Is(err, os.ErrExist) {
				return nil, err
			}
		}
		return gorm.Open(sqlite.Open(database), gormConfig)
	case dbTypePostgres:
		return gorm.Open(postgres.Open(database), gormConfig)
	default:
		return nil, fmt.Errorf(
			"unsupported database type: %s (must be %q or %q)",
			databaseType, dbTypeSQLite, dbTypePostgres,
		)
	}
}

// Close closes the underlying connection pool
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// LatestMessageID returns the ID of the newest stored message, or an
// empty string if there are none.
func (s *Store) LatestMessageID(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, dbOperationTimeout)
	defer cancel()

	var msg AddressMessage
	err := s.db.WithContext(ctx).Order("snowflake desc").Limit(1).Take(&msg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	return msg.ID, err
}

// SaveMessages stores messages, skipping any already stored
func (s *Store) SaveMessages(ctx context.Context, messages []AddressMessage) error {
	if len(messages) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ctx, cancel := context.WithTimeout(ctx, dbOperationTimeout)
	defer cancel()
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&messages).Error
}

// Messages returns every stored message, newest first
func (s *Store) Messages(ctx context.Context) ([]AddressMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, dbOperationTimeout)
	defer cancel()

	var messages []AddressMessage
	err := s.db.WithContext(ctx).Order("snowflake desc").Find(&messages).Error
	return messages, err
}

// IconPNG returns the identicon for addr, rendering and storing it the
// first time it's requested.
func (s *Store) IconPNG(ctx context.Context, addr common.Address) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ctx, cancel := context.WithTimeout(ctx, dbOperationTimeout)
	defer cancel()

	var record IconRecord
	err := s.db.WithContext(ctx).Where("address = ?", addr.Hex()).Take(&record).Error
	switch {
	case err == nil:
		return record.PNG, nil
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return nil, err
	}

	data, err := NewIdenticon(strings.ToLower(addr.Hex())).PNG()
	if err != nil {
		return nil, fmt.Errorf("error rendering identicon for %s: %w", addr.Hex(), err)
	}
	record = IconRecord{Address: addr.Hex(), PNG: data}
	if err = s.db.WithContext(ctx).Create(&record).Error; err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "created identicon", "address", addr.Hex())
	return data, nil
}

// Announced reports whether addr has already been announced for userID
func (s *Store) Announced(ctx context.Context, userID string, addr common.Address) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, dbOperationTimeout)
	defer cancel()

	var count int64
	err := s.db.WithContext(ctx).Model(&Announcement{}).
		Where("user_id = ? AND address = ?", userID, addr.Hex()).
		Count(&count).Error
	return count > 0, err
}

func (s *Store) RecordAnnouncement(ctx context.Context, a *Announcement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ctx, cancel := context.WithTimeout(ctx, dbOperationTimeout)
	defer cancel()
	return s.db.WithContext(ctx).Create(a).Error
}

func (s *Store) RecordVerification(ctx context.Context, p *VerificationPost) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ctx, cancel := context.WithTimeout(ctx, dbOperationTimeout)
	defer cancel()
	return s.db.WithContext(ctx).Create(p).Error
}

// snowflake parses a discord ID for ordering. Invalid IDs sort first.
func snowflake(id string) int64 {
	v, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return 0
	}
	return v
}
