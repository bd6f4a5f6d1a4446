package levelbot

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/lmittmann/tint"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	dbTypeSQLite   = "sqlite"
	dbTypePostgres = "postgres"
)

var (
	sqliteExecPragma = []string{
		"pragma journal_mode=WAL;",
		"pragma synchronous = normal;",
		"pragma temp_store = memory;",
		"pragma foreign_keys = ON;",
	}
	dbOperationTimeout = 30 * time.Second
)

// ModelUnixTime is an embeddable model with Unix timestamps (in
// milliseconds) for creation and update.
type ModelUnixTime struct {
	CreatedAt int64 `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
	UpdatedAt int64 `gorm:"autoUpdateTime:milli" json:"updated_at,omitempty"`
}

type ModelUintID struct {
	ID uint `gorm:"primaryKey" json:"id"`
}

// database wraps a GORM connection. Writes are serialized behind a
// mutex when concurrent writes are disabled (SQLite); reads go
// straight to the store - no rows are cached in-process.
type database struct {
	db                     *gorm.DB
	mu                     sync.Mutex
	logger                 *slog.Logger
	enableConcurrentWrites bool
}

// NewDatabase initializes a new database instance wrapping the given
// GORM connection. If log is nil, slog.Default() is used.
func NewDatabase(
	db *gorm.DB,
	log *slog.Logger,
	enableConcurrentWrites bool,
) DBI {
	if log == nil {
		log = slog.Default()
	}
	return &database{
		db:                     db,
		logger:                 log.With(loggerNameKey, "writedb"),
		enableConcurrentWrites: enableConcurrentWrites,
	}
}

func (d *database) DB() *gorm.DB {
	return d.db
}

func (d *database) lock() {
	if d.enableConcurrentWrites {
		return
	}
	d.mu.Lock()
}

func (d *database) unlock() {
	if d.enableConcurrentWrites {
		return
	}
	d.mu.Unlock()
}

// withDeadline applies the default operation timeout when the caller
// didn't set one.
func withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, dbOperationTimeout)
}

func (d *database) Create(ctx context.Context, value any) (
	rowsAffected int64,
	err error,
) {
	d.lock()
	defer d.unlock()
	ctx, cancel := withDeadline(ctx)
	defer cancel()
	rv := d.db.WithContext(ctx).Create(value)
	return rv.RowsAffected, rv.Error
}

func (d *database) Save(ctx context.Context, value any) (
	rowsAffected int64,
	err error,
) {
	d.lock()
	defer d.unlock()
	ctx, cancel := withDeadline(ctx)
	defer cancel()
	rv := d.db.WithContext(ctx).Save(value)
	return rv.RowsAffected, rv.Error
}

func (d *database) Updates(ctx context.Context, model, values any) (
	rowsAffected int64,
	err error,
) {
	d.lock()
	defer d.unlock()
	ctx, cancel := withDeadline(ctx)
	defer cancel()
	rv := d.db.WithContext(ctx).Model(model).Updates(values)
	return rv.RowsAffected, rv.Error
}

// GetGuildConfig returns the GuildConfig row for the given guild ID,
// or nil (no error) when none exists.
func (d *database) GetGuildConfig(ctx context.Context, guildID string) (
	*GuildConfig,
	error,
) {
	ctx, cancel := withDeadline(ctx)
	defer cancel()
	var config GuildConfig
	err := d.db.WithContext(ctx).Where(
		fmt.Sprintf("%s = ?", columnGuildConfigGuildID),
		guildID,
	).Take(&config).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &config, nil
}

// EnsureGuildConfig creates a GuildConfig row for the given guild if
// one doesn't already exist. An existing row is never altered, even if
// the guild has since been renamed - a second join is a no-op. Returns
// the row and whether it was created by this call.
func (d *database) EnsureGuildConfig(
	ctx context.Context,
	guildID string,
	guildName string,
) (*GuildConfig, bool, error) {
	d.lock()
	defer d.unlock()
	ctx, cancel := withDeadline(ctx)
	defer cancel()

	config := NewGuildConfig(guildID, guildName)
	rv := d.db.WithContext(ctx).Clauses(
		clause.OnConflict{
			Columns:   []clause.Column{{Name: columnGuildConfigGuildID}},
			DoNothing: true,
		},
	).Create(config)
	if rv.Error != nil {
		return nil, false, rv.Error
	}
	if rv.RowsAffected > 0 {
		return config, true, nil
	}

	var existing GuildConfig
	err := d.db.WithContext(ctx).Where(
		fmt.Sprintf("%s = ?", columnGuildConfigGuildID),
		guildID,
	).Take(&existing).Error
	if err != nil {
		return nil, false, err
	}
	return &existing, false, nil
}

// GetUserLevel returns the UserLevel row for the (user, guild) pair,
// or nil (no error) when the user hasn't contributed in that guild yet.
func (d *database) GetUserLevel(
	ctx context.Context,
	userID string,
	guildID string,
) (*UserLevel, error) {
	ctx, cancel := withDeadline(ctx)
	defer cancel()
	var level UserLevel
	err := d.db.WithContext(ctx).Where(
		fmt.Sprintf(
			"%s = ? AND %s = ?",
			columnUserLevelUserID,
			columnUserLevelGuildID,
		),
		userID,
		guildID,
	).Take(&level).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &level, nil
}

// GuildLeaderboard returns up to limit UserLevel rows for the guild,
// ordered by XP descending.
func (d *database) GuildLeaderboard(
	ctx context.Context,
	guildID string,
	limit int,
) ([]UserLevel, error) {
	ctx, cancel := withDeadline(ctx)
	defer cancel()
	var levels []UserLevel
	err := d.db.WithContext(ctx).Where(
		fmt.Sprintf("%s = ?", columnUserLevelGuildID),
		guildID,
	).Order(
		fmt.Sprintf("%s desc", columnUserLevelXP),
	).Limit(limit).Find(&levels).Error
	return levels, err
}

// SaveBotStats fully overwrites the singleton BotStats row.
func (d *database) SaveBotStats(ctx context.Context, stats *BotStats) error {
	d.lock()
	defer d.unlock()
	ctx, cancel := withDeadline(ctx)
	defer cancel()
	stats.ID = botStatsID
	return d.db.WithContext(ctx).Save(stats).Error
}

// GetBotStats returns the singleton BotStats row, or nil (no error)
// if stats have never been recorded.
func (d *database) GetBotStats(ctx context.Context) (*BotStats, error) {
	ctx, cancel := withDeadline(ctx)
	defer cancel()
	var stats BotStats
	err := d.db.WithContext(ctx).Where("id = ?", botStatsID).Take(&stats).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &stats, nil
}

// DBI defines the interface for database operations. This is here
// primarily to enable mocking of the database operations for testing.
// [database] implements this interface for 'real' DB operations.
type DBI interface {
	DB() *gorm.DB
	Create(ctx context.Context, value any) (rowsAffected int64, err error)
	Save(ctx context.Context, value any) (rowsAffected int64, err error)
	Updates(ctx context.Context, model any, values any) (rowsAffected int64, err error)

	GetGuildConfig(ctx context.Context, guildID string) (*GuildConfig, error)
	EnsureGuildConfig(ctx context.Context, guildID string, guildName string) (
		*GuildConfig,
		bool,
		error,
	)
	GetUserLevel(ctx context.Context, userID string, guildID string) (*UserLevel, error)
	GuildLeaderboard(ctx context.Context, guildID string, limit int) ([]UserLevel, error)
	SaveBotStats(ctx context.Context, stats *BotStats) error
	GetBotStats(ctx context.Context) (*BotStats, error)
}

// CreateDB initializes and returns a GORM database connection based on
// the specified database type, and migrates the bot's models.
func CreateDB(ctx context.Context, databaseType string, database string) (*gorm.DB, error) {
	handler := tint.NewHandler(
		os.Stdout,
		&tint.Options{
			Level:     slog.LevelWarn,
			AddSource: true,
		},
	)

	gormLogger := newGORMLogger(handler, 500*time.Millisecond)
	dbLogger := slog.New(handler)

	dbLogger.InfoContext(
		ctx,
		"Initializing database",
		"database_type", databaseType,
		"database", database,
	)
	db, err := getDB(databaseType, database, gormLogger)
	if err != nil {
		return db, err
	}

	if databaseType == dbTypeSQLite {
		for _, pragma := range sqliteExecPragma {
			if execErr := db.Exec(pragma).Error; execErr != nil {
				return db, execErr
			}
		}
	}

	txn := db.WithContext(ctx).Begin()

	mg := txn.Migrator()
	err = mg.AutoMigrate(
		&GuildConfig{},
		&UserLevel{},
		&CommandUsage{},
		&BotStats{},
	)
	if err != nil {
		return db, err
	}

	commitErr := txn.Commit().Error
	if commitErr != nil {
		return db, commitErr
	}

	return db, nil
}

// getDB initializes and returns a GORM database connection based on
// the specified database type ('sqlite' or 'postgres').
func getDB(
	databaseType string,
	database string,
	gormLogger *gormStructuredLogger,
) (*gorm.DB, error) {
	switch databaseType {
	case dbTypeSQLite:
		parentDir := filepath.Dir(database)
		if parentDir != "" {
			if err := os.MkdirAll(parentDir, 0755); err != nil {
				if !errors.Is(err, os.ErrExist) {
					return nil, err
				}
			}
		}
		return gorm.Open(
			sqlite.Open(database),
			&gorm.Config{
				Logger: gormLogger,
				NowFunc: func() time.Time {
					return time.Now().UTC()
				},
			},
		)
	case dbTypePostgres:
		return gorm.Open(
			postgres.Open(database), &gorm.Config{
				Logger: gormLogger,
				NowFunc: func() time.Time {
					return time.Now().UTC()
				},
			},
		)
	default:
		return nil, fmt.Errorf(
			"unsupported database type: %s (must be %q or %q)",
			databaseType, dbTypeSQLite, dbTypePostgres,
		)
	}
}

// Duration is a wrapper for time.Duration that implements
// SQL Scanner and Valuer interfaces for GORM.
type Duration struct {
	time.Duration
}

// Scan implements the sql.Scanner interface.
func (d *Duration) Scan(value any) error {
	switch v := value.(type) {
	case []byte:
		return d.parse(string(v))
	case string:
		return d.parse(v)
	default:
		return fmt.Errorf("unexpected type for Duration: %T", value)
	}
}

// Value implements the driver.Valuer interface.
func (d Duration) Value() (driver.Value, error) {
	return d.String(), nil
}

func (d *Duration) parse(value string) error {
	duration, err := time.ParseDuration(value)
	if err != nil {
		return err
	}
	d.Duration = duration
	return nil
}

// UnmarshalJSON implements the json.Unmarshaler interface.
func (d *Duration) UnmarshalJSON(b []byte) error {
	s := string(b)
	if s == "null" {
		return nil
	}
	// Remove quotes
	s = s[1 : len(s)-1]
	return d.parse(s)
}

// MarshalJSON implements the json.Marshaller interface.
func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf(`%q`, d.String())), nil
}

// GormDataType is used by GORM to determine the default data type for a field.
func (Duration) GormDataType() string {
	return "string"
}

type NullableString string

//goland:noinspection GoMixedReceiverTypes
func (ns *NullableString) Scan(value any) error {
	if value == nil {
		*ns = ""
		return nil
	}
	strVal, ok := value.(string)
	if !ok {
		return errors.New("failed to cast to string")
	}
	*ns = NullableString(strVal)
	return nil
}

//goland:noinspection GoMixedReceiverTypes
func (ns NullableString) Value() (driver.Value, error) {
	if ns == "" {
		return nil, nil
	}
	return string(ns), nil
}

//goland:noinspection GoMixedReceiverTypes
func (ns NullableString) MarshalJSON() ([]byte, error) {
	if ns == "" {
		return []byte("null"), nil
	}
	return json.Marshal(string(ns))
}

//goland:noinspection GoMixedReceiverTypes
func (ns *NullableString) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*ns = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*ns = NullableString(s)
	return nil
}

//goland:noinspection GoMixedReceiverTypes
func (ns NullableString) String() string {
	return string(ns)
}
