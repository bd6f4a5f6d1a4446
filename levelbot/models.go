package levelbot

import (
	"log/slog"
	"time"
)

const (
	columnGuildConfigGuildID         = "guild_id"
	columnGuildConfigLevelingEnabled = "leveling_enabled"

	columnUserLevelUserID       = "user_id"
	columnUserLevelGuildID      = "guild_id"
	columnUserLevelXP           = "xp"
	columnUserLevelLevel        = "level"
	columnUserLevelMessagesSent = "messages_sent"
	columnUserLevelLastXPGain   = "last_xp_gain"

	columnUserID = "user_id"
)

// botStatsID is the fixed primary key of the singleton BotStats row.
const botStatsID = "main_stats"

// GuildConfig is the per-guild configuration record. One row per guild
// ID, created on first contact (join event, or lazily on first
// message). Rows are never deleted; when the bot leaves a guild, its
// config is retained in case it returns.
//
//nolint:lll // struct tags can't be split
type GuildConfig struct {
	// GuildID is the Discord guild (server) ID
	GuildID string `json:"guild_id" gorm:"primaryKey;type:string"`

	// GuildName as seen when the row was created. Not refreshed on
	// rename - it's informational only.
	GuildName string `json:"guild_name" gorm:"type:string"`

	// LevelingEnabled gates XP awards for the guild
	LevelingEnabled bool `json:"leveling_enabled" gorm:"default:true"`

	ModelUnixTime
}

func NewGuildConfig(guildID string, guildName string) *GuildConfig {
	return &GuildConfig{
		GuildID:         guildID,
		GuildName:       guildName,
		LevelingEnabled: true,
	}
}

func (g GuildConfig) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("guild_id", g.GuildID),
		slog.String("guild_name", g.GuildName),
		slog.Bool("leveling_enabled", g.LevelingEnabled),
	)
}

// UserLevel tracks accumulated experience for one user in one guild.
// Uniqueness over (user_id, guild_id) is enforced by the composite
// index; rows are created on a user's first qualifying message and
// never deleted.
//
//nolint:lll // struct tags can't be split
type UserLevel struct {
	ModelUintID

	UserID  string `json:"user_id" gorm:"uniqueIndex:idx_user_guild;not null;type:string"`
	GuildID string `json:"guild_id" gorm:"uniqueIndex:idx_user_guild;not null;type:string"`

	// XP is the accumulated experience total. Never decreases.
	XP int64 `json:"xp" gorm:"default:0"`

	// Level is derived from XP (floor(0.1*sqrt(XP))), stored for cheap
	// leaderboard reads. Monotonically non-decreasing.
	Level int `json:"level" gorm:"default:0"`

	// MessagesSent counts qualifying messages that earned XP
	MessagesSent int64 `json:"messages_sent" gorm:"default:0"`

	// LastXPGain is the unix-milli timestamp of the most recent award,
	// used for the cooldown gate
	LastXPGain int64 `json:"last_xp_gain"`

	ModelUnixTime
}

func (u UserLevel) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String(columnUserID, u.UserID),
		slog.String("guild_id", u.GuildID),
		slog.Int64("xp", u.XP),
		slog.Int("level", u.Level),
		slog.Int64("messages_sent", u.MessagesSent),
	)
}

// CommandUsage is an immutable audit record: exactly one row is
// written per resolved slash-command invocation, after the handler
// finishes or fails. Unresolved (unknown) command names are not
// recorded.
//
//nolint:lll // struct tags can't be split
type CommandUsage struct {
	ModelUintID

	CommandName string `json:"command_name" gorm:"not null;type:string"`
	GuildID     string `json:"guild_id" gorm:"type:string"`
	UserID      string `json:"user_id" gorm:"index;not null;type:string"`
	Success     bool   `json:"success"`

	// ExecutionTime is the pipeline latency: completion time minus the
	// interaction's creation timestamp, so it includes gateway queueing,
	// not just handler execution.
	ExecutionTime Duration `json:"execution_time"`

	// ErrorMessage holds the handler's error text verbatim on failure
	ErrorMessage NullableString `json:"error_message"`

	// UsedAt is the unix-milli timestamp the record was written
	UsedAt int64 `json:"used_at"`
}

func (c CommandUsage) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("command_name", c.CommandName),
		slog.String("guild_id", c.GuildID),
		slog.String(columnUserID, c.UserID),
		slog.Bool("success", c.Success),
		slog.Duration("execution_time", c.ExecutionTime.Duration),
		slog.String("error_message", c.ErrorMessage.String()),
	)
}

// BotStats is a singleton row (fixed key) holding aggregate counts.
// It's fully overwritten on every recompute rather than incrementally
// updated, so it always reflects a complete recomputation from live
// connection state at the moment of the write.
type BotStats struct {
	ID          string `json:"id" gorm:"primaryKey;type:string"`
	TotalGuilds int    `json:"total_guilds"`
	TotalUsers  int    `json:"total_users"`

	// LastRestart is the unix-milli timestamp Run was last called
	LastRestart int64 `json:"last_restart"`

	// RecordedAt is the unix-milli timestamp of this recompute
	RecordedAt int64 `json:"recorded_at"`
}

func (b BotStats) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("total_guilds", b.TotalGuilds),
		slog.Int("total_users", b.TotalUsers),
		slog.Int64("last_restart", b.LastRestart),
		slog.Int64("recorded_at", b.RecordedAt),
	)
}

// computeStats derives a BotStats snapshot from the given guild list
// (typically the discord session state). It's a pure function - the
// only side effect in a stats refresh is the final SaveBotStats write.
func computeStats(guilds []guildSnapshot, startedAt time.Time, now time.Time) BotStats {
	stats := BotStats{
		ID:          botStatsID,
		TotalGuilds: len(guilds),
		LastRestart: startedAt.UTC().UnixMilli(),
		RecordedAt:  now.UTC().UnixMilli(),
	}
	for _, g := range guilds {
		stats.TotalUsers += g.MemberCount
	}
	return stats
}

// guildSnapshot is the slice of guild state the stats computation
// actually needs.
type guildSnapshot struct {
	ID          string
	MemberCount int
}
