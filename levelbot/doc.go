// Package levelbot implements a Discord bot that awards experience
// points for guild chat activity and tracks per-guild member levels.
//
// Levelbot listens for guild messages, grants a randomized XP amount
// per qualifying message subject to a per-user cooldown, and derives
// each member's level from their accumulated total. Slash commands let
// members check their rank, view the guild leaderboard, and toggle
// leveling per guild.
//
// Key components of the package include:
//
//   - LevelBot: The main struct that encapsulates the bot's core functionality.
//   - Discord: Handles the gateway session, slash command registration,
//     and message events.
//   - XPEngine: Applies cooldowns and computes XP awards and levels.
//   - API: Serves a read-only HTTP API for health, stats, and leaderboards.
//   - Database: Handles data persistence and retrieval via GORM.
//
// The bot supports the following commands:
//
//   - /rank: Shows the invoking user's level and XP in the current guild.
//   - /leaderboard: Shows the guild's top members by XP.
//   - /levels: Enables or disables leveling for the guild.
//   - /botstats: Shows aggregate bot statistics.
//
// Levelbot also records every resolved command invocation for auditing,
// and maintains aggregate bot statistics that are recomputed as guilds
// are joined and left.
package levelbot
