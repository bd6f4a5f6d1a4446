package levelbot

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
)

const (
	DiscordSlashCommandRank        = "rank"
	DiscordSlashCommandLeaderboard = "leaderboard"
	DiscordSlashCommandLevels      = "levels"
	DiscordSlashCommandBotStats    = "botstats"

	levelsCommandActionOption = "action"
	levelsActionEnable        = "enable"
	levelsActionDisable       = "disable"

	leaderboardLimit = 10
)

// SlashCommand is a registered slash command: a name, the application
// command definition sent to Discord, and an execution entry point.
// The registry is populated once at startup and read-only afterward.
type SlashCommand interface {
	Name() string
	ApplicationCommand() *discordgo.ApplicationCommand
	Execute(ctx context.Context, lb *LevelBot, handler InteractionHandler) error
}

// newCommandRegistry returns the name->command mapping used by the
// dispatch pipeline. Names are unique and case-sensitive.
func newCommandRegistry() map[string]SlashCommand {
	commands := []SlashCommand{
		rankCommand{},
		leaderboardCommand{},
		levelsCommand{},
		botStatsCommand{},
	}
	registry := make(map[string]SlashCommand, len(commands))
	for _, c := range commands {
		registry[c.Name()] = c
	}
	return registry
}

// applicationCommands returns the definitions for the bulk overwrite
// endpoint, in registration order.
func applicationCommands(registry map[string]SlashCommand) []*discordgo.ApplicationCommand {
	defs := make([]*discordgo.ApplicationCommand, 0, len(registry))
	for _, name := range []string{
		DiscordSlashCommandRank,
		DiscordSlashCommandLeaderboard,
		DiscordSlashCommandLevels,
		DiscordSlashCommandBotStats,
	} {
		if cmd, ok := registry[name]; ok {
			defs = append(defs, cmd.ApplicationCommand())
		}
	}
	return defs
}

// respondContent sends content as the initial (ephemeral) response for
// the interaction.
func respondContent(
	ctx context.Context,
	handler InteractionHandler,
	content string,
) error {
	return handler.Respond(
		ctx,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{
				Content: content,
				Flags:   discordgo.MessageFlagsEphemeral,
			},
		},
	)
}

// rankCommand shows the invoker their XP, level and message count in
// the current guild.
type rankCommand struct{}

func (rankCommand) Name() string {
	return DiscordSlashCommandRank
}

func (rankCommand) ApplicationCommand() *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name:        DiscordSlashCommandRank,
		Type:        discordgo.ChatApplicationCommand,
		Description: "Show your XP and level in this server",
	}
}

func (rankCommand) Execute(
	ctx context.Context,
	lb *LevelBot,
	handler InteractionHandler,
) error {
	i := handler.GetInteraction()
	u := getDiscordUser(i)
	if u == nil {
		return errNoUser
	}
	if i.GuildID == "" {
		return respondContent(ctx, handler, "ranks only exist inside a server!")
	}

	level, err := lb.writeDB.GetUserLevel(ctx, u.ID, i.GuildID)
	if err != nil {
		return fmt.Errorf("error fetching user level: %w", err)
	}
	if level == nil {
		return respondContent(
			ctx,
			handler,
			"you haven't earned any XP here yet - say something!",
		)
	}
	return respondContent(
		ctx,
		handler,
		fmt.Sprintf(
			"you're level **%d** with **%d** XP (%d messages)",
			level.Level,
			level.XP,
			level.MessagesSent,
		),
	)
}

// leaderboardCommand shows the top users in the current guild by XP.
type leaderboardCommand struct{}

func (leaderboardCommand) Name() string {
	return DiscordSlashCommandLeaderboard
}

func (leaderboardCommand) ApplicationCommand() *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name:        DiscordSlashCommandLeaderboard,
		Type:        discordgo.ChatApplicationCommand,
		Description: "Show this server's XP leaderboard",
	}
}

func (leaderboardCommand) Execute(
	ctx context.Context,
	lb *LevelBot,
	handler InteractionHandler,
) error {
	i := handler.GetInteraction()
	if i.GuildID == "" {
		return respondContent(ctx, handler, "leaderboards only exist inside a server!")
	}

	levels, err := lb.writeDB.GuildLeaderboard(ctx, i.GuildID, leaderboardLimit)
	if err != nil {
		return fmt.Errorf("error fetching leaderboard: %w", err)
	}
	if len(levels) == 0 {
		return respondContent(ctx, handler, "nobody's earned any XP here yet!")
	}

	var sb strings.Builder
	sb.WriteString("**XP leaderboard**\n")
	for n, level := range levels {
		fmt.Fprintf(
			&sb,
			"%d. <@%s> - level %d (%d XP)\n",
			n+1,
			level.UserID,
			level.Level,
			level.XP,
		)
	}
	return respondContent(ctx, handler, sb.String())
}

// levelsCommand enables or disables XP awards for the current guild.
type levelsCommand struct{}

func (levelsCommand) Name() string {
	return DiscordSlashCommandLevels
}

func (levelsCommand) ApplicationCommand() *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name:        DiscordSlashCommandLevels,
		Type:        discordgo.ChatApplicationCommand,
		Description: "Enable or disable leveling for this server",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        levelsCommandActionOption,
				Description: "Whether XP should be awarded in this server",
				Required:    true,
				Choices: []*discordgo.ApplicationCommandOptionChoice{
					{Name: levelsActionEnable, Value: levelsActionEnable},
					{Name: levelsActionDisable, Value: levelsActionDisable},
				},
			},
		},
	}
}

func (levelsCommand) Execute(
	ctx context.Context,
	lb *LevelBot,
	handler InteractionHandler,
) error {
	i := handler.GetInteraction()
	if i.GuildID == "" {
		return respondContent(ctx, handler, "leveling can only be configured inside a server!")
	}

	options := discordInteractionOptions(i)
	action, ok := options[levelsCommandActionOption]
	if !ok {
		return fmt.Errorf("missing %q option", levelsCommandActionOption)
	}
	enable := action.StringValue() == levelsActionEnable

	config, _, err := lb.writeDB.EnsureGuildConfig(ctx, i.GuildID, "")
	if err != nil {
		return fmt.Errorf("error ensuring guild config: %w", err)
	}

	if config.LevelingEnabled != enable {
		if _, err = lb.writeDB.Updates(
			ctx,
			config,
			map[string]any{columnGuildConfigLevelingEnabled: enable},
		); err != nil {
			return fmt.Errorf("error updating guild config: %w", err)
		}
	}

	if enable {
		return respondContent(ctx, handler, "leveling is now **enabled** - chat to earn XP!")
	}
	return respondContent(ctx, handler, "leveling is now **disabled** for this server")
}

// botStatsCommand shows the last recorded bot-wide statistics.
type botStatsCommand struct{}

func (botStatsCommand) Name() string {
	return DiscordSlashCommandBotStats
}

func (botStatsCommand) ApplicationCommand() *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name:        DiscordSlashCommandBotStats,
		Type:        discordgo.ChatApplicationCommand,
		Description: "Show bot-wide statistics",
	}
}

func (botStatsCommand) Execute(
	ctx context.Context,
	lb *LevelBot,
	handler InteractionHandler,
) error {
	stats, err := lb.writeDB.GetBotStats(ctx)
	if err != nil {
		return fmt.Errorf("error fetching bot stats: %w", err)
	}
	if stats == nil {
		return respondContent(ctx, handler, "no stats recorded yet - try again shortly!")
	}
	uptime := time.Since(time.UnixMilli(stats.LastRestart)).Truncate(time.Second)
	return respondContent(
		ctx,
		handler,
		fmt.Sprintf(
			"serving **%d** servers and **%d** users (up %s)",
			stats.TotalGuilds,
			stats.TotalUsers,
			uptime,
		),
	)
}
