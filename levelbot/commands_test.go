package levelbot

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandRegistry(t *testing.T) {
	registry := newCommandRegistry()
	for _, name := range []string{
		DiscordSlashCommandRank,
		DiscordSlashCommandLeaderboard,
		DiscordSlashCommandLevels,
		DiscordSlashCommandBotStats,
	} {
		cmd, ok := registry[name]
		require.Truef(t, ok, "command %q not registered", name)
		assert.Equal(t, name, cmd.Name())
		assert.Equal(t, name, cmd.ApplicationCommand().Name)
	}

	defs := applicationCommands(registry)
	require.Len(t, defs, len(registry))
}

func TestRankCommandNoXP(t *testing.T) {
	lb := newTestBot(t)
	session := mockSession(t, lb)
	ctx := context.Background()

	i := newTestInteraction(DiscordSlashCommandRank, "user-1", "guild-1")
	err := rankCommand{}.Execute(ctx, lb, newDispatchHandler(lb, i))
	require.NoError(t, err)

	responses := session.responses()
	require.Len(t, responses, 1)
	assert.Contains(t, responses[0].Data.Content, "haven't earned any XP")
}

func TestRankCommand(t *testing.T) {
	lb := newTestBot(t)
	session := mockSession(t, lb)
	ctx := context.Background()

	_, err := lb.writeDB.Create(
		ctx, &UserLevel{
			UserID:       "user-1",
			GuildID:      "guild-1",
			XP:           450,
			Level:        2,
			MessagesSent: 30,
		},
	)
	require.NoError(t, err)

	i := newTestInteraction(DiscordSlashCommandRank, "user-1", "guild-1")
	err = rankCommand{}.Execute(ctx, lb, newDispatchHandler(lb, i))
	require.NoError(t, err)

	responses := session.responses()
	require.Len(t, responses, 1)
	assert.Contains(t, responses[0].Data.Content, "level **2**")
	assert.Contains(t, responses[0].Data.Content, "**450** XP")
}

func TestRankCommandOutsideGuild(t *testing.T) {
	lb := newTestBot(t)
	session := mockSession(t, lb)
	ctx := context.Background()

	i := newTestInteraction(DiscordSlashCommandRank, "user-1", "")
	i.User = &discordgo.User{ID: "user-1"}
	i.Member = nil
	err := rankCommand{}.Execute(ctx, lb, newDispatchHandler(lb, i))
	require.NoError(t, err)

	responses := session.responses()
	require.Len(t, responses, 1)
	assert.Contains(t, responses[0].Data.Content, "inside a server")
}

func TestLeaderboardCommand(t *testing.T) {
	lb := newTestBot(t)
	session := mockSession(t, lb)
	ctx := context.Background()

	for n, xp := range []int64{50, 500, 5000} {
		_, err := lb.writeDB.Create(
			ctx, &UserLevel{
				UserID:  string(rune('a' + n)),
				GuildID: "guild-1",
				XP:      xp,
				Level:   levelFromXP(xp),
			},
		)
		require.NoError(t, err)
	}
	// a different guild's rows never leak into the leaderboard
	_, err := lb.writeDB.Create(
		ctx, &UserLevel{UserID: "z", GuildID: "guild-2", XP: 99999},
	)
	require.NoError(t, err)

	i := newTestInteraction(DiscordSlashCommandLeaderboard, "user-1", "guild-1")
	err = leaderboardCommand{}.Execute(ctx, lb, newDispatchHandler(lb, i))
	require.NoError(t, err)

	responses := session.responses()
	require.Len(t, responses, 1)
	content := responses[0].Data.Content
	assert.Contains(t, content, "1. <@c>")
	assert.Contains(t, content, "2. <@b>")
	assert.Contains(t, content, "3. <@a>")
	assert.NotContains(t, content, "<@z>")
}

func TestLeaderboardCommandEmpty(t *testing.T) {
	lb := newTestBot(t)
	session := mockSession(t, lb)
	ctx := context.Background()

	i := newTestInteraction(DiscordSlashCommandLeaderboard, "user-1", "guild-1")
	err := leaderboardCommand{}.Execute(ctx, lb, newDispatchHandler(lb, i))
	require.NoError(t, err)

	responses := session.responses()
	require.Len(t, responses, 1)
	assert.Contains(t, responses[0].Data.Content, "nobody's earned any XP")
}

func TestLevelsCommandDisableEnable(t *testing.T) {
	lb := newTestBot(t)
	ctx := context.Background()

	disable := newTestInteraction(
		DiscordSlashCommandLevels,
		"user-1",
		"guild-1",
		&discordgo.ApplicationCommandInteractionDataOption{
			Name:  levelsCommandActionOption,
			Type:  discordgo.ApplicationCommandOptionString,
			Value: levelsActionDisable,
		},
	)
	err := levelsCommand{}.Execute(ctx, lb, newDispatchHandler(lb, disable))
	require.NoError(t, err)

	config, err := lb.writeDB.GetGuildConfig(ctx, "guild-1")
	require.NoError(t, err)
	require.NotNil(t, config)
	assert.False(t, config.LevelingEnabled)

	enable := newTestInteraction(
		DiscordSlashCommandLevels,
		"user-1",
		"guild-1",
		&discordgo.ApplicationCommandInteractionDataOption{
			Name:  levelsCommandActionOption,
			Type:  discordgo.ApplicationCommandOptionString,
			Value: levelsActionEnable,
		},
	)
	err = levelsCommand{}.Execute(ctx, lb, newDispatchHandler(lb, enable))
	require.NoError(t, err)

	config, err = lb.writeDB.GetGuildConfig(ctx, "guild-1")
	require.NoError(t, err)
	require.NotNil(t, config)
	assert.True(t, config.LevelingEnabled)
}

func TestBotStatsCommand(t *testing.T) {
	lb := newTestBot(t)
	session := mockSession(t, lb)
	ctx := context.Background()

	t.Run("no stats yet", func(t *testing.T) {
		i := newTestInteraction(DiscordSlashCommandBotStats, "user-1", "guild-1")
		err := botStatsCommand{}.Execute(ctx, lb, newDispatchHandler(lb, i))
		require.NoError(t, err)

		responses := session.responses()
		require.Len(t, responses, 1)
		assert.Contains(t, responses[0].Data.Content, "no stats recorded")
	})

	t.Run("stats recorded", func(t *testing.T) {
		stats := computeStats(
			[]guildSnapshot{{ID: "guild-1", MemberCount: 42}},
			time.Now().Add(-time.Hour),
			time.Now(),
		)
		require.NoError(t, lb.writeDB.SaveBotStats(ctx, &stats))

		i := newTestInteraction(DiscordSlashCommandBotStats, "user-1", "guild-1")
		err := botStatsCommand{}.Execute(ctx, lb, newDispatchHandler(lb, i))
		require.NoError(t, err)

		responses := session.responses()
		require.Len(t, responses, 2)
		assert.Contains(t, responses[1].Data.Content, "**1** servers")
		assert.Contains(t, responses[1].Data.Content, "**42** users")
	})
}
