package levelbot

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

// testSnowflakeID parses to a valid creation timestamp
const testSnowflakeID = "1049742395951677511"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestBot returns a LevelBot backed by a temporary sqlite database
// and a mock discord session, without opening any connections.
func newTestBot(t testing.TB) *LevelBot {
	t.Helper()

	db, err := CreateDB(
		context.Background(),
		dbTypeSQLite,
		filepath.Join(t.TempDir(), "levelbot_test.sqlite3"),
	)
	require.NoError(t, err)

	logger := testLogger()
	config := DefaultConfig()

	lb := &LevelBot{
		config:       config,
		db:           db,
		writeDB:      NewDatabase(db, logger, false),
		logger:       logger,
		commands:     newCommandRegistry(),
		statsLimiter: rate.NewLimiter(rate.Inf, 1),
		startedAt:    time.Now(),
	}
	lb.xp = NewXPEngine(lb.writeDB, config.XP, logger)
	lb.discord = &Discord{
		config: config.Discord,
		logger: logger,
		bot:    lb,
	}
	lb.discord.session = &mockDiscordSession{}
	return lb
}

func mockSession(t testing.TB, lb *LevelBot) *mockDiscordSession {
	t.Helper()
	session, ok := lb.discord.session.(*mockDiscordSession)
	require.True(t, ok)
	return session
}

// mockDiscordSession implements DiscordSessionHandler without any
// network access, recording outbound calls for assertions.
type mockDiscordSession struct {
	mu                   sync.Mutex
	guilds               []guildSnapshot
	channelMessages      map[string][]string
	interactionResponses []*discordgo.InteractionResponse
	followups            []*discordgo.WebhookParams
	respondErr           error
	customStatus         string
}

func (m *mockDiscordSession) Open() error  { return nil }
func (m *mockDiscordSession) Close() error { return nil }

func (m *mockDiscordSession) AddHandler(any) func() {
	return func() {}
}

func (m *mockDiscordSession) ChannelMessageSend(
	channelID string,
	message string,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.channelMessages == nil {
		m.channelMessages = map[string][]string{}
	}
	m.channelMessages[channelID] = append(m.channelMessages[channelID], message)
	return &discordgo.Message{ChannelID: channelID, Content: message}, nil
}

func (m *mockDiscordSession) ApplicationCommandBulkOverwrite(
	_ string,
	_ string,
	commands []*discordgo.ApplicationCommand,
	_ ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	return commands, nil
}

func (m *mockDiscordSession) InteractionRespond(
	_ *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	_ ...discordgo.RequestOption,
) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.respondErr != nil {
		return m.respondErr
	}
	m.interactionResponses = append(m.interactionResponses, resp)
	return nil
}

func (m *mockDiscordSession) FollowupMessageCreate(
	_ *discordgo.Interaction,
	_ bool,
	data *discordgo.WebhookParams,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.followups = append(m.followups, data)
	return &discordgo.Message{Content: data.Content}, nil
}

func (m *mockDiscordSession) UpdateCustomStatus(status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.customStatus = status
	return nil
}

func (m *mockDiscordSession) GuildSnapshots() []guildSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	snapshots := make([]guildSnapshot, len(m.guilds))
	copy(snapshots, m.guilds)
	return snapshots
}

func (m *mockDiscordSession) SetHTTPClient(*http.Client) {}

func (m *mockDiscordSession) SetLogLevel(slog.Level) error { return nil }

func (m *mockDiscordSession) responses() []*discordgo.InteractionResponse {
	m.mu.Lock()
	defer m.mu.Unlock()
	rv := make([]*discordgo.InteractionResponse, len(m.interactionResponses))
	copy(rv, m.interactionResponses)
	return rv
}

func newTestInteraction(
	commandName string,
	userID string,
	guildID string,
	options ...*discordgo.ApplicationCommandInteractionDataOption,
) *discordgo.InteractionCreate {
	return &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			ID:      testSnowflakeID,
			AppID:   "5678",
			Type:    discordgo.InteractionApplicationCommand,
			GuildID: guildID,
			Member: &discordgo.Member{
				User: &discordgo.User{ID: userID, Username: "testuser"},
			},
			Data: discordgo.ApplicationCommandInteractionData{
				Name:    commandName,
				Options: options,
			},
		},
	}
}

func commandUsageRows(t testing.TB, lb *LevelBot) []CommandUsage {
	t.Helper()
	var rows []CommandUsage
	require.NoError(t, lb.db.Find(&rows).Error)
	return rows
}

func TestGuildJoinIdempotent(t *testing.T) {
	lb := newTestBot(t)
	ctx := context.Background()

	event := &discordgo.GuildCreate{
		Guild: &discordgo.Guild{ID: "guild-1", Name: "First Guild"},
	}
	lb.handleGuildJoin(ctx, event)

	var configs []GuildConfig
	require.NoError(t, lb.db.Find(&configs).Error)
	require.Len(t, configs, 1)
	assert.Equal(t, "guild-1", configs[0].GuildID)
	assert.Equal(t, "First Guild", configs[0].GuildName)
	assert.True(t, configs[0].LevelingEnabled)

	// a second join (e.g. gateway replay after reconnect) must not
	// alter the existing row, even if the guild was renamed
	renamed := &discordgo.GuildCreate{
		Guild: &discordgo.Guild{ID: "guild-1", Name: "Renamed Guild"},
	}
	lb.handleGuildJoin(ctx, renamed)

	require.NoError(t, lb.db.Find(&configs).Error)
	require.Len(t, configs, 1)
	assert.Equal(t, "First Guild", configs[0].GuildName)
	assert.True(t, configs[0].LevelingEnabled)
}

func TestGuildJoinStatsFailureIsolated(t *testing.T) {
	lb := newTestBot(t)
	lb.writeDB = failingStatsDB{DBI: lb.writeDB}
	ctx := context.Background()

	lb.handleGuildJoin(
		ctx,
		&discordgo.GuildCreate{
			Guild: &discordgo.Guild{ID: "guild-1", Name: "First Guild"},
		},
	)

	config, err := lb.writeDB.GetGuildConfig(ctx, "guild-1")
	require.NoError(t, err)
	require.NotNil(t, config)

	var count int64
	require.NoError(t, lb.db.Model(&BotStats{}).Count(&count).Error)
	assert.Zero(t, count)
}

type failingStatsDB struct {
	DBI
}

func (f failingStatsDB) SaveBotStats(context.Context, *BotStats) error {
	return fmt.Errorf("stats write failed")
}

func TestGuildLeaveRefreshesStats(t *testing.T) {
	lb := newTestBot(t)
	session := mockSession(t, lb)
	session.guilds = []guildSnapshot{
		{ID: "guild-1", MemberCount: 25},
		{ID: "guild-2", MemberCount: 75},
	}
	ctx := context.Background()

	lb.handleGuildLeave(ctx, &discordgo.GuildDelete{
		Guild: &discordgo.Guild{ID: "guild-3"},
	})

	stats, err := lb.writeDB.GetBotStats(ctx)
	require.NoError(t, err)
	require.NotNil(t, stats)
	assert.Equal(t, 2, stats.TotalGuilds)
	assert.Equal(t, 100, stats.TotalUsers)
}

func TestComputeStats(t *testing.T) {
	startedAt := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	now := startedAt.Add(3 * time.Hour)

	stats := computeStats(
		[]guildSnapshot{
			{ID: "a", MemberCount: 10},
			{ID: "b", MemberCount: 20},
			{ID: "c", MemberCount: 0},
		},
		startedAt,
		now,
	)
	assert.Equal(t, botStatsID, stats.ID)
	assert.Equal(t, 3, stats.TotalGuilds)
	assert.Equal(t, 30, stats.TotalUsers)
	assert.Equal(t, startedAt.UnixMilli(), stats.LastRestart)
	assert.Equal(t, now.UnixMilli(), stats.RecordedAt)

	empty := computeStats(nil, startedAt, now)
	assert.Zero(t, empty.TotalGuilds)
	assert.Zero(t, empty.TotalUsers)
}

func TestRefreshBotStatsOverwrites(t *testing.T) {
	lb := newTestBot(t)
	session := mockSession(t, lb)
	ctx := context.Background()

	session.guilds = []guildSnapshot{{ID: "guild-1", MemberCount: 5}}
	lb.refreshBotStats(ctx)

	session.guilds = []guildSnapshot{
		{ID: "guild-1", MemberCount: 5},
		{ID: "guild-2", MemberCount: 50},
	}
	lb.refreshBotStats(ctx)

	var count int64
	require.NoError(t, lb.db.Model(&BotStats{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)

	stats, err := lb.writeDB.GetBotStats(ctx)
	require.NoError(t, err)
	require.NotNil(t, stats)
	assert.Equal(t, 2, stats.TotalGuilds)
	assert.Equal(t, 55, stats.TotalUsers)
}

func TestRefreshBotStatsRateLimited(t *testing.T) {
	lb := newTestBot(t)
	session := mockSession(t, lb)
	session.guilds = []guildSnapshot{{ID: "guild-1", MemberCount: 5}}
	lb.statsLimiter = rate.NewLimiter(rate.Limit(0.1), 1)
	ctx := context.Background()

	lb.refreshBotStats(ctx)
	session.guilds = append(session.guilds, guildSnapshot{ID: "guild-2", MemberCount: 5})
	lb.refreshBotStats(ctx)

	stats, err := lb.writeDB.GetBotStats(ctx)
	require.NoError(t, err)
	require.NotNil(t, stats)
	assert.Equal(t, 1, stats.TotalGuilds)
}

func TestHandleDiscordMessageGates(t *testing.T) {
	t.Run("bot author ignored", func(t *testing.T) {
		lb := newTestBot(t)
		ctx := context.Background()
		_, _, err := lb.writeDB.EnsureGuildConfig(ctx, "guild-1", "g")
		require.NoError(t, err)

		lb.handleDiscordMessage(ctx, &discordgo.MessageCreate{
			Message: &discordgo.Message{
				GuildID:   "guild-1",
				ChannelID: "chan-1",
				Author:    &discordgo.User{ID: "bot-1", Bot: true},
			},
		})
		level, err := lb.writeDB.GetUserLevel(ctx, "bot-1", "guild-1")
		require.NoError(t, err)
		assert.Nil(t, level)
	})

	t.Run("direct messages ignored", func(t *testing.T) {
		lb := newTestBot(t)
		ctx := context.Background()

		lb.handleDiscordMessage(ctx, &discordgo.MessageCreate{
			Message: &discordgo.Message{
				ChannelID: "dm-chan",
				Author:    &discordgo.User{ID: "user-1"},
			},
		})
		var count int64
		require.NoError(t, lb.db.Model(&UserLevel{}).Count(&count).Error)
		assert.Zero(t, count)
	})

	t.Run("leveling disabled", func(t *testing.T) {
		lb := newTestBot(t)
		ctx := context.Background()
		_, _, err := lb.writeDB.EnsureGuildConfig(ctx, "guild-1", "g")
		require.NoError(t, err)
		require.NoError(
			t,
			lb.db.Model(&GuildConfig{GuildID: "guild-1"}).Update(
				columnGuildConfigLevelingEnabled, false,
			).Error,
		)

		lb.handleDiscordMessage(ctx, &discordgo.MessageCreate{
			Message: &discordgo.Message{
				GuildID:   "guild-1",
				ChannelID: "chan-1",
				Author:    &discordgo.User{ID: "user-1"},
			},
		})
		level, err := lb.writeDB.GetUserLevel(ctx, "user-1", "guild-1")
		require.NoError(t, err)
		assert.Nil(t, level)
	})

	t.Run("absent config created lazily, no award", func(t *testing.T) {
		lb := newTestBot(t)
		ctx := context.Background()

		lb.handleDiscordMessage(ctx, &discordgo.MessageCreate{
			Message: &discordgo.Message{
				GuildID:   "guild-unseen",
				ChannelID: "chan-1",
				Author:    &discordgo.User{ID: "user-1"},
			},
		})

		config, err := lb.writeDB.GetGuildConfig(ctx, "guild-unseen")
		require.NoError(t, err)
		require.NotNil(t, config)
		assert.True(t, config.LevelingEnabled)

		level, err := lb.writeDB.GetUserLevel(ctx, "user-1", "guild-unseen")
		require.NoError(t, err)
		assert.Nil(t, level)
	})
}

func TestHandleDiscordMessageAwardsXP(t *testing.T) {
	lb := newTestBot(t)
	ctx := context.Background()
	_, _, err := lb.writeDB.EnsureGuildConfig(ctx, "guild-1", "g")
	require.NoError(t, err)

	lb.handleDiscordMessage(ctx, &discordgo.MessageCreate{
		Message: &discordgo.Message{
			GuildID:   "guild-1",
			ChannelID: "chan-1",
			Author:    &discordgo.User{ID: "user-1"},
		},
	})

	level, err := lb.writeDB.GetUserLevel(ctx, "user-1", "guild-1")
	require.NoError(t, err)
	require.NotNil(t, level)
	assert.GreaterOrEqual(t, level.XP, int64(DefaultXPGainMin))
	assert.LessOrEqual(t, level.XP, int64(DefaultXPGainMax))
	assert.Equal(t, int64(1), level.MessagesSent)
}

func TestHandleDiscordMessageLevelUpCongrats(t *testing.T) {
	lb := newTestBot(t)
	session := mockSession(t, lb)
	ctx := context.Background()
	_, _, err := lb.writeDB.EnsureGuildConfig(ctx, "guild-1", "g")
	require.NoError(t, err)

	// 90 XP, level 0: the next award (>= 10) crosses the level 1
	// threshold at 100 XP
	_, err = lb.writeDB.Create(
		ctx, &UserLevel{
			UserID:  "user-1",
			GuildID: "guild-1",
			XP:      90,
			Level:   0,
		},
	)
	require.NoError(t, err)

	lb.handleDiscordMessage(ctx, &discordgo.MessageCreate{
		Message: &discordgo.Message{
			GuildID:   "guild-1",
			ChannelID: "chan-1",
			Author:    &discordgo.User{ID: "user-1"},
		},
	})

	require.Len(t, session.channelMessages["chan-1"], 1)
	assert.Contains(t, session.channelMessages["chan-1"][0], "<@user-1>")
	assert.Contains(t, session.channelMessages["chan-1"][0], "level **1**")
}
