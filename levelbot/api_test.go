package levelbot

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAPI(t testing.TB) (*API, *LevelBot) {
	t.Helper()
	lb := newTestBot(t)
	api, err := newAPI(lb, lb.config.API)
	require.NoError(t, err)
	lb.api = api
	return api, lb
}

func apiGet(t testing.TB, api *API, path string) *httptest.ResponseRecorder {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, path, nil)
	require.NoError(t, err)
	w := httptest.NewRecorder()
	api.engine.ServeHTTP(w, req)
	return w
}

func TestAPIDefaultCORSAllowsAllOrigins(t *testing.T) {
	lb := newTestBot(t)
	require.Empty(t, lb.config.API.CORS.AllowOrigins)

	api, err := newAPI(lb, lb.config.API)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodGet, apiPathHealth, nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://example.com")
	w := httptest.NewRecorder()
	api.engine.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestAPIHealthCheck(t *testing.T) {
	api, _ := newTestAPI(t)

	w := apiGet(t, api, apiPathHealth)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get(xRequestIDHeader))

	var body healthCheckResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	assert.False(t, body.DiscordConnected)
}

func TestAPIStats(t *testing.T) {
	api, lb := newTestAPI(t)

	w := apiGet(t, api, apiPathStats)
	assert.Equal(t, http.StatusNotFound, w.Code)

	stats := computeStats(
		[]guildSnapshot{{ID: "g1", MemberCount: 30}},
		time.Now().Add(-time.Hour),
		time.Now(),
	)
	require.NoError(t, lb.writeDB.SaveBotStats(context.Background(), &stats))

	w = apiGet(t, api, apiPathStats)
	require.Equal(t, http.StatusOK, w.Code)

	var body BotStats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 1, body.TotalGuilds)
	assert.Equal(t, 30, body.TotalUsers)
}

func TestAPIGuildLeaderboard(t *testing.T) {
	api, lb := newTestAPI(t)
	ctx := context.Background()

	w := apiGet(t, api, "/api/leaderboard/guild-1")
	assert.Equal(t, http.StatusNotFound, w.Code)

	_, _, err := lb.writeDB.EnsureGuildConfig(ctx, "guild-1", "Test Guild")
	require.NoError(t, err)

	for n, xp := range []int64{100, 900, 450} {
		_, err = lb.writeDB.Create(
			ctx, &UserLevel{
				UserID:  string(rune('a' + n)),
				GuildID: "guild-1",
				XP:      xp,
				Level:   levelFromXP(xp),
			},
		)
		require.NoError(t, err)
	}

	w = apiGet(t, api, "/api/leaderboard/guild-1")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		GuildID     string             `json:"guild_id"`
		GuildName   string             `json:"guild_name"`
		Leaderboard []leaderboardEntry `json:"leaderboard"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "guild-1", body.GuildID)
	assert.Equal(t, "Test Guild", body.GuildName)
	require.Len(t, body.Leaderboard, 3)
	assert.Equal(t, 1, body.Leaderboard[0].Rank)
	assert.Equal(t, "b", body.Leaderboard[0].UserID)
	assert.Equal(t, int64(900), body.Leaderboard[0].XP)
	assert.Equal(t, "c", body.Leaderboard[1].UserID)
	assert.Equal(t, "a", body.Leaderboard[2].UserID)
}
