package levelbot

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/lmittmann/tint"
)

const (
	xRequestIDHeader = "X-Request-ID"

	apiPrefix               = "/api"
	apiPathHealth           = apiPrefix + "/health"
	apiPathStats            = apiPrefix + "/stats"
	apiPathGuildLeaderboard = apiPrefix + "/leaderboard/:guild_id"
)

// API serves the read-only status endpoints: health, bot stats, and
// per-guild leaderboards. It never writes to the database.
type API struct {
	config           *APIConfig
	httpServer       *http.Server
	listener         net.Listener
	engine           *gin.Engine
	requestMetrics   map[string]int
	requestMetricsMu sync.Mutex
	logger           *slog.Logger

	bot *LevelBot
}

// newAPI initializes the API struct: gin engine, middleware stack and
// routes, and the underlying HTTP server.
func newAPI(lb *LevelBot, config *APIConfig) (*API, error) {
	setupLogger := slog.New(
		tint.NewHandler(
			os.Stdout, &tint.Options{
				Level:     config.LogLevel,
				AddSource: true,
			},
		),
	)

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	api := &API{
		config:         config,
		engine:         r,
		requestMetrics: map[string]int{},
		bot:            lb,
	}

	httpServer := &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}
	api.httpServer = httpServer
	api.logger = setupLogger.With(loggerNameKey, "api")

	corsConfig := config.CORS.GINConfig()
	if len(corsConfig.AllowOrigins) == 0 {
		corsConfig.AllowOrigins = []string{"*"}
	}

	r.Use(gin.Recovery())
	r.Use(
		requestIDMiddleware(),
		ginLoggingMiddleware(),
		metricMiddleware(api),
		cors.New(corsConfig),
	)

	r.GET(apiPathHealth, api.healthCheck)
	r.GET(apiPathStats, api.getStats)
	r.GET(apiPathGuildLeaderboard, api.getGuildLeaderboard)

	return api, nil
}

// Serve listens on the configured address and serves HTTP until the
// server is shut down.
func (a *API) Serve(ctx context.Context) error {
	if a.listener == nil {
		listenCfg := &net.ListenConfig{}
		ln, err := listenCfg.Listen(ctx, a.config.ListenNetwork, a.config.Listen)
		if err != nil {
			return fmt.Errorf("error listening on %s: %w", a.config.Listen, err)
		}
		a.listener = ln
	}
	a.logger.InfoContext(ctx, "api listening", "address", a.listener.Addr().String())
	return a.httpServer.Serve(a.listener)
}

type healthCheckResponse struct {
	Status           string `json:"status"`
	Version          string `json:"version"`
	DiscordConnected bool   `json:"discord_connected"`
	Uptime           string `json:"uptime"`
}

func (a *API) healthCheck(c *gin.Context) {
	c.JSON(
		http.StatusOK, healthCheckResponse{
			Status:           "ok",
			Version:          Version,
			DiscordConnected: a.bot.discord.connected.Load(),
			Uptime:           time.Since(a.bot.startedAt).Truncate(time.Second).String(),
		},
	)
}

// getStats returns the most recently recorded BotStats row. Stats may
// lag the live session state slightly, since recomputes are
// rate-limited.
func (a *API) getStats(c *gin.Context) {
	logger := ginContextLogger(c)

	stats, err := a.bot.writeDB.GetBotStats(c.Request.Context())
	if err != nil {
		logger.Error("error fetching bot stats", tint.Err(err))
		c.JSON(
			http.StatusInternalServerError,
			gin.H{"error": "error fetching stats"},
		)
		return
	}
	if stats == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no stats recorded yet"})
		return
	}
	c.JSON(http.StatusOK, stats)
}

type leaderboardEntry struct {
	Rank         int    `json:"rank"`
	UserID       string `json:"user_id"`
	XP           int64  `json:"xp"`
	Level        int    `json:"level"`
	MessagesSent int64  `json:"messages_sent"`
}

func (a *API) getGuildLeaderboard(c *gin.Context) {
	logger := ginContextLogger(c)
	guildID := c.Param("guild_id")

	ctx := c.Request.Context()
	config, err := a.bot.writeDB.GetGuildConfig(ctx, guildID)
	if err != nil {
		logger.Error("error fetching guild config", tint.Err(err))
		c.JSON(
			http.StatusInternalServerError,
			gin.H{"error": "error fetching leaderboard"},
		)
		return
	}
	if config == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown guild"})
		return
	}

	levels, err := a.bot.writeDB.GuildLeaderboard(ctx, guildID, leaderboardLimit)
	if err != nil {
		logger.Error("error fetching leaderboard", tint.Err(err))
		c.JSON(
			http.StatusInternalServerError,
			gin.H{"error": "error fetching leaderboard"},
		)
		return
	}

	entries := make([]leaderboardEntry, 0, len(levels))
	for i, lvl := range levels {
		entries = append(
			entries, leaderboardEntry{
				Rank:         i + 1,
				UserID:       lvl.UserID,
				XP:           lvl.XP,
				Level:        lvl.Level,
				MessagesSent: lvl.MessagesSent,
			},
		)
	}
	c.JSON(
		http.StatusOK, gin.H{
			"guild_id":    guildID,
			"guild_name":  config.GuildName,
			"leaderboard": entries,
		},
	)
}

// requestIDMiddleware assigns a unique request ID to each incoming
// request and echoes it back in the response headers.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := uuid.NewString()
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// ginContextLogger returns the slog.Logger from the given gin context,
// or, if it doesn't exist, creates a logger with request details included,
// and sets the logger in the context so the next call to ginContextLogger
// will return the new logger.
func ginContextLogger(c *gin.Context) *slog.Logger {
	var requestLogger *slog.Logger
	logger, ok := c.Get(string(loggerContextKey))
	if ok {
		requestLogger, ok = logger.(*slog.Logger)
		if ok {
			return requestLogger
		}
	}
	requestLogger = slog.Default()
	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	raw := c.Request.URL.RawQuery
	if raw != "" {
		path = path + "?" + raw
	}

	requestLogger = requestLogger.With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_addr", c.Request.RemoteAddr,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

// ginLoggingMiddleware logs the request method, path, remote address,
// duration, and response status for each request.
func ginLoggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestLogger := ginContextLogger(c)
		c.Next()
		latency := time.Since(start)

		var errs []error
		for _, e := range c.Errors.ByType(gin.ErrorTypePrivate) {
			errs = append(errs, *e)
		}
		if len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf(
					"%s %s finished with errors",
					c.Request.Method,
					c.Request.URL,
				),
				"duration", latency,
				"errors", errs,
				slog.Group(
					"response",
					"status_code", c.Writer.Status(),
					"body_size", c.Writer.Size(),
				),
			)
		} else {
			requestLogger.Info(
				fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL),
				"duration", latency,
				slog.Group(
					"response",
					"status_code", c.Writer.Status(),
					"body_size", c.Writer.Size(),
				),
			)
		}
	}
}

// metricMiddleware increments a per-route request counter, keyed by
// method and path.
func metricMiddleware(a *API) gin.HandlerFunc {
	return func(c *gin.Context) {
		a.requestMetricsMu.Lock()
		a.requestMetrics[fmt.Sprintf(
			"%s %s",
			c.Request.Method,
			c.Request.URL.Path,
		)]++
		a.requestMetricsMu.Unlock()
		c.Next()
	}
}
