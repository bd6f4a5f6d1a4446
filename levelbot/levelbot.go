package levelbot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/go-playground/validator/v10"
	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

var (
	// When building, set these like:
	// -ldflags "-X github.com/arcward/levelbot/levelbot.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

var (
	defaultLogWriter io.Writer = os.Stdout

	structValidator = validator.New()
)

func init() {
	structValidator.SetTagName("binding")
}

// LevelBot is the main application struct: it owns the configuration,
// database, discord session, experience engine, command registry and
// status API, and coordinates gateway lifecycle events.
type LevelBot struct {
	config *Config

	// db is the GORM connection, for reads
	db *gorm.DB

	// writeDB wraps db for write/update/delete operations. When using
	// sqlite, a mutex serializes writes.
	writeDB DBI

	// Standard logger. Missing loggers will try to use this,
	// and fall back to slog.Default()
	logger *slog.Logger

	// Handler to use for the above
	logHandler slog.Handler

	// Handles discord integration, sessions
	discord *Discord

	// Awards experience for qualifying messages
	xp *XPEngine

	// The read-only status API
	api *API

	// Read-only after New: the slash-command registry
	commands map[string]SlashCommand

	// Bounds BotStats recomputes during guild join/leave bursts. Stale
	// stats are tolerated; the next allowed recompute overwrites them.
	statsLimiter *rate.Limiter

	// signalStop enables an explicit stop signal to be sent to the bot
	signalStop chan struct{}

	// signalReady has a value sent on it once Run has finished
	// initializing: database migrated, discord session open, commands
	// registered, initial stats written
	signalReady chan struct{}

	// A signal is sent on this channel when shutdown finishes
	eventShutdown chan struct{}

	// prevents Run from executing concurrently
	runMu sync.Mutex

	// The time Run was called
	startedAt time.Time
}

// New creates and initializes a new LevelBot instance from the given
// config: loggers for each component, the discord integration, the
// command registry and the status API. The database connection is
// established by Run.
func New(config *Config) (*LevelBot, error) {
	var errs []error

	switch config.DatabaseType {
	case dbTypeSQLite, dbTypePostgres:
		//
	default:
		errs = append(
			errs,
			errors.New("invalid database type (must be 'sqlite' or 'postgres')"),
		)
	}

	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	lb := &LevelBot{
		config:        config,
		commands:      newCommandRegistry(),
		signalReady:   make(chan struct{}, 1),
		eventShutdown: make(chan struct{}, 1),
		statsLimiter: rate.NewLimiter(
			rate.Limit(float64(DefaultStatsRefreshPerMinute)/60.0),
			1,
		),
	}

	lb.logHandler = tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     config.LogLevel,
			AddSource: true,
		},
	)

	lb.logger = slog.New(lb.logHandler)
	slog.SetDefault(lb.logger)

	config.Discord.httpClient = config.HTTPClient

	disc, err := newDiscord(config.Discord)
	if err != nil {
		errs = append(errs, err)
	}

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     config.Discord.DiscordGoLogLevel,
				AddSource: true,
			},
		).WithAttrs([]slog.Attr{slog.String(loggerNameKey, "discordgo")}),
	)

	disc.logger = slog.New(
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     config.Discord.LogLevel,
				AddSource: true,
			},
		),
	).With(loggerNameKey, "discord")

	lb.discord = disc
	disc.bot = lb

	api, err := newAPI(lb, config.API)
	if err != nil {
		errs = append(errs, err)
	}
	lb.api = api

	return lb, errors.Join(errs...)
}

func (lb *LevelBot) ValidateConfig() error {
	return structValidator.Struct(lb.config)
}

func (lb *LevelBot) getLogger(ctx context.Context) (
	context.Context,
	*slog.Logger,
) {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = lb.logger
		ctx = WithLogger(ctx, logger)
	}
	return ctx, logger
}

// RegisterSlashCommands registers the slash commands for the bot via
// the Discord bulk overwrite endpoint.
func (lb *LevelBot) RegisterSlashCommands(options ...discordgo.RequestOption) (
	[]*discordgo.ApplicationCommand,
	error,
) {
	return lb.discord.registerCommands(applicationCommands(lb.commands), options...)
}

// initDB creates the database connection and the write wrapper
func (lb *LevelBot) initDB(ctx context.Context) error {
	db, err := CreateDB(ctx, lb.config.DatabaseType, lb.config.Database)
	if err != nil {
		return fmt.Errorf("error initializing database: %w", err)
	}
	lb.db = db
	lb.writeDB = NewDatabase(
		db,
		lb.logger,
		lb.config.DatabaseType != dbTypeSQLite,
	)
	lb.xp = NewXPEngine(lb.writeDB, lb.config.XP, lb.logger)
	return nil
}

// Run starts the bot and blocks until the context is canceled or a
// stop signal is received, then shuts down gracefully.
func (lb *LevelBot) Run(ctx context.Context) error {
	// prevents concurrent runs
	lb.runMu.Lock()
	defer lb.runMu.Unlock()

	lb.signalStop = make(chan struct{}, 1)
	lb.startedAt = time.Now()
	logger := lb.logger

	if err := lb.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	ctx = WithLogger(ctx, logger)
	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", lb.config))

	if lb.signalReady == nil {
		lb.signalReady = make(chan struct{}, 1)
	}

	// the 'runtime' context, which triggers a graceful shutdown
	// when canceled
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-lb.signalStop:
			lb.logger.Warn("got stop signal, canceling")
			cancel()
		case <-ctx.Done():
			//
		}
	}()

	startCtx, startCancel := context.WithTimeout(ctx, lb.config.StartupTimeout)
	defer startCancel()

	if err := lb.initDB(startCtx); err != nil {
		logger.ErrorContext(ctx, "init error", tint.Err(err))
		return err
	}

	go func() {
		httpErr := lb.api.Serve(ctx)
		if httpErr != nil && !errors.Is(httpErr, http.ErrServerClosed) {
			lb.logger.ErrorContext(ctx, "error serving api HTTP", tint.Err(httpErr))
		}
	}()

	if err := lb.initDiscordSession(ctx); err != nil {
		logger.ErrorContext(ctx, "error initializing discord session", tint.Err(err))
		return err
	}

	if _, err := lb.RegisterSlashCommands(); err != nil {
		logger.ErrorContext(ctx, "error registering slash commands", tint.Err(err))
		return err
	}

	lb.refreshBotStats(ctx)

	lb.signalReady <- struct{}{}
	lb.logger.InfoContext(ctx, "sent ready signal")

	<-ctx.Done()

	return lb.shutdown(context.WithoutCancel(ctx))
}

// initDiscordSession creates the gateway session, adds all event
// handlers, and opens the websocket connection.
func (lb *LevelBot) initDiscordSession(ctx context.Context) error {
	session, err := lb.discord.newSession()
	if err != nil {
		return err
	}
	lb.discord.session = session

	lb.discord.discordgoRemoveHandlerFuncs = []func(){
		session.AddHandler(lb.discord.handlerReady()),
		session.AddHandler(lb.discord.handlerConnect()),
		session.AddHandler(lb.discord.handlerDisconnect()),
		session.AddHandler(
			func(_ *discordgo.Session, i *discordgo.InteractionCreate) {
				// fan out so a slow handler never blocks the gateway
				// event loop
				go lb.handleInteraction(
					WithLogger(ctx, lb.discord.logger),
					newGatewayHandler(
						lb.discord.session,
						i,
						lb.discord.logger.With(
							slog.Group("interaction", interactionLogAttrs(*i)...),
						),
					),
				)
			},
		),
		session.AddHandler(
			func(_ *discordgo.Session, m *discordgo.MessageCreate) {
				go lb.handleDiscordMessage(WithLogger(ctx, lb.discord.logger), m)
			},
		),
		session.AddHandler(
			func(_ *discordgo.Session, g *discordgo.GuildCreate) {
				go lb.handleGuildJoin(WithLogger(ctx, lb.discord.logger), g)
			},
		),
		session.AddHandler(
			func(_ *discordgo.Session, g *discordgo.GuildDelete) {
				go lb.handleGuildLeave(WithLogger(ctx, lb.discord.logger), g)
			},
		),
	}

	lb.logger.InfoContext(ctx, "connecting to discord")
	if openErr := session.Open(); openErr != nil {
		return fmt.Errorf("error connecting to discord: %w", openErr)
	}
	return nil
}

// handleInteraction processes an incoming interaction: pings get a
// pong, application commands go through the dispatch pipeline, and
// everything else (components, modals) is ignored - this bot doesn't
// use them.
func (lb *LevelBot) handleInteraction(
	ctx context.Context,
	handler InteractionHandler,
) {
	i := handler.GetInteraction()
	logger := handler.Logger()
	ctx = WithLogger(ctx, logger)

	switch i.Type {
	case discordgo.InteractionPing:
		_ = handler.Respond(
			ctx, &discordgo.InteractionResponse{
				Type: discordgo.InteractionResponsePong,
			},
		)
	case discordgo.InteractionApplicationCommand:
		discordUser := getDiscordUser(i)
		if discordUser == nil {
			logger.ErrorContext(ctx, "no user found in interaction")
			return
		}
		if discordUser.Bot {
			logger.WarnContext(ctx, "user is bot, ignoring")
			return
		}
		logger.InfoContext(
			ctx,
			"received command interaction",
			columnUserID, discordUser.ID,
			"command_name", i.ApplicationCommandData().Name,
		)
		lb.dispatch(ctx, handler)
	default:
		logger.DebugContext(ctx, "ignoring interaction", "type", i.Type.String())
	}
}

// handleDiscordMessage applies the qualifying-message gate, then
// delegates to the XP engine. Qualifying: non-bot author, sent inside
// a guild, leveling enabled for that guild.
//
// A guild with no config row yet (e.g. the bot was added while
// offline and missed the join event) gets one created lazily here; the
// message that triggered creation doesn't earn XP.
func (lb *LevelBot) handleDiscordMessage(
	ctx context.Context,
	m *discordgo.MessageCreate,
) {
	ctx, logger := lb.getLogger(ctx)

	user := m.Author
	if user == nil && m.Member != nil {
		user = m.Member.User
	}
	if user == nil || user.Bot {
		return
	}
	if m.GuildID == "" {
		// direct messages never earn XP
		return
	}

	config, err := lb.writeDB.GetGuildConfig(ctx, m.GuildID)
	if err != nil {
		logger.ErrorContext(ctx, "error fetching guild config", tint.Err(err))
		return
	}
	if config == nil {
		if _, _, ensureErr := lb.writeDB.EnsureGuildConfig(
			ctx,
			m.GuildID,
			"",
		); ensureErr != nil {
			logger.ErrorContext(
				ctx,
				"error lazily creating guild config",
				tint.Err(ensureErr),
				"guild_id", m.GuildID,
			)
		} else {
			logger.InfoContext(
				ctx,
				"lazily created guild config",
				"guild_id", m.GuildID,
			)
		}
		return
	}
	if !config.LevelingEnabled {
		return
	}

	award, err := lb.xp.AwardXP(ctx, user.ID, m.GuildID, time.Now())
	if err != nil {
		logger.ErrorContext(
			ctx,
			"error awarding xp",
			tint.Err(err),
			columnUserID, user.ID,
			"guild_id", m.GuildID,
		)
		return
	}
	if award == nil || !award.LeveledUp {
		return
	}

	if sendErr := lb.discord.channelMessageSend(
		m.ChannelID,
		fmt.Sprintf(
			"congrats <@%s>, you reached level **%d**!",
			user.ID,
			award.NewLevel,
		),
	); sendErr != nil {
		logger.ErrorContext(ctx, "error sending level-up message", tint.Err(sendErr))
	}
}

// handleGuildJoin idempotently creates the guild's config row, then
// refreshes bot stats. The two operations are failure-isolated: a
// stats failure never prevents config creation, and vice versa.
func (lb *LevelBot) handleGuildJoin(
	ctx context.Context,
	g *discordgo.GuildCreate,
) {
	ctx, logger := lb.getLogger(ctx)

	if g.Guild == nil {
		logger.WarnContext(ctx, "guild create event with no guild")
		return
	}

	config, created, err := lb.writeDB.EnsureGuildConfig(ctx, g.ID, g.Name)
	switch {
	case err != nil:
		logger.ErrorContext(
			ctx,
			"error creating guild config",
			tint.Err(err),
			"guild_id", g.ID,
		)
	case created:
		logger.InfoContext(ctx, "created guild config", "guild_config", *config)
	default:
		logger.DebugContext(ctx, "guild config already exists", "guild_id", g.ID)
	}

	lb.refreshBotStats(ctx)
}

// handleGuildLeave refreshes bot stats. The guild's config row is
// intentionally retained in case the bot is re-added later.
func (lb *LevelBot) handleGuildLeave(
	ctx context.Context,
	g *discordgo.GuildDelete,
) {
	ctx, logger := lb.getLogger(ctx)
	logger.InfoContext(ctx, "left guild", "guild_id", g.ID)
	lb.refreshBotStats(ctx)
}

// refreshBotStats recomputes aggregate statistics from the live
// session state and fully overwrites the BotStats row. Skipped when
// the rate limiter denies (join/leave bursts); failures are logged and
// swallowed, leaving stale stats until the next successful recompute.
func (lb *LevelBot) refreshBotStats(ctx context.Context) {
	ctx, logger := lb.getLogger(ctx)

	if !lb.statsLimiter.Allow() {
		logger.DebugContext(ctx, "stats refresh rate-limited, skipping")
		return
	}

	stats := computeStats(
		lb.discord.session.GuildSnapshots(),
		lb.startedAt,
		time.Now(),
	)
	if err := lb.writeDB.SaveBotStats(ctx, &stats); err != nil {
		logger.ErrorContext(ctx, "error saving bot stats", tint.Err(err))
		return
	}
	logger.InfoContext(ctx, "recorded bot stats", "bot_stats", stats)
}

// shutdown closes the discord session, shuts down the API server, and
// closes the database connection, bounded by ShutdownTimeout.
func (lb *LevelBot) shutdown(ctx context.Context) error {
	logger := lb.logger
	logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(ctx, lb.config.ShutdownTimeout)
	defer cancel()

	var errs []error

	for _, removeHandler := range lb.discord.discordgoRemoveHandlerFuncs {
		removeHandler()
	}

	if lb.discord.session != nil {
		if err := lb.discord.session.Close(); err != nil {
			logger.Error("error closing discord session", tint.Err(err))
			errs = append(errs, err)
		}
	}

	if lb.api != nil && lb.api.httpServer != nil {
		if err := lb.api.httpServer.Shutdown(ctx); err != nil {
			logger.Error("error shutting down api server", tint.Err(err))
			errs = append(errs, err)
		}
	}

	if lb.db != nil {
		sqlDB, err := lb.db.DB()
		if err == nil && sqlDB != nil {
			if closeErr := sqlDB.Close(); closeErr != nil {
				logger.Error("error closing database", tint.Err(closeErr))
				errs = append(errs, closeErr)
			}
		}
	}

	select {
	case lb.eventShutdown <- struct{}{}:
	default:
	}
	logger.Info("shutdown complete")
	return errors.Join(errs...)
}
