package levelbot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	// discordErrorMessage is the generic failure notice sent to the
	// invoker when a command handler fails. The underlying error is
	// only ever logged and audit-recorded, never shown.
	discordErrorMessage = "sorry, something went wrong!"

	// discordUnknownCommandMessage is sent when an interaction names a
	// command that isn't registered
	discordUnknownCommandMessage = "sorry, I don't know that command!"
)

// InteractionHandler wraps the request-specific Discord calls for one
// interaction, tracking whether a response has already been issued so
// later replies can choose between an initial response and a follow-up.
type InteractionHandler interface {
	// Respond sends an initial response to a Discord interaction
	Respond(ctx context.Context, i *discordgo.InteractionResponse) error

	// Followup sends a follow-up message for an interaction that was
	// already responded to or deferred
	Followup(ctx context.Context, content string, ephemeral bool) error

	// Responded reports whether an initial response (including a
	// deferral) has been issued for this interaction
	Responded() bool

	// GetInteraction returns the original InteractionCreate event
	GetInteraction() *discordgo.InteractionCreate

	// Logger returns the logger associated with this handler
	Logger() *slog.Logger
}

// GatewayHandler implements [InteractionHandler] for interactions
// received via the discord websocket gateway.
type GatewayHandler struct {
	session     DiscordSessionHandler
	interaction *discordgo.InteractionCreate
	logger      *slog.Logger
	responded   *atomic.Bool
}

func newGatewayHandler(
	session DiscordSessionHandler,
	i *discordgo.InteractionCreate,
	logger *slog.Logger,
) GatewayHandler {
	return GatewayHandler{
		session:     session,
		interaction: i,
		logger:      logger,
		responded:   &atomic.Bool{},
	}
}

func (w GatewayHandler) Respond(
	ctx context.Context,
	response *discordgo.InteractionResponse,
) error {
	err := w.session.InteractionRespond(w.interaction.Interaction, response)
	if err != nil {
		w.logger.ErrorContext(ctx, "error responding to interaction", tint.Err(err))
		return err
	}
	w.responded.Store(true)
	w.logger.InfoContext(ctx, "responded to interaction")
	return nil
}

func (w GatewayHandler) Followup(
	ctx context.Context,
	content string,
	ephemeral bool,
) error {
	params := &discordgo.WebhookParams{Content: content}
	if ephemeral {
		params.Flags = discordgo.MessageFlagsEphemeral
	}
	_, err := w.session.FollowupMessageCreate(
		w.interaction.Interaction,
		true,
		params,
	)
	if err != nil {
		w.logger.ErrorContext(ctx, "error sending followup", tint.Err(err))
	}
	return err
}

func (w GatewayHandler) Responded() bool {
	return w.responded.Load()
}

func (w GatewayHandler) GetInteraction() *discordgo.InteractionCreate {
	return w.interaction
}

func (w GatewayHandler) Logger() *slog.Logger {
	return w.logger
}

// dispatch resolves a slash-command name against the registry and runs
// its handler under a failure boundary. It never propagates errors to
// the gateway: execution errors become a generic user-facing notice
// plus a failed audit record, and audit-write failures are themselves
// swallowed after logging.
//
// Unknown command names get a "not found" ephemeral reply and are
// deliberately not audit-logged - only resolved commands produce a
// CommandUsage row.
func (lb *LevelBot) dispatch(
	ctx context.Context,
	handler InteractionHandler,
) {
	i := handler.GetInteraction()
	logger := handler.Logger()
	commandName := i.ApplicationCommandData().Name

	cmd, ok := lb.commands[commandName]
	if !ok {
		logger.WarnContext(ctx, "unknown command", "command_name", commandName)
		lb.sendFailureNotice(ctx, handler, discordUnknownCommandMessage)
		return
	}

	execErr := lb.runCommand(ctx, cmd, handler)

	usage := newCommandUsage(i, commandName, execErr)
	if _, logErr := lb.writeDB.Create(ctx, usage); logErr != nil {
		// Best-effort: a failed audit write never affects the outcome
		// reported to the user, and isn't retried.
		logger.ErrorContext(
			ctx,
			"error writing command usage record",
			tint.Err(logErr),
			"command_usage", *usage,
		)
	}

	if execErr != nil {
		logger.ErrorContext(
			ctx,
			"command failed",
			tint.Err(execErr),
			"command_name", commandName,
		)
		lb.sendFailureNotice(ctx, handler, discordErrorMessage)
	}
}

// runCommand executes the handler, converting panics into errors so a
// misbehaving command can't take down the gateway event loop.
func (lb *LevelBot) runCommand(
	ctx context.Context,
	cmd SlashCommand,
	handler InteractionHandler,
) (err error) {
	defer func() {
		if rc := recover(); rc != nil {
			handler.Logger().ErrorContext(
				ctx,
				"recovered from panic in command handler",
				"panic_arg", rc,
				"stack_trace", string(debug.Stack()),
			)
			if rcErr, ok := rc.(error); ok {
				err = rcErr
				return
			}
			err = fmt.Errorf("%v", rc)
		}
	}()
	return cmd.Execute(ctx, lb, handler)
}

// sendFailureNotice sends the given notice as an initial reply, or as
// a follow-up when a response (or deferral) was already issued for the
// interaction. Delivery errors are logged and dropped.
func (lb *LevelBot) sendFailureNotice(
	ctx context.Context,
	handler InteractionHandler,
	notice string,
) {
	if handler.Responded() {
		_ = handler.Followup(ctx, notice, true)
		return
	}
	_ = handler.Respond(
		ctx,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{
				Content: notice,
				Flags:   discordgo.MessageFlagsEphemeral,
			},
		},
	)
}

// newCommandUsage builds the audit record for a resolved invocation.
// ExecutionTime is measured from the interaction's creation timestamp
// (its snowflake), so it reflects pipeline latency including gateway
// queueing, not just handler runtime.
func newCommandUsage(
	i *discordgo.InteractionCreate,
	commandName string,
	execErr error,
) *CommandUsage {
	now := time.Now().UTC()
	usage := &CommandUsage{
		CommandName: commandName,
		GuildID:     i.GuildID,
		Success:     execErr == nil,
		UsedAt:      now.UnixMilli(),
	}
	if u := getDiscordUser(i); u != nil {
		usage.UserID = u.ID
	}
	if created, err := discordgo.SnowflakeTimestamp(i.ID); err == nil {
		usage.ExecutionTime = Duration{now.Sub(created)}
	}
	if execErr != nil {
		usage.ErrorMessage = NullableString(execErr.Error())
	}
	return usage
}

// interactionLogAttrs returns common slog attrs for an interaction
func interactionLogAttrs(i discordgo.InteractionCreate) []any {
	logAttrs := []any{
		"id", i.ID,
		"type", i.Type.String(),
	}
	if i.ChannelID != "" {
		logAttrs = append(logAttrs, "channel_id", i.ChannelID)
	}
	if i.GuildID != "" {
		logAttrs = append(logAttrs, "guild_id", i.GuildID)
	}
	if i.AppID != "" {
		logAttrs = append(logAttrs, "app_id", i.AppID)
	}

	return logAttrs
}

var errNoUser = errors.New("no user found in interaction")
