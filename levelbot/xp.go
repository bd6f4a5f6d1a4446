package levelbot

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"
)

// XPAward reports the outcome of a successful experience award.
type XPAward struct {
	// XPGained is the random delta applied by this award
	XPGained int64 `json:"xp_gained"`

	// NewXP is the cumulative total after the award
	NewXP int64 `json:"new_xp"`

	// NewLevel is the level derived from NewXP
	NewLevel int `json:"new_level"`

	// LeveledUp is true when NewLevel strictly exceeds the previously
	// stored level
	LeveledUp bool `json:"leveled_up"`
}

func (a XPAward) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int64("xp_gained", a.XPGained),
		slog.Int64("new_xp", a.NewXP),
		slog.Int("new_level", a.NewLevel),
		slog.Bool("leveled_up", a.LeveledUp),
	)
}

// XPEngine awards experience points for qualifying messages, enforcing
// a per-(user, guild) cooldown, deriving the level from the cumulative
// total, and detecting level-up transitions. The engine only reports a
// level-up - the caller is responsible for congratulating the user, so
// the engine stays testable in isolation.
type XPEngine struct {
	db     DBI
	config *XPConfig
	logger *slog.Logger

	// randInt returns a uniform random integer in [min, max] inclusive.
	// Swappable for deterministic tests.
	randInt func(min int, max int) int

	keys keyedMutex
}

// NewXPEngine returns an XPEngine backed by the given database. If
// config is nil, defaults are used; if log is nil, slog.Default().
func NewXPEngine(db DBI, config *XPConfig, log *slog.Logger) *XPEngine {
	if config == nil {
		config = &XPConfig{
			Cooldown: DefaultXPCooldown,
			MinGain:  DefaultXPGainMin,
			MaxGain:  DefaultXPGainMax,
		}
	}
	if log == nil {
		log = slog.Default()
	}
	return &XPEngine{
		db:     db,
		config: config,
		logger: log.With(loggerNameKey, "xp"),
		randInt: func(min int, max int) int {
			return min + rand.Intn(max-min+1)
		},
	}
}

// levelFromXP derives the level for a cumulative XP total. The level
// is always recomputed from the full total, never incremented, so it's
// self-correcting against any historical data.
func levelFromXP(xp int64) int {
	if xp <= 0 {
		return 0
	}
	return int(math.Floor(0.1 * math.Sqrt(float64(xp))))
}

// AwardXP applies one qualifying message for (userID, guildID) at the
// given time. A nil award with a nil error means the cooldown gate
// suppressed the award: nothing was written and no reply should be
// sent.
//
// Callers are expected to have already checked that leveling is
// enabled for the guild - that gate belongs to the caller, not the
// engine.
func (e *XPEngine) AwardXP(
	ctx context.Context,
	userID string,
	guildID string,
	now time.Time,
) (*XPAward, error) {
	// The read-then-write below isn't atomic with respect to other
	// awards for the same key, so two messages landing within the same
	// cooldown window could otherwise both pass the gate. A per-key
	// mutex closes that window without touching the store.
	key := userID + "\x00" + guildID
	unlock := e.keys.lock(key)
	defer unlock()

	existing, err := e.db.GetUserLevel(ctx, userID, guildID)
	if err != nil {
		return nil, fmt.Errorf("error fetching user level: %w", err)
	}

	nowMilli := now.UTC().UnixMilli()

	if existing != nil {
		elapsed := time.Duration(nowMilli-existing.LastXPGain) * time.Millisecond
		if elapsed < e.config.Cooldown {
			e.logger.DebugContext(
				ctx,
				"cooldown active, no award",
				columnUserID, userID,
				"guild_id", guildID,
				"elapsed", elapsed,
			)
			return nil, nil
		}
	}

	gained := int64(e.randInt(e.config.MinGain, e.config.MaxGain))

	var priorXP int64
	var priorLevel int
	if existing != nil {
		priorXP = existing.XP
		priorLevel = existing.Level
	}

	newXP := priorXP + gained
	newLevel := levelFromXP(newXP)

	award := &XPAward{
		XPGained:  gained,
		NewXP:     newXP,
		NewLevel:  newLevel,
		LeveledUp: newLevel > priorLevel,
	}

	if existing == nil {
		level := &UserLevel{
			UserID:       userID,
			GuildID:      guildID,
			XP:           newXP,
			Level:        newLevel,
			MessagesSent: 1,
			LastXPGain:   nowMilli,
		}
		if _, createErr := e.db.Create(ctx, level); createErr != nil {
			return nil, fmt.Errorf("error creating user level: %w", createErr)
		}
		e.logger.InfoContext(
			ctx,
			"first contribution",
			"user_level", *level,
			"award", *award,
		)
		return award, nil
	}

	if _, updErr := e.db.Updates(
		ctx,
		existing,
		map[string]any{
			columnUserLevelXP:           newXP,
			columnUserLevelLevel:        newLevel,
			columnUserLevelMessagesSent: existing.MessagesSent + 1,
			columnUserLevelLastXPGain:   nowMilli,
		},
	); updErr != nil {
		return nil, fmt.Errorf("error updating user level: %w", updErr)
	}

	e.logger.DebugContext(
		ctx,
		"awarded xp",
		columnUserID, userID,
		"guild_id", guildID,
		"award", *award,
	)
	return award, nil
}

// keyedMutex provides one mutex per string key. Entries are retained
// for the process lifetime; each entry is two words, and the key space
// (active user/guild pairs) is small.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (k *keyedMutex) lock(key string) (unlock func()) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = map[string]*sync.Mutex{}
	}
	l, ok := k.locks[key]
	if !ok {
		l = &sync.Mutex{}
		k.locks[key] = l
	}
	k.mu.Unlock()
	l.Lock()
	return l.Unlock
}
