// Package guild is the guild coordination service: lifecycle, membership,
// treasury and diplomacy operations executed safely under concurrent callers.
//
// Every mutating operation runs on the per-entity serializer under the keys of
// the guilds (and players or guild pairs) it touches, so operations on one
// guild are applied one at a time in submission order while unrelated guilds
// proceed in parallel.
package guild

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kasuganosora/guildserver/audit"
	"github.com/kasuganosora/guildserver/cache"
	"github.com/kasuganosora/guildserver/config"
	"github.com/kasuganosora/guildserver/events"
	"github.com/kasuganosora/guildserver/metrics"
	"github.com/kasuganosora/guildserver/model"
	"github.com/kasuganosora/guildserver/plugin/hook"
	"github.com/kasuganosora/guildserver/serial"
	"github.com/kasuganosora/guildserver/store"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
)

// Wallet is the player purse the treasury moves gold in and out of.
// Debit reports false when the player cannot afford the amount.
type Wallet interface {
	Debit(ctx context.Context, playerID, amount int64) (bool, error)
	Credit(ctx context.Context, playerID, amount int64) (bool, error)
	BalanceOf(ctx context.Context, playerID int64) (int64, error)
}

// Clock supplies timestamps.
type Clock interface {
	Now() time.Time
}

// SystemClock is the wall clock in UTC.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// Authorizer answers the admin capability check.
type Authorizer interface {
	IsAdmin(ctx context.Context, playerID int64) bool
}

// AdminList grants the admin capability to a fixed set of players.
type AdminList map[int64]struct{}

// NewAdminList builds an AdminList from configured player IDs.
func NewAdminList(ids []int64) AdminList {
	l := make(AdminList, len(ids))
	for _, id := range ids {
		l[id] = struct{}{}
	}
	return l
}

func (l AdminList) IsAdmin(_ context.Context, playerID int64) bool {
	_, ok := l[playerID]
	return ok
}

// Auditor records guild log entries. *audit.Service satisfies it.
type Auditor interface {
	Log(entry audit.Entry)
	Flush(ctx context.Context)
}

type nopAuditor struct{}

func (nopAuditor) Log(audit.Entry)       {}
func (nopAuditor) Flush(context.Context) {}

// Options wires the service's collaborators. Store, Cache and Wallet are
// required; everything else has a usable default.
type Options struct {
	Store      store.Store
	Cache      cache.Cache
	Wallet     Wallet
	Clock      Clock
	Authorizer Authorizer
	Hooks      *hook.HookCenter
	Audit      Auditor
	Bus        events.Bus
	Config     config.GuildConfig
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
	Tracer     trace.Tracer
	Serializer *serial.Serializer
}

// Service coordinates all guild mutations.
type Service struct {
	store   store.Store
	cache   cache.Cache
	wallet  Wallet
	clock   Clock
	auth    Authorizer
	hooks   *hook.HookCenter
	audit   Auditor
	bus     events.Bus
	cfg     config.GuildConfig
	logger  *zap.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
	serial  *serial.Serializer
}

// NewService creates a guild Service.
func NewService(opts Options) (*Service, error) {
	if opts.Store == nil || opts.Cache == nil || opts.Wallet == nil {
		return nil, errors.New("guild: store, cache and wallet are required")
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}
	svc := &Service{
		store:   opts.Store,
		cache:   opts.Cache,
		wallet:  opts.Wallet,
		clock:   opts.Clock,
		auth:    opts.Authorizer,
		hooks:   opts.Hooks,
		audit:   opts.Audit,
		bus:     opts.Bus,
		cfg:     opts.Config,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		tracer:  opts.Tracer,
		serial:  opts.Serializer,
	}
	if svc.clock == nil {
		svc.clock = SystemClock{}
	}
	if svc.auth == nil {
		svc.auth = AdminList(nil)
	}
	if svc.audit == nil {
		svc.audit = nopAuditor{}
	}
	if svc.bus == nil {
		svc.bus = events.Nop{}
	}
	if svc.logger == nil {
		svc.logger = zap.NewNop()
	}
	if svc.tracer == nil {
		svc.tracer = noop.NewTracerProvider().Tracer("guild")
	}
	if svc.serial == nil {
		svc.serial = serial.New()
	}
	return svc, nil
}

// Serializer exposes the service's serializer, e.g. for the active-keys gauge.
func (svc *Service) Serializer() *serial.Serializer { return svc.serial }

// Config returns the limits the service enforces.
func (svc *Service) Config() config.GuildConfig { return svc.cfg }

func (svc *Service) now() time.Time { return svc.clock.Now() }

// ---- shared guards ----

func (svc *Service) loadGuild(ctx context.Context, st store.Store, id int64) (*model.Guild, error) {
	g, err := st.GetGuild(ctx, id)
	if err != nil {
		return nil, notFoundAs(ErrGuildNotFound, "get guild", err)
	}
	return g, nil
}

// loadActive loads a guild that is allowed to change.
func (svc *Service) loadActive(ctx context.Context, st store.Store, id int64) (*model.Guild, error) {
	g, err := svc.loadGuild(ctx, st, id)
	if err != nil {
		return nil, err
	}
	if g.Frozen {
		return nil, ErrFrozen
	}
	return g, nil
}

// memberOf returns playerID's membership row in guildID.
func (svc *Service) memberOf(ctx context.Context, st store.Store, guildID, playerID int64) (*model.GuildMember, error) {
	m, err := st.GetMember(ctx, playerID)
	if err != nil {
		return nil, notFoundAs(ErrNotMember, "get member", err)
	}
	if m.GuildID != guildID {
		return nil, ErrNotMember
	}
	return m, nil
}

// requireRole returns the member if their role is at least min; denied otherwise.
func (svc *Service) requireRole(ctx context.Context, st store.Store, guildID, playerID int64, min model.GuildRole, denied *Error) (*model.GuildMember, error) {
	m, err := svc.memberOf(ctx, st, guildID, playerID)
	if err != nil {
		if errors.Is(err, ErrNotMember) {
			return nil, denied
		}
		return nil, err
	}
	if m.Role > min {
		return nil, denied
	}
	return m, nil
}

func (svc *Service) requireLeader(ctx context.Context, st store.Store, guildID, playerID int64) (*model.GuildMember, error) {
	return svc.requireRole(ctx, st, guildID, playerID, model.GuildRoleLeader, ErrNotLeader)
}

func (svc *Service) requireOfficer(ctx context.Context, st store.Store, guildID, playerID int64) (*model.GuildMember, error) {
	return svc.requireRole(ctx, st, guildID, playerID, model.GuildRoleOfficer, ErrNoPermission)
}

func (svc *Service) isAdmin(ctx context.Context, playerID int64) bool {
	return svc.auth.IsAdmin(ctx, playerID)
}

// ensureUnaffiliated fails with ErrAlreadyInGuild when the player has a membership row.
func (svc *Service) ensureUnaffiliated(ctx context.Context, st store.Store, playerID int64) error {
	_, err := st.GetMember(ctx, playerID)
	switch {
	case err == nil:
		return ErrAlreadyInGuild
	case errors.Is(err, store.ErrNotFound):
		return nil
	default:
		return internal("get member", err)
	}
}

// veto consults the hook chain.
func (svc *Service) veto(ctx context.Context, req hook.Request) error {
	if err := svc.hooks.Trigger(ctx, req); err != nil {
		return ErrVetoed.with(err)
	}
	return nil
}

func (svc *Service) saveGuild(ctx context.Context, st store.Store, g *model.Guild) error {
	g.UpdatedAt = svc.now()
	if err := st.UpdateGuild(ctx, g); err != nil {
		return internal("update guild", err)
	}
	return nil
}

// emit publishes ev and records it in the guild log. Publish failures are
// logged only; the mutation has already been committed.
func (svc *Service) emit(ctx context.Context, ev events.Event, description string) {
	if ev.At.IsZero() {
		ev.At = svc.now()
	}
	svc.audit.Log(audit.Entry{
		GuildID:     ev.GuildID,
		ActorID:     ev.ActorID,
		Type:        string(ev.Type),
		Description: description,
		Details:     ev.Data,
		TraceID:     TraceIDFrom(ctx),
		At:          ev.At,
	})
	if err := svc.bus.Publish(ctx, ev); err != nil {
		svc.logger.Warn("publish guild event failed",
			zap.String("type", string(ev.Type)), zap.Int64("guild_id", ev.GuildID), zap.Error(err))
	}
}

func describe(format string, args ...any) string {
	return fmt.Sprintf(format, args...)
}
