// Package store persists guilds, members, relations and audit logs.
//
// Stores hold no domain rules. Callers check invariants first and run the
// write while holding the entity's serializer key; the store only enforces
// the physical indexes (primary keys, name/tag uniqueness, one guild per player).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/kasuganosora/guildserver/model"
)

var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrDuplicate is returned when a write violates a unique index.
	ErrDuplicate = errors.New("store: duplicate key")
)

// ListOptions pages and filters ListGuilds. Zero Limit means no limit.
type ListOptions struct {
	Offset int
	Limit  int
	// Search matches a substring of the lower-cased guild name.
	Search string
}

// Store is the entity store used by the guild service.
type Store interface {
	GetGuild(ctx context.Context, id int64) (*model.Guild, error)
	// GetGuildByName looks up by the lower-cased name key.
	GetGuildByName(ctx context.Context, nameKey string) (*model.Guild, error)
	GetGuildByTag(ctx context.Context, tagKey string) (*model.Guild, error)
	ListGuilds(ctx context.Context, opts ListOptions) ([]model.Guild, error)
	CountGuilds(ctx context.Context) (int64, error)
	// InsertGuild assigns g.ID.
	InsertGuild(ctx context.Context, g *model.Guild) error
	UpdateGuild(ctx context.Context, g *model.Guild) error
	DeleteGuild(ctx context.Context, id int64) error

	GetMember(ctx context.Context, playerID int64) (*model.GuildMember, error)
	ListMembers(ctx context.Context, guildID int64) ([]model.GuildMember, error)
	CountMembers(ctx context.Context, guildID int64) (int, error)
	InsertMember(ctx context.Context, m *model.GuildMember) error
	UpdateMember(ctx context.Context, m *model.GuildMember) error
	DeleteMember(ctx context.Context, playerID int64) error
	DeleteMembers(ctx context.Context, guildID int64) error

	GetRelation(ctx context.Context, id int64) (*model.GuildRelation, error)
	// ListRelations returns every row involving guildID, oldest first.
	ListRelations(ctx context.Context, guildID int64) ([]model.GuildRelation, error)
	// ListPairRelations returns every row for the pair, in either order.
	ListPairRelations(ctx context.Context, a, b int64) ([]model.GuildRelation, error)
	// ListDueRelations returns pending or active rows whose ExpiresAt is not after t.
	ListDueRelations(ctx context.Context, t time.Time) ([]model.GuildRelation, error)
	InsertRelation(ctx context.Context, r *model.GuildRelation) error
	UpdateRelation(ctx context.Context, r *model.GuildRelation) error
	DeleteRelation(ctx context.Context, id int64) error

	AppendLogs(ctx context.Context, logs []model.GuildLog) error
	// ListLogs returns the newest entries first.
	ListLogs(ctx context.Context, guildID int64, limit int) ([]model.GuildLog, error)

	// WithTx runs fn against a transactional view. fn's writes are applied
	// together if it returns nil and discarded otherwise.
	WithTx(ctx context.Context, fn func(tx Store) error) error
}

// canonical orders a guild pair smaller id first.
func canonical(a, b int64) (int64, int64) {
	if a > b {
		return b, a
	}
	return a, b
}
