package guild

import (
	"context"

	"github.com/kasuganosora/guildserver/model"
	"github.com/kasuganosora/guildserver/serial"
	"github.com/kasuganosora/guildserver/store"
)

const maxLogLimit = 200

// GetGuildByID reads the guild through its serializer key, so it observes
// every mutation submitted before it.
func (svc *Service) GetGuildByID(ctx context.Context, guildID int64) (*model.Guild, error) {
	sub := subject{guildID: guildID}
	return call(ctx, svc, "GetGuildByID", sub, []serial.Key{serial.GuildKey(guildID)}, func(ctx context.Context) (*model.Guild, error) {
		return svc.loadGuild(ctx, svc.store, guildID)
	})
}

// GetGuildByName looks a guild up case-insensitively.
func (svc *Service) GetGuildByName(ctx context.Context, name string) (*model.Guild, error) {
	g, err := call(ctx, svc, "GetGuildByName", subject{}, nil, func(ctx context.Context) (*model.Guild, error) {
		g, err := svc.store.GetGuildByName(ctx, nameKey(name))
		if err != nil {
			return nil, notFoundAs(ErrGuildNotFound, "get guild by name", err)
		}
		return g, nil
	})
	if err != nil {
		return nil, err
	}
	// Re-read on the keyed path; the name may have changed in between.
	g, err = svc.GetGuildByID(ctx, g.ID)
	if err != nil {
		return nil, err
	}
	if g.NameKey != nameKey(name) {
		return nil, ErrGuildNotFound
	}
	return g, nil
}

// GetPlayerGuild returns the guild playerID belongs to and their membership.
func (svc *Service) GetPlayerGuild(ctx context.Context, playerID int64) (*model.Guild, *model.GuildMember, error) {
	type result struct {
		g *model.Guild
		m *model.GuildMember
	}
	keys := []serial.Key{serial.PlayerKey(playerID)}
	res, err := call(ctx, svc, "GetPlayerGuild", subject{actorID: playerID}, keys, func(ctx context.Context) (result, error) {
		m, err := svc.store.GetMember(ctx, playerID)
		if err != nil {
			return result{}, notFoundAs(ErrNotMember, "get member", err)
		}
		g, err := svc.loadGuild(ctx, svc.store, m.GuildID)
		if err != nil {
			return result{}, err
		}
		return result{g, m}, nil
	})
	return res.g, res.m, err
}

// ListGuilds returns a page of guilds and the total count. It reads without
// locking and may not reflect in-flight mutations.
func (svc *Service) ListGuilds(ctx context.Context, opts store.ListOptions) ([]model.Guild, int64, error) {
	type page struct {
		guilds []model.Guild
		total  int64
	}
	p, err := call(ctx, svc, "ListGuilds", subject{}, nil, func(ctx context.Context) (page, error) {
		guilds, err := svc.store.ListGuilds(ctx, opts)
		if err != nil {
			return page{}, internal("list guilds", err)
		}
		total, err := svc.store.CountGuilds(ctx)
		if err != nil {
			return page{}, internal("count guilds", err)
		}
		return page{guilds, total}, nil
	})
	return p.guilds, p.total, err
}

// ListMembers returns the guild roster ordered leader, officers, members.
func (svc *Service) ListMembers(ctx context.Context, guildID int64) ([]model.GuildMember, error) {
	return call(ctx, svc, "ListMembers", subject{guildID: guildID}, nil, func(ctx context.Context) ([]model.GuildMember, error) {
		if _, err := svc.loadGuild(ctx, svc.store, guildID); err != nil {
			return nil, err
		}
		members, err := svc.store.ListMembers(ctx, guildID)
		if err != nil {
			return nil, internal("list members", err)
		}
		return members, nil
	})
}

// GetMemberCount returns the number of members in the guild.
func (svc *Service) GetMemberCount(ctx context.Context, guildID int64) (int, error) {
	return call(ctx, svc, "GetMemberCount", subject{guildID: guildID}, nil, func(ctx context.Context) (int, error) {
		if _, err := svc.loadGuild(ctx, svc.store, guildID); err != nil {
			return 0, err
		}
		n, err := svc.store.CountMembers(ctx, guildID)
		if err != nil {
			return 0, internal("count members", err)
		}
		return n, nil
	})
}

// ListRelations returns the guild's pending and active relations as they
// read now, with lazy expiry applied to the view.
func (svc *Service) ListRelations(ctx context.Context, guildID int64) ([]model.GuildRelation, error) {
	return call(ctx, svc, "ListRelations", subject{guildID: guildID}, nil, func(ctx context.Context) ([]model.GuildRelation, error) {
		if _, err := svc.loadGuild(ctx, svc.store, guildID); err != nil {
			return nil, err
		}
		rows, err := svc.store.ListRelations(ctx, guildID)
		if err != nil {
			return nil, internal("list relations", err)
		}
		now := svc.now()
		out := make([]model.GuildRelation, 0, len(rows))
		for _, r := range rows {
			if eff, live := effectiveRelation(r, now); live {
				out = append(out, eff)
			}
		}
		return out, nil
	})
}

// ListInvitations returns playerID's unexpired invitations.
func (svc *Service) ListInvitations(ctx context.Context, playerID int64) ([]Invitation, error) {
	return call(ctx, svc, "ListInvitations", subject{actorID: playerID}, nil, func(ctx context.Context) ([]Invitation, error) {
		return svc.listInvitations(ctx, playerID)
	})
}

// ListLogs returns the guild's newest log entries, at most limit of them.
// Pending audit entries are flushed first.
func (svc *Service) ListLogs(ctx context.Context, guildID int64, limit int) ([]model.GuildLog, error) {
	if limit <= 0 || limit > maxLogLimit {
		limit = maxLogLimit
	}
	return call(ctx, svc, "ListLogs", subject{guildID: guildID}, nil, func(ctx context.Context) ([]model.GuildLog, error) {
		svc.audit.Flush(ctx)
		logs, err := svc.store.ListLogs(ctx, guildID, limit)
		if err != nil {
			return nil, internal("list logs", err)
		}
		return logs, nil
	})
}
