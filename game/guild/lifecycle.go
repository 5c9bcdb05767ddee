package guild

import (
	"context"
	"errors"
	"time"

	"github.com/kasuganosora/guildserver/events"
	"github.com/kasuganosora/guildserver/model"
	"github.com/kasuganosora/guildserver/plugin/hook"
	"github.com/kasuganosora/guildserver/serial"
	"github.com/kasuganosora/guildserver/store"
	"go.uber.org/zap"
)

const minReserveTTL = 30 * time.Second

// CreateParams describes a new guild. Tag and Description may be empty.
type CreateParams struct {
	FounderID   int64
	Name        string
	Tag         string
	Description string
}

func (svc *Service) maxMembers(level int) int {
	return svc.cfg.MembersBase + svc.cfg.MembersPerLevel*(level-1)
}

func (svc *Service) reserveTTL() time.Duration {
	return max(svc.cfg.OpTimeout, minReserveTTL)
}

// claimNames reserves the name and tag keys in the cache and checks they are
// free in the store. Empty values are skipped. selfID is the guild allowed to
// already own them (0 on create). The returned func drops the reservations.
func (svc *Service) claimNames(ctx context.Context, selfID int64, name, tag string) (func(), error) {
	var held []string
	release := func() {
		if len(held) == 0 {
			return
		}
		if err := svc.cache.Del(context.WithoutCancel(ctx), held...); err != nil {
			svc.logger.Warn("release name reservation", zap.Strings("keys", held), zap.Error(err))
		}
	}

	claim := func(kind, key string, lookup func(context.Context, string) (*model.Guild, error), taken *Error) error {
		rk := "guild:reserve:" + kind + ":" + key
		ok, err := svc.cache.SetNX(ctx, rk, "1", svc.reserveTTL())
		if err != nil {
			return internal("reserve "+kind, err)
		}
		if !ok {
			return ErrConflict.withMsg("guild %s %q is being claimed, try again", kind, key)
		}
		held = append(held, rk)
		g, err := lookup(ctx, key)
		switch {
		case errors.Is(err, store.ErrNotFound):
			return nil
		case err != nil:
			return internal("lookup "+kind, err)
		case g.ID != selfID:
			return taken
		}
		return nil
	}

	if name != "" {
		if err := claim("name", nameKey(name), svc.store.GetGuildByName, ErrNameTaken); err != nil {
			release()
			return nil, err
		}
	}
	if tag != "" {
		if err := claim("tag", nameKey(tag), svc.store.GetGuildByTag, ErrTagTaken); err != nil {
			release()
			return nil, err
		}
	}
	return release, nil
}

// explainDuplicate turns a unique index violation into the matching domain error.
func (svc *Service) explainDuplicate(ctx context.Context, err error, selfID int64, name, tag string, playerID int64) error {
	if !errors.Is(err, store.ErrDuplicate) {
		return internal("write guild", err)
	}
	if name != "" {
		if g, gerr := svc.store.GetGuildByName(ctx, nameKey(name)); gerr == nil && g.ID != selfID {
			return ErrNameTaken
		}
	}
	if tag != "" {
		if g, gerr := svc.store.GetGuildByTag(ctx, nameKey(tag)); gerr == nil && g.ID != selfID {
			return ErrTagTaken
		}
	}
	if playerID != 0 {
		if _, merr := svc.store.GetMember(ctx, playerID); merr == nil {
			return ErrAlreadyInGuild
		}
	}
	return ErrConflict.with(err)
}

// CreateGuild founds a guild with the founder as its leader.
func (svc *Service) CreateGuild(ctx context.Context, p CreateParams) (*model.Guild, error) {
	if err := validateName(svc.cfg, p.Name); err != nil {
		return nil, err
	}
	if err := validateTag(svc.cfg, p.Tag); err != nil {
		return nil, err
	}
	if err := validateDescription(svc.cfg, p.Description); err != nil {
		return nil, err
	}
	keys := []serial.Key{serial.PlayerKey(p.FounderID)}
	return call(ctx, svc, "CreateGuild", subject{actorID: p.FounderID}, keys, func(ctx context.Context) (*model.Guild, error) {
		if err := svc.veto(ctx, hook.Request{Event: hook.BeforeGuildCreate, ActorID: p.FounderID, Name: p.Name, Tag: p.Tag}); err != nil {
			return nil, err
		}
		if err := svc.ensureUnaffiliated(ctx, svc.store, p.FounderID); err != nil {
			return nil, err
		}
		release, err := svc.claimNames(ctx, 0, p.Name, p.Tag)
		if err != nil {
			return nil, err
		}
		defer release()

		now := svc.now()
		g := &model.Guild{
			Name:        p.Name,
			NameKey:     nameKey(p.Name),
			Tag:         p.Tag,
			TagKey:      tagKey(p.Tag),
			Description: p.Description,
			LeaderID:    p.FounderID,
			Level:       1,
			MaxMembers:  svc.maxMembers(1),
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		err = svc.store.WithTx(ctx, func(tx store.Store) error {
			if err := tx.InsertGuild(ctx, g); err != nil {
				return err
			}
			return tx.InsertMember(ctx, &model.GuildMember{
				GuildID: g.ID, PlayerID: p.FounderID, Role: model.GuildRoleLeader, JoinedAt: now,
			})
		})
		if err != nil {
			return nil, svc.explainDuplicate(ctx, err, 0, p.Name, p.Tag, p.FounderID)
		}
		svc.emit(ctx, events.Event{
			Type: events.GuildCreated, GuildID: g.ID, ActorID: p.FounderID,
			Data: map[string]any{"name": g.Name, "tag": g.Tag},
		}, describe("guild %q created", g.Name))
		return g, nil
	})
}

// DeleteGuild removes a guild, its members and cancels its relations.
// The leader or an admin may delete; only an admin may delete a frozen guild.
func (svc *Service) DeleteGuild(ctx context.Context, guildID, requesterID int64) error {
	sub := subject{guildID: guildID, actorID: requesterID}
	return exec(ctx, svc, "DeleteGuild", sub, []serial.Key{serial.GuildKey(guildID)}, func(ctx context.Context) error {
		g, err := svc.loadGuild(ctx, svc.store, guildID)
		if err != nil {
			return err
		}
		if !svc.isAdmin(ctx, requesterID) {
			if _, err := svc.requireLeader(ctx, svc.store, guildID, requesterID); err != nil {
				return err
			}
			if g.Frozen {
				return ErrFrozen
			}
		}
		if err := svc.veto(ctx, hook.Request{Event: hook.BeforeGuildDelete, GuildID: guildID, ActorID: requesterID}); err != nil {
			return err
		}

		now := svc.now()
		var cancelled []model.GuildRelation
		err = svc.store.WithTx(ctx, func(tx store.Store) error {
			cancelled = cancelled[:0]
			rels, err := tx.ListRelations(ctx, guildID)
			if err != nil {
				return err
			}
			for _, r := range rels {
				if r.Status.Terminal() {
					continue
				}
				r.Status = model.RelationCancelled
				r.UpdatedAt = now
				if err := tx.UpdateRelation(ctx, &r); err != nil {
					return err
				}
				cancelled = append(cancelled, r)
			}
			if err := tx.DeleteMembers(ctx, guildID); err != nil {
				return err
			}
			return tx.DeleteGuild(ctx, guildID)
		})
		if err != nil {
			return internal("delete guild", err)
		}
		svc.purgeGuildInvitations(ctx, guildID)

		svc.emit(ctx, events.Event{
			Type: events.GuildDeleted, GuildID: guildID, ActorID: requesterID,
			Data: map[string]any{"name": g.Name},
		}, describe("guild %q deleted", g.Name))
		for _, r := range cancelled {
			other := r.Other(guildID)
			svc.emit(ctx, events.Event{
				Type: events.RelationCancelled, GuildID: other, ActorID: requesterID, TargetID: guildID,
				Data: map[string]any{"type": string(r.Type), "reason": "guild_deleted"},
			}, describe("%s relation with guild %d cancelled: guild deleted", r.Type, guildID))
		}
		return nil
	})
}

// RenameGuild changes the guild name. Leader only.
func (svc *Service) RenameGuild(ctx context.Context, guildID, actorID int64, name string) (*model.Guild, error) {
	if err := validateName(svc.cfg, name); err != nil {
		return nil, err
	}
	sub := subject{guildID: guildID, actorID: actorID}
	return call(ctx, svc, "RenameGuild", sub, []serial.Key{serial.GuildKey(guildID)}, func(ctx context.Context) (*model.Guild, error) {
		g, err := svc.loadActive(ctx, svc.store, guildID)
		if err != nil {
			return nil, err
		}
		if _, err := svc.requireLeader(ctx, svc.store, guildID, actorID); err != nil {
			return nil, err
		}
		if g.Name == name {
			return g, nil
		}
		if err := svc.veto(ctx, hook.Request{Event: hook.BeforeGuildRename, GuildID: guildID, ActorID: actorID, Name: name}); err != nil {
			return nil, err
		}
		release, err := svc.claimNames(ctx, guildID, name, "")
		if err != nil {
			return nil, err
		}
		defer release()

		old := g.Name
		g.Name, g.NameKey = name, nameKey(name)
		if err := svc.saveGuild(ctx, svc.store, g); err != nil {
			return nil, svc.explainDuplicate(ctx, err, guildID, name, "", 0)
		}
		svc.emit(ctx, events.Event{
			Type: events.GuildRenamed, GuildID: guildID, ActorID: actorID,
			Data: map[string]any{"old": old, "new": name},
		}, describe("renamed from %q to %q", old, name))
		return g, nil
	})
}

// SetTag sets or, with an empty tag, clears the guild tag. Leader only.
func (svc *Service) SetTag(ctx context.Context, guildID, actorID int64, tag string) (*model.Guild, error) {
	if err := validateTag(svc.cfg, tag); err != nil {
		return nil, err
	}
	sub := subject{guildID: guildID, actorID: actorID}
	return call(ctx, svc, "SetTag", sub, []serial.Key{serial.GuildKey(guildID)}, func(ctx context.Context) (*model.Guild, error) {
		g, err := svc.loadActive(ctx, svc.store, guildID)
		if err != nil {
			return nil, err
		}
		if _, err := svc.requireLeader(ctx, svc.store, guildID, actorID); err != nil {
			return nil, err
		}
		if g.Tag == tag {
			return g, nil
		}
		release, err := svc.claimNames(ctx, guildID, "", tag)
		if err != nil {
			return nil, err
		}
		defer release()

		old := g.Tag
		g.Tag, g.TagKey = tag, tagKey(tag)
		if err := svc.saveGuild(ctx, svc.store, g); err != nil {
			return nil, svc.explainDuplicate(ctx, err, guildID, "", tag, 0)
		}
		svc.emit(ctx, events.Event{
			Type: events.GuildTagChanged, GuildID: guildID, ActorID: actorID,
			Data: map[string]any{"old": old, "new": tag},
		}, describe("tag changed from %q to %q", old, tag))
		return g, nil
	})
}

// SetDescription updates the guild description. Leader or officer.
func (svc *Service) SetDescription(ctx context.Context, guildID, actorID int64, description string) (*model.Guild, error) {
	if err := validateDescription(svc.cfg, description); err != nil {
		return nil, err
	}
	sub := subject{guildID: guildID, actorID: actorID}
	return call(ctx, svc, "SetDescription", sub, []serial.Key{serial.GuildKey(guildID)}, func(ctx context.Context) (*model.Guild, error) {
		g, err := svc.loadActive(ctx, svc.store, guildID)
		if err != nil {
			return nil, err
		}
		if _, err := svc.requireOfficer(ctx, svc.store, guildID, actorID); err != nil {
			return nil, err
		}
		g.Description = description
		if err := svc.saveGuild(ctx, svc.store, g); err != nil {
			return nil, err
		}
		svc.emit(ctx, events.Event{
			Type: events.GuildDescriptionChanged, GuildID: guildID, ActorID: actorID,
		}, "description changed")
		return g, nil
	})
}

// SetFrozen freezes or unfreezes a guild. Admin only; setting the current
// state again is a no-op.
func (svc *Service) SetFrozen(ctx context.Context, guildID, actorID int64, frozen bool) (*model.Guild, error) {
	sub := subject{guildID: guildID, actorID: actorID}
	return call(ctx, svc, "SetFrozen", sub, []serial.Key{serial.GuildKey(guildID)}, func(ctx context.Context) (*model.Guild, error) {
		if !svc.isAdmin(ctx, actorID) {
			return nil, ErrNotAdmin
		}
		g, err := svc.loadGuild(ctx, svc.store, guildID)
		if err != nil {
			return nil, err
		}
		if g.Frozen == frozen {
			return g, nil
		}
		g.Frozen = frozen
		if err := svc.saveGuild(ctx, svc.store, g); err != nil {
			return nil, err
		}
		typ, desc := events.GuildUnfrozen, "guild unfrozen"
		if frozen {
			typ, desc = events.GuildFrozen, "guild frozen"
		}
		svc.emit(ctx, events.Event{Type: typ, GuildID: guildID, ActorID: actorID}, desc)
		return g, nil
	})
}

func validateLocation(loc model.Location) error {
	if loc.MapID <= 0 || loc.X < 0 || loc.Y < 0 {
		return ErrInvalidArgument.withMsg("invalid home location")
	}
	switch loc.Direction {
	case 0, 2, 4, 6, 8:
		return nil
	}
	return ErrInvalidArgument.withMsg("invalid direction %d", loc.Direction)
}

// SetHome sets the guild's home location. Leader or officer.
func (svc *Service) SetHome(ctx context.Context, guildID, actorID int64, loc model.Location) (*model.Guild, error) {
	if err := validateLocation(loc); err != nil {
		return nil, err
	}
	return svc.updateHome(ctx, "SetHome", guildID, actorID, &loc)
}

// ClearHome removes the guild's home location. Leader or officer.
func (svc *Service) ClearHome(ctx context.Context, guildID, actorID int64) (*model.Guild, error) {
	return svc.updateHome(ctx, "ClearHome", guildID, actorID, nil)
}

func (svc *Service) updateHome(ctx context.Context, op string, guildID, actorID int64, loc *model.Location) (*model.Guild, error) {
	sub := subject{guildID: guildID, actorID: actorID}
	return call(ctx, svc, op, sub, []serial.Key{serial.GuildKey(guildID)}, func(ctx context.Context) (*model.Guild, error) {
		g, err := svc.loadActive(ctx, svc.store, guildID)
		if err != nil {
			return nil, err
		}
		if _, err := svc.requireOfficer(ctx, svc.store, guildID, actorID); err != nil {
			return nil, err
		}
		g.Home = loc
		if err := svc.saveGuild(ctx, svc.store, g); err != nil {
			return nil, err
		}
		data := map[string]any{"cleared": loc == nil}
		if loc != nil {
			data["map_id"], data["x"], data["y"] = loc.MapID, loc.X, loc.Y
		}
		svc.emit(ctx, events.Event{Type: events.GuildHomeChanged, GuildID: guildID, ActorID: actorID, Data: data}, "home changed")
		return g, nil
	})
}

// UpgradeLevel pays the next level's cost from the guild balance and raises
// the member cap. Leader only.
func (svc *Service) UpgradeLevel(ctx context.Context, guildID, actorID int64) (*model.Guild, error) {
	sub := subject{guildID: guildID, actorID: actorID}
	return call(ctx, svc, "UpgradeLevel", sub, []serial.Key{serial.GuildKey(guildID)}, func(ctx context.Context) (*model.Guild, error) {
		g, err := svc.loadActive(ctx, svc.store, guildID)
		if err != nil {
			return nil, err
		}
		if _, err := svc.requireLeader(ctx, svc.store, guildID, actorID); err != nil {
			return nil, err
		}
		if g.Level >= svc.cfg.MaxLevel {
			return nil, ErrMaxLevel
		}
		cost := svc.cfg.LevelCosts[g.Level-1]
		if g.Balance < cost {
			return nil, ErrInsufficientFunds.withMsg("level %d costs %d, balance is %d", g.Level+1, cost, g.Balance)
		}
		g.Balance -= cost
		g.Level++
		g.MaxMembers = svc.maxMembers(g.Level)
		if err := svc.saveGuild(ctx, svc.store, g); err != nil {
			return nil, err
		}
		svc.emit(ctx, events.Event{
			Type: events.GuildLevelUp, GuildID: guildID, ActorID: actorID,
			Data: map[string]any{"level": g.Level, "cost": cost},
		}, describe("upgraded to level %d for %d", g.Level, cost))
		return g, nil
	})
}
