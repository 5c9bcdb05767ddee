package guild

import (
	"context"

	"github.com/kasuganosora/guildserver/events"
	"github.com/kasuganosora/guildserver/model"
	"github.com/kasuganosora/guildserver/plugin/hook"
	"github.com/kasuganosora/guildserver/serial"
	"github.com/kasuganosora/guildserver/store"
)

func (svc *Service) ensureRoom(ctx context.Context, st store.Store, g *model.Guild) error {
	n, err := st.CountMembers(ctx, g.ID)
	if err != nil {
		return internal("count members", err)
	}
	if n >= g.MaxMembers {
		return ErrGuildFull
	}
	return nil
}

// Invite offers inviteeID a place in the guild. Leader or officer.
func (svc *Service) Invite(ctx context.Context, guildID, inviterID, inviteeID int64) (*Invitation, error) {
	if inviterID == inviteeID {
		return nil, ErrInvalidArgument.withMsg("cannot invite yourself")
	}
	sub := subject{guildID: guildID, actorID: inviterID}
	return call(ctx, svc, "Invite", sub, []serial.Key{serial.GuildKey(guildID)}, func(ctx context.Context) (*Invitation, error) {
		g, err := svc.loadActive(ctx, svc.store, guildID)
		if err != nil {
			return nil, err
		}
		if _, err := svc.requireOfficer(ctx, svc.store, guildID, inviterID); err != nil {
			return nil, err
		}
		if err := svc.ensureUnaffiliated(ctx, svc.store, inviteeID); err != nil {
			return nil, err
		}
		if err := svc.ensureRoom(ctx, svc.store, g); err != nil {
			return nil, err
		}
		existing, err := svc.getInvitation(ctx, guildID, inviteeID)
		if err != nil {
			return nil, err
		}
		now := svc.now()
		if existing != nil && !existing.expired(now) {
			return nil, ErrAlreadyInvited
		}
		if err := svc.veto(ctx, hook.Request{Event: hook.BeforeInvite, GuildID: guildID, ActorID: inviterID, TargetID: inviteeID}); err != nil {
			return nil, err
		}
		inv := &Invitation{
			GuildID:   guildID,
			InviterID: inviterID,
			InviteeID: inviteeID,
			CreatedAt: now,
			ExpiresAt: now.Add(svc.cfg.InviteTTL),
		}
		if err := svc.putInvitation(ctx, inv); err != nil {
			return nil, err
		}
		svc.emit(ctx, events.Event{
			Type: events.MemberInvited, GuildID: guildID, ActorID: inviterID, TargetID: inviteeID,
			Data: map[string]any{"expires_at": inv.ExpiresAt},
		}, describe("player %d invited", inviteeID))
		return inv, nil
	})
}

// AcceptInvitation joins inviteeID to the guild as a MEMBER. A second accept
// finds no invitation.
func (svc *Service) AcceptInvitation(ctx context.Context, inviteeID, guildID int64) (*model.GuildMember, error) {
	sub := subject{guildID: guildID, actorID: inviteeID}
	keys := []serial.Key{serial.GuildKey(guildID), serial.PlayerKey(inviteeID)}
	return call(ctx, svc, "AcceptInvitation", sub, keys, func(ctx context.Context) (*model.GuildMember, error) {
		inv, err := svc.resolveInvitation(ctx, guildID, inviteeID)
		if err != nil {
			return nil, err
		}
		g, err := svc.loadGuild(ctx, svc.store, guildID)
		if err != nil {
			svc.dropInvitation(ctx, guildID, inviteeID)
			return nil, err
		}
		if g.Frozen {
			return nil, ErrFrozen
		}
		if err := svc.ensureUnaffiliated(ctx, svc.store, inviteeID); err != nil {
			return nil, err
		}
		if err := svc.ensureRoom(ctx, svc.store, g); err != nil {
			return nil, err
		}
		m := &model.GuildMember{GuildID: guildID, PlayerID: inviteeID, Role: model.GuildRoleMember, JoinedAt: svc.now()}
		if err := svc.store.InsertMember(ctx, m); err != nil {
			return nil, svc.explainDuplicate(ctx, err, 0, "", "", inviteeID)
		}
		// The member row is committed; a stale invitation is harmless since
		// the player is no longer unaffiliated.
		svc.dropInvitation(ctx, guildID, inviteeID)
		svc.emit(ctx, events.Event{
			Type: events.MemberJoined, GuildID: guildID, ActorID: inviteeID, TargetID: inviteeID,
			Data: map[string]any{"inviter_id": inv.InviterID},
		}, describe("player %d joined", inviteeID))
		return m, nil
	})
}

// DeclineInvitation discards the invitation from guildID.
func (svc *Service) DeclineInvitation(ctx context.Context, inviteeID, guildID int64) error {
	sub := subject{guildID: guildID, actorID: inviteeID}
	return exec(ctx, svc, "DeclineInvitation", sub, []serial.Key{serial.GuildKey(guildID)}, func(ctx context.Context) error {
		if _, err := svc.resolveInvitation(ctx, guildID, inviteeID); err != nil {
			return err
		}
		if _, err := svc.loadActive(ctx, svc.store, guildID); err != nil {
			return err
		}
		if err := svc.deleteInvitation(ctx, guildID, inviteeID); err != nil {
			return err
		}
		svc.emit(ctx, events.Event{
			Type: events.MemberInviteDeclined, GuildID: guildID, ActorID: inviteeID, TargetID: inviteeID,
		}, describe("player %d declined the invitation", inviteeID))
		return nil
	})
}

// CancelInvitation withdraws an outstanding invitation. Leader or officer.
func (svc *Service) CancelInvitation(ctx context.Context, guildID, actorID, inviteeID int64) error {
	sub := subject{guildID: guildID, actorID: actorID}
	return exec(ctx, svc, "CancelInvitation", sub, []serial.Key{serial.GuildKey(guildID)}, func(ctx context.Context) error {
		if _, err := svc.loadActive(ctx, svc.store, guildID); err != nil {
			return err
		}
		if _, err := svc.requireOfficer(ctx, svc.store, guildID, actorID); err != nil {
			return err
		}
		inv, err := svc.getInvitation(ctx, guildID, inviteeID)
		if err != nil {
			return err
		}
		if inv == nil {
			return ErrInvitationNotFound
		}
		if err := svc.deleteInvitation(ctx, guildID, inviteeID); err != nil {
			return err
		}
		svc.emit(ctx, events.Event{
			Type: events.MemberInviteCancelled, GuildID: guildID, ActorID: actorID, TargetID: inviteeID,
		}, describe("invitation for player %d cancelled", inviteeID))
		return nil
	})
}

// Kick removes targetID from the guild. The actor must be leader or officer,
// the target cannot be the leader, and players leave rather than kick themselves.
func (svc *Service) Kick(ctx context.Context, guildID, actorID, targetID int64) error {
	if actorID == targetID {
		return ErrSelfKick
	}
	sub := subject{guildID: guildID, actorID: actorID}
	return exec(ctx, svc, "Kick", sub, []serial.Key{serial.GuildKey(guildID)}, func(ctx context.Context) error {
		if _, err := svc.loadActive(ctx, svc.store, guildID); err != nil {
			return err
		}
		if _, err := svc.requireOfficer(ctx, svc.store, guildID, actorID); err != nil {
			return err
		}
		target, err := svc.memberOf(ctx, svc.store, guildID, targetID)
		if err != nil {
			return err
		}
		if target.Role == model.GuildRoleLeader {
			return ErrCannotKickLeader
		}
		if err := svc.store.DeleteMember(ctx, targetID); err != nil {
			return internal("delete member", err)
		}
		svc.emit(ctx, events.Event{
			Type: events.MemberKicked, GuildID: guildID, ActorID: actorID, TargetID: targetID,
			Data: map[string]any{"role": target.Role.String()},
		}, describe("player %d kicked", targetID))
		return nil
	})
}

// Leave removes playerID from the guild. The leader must transfer leadership
// or delete the guild instead.
func (svc *Service) Leave(ctx context.Context, guildID, playerID int64) error {
	sub := subject{guildID: guildID, actorID: playerID}
	return exec(ctx, svc, "Leave", sub, []serial.Key{serial.GuildKey(guildID)}, func(ctx context.Context) error {
		if _, err := svc.loadActive(ctx, svc.store, guildID); err != nil {
			return err
		}
		m, err := svc.memberOf(ctx, svc.store, guildID, playerID)
		if err != nil {
			return err
		}
		if m.Role == model.GuildRoleLeader {
			return ErrLeaderCannotLeave
		}
		if err := svc.store.DeleteMember(ctx, playerID); err != nil {
			return internal("delete member", err)
		}
		svc.emit(ctx, events.Event{
			Type: events.MemberLeft, GuildID: guildID, ActorID: playerID, TargetID: playerID,
		}, describe("player %d left", playerID))
		return nil
	})
}

// SetRole promotes a member to officer or demotes an officer to member.
// Leader only; leadership moves through TransferLeadership.
func (svc *Service) SetRole(ctx context.Context, guildID, actorID, targetID int64, role model.GuildRole) (*model.GuildMember, error) {
	if role == model.GuildRoleLeader {
		return nil, ErrInvalidTransition.withMsg("use transfer leadership to change the leader")
	}
	if !role.Valid() {
		return nil, ErrInvalidArgument.withMsg("unknown role %d", int(role))
	}
	sub := subject{guildID: guildID, actorID: actorID}
	return call(ctx, svc, "SetRole", sub, []serial.Key{serial.GuildKey(guildID)}, func(ctx context.Context) (*model.GuildMember, error) {
		if _, err := svc.loadActive(ctx, svc.store, guildID); err != nil {
			return nil, err
		}
		if _, err := svc.requireLeader(ctx, svc.store, guildID, actorID); err != nil {
			return nil, err
		}
		target, err := svc.memberOf(ctx, svc.store, guildID, targetID)
		if err != nil {
			return nil, err
		}
		if target.Role == model.GuildRoleLeader {
			return nil, ErrInvalidTransition.withMsg("the leader's role changes only through transfer leadership")
		}
		if target.Role == role {
			return target, nil
		}
		old := target.Role
		target.Role = role
		if err := svc.store.UpdateMember(ctx, target); err != nil {
			return nil, internal("update member", err)
		}
		svc.emit(ctx, events.Event{
			Type: events.MemberRoleChanged, GuildID: guildID, ActorID: actorID, TargetID: targetID,
			Data: map[string]any{"old": old.String(), "new": role.String()},
		}, describe("player %d is now %s", targetID, role))
		return target, nil
	})
}

// TransferLeadership makes newLeaderID the leader. The former leader becomes
// an officer or member as configured. Both role changes and the guild's
// leader field are written in one transaction.
func (svc *Service) TransferLeadership(ctx context.Context, guildID, currentLeaderID, newLeaderID int64) error {
	if currentLeaderID == newLeaderID {
		return ErrInvalidTransition.withMsg("already the leader")
	}
	sub := subject{guildID: guildID, actorID: currentLeaderID}
	return exec(ctx, svc, "TransferLeadership", sub, []serial.Key{serial.GuildKey(guildID)}, func(ctx context.Context) error {
		g, err := svc.loadActive(ctx, svc.store, guildID)
		if err != nil {
			return err
		}
		leader, err := svc.requireLeader(ctx, svc.store, guildID, currentLeaderID)
		if err != nil {
			return err
		}
		next, err := svc.memberOf(ctx, svc.store, guildID, newLeaderID)
		if err != nil {
			return err
		}
		former := model.GuildRoleOfficer
		if r, ok := model.ParseGuildRole(svc.cfg.FormerLeaderRole); ok && r != model.GuildRoleLeader {
			former = r
		}
		leader.Role = former
		next.Role = model.GuildRoleLeader
		g.LeaderID = newLeaderID
		g.UpdatedAt = svc.now()
		err = svc.store.WithTx(ctx, func(tx store.Store) error {
			if err := tx.UpdateMember(ctx, leader); err != nil {
				return err
			}
			if err := tx.UpdateMember(ctx, next); err != nil {
				return err
			}
			return tx.UpdateGuild(ctx, g)
		})
		if err != nil {
			return internal("transfer leadership", err)
		}
		svc.emit(ctx, events.Event{
			Type: events.MemberLeaderTransferred, GuildID: guildID, ActorID: currentLeaderID, TargetID: newLeaderID,
			Data: map[string]any{"former_role": former.String()},
		}, describe("leadership transferred to player %d", newLeaderID))
		return nil
	})
}
