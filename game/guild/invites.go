package guild

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/kasuganosora/guildserver/cache"
	"go.uber.org/zap"
)

// Invitation is an outstanding offer for a player to join a guild. It lives in
// the cache, not the entity store, and is checked for expiry when resolved.
type Invitation struct {
	GuildID   int64     `json:"guild_id"`
	InviterID int64     `json:"inviter_id"`
	InviteeID int64     `json:"invitee_id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (inv *Invitation) expired(now time.Time) bool {
	return !now.Before(inv.ExpiresAt)
}

// Cache layout:
//
//	guild:invites:<invitee>          field <guildID> = JSON Invitation
//	guild:invites:by_guild:<guildID> field <invitee> = "1"
func invitesKey(inviteeID int64) string {
	return fmt.Sprintf("guild:invites:%d", inviteeID)
}

func guildInvitesKey(guildID int64) string {
	return fmt.Sprintf("guild:invites:by_guild:%d", guildID)
}

func idField(id int64) string { return strconv.FormatInt(id, 10) }

// getInvitation returns the invitation from guildID to inviteeID, or nil.
func (svc *Service) getInvitation(ctx context.Context, guildID, inviteeID int64) (*Invitation, error) {
	raw, err := svc.cache.HGet(ctx, invitesKey(inviteeID), idField(guildID))
	if cache.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, internal("get invitation", err)
	}
	var inv Invitation
	if err := json.Unmarshal([]byte(raw), &inv); err != nil {
		svc.logger.Warn("corrupt invitation dropped",
			zap.Int64("guild_id", guildID), zap.Int64("invitee_id", inviteeID), zap.Error(err))
		_ = svc.deleteInvitation(ctx, guildID, inviteeID)
		return nil, nil
	}
	return &inv, nil
}

func (svc *Service) putInvitation(ctx context.Context, inv *Invitation) error {
	raw, err := json.Marshal(inv)
	if err != nil {
		return internal("encode invitation", err)
	}
	byPlayer, byGuild := invitesKey(inv.InviteeID), guildInvitesKey(inv.GuildID)
	if err := svc.cache.HSet(ctx, byPlayer, idField(inv.GuildID), string(raw)); err != nil {
		return internal("store invitation", err)
	}
	if err := svc.cache.HSet(ctx, byGuild, idField(inv.InviteeID), "1"); err != nil {
		return internal("index invitation", err)
	}
	// Keys outlive their newest field; per-field expiry is checked lazily.
	ttl := svc.cfg.InviteTTL
	if err := svc.cache.Expire(ctx, byPlayer, ttl); err != nil {
		return internal("expire invitation", err)
	}
	if err := svc.cache.Expire(ctx, byGuild, ttl); err != nil {
		return internal("expire invitation", err)
	}
	return nil
}

func (svc *Service) deleteInvitation(ctx context.Context, guildID, inviteeID int64) error {
	if err := svc.cache.HDel(ctx, invitesKey(inviteeID), idField(guildID)); err != nil && !cache.IsNotFound(err) {
		return internal("delete invitation", err)
	}
	if err := svc.cache.HDel(ctx, guildInvitesKey(guildID), idField(inviteeID)); err != nil && !cache.IsNotFound(err) {
		return internal("delete invitation", err)
	}
	return nil
}

// dropInvitation deletes an invitation whose removal must not fail the
// operation. Errors are logged.
func (svc *Service) dropInvitation(ctx context.Context, guildID, inviteeID int64) {
	if err := svc.deleteInvitation(ctx, guildID, inviteeID); err != nil {
		svc.logger.Warn("drop invitation",
			zap.Int64("guild_id", guildID),
			zap.Int64("invitee_id", inviteeID),
			zap.String("trace_id", TraceIDFrom(ctx)),
			zap.Error(err))
	}
}

// resolveInvitation returns the live invitation or ErrInvitationNotFound /
// ErrInvitationExpired. Expired invitations are purged on the way.
func (svc *Service) resolveInvitation(ctx context.Context, guildID, inviteeID int64) (*Invitation, error) {
	inv, err := svc.getInvitation(ctx, guildID, inviteeID)
	if err != nil {
		return nil, err
	}
	if inv == nil {
		return nil, ErrInvitationNotFound
	}
	if inv.expired(svc.now()) {
		svc.dropInvitation(ctx, guildID, inviteeID)
		return nil, ErrInvitationExpired
	}
	return inv, nil
}

// purgeGuildInvitations drops every invitation sent by a deleted guild.
func (svc *Service) purgeGuildInvitations(ctx context.Context, guildID int64) {
	fields, err := svc.cache.HGetAll(ctx, guildInvitesKey(guildID))
	if err != nil {
		if !cache.IsNotFound(err) {
			svc.logger.Warn("list guild invitations", zap.Int64("guild_id", guildID), zap.Error(err))
		}
		return
	}
	for field := range fields {
		invitee, err := strconv.ParseInt(field, 10, 64)
		if err != nil {
			continue
		}
		if err := svc.cache.HDel(ctx, invitesKey(invitee), idField(guildID)); err != nil && !cache.IsNotFound(err) {
			svc.logger.Warn("purge invitation", zap.Int64("guild_id", guildID), zap.Int64("invitee_id", invitee), zap.Error(err))
		}
	}
	if err := svc.cache.Del(ctx, guildInvitesKey(guildID)); err != nil {
		svc.logger.Warn("purge guild invitation index", zap.Int64("guild_id", guildID), zap.Error(err))
	}
}

// listInvitations returns the player's unexpired invitations, oldest first.
func (svc *Service) listInvitations(ctx context.Context, playerID int64) ([]Invitation, error) {
	fields, err := svc.cache.HGetAll(ctx, invitesKey(playerID))
	if cache.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, internal("list invitations", err)
	}
	now := svc.now()
	out := make([]Invitation, 0, len(fields))
	for _, raw := range fields {
		var inv Invitation
		if err := json.Unmarshal([]byte(raw), &inv); err != nil {
			continue
		}
		if inv.expired(now) {
			continue
		}
		out = append(out, inv)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].GuildID < out[j].GuildID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}
