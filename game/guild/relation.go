package guild

import (
	"context"
	"time"

	"github.com/kasuganosora/guildserver/events"
	"github.com/kasuganosora/guildserver/model"
	"github.com/kasuganosora/guildserver/plugin/hook"
	"github.com/kasuganosora/guildserver/serial"
	"github.com/kasuganosora/guildserver/store"
)

// Relation rows for a pair are only touched while both guild keys and the
// pair key are held. Deleting a guild holds its guild key, so it excludes
// every relation operation involving it.
func pairKeys(a, b int64) []serial.Key {
	return []serial.Key{serial.GuildKey(a), serial.GuildKey(b), serial.PairKey(a, b)}
}

func canonical(a, b int64) (int64, int64) {
	if a > b {
		return b, a
	}
	return a, b
}

// pairState is the pair's relation rows after lazy expiry has been applied.
type pairState struct {
	live    []model.GuildRelation // pending or active
	expired []model.GuildRelation // pending rows that expired just now
	changes int
}

func (ps *pairState) pendingFrom(guildID int64) *model.GuildRelation {
	for i := range ps.live {
		if r := &ps.live[i]; r.Status == model.RelationPending && r.InitiatorGuildID == guildID {
			return r
		}
	}
	return nil
}

func (ps *pairState) active() *model.GuildRelation {
	for i := range ps.live {
		if r := &ps.live[i]; r.Status == model.RelationActive {
			return r
		}
	}
	return nil
}

// settlePair applies elapsed expiries to the pair's rows: a pending row
// becomes EXPIRED and an active truce is replaced by an active NEUTRAL row.
func (svc *Service) settlePair(ctx context.Context, a, b int64) (*pairState, error) {
	rows, err := svc.store.ListPairRelations(ctx, a, b)
	if err != nil {
		return nil, internal("list pair relations", err)
	}
	now := svc.now()
	ps := &pairState{}
	for _, r := range rows {
		if r.Status.Terminal() {
			continue
		}
		if r.ExpiresAt == nil || now.Before(*r.ExpiresAt) {
			ps.live = append(ps.live, r)
			continue
		}
		switch {
		case r.Status == model.RelationPending:
			r.Status = model.RelationExpired
			r.UpdatedAt = now
			if err := svc.store.UpdateRelation(ctx, &r); err != nil {
				return nil, internal("expire relation", err)
			}
			ps.expired = append(ps.expired, r)
			ps.changes++
			svc.emitPair(ctx, &r, events.RelationExpired, 0, map[string]any{"type": string(r.Type)},
				describe("%s proposal expired", r.Type))
		case r.Type == model.RelationTruce:
			neutral, err := svc.endTruce(ctx, &r, 0, "expired")
			if err != nil {
				return nil, err
			}
			ps.live = append(ps.live, *neutral)
			ps.changes++
		default:
			ps.live = append(ps.live, r)
		}
	}
	return ps, nil
}

// endTruce replaces an active truce with an active NEUTRAL relation.
func (svc *Service) endTruce(ctx context.Context, truce *model.GuildRelation, actorID int64, reason string) (*model.GuildRelation, error) {
	now := svc.now()
	neutral := &model.GuildRelation{
		GuildA:           truce.GuildA,
		GuildB:           truce.GuildB,
		Type:             model.RelationNeutral,
		Status:           model.RelationActive,
		InitiatorID:      truce.InitiatorID,
		InitiatorGuildID: truce.InitiatorGuildID,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	err := svc.store.WithTx(ctx, func(tx store.Store) error {
		if err := tx.DeleteRelation(ctx, truce.ID); err != nil {
			return err
		}
		return tx.InsertRelation(ctx, neutral)
	})
	if err != nil {
		return nil, internal("end truce", err)
	}
	svc.emitPair(ctx, truce, events.RelationEnded, actorID,
		map[string]any{"type": string(model.RelationTruce), "reason": reason, "replaced_by": string(model.RelationNeutral)},
		"truce ended, relation is now neutral")
	return neutral, nil
}

// emitPair records a relation event for both guilds.
func (svc *Service) emitPair(ctx context.Context, r *model.GuildRelation, typ events.Type, actorID int64, data map[string]any, desc string) {
	svc.emit(ctx, events.Event{Type: typ, GuildID: r.GuildA, ActorID: actorID, TargetID: r.GuildB, Data: data}, desc)
	svc.emit(ctx, events.Event{Type: typ, GuildID: r.GuildB, ActorID: actorID, TargetID: r.GuildA, Data: data}, desc)
}

func checkPair(guildID, otherID int64) error {
	if guildID == otherID {
		return ErrInvalidArgument.withMsg("a guild cannot have a relation with itself")
	}
	return nil
}

// ProposeRelation opens a PENDING relation of type typ from guildID to
// targetID. Only the initiating guild's leader may propose. A pair holds at
// most one pending or active relation, except that a truce may be proposed
// alongside an active war.
func (svc *Service) ProposeRelation(ctx context.Context, guildID, targetID, actorID int64, typ model.RelationType) (*model.GuildRelation, error) {
	if err := checkPair(guildID, targetID); err != nil {
		return nil, err
	}
	if !typ.Valid() || typ == model.RelationNeutral {
		return nil, ErrInvalidArgument.withMsg("relation type %q cannot be proposed", typ)
	}
	sub := subject{guildID: guildID, actorID: actorID}
	return call(ctx, svc, "ProposeRelation", sub, pairKeys(guildID, targetID), func(ctx context.Context) (*model.GuildRelation, error) {
		if _, err := svc.loadActive(ctx, svc.store, guildID); err != nil {
			return nil, err
		}
		if _, err := svc.loadActive(ctx, svc.store, targetID); err != nil {
			return nil, err
		}
		if _, err := svc.requireLeader(ctx, svc.store, guildID, actorID); err != nil {
			return nil, err
		}
		if err := svc.veto(ctx, hook.Request{
			Event: hook.BeforeRelationPropose, GuildID: guildID, ActorID: actorID, TargetID: targetID, RelationType: string(typ),
		}); err != nil {
			return nil, err
		}
		ps, err := svc.settlePair(ctx, guildID, targetID)
		if err != nil {
			return nil, err
		}
		if typ == model.RelationTruce {
			atWar := false
			for _, r := range ps.live {
				if r.Status == model.RelationPending {
					return nil, ErrRelationExists
				}
				atWar = atWar || r.Type == model.RelationWar
			}
			if !atWar {
				return nil, ErrRelationState.withMsg("a truce can only be proposed during a war")
			}
		} else if len(ps.live) > 0 {
			return nil, ErrRelationExists
		}

		now := svc.now()
		expires := now.Add(svc.cfg.RelationTTL)
		a, b := canonical(guildID, targetID)
		r := &model.GuildRelation{
			GuildA:           a,
			GuildB:           b,
			Type:             typ,
			Status:           model.RelationPending,
			InitiatorID:      actorID,
			InitiatorGuildID: guildID,
			CreatedAt:        now,
			UpdatedAt:        now,
			ExpiresAt:        &expires,
		}
		if err := svc.store.InsertRelation(ctx, r); err != nil {
			return nil, internal("insert relation", err)
		}
		svc.emitPair(ctx, r, events.RelationProposed, actorID,
			map[string]any{"type": string(typ), "initiator_guild_id": guildID},
			describe("guild %d proposed %s", guildID, typ))
		return r, nil
	})
}

// respondable finds the pending proposal otherID made to the responding guild.
func respondable(ps *pairState, guildID, otherID int64) (*model.GuildRelation, error) {
	if r := ps.pendingFrom(otherID); r != nil {
		return r, nil
	}
	if ps.pendingFrom(guildID) != nil {
		return nil, ErrOwnProposal
	}
	for _, r := range ps.expired {
		if r.InitiatorGuildID == otherID {
			return nil, ErrRelationExpired
		}
	}
	return nil, ErrRelationNotFound
}

// AcceptRelation activates the pending proposal otherID made to guildID.
// Accepting a truce ends the war it was proposed in.
func (svc *Service) AcceptRelation(ctx context.Context, guildID, otherID, actorID int64) (*model.GuildRelation, error) {
	if err := checkPair(guildID, otherID); err != nil {
		return nil, err
	}
	sub := subject{guildID: guildID, actorID: actorID}
	return call(ctx, svc, "AcceptRelation", sub, pairKeys(guildID, otherID), func(ctx context.Context) (*model.GuildRelation, error) {
		if _, err := svc.loadActive(ctx, svc.store, guildID); err != nil {
			return nil, err
		}
		if _, err := svc.loadActive(ctx, svc.store, otherID); err != nil {
			return nil, err
		}
		if _, err := svc.requireLeader(ctx, svc.store, guildID, actorID); err != nil {
			return nil, err
		}
		ps, err := svc.settlePair(ctx, guildID, otherID)
		if err != nil {
			return nil, err
		}
		r, err := respondable(ps, guildID, otherID)
		if err != nil {
			return nil, err
		}

		now := svc.now()
		r.Status = model.RelationActive
		r.UpdatedAt = now
		r.ExpiresAt = nil
		var war *model.GuildRelation
		if r.Type == model.RelationTruce {
			end := now.Add(svc.cfg.TruceDuration)
			r.ExpiresAt = &end
			if a := ps.active(); a != nil && a.Type == model.RelationWar {
				war = a
			}
		}
		err = svc.store.WithTx(ctx, func(tx store.Store) error {
			if war != nil {
				if err := tx.DeleteRelation(ctx, war.ID); err != nil {
					return err
				}
			}
			return tx.UpdateRelation(ctx, r)
		})
		if err != nil {
			return nil, internal("accept relation", err)
		}
		if war != nil {
			svc.emitPair(ctx, war, events.RelationEnded, actorID,
				map[string]any{"type": string(model.RelationWar), "reason": "truce", "replaced_by": string(model.RelationTruce)},
				"war ended by truce")
		}
		svc.emitPair(ctx, r, events.RelationAccepted, actorID, map[string]any{"type": string(r.Type)},
			describe("%s relation accepted", r.Type))
		return r, nil
	})
}

// RejectRelation declines the pending proposal otherID made to guildID.
func (svc *Service) RejectRelation(ctx context.Context, guildID, otherID, actorID int64) error {
	if err := checkPair(guildID, otherID); err != nil {
		return err
	}
	sub := subject{guildID: guildID, actorID: actorID}
	return exec(ctx, svc, "RejectRelation", sub, pairKeys(guildID, otherID), func(ctx context.Context) error {
		if _, err := svc.loadActive(ctx, svc.store, guildID); err != nil {
			return err
		}
		if _, err := svc.loadActive(ctx, svc.store, otherID); err != nil {
			return err
		}
		if _, err := svc.requireLeader(ctx, svc.store, guildID, actorID); err != nil {
			return err
		}
		ps, err := svc.settlePair(ctx, guildID, otherID)
		if err != nil {
			return err
		}
		r, err := respondable(ps, guildID, otherID)
		if err != nil {
			return err
		}
		r.Status = model.RelationCancelled
		r.UpdatedAt = svc.now()
		if err := svc.store.UpdateRelation(ctx, r); err != nil {
			return internal("reject relation", err)
		}
		svc.emitPair(ctx, r, events.RelationRejected, actorID, map[string]any{"type": string(r.Type)},
			describe("%s proposal rejected", r.Type))
		return nil
	})
}

// CancelRelation withdraws guildID's own pending proposal to otherID. The
// proposing player or the guild's leader may cancel.
func (svc *Service) CancelRelation(ctx context.Context, guildID, otherID, actorID int64) error {
	if err := checkPair(guildID, otherID); err != nil {
		return err
	}
	sub := subject{guildID: guildID, actorID: actorID}
	return exec(ctx, svc, "CancelRelation", sub, pairKeys(guildID, otherID), func(ctx context.Context) error {
		if _, err := svc.loadActive(ctx, svc.store, guildID); err != nil {
			return err
		}
		if _, err := svc.loadActive(ctx, svc.store, otherID); err != nil {
			return err
		}
		ps, err := svc.settlePair(ctx, guildID, otherID)
		if err != nil {
			return err
		}
		r := ps.pendingFrom(guildID)
		if r == nil {
			for _, e := range ps.expired {
				if e.InitiatorGuildID == guildID {
					return ErrRelationExpired
				}
			}
			return ErrRelationNotFound
		}
		if r.InitiatorID != actorID {
			if _, err := svc.requireLeader(ctx, svc.store, guildID, actorID); err != nil {
				return err
			}
		}
		r.Status = model.RelationCancelled
		r.UpdatedAt = svc.now()
		if err := svc.store.UpdateRelation(ctx, r); err != nil {
			return internal("cancel relation", err)
		}
		svc.emitPair(ctx, r, events.RelationCancelled, actorID, map[string]any{"type": string(r.Type)},
			describe("%s proposal cancelled", r.Type))
		return nil
	})
}

// DeleteRelation ends the active relation between the guilds. Either side's
// leader may end it. An active truce is replaced by NEUTRAL; any other type
// is removed, freeing the pair. A truce pending alongside a war is cancelled
// with it.
func (svc *Service) DeleteRelation(ctx context.Context, guildID, otherID, actorID int64) error {
	if err := checkPair(guildID, otherID); err != nil {
		return err
	}
	sub := subject{guildID: guildID, actorID: actorID}
	return exec(ctx, svc, "DeleteRelation", sub, pairKeys(guildID, otherID), func(ctx context.Context) error {
		if _, err := svc.loadActive(ctx, svc.store, guildID); err != nil {
			return err
		}
		if _, err := svc.loadActive(ctx, svc.store, otherID); err != nil {
			return err
		}
		if _, err := svc.requireLeader(ctx, svc.store, guildID, actorID); err != nil {
			return err
		}
		ps, err := svc.settlePair(ctx, guildID, otherID)
		if err != nil {
			return err
		}
		active := ps.active()
		if active == nil {
			return ErrRelationNotFound
		}
		if active.Type == model.RelationTruce {
			_, err := svc.endTruce(ctx, active, actorID, "ended")
			return err
		}

		now := svc.now()
		var pending []model.GuildRelation
		for _, r := range ps.live {
			if r.Status == model.RelationPending {
				r.Status = model.RelationCancelled
				r.UpdatedAt = now
				pending = append(pending, r)
			}
		}
		err = svc.store.WithTx(ctx, func(tx store.Store) error {
			for i := range pending {
				if err := tx.UpdateRelation(ctx, &pending[i]); err != nil {
					return err
				}
			}
			return tx.DeleteRelation(ctx, active.ID)
		})
		if err != nil {
			return internal("delete relation", err)
		}
		for i := range pending {
			svc.emitPair(ctx, &pending[i], events.RelationCancelled, actorID,
				map[string]any{"type": string(pending[i].Type), "reason": "relation_ended"},
				describe("%s proposal cancelled", pending[i].Type))
		}
		svc.emitPair(ctx, active, events.RelationEnded, actorID, map[string]any{"type": string(active.Type), "reason": "deleted"},
			describe("%s relation ended", active.Type))
		return nil
	})
}

// effectiveRelation is r as it reads at now without writing anything: an
// expired proposal is gone and an expired truce reads as NEUTRAL.
func effectiveRelation(r model.GuildRelation, now time.Time) (model.GuildRelation, bool) {
	if r.Status.Terminal() {
		return r, false
	}
	if r.ExpiresAt == nil || now.Before(*r.ExpiresAt) {
		return r, true
	}
	if r.Status == model.RelationPending {
		return r, false
	}
	if r.Type == model.RelationTruce {
		r.Type = model.RelationNeutral
		r.ExpiresAt = nil
	}
	return r, true
}

// SweepRelations materializes elapsed expiries for every due pair. Reads
// never depend on it; it only keeps stored rows and guild logs current.
// It returns the number of rows changed.
func (svc *Service) SweepRelations(ctx context.Context) (int, error) {
	due, err := svc.store.ListDueRelations(ctx, svc.now())
	if err != nil {
		return 0, internal("list due relations", err)
	}
	type pair struct{ a, b int64 }
	seen := make(map[pair]bool, len(due))
	total := 0
	for _, r := range due {
		p := pair{r.GuildA, r.GuildB}
		if seen[p] {
			continue
		}
		seen[p] = true
		n, err := call(ctx, svc, "SweepRelations", subject{guildID: p.a}, pairKeys(p.a, p.b), func(ctx context.Context) (int, error) {
			ps, err := svc.settlePair(ctx, p.a, p.b)
			if err != nil {
				return 0, err
			}
			return ps.changes, nil
		})
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}
