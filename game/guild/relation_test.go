package guild

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/kasuganosora/guildserver/config"
	"github.com/kasuganosora/guildserver/events"
	"github.com/kasuganosora/guildserver/model"
	"github.com/kasuganosora/guildserver/scheduler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// threeGuilds creates guilds led by players 1, 2 and 3.
func threeGuilds(t *testing.T, h *harness) (x, y, z *model.Guild) {
	t.Helper()
	return h.create(t, 1, "Phoenix"), h.create(t, 2, "Crows"), h.create(t, 3, "Wolves")
}

func relationTypes(t *testing.T, h *harness, guildID int64) map[model.RelationType]model.RelationStatus {
	t.Helper()
	rels, err := h.svc.ListRelations(context.Background(), guildID)
	require.NoError(t, err)
	out := make(map[model.RelationType]model.RelationStatus, len(rels))
	for _, r := range rels {
		out[r.Type] = r.Status
	}
	return out
}

func TestProposeRelation_Preconditions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	x, y, _ := threeGuilds(t, h)
	h.join(t, x.ID, 1, 4)

	_, err := h.svc.ProposeRelation(ctx, x.ID, x.ID, 1, model.RelationAlly)
	requireKind(t, err, KindInvalidInput)
	_, err = h.svc.ProposeRelation(ctx, x.ID, y.ID, 1, model.RelationNeutral)
	requireKind(t, err, KindInvalidInput)
	_, err = h.svc.ProposeRelation(ctx, x.ID, y.ID, 1, model.RelationType("peace"))
	requireKind(t, err, KindInvalidInput)
	_, err = h.svc.ProposeRelation(ctx, x.ID, y.ID, 4, model.RelationAlly)
	assert.ErrorIs(t, err, ErrNotLeader)
	_, err = h.svc.ProposeRelation(ctx, x.ID, 404, 1, model.RelationAlly)
	assert.ErrorIs(t, err, ErrGuildNotFound)
	_, err = h.svc.ProposeRelation(ctx, x.ID, y.ID, 1, model.RelationTruce)
	assert.ErrorIs(t, err, ErrRelationState)

	_, err = h.svc.SetFrozen(ctx, y.ID, adminID, true)
	require.NoError(t, err)
	_, err = h.svc.ProposeRelation(ctx, x.ID, y.ID, 1, model.RelationAlly)
	assert.ErrorIs(t, err, ErrFrozen)
}

func TestProposeRelation_OnePerPair(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	x, y, z := threeGuilds(t, h)

	r, err := h.svc.ProposeRelation(ctx, y.ID, x.ID, 2, model.RelationAlly)
	require.NoError(t, err)
	assert.Equal(t, x.ID, r.GuildA)
	assert.Equal(t, y.ID, r.GuildB)
	assert.Equal(t, y.ID, r.InitiatorGuildID)
	assert.Equal(t, model.RelationPending, r.Status)
	require.NotNil(t, r.ExpiresAt)
	assert.Equal(t, t0.Add(24*time.Hour), *r.ExpiresAt)

	_, err = h.svc.ProposeRelation(ctx, y.ID, x.ID, 2, model.RelationEnemy)
	assert.ErrorIs(t, err, ErrRelationExists)
	_, err = h.svc.ProposeRelation(ctx, x.ID, y.ID, 1, model.RelationWar)
	assert.ErrorIs(t, err, ErrRelationExists)

	// Other pairs are independent.
	_, err = h.svc.ProposeRelation(ctx, x.ID, z.ID, 1, model.RelationEnemy)
	require.NoError(t, err)
	assert.Equal(t, 4, h.bus.count(events.RelationProposed))
}

func TestAcceptRelation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	x, y, _ := threeGuilds(t, h)
	_, err := h.svc.ProposeRelation(ctx, x.ID, y.ID, 1, model.RelationAlly)
	require.NoError(t, err)

	_, err = h.svc.AcceptRelation(ctx, x.ID, y.ID, 1)
	assert.ErrorIs(t, err, ErrOwnProposal)
	_, err = h.svc.AcceptRelation(ctx, y.ID, x.ID, 1)
	assert.ErrorIs(t, err, ErrNotLeader)

	r, err := h.svc.AcceptRelation(ctx, y.ID, x.ID, 2)
	require.NoError(t, err)
	assert.Equal(t, model.RelationActive, r.Status)
	assert.Nil(t, r.ExpiresAt)

	_, err = h.svc.AcceptRelation(ctx, y.ID, x.ID, 2)
	assert.ErrorIs(t, err, ErrRelationNotFound)

	for _, id := range []int64{x.ID, y.ID} {
		assert.Equal(t, map[model.RelationType]model.RelationStatus{model.RelationAlly: model.RelationActive},
			relationTypes(t, h, id))
	}
	assert.Equal(t, 2, h.bus.count(events.RelationAccepted))
}

func TestRejectAndCancelRelation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	x, y, _ := threeGuilds(t, h)
	h.join(t, x.ID, 1, 4)
	_, err := h.svc.SetRole(ctx, x.ID, 1, 4, model.GuildRoleOfficer)
	require.NoError(t, err)

	_, err = h.svc.ProposeRelation(ctx, x.ID, y.ID, 1, model.RelationEnemy)
	require.NoError(t, err)
	assert.ErrorIs(t, h.svc.RejectRelation(ctx, x.ID, y.ID, 1), ErrOwnProposal)
	require.NoError(t, h.svc.RejectRelation(ctx, y.ID, x.ID, 2))
	assert.Empty(t, relationTypes(t, h, x.ID))
	assert.ErrorIs(t, h.svc.RejectRelation(ctx, y.ID, x.ID, 2), ErrRelationNotFound)

	// A rejected proposal frees the pair.
	_, err = h.svc.ProposeRelation(ctx, x.ID, y.ID, 1, model.RelationAlly)
	require.NoError(t, err)
	assert.ErrorIs(t, h.svc.CancelRelation(ctx, y.ID, x.ID, 2), ErrRelationNotFound)
	assert.ErrorIs(t, h.svc.CancelRelation(ctx, x.ID, y.ID, 4), ErrNotLeader)
	require.NoError(t, h.svc.CancelRelation(ctx, x.ID, y.ID, 1))
	assert.Empty(t, relationTypes(t, h, y.ID))
	assert.Equal(t, 2, h.bus.count(events.RelationRejected))
	assert.Equal(t, 2, h.bus.count(events.RelationCancelled))
}

func TestRelation_PendingExpiry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	x, y, _ := threeGuilds(t, h)
	_, err := h.svc.ProposeRelation(ctx, x.ID, y.ID, 1, model.RelationAlly)
	require.NoError(t, err)

	h.clock.Advance(24*time.Hour - time.Second)
	assert.Len(t, relationTypes(t, h, y.ID), 1)
	h.clock.Advance(time.Second)
	assert.Empty(t, relationTypes(t, h, y.ID))

	_, err = h.svc.AcceptRelation(ctx, y.ID, x.ID, 2)
	assert.ErrorIs(t, err, ErrRelationExpired)
	requireKind(t, err, KindExpired)
	assert.Equal(t, 2, h.bus.count(events.RelationExpired))

	_, err = h.svc.ProposeRelation(ctx, y.ID, x.ID, 2, model.RelationWar)
	require.NoError(t, err)
}

func TestRelation_WarTruceNeutral(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	x, y, _ := threeGuilds(t, h)

	_, err := h.svc.ProposeRelation(ctx, x.ID, y.ID, 1, model.RelationWar)
	require.NoError(t, err)
	_, err = h.svc.AcceptRelation(ctx, y.ID, x.ID, 2)
	require.NoError(t, err)

	_, err = h.svc.ProposeRelation(ctx, y.ID, x.ID, 2, model.RelationTruce)
	require.NoError(t, err)
	assert.Equal(t, map[model.RelationType]model.RelationStatus{
		model.RelationWar:   model.RelationActive,
		model.RelationTruce: model.RelationPending,
	}, relationTypes(t, h, x.ID))
	_, err = h.svc.ProposeRelation(ctx, x.ID, y.ID, 1, model.RelationTruce)
	assert.ErrorIs(t, err, ErrRelationExists)

	truce, err := h.svc.AcceptRelation(ctx, x.ID, y.ID, 1)
	require.NoError(t, err)
	require.NotNil(t, truce.ExpiresAt)
	assert.Equal(t, h.clock.Now().Add(72*time.Hour), *truce.ExpiresAt)
	assert.Equal(t, map[model.RelationType]model.RelationStatus{model.RelationTruce: model.RelationActive},
		relationTypes(t, h, y.ID))

	h.clock.Advance(72 * time.Hour)
	assert.Equal(t, map[model.RelationType]model.RelationStatus{model.RelationNeutral: model.RelationActive},
		relationTypes(t, h, x.ID))

	// NEUTRAL occupies the pair until it is deleted.
	_, err = h.svc.ProposeRelation(ctx, x.ID, y.ID, 1, model.RelationAlly)
	assert.ErrorIs(t, err, ErrRelationExists)
	require.NoError(t, h.svc.DeleteRelation(ctx, y.ID, x.ID, 2))
	assert.Empty(t, relationTypes(t, h, x.ID))
	_, err = h.svc.ProposeRelation(ctx, x.ID, y.ID, 1, model.RelationAlly)
	require.NoError(t, err)
}

func TestProposeTruce_OnlyDuringWar(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	x, y, z := threeGuilds(t, h)

	// No relation at all.
	_, err := h.svc.ProposeRelation(ctx, x.ID, y.ID, 1, model.RelationTruce)
	assert.ErrorIs(t, err, ErrRelationState)
	requireKind(t, err, KindInvalidState)

	// An active non-war relation.
	_, err = h.svc.ProposeRelation(ctx, x.ID, z.ID, 1, model.RelationEnemy)
	require.NoError(t, err)
	_, err = h.svc.AcceptRelation(ctx, z.ID, x.ID, 3)
	require.NoError(t, err)
	_, err = h.svc.ProposeRelation(ctx, z.ID, x.ID, 3, model.RelationTruce)
	assert.ErrorIs(t, err, ErrRelationState)

	// A war that is only proposed.
	_, err = h.svc.ProposeRelation(ctx, y.ID, z.ID, 2, model.RelationWar)
	require.NoError(t, err)
	_, err = h.svc.ProposeRelation(ctx, z.ID, y.ID, 3, model.RelationTruce)
	assert.ErrorIs(t, err, ErrRelationExists)
}

func TestFrozenCounterpart_BlocksRelationChanges(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	x, y, z := threeGuilds(t, h)

	// x and y are allies and z has a pending proposal to x.
	_, err := h.svc.ProposeRelation(ctx, x.ID, y.ID, 1, model.RelationAlly)
	require.NoError(t, err)
	_, err = h.svc.AcceptRelation(ctx, y.ID, x.ID, 2)
	require.NoError(t, err)
	_, err = h.svc.ProposeRelation(ctx, z.ID, x.ID, 3, model.RelationEnemy)
	require.NoError(t, err)

	_, err = h.svc.SetFrozen(ctx, x.ID, adminID, true)
	require.NoError(t, err)

	// The unfrozen side cannot change anything it shares with the frozen guild.
	assert.ErrorIs(t, h.svc.DeleteRelation(ctx, y.ID, x.ID, 2), ErrFrozen)
	assert.ErrorIs(t, h.svc.CancelRelation(ctx, z.ID, x.ID, 3), ErrFrozen)
	// Nor can the frozen guild itself.
	assert.ErrorIs(t, h.svc.RejectRelation(ctx, x.ID, z.ID, 1), ErrFrozen)
	_, err = h.svc.AcceptRelation(ctx, x.ID, z.ID, 1)
	assert.ErrorIs(t, err, ErrFrozen)

	assert.Equal(t, map[model.RelationType]model.RelationStatus{
		model.RelationAlly:  model.RelationActive,
		model.RelationEnemy: model.RelationPending,
	}, relationTypes(t, h, x.ID))

	_, err = h.svc.SetFrozen(ctx, x.ID, adminID, false)
	require.NoError(t, err)
	require.NoError(t, h.svc.CancelRelation(ctx, z.ID, x.ID, 3))
	require.NoError(t, h.svc.DeleteRelation(ctx, y.ID, x.ID, 2))
	assert.Empty(t, relationTypes(t, h, x.ID))
}

func TestFrozenCounterpart_BlocksReject(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	x, y, _ := threeGuilds(t, h)

	_, err := h.svc.ProposeRelation(ctx, x.ID, y.ID, 1, model.RelationWar)
	require.NoError(t, err)
	_, err = h.svc.SetFrozen(ctx, x.ID, adminID, true)
	require.NoError(t, err)

	assert.ErrorIs(t, h.svc.RejectRelation(ctx, y.ID, x.ID, 2), ErrFrozen)
	assert.Equal(t, map[model.RelationType]model.RelationStatus{model.RelationWar: model.RelationPending},
		relationTypes(t, h, y.ID))
}

func TestDeleteRelation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	x, y, z := threeGuilds(t, h)

	assert.ErrorIs(t, h.svc.DeleteRelation(ctx, x.ID, y.ID, 1), ErrRelationNotFound)

	// War with a pending truce: both go.
	_, err := h.svc.ProposeRelation(ctx, x.ID, y.ID, 1, model.RelationWar)
	require.NoError(t, err)
	_, err = h.svc.AcceptRelation(ctx, y.ID, x.ID, 2)
	require.NoError(t, err)
	_, err = h.svc.ProposeRelation(ctx, x.ID, y.ID, 1, model.RelationTruce)
	require.NoError(t, err)
	assert.ErrorIs(t, h.svc.DeleteRelation(ctx, x.ID, y.ID, 2), ErrNotLeader)
	require.NoError(t, h.svc.DeleteRelation(ctx, x.ID, y.ID, 1))
	assert.Empty(t, relationTypes(t, h, y.ID))

	// An active truce ends as NEUTRAL.
	_, err = h.svc.ProposeRelation(ctx, z.ID, x.ID, 3, model.RelationWar)
	require.NoError(t, err)
	_, err = h.svc.AcceptRelation(ctx, x.ID, z.ID, 1)
	require.NoError(t, err)
	_, err = h.svc.ProposeRelation(ctx, z.ID, x.ID, 3, model.RelationTruce)
	require.NoError(t, err)
	_, err = h.svc.AcceptRelation(ctx, x.ID, z.ID, 1)
	require.NoError(t, err)
	require.NoError(t, h.svc.DeleteRelation(ctx, z.ID, x.ID, 3))
	assert.Equal(t, map[model.RelationType]model.RelationStatus{model.RelationNeutral: model.RelationActive},
		relationTypes(t, h, z.ID))
}

func TestProposeRelation_ConcurrentOpposite(t *testing.T) {
	eachBackend(t, func(t *testing.T, h *harness) {
		ctx := context.Background()
		x, y, _ := threeGuilds(t, h)

		var wg sync.WaitGroup
		errs := make([]error, 2)
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, errs[0] = h.svc.ProposeRelation(ctx, x.ID, y.ID, 1, model.RelationAlly)
		}()
		go func() {
			defer wg.Done()
			_, errs[1] = h.svc.ProposeRelation(ctx, y.ID, x.ID, 2, model.RelationEnemy)
		}()
		wg.Wait()

		ok := 0
		for _, err := range errs {
			if err == nil {
				ok++
				continue
			}
			assert.ErrorIs(t, err, ErrRelationExists)
		}
		assert.Equal(t, 1, ok)
		assert.Len(t, relationTypes(t, h, x.ID), 1)
	})
}

func TestSweepRelations(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	x, y, z := threeGuilds(t, h)

	_, err := h.svc.ProposeRelation(ctx, x.ID, y.ID, 1, model.RelationAlly)
	require.NoError(t, err)
	_, err = h.svc.ProposeRelation(ctx, z.ID, y.ID, 3, model.RelationWar)
	require.NoError(t, err)
	_, err = h.svc.AcceptRelation(ctx, y.ID, z.ID, 2)
	require.NoError(t, err)
	_, err = h.svc.ProposeRelation(ctx, y.ID, z.ID, 2, model.RelationTruce)
	require.NoError(t, err)
	_, err = h.svc.AcceptRelation(ctx, z.ID, y.ID, 3)
	require.NoError(t, err)

	n, err := h.svc.SweepRelations(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	h.clock.Advance(72 * time.Hour)
	n, err = h.svc.SweepRelations(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	due, err := h.st.ListDueRelations(ctx, h.clock.Now())
	require.NoError(t, err)
	assert.Empty(t, due)
	assert.Equal(t, 2, h.bus.count(events.RelationExpired))
	assert.Equal(t, map[model.RelationType]model.RelationStatus{model.RelationNeutral: model.RelationActive},
		relationTypes(t, h, z.ID))
}

func TestScheduleSweep(t *testing.T) {
	h := newHarness(t)
	s := scheduler.New(nop())
	defer s.Stop()
	assert.False(t, h.svc.ScheduleSweep(s))
	assert.Empty(t, s.ListTickers())

	h = newHarness(t, withConfig(func(c *config.GuildConfig) { c.RelationSweep = 20 * time.Millisecond }))
	ctx := context.Background()
	x, y, _ := threeGuilds(t, h)
	_, err := h.svc.ProposeRelation(ctx, x.ID, y.ID, 1, model.RelationAlly)
	require.NoError(t, err)
	h.clock.Advance(25 * time.Hour)

	require.True(t, h.svc.ScheduleSweep(s))
	assert.Contains(t, s.ListTickers(), SweepTaskName)
	assert.Eventually(t, func() bool {
		due, err := h.st.ListDueRelations(ctx, h.clock.Now())
		return err == nil && len(due) == 0
	}, 2*time.Second, 10*time.Millisecond)
}
