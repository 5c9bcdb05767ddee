package guild

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kasuganosora/guildserver/config"
	"github.com/kasuganosora/guildserver/events"
	"github.com/kasuganosora/guildserver/model"
	"github.com/kasuganosora/guildserver/plugin/hook"
	"github.com/kasuganosora/guildserver/saga"
	"github.com/kasuganosora/guildserver/serial"
	"github.com/kasuganosora/guildserver/store"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errDiskFull = errors.New("disk full")

// flakyStore fails UpdateGuild for guilds matched by failFor.
type flakyStore struct {
	store.Store
	failFor atomic.Int64 // guild id, 0 = never
}

func (s *flakyStore) UpdateGuild(ctx context.Context, g *model.Guild) error {
	if id := s.failFor.Load(); id != 0 && id == g.ID {
		return errDiskFull
	}
	return s.Store.UpdateGuild(ctx, g)
}

func newFlakyHarness(t *testing.T) (*harness, *flakyStore) {
	fs := &flakyStore{Store: store.NewMemoryStore()}
	h := newHarness(t, func(o *Options) { o.Store = fs })
	return h, fs
}

func TestDeposit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	g := h.create(t, 1, "Phoenix")
	h.join(t, g.ID, 1, 2)
	h.wallet.Set(2, 500)

	bal, err := h.svc.Deposit(ctx, g.ID, 2, 120)
	require.NoError(t, err)
	assert.Equal(t, int64(120), bal)
	left, _ := h.wallet.BalanceOf(ctx, 2)
	assert.Equal(t, int64(380), left)

	_, err = h.svc.Deposit(ctx, g.ID, 2, 1000)
	assert.ErrorIs(t, err, ErrInsufficientFunds)
	requireKind(t, err, KindInsufficientFunds)
	assert.Equal(t, int64(120), h.balance(t, g.ID))

	_, err = h.svc.Deposit(ctx, g.ID, 3, 10)
	assert.ErrorIs(t, err, ErrNotMember)
	_, err = h.svc.Deposit(ctx, g.ID, 2, 0)
	requireKind(t, err, KindInvalidInput)
	_, err = h.svc.Deposit(ctx, g.ID, 2, -5)
	requireKind(t, err, KindInvalidInput)
	assert.Equal(t, 1, h.bus.count(events.TreasuryDeposit))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Operations.WithLabelValues("Deposit", "ok")))
}

func TestDeposit_Overflow(t *testing.T) {
	h := newHarness(t, withConfig(func(c *config.GuildConfig) { c.MaxBalance = 100 }))
	ctx := context.Background()
	g := h.create(t, 1, "Phoenix")
	h.wallet.Set(1, 1000)

	_, err := h.svc.Deposit(ctx, g.ID, 1, 100)
	require.NoError(t, err)
	_, err = h.svc.Deposit(ctx, g.ID, 1, 1)
	assert.ErrorIs(t, err, ErrBalanceOverflow)
	left, _ := h.wallet.BalanceOf(ctx, 1)
	assert.Equal(t, int64(900), left)
}

func TestDeposit_CompensatesWallet(t *testing.T) {
	h, fs := newFlakyHarness(t)
	ctx := context.Background()
	g := h.create(t, 1, "Phoenix")
	h.wallet.Set(1, 300)
	fs.failFor.Store(g.ID)

	_, err := h.svc.Deposit(ctx, g.ID, 1, 200)
	assert.ErrorIs(t, err, ErrDepositFailed)
	requireKind(t, err, KindInvalidState)
	assert.False(t, CompensationFailed(err))
	var se *saga.Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "credit_guild", se.Step)

	left, _ := h.wallet.BalanceOf(ctx, 1)
	assert.Equal(t, int64(300), left)
	assert.Equal(t, int64(0), h.balance(t, g.ID))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Compensations.WithLabelValues("Deposit", "ok")))
}

func TestDeposit_CompensationFailure(t *testing.T) {
	h, fs := newFlakyHarness(t)
	ctx := context.Background()
	g := h.create(t, 1, "Phoenix")
	h.wallet.Set(1, 300)
	fs.failFor.Store(g.ID)
	h.wallet.FailCredit = func(int64) error { return errors.New("economy offline") }

	_, err := h.svc.Deposit(ctx, g.ID, 1, 200)
	assert.ErrorIs(t, err, ErrDepositFailed)
	assert.True(t, CompensationFailed(err))
	assert.Contains(t, err.Error(), "economy offline")
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Compensations.WithLabelValues("Deposit", "failed")))
}

func TestWithdraw(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	g := h.create(t, 1, "Phoenix")
	h.join(t, g.ID, 1, 2)
	_, err := h.svc.SetRole(ctx, g.ID, 1, 2, model.GuildRoleOfficer)
	require.NoError(t, err)
	h.wallet.Set(2, 500)
	_, err = h.svc.Deposit(ctx, g.ID, 2, 500)
	require.NoError(t, err)

	_, err = h.svc.Withdraw(ctx, g.ID, 2, 10)
	assert.ErrorIs(t, err, ErrNotLeader)
	_, err = h.svc.Withdraw(ctx, g.ID, 1, 501)
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	bal, err := h.svc.Withdraw(ctx, g.ID, 1, 200)
	require.NoError(t, err)
	assert.Equal(t, int64(300), bal)
	got, _ := h.wallet.BalanceOf(ctx, 1)
	assert.Equal(t, int64(200), got)
}

func TestWithdraw_CompensatesGuild(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	g := h.create(t, 1, "Phoenix")
	h.wallet.Set(1, 400)
	_, err := h.svc.Deposit(ctx, g.ID, 1, 400)
	require.NoError(t, err)
	h.wallet.FailCredit = func(int64) error { return errors.New("purse locked") }

	_, err = h.svc.Withdraw(ctx, g.ID, 1, 150)
	assert.ErrorIs(t, err, ErrWithdrawFailed)
	assert.False(t, CompensationFailed(err))
	assert.Equal(t, int64(400), h.balance(t, g.ID))
}

func TestTransfer(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	x := h.create(t, 1, "Phoenix")
	y := h.create(t, 2, "Crows")
	h.wallet.Set(1, 1000)
	_, err := h.svc.Deposit(ctx, x.ID, 1, 1000)
	require.NoError(t, err)

	requireKind(t, h.svc.Transfer(ctx, x.ID, x.ID, 1, 10), KindInvalidInput)
	assert.ErrorIs(t, h.svc.Transfer(ctx, x.ID, y.ID, 2, 10), ErrNotLeader)
	assert.ErrorIs(t, h.svc.Transfer(ctx, x.ID, y.ID, 1, 1001), ErrInsufficientFunds)
	assert.ErrorIs(t, h.svc.Transfer(ctx, x.ID, 404, 1, 10), ErrGuildNotFound)

	require.NoError(t, h.svc.Transfer(ctx, x.ID, y.ID, 1, 250))
	assert.Equal(t, int64(750), h.balance(t, x.ID))
	assert.Equal(t, int64(250), h.balance(t, y.ID))
	assert.Equal(t, 2, h.bus.count(events.TreasuryTransfer))

	_, err = h.svc.SetFrozen(ctx, y.ID, adminID, true)
	require.NoError(t, err)
	assert.ErrorIs(t, h.svc.Transfer(ctx, x.ID, y.ID, 1, 10), ErrFrozen)
}

func TestTransfer_CompensatesSource(t *testing.T) {
	h, fs := newFlakyHarness(t)
	ctx := context.Background()
	x := h.create(t, 1, "Phoenix")
	y := h.create(t, 2, "Crows")
	h.wallet.Set(1, 100)
	_, err := h.svc.Deposit(ctx, x.ID, 1, 100)
	require.NoError(t, err)
	fs.failFor.Store(y.ID)

	err = h.svc.Transfer(ctx, x.ID, y.ID, 1, 60)
	assert.ErrorIs(t, err, ErrTransferFailed)
	assert.False(t, CompensationFailed(err))
	assert.ErrorIs(t, err, errDiskFull)
	assert.Equal(t, int64(100), h.balance(t, x.ID))
	assert.Equal(t, int64(0), h.balance(t, y.ID))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Compensations.WithLabelValues("Transfer", "ok")))
}

func TestConcurrentDeposits_NoLostUpdates(t *testing.T) {
	eachBackend(t, func(t *testing.T, h *harness) {
		ctx := context.Background()
		g := h.create(t, 1, "Phoenix")
		const n, amount = 40, 25
		h.wallet.Set(1, n*amount)

		var wg sync.WaitGroup
		errs := make(chan error, n)
		for range n {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := h.svc.Deposit(ctx, g.ID, 1, amount); err != nil {
					errs <- err
				}
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			t.Errorf("deposit failed: %v", err)
		}
		assert.Equal(t, int64(n*amount), h.balance(t, g.ID))
		left, _ := h.wallet.BalanceOf(ctx, 1)
		assert.Zero(t, left)
	})
}

func TestConcurrentWithdraws_NeverNegative(t *testing.T) {
	eachBackend(t, func(t *testing.T, h *harness) {
		ctx := context.Background()
		g := h.create(t, 1, "Phoenix")
		h.wallet.Set(1, 100)
		_, err := h.svc.Deposit(ctx, g.ID, 1, 100)
		require.NoError(t, err)

		var (
			wg sync.WaitGroup
			ok atomic.Int32
		)
		for range 25 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := h.svc.Withdraw(ctx, g.ID, 1, 10)
				if err == nil {
					ok.Add(1)
					return
				}
				assert.ErrorIs(t, err, ErrInsufficientFunds)
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(10), ok.Load())
		assert.Zero(t, h.balance(t, g.ID))
	})
}

func TestOppositeTransfers_NoDeadlock(t *testing.T) {
	eachBackend(t, func(t *testing.T, h *harness) {
		x := h.create(t, 1, "Phoenix")
		y := h.create(t, 2, "Crows")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		for _, p := range []struct{ leader, guild int64 }{{1, x.ID}, {2, y.ID}} {
			h.wallet.Set(p.leader, 1000)
			_, err := h.svc.Deposit(ctx, p.guild, p.leader, 1000)
			require.NoError(t, err)
		}

		var wg sync.WaitGroup
		for range 50 {
			wg.Add(2)
			go func() {
				defer wg.Done()
				assert.NoError(t, h.svc.Transfer(ctx, x.ID, y.ID, 1, 3))
			}()
			go func() {
				defer wg.Done()
				assert.NoError(t, h.svc.Transfer(ctx, y.ID, x.ID, 2, 5))
			}()
		}
		wg.Wait()
		require.NoError(t, ctx.Err())
		assert.Equal(t, int64(1000-150+250), h.balance(t, x.ID))
		assert.Equal(t, int64(1000+150-250), h.balance(t, y.ID))
		assert.Zero(t, h.svc.Serializer().ActiveKeys())
	})
}

func TestTimeout_SkipsQueuedOperation(t *testing.T) {
	h := newHarness(t)
	g := h.create(t, 1, "Phoenix")
	h.wallet.Set(1, 100)

	release := make(chan struct{})
	holding := serial.Submit(h.svc.Serializer(), context.Background(), []serial.Key{serial.GuildKey(g.ID)},
		func(context.Context) (struct{}, error) {
			<-release
			return struct{}{}, nil
		})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := h.svc.Deposit(ctx, g.ID, 1, 40)
	assert.ErrorIs(t, err, ErrTimeout)
	requireKind(t, err, KindTimeout)

	close(release)
	_, err = holding.Wait(context.Background())
	require.NoError(t, err)
	// The queued deposit was skipped, not applied late.
	got, err := h.svc.GetGuildByID(context.Background(), g.ID)
	require.NoError(t, err)
	assert.Zero(t, got.Balance)
	left, _ := h.wallet.BalanceOf(context.Background(), 1)
	assert.Equal(t, int64(100), left)
}

func TestTimeout_StartedDepositReportsRealResult(t *testing.T) {
	h := newHarness(t)
	g := h.create(t, 1, "Phoenix")
	h.wallet.Set(1, 1000)
	h.hooks.Register(hook.BeforeDeposit, 0, "slow-ledger", func(context.Context, *hook.Request) error {
		time.Sleep(200 * time.Millisecond)
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	bal, err := h.svc.Deposit(ctx, g.ID, 1, 100)
	require.NoError(t, err, "a deposit that already ran must not be reported as timed out")
	assert.Equal(t, int64(100), bal)
	assert.Equal(t, int64(100), h.balance(t, g.ID))
	left, _ := h.wallet.BalanceOf(context.Background(), 1)
	assert.Equal(t, int64(900), left)
}
