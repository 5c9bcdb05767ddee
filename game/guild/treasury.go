package guild

import (
	"context"
	"errors"
	"fmt"

	"github.com/kasuganosora/guildserver/events"
	"github.com/kasuganosora/guildserver/model"
	"github.com/kasuganosora/guildserver/plugin/hook"
	"github.com/kasuganosora/guildserver/saga"
	"github.com/kasuganosora/guildserver/serial"
	"go.uber.org/zap"
)

var errWalletRefused = errors.New("wallet refused credit")

func (svc *Service) fits(g *model.Guild, amount int64) error {
	if g.Balance > svc.cfg.MaxBalance-amount {
		return ErrBalanceOverflow.withMsg("balance of guild %d would exceed %d", g.ID, svc.cfg.MaxBalance)
	}
	return nil
}

// adjustBalance applies delta to the stored guild and mirrors it on g.
// The row is reloaded so a compensation never writes stale fields back.
func (svc *Service) adjustBalance(ctx context.Context, g *model.Guild, delta int64) error {
	cur, err := svc.store.GetGuild(ctx, g.ID)
	if err != nil {
		return fmt.Errorf("reload guild %d: %w", g.ID, err)
	}
	cur.Balance += delta
	if cur.Balance < 0 {
		return fmt.Errorf("guild %d balance would go negative", g.ID)
	}
	cur.UpdatedAt = svc.now()
	if err := svc.store.UpdateGuild(ctx, cur); err != nil {
		return fmt.Errorf("update guild %d: %w", g.ID, err)
	}
	*g = *cur
	return nil
}

func (svc *Service) creditPlayer(ctx context.Context, playerID, amount int64) error {
	ok, err := svc.wallet.Credit(ctx, playerID, amount)
	if err != nil {
		return err
	}
	if !ok {
		return errWalletRefused
	}
	return nil
}

// sagaFailure converts a saga outcome. A failure of the first step has
// nothing to compensate and keeps its own error; later failures become failed.
func (svc *Service) sagaFailure(op string, err error, failed *Error) error {
	var se *saga.Error
	if !errors.As(err, &se) {
		return internal(op, err)
	}
	if se.Step == firstStep[op] {
		return internal(op, se.Err)
	}
	svc.metrics.Compensated(op, se.Compensated())
	return failed.with(se)
}

var firstStep = map[string]string{
	"Deposit":  "debit_player",
	"Withdraw": "debit_guild",
	"Transfer": "debit_source",
}

// Deposit moves amount from the player's wallet into the guild balance.
// Any member may deposit. It returns the new balance.
func (svc *Service) Deposit(ctx context.Context, guildID, playerID, amount int64) (int64, error) {
	if err := validateAmount(amount); err != nil {
		return 0, err
	}
	sub := subject{guildID: guildID, actorID: playerID}
	return call(ctx, svc, "Deposit", sub, []serial.Key{serial.GuildKey(guildID)}, func(ctx context.Context) (int64, error) {
		g, err := svc.loadActive(ctx, svc.store, guildID)
		if err != nil {
			return 0, err
		}
		if _, err := svc.memberOf(ctx, svc.store, guildID, playerID); err != nil {
			return 0, err
		}
		if err := svc.fits(g, amount); err != nil {
			return 0, err
		}
		if err := svc.veto(ctx, hook.Request{Event: hook.BeforeDeposit, GuildID: guildID, ActorID: playerID, Amount: amount}); err != nil {
			return 0, err
		}

		err = saga.Run(ctx, svc.logger.With(zap.String("op", "Deposit"), zap.Int64("guild_id", guildID)),
			saga.Step{
				Name: "debit_player",
				Do: func(ctx context.Context) error {
					ok, err := svc.wallet.Debit(ctx, playerID, amount)
					if err != nil {
						return err
					}
					if !ok {
						return ErrInsufficientFunds.withMsg("player %d cannot pay %d", playerID, amount)
					}
					return nil
				},
				Undo: func(ctx context.Context) error { return svc.creditPlayer(ctx, playerID, amount) },
			},
			saga.Step{
				Name: "credit_guild",
				Do:   func(ctx context.Context) error { return svc.adjustBalance(ctx, g, amount) },
			},
		)
		if err != nil {
			return 0, svc.sagaFailure("Deposit", err, ErrDepositFailed)
		}
		svc.emit(ctx, events.Event{
			Type: events.TreasuryDeposit, GuildID: guildID, ActorID: playerID,
			Data: map[string]any{"amount": amount, "balance": g.Balance},
		}, describe("deposited %d", amount))
		return g.Balance, nil
	})
}

// Withdraw moves amount from the guild balance to the leader's wallet.
// It returns the new balance.
func (svc *Service) Withdraw(ctx context.Context, guildID, actorID, amount int64) (int64, error) {
	if err := validateAmount(amount); err != nil {
		return 0, err
	}
	sub := subject{guildID: guildID, actorID: actorID}
	return call(ctx, svc, "Withdraw", sub, []serial.Key{serial.GuildKey(guildID)}, func(ctx context.Context) (int64, error) {
		g, err := svc.loadActive(ctx, svc.store, guildID)
		if err != nil {
			return 0, err
		}
		if _, err := svc.requireLeader(ctx, svc.store, guildID, actorID); err != nil {
			return 0, err
		}
		if g.Balance < amount {
			return 0, ErrInsufficientFunds.withMsg("guild balance %d is less than %d", g.Balance, amount)
		}
		if err := svc.veto(ctx, hook.Request{Event: hook.BeforeWithdraw, GuildID: guildID, ActorID: actorID, Amount: amount}); err != nil {
			return 0, err
		}

		err = saga.Run(ctx, svc.logger.With(zap.String("op", "Withdraw"), zap.Int64("guild_id", guildID)),
			saga.Step{
				Name: "debit_guild",
				Do:   func(ctx context.Context) error { return svc.adjustBalance(ctx, g, -amount) },
				Undo: func(ctx context.Context) error { return svc.adjustBalance(ctx, g, amount) },
			},
			saga.Step{
				Name: "credit_player",
				Do:   func(ctx context.Context) error { return svc.creditPlayer(ctx, actorID, amount) },
			},
		)
		if err != nil {
			return 0, svc.sagaFailure("Withdraw", err, ErrWithdrawFailed)
		}
		svc.emit(ctx, events.Event{
			Type: events.TreasuryWithdraw, GuildID: guildID, ActorID: actorID,
			Data: map[string]any{"amount": amount, "balance": g.Balance},
		}, describe("withdrew %d", amount))
		return g.Balance, nil
	})
}

// Transfer moves amount between two guild treasuries. The actor must lead the
// source guild. Both guild keys are held, acquired in canonical order.
func (svc *Service) Transfer(ctx context.Context, fromID, toID, actorID, amount int64) error {
	if err := validateAmount(amount); err != nil {
		return err
	}
	if fromID == toID {
		return ErrInvalidArgument.withMsg("cannot transfer to the same guild")
	}
	sub := subject{guildID: fromID, actorID: actorID}
	keys := []serial.Key{serial.GuildKey(fromID), serial.GuildKey(toID)}
	return exec(ctx, svc, "Transfer", sub, keys, func(ctx context.Context) error {
		from, err := svc.loadActive(ctx, svc.store, fromID)
		if err != nil {
			return err
		}
		to, err := svc.loadActive(ctx, svc.store, toID)
		if err != nil {
			return err
		}
		if _, err := svc.requireLeader(ctx, svc.store, fromID, actorID); err != nil {
			return err
		}
		if from.Balance < amount {
			return ErrInsufficientFunds.withMsg("guild balance %d is less than %d", from.Balance, amount)
		}
		if err := svc.fits(to, amount); err != nil {
			return err
		}
		if err := svc.veto(ctx, hook.Request{Event: hook.BeforeTransfer, GuildID: fromID, ActorID: actorID, TargetID: toID, Amount: amount}); err != nil {
			return err
		}

		err = saga.Run(ctx, svc.logger.With(zap.String("op", "Transfer"), zap.Int64("guild_id", fromID), zap.Int64("to_guild_id", toID)),
			saga.Step{
				Name: "debit_source",
				Do:   func(ctx context.Context) error { return svc.adjustBalance(ctx, from, -amount) },
				Undo: func(ctx context.Context) error { return svc.adjustBalance(ctx, from, amount) },
			},
			saga.Step{
				Name: "credit_destination",
				Do:   func(ctx context.Context) error { return svc.adjustBalance(ctx, to, amount) },
			},
		)
		if err != nil {
			return svc.sagaFailure("Transfer", err, ErrTransferFailed)
		}
		svc.emit(ctx, events.Event{
			Type: events.TreasuryTransfer, GuildID: fromID, ActorID: actorID, TargetID: toID,
			Data: map[string]any{"amount": amount, "direction": "out", "balance": from.Balance},
		}, describe("transferred %d to guild %d", amount, toID))
		svc.emit(ctx, events.Event{
			Type: events.TreasuryTransfer, GuildID: toID, ActorID: actorID, TargetID: fromID,
			Data: map[string]any{"amount": amount, "direction": "in", "balance": to.Balance},
		}, describe("received %d from guild %d", amount, fromID))
		return nil
	})
}
