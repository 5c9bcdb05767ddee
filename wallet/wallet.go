// Package wallet holds player gold purses used by the guild treasury.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/kasuganosora/guildserver/model"
	"gorm.io/gorm"
)

// ErrUnknownPlayer is returned when the player has no purse.
var ErrUnknownPlayer = errors.New("wallet: unknown player")

// CharacterWallet debits and credits model.Character.Gold.
type CharacterWallet struct {
	db *gorm.DB
}

// NewCharacterWallet returns a wallet over the characters table.
func NewCharacterWallet(db *gorm.DB) *CharacterWallet {
	return &CharacterWallet{db: db}
}

// Debit removes amount from the player's gold. It returns false without
// error when the player cannot afford it.
func (w *CharacterWallet) Debit(ctx context.Context, playerID, amount int64) (bool, error) {
	if amount <= 0 {
		return false, fmt.Errorf("wallet: invalid debit amount %d", amount)
	}
	res := w.db.WithContext(ctx).Model(&model.Character{}).
		Where("id = ? AND gold >= ?", playerID, amount).
		UpdateColumn("gold", gorm.Expr("gold - ?", amount))
	if res.Error != nil {
		return false, fmt.Errorf("wallet debit %d: %w", playerID, res.Error)
	}
	if res.RowsAffected == 0 {
		if _, err := w.BalanceOf(ctx, playerID); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// Credit adds amount to the player's gold.
func (w *CharacterWallet) Credit(ctx context.Context, playerID, amount int64) (bool, error) {
	if amount <= 0 {
		return false, fmt.Errorf("wallet: invalid credit amount %d", amount)
	}
	res := w.db.WithContext(ctx).Model(&model.Character{}).
		Where("id = ?", playerID).
		UpdateColumn("gold", gorm.Expr("gold + ?", amount))
	if res.Error != nil {
		return false, fmt.Errorf("wallet credit %d: %w", playerID, res.Error)
	}
	if res.RowsAffected == 0 {
		return false, fmt.Errorf("wallet credit %d: %w", playerID, ErrUnknownPlayer)
	}
	return true, nil
}

// BalanceOf returns the player's gold.
func (w *CharacterWallet) BalanceOf(ctx context.Context, playerID int64) (int64, error) {
	var c model.Character
	err := w.db.WithContext(ctx).Select("gold").Where("id = ?", playerID).First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, fmt.Errorf("wallet balance %d: %w", playerID, ErrUnknownPlayer)
	}
	if err != nil {
		return 0, fmt.Errorf("wallet balance %d: %w", playerID, err)
	}
	return c.Gold, nil
}

// Memory is an in-process wallet. Unknown players start with zero gold.
type Memory struct {
	mu       sync.Mutex
	balances map[int64]int64
	// FailCredit, when set, makes Credit fail for that player. Used to
	// exercise compensation paths.
	FailCredit func(playerID int64) error
}

// NewMemory returns an empty in-process wallet.
func NewMemory() *Memory {
	return &Memory{balances: make(map[int64]int64)}
}

// Set overwrites a player's balance.
func (m *Memory) Set(playerID, amount int64) {
	m.mu.Lock()
	m.balances[playerID] = amount
	m.mu.Unlock()
}

func (m *Memory) Debit(_ context.Context, playerID, amount int64) (bool, error) {
	if amount <= 0 {
		return false, fmt.Errorf("wallet: invalid debit amount %d", amount)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.balances[playerID] < amount {
		return false, nil
	}
	m.balances[playerID] -= amount
	return true, nil
}

func (m *Memory) Credit(_ context.Context, playerID, amount int64) (bool, error) {
	if amount <= 0 {
		return false, fmt.Errorf("wallet: invalid credit amount %d", amount)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailCredit != nil {
		if err := m.FailCredit(playerID); err != nil {
			return false, err
		}
	}
	m.balances[playerID] += amount
	return true, nil
}

func (m *Memory) BalanceOf(_ context.Context, playerID int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[playerID], nil
}
