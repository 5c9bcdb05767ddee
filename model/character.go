package model

import "time"

// Character is the player-side record the guild server needs: identity and gold purse.
// The owning game server keeps the rest of the character sheet.
type Character struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	Name      string    `gorm:"uniqueIndex;size:32;not null" json:"name"`
	Gold      int64     `gorm:"default:0" json:"gold"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
