package db

import (
	"fmt"

	"github.com/kasuganosora/guildserver/config"
	dbmysql "github.com/kasuganosora/guildserver/db/mysql"
	dbsqlite "github.com/kasuganosora/guildserver/db/sqlite"
	"gorm.io/gorm"
)

const (
	ModeMemory = "memory"
	ModeSQLite = "sqlite"
	ModeMySQL  = "mysql"
)

// Open returns a *gorm.DB for the configured database mode.
// ModeMemory has no SQL backing; callers use store.NewMemoryStore instead.
func Open(cfg config.DatabaseConfig) (*gorm.DB, error) {
	switch cfg.Mode {
	case ModeSQLite:
		return dbsqlite.Open(cfg.SQLitePath)
	case ModeMySQL:
		return dbmysql.Open(cfg.MySQLDSN, cfg.MySQLMaxOpen, cfg.MySQLMaxIdle, cfg.MySQLMaxLife)
	case ModeMemory:
		return nil, fmt.Errorf("db: mode %q has no SQL connection", cfg.Mode)
	default:
		return nil, fmt.Errorf("db: unknown mode %q", cfg.Mode)
	}
}
