package testutil

import (
	"fmt"
	"strings"
	"testing"
	"unicode"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/kasuganosora/guildserver/cache"
	dbsqlite "github.com/kasuganosora/guildserver/db/sqlite"
	"github.com/kasuganosora/guildserver/model"
	"github.com/kasuganosora/guildserver/store"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// SetupTestDB creates an isolated in-memory SQLite DB and runs AutoMigrate.
// Each call gets its own shared-cache database, so tests may run in parallel.
func SetupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_busy_timeout=5000", uuid.NewString())
	db, err := dbsqlite.Open(dsn)
	require.NoError(t, err, "SetupTestDB: Open")
	require.NoError(t, model.AutoMigrate(db), "SetupTestDB: AutoMigrate")
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

// SetupTestStore returns a GORM-backed store over SetupTestDB.
func SetupTestStore(t *testing.T) (*store.GormStore, *gorm.DB) {
	t.Helper()
	db := SetupTestDB(t)
	return store.NewGormStore(db), db
}

// SetupTestCache creates LocalCache and LocalPubSub (no Redis required).
func SetupTestCache(t *testing.T) (cache.Cache, cache.PubSub) {
	t.Helper()
	cfg := cache.CacheConfig{} // empty RedisAddr → LocalCache
	c, err := cache.NewCache(cfg)
	require.NoError(t, err, "SetupTestCache: NewCache")
	if closer, ok := c.(interface{ Close() }); ok {
		t.Cleanup(closer.Close)
	}
	ps, err := cache.NewPubSub(cfg)
	require.NoError(t, err, "SetupTestCache: NewPubSub")
	return c, ps
}

// NewFaker returns a deterministic faker for the test.
func NewFaker(seed uint64) *gofakeit.Faker {
	return gofakeit.New(seed)
}

// GuildName generates a valid guild name such as "Brave Otter 4821".
func GuildName(f *gofakeit.Faker) string {
	word := func(s string) string {
		s = strings.Map(func(r rune) rune {
			if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
				return r
			}
			return -1
		}, s)
		if len(s) > 7 {
			s = s[:7]
		}
		if s == "" {
			return "Guild"
		}
		return strings.ToUpper(s[:1]) + s[1:]
	}
	return word(f.Adjective()) + " " + word(f.Animal()) + " " + f.Numerify("####")
}
