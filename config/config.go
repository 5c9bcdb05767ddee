package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Log      LogConfig      `mapstructure:"log"`
	Database DatabaseConfig `mapstructure:"database"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Events   EventsConfig   `mapstructure:"events"`
	Security SecurityConfig `mapstructure:"security"`
	Guild    GuildConfig    `mapstructure:"guild"`
}

type ServerConfig struct {
	Port     int    `mapstructure:"port"`
	Debug    bool   `mapstructure:"debug"`
	AdminKey string `mapstructure:"admin_key"`
	// AdminPlayers are player IDs holding the admin override (delete any guild, freeze).
	AdminPlayers []int64 `mapstructure:"admin_players"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"` // empty = stderr only
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

type DatabaseConfig struct {
	Mode         string        `mapstructure:"mode"` // memory | sqlite | mysql
	SQLitePath   string        `mapstructure:"sqlite_path"`
	MySQLDSN     string        `mapstructure:"mysql_dsn"`
	MySQLMaxOpen int           `mapstructure:"mysql_max_open"`
	MySQLMaxIdle int           `mapstructure:"mysql_max_idle"`
	MySQLMaxLife time.Duration `mapstructure:"mysql_max_life"`
}

type CacheConfig struct {
	RedisAddr       string        `mapstructure:"redis_addr"`
	RedisPassword   string        `mapstructure:"redis_password"`
	RedisDB         int           `mapstructure:"redis_db"`
	LocalGCInterval time.Duration `mapstructure:"local_gc_interval"`
	LocalPubSubBuf  int           `mapstructure:"local_pubsub_buf"`
}

type EventsConfig struct {
	Backend string `mapstructure:"backend"` // pubsub | watermill | none
	Channel string `mapstructure:"channel"`
}

type SecurityConfig struct {
	JWTSecret      string        `mapstructure:"jwt_secret"`
	JWTTTLH        time.Duration `mapstructure:"jwt_ttl_h"`
	RateLimitRPS   float64       `mapstructure:"rate_limit_rps"`
	RateLimitBurst int           `mapstructure:"rate_limit_burst"`
	// AdminIPs restricts the admin route group. Empty allows all.
	AdminIPs []string `mapstructure:"admin_ips"`
}

// GuildConfig holds the limits and timings of the guild coordination service.
type GuildConfig struct {
	NameMin          int           `mapstructure:"name_min"`
	NameMax          int           `mapstructure:"name_max"`
	TagMax           int           `mapstructure:"tag_max"`
	DescriptionMax   int           `mapstructure:"description_max"`
	InviteTTL        time.Duration `mapstructure:"invite_ttl"`
	RelationTTL      time.Duration `mapstructure:"relation_pending_ttl"`
	TruceDuration    time.Duration `mapstructure:"truce_duration"`
	MaxLevel         int           `mapstructure:"max_level"`
	MembersBase      int           `mapstructure:"members_base"`
	MembersPerLevel  int           `mapstructure:"members_per_level"`
	LevelCosts       []int64       `mapstructure:"level_costs"` // index i = cost to reach level i+2
	FormerLeaderRole string        `mapstructure:"former_leader_role"`
	MaxBalance       int64         `mapstructure:"max_balance"`
	OpTimeout        time.Duration `mapstructure:"op_timeout"`
	RelationSweep    time.Duration `mapstructure:"relation_sweep_interval"`
}

// DefaultGuild returns the guild settings used when no config file overrides them.
func DefaultGuild() GuildConfig {
	return GuildConfig{
		NameMin:          3,
		NameMax:          20,
		TagMax:           6,
		DescriptionMax:   100,
		InviteTTL:        5 * time.Minute,
		RelationTTL:      24 * time.Hour,
		TruceDuration:    72 * time.Hour,
		MaxLevel:         10,
		MembersBase:      10,
		MembersPerLevel:  5,
		LevelCosts:       []int64{1000, 2500, 5000, 10000, 20000, 35000, 50000, 75000, 100000},
		FormerLeaderRole: "officer",
		MaxBalance:       1_000_000_000_000,
		OpTimeout:        10 * time.Second,
	}
}

// Validate rejects limits the guild service cannot operate with.
func (g GuildConfig) Validate() error {
	switch {
	case g.NameMin < 1 || g.NameMax < g.NameMin:
		return fmt.Errorf("guild: invalid name bounds %d..%d", g.NameMin, g.NameMax)
	case g.TagMax < 1:
		return errors.New("guild: tag_max must be positive")
	case g.DescriptionMax < 1:
		return errors.New("guild: description_max must be positive")
	case g.MaxLevel < 1 || g.MaxLevel > 10:
		return fmt.Errorf("guild: max_level %d outside 1..10", g.MaxLevel)
	case g.MembersBase < 1 || g.MembersPerLevel < 0:
		return fmt.Errorf("guild: invalid capacity base=%d per_level=%d", g.MembersBase, g.MembersPerLevel)
	case len(g.LevelCosts) < g.MaxLevel-1:
		return fmt.Errorf("guild: level_costs needs %d entries, got %d", g.MaxLevel-1, len(g.LevelCosts))
	case g.InviteTTL <= 0 || g.RelationTTL <= 0 || g.TruceDuration <= 0:
		return errors.New("guild: ttl values must be positive")
	case g.FormerLeaderRole != "officer" && g.FormerLeaderRole != "member":
		return fmt.Errorf("guild: former_leader_role %q must be officer or member", g.FormerLeaderRole)
	case g.MaxBalance <= 0:
		return errors.New("guild: max_balance must be positive")
	}
	return nil
}

// Load reads config from the given YAML file path.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	// Defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.debug", false)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 14)
	v.SetDefault("database.mode", "sqlite")
	v.SetDefault("database.sqlite_path", "./data/guild.db")
	v.SetDefault("database.mysql_max_open", 50)
	v.SetDefault("database.mysql_max_idle", 10)
	v.SetDefault("database.mysql_max_life", "1h")
	v.SetDefault("cache.local_gc_interval", "30s")
	v.SetDefault("cache.local_pubsub_buf", 256)
	v.SetDefault("events.backend", "pubsub")
	v.SetDefault("events.channel", "guild.events")
	v.SetDefault("security.jwt_ttl_h", "72h")
	v.SetDefault("security.rate_limit_rps", 100)
	v.SetDefault("security.rate_limit_burst", 200)

	g := DefaultGuild()
	v.SetDefault("guild.name_min", g.NameMin)
	v.SetDefault("guild.name_max", g.NameMax)
	v.SetDefault("guild.tag_max", g.TagMax)
	v.SetDefault("guild.description_max", g.DescriptionMax)
	v.SetDefault("guild.invite_ttl", g.InviteTTL.String())
	v.SetDefault("guild.relation_pending_ttl", g.RelationTTL.String())
	v.SetDefault("guild.truce_duration", g.TruceDuration.String())
	v.SetDefault("guild.max_level", g.MaxLevel)
	v.SetDefault("guild.members_base", g.MembersBase)
	v.SetDefault("guild.members_per_level", g.MembersPerLevel)
	v.SetDefault("guild.level_costs", g.LevelCosts)
	v.SetDefault("guild.former_leader_role", g.FormerLeaderRole)
	v.SetDefault("guild.max_balance", g.MaxBalance)
	v.SetDefault("guild.op_timeout", g.OpTimeout.String())
	v.SetDefault("guild.relation_sweep_interval", "0s")

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Guild.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
