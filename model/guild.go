package model

import (
	"time"

	"gorm.io/datatypes"
)

// GuildRole is a member's role within the guild. Lower values outrank higher ones.
type GuildRole int

const (
	GuildRoleLeader  GuildRole = 1
	GuildRoleOfficer GuildRole = 2
	GuildRoleMember  GuildRole = 3
)

func (r GuildRole) String() string {
	switch r {
	case GuildRoleLeader:
		return "leader"
	case GuildRoleOfficer:
		return "officer"
	case GuildRoleMember:
		return "member"
	default:
		return "unknown"
	}
}

// Valid reports whether r is one of the three known roles.
func (r GuildRole) Valid() bool {
	return r >= GuildRoleLeader && r <= GuildRoleMember
}

// ParseGuildRole maps "leader" / "officer" / "member" to a GuildRole.
func ParseGuildRole(s string) (GuildRole, bool) {
	switch s {
	case "leader":
		return GuildRoleLeader, true
	case "officer":
		return GuildRoleOfficer, true
	case "member":
		return GuildRoleMember, true
	}
	return 0, false
}

// Location is a point on a game map.
type Location struct {
	MapID     int `json:"map_id"`
	X         int `json:"x"`
	Y         int `json:"y"`
	Direction int `json:"direction"` // 2=down 4=left 6=right 8=up
}

// Guild represents a player guild/clan.
type Guild struct {
	ID          int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	Name        string    `gorm:"size:32;not null" json:"name"`
	NameKey     string    `gorm:"uniqueIndex;size:32;not null" json:"-"` // lower-cased Name
	Tag         string    `gorm:"size:8" json:"tag"`
	TagKey      *string   `gorm:"uniqueIndex;size:8" json:"-"` // nil when no tag
	Description string    `gorm:"size:200" json:"description"`
	LeaderID    int64     `gorm:"not null" json:"leader_id"`
	Balance     int64     `gorm:"default:0" json:"balance"`
	Level       int       `gorm:"default:1" json:"level"`
	MaxMembers  int       `gorm:"not null" json:"max_members"`
	Frozen      bool      `gorm:"default:false" json:"frozen"`
	Home        *Location `gorm:"serializer:json" json:"home,omitempty"`
	CreatedAt   time.Time `gorm:"autoCreateTime:false" json:"created_at"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime:false" json:"updated_at"`
}

// GuildMember links a player to a guild with a role. A player belongs to at most one guild.
type GuildMember struct {
	PlayerID int64     `gorm:"primaryKey;autoIncrement:false" json:"player_id"`
	GuildID  int64     `gorm:"index:idx_guild_member;not null" json:"guild_id"`
	Role     GuildRole `gorm:"not null;default:3" json:"role"`
	JoinedAt time.Time `json:"joined_at"`
}

// RelationType is the diplomatic stance between two guilds.
type RelationType string

const (
	RelationAlly    RelationType = "ally"
	RelationEnemy   RelationType = "enemy"
	RelationWar     RelationType = "war"
	RelationTruce   RelationType = "truce"
	RelationNeutral RelationType = "neutral"
)

// Valid reports whether t is a known relation type.
func (t RelationType) Valid() bool {
	switch t {
	case RelationAlly, RelationEnemy, RelationWar, RelationTruce, RelationNeutral:
		return true
	}
	return false
}

// RelationStatus is the lifecycle state of a relation row.
type RelationStatus string

const (
	RelationPending   RelationStatus = "pending"
	RelationActive    RelationStatus = "active"
	RelationExpired   RelationStatus = "expired"
	RelationCancelled RelationStatus = "cancelled"
)

// Terminal reports whether no further transitions are possible from s.
func (s RelationStatus) Terminal() bool {
	return s == RelationExpired || s == RelationCancelled
}

// GuildRelation is a diplomatic relation between two guilds. GuildA < GuildB always.
type GuildRelation struct {
	ID               int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	GuildA           int64          `gorm:"index:idx_relation_pair;not null" json:"guild_a"`
	GuildB           int64          `gorm:"index:idx_relation_pair;index:idx_relation_b;not null" json:"guild_b"`
	Type             RelationType   `gorm:"size:16;not null" json:"type"`
	Status           RelationStatus `gorm:"size:16;not null" json:"status"`
	InitiatorID      int64          `gorm:"not null" json:"initiator_id"`
	InitiatorGuildID int64          `gorm:"not null" json:"initiator_guild_id"`
	CreatedAt        time.Time      `gorm:"autoCreateTime:false" json:"created_at"`
	UpdatedAt        time.Time      `gorm:"autoUpdateTime:false" json:"updated_at"`
	ExpiresAt        *time.Time     `json:"expires_at"`
}

// Other returns the guild on the opposite side of the relation from guildID.
func (r *GuildRelation) Other(guildID int64) int64 {
	if r.GuildA == guildID {
		return r.GuildB
	}
	return r.GuildA
}

// Involves reports whether guildID is one side of the relation.
func (r *GuildRelation) Involves(guildID int64) bool {
	return r.GuildA == guildID || r.GuildB == guildID
}

// GuildLog is an append-only audit record of a guild mutation.
type GuildLog struct {
	ID          int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	GuildID     int64          `gorm:"index:idx_guild_log;not null" json:"guild_id"`
	ActorID     int64          `json:"actor_id"`
	Type        string         `gorm:"size:32;not null" json:"type"`
	Description string         `gorm:"size:255" json:"description"`
	Details     datatypes.JSON `json:"details"`
	TraceID     string         `gorm:"size:36" json:"trace_id"`
	CreatedAt   time.Time      `gorm:"index:idx_guild_log" json:"created_at"`
}
