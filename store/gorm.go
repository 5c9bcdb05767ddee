package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kasuganosora/guildserver/model"
	"gorm.io/gorm"
)

// GormStore is a Store backed by SQLite or MySQL through GORM.
// The *gorm.DB must be opened with TranslateError so unique violations map to ErrDuplicate.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore wraps db. Run model.AutoMigrate before use.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func translate(err error, what string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return fmt.Errorf("%s: %w", what, ErrDuplicate)
	default:
		return fmt.Errorf("%s: %w", what, err)
	}
}

func (s *GormStore) conn(ctx context.Context) *gorm.DB { return s.db.WithContext(ctx) }

// ---- Guilds ----

func (s *GormStore) GetGuild(ctx context.Context, id int64) (*model.Guild, error) {
	var g model.Guild
	if err := s.conn(ctx).First(&g, id).Error; err != nil {
		return nil, translate(err, "get guild")
	}
	return &g, nil
}

func (s *GormStore) GetGuildByName(ctx context.Context, nameKey string) (*model.Guild, error) {
	var g model.Guild
	if err := s.conn(ctx).Where("name_key = ?", nameKey).First(&g).Error; err != nil {
		return nil, translate(err, "get guild by name")
	}
	return &g, nil
}

func (s *GormStore) GetGuildByTag(ctx context.Context, tagKey string) (*model.Guild, error) {
	var g model.Guild
	if err := s.conn(ctx).Where("tag_key = ?", tagKey).First(&g).Error; err != nil {
		return nil, translate(err, "get guild by tag")
	}
	return &g, nil
}

func (s *GormStore) ListGuilds(ctx context.Context, opts ListOptions) ([]model.Guild, error) {
	q := s.conn(ctx).Model(&model.Guild{}).Order("id ASC")
	if opts.Search != "" {
		q = q.Where("name_key LIKE ? ESCAPE '!'", "%"+escapeLike(strings.ToLower(opts.Search))+"%")
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	var out []model.Guild
	if err := q.Find(&out).Error; err != nil {
		return nil, translate(err, "list guilds")
	}
	return out, nil
}

func escapeLike(s string) string {
	return strings.NewReplacer("!", "!!", "%", "!%", "_", "!_").Replace(s)
}

func (s *GormStore) CountGuilds(ctx context.Context) (int64, error) {
	var n int64
	if err := s.conn(ctx).Model(&model.Guild{}).Count(&n).Error; err != nil {
		return 0, translate(err, "count guilds")
	}
	return n, nil
}

func (s *GormStore) InsertGuild(ctx context.Context, g *model.Guild) error {
	return translate(s.conn(ctx).Create(g).Error, "insert guild")
}

func (s *GormStore) UpdateGuild(ctx context.Context, g *model.Guild) error {
	res := s.conn(ctx).Model(&model.Guild{ID: g.ID}).Select("*").Omit("id", "created_at").Updates(g)
	if res.Error != nil {
		return translate(res.Error, "update guild")
	}
	if res.RowsAffected == 0 {
		return s.mustExist(ctx, &model.Guild{}, "id = ?", g.ID, "update guild")
	}
	return nil
}

// mustExist distinguishes "no such row" from "row unchanged" after a zero-row update.
func (s *GormStore) mustExist(ctx context.Context, m any, cond string, arg any, what string) error {
	var n int64
	if err := s.conn(ctx).Model(m).Where(cond, arg).Count(&n).Error; err != nil {
		return translate(err, what)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return nil
}

func (s *GormStore) DeleteGuild(ctx context.Context, id int64) error {
	res := s.conn(ctx).Delete(&model.Guild{}, id)
	if res.Error != nil {
		return translate(res.Error, "delete guild")
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("delete guild: %w", ErrNotFound)
	}
	return nil
}

// ---- Members ----

func (s *GormStore) GetMember(ctx context.Context, playerID int64) (*model.GuildMember, error) {
	var m model.GuildMember
	if err := s.conn(ctx).Where("player_id = ?", playerID).First(&m).Error; err != nil {
		return nil, translate(err, "get member")
	}
	return &m, nil
}

func (s *GormStore) ListMembers(ctx context.Context, guildID int64) ([]model.GuildMember, error) {
	var out []model.GuildMember
	err := s.conn(ctx).Where("guild_id = ?", guildID).Order("role ASC, joined_at ASC, player_id ASC").Find(&out).Error
	if err != nil {
		return nil, translate(err, "list members")
	}
	return out, nil
}

func (s *GormStore) CountMembers(ctx context.Context, guildID int64) (int, error) {
	var n int64
	if err := s.conn(ctx).Model(&model.GuildMember{}).Where("guild_id = ?", guildID).Count(&n).Error; err != nil {
		return 0, translate(err, "count members")
	}
	return int(n), nil
}

func (s *GormStore) InsertMember(ctx context.Context, m *model.GuildMember) error {
	return translate(s.conn(ctx).Create(m).Error, "insert member")
}

func (s *GormStore) UpdateMember(ctx context.Context, m *model.GuildMember) error {
	res := s.conn(ctx).Model(&model.GuildMember{}).Where("player_id = ?", m.PlayerID).
		Updates(map[string]any{"guild_id": m.GuildID, "role": m.Role, "joined_at": m.JoinedAt})
	if res.Error != nil {
		return translate(res.Error, "update member")
	}
	if res.RowsAffected == 0 {
		return s.mustExist(ctx, &model.GuildMember{}, "player_id = ?", m.PlayerID, "update member")
	}
	return nil
}

func (s *GormStore) DeleteMember(ctx context.Context, playerID int64) error {
	res := s.conn(ctx).Where("player_id = ?", playerID).Delete(&model.GuildMember{})
	if res.Error != nil {
		return translate(res.Error, "delete member")
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("delete member: %w", ErrNotFound)
	}
	return nil
}

func (s *GormStore) DeleteMembers(ctx context.Context, guildID int64) error {
	return translate(s.conn(ctx).Where("guild_id = ?", guildID).Delete(&model.GuildMember{}).Error, "delete members")
}

// ---- Relations ----

func (s *GormStore) GetRelation(ctx context.Context, id int64) (*model.GuildRelation, error) {
	var r model.GuildRelation
	if err := s.conn(ctx).First(&r, id).Error; err != nil {
		return nil, translate(err, "get relation")
	}
	return &r, nil
}

func (s *GormStore) ListRelations(ctx context.Context, guildID int64) ([]model.GuildRelation, error) {
	var out []model.GuildRelation
	err := s.conn(ctx).Where("guild_a = ? OR guild_b = ?", guildID, guildID).Order("id ASC").Find(&out).Error
	if err != nil {
		return nil, translate(err, "list relations")
	}
	return out, nil
}

func (s *GormStore) ListPairRelations(ctx context.Context, a, b int64) ([]model.GuildRelation, error) {
	a, b = canonical(a, b)
	var out []model.GuildRelation
	if err := s.conn(ctx).Where("guild_a = ? AND guild_b = ?", a, b).Order("id ASC").Find(&out).Error; err != nil {
		return nil, translate(err, "list pair relations")
	}
	return out, nil
}

func (s *GormStore) ListDueRelations(ctx context.Context, t time.Time) ([]model.GuildRelation, error) {
	var out []model.GuildRelation
	err := s.conn(ctx).
		Where("status IN ? AND expires_at IS NOT NULL AND expires_at <= ?",
			[]model.RelationStatus{model.RelationPending, model.RelationActive}, t).
		Order("id ASC").Find(&out).Error
	if err != nil {
		return nil, translate(err, "list due relations")
	}
	return out, nil
}

func (s *GormStore) InsertRelation(ctx context.Context, r *model.GuildRelation) error {
	return translate(s.conn(ctx).Create(r).Error, "insert relation")
}

func (s *GormStore) UpdateRelation(ctx context.Context, r *model.GuildRelation) error {
	res := s.conn(ctx).Model(&model.GuildRelation{ID: r.ID}).Select("*").Omit("id", "created_at").Updates(r)
	if res.Error != nil {
		return translate(res.Error, "update relation")
	}
	if res.RowsAffected == 0 {
		return s.mustExist(ctx, &model.GuildRelation{}, "id = ?", r.ID, "update relation")
	}
	return nil
}

func (s *GormStore) DeleteRelation(ctx context.Context, id int64) error {
	res := s.conn(ctx).Delete(&model.GuildRelation{}, id)
	if res.Error != nil {
		return translate(res.Error, "delete relation")
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("delete relation: %w", ErrNotFound)
	}
	return nil
}

// ---- Logs ----

func (s *GormStore) AppendLogs(ctx context.Context, logs []model.GuildLog) error {
	if len(logs) == 0 {
		return nil
	}
	return translate(s.conn(ctx).CreateInBatches(logs, 100).Error, "append logs")
}

func (s *GormStore) ListLogs(ctx context.Context, guildID int64, limit int) ([]model.GuildLog, error) {
	q := s.conn(ctx).Where("guild_id = ?", guildID).Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []model.GuildLog
	if err := q.Find(&out).Error; err != nil {
		return nil, translate(err, "list logs")
	}
	return out, nil
}

// ---- Tx ----

func (s *GormStore) WithTx(ctx context.Context, fn func(tx Store) error) error {
	return s.conn(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&GormStore{db: tx})
	})
}
