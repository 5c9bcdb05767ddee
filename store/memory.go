package store

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/kasuganosora/guildserver/model"
)

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*memState)(nil)
	_ Store = (*GormStore)(nil)
)

// MemoryStore keeps everything in process memory. It enforces the same
// unique indexes as the SQL schema. WithTx holds the write lock, runs fn on a
// copy of the state and swaps the copy in on success.
type MemoryStore struct {
	mu sync.RWMutex
	st *memState
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{st: newMemState()}
}

func (m *MemoryStore) read(fn func(st *memState) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fn(m.st)
}

func (m *MemoryStore) write(fn func(st *memState) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(m.st)
}

func (m *MemoryStore) WithTx(ctx context.Context, fn func(tx Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	draft := m.st.clone()
	if err := fn(draft); err != nil {
		return err
	}
	m.st = draft
	return nil
}

func (m *MemoryStore) GetGuild(ctx context.Context, id int64) (g *model.Guild, err error) {
	err = m.read(func(st *memState) error { g, err = st.GetGuild(ctx, id); return err })
	return
}

func (m *MemoryStore) GetGuildByName(ctx context.Context, nameKey string) (g *model.Guild, err error) {
	err = m.read(func(st *memState) error { g, err = st.GetGuildByName(ctx, nameKey); return err })
	return
}

func (m *MemoryStore) GetGuildByTag(ctx context.Context, tagKey string) (g *model.Guild, err error) {
	err = m.read(func(st *memState) error { g, err = st.GetGuildByTag(ctx, tagKey); return err })
	return
}

func (m *MemoryStore) ListGuilds(ctx context.Context, opts ListOptions) (out []model.Guild, err error) {
	err = m.read(func(st *memState) error { out, err = st.ListGuilds(ctx, opts); return err })
	return
}

func (m *MemoryStore) CountGuilds(ctx context.Context) (n int64, err error) {
	err = m.read(func(st *memState) error { n, err = st.CountGuilds(ctx); return err })
	return
}

func (m *MemoryStore) InsertGuild(ctx context.Context, g *model.Guild) error {
	return m.write(func(st *memState) error { return st.InsertGuild(ctx, g) })
}

func (m *MemoryStore) UpdateGuild(ctx context.Context, g *model.Guild) error {
	return m.write(func(st *memState) error { return st.UpdateGuild(ctx, g) })
}

func (m *MemoryStore) DeleteGuild(ctx context.Context, id int64) error {
	return m.write(func(st *memState) error { return st.DeleteGuild(ctx, id) })
}

func (m *MemoryStore) GetMember(ctx context.Context, playerID int64) (gm *model.GuildMember, err error) {
	err = m.read(func(st *memState) error { gm, err = st.GetMember(ctx, playerID); return err })
	return
}

func (m *MemoryStore) ListMembers(ctx context.Context, guildID int64) (out []model.GuildMember, err error) {
	err = m.read(func(st *memState) error { out, err = st.ListMembers(ctx, guildID); return err })
	return
}

func (m *MemoryStore) CountMembers(ctx context.Context, guildID int64) (n int, err error) {
	err = m.read(func(st *memState) error { n, err = st.CountMembers(ctx, guildID); return err })
	return
}

func (m *MemoryStore) InsertMember(ctx context.Context, gm *model.GuildMember) error {
	return m.write(func(st *memState) error { return st.InsertMember(ctx, gm) })
}

func (m *MemoryStore) UpdateMember(ctx context.Context, gm *model.GuildMember) error {
	return m.write(func(st *memState) error { return st.UpdateMember(ctx, gm) })
}

func (m *MemoryStore) DeleteMember(ctx context.Context, playerID int64) error {
	return m.write(func(st *memState) error { return st.DeleteMember(ctx, playerID) })
}

func (m *MemoryStore) DeleteMembers(ctx context.Context, guildID int64) error {
	return m.write(func(st *memState) error { return st.DeleteMembers(ctx, guildID) })
}

func (m *MemoryStore) GetRelation(ctx context.Context, id int64) (r *model.GuildRelation, err error) {
	err = m.read(func(st *memState) error { r, err = st.GetRelation(ctx, id); return err })
	return
}

func (m *MemoryStore) ListRelations(ctx context.Context, guildID int64) (out []model.GuildRelation, err error) {
	err = m.read(func(st *memState) error { out, err = st.ListRelations(ctx, guildID); return err })
	return
}

func (m *MemoryStore) ListPairRelations(ctx context.Context, a, b int64) (out []model.GuildRelation, err error) {
	err = m.read(func(st *memState) error { out, err = st.ListPairRelations(ctx, a, b); return err })
	return
}

func (m *MemoryStore) ListDueRelations(ctx context.Context, t time.Time) (out []model.GuildRelation, err error) {
	err = m.read(func(st *memState) error { out, err = st.ListDueRelations(ctx, t); return err })
	return
}

func (m *MemoryStore) InsertRelation(ctx context.Context, r *model.GuildRelation) error {
	return m.write(func(st *memState) error { return st.InsertRelation(ctx, r) })
}

func (m *MemoryStore) UpdateRelation(ctx context.Context, r *model.GuildRelation) error {
	return m.write(func(st *memState) error { return st.UpdateRelation(ctx, r) })
}

func (m *MemoryStore) DeleteRelation(ctx context.Context, id int64) error {
	return m.write(func(st *memState) error { return st.DeleteRelation(ctx, id) })
}

func (m *MemoryStore) AppendLogs(ctx context.Context, logs []model.GuildLog) error {
	return m.write(func(st *memState) error { return st.AppendLogs(ctx, logs) })
}

func (m *MemoryStore) ListLogs(ctx context.Context, guildID int64, limit int) (out []model.GuildLog, err error) {
	err = m.read(func(st *memState) error { out, err = st.ListLogs(ctx, guildID, limit); return err })
	return
}

// memState is the unlocked data set. It implements Store itself so a
// transaction draft can be handed straight to WithTx callbacks.
type memState struct {
	guilds    map[int64]*model.Guild
	members   map[int64]*model.GuildMember // by player
	relations map[int64]*model.GuildRelation
	logs      []model.GuildLog
	nextGuild int64
	nextRel   int64
	nextLog   int64
}

func newMemState() *memState {
	return &memState{
		guilds:    make(map[int64]*model.Guild),
		members:   make(map[int64]*model.GuildMember),
		relations: make(map[int64]*model.GuildRelation),
	}
}

// clone copies the indexes. Rows are replaced on write, never mutated in
// place, so the draft may share row pointers with the committed state.
func (st *memState) clone() *memState {
	return &memState{
		guilds:    maps.Clone(st.guilds),
		members:   maps.Clone(st.members),
		relations: maps.Clone(st.relations),
		logs:      slices.Clip(st.logs),
		nextGuild: st.nextGuild,
		nextRel:   st.nextRel,
		nextLog:   st.nextLog,
	}
}

func copyGuild(g *model.Guild) *model.Guild {
	c := *g
	if g.TagKey != nil {
		k := *g.TagKey
		c.TagKey = &k
	}
	if g.Home != nil {
		h := *g.Home
		c.Home = &h
	}
	return &c
}

func copyRelation(r *model.GuildRelation) *model.GuildRelation {
	c := *r
	if r.ExpiresAt != nil {
		t := *r.ExpiresAt
		c.ExpiresAt = &t
	}
	return &c
}

func copyMember(m *model.GuildMember) *model.GuildMember {
	c := *m
	return &c
}

func (st *memState) WithTx(_ context.Context, fn func(tx Store) error) error {
	// Already inside the outer transaction's draft.
	return fn(st)
}

// ---- Guilds ----

func (st *memState) GetGuild(_ context.Context, id int64) (*model.Guild, error) {
	g, ok := st.guilds[id]
	if !ok {
		return nil, fmt.Errorf("get guild %d: %w", id, ErrNotFound)
	}
	return copyGuild(g), nil
}

func (st *memState) findGuild(match func(*model.Guild) bool) *model.Guild {
	for _, g := range st.guilds {
		if match(g) {
			return g
		}
	}
	return nil
}

func (st *memState) GetGuildByName(_ context.Context, nameKey string) (*model.Guild, error) {
	g := st.findGuild(func(g *model.Guild) bool { return g.NameKey == nameKey })
	if g == nil {
		return nil, fmt.Errorf("get guild by name: %w", ErrNotFound)
	}
	return copyGuild(g), nil
}

func (st *memState) GetGuildByTag(_ context.Context, tagKey string) (*model.Guild, error) {
	g := st.findGuild(func(g *model.Guild) bool { return g.TagKey != nil && *g.TagKey == tagKey })
	if g == nil {
		return nil, fmt.Errorf("get guild by tag: %w", ErrNotFound)
	}
	return copyGuild(g), nil
}

func (st *memState) ListGuilds(_ context.Context, opts ListOptions) ([]model.Guild, error) {
	ids := slices.Sorted(maps.Keys(st.guilds))
	search := strings.ToLower(opts.Search)
	var out []model.Guild
	skipped := 0
	for _, id := range ids {
		g := st.guilds[id]
		if search != "" && !strings.Contains(g.NameKey, search) {
			continue
		}
		if skipped < opts.Offset {
			skipped++
			continue
		}
		out = append(out, *copyGuild(g))
		if opts.Limit > 0 && len(out) == opts.Limit {
			break
		}
	}
	return out, nil
}

func (st *memState) CountGuilds(context.Context) (int64, error) {
	return int64(len(st.guilds)), nil
}

// checkGuildUnique mirrors the name_key / tag_key unique indexes.
func (st *memState) checkGuildUnique(g *model.Guild) error {
	clash := st.findGuild(func(o *model.Guild) bool {
		if o.ID == g.ID {
			return false
		}
		if o.NameKey == g.NameKey {
			return true
		}
		return o.TagKey != nil && g.TagKey != nil && *o.TagKey == *g.TagKey
	})
	if clash != nil {
		return ErrDuplicate
	}
	return nil
}

func (st *memState) InsertGuild(_ context.Context, g *model.Guild) error {
	if g.ID != 0 {
		if _, ok := st.guilds[g.ID]; ok {
			return fmt.Errorf("insert guild: %w", ErrDuplicate)
		}
	}
	if err := st.checkGuildUnique(g); err != nil {
		return fmt.Errorf("insert guild: %w", err)
	}
	if g.ID == 0 {
		st.nextGuild++
		g.ID = st.nextGuild
	} else if g.ID > st.nextGuild {
		st.nextGuild = g.ID
	}
	st.guilds[g.ID] = copyGuild(g)
	return nil
}

func (st *memState) UpdateGuild(_ context.Context, g *model.Guild) error {
	old, ok := st.guilds[g.ID]
	if !ok {
		return fmt.Errorf("update guild %d: %w", g.ID, ErrNotFound)
	}
	if err := st.checkGuildUnique(g); err != nil {
		return fmt.Errorf("update guild: %w", err)
	}
	c := copyGuild(g)
	c.CreatedAt = old.CreatedAt
	st.guilds[g.ID] = c
	return nil
}

func (st *memState) DeleteGuild(_ context.Context, id int64) error {
	if _, ok := st.guilds[id]; !ok {
		return fmt.Errorf("delete guild %d: %w", id, ErrNotFound)
	}
	delete(st.guilds, id)
	return nil
}

// ---- Members ----

func (st *memState) GetMember(_ context.Context, playerID int64) (*model.GuildMember, error) {
	m, ok := st.members[playerID]
	if !ok {
		return nil, fmt.Errorf("get member %d: %w", playerID, ErrNotFound)
	}
	return copyMember(m), nil
}

func (st *memState) ListMembers(_ context.Context, guildID int64) ([]model.GuildMember, error) {
	var out []model.GuildMember
	for _, m := range st.members {
		if m.GuildID == guildID {
			out = append(out, *m)
		}
	}
	slices.SortFunc(out, func(a, b model.GuildMember) int {
		if a.Role != b.Role {
			return int(a.Role) - int(b.Role)
		}
		if c := a.JoinedAt.Compare(b.JoinedAt); c != 0 {
			return c
		}
		switch {
		case a.PlayerID < b.PlayerID:
			return -1
		case a.PlayerID > b.PlayerID:
			return 1
		}
		return 0
	})
	return out, nil
}

func (st *memState) CountMembers(_ context.Context, guildID int64) (int, error) {
	n := 0
	for _, m := range st.members {
		if m.GuildID == guildID {
			n++
		}
	}
	return n, nil
}

func (st *memState) InsertMember(_ context.Context, m *model.GuildMember) error {
	if _, ok := st.members[m.PlayerID]; ok {
		return fmt.Errorf("insert member %d: %w", m.PlayerID, ErrDuplicate)
	}
	st.members[m.PlayerID] = copyMember(m)
	return nil
}

func (st *memState) UpdateMember(_ context.Context, m *model.GuildMember) error {
	if _, ok := st.members[m.PlayerID]; !ok {
		return fmt.Errorf("update member %d: %w", m.PlayerID, ErrNotFound)
	}
	st.members[m.PlayerID] = copyMember(m)
	return nil
}

func (st *memState) DeleteMember(_ context.Context, playerID int64) error {
	if _, ok := st.members[playerID]; !ok {
		return fmt.Errorf("delete member %d: %w", playerID, ErrNotFound)
	}
	delete(st.members, playerID)
	return nil
}

func (st *memState) DeleteMembers(_ context.Context, guildID int64) error {
	maps.DeleteFunc(st.members, func(_ int64, m *model.GuildMember) bool { return m.GuildID == guildID })
	return nil
}

// ---- Relations ----

func (st *memState) GetRelation(_ context.Context, id int64) (*model.GuildRelation, error) {
	r, ok := st.relations[id]
	if !ok {
		return nil, fmt.Errorf("get relation %d: %w", id, ErrNotFound)
	}
	return copyRelation(r), nil
}

func (st *memState) filterRelations(match func(*model.GuildRelation) bool) []model.GuildRelation {
	var out []model.GuildRelation
	for _, id := range slices.Sorted(maps.Keys(st.relations)) {
		if r := st.relations[id]; match(r) {
			out = append(out, *copyRelation(r))
		}
	}
	return out
}

func (st *memState) ListRelations(_ context.Context, guildID int64) ([]model.GuildRelation, error) {
	return st.filterRelations(func(r *model.GuildRelation) bool { return r.Involves(guildID) }), nil
}

func (st *memState) ListPairRelations(_ context.Context, a, b int64) ([]model.GuildRelation, error) {
	a, b = canonical(a, b)
	return st.filterRelations(func(r *model.GuildRelation) bool { return r.GuildA == a && r.GuildB == b }), nil
}

func (st *memState) ListDueRelations(_ context.Context, t time.Time) ([]model.GuildRelation, error) {
	return st.filterRelations(func(r *model.GuildRelation) bool {
		return !r.Status.Terminal() && r.ExpiresAt != nil && !r.ExpiresAt.After(t)
	}), nil
}

func (st *memState) InsertRelation(_ context.Context, r *model.GuildRelation) error {
	if r.ID != 0 {
		if _, ok := st.relations[r.ID]; ok {
			return fmt.Errorf("insert relation: %w", ErrDuplicate)
		}
	} else {
		st.nextRel++
		r.ID = st.nextRel
	}
	if r.ID > st.nextRel {
		st.nextRel = r.ID
	}
	st.relations[r.ID] = copyRelation(r)
	return nil
}

func (st *memState) UpdateRelation(_ context.Context, r *model.GuildRelation) error {
	old, ok := st.relations[r.ID]
	if !ok {
		return fmt.Errorf("update relation %d: %w", r.ID, ErrNotFound)
	}
	c := copyRelation(r)
	c.CreatedAt = old.CreatedAt
	st.relations[r.ID] = c
	return nil
}

func (st *memState) DeleteRelation(_ context.Context, id int64) error {
	if _, ok := st.relations[id]; !ok {
		return fmt.Errorf("delete relation %d: %w", id, ErrNotFound)
	}
	delete(st.relations, id)
	return nil
}

// ---- Logs ----

func (st *memState) AppendLogs(_ context.Context, logs []model.GuildLog) error {
	for i := range logs {
		st.nextLog++
		logs[i].ID = st.nextLog
		e := logs[i]
		e.Details = slices.Clone(e.Details)
		st.logs = append(st.logs, e)
	}
	return nil
}

func (st *memState) ListLogs(_ context.Context, guildID int64, limit int) ([]model.GuildLog, error) {
	var out []model.GuildLog
	for i := len(st.logs) - 1; i >= 0; i-- {
		if st.logs[i].GuildID != guildID {
			continue
		}
		out = append(out, st.logs[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
