package rest_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kasuganosora/guildserver/api/rest"
	"github.com/kasuganosora/guildserver/audit"
	"github.com/kasuganosora/guildserver/config"
	"github.com/kasuganosora/guildserver/game/guild"
	mw "github.com/kasuganosora/guildserver/middleware"
	"github.com/kasuganosora/guildserver/store"
	"github.com/kasuganosora/guildserver/testutil"
	"github.com/kasuganosora/guildserver/wallet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	testSecret = "test-secret"
	adminID    = int64(9000)
)

func init() { gin.SetMode(gin.TestMode) }

type guildSetup struct {
	r      *gin.Engine
	svc    *guild.Service
	wallet *wallet.Memory
}

// newGuildSetup creates a router with the guild endpoints over a memory store.
func newGuildSetup(t *testing.T) *guildSetup {
	t.Helper()
	c, _ := testutil.SetupTestCache(t)
	w := wallet.NewMemory()
	st := store.NewMemoryStore()
	aud := audit.New(st, zap.NewNop())
	t.Cleanup(func() { aud.Stop(context.Background()) })
	svc, err := guild.NewService(guild.Options{
		Store:      st,
		Cache:      c,
		Wallet:     w,
		Audit:      aud,
		Authorizer: guild.NewAdminList([]int64{adminID}),
		Config:     config.DefaultGuild(),
		Logger:     zap.NewNop(),
	})
	require.NoError(t, err)

	sec := config.SecurityConfig{JWTSecret: testSecret, JWTTTLH: time.Hour}
	r := gin.New()
	r.Use(mw.TraceID())
	api := r.Group("/api", mw.Auth(sec, nil))
	rest.NewGuildHandler(svc).Register(api)
	return &guildSetup{r: r, svc: svc, wallet: w}
}

func tokenFor(t *testing.T, playerID int64) string {
	t.Helper()
	tok, err := mw.GenerateToken(playerID, testSecret, time.Hour)
	require.NoError(t, err)
	return tok
}

// do sends a request as playerID (0 = anonymous) and decodes a JSON object body.
func (s *guildSetup) do(t *testing.T, method, path string, playerID int64, body any) (int, map[string]any) {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	if playerID > 0 {
		req.Header.Set("Authorization", "Bearer "+tokenFor(t, playerID))
	}
	w := httptest.NewRecorder()
	s.r.ServeHTTP(w, req)
	var out map[string]any
	if w.Body.Len() > 0 {
		_ = json.Unmarshal(w.Body.Bytes(), &out)
	}
	return w.Code, out
}

func (s *guildSetup) createGuild(t *testing.T, founder int64, name string) int64 {
	t.Helper()
	code, body := s.do(t, http.MethodPost, "/api/guilds", founder, map[string]string{"name": name})
	require.Equal(t, http.StatusCreated, code, body)
	return int64(body["id"].(float64))
}

func (s *guildSetup) join(t *testing.T, guildID, inviter, invitee int64) {
	t.Helper()
	code, body := s.do(t, http.MethodPost, fmt.Sprintf("/api/guilds/%d/invitations", guildID), inviter,
		map[string]int64{"player_id": invitee})
	require.Equal(t, http.StatusCreated, code, body)
	code, body = s.do(t, http.MethodPost, fmt.Sprintf("/api/me/invitations/%d/accept", guildID), invitee, nil)
	require.Equal(t, http.StatusOK, code, body)
}

// ---- Auth ----

func TestGuildRoutes_RequireToken(t *testing.T) {
	s := newGuildSetup(t)
	code, _ := s.do(t, http.MethodGet, "/api/guilds", 0, nil)
	assert.Equal(t, http.StatusUnauthorized, code)
}

// ---- Create / read ----

func TestGuildCreate_Success(t *testing.T) {
	s := newGuildSetup(t)
	code, body := s.do(t, http.MethodPost, "/api/guilds", 1,
		map[string]string{"name": "Phoenix", "tag": "PHX", "description": "rise"})
	require.Equal(t, http.StatusCreated, code, body)
	assert.Equal(t, "Phoenix", body["name"])
	assert.Equal(t, float64(1), body["leader_id"])
	assert.Equal(t, float64(10), body["max_members"])
	id := int64(body["id"].(float64))

	code, body = s.do(t, http.MethodGet, fmt.Sprintf("/api/guilds/%d", id), 2, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "PHX", body["tag"])

	code, body = s.do(t, http.MethodGet, "/api/guilds/by-name/PHOENIX", 2, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(id), body["id"])

	code, body = s.do(t, http.MethodGet, "/api/me/guild", 1, nil)
	require.Equal(t, http.StatusOK, code)
	member := body["member"].(map[string]any)
	assert.Equal(t, float64(1), member["role"])
}

func TestGuildCreate_ErrorMapping(t *testing.T) {
	s := newGuildSetup(t)
	s.createGuild(t, 1, "Phoenix")

	code, body := s.do(t, http.MethodPost, "/api/guilds", 2, map[string]string{"name": "phoenix"})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "name_taken", body["code"])
	assert.Equal(t, "AlreadyExists", body["kind"])
	assert.NotEmpty(t, body["trace_id"])

	code, body = s.do(t, http.MethodPost, "/api/guilds", 2, map[string]string{"name": "x"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "invalid_name", body["code"])

	code, _ = s.do(t, http.MethodPost, "/api/guilds", 2, map[string]string{})
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = s.do(t, http.MethodPost, "/api/guilds", 1, map[string]string{"name": "Second"})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "already_in_guild", body["code"])
}

func TestGuildDetail_NotFoundAndBadID(t *testing.T) {
	s := newGuildSetup(t)
	code, body := s.do(t, http.MethodGet, "/api/guilds/999", 1, nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "guild_not_found", body["code"])

	code, _ = s.do(t, http.MethodGet, "/api/guilds/abc", 1, nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = s.do(t, http.MethodGet, "/api/me/guild", 1, nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestGuildList(t *testing.T) {
	s := newGuildSetup(t)
	for i, name := range []string{"Phoenix", "Crows", "Phantoms"} {
		s.createGuild(t, int64(i+1), name)
	}
	code, body := s.do(t, http.MethodGet, "/api/guilds?search=ph&limit=1", 1, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["guilds"], 1)
	assert.Equal(t, float64(3), body["total"])
}

// ---- Membership ----

func TestGuildMembershipFlow(t *testing.T) {
	s := newGuildSetup(t)
	id := s.createGuild(t, 1, "Phoenix")
	s.join(t, id, 1, 2)
	s.join(t, id, 1, 3)

	code, body := s.do(t, http.MethodGet, fmt.Sprintf("/api/guilds/%d/members/count", id), 2, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(3), body["count"])

	// Members cannot kick.
	code, body = s.do(t, http.MethodDelete, fmt.Sprintf("/api/guilds/%d/members/3", id), 2, nil)
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "no_permission", body["code"])

	code, body = s.do(t, http.MethodPut, fmt.Sprintf("/api/guilds/%d/members/2/role", id), 1, map[string]string{"role": "officer"})
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, float64(2), body["role"])

	code, _ = s.do(t, http.MethodPut, fmt.Sprintf("/api/guilds/%d/members/2/role", id), 1, map[string]string{"role": "king"})
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = s.do(t, http.MethodDelete, fmt.Sprintf("/api/guilds/%d/members/3", id), 2, nil)
	assert.Equal(t, http.StatusNoContent, code)

	code, body = s.do(t, http.MethodPost, fmt.Sprintf("/api/guilds/%d/leave", id), 1, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, code)
	assert.Equal(t, "leader_cannot_leave", body["code"])

	code, _ = s.do(t, http.MethodPost, fmt.Sprintf("/api/guilds/%d/leader", id), 1, map[string]int64{"player_id": 2})
	require.Equal(t, http.StatusNoContent, code)
	code, _ = s.do(t, http.MethodPost, fmt.Sprintf("/api/guilds/%d/leave", id), 1, nil)
	assert.Equal(t, http.StatusNoContent, code)

	code, body = s.do(t, http.MethodGet, fmt.Sprintf("/api/guilds/%d", id), 2, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(2), body["leader_id"])
}

func TestGuildInvitations(t *testing.T) {
	s := newGuildSetup(t)
	id := s.createGuild(t, 1, "Phoenix")

	code, _ := s.do(t, http.MethodPost, fmt.Sprintf("/api/guilds/%d/invitations", id), 1, map[string]int64{"player_id": 5})
	require.Equal(t, http.StatusCreated, code)
	code, body := s.do(t, http.MethodPost, fmt.Sprintf("/api/guilds/%d/invitations", id), 1, map[string]int64{"player_id": 5})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "already_invited", body["code"])

	code, body = s.do(t, http.MethodGet, "/api/me/invitations", 5, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["invitations"], 1)

	code, _ = s.do(t, http.MethodPost, fmt.Sprintf("/api/me/invitations/%d/decline", id), 5, nil)
	require.Equal(t, http.StatusNoContent, code)
	code, body = s.do(t, http.MethodPost, fmt.Sprintf("/api/me/invitations/%d/accept", id), 5, nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "invitation_not_found", body["code"])

	code, _ = s.do(t, http.MethodPost, fmt.Sprintf("/api/guilds/%d/invitations", id), 1, map[string]int64{"player_id": 6})
	require.Equal(t, http.StatusCreated, code)
	code, _ = s.do(t, http.MethodDelete, fmt.Sprintf("/api/guilds/%d/invitations/6", id), 1, nil)
	assert.Equal(t, http.StatusNoContent, code)
}

// ---- Settings ----

func TestGuildSettings(t *testing.T) {
	s := newGuildSetup(t)
	id := s.createGuild(t, 1, "Phoenix")
	base := fmt.Sprintf("/api/guilds/%d", id)

	code, body := s.do(t, http.MethodPut, base+"/name", 1, map[string]string{"name": "Firebirds"})
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "Firebirds", body["name"])

	code, body = s.do(t, http.MethodPut, base+"/tag", 1, map[string]string{"tag": "FIRE"})
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "FIRE", body["tag"])

	code, body = s.do(t, http.MethodPut, base+"/description", 1, map[string]string{"description": "we burn"})
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "we burn", body["description"])

	code, body = s.do(t, http.MethodPut, base+"/home", 1, map[string]int{"map_id": 3, "x": 10, "y": 12, "direction": 2})
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, float64(3), body["home"].(map[string]any)["map_id"])

	code, body = s.do(t, http.MethodPut, base+"/home", 1, map[string]int{"map_id": 3, "direction": 5})
	assert.Equal(t, http.StatusBadRequest, code, body)

	code, body = s.do(t, http.MethodDelete, base+"/home", 1, nil)
	require.Equal(t, http.StatusOK, code)
	assert.NotContains(t, body, "home")

	code, body = s.do(t, http.MethodPost, base+"/upgrade", 1, nil)
	assert.Equal(t, http.StatusPaymentRequired, code)
	assert.Equal(t, "insufficient_funds", body["code"])
}

func TestGuildFrozen_AdminOnly(t *testing.T) {
	s := newGuildSetup(t)
	id := s.createGuild(t, 1, "Phoenix")
	base := fmt.Sprintf("/api/guilds/%d", id)

	code, body := s.do(t, http.MethodPut, base+"/frozen", 1, map[string]bool{"frozen": true})
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "not_admin", body["code"])

	code, body = s.do(t, http.MethodPut, base+"/frozen", adminID, map[string]bool{"frozen": true})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["frozen"])

	code, body = s.do(t, http.MethodPut, base+"/name", 1, map[string]string{"name": "Firebirds"})
	assert.Equal(t, http.StatusUnprocessableEntity, code)
	assert.Equal(t, "frozen", body["code"])

	code, _ = s.do(t, http.MethodDelete, base, adminID, nil)
	assert.Equal(t, http.StatusNoContent, code)
	code, _ = s.do(t, http.MethodGet, base, 1, nil)
	assert.Equal(t, http.StatusNotFound, code)
}

// ---- Treasury ----

func TestGuildTreasury(t *testing.T) {
	s := newGuildSetup(t)
	x := s.createGuild(t, 1, "Phoenix")
	y := s.createGuild(t, 2, "Crows")
	s.wallet.Set(1, 1000)

	code, body := s.do(t, http.MethodPost, fmt.Sprintf("/api/guilds/%d/deposit", x), 1, map[string]int64{"amount": 600})
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, float64(600), body["balance"])

	code, body = s.do(t, http.MethodPost, fmt.Sprintf("/api/guilds/%d/deposit", x), 1, map[string]int64{"amount": 600})
	assert.Equal(t, http.StatusPaymentRequired, code)
	assert.Equal(t, "insufficient_funds", body["code"])

	code, _ = s.do(t, http.MethodPost, fmt.Sprintf("/api/guilds/%d/deposit", x), 1, map[string]int64{"amount": -5})
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = s.do(t, http.MethodPost, fmt.Sprintf("/api/guilds/%d/withdraw", x), 1, map[string]int64{"amount": 100})
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, float64(500), body["balance"])

	code, _ = s.do(t, http.MethodPost, fmt.Sprintf("/api/guilds/%d/transfer", x), 1,
		map[string]int64{"to_guild_id": y, "amount": 200})
	require.Equal(t, http.StatusNoContent, code)

	code, body = s.do(t, http.MethodGet, fmt.Sprintf("/api/guilds/%d", y), 2, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(200), body["balance"])

	code, body = s.do(t, http.MethodGet, fmt.Sprintf("/api/guilds/%d/logs?limit=2", x), 1, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["logs"], 2)
}

// ---- Relations ----

func TestGuildRelations(t *testing.T) {
	s := newGuildSetup(t)
	x := s.createGuild(t, 1, "Phoenix")
	y := s.createGuild(t, 2, "Crows")

	code, body := s.do(t, http.MethodPost, fmt.Sprintf("/api/guilds/%d/relations", x), 1,
		map[string]any{"target_guild_id": y, "type": "war"})
	require.Equal(t, http.StatusCreated, code, body)
	assert.Equal(t, "pending", body["status"])

	code, body = s.do(t, http.MethodPost, fmt.Sprintf("/api/guilds/%d/relations", y), 2,
		map[string]any{"target_guild_id": x, "type": "ally"})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "relation_exists", body["code"])

	code, body = s.do(t, http.MethodPost, fmt.Sprintf("/api/guilds/%d/relations/%d/accept", x, y), 1, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, code)
	assert.Equal(t, "own_proposal", body["code"])

	code, body = s.do(t, http.MethodPost, fmt.Sprintf("/api/guilds/%d/relations/%d/accept", y, x), 2, nil)
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "active", body["status"])

	code, body = s.do(t, http.MethodGet, fmt.Sprintf("/api/guilds/%d/relations", x), 1, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["relations"], 1)

	code, _ = s.do(t, http.MethodDelete, fmt.Sprintf("/api/guilds/%d/relations/%d", x, y), 1, nil)
	require.Equal(t, http.StatusNoContent, code)
	code, body = s.do(t, http.MethodDelete, fmt.Sprintf("/api/guilds/%d/relations/%d", x, y), 1, nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "relation_not_found", body["code"])

	code, _ = s.do(t, http.MethodPost, fmt.Sprintf("/api/guilds/%d/relations", x), 1,
		map[string]any{"target_guild_id": y, "type": "ally"})
	require.Equal(t, http.StatusCreated, code)
	code, _ = s.do(t, http.MethodPost, fmt.Sprintf("/api/guilds/%d/relations/%d/reject", y, x), 2, nil)
	assert.Equal(t, http.StatusNoContent, code)

	code, _ = s.do(t, http.MethodPost, fmt.Sprintf("/api/guilds/%d/relations", x), 1,
		map[string]any{"target_guild_id": y, "type": "enemy"})
	require.Equal(t, http.StatusCreated, code)
	code, _ = s.do(t, http.MethodDelete, fmt.Sprintf("/api/guilds/%d/relations/%d/proposal", x, y), 1, nil)
	assert.Equal(t, http.StatusNoContent, code)
}

// ---- Status mapping ----

func TestStatusOf(t *testing.T) {
	for kind, want := range map[guild.Kind]int{
		guild.KindNotFound:          http.StatusNotFound,
		guild.KindAlreadyExists:     http.StatusConflict,
		guild.KindPermissionDenied:  http.StatusForbidden,
		guild.KindInvalidState:      http.StatusUnprocessableEntity,
		guild.KindInsufficientFunds: http.StatusPaymentRequired,
		guild.KindInvalidInput:      http.StatusBadRequest,
		guild.KindExpired:           http.StatusGone,
		guild.KindTimeout:           http.StatusGatewayTimeout,
		guild.KindConflict:          http.StatusConflict,
		guild.KindInternal:          http.StatusInternalServerError,
		guild.Kind(99):              http.StatusInternalServerError,
	} {
		assert.Equal(t, want, rest.StatusOf(kind), kind.String())
	}
}
