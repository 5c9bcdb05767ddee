package rest

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/kasuganosora/guildserver/game/guild"
	mw "github.com/kasuganosora/guildserver/middleware"
	"github.com/kasuganosora/guildserver/model"
	"github.com/kasuganosora/guildserver/store"
)

// GuildHandler exposes the guild coordination service over REST. The acting
// player is always the authenticated one.
type GuildHandler struct {
	svc *guild.Service
}

// NewGuildHandler creates a new GuildHandler.
func NewGuildHandler(svc *guild.Service) *GuildHandler {
	return &GuildHandler{svc: svc}
}

// Register mounts the guild routes on an authenticated group.
func (h *GuildHandler) Register(g *gin.RouterGroup) {
	g.GET("/me/guild", h.MyGuild)
	g.GET("/me/invitations", h.MyInvitations)
	g.POST("/me/invitations/:id/accept", h.AcceptInvitation)
	g.POST("/me/invitations/:id/decline", h.DeclineInvitation)

	g.POST("/guilds", h.Create)
	g.GET("/guilds", h.List)
	g.GET("/guilds/by-name/:name", h.ByName)
	g.GET("/guilds/:id", h.Detail)
	g.DELETE("/guilds/:id", h.Delete)
	g.PUT("/guilds/:id/name", h.Rename)
	g.PUT("/guilds/:id/tag", h.SetTag)
	g.PUT("/guilds/:id/description", h.SetDescription)
	g.PUT("/guilds/:id/frozen", h.SetFrozen)
	g.PUT("/guilds/:id/home", h.SetHome)
	g.DELETE("/guilds/:id/home", h.ClearHome)
	g.POST("/guilds/:id/upgrade", h.Upgrade)
	g.GET("/guilds/:id/logs", h.Logs)

	g.GET("/guilds/:id/members", h.Members)
	g.GET("/guilds/:id/members/count", h.MemberCount)
	g.DELETE("/guilds/:id/members/:pid", h.Kick)
	g.PUT("/guilds/:id/members/:pid/role", h.SetRole)
	g.POST("/guilds/:id/leave", h.Leave)
	g.POST("/guilds/:id/leader", h.TransferLeadership)
	g.POST("/guilds/:id/invitations", h.Invite)
	g.DELETE("/guilds/:id/invitations/:pid", h.CancelInvitation)

	g.POST("/guilds/:id/deposit", h.Deposit)
	g.POST("/guilds/:id/withdraw", h.Withdraw)
	g.POST("/guilds/:id/transfer", h.Transfer)

	g.GET("/guilds/:id/relations", h.Relations)
	g.POST("/guilds/:id/relations", h.ProposeRelation)
	g.POST("/guilds/:id/relations/:other/accept", h.AcceptRelation)
	g.POST("/guilds/:id/relations/:other/reject", h.RejectRelation)
	g.DELETE("/guilds/:id/relations/:other/proposal", h.CancelRelation)
	g.DELETE("/guilds/:id/relations/:other", h.DeleteRelation)
}

type createGuildRequest struct {
	Name        string `json:"name"        binding:"required"`
	Tag         string `json:"tag"`
	Description string `json:"description"`
}

// Create handles POST /api/guilds.
func (h *GuildHandler) Create(c *gin.Context) {
	var req createGuildRequest
	if !bind(c, &req) {
		return
	}
	g, err := h.svc.CreateGuild(reqCtx(c), guild.CreateParams{
		FounderID:   mw.GetPlayerID(c),
		Name:        req.Name,
		Tag:         req.Tag,
		Description: req.Description,
	})
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, g)
}

// List handles GET /api/guilds?search=&offset=&limit=.
func (h *GuildHandler) List(c *gin.Context) {
	opts := store.ListOptions{Search: c.Query("search"), Limit: 20}
	if v, err := strconv.Atoi(c.Query("offset")); err == nil && v > 0 {
		opts.Offset = v
	}
	if v, err := strconv.Atoi(c.Query("limit")); err == nil && v > 0 && v <= 100 {
		opts.Limit = v
	}
	guilds, total, err := h.svc.ListGuilds(reqCtx(c), opts)
	if err != nil {
		fail(c, err)
		return
	}
	if guilds == nil {
		guilds = []model.Guild{}
	}
	c.JSON(http.StatusOK, gin.H{"guilds": guilds, "total": total})
}

// ByName handles GET /api/guilds/by-name/:name.
func (h *GuildHandler) ByName(c *gin.Context) {
	g, err := h.svc.GetGuildByName(reqCtx(c), c.Param("name"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, g)
}

// Detail handles GET /api/guilds/:id.
func (h *GuildHandler) Detail(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	g, err := h.svc.GetGuildByID(reqCtx(c), id)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, g)
}

// Delete handles DELETE /api/guilds/:id.
func (h *GuildHandler) Delete(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	if err := h.svc.DeleteGuild(reqCtx(c), id, mw.GetPlayerID(c)); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// guildUpdate runs one of the single-field guild updates and answers with the guild.
func (h *GuildHandler) guildUpdate(c *gin.Context, req any, apply func(guildID, actorID int64) (*model.Guild, error)) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	if req != nil && !bind(c, req) {
		return
	}
	g, err := apply(id, mw.GetPlayerID(c))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, g)
}

// Rename handles PUT /api/guilds/:id/name.
func (h *GuildHandler) Rename(c *gin.Context) {
	var req struct {
		Name string `json:"name" binding:"required"`
	}
	h.guildUpdate(c, &req, func(guildID, actorID int64) (*model.Guild, error) {
		return h.svc.RenameGuild(reqCtx(c), guildID, actorID, req.Name)
	})
}

// SetTag handles PUT /api/guilds/:id/tag. An empty tag clears it.
func (h *GuildHandler) SetTag(c *gin.Context) {
	var req struct {
		Tag string `json:"tag"`
	}
	h.guildUpdate(c, &req, func(guildID, actorID int64) (*model.Guild, error) {
		return h.svc.SetTag(reqCtx(c), guildID, actorID, req.Tag)
	})
}

// SetDescription handles PUT /api/guilds/:id/description.
func (h *GuildHandler) SetDescription(c *gin.Context) {
	var req struct {
		Description string `json:"description"`
	}
	h.guildUpdate(c, &req, func(guildID, actorID int64) (*model.Guild, error) {
		return h.svc.SetDescription(reqCtx(c), guildID, actorID, req.Description)
	})
}

// SetFrozen handles PUT /api/guilds/:id/frozen. Admin players only.
func (h *GuildHandler) SetFrozen(c *gin.Context) {
	var req struct {
		Frozen *bool `json:"frozen" binding:"required"`
	}
	h.guildUpdate(c, &req, func(guildID, actorID int64) (*model.Guild, error) {
		return h.svc.SetFrozen(reqCtx(c), guildID, actorID, *req.Frozen)
	})
}

// SetHome handles PUT /api/guilds/:id/home.
func (h *GuildHandler) SetHome(c *gin.Context) {
	var loc model.Location
	h.guildUpdate(c, &loc, func(guildID, actorID int64) (*model.Guild, error) {
		return h.svc.SetHome(reqCtx(c), guildID, actorID, loc)
	})
}

// ClearHome handles DELETE /api/guilds/:id/home.
func (h *GuildHandler) ClearHome(c *gin.Context) {
	h.guildUpdate(c, nil, func(guildID, actorID int64) (*model.Guild, error) {
		return h.svc.ClearHome(reqCtx(c), guildID, actorID)
	})
}

// Upgrade handles POST /api/guilds/:id/upgrade.
func (h *GuildHandler) Upgrade(c *gin.Context) {
	h.guildUpdate(c, nil, func(guildID, actorID int64) (*model.Guild, error) {
		return h.svc.UpgradeLevel(reqCtx(c), guildID, actorID)
	})
}

// Logs handles GET /api/guilds/:id/logs?limit=.
func (h *GuildHandler) Logs(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))
	logs, err := h.svc.ListLogs(reqCtx(c), id, limit)
	if err != nil {
		fail(c, err)
		return
	}
	if logs == nil {
		logs = []model.GuildLog{}
	}
	c.JSON(http.StatusOK, gin.H{"logs": logs})
}

// MyGuild handles GET /api/me/guild.
func (h *GuildHandler) MyGuild(c *gin.Context) {
	g, m, err := h.svc.GetPlayerGuild(reqCtx(c), mw.GetPlayerID(c))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"guild": g, "member": m})
}

// MyInvitations handles GET /api/me/invitations.
func (h *GuildHandler) MyInvitations(c *gin.Context) {
	invs, err := h.svc.ListInvitations(reqCtx(c), mw.GetPlayerID(c))
	if err != nil {
		fail(c, err)
		return
	}
	if invs == nil {
		invs = []guild.Invitation{}
	}
	c.JSON(http.StatusOK, gin.H{"invitations": invs})
}

// AcceptInvitation handles POST /api/me/invitations/:id/accept.
func (h *GuildHandler) AcceptInvitation(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	m, err := h.svc.AcceptInvitation(reqCtx(c), mw.GetPlayerID(c), id)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

// DeclineInvitation handles POST /api/me/invitations/:id/decline.
func (h *GuildHandler) DeclineInvitation(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	if err := h.svc.DeclineInvitation(reqCtx(c), mw.GetPlayerID(c), id); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Members handles GET /api/guilds/:id/members.
func (h *GuildHandler) Members(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	members, err := h.svc.ListMembers(reqCtx(c), id)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"members": members})
}

// MemberCount handles GET /api/guilds/:id/members/count.
func (h *GuildHandler) MemberCount(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	n, err := h.svc.GetMemberCount(reqCtx(c), id)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": n})
}

// Kick handles DELETE /api/guilds/:id/members/:pid.
func (h *GuildHandler) Kick(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	target, ok := paramID(c, "pid")
	if !ok {
		return
	}
	if err := h.svc.Kick(reqCtx(c), id, mw.GetPlayerID(c), target); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// SetRole handles PUT /api/guilds/:id/members/:pid/role with {"role":"officer"}.
func (h *GuildHandler) SetRole(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	target, ok := paramID(c, "pid")
	if !ok {
		return
	}
	var req struct {
		Role string `json:"role" binding:"required"`
	}
	if !bind(c, &req) {
		return
	}
	role, known := model.ParseGuildRole(req.Role)
	if !known {
		badRequest(c, "unknown role "+strconv.Quote(req.Role))
		return
	}
	m, err := h.svc.SetRole(reqCtx(c), id, mw.GetPlayerID(c), target, role)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

// Leave handles POST /api/guilds/:id/leave.
func (h *GuildHandler) Leave(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	if err := h.svc.Leave(reqCtx(c), id, mw.GetPlayerID(c)); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type playerRequest struct {
	PlayerID int64 `json:"player_id" binding:"required,gt=0"`
}

// TransferLeadership handles POST /api/guilds/:id/leader.
func (h *GuildHandler) TransferLeadership(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req playerRequest
	if !bind(c, &req) {
		return
	}
	if err := h.svc.TransferLeadership(reqCtx(c), id, mw.GetPlayerID(c), req.PlayerID); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Invite handles POST /api/guilds/:id/invitations.
func (h *GuildHandler) Invite(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req playerRequest
	if !bind(c, &req) {
		return
	}
	inv, err := h.svc.Invite(reqCtx(c), id, mw.GetPlayerID(c), req.PlayerID)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, inv)
}

// CancelInvitation handles DELETE /api/guilds/:id/invitations/:pid.
func (h *GuildHandler) CancelInvitation(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	invitee, ok := paramID(c, "pid")
	if !ok {
		return
	}
	if err := h.svc.CancelInvitation(reqCtx(c), id, mw.GetPlayerID(c), invitee); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type amountRequest struct {
	Amount int64 `json:"amount" binding:"required"`
}

// Deposit handles POST /api/guilds/:id/deposit.
func (h *GuildHandler) Deposit(c *gin.Context) {
	h.moveFunds(c, h.svc.Deposit)
}

// Withdraw handles POST /api/guilds/:id/withdraw.
func (h *GuildHandler) Withdraw(c *gin.Context) {
	h.moveFunds(c, h.svc.Withdraw)
}

func (h *GuildHandler) moveFunds(c *gin.Context, op func(ctx context.Context, guildID, playerID, amount int64) (int64, error)) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req amountRequest
	if !bind(c, &req) {
		return
	}
	balance, err := op(reqCtx(c), id, mw.GetPlayerID(c), req.Amount)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance": balance})
}

// Transfer handles POST /api/guilds/:id/transfer.
func (h *GuildHandler) Transfer(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req struct {
		ToGuildID int64 `json:"to_guild_id" binding:"required,gt=0"`
		Amount    int64 `json:"amount"      binding:"required"`
	}
	if !bind(c, &req) {
		return
	}
	if err := h.svc.Transfer(reqCtx(c), id, req.ToGuildID, mw.GetPlayerID(c), req.Amount); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Relations handles GET /api/guilds/:id/relations.
func (h *GuildHandler) Relations(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	rels, err := h.svc.ListRelations(reqCtx(c), id)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"relations": rels})
}

// ProposeRelation handles POST /api/guilds/:id/relations with
// {"target_guild_id":2,"type":"ally"}.
func (h *GuildHandler) ProposeRelation(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req struct {
		TargetGuildID int64              `json:"target_guild_id" binding:"required,gt=0"`
		Type          model.RelationType `json:"type"            binding:"required"`
	}
	if !bind(c, &req) {
		return
	}
	r, err := h.svc.ProposeRelation(reqCtx(c), id, req.TargetGuildID, mw.GetPlayerID(c), req.Type)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, r)
}

// AcceptRelation handles POST /api/guilds/:id/relations/:other/accept.
func (h *GuildHandler) AcceptRelation(c *gin.Context) {
	id, other, ok := pairParams(c)
	if !ok {
		return
	}
	r, err := h.svc.AcceptRelation(reqCtx(c), id, other, mw.GetPlayerID(c))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

// RejectRelation handles POST /api/guilds/:id/relations/:other/reject.
func (h *GuildHandler) RejectRelation(c *gin.Context) {
	h.pairAction(c, h.svc.RejectRelation)
}

// CancelRelation handles DELETE /api/guilds/:id/relations/:other/proposal.
func (h *GuildHandler) CancelRelation(c *gin.Context) {
	h.pairAction(c, h.svc.CancelRelation)
}

// DeleteRelation handles DELETE /api/guilds/:id/relations/:other.
func (h *GuildHandler) DeleteRelation(c *gin.Context) {
	h.pairAction(c, h.svc.DeleteRelation)
}

func (h *GuildHandler) pairAction(c *gin.Context, op func(ctx context.Context, guildID, otherID, actorID int64) error) {
	id, other, ok := pairParams(c)
	if !ok {
		return
	}
	if err := op(reqCtx(c), id, other, mw.GetPlayerID(c)); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func pairParams(c *gin.Context) (int64, int64, bool) {
	id, ok := paramID(c, "id")
	if !ok {
		return 0, 0, false
	}
	other, ok := paramID(c, "other")
	return id, other, ok
}
