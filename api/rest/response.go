package rest

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/kasuganosora/guildserver/game/guild"
	mw "github.com/kasuganosora/guildserver/middleware"
)

var kindStatus = map[guild.Kind]int{
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
}

// StatusOf maps a guild error kind to its HTTP status.
func StatusOf(kind guild.Kind) int {
	if s, ok := kindStatus[kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// fail writes err as a JSON error body. Internal failures keep their cause
// out of the response; the service has already logged it.
func fail(c *gin.Context, err error) {
	kind := guild.KindOf(err)
	body := gin.H{"kind": kind.String(), "trace_id": mw.GetTraceID(c)}
	var ge *guild.Error
	if errors.As(err, &ge) && kind != guild.KindInternal {
		body["error"] = ge.Msg
		body["code"] = ge.Code
	} else {
		body["error"] = "internal error"
		body["code"] = guild.ErrInternal.Code
	}
	c.AbortWithStatusJSON(StatusOf(kind), body)
}

func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": msg, "kind": guild.KindInvalidInput.String()})
}

// reqCtx is the request context carrying the HTTP trace id into the service.
func reqCtx(c *gin.Context) context.Context {
	return guild.WithTraceID(c.Request.Context(), mw.GetTraceID(c))
}

func paramID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		badRequest(c, "invalid "+name)
		return 0, false
	}
	return id, true
}

// bind decodes the JSON body into req, answering 400 on failure.
func bind(c *gin.Context, req any) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		badRequest(c, err.Error())
		return false
	}
	return true
}
