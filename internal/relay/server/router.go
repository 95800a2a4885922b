// Package server is the relay daemon's HTTP surface: a small REST API for
// call records and the websocket signal endpoint that fans frames out
// between a call's participants.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/hivedesk/callkit/internal/config"
	"github.com/hivedesk/callkit/internal/core"
	"github.com/hivedesk/callkit/internal/domain"
)

const tokenTTL = 24 * time.Hour

type Server struct {
	cfg   *config.Config
	store core.RecordStore
	hub   *Hub
}

func New(cfg *config.Config, st core.RecordStore) *Server {
	return &Server{cfg: cfg, store: st, hub: NewHub()}
}

func SetupRouter(ctx context.Context, cfg *config.Config, st core.RecordStore) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	s := New(cfg, st)
	log.Info().Str("module", "relay.server").Str("mode", cfg.Mode).Msg("router setup")

	api := r.Group("/api")
	api.POST("/token", s.handleToken)

	authed := api.Group("", AuthMiddleware(cfg.Secret))
	authed.POST("/calls", s.handleCreateCall)
	authed.GET("/calls/:code", s.handleLookupCall)
	authed.POST("/calls/:id/end", s.handleEndCall)

	r.GET("/ws/signal", AuthMiddleware(cfg.Secret), func(c *gin.Context) {
		s.HandleSignal(ctx, c)
	})

	return r
}

func (s *Server) handleToken(c *gin.Context) {
	var req struct {
		UserID   string `json:"user_id"`
		Username string `json:"username"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_payload"})
		return
	}
	var user *domain.User
	if req.UserID != "" {
		user = &domain.User{ID: domain.UserID(req.UserID)}
		if err := user.SetUsername(req.Username); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	} else {
		u, err := domain.NewUser(req.Username)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		user = u
	}
	token, err := IssueToken(s.cfg.Secret, *user, tokenTTL)
	if err != nil {
		log.Error().Err(err).Str("module", "relay.server").Msg("issue token")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token, "user": user})
}

func (s *Server) handleCreateCall(c *gin.Context) {
	var req struct {
		Title string `json:"title"`
		Scope string `json:"scope"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_payload"})
		return
	}
	host := currentUser(c)
	call, err := domain.NewCall(req.Title, req.Scope, host.ID)
	if err != nil {
		log.Error().Err(err).Str("module", "relay.server").Msg("new call")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal"})
		return
	}
	if err := s.store.CreateCall(c.Request.Context(), call); err != nil {
		log.Error().Err(err).Str("module", "relay.server").Msg("create call")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal"})
		return
	}
	c.JSON(http.StatusCreated, call)
}

func (s *Server) handleLookupCall(c *gin.Context) {
	code, err := domain.NormalizeJoinCode(c.Param("code"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "call not found"})
		return
	}
	call, err := s.store.CallByCode(c.Request.Context(), code)
	if err != nil {
		if errors.Is(err, core.ErrCallNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "call not found"})
			return
		}
		log.Error().Err(err).Str("module", "relay.server").Msg("lookup call")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal"})
		return
	}
	c.JSON(http.StatusOK, call)
}

func (s *Server) handleEndCall(c *gin.Context) {
	callID := domain.CallID(c.Param("id"))
	call, err := s.store.CallByID(c.Request.Context(), callID)
	if err != nil {
		if errors.Is(err, core.ErrCallNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "call not found"})
			return
		}
		log.Error().Err(err).Str("module", "relay.server").Msg("end call lookup")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal"})
		return
	}
	if call.HostID != currentUser(c).ID {
		c.JSON(http.StatusForbidden, gin.H{"error": "host only"})
		return
	}
	if err := s.store.EndCall(c.Request.Context(), callID, time.Now()); err != nil {
		log.Error().Err(err).Str("module", "relay.server").Msg("end call")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal"})
		return
	}
	c.Status(http.StatusNoContent)
}
