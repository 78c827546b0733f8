package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	connectiondomain "github.com/smallbiznis/publica/internal/connection/domain"
)

type connectionView struct {
	Platform          string    `json:"platform"`
	ExternalAccountID string    `json:"external_account_id"`
	DisplayName       string    `json:"display_name,omitempty"`
	Status            string    `json:"status"`
	ConnectedAt       time.Time `json:"connected_at"`
}

func (s *Server) ListConnections(c *gin.Context) {
	conns, err := s.connectionSvc.List(c.Request.Context(), s.userID(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	// Tokens never leave the service.
	views := make([]connectionView, 0, len(conns))
	for _, conn := range conns {
		views = append(views, connectionView{
			Platform:          conn.Platform,
			ExternalAccountID: conn.ExternalAccountID,
			DisplayName:       conn.DisplayName,
			Status:            string(conn.Status),
			ConnectedAt:       conn.CreatedAt,
		})
	}

	c.JSON(http.StatusOK, gin.H{"data": views})
}

func (s *Server) ListPlatforms(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"data": s.registry.Platforms()})
}

type upsertConnectionRequest struct {
	ExternalAccountID string     `json:"external_account_id"`
	DisplayName       string     `json:"display_name"`
	AccessToken       string     `json:"access_token"`
	RefreshToken      string     `json:"refresh_token"`
	TokenExpiresAt    *time.Time `json:"token_expires_at"`
}

func (s *Server) UpsertConnection(c *gin.Context) {
	platform := strings.ToLower(strings.TrimSpace(c.Param("platform")))
	if !s.registry.PlatformExists(platform) {
		AbortWithError(c, connectiondomain.ErrInvalidPlatform)
		return
	}

	var req upsertConnectionRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.AccessToken == "" {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	conn := &connectiondomain.SocialConnection{
		UserID:            s.userID(c),
		Platform:          platform,
		ExternalAccountID: strings.TrimSpace(req.ExternalAccountID),
		DisplayName:       strings.TrimSpace(req.DisplayName),
		AccessToken:       req.AccessToken,
		RefreshToken:      req.RefreshToken,
		TokenExpiresAt:    req.TokenExpiresAt,
		Status:            connectiondomain.StatusActive,
	}
	if err := s.connectionSvc.Upsert(c.Request.Context(), conn); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": connectionView{
		Platform:          conn.Platform,
		ExternalAccountID: conn.ExternalAccountID,
		DisplayName:       conn.DisplayName,
		Status:            string(conn.Status),
		ConnectedAt:       conn.CreatedAt,
	}})
}

func (s *Server) RevokeConnection(c *gin.Context) {
	platform := strings.ToLower(strings.TrimSpace(c.Param("platform")))

	if err := s.connectionSvc.Revoke(c.Request.Context(), s.userID(c), platform); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "revoked"})
}
