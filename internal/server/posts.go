package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	postdomain "github.com/smallbiznis/publica/internal/post/domain"
	"github.com/smallbiznis/publica/pkg/db/pagination"
)

type postRequest struct {
	Platform   string   `json:"platform"`
	Content    string   `json:"content"`
	MediaURLs  []string `json:"media_urls"`
	CreditCost int64    `json:"credit_cost"`
}

func (s *Server) CreatePost(c *gin.Context) {
	var req postRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	resp, err := s.postSvc.Create(c.Request.Context(), s.userID(c), postdomain.CreateInput{
		Platform:   strings.TrimSpace(req.Platform),
		Content:    req.Content,
		MediaURLs:  req.MediaURLs,
		CreditCost: req.CreditCost,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": resp})
}

func (s *Server) ListPosts(c *gin.Context) {
	var query struct {
		pagination.Pagination
		Status   string `form:"status"`
		Platform string `form:"platform"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	resp, err := s.postSvc.List(c.Request.Context(), s.userID(c), postdomain.ListFilter{
		Status:   postdomain.Status(strings.TrimSpace(query.Status)),
		Platform: strings.TrimSpace(query.Platform),
	}, query.Pagination)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) GetPost(c *gin.Context) {
	postID, err := parseID(c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	resp, err := s.postSvc.Get(c.Request.Context(), s.userID(c), postID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) UpdatePost(c *gin.Context) {
	postID, err := parseID(c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req postRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	resp, err := s.postSvc.UpdateDraft(c.Request.Context(), s.userID(c), postID, postdomain.CreateInput{
		Platform:   strings.TrimSpace(req.Platform),
		Content:    req.Content,
		MediaURLs:  req.MediaURLs,
		CreditCost: req.CreditCost,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

type scheduleRequest struct {
	ScheduledAt time.Time `json:"scheduled_at" time_format:"2006-01-02T15:04:05Z07:00"`
}

func (s *Server) SchedulePost(c *gin.Context) {
	postID, err := parseID(c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req scheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.ScheduledAt.IsZero() {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	resp, err := s.postSvc.Schedule(c.Request.Context(), s.userID(c), postID, req.ScheduledAt)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) CancelPost(c *gin.Context) {
	postID, err := parseID(c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	if err := s.postSvc.Cancel(c.Request.Context(), s.userID(c), postID); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "cancelled"})
}

func parseID(raw string) (snowflake.ID, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(raw))
	if err != nil || id == 0 {
		return 0, ErrInvalidRequest
	}
	return id, nil
}
