package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

func (s *Server) GetUsageToday(c *gin.Context) {
	summary, err := s.usageSvc.DaySummary(c.Request.Context(), s.userID(c), time.Now().UTC())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": gin.H{
		"generations":     summary.Generations,
		"posts_total":     summary.PostsTotal,
		"posts_by_target": summary.PostsByTarget,
	}})
}
