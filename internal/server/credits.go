package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (s *Server) GetCreditBalance(c *gin.Context) {
	userID := s.userID(c)

	user, err := s.accountSvc.GetByID(c.Request.Context(), userID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	available, err := s.creditSvc.Available(c.Request.Context(), userID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": gin.H{
		"balance":   user.CreditBalance,
		"available": available,
		"reserved":  user.CreditBalance - available,
		"tier":      user.Tier,
	}})
}
