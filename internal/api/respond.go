package api

import (
	"errors"
	"net/http"
	"strconv"

	"bizinbox/internal/middleware"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ok writes the success envelope: {"ok": true, "message": ..., <payload>}.
func ok(c *gin.Context, code int, message string, payload gin.H) {
	body := gin.H{"ok": true, "message": message}
	for k, v := range payload {
		body[k] = v
	}
	c.JSON(code, body)
}

func fail(c *gin.Context, code int, message string) {
	c.AbortWithStatusJSON(code, gin.H{"ok": false, "message": message})
}

// internalError logs err and hides it from the client.
func internalError(c *gin.Context, log *zap.Logger, err error) {
	log.Error("request failed",
		zap.String("method", c.Request.Method),
		zap.String("path", c.FullPath()),
		zap.Error(err))
	fail(c, http.StatusInternalServerError, "internal server error")
}

// dbError maps a lookup error to 404 or 500.
func dbError(c *gin.Context, log *zap.Logger, err error, what string) {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		fail(c, http.StatusNotFound, what+" not found")
		return
	}
	internalError(c, log, err)
}

func businessID(c *gin.Context) string {
	return middleware.Claims(c).BusinessID
}

func uintParam(c *gin.Context, name string) (uint, bool) {
	v, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil || v == 0 {
		fail(c, http.StatusBadRequest, "invalid "+name)
		return 0, false
	}
	return uint(v), true
}

func limitQuery(c *gin.Context, def, max int) int {
	n, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(def)))
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}
