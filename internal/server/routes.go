package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/danmuck/rtpscore/internal/config"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const version = "0.1.0"

func (a *Admin) registerRoutes() {
	a.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":      "ok",
			"uptime":      time.Since(a.appeared).String(),
			"participant": a.name,
			"guid_prefix": a.registry.Prefix().String(),
			"version":     version,
		})
	})

	a.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	a.router.GET("/endpoints", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"endpoints": a.registry.Snapshot(),
		})
	})

	a.router.GET("/endpoints/:name", func(c *gin.Context) {
		name := strings.ToLower(c.Param("name"))
		for _, info := range a.registry.Snapshot() {
			if strings.ToLower(info.Name) == name {
				c.JSON(http.StatusOK, info)
				return
			}
		}
		c.JSON(http.StatusNotFound, gin.H{"error": "endpoint not found"})
	})

	a.router.GET("/config", func(c *gin.Context) {
		data, err := config.Encode(a.cfg)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.Data(http.StatusOK, "application/toml", data)
	})
}
