package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/energizer-project/flagrun/internal/config"
)

// handleGetConfig returns the effective server configuration. TLS file
// paths are left out.
func (s *Server) handleGetConfig(c *gin.Context) {
	mqttCfg := s.cfg.GetMQTT()
	c.JSON(http.StatusOK, gin.H{
		"network": s.cfg.GetNetwork(),
		"timing":  s.cfg.GetTiming(),
		"game":    s.cfg.GetGame(),
		"api":     s.cfg.GetAPI(),
		"history": s.cfg.GetHistory(),
		"health":  s.cfg.GetHealth(),
		"webhook": gin.H{"enabled": s.cfg.GetWebhook().URL != ""},
		"logging": s.cfg.GetLogging(),
		"mqtt": gin.H{
			"enabled":      mqttCfg.Enabled,
			"broker_url":   mqttCfg.BrokerURL,
			"port":         mqttCfg.Port,
			"use_tls":      mqttCfg.UseTLS,
			"topic_prefix": mqttCfg.TopicPrefix,
		},
	})
}

// handleValidateConfig reports validation errors and warnings for the
// loaded configuration.
func (s *Server) handleValidateConfig(c *gin.Context) {
	result := config.Validate(s.cfg)
	c.JSON(http.StatusOK, gin.H{
		"valid":    result.IsValid(),
		"errors":   result.Errors,
		"warnings": result.Warnings,
	})
}
