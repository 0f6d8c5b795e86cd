package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/flagrun/internal/util"
)

// Version is reported by the public endpoints.
const Version = "1.0.0"

// handlePing returns a simple health check response.
func (s *Server) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "flagrun",
		"version": Version,
	})
}

// handleGetInfo returns the lobby address and a short summary.
func (s *Server) handleGetInfo(c *gin.Context) {
	network := s.cfg.GetNetwork()
	snap := s.lobby.Snapshot()
	sysInfo := util.GetSystemInfo()
	localIP, err := util.GetLocalIP()
	if err != nil {
		log.Debug().Err(err).Msg("local IP lookup failed")
	}

	c.JSON(http.StatusOK, gin.H{
		"version":       Version,
		"server_ip":     network.ServerIP,
		"lobby_port":    snap.LobbyPort,
		"max_games":     network.MaxGames,
		"running_games": len(snap.Games),
		"free_ports":    snap.FreePorts,
		"waiting":       len(snap.Waiting),
		"uptime":        snap.At.Sub(snap.StartedAt).Round(time.Second).String(),
		"platform":      sysInfo.Platform,
		"hostname":      sysInfo.Hostname,
		"local_ip":      localIP,
	})
}
