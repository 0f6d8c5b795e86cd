package api

import (
	"database/sql"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/energizer-project/flagrun/internal/server"
)

// handleGetLobby returns the most recent lobby snapshot.
func (s *Server) handleGetLobby(c *gin.Context) {
	c.JSON(http.StatusOK, s.lobby.Snapshot())
}

// handleGetGames lists running games, optionally filtered by state.
func (s *Server) handleGetGames(c *gin.Context) {
	games := s.lobby.Snapshot().Games
	if state := c.Query("state"); state != "" {
		filtered := make([]server.InstanceInfo, 0, len(games))
		for _, g := range games {
			if g.State.String() == state {
				filtered = append(filtered, g)
			}
		}
		games = filtered
	}

	c.JSON(http.StatusOK, gin.H{
		"games": games,
		"total": len(games),
	})
}

// handleGetGame returns one running game.
func (s *Server) handleGetGame(c *gin.Context) {
	id, ok := gameIDParam(c)
	if !ok {
		return
	}

	info, found := s.lobby.Snapshot().Game(id)
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "game not found", "id": id})
		return
	}
	c.JSON(http.StatusOK, info)
}

// handleGetHistory returns recently hosted matches.
func (s *Server) handleGetHistory(c *gin.Context) {
	if !s.requireHistory(c) {
		return
	}

	limit, err := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if err != nil || limit < 1 {
		limit = 20
	}
	limit = min(limit, 500)

	matches, err := s.history.Recent(limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"matches": matches,
		"count":   len(matches),
	})
}

// handleGetHistoryMatch returns one match of the current run with its events.
func (s *Server) handleGetHistoryMatch(c *gin.Context) {
	if !s.requireHistory(c) {
		return
	}
	id, ok := gameIDParam(c)
	if !ok {
		return
	}

	match, err := s.history.Match(id)
	if errors.Is(err, sql.ErrNoRows) {
		c.JSON(http.StatusNotFound, gin.H{"error": "match not found", "id": id})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, match)
}

// handleGetHistoryStats returns totals over the stored history.
func (s *Server) handleGetHistoryStats(c *gin.Context) {
	if !s.requireHistory(c) {
		return
	}

	stats, err := s.history.Stats()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) requireHistory(c *gin.Context) bool {
	if s.history == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "match history is disabled"})
		return false
	}
	return true
}

func gameIDParam(c *gin.Context) (uint32, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid game ID"})
		return 0, false
	}
	return uint32(id), true
}
