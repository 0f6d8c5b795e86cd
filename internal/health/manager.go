// Package health implements periodic health checks for the flagrun
// server: disk space under the history store, lobby capacity and
// malformed traffic, plus a heartbeat summary for telemetry.
package health

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/energizer-project/flagrun/internal/config"
	"github.com/energizer-project/flagrun/internal/events"
	"github.com/energizer-project/flagrun/internal/server"
	"github.com/energizer-project/flagrun/internal/util"
)

// MalformedBurst is how many malformed datagrams between two checks raise
// a warning.
const MalformedBurst = 100

// Lobby is the view of the running lobby the checks read.
type Lobby interface {
	Snapshot() *server.LobbySnapshot
}

// DiskUsageFunc reports disk usage for a path.
type DiskUsageFunc func(path string) (*util.DiskUsage, error)

// Manager runs periodic health checks on the lobby server.
type Manager struct {
	cfg       *config.Config
	eventBus  *events.EventBus
	lobby     Lobby
	diskUsage DiskUsageFunc

	mu            sync.Mutex
	lastLevel     map[string]string
	lastMalformed uint64
}

// NewManager creates a new health check manager.
func NewManager(cfg *config.Config, eventBus *events.EventBus, lobby Lobby) *Manager {
	return &Manager{
		cfg:       cfg,
		eventBus:  eventBus,
		lobby:     lobby,
		diskUsage: util.GetDiskUsage,
		lastLevel: make(map[string]string),
	}
}

// Start launches the health check goroutines and blocks until ctx is
// cancelled.
func (m *Manager) Start(ctx context.Context) {
	hc := m.cfg.GetHealth()

	checks := []struct {
		name     string
		interval int
		fn       func(context.Context, time.Time)
	}{
		{"disk_utilization", hc.CheckIntervalSec, m.checkDiskUtilization},
		{"lobby", hc.CheckIntervalSec, m.checkLobby},
		{"heartbeat", hc.HeartbeatIntervalSec, m.heartbeat},
	}

	var wg sync.WaitGroup
	for _, check := range checks {
		if check.interval <= 0 {
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			ticker := time.NewTicker(time.Duration(check.interval) * time.Second)
			defer ticker.Stop()

			log.Debug().Str("check", check.name).Msg("running initial health check")
			check.fn(ctx, time.Now())

			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					check.fn(ctx, time.Now())
				}
			}
		}()
	}

	log.Info().Int("checks", len(checks)).Msg("health check manager started")

	<-ctx.Done()
	wg.Wait()
	log.Info().Msg("health check manager stopped")
}

// diskPath is the directory holding the history database, or the working
// directory when history is disabled.
func (m *Manager) diskPath() string {
	if h := m.cfg.GetHistory(); h.Enabled && h.Path != "" {
		return filepath.Dir(h.Path)
	}
	return "."
}

// checkDiskUtilization monitors disk space and alerts at thresholds above
// the configured warning percentage.
func (m *Manager) checkDiskUtilization(ctx context.Context, now time.Time) {
	path := m.diskPath()
	usage, err := m.diskUsage(path)
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("disk utilization check failed")
		return
	}

	log.Debug().
		Float64("used_percent", usage.UsedPercent).
		Uint64("free_gb", usage.Free).
		Msg("disk utilization")

	warn := m.cfg.GetHealth().DiskWarnPercent
	if warn <= 0 || warn > 100 {
		return
	}

	var level string
	switch {
	case usage.UsedPercent >= 100:
		level = "critical"
	case usage.UsedPercent >= warn+(100-warn)/2:
		level = "error"
	case usage.UsedPercent >= warn:
		level = "warning"
	}

	m.alert(ctx, "disk_utilization", level, fmt.Sprintf("Disk usage at %.1f%% (%d GB free of %d GB total)",
		usage.UsedPercent, usage.Free, usage.Total), now)
}

// checkLobby warns when every game port is taken or malformed traffic
// spikes.
func (m *Manager) checkLobby(ctx context.Context, now time.Time) {
	snap := m.lobby.Snapshot()
	if snap == nil {
		return
	}

	level := ""
	if snap.FreePorts == 0 {
		level = "warning"
	}
	m.alert(ctx, "game_ports", level, fmt.Sprintf("All %d game ports in use", len(snap.Games)), now)

	m.mu.Lock()
	delta := snap.Malformed - m.lastMalformed
	if snap.Malformed < m.lastMalformed {
		delta = snap.Malformed
	}
	m.lastMalformed = snap.Malformed
	m.mu.Unlock()

	level = ""
	if delta >= MalformedBurst {
		level = "warning"
	}
	m.alert(ctx, "malformed_packets", level, fmt.Sprintf("%d malformed datagrams since last check", delta), now)
}

// heartbeat emits a lobby summary.
func (m *Manager) heartbeat(ctx context.Context, now time.Time) {
	snap := m.lobby.Snapshot()
	if snap == nil {
		return
	}

	players := 0
	for _, g := range snap.Games {
		players += len(g.Players)
	}

	m.eventBus.Emit(ctx, events.Event{
		Type:   events.EventHeartbeat,
		Source: "health_check",
		Payload: events.HeartbeatPayload{
			Games:     len(snap.Games),
			Players:   players,
			Waiting:   len(snap.Waiting),
			FreePorts: snap.FreePorts,
			Uptime:    now.Sub(snap.StartedAt),
			At:        now,
		},
	})
}

// alert emits EventHealthAlert when a check's level changes. An empty
// level means healthy; recovering from an alert is logged but not emitted.
func (m *Manager) alert(ctx context.Context, check, level, message string, now time.Time) {
	m.mu.Lock()
	prev := m.lastLevel[check]
	m.lastLevel[check] = level
	m.mu.Unlock()

	if level == prev {
		return
	}
	if level == "" {
		log.Info().Str("check", check).Msg("health check recovered")
		return
	}

	log.Warn().Str("check", check).Str("level", level).Msg(message)
	m.eventBus.Emit(ctx, events.Event{
		Type:   events.EventHealthAlert,
		Source: "health_check",
		Payload: events.HealthAlertPayload{
			Check:   check,
			Level:   level,
			Message: message,
			At:      now,
		},
	})
}
