package session

import (
	"testing"
	"time"

	"github.com/energizer-project/flagrun/internal/config"
)

func TestConfigFromConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Network.ServerIP = "10.1.2.3"
	cfg.Network.LobbyPort = 6000
	cfg.Timing.ResendIntervalMS = 300

	got, err := ConfigFromConfig(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if got.Lobby.String() != "10.1.2.3:6000" {
		t.Fatalf("expected lobby 10.1.2.3:6000, got %s", got.Lobby)
	}
	if got.ResendInterval != 300*time.Millisecond {
		t.Fatalf("expected 300ms resend, got %v", got.ResendInterval)
	}
	if got.PickupRadius != cfg.Game.FlagPickupRadius {
		t.Fatalf("expected pickup radius %v, got %v", cfg.Game.FlagPickupRadius, got.PickupRadius)
	}

	cfg.Network.ServerIP = "lobby.example"
	if _, err := ConfigFromConfig(cfg); err == nil {
		t.Fatal("expected error for hostname")
	}
}
