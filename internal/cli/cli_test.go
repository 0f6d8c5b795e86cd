package cli

import (
	"bytes"
	"context"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/energizer-project/flagrun/internal/entity"
	"github.com/energizer-project/flagrun/internal/events"
	"github.com/energizer-project/flagrun/internal/network"
	"github.com/energizer-project/flagrun/internal/server"
	"github.com/energizer-project/flagrun/internal/session"
)

func TestParseKeys(t *testing.T) {
	tests := []struct {
		args    []string
		want    entity.Keys
		wantErr bool
	}{
		{[]string{"ne"}, entity.Keys{North: true, East: true}, false},
		{[]string{"north", "west"}, entity.Keys{North: true, West: true}, false},
		{[]string{"S"}, entity.Keys{South: true}, false},
		{[]string{"n", "stop"}, entity.Keys{}, false},
		{[]string{"nx"}, entity.Keys{}, true},
	}

	for _, tt := range tests {
		got, err := ParseKeys(tt.args)
		if tt.wantErr {
			if err == nil {
				t.Fatalf("%v: expected error", tt.args)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%v: %v", tt.args, err)
		}
		if got != tt.want {
			t.Fatalf("%v: expected %+v, got %+v", tt.args, tt.want, got)
		}
	}
}

type fakeLobby struct {
	snap *server.LobbySnapshot
}

func (f *fakeLobby) Snapshot() *server.LobbySnapshot { return f.snap }

func TestServerConsole(t *testing.T) {
	start := time.Unix(1000, 0)
	lobby := &fakeLobby{snap: &server.LobbySnapshot{
		At:        start.Add(90 * time.Second),
		StartedAt: start,
		LobbyPort: 5000,
		Waiting:   []string{"10.0.0.9:4000"},
		Games: []server.InstanceInfo{{
			ID: 1, Port: 5001, Owner: "10.0.0.1:4000", State: server.StateActive, CreatedAt: start,
			Players: []server.PlayerInfo{{Endpoint: "10.0.0.1:4000", Color: "red", JoinedAt: start}},
		}},
		FreePorts:    15,
		GamesCreated: 1,
	}}

	bus := events.NewEventBus()
	defer bus.Stop()
	shutdown := make(chan struct{}, 1)
	bus.Subscribe(events.EventShutdown, "test", func(ctx context.Context, e events.Event) error {
		shutdown <- struct{}{}
		return nil
	})

	var out bytes.Buffer
	in := strings.NewReader("status\ngames\ngames 1\ngames 9\nlobby\nhistory\nbogus\nquit\nstatus\n")
	NewServerCLI(lobby, nil, bus, &out).Start(context.Background(), in)

	text := out.String()
	for _, want := range []string{
		"Lobby port:     5000",
		"Uptime:         1m30s",
		"1 running, 15 ports free",
		"10.0.0.1:4000",
		"red",
		"Game 9 not found",
		"10.0.0.9:4000",
		"Match history is disabled.",
		"Unknown command: 'bogus'",
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("expected output to contain %q, got:\n%s", want, text)
		}
	}
	if strings.Count(text, "Lobby port:") != 1 {
		t.Fatal("expected console to stop at quit")
	}

	select {
	case <-shutdown:
	case <-time.After(time.Second):
		t.Fatal("expected shutdown event")
	}
}

func TestClientConsoleCommands(t *testing.T) {
	hub := network.NewMemoryHub()
	tr, err := hub.Listen(netip.MustParseAddrPort("127.0.0.1:7000"))
	if err != nil {
		t.Fatal(err)
	}
	now := time.Unix(5000, 0)
	sess := session.New(session.DefaultConfig(), tr, now)

	// Stand-in for the session's tick goroutine.
	requests := make(chan session.Request)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for req := range requests {
			req.Reply <- req.Cmd(sess, now)
		}
	}()

	keys := &HeldKeys{}
	var out bytes.Buffer
	in := strings.NewReader("createGame\njoinGame x\nchangeIP nope\nchangePort 6000\nmove ne\nshowGames\nquit\n")
	NewClientCLI(sess, requests, keys, &out).Start(context.Background(), in)
	close(requests)
	<-done

	text := out.String()
	for _, want := range []string{
		session.ErrNotConnected.Error(),
		"invalid game ID: x",
		"invalid IP address: nope",
		"lobby port changed",
		"Holding: NE",
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("expected output to contain %q, got:\n%s", want, text)
		}
	}

	if got := sess.Lobby().Port(); got != 6000 {
		t.Fatalf("expected lobby port 6000, got %d", got)
	}
	if k := keys.Get(); !k.North || !k.East {
		t.Fatalf("expected NE held, got %+v", k)
	}
}
