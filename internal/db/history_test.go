package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/energizer-project/flagrun/internal/events"
)

func openHistory(t *testing.T, runID string) *HistoryDatabase {
	t.Helper()
	h, err := NewHistoryDatabase(filepath.Join(t.TempDir(), "history.db"), runID)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { h.Close() })
	return h
}

func TestRecordMatchLifecycle(t *testing.T) {
	h := openHistory(t, "run-1")
	start := time.Unix(1000, 0)

	if err := h.RecordCreated(1, 5001, "10.0.0.1:4000", start); err != nil {
		t.Fatal(err)
	}
	join := MatchEvent{Kind: EventJoined, Endpoint: "10.0.0.1:4000", Color: "red", At: start}
	if err := h.RecordEvent(1, 5001, join); err != nil {
		t.Fatal(err)
	}
	join.Endpoint, join.Color = "10.0.0.2:4000", "green"
	if err := h.RecordEvent(1, 5001, join); err != nil {
		t.Fatal(err)
	}
	capture := MatchEvent{Kind: EventCaptured, Endpoint: "10.0.0.2:4000", Color: "green", Detail: "1", At: start.Add(time.Second)}
	if err := h.RecordEvent(1, 0, capture); err != nil {
		t.Fatal(err)
	}
	if err := h.RecordEnding(1, 5001, "captures", 1, "10.0.0.2:4000", 2, start.Add(2*time.Second)); err != nil {
		t.Fatal(err)
	}
	if err := h.RecordRemoved(1, 5001, 1, 3*time.Second, start.Add(3*time.Second)); err != nil {
		t.Fatal(err)
	}

	m, err := h.Match(1)
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if m.Port != 5001 || m.Owner != "10.0.0.1:4000" {
		t.Fatalf("expected port 5001 owned by 10.0.0.1:4000, got %d %q", m.Port, m.Owner)
	}
	if m.Players != 2 {
		t.Fatalf("expected 2 players, got %d", m.Players)
	}
	if m.Winner != "10.0.0.2:4000" || m.EndReason != "captures" || m.Captures != 1 {
		t.Fatalf("unexpected ending %+v", m)
	}
	if m.EndedAt == nil || !m.EndedAt.Equal(start.Add(2*time.Second)) {
		t.Fatalf("expected end at +2s, got %v", m.EndedAt)
	}
	if m.Duration != 3*time.Second {
		t.Fatalf("expected 3s duration, got %v", m.Duration)
	}
	if len(m.Events) != 3 || m.Events[2].Kind != EventCaptured {
		t.Fatalf("expected 3 events ending with a capture, got %+v", m.Events)
	}

	stats, err := h.Stats()
	if err != nil {
		t.Fatal(err)
	}
	if stats.Matches != 1 || stats.Finished != 1 || stats.Captures != 1 || stats.Joins != 2 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestEventBeforeCreateKeepsOwner(t *testing.T) {
	h := openHistory(t, "run-1")
	at := time.Unix(1000, 0)

	if err := h.RecordEvent(7, 5003, MatchEvent{Kind: EventJoined, Endpoint: "a", At: at}); err != nil {
		t.Fatal(err)
	}
	if err := h.RecordCreated(7, 5003, "a", at); err != nil {
		t.Fatal(err)
	}

	m, err := h.Match(7)
	if err != nil {
		t.Fatal(err)
	}
	if m.Owner != "a" || m.Players != 1 {
		t.Fatalf("expected owner a with 1 player, got %+v", m)
	}
}

func TestRecentNewestFirst(t *testing.T) {
	h := openHistory(t, "run-1")
	base := time.Unix(1000, 0)
	for i := range 3 {
		if err := h.RecordCreated(uint32(i+1), 5001+i, "owner", base.Add(time.Duration(i)*time.Minute)); err != nil {
			t.Fatal(err)
		}
	}

	matches, err := h.Recent(2)
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(matches))
	}
	if matches[0].GameID != 3 || matches[1].GameID != 2 {
		t.Fatalf("expected games 3 then 2, got %d then %d", matches[0].GameID, matches[1].GameID)
	}
	if matches[0].EndedAt != nil {
		t.Fatal("expected running match without end time")
	}
}

func TestPruneRemovesOldMatchesAndEvents(t *testing.T) {
	h := openHistory(t, "run-1")
	old := time.Now().Add(-48 * time.Hour)
	fresh := time.Now()

	if err := h.RecordCreated(1, 5001, "old", old); err != nil {
		t.Fatal(err)
	}
	if err := h.RecordEvent(1, 5001, MatchEvent{Kind: EventJoined, Endpoint: "old", At: old}); err != nil {
		t.Fatal(err)
	}
	if err := h.RecordCreated(2, 5002, "fresh", fresh); err != nil {
		t.Fatal(err)
	}

	n, err := h.Prune(time.Now().Add(-24 * time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 pruned match, got %d", n)
	}

	stats, err := h.Stats()
	if err != nil {
		t.Fatal(err)
	}
	if stats.Matches != 1 || stats.Joins != 0 {
		t.Fatalf("expected old match and its events gone, got %+v", stats)
	}
}

func TestRunsKeepSeparateGameIDs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	first, err := NewHistoryDatabase(path, "run-1")
	if err != nil {
		t.Fatal(err)
	}
	if err := first.RecordCreated(1, 5001, "a", time.Unix(1000, 0)); err != nil {
		t.Fatal(err)
	}
	first.Close()

	second, err := NewHistoryDatabase(path, "run-2")
	if err != nil {
		t.Fatal(err)
	}
	defer second.Close()
	if err := second.RecordCreated(1, 5001, "b", time.Unix(2000, 0)); err != nil {
		t.Fatal(err)
	}

	matches, err := second.Recent(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 2 {
		t.Fatalf("expected both runs kept, got %d", len(matches))
	}
	if m, err := second.Match(1); err != nil || m.Owner != "b" {
		t.Fatalf("expected current run's game 1 owned by b, got %+v %v", m, err)
	}
}

func TestSubscribeRecordsBusEvents(t *testing.T) {
	h := openHistory(t, "run-1")
	bus := events.NewEventBus()
	defer bus.Stop()
	h.Subscribe(bus)

	at := time.Unix(1000, 0)
	ctx := context.Background()
	bus.Emit(ctx, events.Event{Type: events.EventGameCreated, Payload: events.GameCreatedPayload{
		GameID: 4, Port: 5004, Owner: "a", CreatedAt: at,
	}})
	bus.Wait()
	bus.Emit(ctx, events.Event{Type: events.EventPlayerJoined, Payload: events.PlayerPayload{
		GameID: 4, Port: 5004, Endpoint: "a", Color: "red", At: at,
	}})
	bus.Emit(ctx, events.Event{Type: events.EventFlagCaptured, Payload: events.FlagCapturedPayload{
		GameID: 4, Endpoint: "a", Color: "red", Captures: 1, PlayerCaptures: 1, At: at.Add(time.Second),
	}})
	bus.Wait()
	bus.Emit(ctx, events.Event{Type: events.EventGameRemoved, Payload: events.GameRemovedPayload{
		GameID: 4, Port: 5004, Captures: 1, Duration: 2 * time.Second, At: at.Add(2 * time.Second),
	}})
	bus.Wait()

	m, err := h.Match(4)
	if err != nil {
		t.Fatal(err)
	}
	if m.Port != 5004 || m.Players != 1 || m.Captures != 1 || m.Duration != 2*time.Second {
		t.Fatalf("unexpected match %+v", m)
	}
	if len(m.Events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(m.Events))
	}
}
