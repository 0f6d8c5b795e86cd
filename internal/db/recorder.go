package db

import (
	"context"
	"fmt"
	"strconv"

	"github.com/energizer-project/flagrun/internal/events"
)

// Subscribe records lobby events into the history store. Handlers run on
// the bus goroutines, so a write may land before the match it belongs to
// has been created.
func (h *HistoryDatabase) Subscribe(bus *events.EventBus) {
	bus.SubscribeAll([]events.EventType{
		events.EventGameCreated,
		events.EventPlayerJoined,
		events.EventPlayerLeft,
		events.EventFlagCaptured,
		events.EventGameEnding,
		events.EventGameRemoved,
	}, "history", h.onEvent)
}

func (h *HistoryDatabase) onEvent(_ context.Context, event events.Event) error {
	switch p := event.Payload.(type) {
	case events.GameCreatedPayload:
		return h.RecordCreated(p.GameID, int(p.Port), p.Owner, p.CreatedAt)

	case events.PlayerPayload:
		kind := EventJoined
		if event.Type == events.EventPlayerLeft {
			kind = EventLeft
		}
		return h.RecordEvent(p.GameID, int(p.Port), MatchEvent{
			Kind:     kind,
			Endpoint: p.Endpoint,
			Color:    p.Color,
			Detail:   p.Reason,
			At:       p.At,
		})

	case events.FlagCapturedPayload:
		return h.RecordEvent(p.GameID, 0, MatchEvent{
			Kind:     EventCaptured,
			Endpoint: p.Endpoint,
			Color:    p.Color,
			Detail:   strconv.Itoa(p.PlayerCaptures),
			At:       p.At,
		})

	case events.GameEndingPayload:
		return h.RecordEnding(p.GameID, int(p.Port), p.Reason, p.Captures, p.Winner, p.Players, p.At)

	case events.GameRemovedPayload:
		return h.RecordRemoved(p.GameID, int(p.Port), p.Captures, p.Duration, p.At)
	}
	return fmt.Errorf("unexpected payload %T for %s", event.Payload, event.Type)
}
