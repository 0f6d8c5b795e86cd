package session

import (
	"context"
	"time"

	"github.com/energizer-project/flagrun/internal/clock"
	"github.com/energizer-project/flagrun/internal/entity"
)

// Command runs on the tick goroutine with exclusive access to the Session.
type Command func(s *Session, now time.Time) error

// Request carries a Command from another goroutine. Reply, if set,
// receives the command's error.
type Request struct {
	Cmd   Command
	Reply chan<- error
}

// InputFunc reports the directional keys held for the next frame.
type InputFunc func() entity.Keys

// Run ticks the session every interval until ctx is cancelled. Requests
// are executed between frames so the session keeps a single owner.
func (s *Session) Run(ctx context.Context, clk clock.Clock, interval time.Duration, input InputFunc, requests <-chan Request) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info().
		Str("lobby", s.lobby.String()).
		Dur("frame", interval).
		Msg("client running")

	for {
		select {
		case <-ctx.Done():
			return s.Close()

		case req := <-requests:
			now := clk.Now()
			err := req.Cmd(s, now)
			s.publish(now)
			if req.Reply != nil {
				req.Reply <- err
			}

		case <-ticker.C:
			var keys entity.Keys
			if input != nil {
				keys = input()
			}
			s.Tick(clk.Now(), keys)
		}
	}
}

// Do sends cmd to a running session and waits for its result.
func Do(ctx context.Context, requests chan<- Request, cmd Command) error {
	reply := make(chan error, 1)
	select {
	case requests <- Request{Cmd: cmd, Reply: reply}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
