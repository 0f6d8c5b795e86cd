package cli

import (
	"context"
	"fmt"
	"io"
	"net/netip"
	"strconv"
	"sync"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/energizer-project/flagrun/internal/session"
)

// SessionView is the part of a running session that may be read from the
// console goroutine.
type SessionView interface {
	Snapshot() *session.Snapshot
	Notices() <-chan session.Notice
}

// ClientCLI is the player's console. Commands that change the session are
// sent to its tick goroutine through requests.
type ClientCLI struct {
	view     SessionView
	requests chan<- session.Request
	keys     *HeldKeys
	out      io.Writer
}

// NewClientCLI creates the client console.
func NewClientCLI(view SessionView, requests chan<- session.Request, keys *HeldKeys, out io.Writer) *ClientCLI {
	return &ClientCLI{
		view:     view,
		requests: requests,
		keys:     keys,
		out:      &syncWriter{w: out},
	}
}

// Start runs the console until ctx ends, the input ends or the user quits.
func (c *ClientCLI) Start(ctx context.Context, in io.Reader) {
	fmt.Fprintln(c.out, "\nflagrun client ready. Type 'help' for available commands.")

	noticeCtx, stop := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.printNotices(noticeCtx)
	}()

	loop(ctx, in, c.out, "flagrun> ", c.execute)
	stop()
	wg.Wait()
}

func (c *ClientCLI) printNotices(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-c.view.Notices():
			if n.Err != nil {
				fmt.Fprintf(c.out, "\n[%s] %s: %v\n", n.At.Format("15:04:05"), n.Text, n.Err)
			} else {
				fmt.Fprintf(c.out, "\n[%s] %s\n", n.At.Format("15:04:05"), n.Text)
			}
		}
	}
}

func (c *ClientCLI) execute(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "help", "h", "?":
		c.printHelp()
	case "changeip":
		return c.cmdChangeIP(ctx, args)
	case "changeport":
		return c.cmdChangePort(ctx, args)
	case "showgames", "games":
		return c.cmdShowGames(ctx)
	case "creategame", "create":
		return c.do(ctx, func(s *session.Session, now time.Time) error {
			return s.CreateGame(now)
		}, "create request sent")
	case "joingame", "join":
		return c.cmdJoinGame(ctx, args)
	case "move", "m":
		return c.cmdMove(args)
	case "status", "s":
		c.printStatus()
	case "quit", "exit", "q":
		fmt.Fprintln(c.out, "Leaving flagrun...")
		return errQuit
	default:
		fmt.Fprintf(c.out, "Unknown command: '%s'. Type 'help' for available commands.\n", cmd)
	}
	return nil
}

func (c *ClientCLI) do(ctx context.Context, cmd session.Command, done string) error {
	if err := session.Do(ctx, c.requests, cmd); err != nil {
		return err
	}
	if done != "" {
		fmt.Fprintln(c.out, done)
	}
	return nil
}

func (c *ClientCLI) printHelp() {
	fmt.Fprintln(c.out, `
  changeIP <ip>       Point the client at another lobby address
  changePort <port>   Point the client at another lobby port
  showGames           List games announced by the lobby
  createGame          Ask the lobby for a new game
  joinGame <id>       Join a listed game
  move <dirs>         Hold directions (n, e, s, w, ne, ... or stop)
  status              Show connection and game state
  quit                Leave
  help                Show this help message`)
}

func (c *ClientCLI) cmdChangeIP(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: changeIP <ip>")
	}
	ip := args[0]
	if _, err := netip.ParseAddr(ip); err != nil {
		return fmt.Errorf("invalid IP address: %s", ip)
	}
	return c.do(ctx, func(s *session.Session, now time.Time) error {
		return s.ChangeIP(ip)
	}, "lobby address changed, reconnecting")
}

func (c *ClientCLI) cmdChangePort(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: changePort <port>")
	}
	port, err := strconv.ParseUint(args[0], 10, 16)
	if err != nil || port == 0 {
		return fmt.Errorf("invalid port: %s", args[0])
	}
	return c.do(ctx, func(s *session.Session, now time.Time) error {
		return s.ChangePort(uint16(port))
	}, "lobby port changed, reconnecting")
}

func (c *ClientCLI) cmdJoinGame(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: joinGame <id>")
	}
	id, err := strconv.ParseUint(args[0], 10, 32)
	if err != nil {
		return fmt.Errorf("invalid game ID: %s", args[0])
	}
	return c.do(ctx, func(s *session.Session, now time.Time) error {
		return s.JoinGame(uint32(id), now)
	}, fmt.Sprintf("join request for game %d sent", id))
}

func (c *ClientCLI) cmdShowGames(ctx context.Context) error {
	var games []session.LobbyEntry
	err := session.Do(ctx, c.requests, func(s *session.Session, now time.Time) error {
		var err error
		games, err = s.Games()
		return err
	})
	if err != nil {
		return err
	}

	if len(games) == 0 {
		fmt.Fprintln(c.out, "No games announced yet.")
		return nil
	}

	now := time.Now()
	if snap := c.view.Snapshot(); snap != nil {
		now = snap.At
	}

	tw := tablewriter.NewWriter(c.out)
	tw.SetHeader([]string{"Game", "Owner", "Players", "Seen"})
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)
	for _, g := range games {
		tw.Append([]string{
			strconv.FormatUint(uint64(g.GameID), 10),
			g.Owner,
			strconv.Itoa(g.Players),
			now.Sub(g.LastUpdate).Round(time.Second).String() + " ago",
		})
	}
	tw.Render()
	return nil
}

func (c *ClientCLI) cmdMove(args []string) error {
	if len(args) == 0 {
		fmt.Fprintf(c.out, "Holding: %s\n", formatKeys(c.keys.Get()))
		return nil
	}
	keys, err := ParseKeys(args)
	if err != nil {
		return err
	}
	c.keys.Set(keys)
	fmt.Fprintf(c.out, "Holding: %s\n", formatKeys(keys))
	return nil
}

func (c *ClientCLI) printStatus() {
	snap := c.view.Snapshot()
	if snap == nil {
		fmt.Fprintln(c.out, "No state yet.")
		return
	}

	fmt.Fprintf(c.out, "\n  State:    %s\n", snap.State)
	fmt.Fprintf(c.out, "  Lobby:    %s\n", snap.Lobby)
	if snap.State == session.StateInGame {
		fmt.Fprintf(c.out, "  Game:     %s\n", snap.Target)
	}
	fmt.Fprintf(c.out, "  Pending:  %d unacknowledged\n", snap.Pending)
	fmt.Fprintf(c.out, "  Holding:  %s\n", formatKeys(c.keys.Get()))

	if !snap.Playing {
		fmt.Fprintln(c.out)
		return
	}

	fmt.Fprintf(c.out, "  Colour:   %s\n", snap.Color)
	fmt.Fprintf(c.out, "  Position: (%.1f, %.1f) facing %.0f\n", snap.Position.X, snap.Position.Y, snap.Yaw)
	fmt.Fprintf(c.out, "  Flag:     (%.1f, %.1f) %.1f away\n", snap.Flag.X, snap.Flag.Y, snap.Position.Dist(snap.Flag))

	tw := tablewriter.NewWriter(c.out)
	tw.SetHeader([]string{"Player", "X", "Y", "Facing"})
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)
	tw.Append([]string{snap.Color + " (you)", f1(snap.Position.X), f1(snap.Position.Y), f0(snap.Yaw)})
	for _, r := range snap.Remotes {
		tw.Append([]string{r.Color, f1(r.Position.X), f1(r.Position.Y), f0(r.Yaw)})
	}
	tw.Render()
	fmt.Fprintln(c.out)
}

func f1(v float64) string { return strconv.FormatFloat(v, 'f', 1, 64) }
func f0(v float64) string { return strconv.FormatFloat(v, 'f', 0, 64) }
