package cli

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/energizer-project/flagrun/internal/db"
	"github.com/energizer-project/flagrun/internal/events"
	"github.com/energizer-project/flagrun/internal/server"
)

// Lobby is the published lobby state the server console reads.
type Lobby interface {
	Snapshot() *server.LobbySnapshot
}

// History lists stored matches for the server console.
type History interface {
	Recent(limit int) ([]db.Match, error)
}

// ServerCLI is the operator console of the lobby server.
type ServerCLI struct {
	lobby    Lobby
	history  History
	eventBus *events.EventBus
	out      io.Writer
}

// NewServerCLI creates the server console. history may be nil.
func NewServerCLI(lobby Lobby, history History, eventBus *events.EventBus, out io.Writer) *ServerCLI {
	return &ServerCLI{
		lobby:    lobby,
		history:  history,
		eventBus: eventBus,
		out:      out,
	}
}

// Start runs the console until ctx ends, the input ends or the operator
// quits. Quitting emits EventShutdown.
func (c *ServerCLI) Start(ctx context.Context, in io.Reader) {
	fmt.Fprintln(c.out, "\nflagrun server console ready. Type 'help' for available commands.")
	loop(ctx, in, c.out, "lobby> ", c.execute)
}

func (c *ServerCLI) execute(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "help", "h", "?":
		c.printHelp()
	case "status", "s":
		c.printStatus()
	case "games", "g":
		return c.printGames(args)
	case "lobby", "l":
		c.printLobby()
	case "history":
		return c.printHistory(args)
	case "quit", "exit", "q":
		fmt.Fprintln(c.out, "Shutting down flagrun server...")
		if c.eventBus != nil {
			c.eventBus.Emit(ctx, events.Event{
				Type:   events.EventShutdown,
				Source: "cli",
			})
		}
		return errQuit
	default:
		fmt.Fprintf(c.out, "Unknown command: '%s'. Type 'help' for available commands.\n", cmd)
	}
	return nil
}

func (c *ServerCLI) printHelp() {
	fmt.Fprintln(c.out, `
  status          Show lobby summary
  games [id]      List running games, or show one game's players
  lobby           List endpoints waiting in the lobby
  history [n]     Show the last n finished or running matches
  quit            Shut down the server
  help            Show this help message`)
}

func (c *ServerCLI) printStatus() {
	snap := c.lobby.Snapshot()

	players := 0
	for _, g := range snap.Games {
		players += len(g.Players)
	}

	fmt.Fprintf(c.out, "\n  Lobby port:     %d\n", snap.LobbyPort)
	fmt.Fprintf(c.out, "  Uptime:         %s\n", snap.At.Sub(snap.StartedAt).Round(time.Second))
	fmt.Fprintf(c.out, "  Waiting:        %d\n", len(snap.Waiting))
	fmt.Fprintf(c.out, "  Games:          %d running, %d ports free\n", len(snap.Games), snap.FreePorts)
	fmt.Fprintf(c.out, "  Players:        %d in game\n", players)
	fmt.Fprintf(c.out, "  Games created:  %d\n", snap.GamesCreated)
	fmt.Fprintf(c.out, "  Malformed:      %d packets dropped\n\n", snap.Malformed)
}

func (c *ServerCLI) printGames(args []string) error {
	snap := c.lobby.Snapshot()

	if len(args) > 0 {
		id, err := strconv.ParseUint(args[0], 10, 32)
		if err != nil {
			return fmt.Errorf("invalid game ID: %s", args[0])
		}
		info, ok := snap.Game(uint32(id))
		if !ok {
			fmt.Fprintf(c.out, "Game %d not found\n", id)
			return nil
		}
		c.printGameDetail(info, snap.At)
		return nil
	}

	if len(snap.Games) == 0 {
		fmt.Fprintln(c.out, "No games running.")
		return nil
	}

	tw := tablewriter.NewWriter(c.out)
	tw.SetHeader([]string{"Game", "Port", "State", "Owner", "Players", "Captures", "Age"})
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)
	for _, g := range snap.Games {
		tw.Append([]string{
			strconv.FormatUint(uint64(g.ID), 10),
			strconv.Itoa(int(g.Port)),
			g.State.String(),
			g.Owner,
			strconv.Itoa(len(g.Players)),
			strconv.Itoa(g.Captures),
			snap.At.Sub(g.CreatedAt).Round(time.Second).String(),
		})
	}
	tw.Render()
	return nil
}

func (c *ServerCLI) printGameDetail(info server.InstanceInfo, now time.Time) {
	fmt.Fprintf(c.out, "\n  Game:      %d on port %d\n", info.ID, info.Port)
	fmt.Fprintf(c.out, "  State:     %s\n", info.State)
	fmt.Fprintf(c.out, "  Owner:     %s\n", info.Owner)
	fmt.Fprintf(c.out, "  Captures:  %d\n", info.Captures)
	fmt.Fprintf(c.out, "  Flag:      (%.1f, %.1f)\n\n", info.Flag.X, info.Flag.Y)

	if len(info.Players) == 0 {
		return
	}

	tw := tablewriter.NewWriter(c.out)
	tw.SetHeader([]string{"Endpoint", "Colour", "Captures", "Armed", "X", "Y", "Pending", "Joined"})
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)
	for _, p := range info.Players {
		tw.Append([]string{
			p.Endpoint,
			p.Color,
			strconv.Itoa(p.Captures),
			strconv.FormatBool(p.Armed),
			f1(p.Position.X),
			f1(p.Position.Y),
			strconv.Itoa(p.Pending),
			now.Sub(p.JoinedAt).Round(time.Second).String() + " ago",
		})
	}
	tw.Render()
	fmt.Fprintln(c.out)
}

func (c *ServerCLI) printLobby() {
	snap := c.lobby.Snapshot()
	if len(snap.Waiting) == 0 {
		fmt.Fprintln(c.out, "Lobby is empty.")
		return
	}

	tw := tablewriter.NewWriter(c.out)
	tw.SetHeader([]string{"#", "Endpoint"})
	tw.SetBorder(true)
	for i, ep := range snap.Waiting {
		tw.Append([]string{strconv.Itoa(i + 1), ep})
	}
	tw.Render()
}

func (c *ServerCLI) printHistory(args []string) error {
	if c.history == nil {
		fmt.Fprintln(c.out, "Match history is disabled.")
		return nil
	}

	limit := 10
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n < 1 {
			return fmt.Errorf("invalid count: %s", args[0])
		}
		limit = n
	}

	matches, err := c.history.Recent(limit)
	if err != nil {
		return err
	}
	if len(matches) == 0 {
		fmt.Fprintln(c.out, "No matches recorded.")
		return nil
	}

	tw := tablewriter.NewWriter(c.out)
	tw.SetHeader([]string{"Game", "Started", "Players", "Captures", "Winner", "Ended"})
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)
	for _, m := range matches {
		ended := "running"
		if m.EndedAt != nil {
			ended = m.EndReason
		}
		tw.Append([]string{
			strconv.FormatUint(uint64(m.GameID), 10),
			m.CreatedAt.Local().Format("01-02 15:04:05"),
			strconv.Itoa(m.Players),
			strconv.Itoa(m.Captures),
			m.Winner,
			ended,
		})
	}
	tw.Render()
	return nil
}
