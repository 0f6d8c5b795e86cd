// Package cli implements the line-oriented terminal consoles of the flagrun
// client and server.
package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
)

// errQuit ends a console loop without reporting an error.
var errQuit = errors.New("quit")

// executor runs one parsed command line.
type executor func(ctx context.Context, cmd string, args []string) error

// syncWriter serialises writes from the command loop and notice printers.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (sw *syncWriter) Write(p []byte) (int, error) {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	return sw.w.Write(p)
}

// readLines forwards lines from in until EOF or ctx ends. The channel is
// closed when the input ends.
func readLines(ctx context.Context, in io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	return lines
}

// loop prompts, reads and executes commands until ctx ends, the input
// ends or a command quits.
func loop(ctx context.Context, in io.Reader, out io.Writer, prompt string, exec executor) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := readLines(ctx, in)
	for {
		fmt.Fprint(out, prompt)

		var line string
		select {
		case <-ctx.Done():
			return
		case l, ok := <-lines:
			if !ok {
				return
			}
			line = l
		}

		parts := strings.Fields(line)
		if len(parts) == 0 {
			continue
		}
		cmd := strings.ToLower(parts[0])

		err := exec(ctx, cmd, parts[1:])
		if errors.Is(err, errQuit) {
			return
		}
		if err != nil {
			fmt.Fprintf(out, "Error: %v\n", err)
		}
	}
}
