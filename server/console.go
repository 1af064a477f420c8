package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/chzyer/readline"

	"github.com/caffeineduck/harbor/executor"
)

const (
	promptMain = ">>> "
	promptMore = "... "
)

// LineReader reads console input. *readline.Instance implements it.
type LineReader interface {
	Readline() (string, error)
	SetPrompt(prompt string)
}

// ConsoleListener runs one instance per input line and prints its output.
// A line ending in a backslash continues on the next line; "exit" or
// "quit" ends the session.
type ConsoleListener struct {
	in     LineReader
	out    io.Writer
	errOut io.Writer
	d      *Dispatcher
}

func NewConsole(in LineReader, out, errOut io.Writer, d *Dispatcher) *ConsoleListener {
	return &ConsoleListener{in: in, out: out, errOut: errOut, d: d}
}

func (c *ConsoleListener) Name() string {
	return "console"
}

// Serve reads lines until end of input, an exit command or ctx is done.
func (c *ConsoleListener) Serve(ctx context.Context) error {
	var pending strings.Builder
	continued := false

	for ctx.Err() == nil {
		line, err := c.in.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) {
				if continued {
					pending.Reset()
					continued = false
					c.in.SetPrompt(promptMain)
				}
				continue
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read input: %w", err)
		}

		if strings.HasSuffix(line, "\\") {
			pending.WriteString(strings.TrimSuffix(line, "\\"))
			pending.WriteString("\n")
			continued = true
			c.in.SetPrompt(promptMore)
			continue
		}
		if continued {
			pending.WriteString(line)
			line = pending.String()
			pending.Reset()
			continued = false
			c.in.SetPrompt(promptMain)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			return nil
		}
		c.eval(ctx, line)
	}
	return nil
}

func (c *ConsoleListener) eval(ctx context.Context, line string) {
	res, err := c.d.Dispatch(ctx, executor.Request{
		Trigger: executor.TriggerConsole,
		Payload: []byte(line),
	})
	if err != nil {
		fmt.Fprintf(c.errOut, "Error: %v\n", err)
		return
	}
	if len(res.Output) > 0 {
		c.out.Write(res.Output)
		if res.Output[len(res.Output)-1] != '\n' {
			fmt.Fprintln(c.out)
		}
	}
	if !res.OK() {
		fmt.Fprintf(c.errOut, "Error (%s): %v\n", res.State, res.Err)
	}
}
