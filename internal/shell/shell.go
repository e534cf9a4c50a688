// Package shell is the interactive command loop of the client.
package shell

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"tftpd/internal/errors"
)

// Transferer performs the file transfers a command asks for
type Transferer interface {
	Get(ctx context.Context, remote string) (string, error)
	Put(ctx context.Context, local string) error
}

// Command names
const (
	CmdGet  = "get"
	CmdPut  = "put"
	CmdHelp = "help"
	CmdExit = "exit"
)

const prompt = "tftp> "

// Command is one parsed input line
type Command struct {
	Name string
	Arg  string
}

// Parse splits a line into a command and its argument. Blank lines parse to
// a zero Command.
func Parse(line string) (Command, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Command{}, nil
	}

	cmd := Command{Name: fields[0]}
	switch cmd.Name {
	case CmdGet, CmdPut:
		if len(fields) < 2 {
			return cmd, errors.NewValidationError("command", line, fmt.Sprintf("'%s' requires an argument", cmd.Name))
		}
		cmd.Arg = fields[1]
		fields = fields[2:]
	case CmdHelp, CmdExit:
		fields = fields[1:]
	default:
		return cmd, errors.NewValidationError("command", line, fmt.Sprintf("'%s': unknown command", cmd.Name))
	}

	if len(fields) > 0 {
		return cmd, errors.NewValidationError("command", line, fmt.Sprintf("too many arguments for '%s'", cmd.Name))
	}
	return cmd, nil
}

// Shell reads commands from in and reports on out
type Shell struct {
	in  io.Reader
	out io.Writer
	t   Transferer
}

// New creates a shell over the given streams
func New(in io.Reader, out io.Writer, t Transferer) *Shell {
	return &Shell{in: in, out: out, t: t}
}

// Run processes commands until exit, end of input or cancellation. A failed
// command is reported and the loop continues.
func (s *Shell) Run(ctx context.Context) error {
	scanner := bufio.NewScanner(s.in)

	for {
		if ctx.Err() != nil {
			return nil
		}

		fmt.Fprint(s.out, prompt)
		if !scanner.Scan() {
			fmt.Fprintln(s.out)
			return scanner.Err()
		}

		cmd, err := Parse(scanner.Text())
		if err != nil {
			fmt.Fprintf(s.out, "ERROR - %s\n", reason(err))
			fmt.Fprintf(s.out, "Type '%s' for the command list\n", CmdHelp)
			continue
		}

		if cmd.Name == CmdExit {
			return nil
		}
		s.execute(ctx, cmd)
	}
}

func (s *Shell) execute(ctx context.Context, cmd Command) {
	switch cmd.Name {
	case CmdGet:
		local, err := s.t.Get(ctx, cmd.Arg)
		if err != nil {
			slog.Debug("Get failed", "file", cmd.Arg, "error", err)
			fmt.Fprintf(s.out, "ERROR - %v\n", err)
			return
		}
		fmt.Fprintf(s.out, "OK - file copied: %s\n", local)
	case CmdPut:
		if err := s.t.Put(ctx, cmd.Arg); err != nil {
			slog.Debug("Put failed", "file", cmd.Arg, "error", err)
			fmt.Fprintf(s.out, "ERROR - %v\n", err)
			return
		}
		fmt.Fprintf(s.out, "OK - file sent: %s\n", cmd.Arg)
	case CmdHelp:
		printHelp(s.out)
	}
}

func reason(err error) string {
	var verr *errors.ValidationError
	if errors.As(err, &verr) {
		return verr.Message
	}
	return err.Error()
}

func printHelp(w io.Writer) {
	fmt.Fprintln(w, "Usage: CMD [ARG]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "- get FILE: download a file from the server")
	fmt.Fprintln(w, "- put FILE: upload a file to the server")
	fmt.Fprintln(w, "- help: show this message")
	fmt.Fprintln(w, "- exit: end the session")
}
