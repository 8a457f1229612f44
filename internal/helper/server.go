package helper

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sync"

	"modvfs/internal/logging"

	"github.com/pkg/errors"
)

var (
	serverLogger = logging.GetLogger().WithPrefix("helper")
)

// Handler performs the commands a helper receives.
type Handler interface {
	Rebuild() error
	Flush() error
}

// Server is the helper side of the protocol.
type Server struct {
	in      io.Reader
	out     io.Writer
	handler Handler

	mu sync.Mutex
}

// NewServer reads commands from in and writes replies to out.
func NewServer(in io.Reader, out io.Writer, h Handler) *Server {
	return &Server{in: in, out: out, handler: h}
}

// Mounted announces a live mount.
func (s *Server) Mounted() error {
	return s.write(Reply{Kind: ReplyMounted})
}

// Fail reports a fatal startup error.
func (s *Server) Fail(err error) error {
	return s.write(ErrorReply(err))
}

// Reply answers the current command with ok or err.
func (s *Server) Reply(err error) error {
	if err != nil {
		return s.write(ErrorReply(err))
	}
	return s.write(Reply{Kind: ReplyOK})
}

func (s *Server) write(r Reply) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	serverLogger.Trace("-> %s", r)
	if _, err := fmt.Fprintln(s.out, r.String()); err != nil {
		return errors.Wrap(err, "write reply")
	}
	if f, ok := s.out.(interface{ Sync() error }); ok {
		f.Sync()
	}
	return nil
}

// Serve answers rebuild and flush until quit arrives, the input ends or ctx
// is cancelled. It returns nil for quit and end of input; the caller then
// shuts down and sends the final Reply.
func (s *Server) Serve(ctx context.Context) error {
	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(s.in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- sc.Err()
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			serverLogger.Info("Stopping: %v", ctx.Err())
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				if err := <-readErr; err != nil {
					serverLogger.Warn("Command input failed: %v", err)
				}
				serverLogger.Info("Command input closed")
				return nil
			}
			if line == "" {
				continue
			}

			cmd, err := ParseCommand(line)
			if err != nil {
				serverLogger.Warn("Rejecting %q", line)
				s.Reply(err)
				continue
			}
			serverLogger.Debug("<- %s", cmd)

			switch cmd {
			case CmdQuit:
				return nil
			case CmdRebuild:
				err = s.handler.Rebuild()
			case CmdFlush:
				err = s.handler.Flush()
			}
			if err != nil {
				serverLogger.Error("%s failed: %v", cmd, err)
			}
			if werr := s.Reply(err); werr != nil {
				return werr
			}
		}
	}
}
