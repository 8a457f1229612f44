package helper

import (
	"bufio"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeHandler struct {
	mu       sync.Mutex
	rebuilds int
	flushes  int
	flushErr error
}

func (h *fakeHandler) Rebuild() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rebuilds++
	return nil
}

func (h *fakeHandler) Flush() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.flushes++
	return h.flushErr
}

// pipePair connects a client to a server running in the background. The
// server announces the mount, serves, then sends the final reply.
func pipePair(t *testing.T, h Handler) (*Client, <-chan error, context.CancelFunc) {
	t.Helper()
	cmdR, cmdW := io.Pipe()
	replyR, replyW := io.Pipe()

	ctx, cancel := context.WithCancel(context.Background())
	srv := NewServer(cmdR, replyW, h)
	done := make(chan error, 1)
	go func() {
		defer replyW.Close()
		if err := srv.Mounted(); err != nil {
			done <- err
			return
		}
		err := srv.Serve(ctx)
		if err == nil {
			err = srv.Reply(nil)
		}
		done <- err
	}()

	t.Cleanup(func() {
		cancel()
		cmdW.Close()
	})
	return NewClient(cmdW, replyR), done, cancel
}

func TestClientServerSession(t *testing.T) {
	h := &fakeHandler{flushErr: errors.New("disk full")}
	c, done, _ := pipePair(t, h)

	if err := c.Handshake(); err != nil {
		t.Fatalf("Handshake failed: %v", err)
	}
	if err := c.Send(CmdRebuild); err != nil {
		t.Errorf("Rebuild failed: %v", err)
	}

	err := c.Send(CmdFlush)
	var remote *RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("Expected RemoteError, got %v", err)
	}
	if remote.Command != CmdFlush || remote.Message != "disk full" {
		t.Errorf("Unexpected remote error %+v", remote)
	}

	if err := c.Send(Command("bogus")); !errors.As(err, &remote) {
		t.Errorf("Expected unknown command to be rejected, got %v", err)
	}

	if err := c.Quit(); err != nil {
		t.Errorf("Quit failed: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Server returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Server did not stop")
	}
	select {
	case <-c.Exited():
	default:
		t.Error("Client should observe the end of output")
	}

	if h.rebuilds != 1 || h.flushes != 1 {
		t.Errorf("Expected one rebuild and one flush, got %d/%d", h.rebuilds, h.flushes)
	}
}

func TestHandshakeFailure(t *testing.T) {
	cmdR, cmdW := io.Pipe()
	defer cmdR.Close()
	replyR, replyW := io.Pipe()

	go func() {
		srv := NewServer(cmdR, replyW, &fakeHandler{})
		srv.Fail(errors.New("failed to mount FUSE at /games/Data"))
		replyW.Close()
	}()

	err := NewClient(cmdW, replyR).Handshake()
	var remote *RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("Expected RemoteError, got %v", err)
	}
	if remote.Message != "failed to mount FUSE at /games/Data" {
		t.Errorf("Unexpected diagnostic %q", remote.Message)
	}
}

func TestHandshakeOutputClosed(t *testing.T) {
	cmdR, cmdW := io.Pipe()
	defer cmdR.Close()
	replyR, replyW := io.Pipe()

	go func() {
		io.WriteString(replyW, "starting up\n")
		replyW.Close()
	}()

	if err := NewClient(cmdW, replyR).Handshake(); !errors.Is(err, ErrHelperExited) {
		t.Errorf("Expected ErrHelperExited, got %v", err)
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	cmdR, cmdW := io.Pipe()
	defer cmdW.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- NewServer(cmdR, io.Discard, &fakeHandler{}).Serve(ctx)
	}()
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

const shellHelper = `echo mounted
while read cmd; do
  case "$cmd" in
    quit) echo ok; exit 0 ;;
    flush) echo "error: disk full" ;;
    *) echo ok ;;
  esac
done`

func TestStartProcess(t *testing.T) {
	c, err := Start([]string{"/bin/sh", "-c", shellHelper})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if c.PID() <= 0 {
		t.Errorf("Expected a pid, got %d", c.PID())
	}
	if err := c.Handshake(); err != nil {
		t.Fatalf("Handshake failed: %v", err)
	}
	if err := c.Send(CmdRebuild); err != nil {
		t.Errorf("Rebuild failed: %v", err)
	}
	var remote *RemoteError
	if err := c.Send(CmdFlush); !errors.As(err, &remote) {
		t.Errorf("Expected RemoteError, got %v", err)
	}
	if err := c.Quit(); err != nil {
		t.Errorf("Quit failed: %v", err)
	}
}

func TestStartFailures(t *testing.T) {
	t.Run("NotFound", func(t *testing.T) {
		_, err := Start([]string{"/nonexistent/mo2-vfs-helper", "/tmp/vfs.cfg"})
		if !errors.Is(err, ErrHelperNotFound) {
			t.Errorf("Expected ErrHelperNotFound, got %v", err)
		}
	})

	t.Run("StderrDiagnostics", func(t *testing.T) {
		c, err := Start([]string{"/bin/sh", "-c", `echo "fusermount3: permission denied" >&2; echo "error: no fuse"; exit 1`})
		if err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		err = c.Handshake()
		var remote *RemoteError
		if !errors.As(err, &remote) || remote.Message != "no fuse" {
			t.Fatalf("Expected RemoteError, got %v", err)
		}
		if !strings.Contains(err.Error(), "permission denied") {
			t.Errorf("Expected stderr in diagnostic, got %q", err.Error())
		}
	})
}

func TestLateReplyIsNotMistaken(t *testing.T) {
	cmdR, cmdW := io.Pipe()
	replyR, replyW := io.Pipe()
	defer replyW.Close()
	defer cmdR.Close()

	late := make(chan struct{})
	go func() {
		sc := bufio.NewScanner(cmdR)
		if !sc.Scan() || sc.Text() != "rebuild" {
			return
		}
		<-late
		io.WriteString(replyW, "ok\n")
		if !sc.Scan() || sc.Text() != "flush" {
			return
		}
		io.WriteString(replyW, "error: disk full\n")
	}()

	c := NewClient(cmdW, replyR)
	c.timeout = func(cmd Command) time.Duration {
		if cmd == CmdRebuild {
			return 50 * time.Millisecond
		}
		return time.Second
	}

	if err := c.Send(CmdRebuild); !errors.Is(err, ErrHelperTimeout) {
		t.Fatalf("Expected rebuild to time out, got %v", err)
	}
	close(late)

	err := c.Send(CmdFlush)
	var remote *RemoteError
	if !errors.As(err, &remote) || remote.Message != "disk full" {
		t.Errorf("Expected the flush's own reply, got %v", err)
	}
}
