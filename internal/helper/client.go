package helper

import (
	"bufio"
	"bytes"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"modvfs/internal/logging"

	"github.com/pkg/errors"
)

var (
	clientLogger = logging.GetLogger().WithPrefix("helper-client")
)

// Client drives a helper process from the controller side. Commands are
// serialized; each waits for exactly one reply.
type Client struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stderr *syncBuffer

	lines  chan string
	exited chan struct{}

	mu sync.Mutex
	// owed counts replies of timed-out commands that are still due. Guarded
	// by mu.
	owed    int
	timeout func(Command) time.Duration

	// unread holds output lines nobody asked for, for diagnostics.
	unreadMu sync.Mutex
	unread   []string
}

// Start spawns argv and connects to its stdin and stdout.
func Start(argv []string) (*Client, error) {
	if len(argv) == 0 {
		return nil, errors.New("empty helper command")
	}
	clientLogger.Info("Starting helper: %v", argv)

	cmd := exec.Command(argv[0], argv[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errors.Wrap(err, "helper stdin")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.Wrap(err, "helper stdout")
	}
	stderr := &syncBuffer{}
	cmd.Stderr = stderr

	started := make(chan error, 1)
	go func() { started <- cmd.Start() }()

	select {
	case err := <-started:
		if err != nil {
			if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
				return nil, errors.Wrapf(ErrHelperNotFound, "%s", argv[0])
			}
			return nil, errors.Wrap(err, "start helper")
		}
	case <-time.After(StartTimeout):
		go func() {
			if err := <-started; err == nil {
				cmd.Process.Kill()
				cmd.Wait()
			}
		}()
		return nil, errors.Wrap(ErrHelperTimeout, "start helper")
	}

	c := newClient(stdin, stdout, cmd)
	c.stderr = stderr
	clientLogger.Debug("Helper started with pid %d", cmd.Process.Pid)
	return c, nil
}

// NewClient speaks the protocol over an existing pair of streams.
func NewClient(stdin io.WriteCloser, stdout io.Reader) *Client {
	return newClient(stdin, stdout, nil)
}

func newClient(stdin io.WriteCloser, stdout io.Reader, cmd *exec.Cmd) *Client {
	c := &Client{
		cmd:    cmd,
		stdin:  stdin,
		stderr: &syncBuffer{},
		lines:   make(chan string, 16),
		exited:  make(chan struct{}),
		timeout: Command.Timeout,
	}
	go c.readLoop(stdout)
	return c
}

func (c *Client) readLoop(stdout io.Reader) {
	defer close(c.exited)

	sc := bufio.NewScanner(stdout)
	for sc.Scan() {
		c.lines <- sc.Text()
	}
	if err := sc.Err(); err != nil {
		clientLogger.Debug("Helper output closed: %v", err)
	}
	close(c.lines)

	if c.cmd != nil {
		if err := c.cmd.Wait(); err != nil {
			clientLogger.Debug("Helper exited: %v", err)
		} else {
			clientLogger.Debug("Helper exited cleanly")
		}
	}
}

// PID returns the helper's process id, or 0 without a process.
func (c *Client) PID() int {
	if c.cmd == nil || c.cmd.Process == nil {
		return 0
	}
	return c.cmd.Process.Pid
}

// Stderr returns everything the helper wrote to stderr so far.
func (c *Client) Stderr() string {
	return c.stderr.String()
}

// Exited is closed once the helper's output has ended and the process, if
// any, has been reaped.
func (c *Client) Exited() <-chan struct{} {
	return c.exited
}

// Handshake waits for the startup line.
func (c *Client) Handshake() error {
	r, err := c.await(mountedLine, HandshakeTimeout, ReplyMounted)
	if err != nil {
		return c.diagnose(err)
	}
	if r.Kind == ReplyError {
		return c.diagnose(r.Err())
	}
	clientLogger.Info("Helper reports mounted")
	return nil
}

// Send issues cmd and waits for its reply.
func (c *Client) Send(cmd Command) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	clientLogger.Debug("Sending %s", cmd)
	if _, err := io.WriteString(c.stdin, string(cmd)+"\n"); err != nil {
		return errors.Wrapf(ErrHelperExited, "send %s: %v", cmd, err)
	}

	r, err := c.awaitOwed(cmd)
	if errors.Is(err, ErrHelperTimeout) {
		c.owed++
	}
	if err != nil {
		return err
	}
	if r.Kind == ReplyError {
		return &RemoteError{Command: cmd, Message: r.Message}
	}
	return nil
}

// awaitOwed waits for cmd's reply, first discarding late replies to
// commands that timed out earlier. Replies arrive in command order.
func (c *Client) awaitOwed(cmd Command) (Reply, error) {
	timeout := c.timeout(cmd)
	deadline := time.Now().Add(timeout)
	for {
		r, err := c.await(string(cmd), time.Until(deadline), ReplyOK)
		if err != nil || c.owed == 0 {
			return r, err
		}
		c.owed--
		clientLogger.Debug("Discarding late reply %q", r.String())
	}
}

// await reads lines until one of want or an error line arrives.
func (c *Client) await(what string, timeout time.Duration, want ReplyKind) (Reply, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case line, ok := <-c.lines:
			if !ok {
				return Reply{}, errors.Wrapf(ErrHelperExited, "waiting for %s", what)
			}
			r, err := ParseReply(line)
			if err != nil || (r.Kind != want && r.Kind != ReplyError) {
				clientLogger.Debug("Ignoring helper output %q while waiting for %s", line, what)
				c.keepUnread(line)
				continue
			}
			return r, nil
		case <-timer.C:
			return Reply{}, errors.Wrapf(ErrHelperTimeout, "waiting %s for %s", timeout, what)
		}
	}
}

// Quit asks the helper to shut down and waits for it to exit, terminating it
// if it does not.
func (c *Client) Quit() error {
	err := c.Send(CmdQuit)
	if err != nil {
		clientLogger.Warn("Helper quit failed: %v", err)
	}
	c.stdin.Close()

	if c.wait(ExitTimeout) {
		return err
	}
	if c.cmd == nil || c.cmd.Process == nil {
		return errors.Wrap(ErrHelperTimeout, "waiting for helper exit")
	}

	clientLogger.Warn("Helper did not exit, terminating pid %d", c.cmd.Process.Pid)
	c.cmd.Process.Signal(syscall.SIGTERM)
	if c.wait(KillTimeout) {
		return err
	}
	clientLogger.Warn("Helper ignored SIGTERM, killing pid %d", c.cmd.Process.Pid)
	c.cmd.Process.Kill()
	c.wait(KillTimeout)
	return errors.Wrap(ErrHelperTimeout, "helper had to be killed")
}

// Kill stops the helper without the protocol.
func (c *Client) Kill() {
	c.stdin.Close()
	if c.cmd != nil && c.cmd.Process != nil {
		c.cmd.Process.Kill()
	}
	c.wait(KillTimeout)
}

func (c *Client) wait(timeout time.Duration) bool {
	select {
	case <-c.exited:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (c *Client) keepUnread(line string) {
	c.unreadMu.Lock()
	defer c.unreadMu.Unlock()
	if len(c.unread) < 64 {
		c.unread = append(c.unread, line)
	}
}

// diagnose attaches stderr and unexpected stdout to a startup failure.
func (c *Client) diagnose(err error) error {
	// stderr is complete only once the process has been reaped.
	if !errors.Is(err, ErrHelperTimeout) {
		c.wait(KillTimeout)
	}

	c.unreadMu.Lock()
	unread := append([]string(nil), c.unread...)
	c.unreadMu.Unlock()

	stderr := c.Stderr()
	if stderr != "" {
		clientLogger.Error("Helper stderr: %s", stderr)
	}
	for _, line := range unread {
		clientLogger.Error("Helper stdout: %s", line)
	}
	if stderr == "" {
		return err
	}
	return errors.Wrapf(err, "stderr: %s", strings.TrimSpace(stderr))
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
