// Package helper implements the line protocol between the mount controller
// and a helper process that performs the mount on the host.
//
// The controller writes one command per line to the helper's stdin:
//
//	rebuild   reload the config file and rebuild the tree
//	flush     move staging into overwrite and rebuild
//	quit      unmount, run the final flush and exit
//
// The helper answers every command with "ok" or "error: <message>" on its
// stdout. Once at startup it writes "mounted" after the mount is live, or
// "error: <message>" before exiting non-zero.
package helper

import (
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Command is a controller to helper request.
type Command string

// Commands understood by the helper.
const (
	CmdRebuild Command = "rebuild"
	CmdFlush   Command = "flush"
	CmdQuit    Command = "quit"
)

// Protocol timeouts.
const (
	StartTimeout     = 5 * time.Second
	HandshakeTimeout = 10 * time.Second
	RebuildTimeout   = 10 * time.Second
	FlushTimeout     = 30 * time.Second
	QuitTimeout      = 10 * time.Second
	ExitTimeout      = 5 * time.Second
	KillTimeout      = 2 * time.Second
)

var (
	// ErrHelperNotFound means the helper binary does not exist.
	ErrHelperNotFound = errors.New("vfs helper not found")
	// ErrHelperTimeout means the helper did not answer in time.
	ErrHelperTimeout = errors.New("vfs helper timed out")
	// ErrHelperExited means the helper's output ended before an answer.
	ErrHelperExited = errors.New("vfs helper exited")
	// ErrUnknownCommand is returned by ParseCommand.
	ErrUnknownCommand = errors.New("unknown command")
	// ErrBadReply is returned by ParseReply for lines outside the vocabulary.
	ErrBadReply = errors.New("unrecognized reply")
)

// ParseCommand validates one input line.
func ParseCommand(line string) (Command, error) {
	c := Command(strings.TrimSpace(line))
	switch c {
	case CmdRebuild, CmdFlush, CmdQuit:
		return c, nil
	}
	return "", errors.Wrapf(ErrUnknownCommand, "%q", line)
}

// Timeout is how long the controller waits for the command's reply.
func (c Command) Timeout() time.Duration {
	switch c {
	case CmdFlush:
		return FlushTimeout
	case CmdQuit:
		return QuitTimeout
	default:
		return RebuildTimeout
	}
}

// ReplyKind classifies a helper output line.
type ReplyKind int

const (
	ReplyOK ReplyKind = iota
	ReplyMounted
	ReplyError
)

const (
	okLine      = "ok"
	mountedLine = "mounted"
	errorPrefix = "error:"
)

// Reply is one helper output line.
type Reply struct {
	Kind    ReplyKind
	Message string
}

// ParseReply decodes one output line.
func ParseReply(line string) (Reply, error) {
	line = strings.TrimRight(line, "\r\n")
	switch {
	case line == okLine:
		return Reply{Kind: ReplyOK}, nil
	case line == mountedLine:
		return Reply{Kind: ReplyMounted}, nil
	case strings.HasPrefix(line, errorPrefix):
		return Reply{Kind: ReplyError, Message: strings.TrimSpace(strings.TrimPrefix(line, errorPrefix))}, nil
	}
	return Reply{}, errors.Wrapf(ErrBadReply, "%q", line)
}

// ErrorReply builds the error line for err.
func ErrorReply(err error) Reply {
	msg := strings.Join(strings.Fields(err.Error()), " ")
	return Reply{Kind: ReplyError, Message: msg}
}

func (r Reply) String() string {
	switch r.Kind {
	case ReplyOK:
		return okLine
	case ReplyMounted:
		return mountedLine
	default:
		return fmt.Sprintf("%s %s", errorPrefix, r.Message)
	}
}

// Err returns the reply as an error, nil unless it is an error line.
func (r Reply) Err() error {
	if r.Kind != ReplyError {
		return nil
	}
	return &RemoteError{Message: r.Message}
}

// RemoteError carries the helper's diagnostic text.
type RemoteError struct {
	Command Command
	Message string
}

func (e *RemoteError) Error() string {
	if e.Command == "" {
		return "vfs helper: " + e.Message
	}
	return fmt.Sprintf("vfs helper %s: %s", e.Command, e.Message)
}
