package helper

import (
	"errors"
	"strings"
	"testing"
)

func TestParseCommand(t *testing.T) {
	for _, line := range []string{"rebuild", "flush", "quit", " flush \r"} {
		if _, err := ParseCommand(line); err != nil {
			t.Errorf("ParseCommand(%q) failed: %v", line, err)
		}
	}
	for _, line := range []string{"", "Rebuild", "mount", "quit now"} {
		if _, err := ParseCommand(line); !errors.Is(err, ErrUnknownCommand) {
			t.Errorf("ParseCommand(%q) = %v, want ErrUnknownCommand", line, err)
		}
	}
}

func TestCommandTimeouts(t *testing.T) {
	if CmdFlush.Timeout() != FlushTimeout || CmdRebuild.Timeout() != RebuildTimeout || CmdQuit.Timeout() != QuitTimeout {
		t.Error("Unexpected per-command timeouts")
	}
}

func TestParseReply(t *testing.T) {
	tests := []struct {
		line string
		kind ReplyKind
		msg  string
	}{
		{"ok", ReplyOK, ""},
		{"mounted\r", ReplyMounted, ""},
		{"error: failed to mount FUSE at /x", ReplyError, "failed to mount FUSE at /x"},
		{"error:", ReplyError, ""},
	}
	for _, tt := range tests {
		r, err := ParseReply(tt.line)
		if err != nil {
			t.Errorf("ParseReply(%q) failed: %v", tt.line, err)
			continue
		}
		if r.Kind != tt.kind || r.Message != tt.msg {
			t.Errorf("ParseReply(%q) = %+v", tt.line, r)
		}
	}

	if _, err := ParseReply("OK"); !errors.Is(err, ErrBadReply) {
		t.Errorf("Expected ErrBadReply, got %v", err)
	}
}

func TestErrorReplyIsSingleLine(t *testing.T) {
	r := ErrorReply(errors.New("first\nsecond\tthird"))
	if s := r.String(); s != "error: first second third" || strings.Contains(s, "\n") {
		t.Errorf("Unexpected error line %q", s)
	}

	var remote *RemoteError
	if !errors.As(r.Err(), &remote) || remote.Message != "first second third" {
		t.Errorf("Expected RemoteError, got %v", r.Err())
	}
	if (Reply{Kind: ReplyOK}).Err() != nil {
		t.Error("ok must not be an error")
	}
}
