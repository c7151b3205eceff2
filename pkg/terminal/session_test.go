package terminal

import (
	"bytes"
	"testing"
	"time"
)

func waitForOutput(t *testing.T, sess *Session, want string, timeout time.Duration) string {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		_, data, err := sess.GetOutputChunk(0)
		if err == nil && bytes.Contains(data, []byte(want)) {
			return string(data)
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("output never contained %q", want)
	return ""
}

func TestSessionSpawnsAndStreamsOutput(t *testing.T) {
	sess, err := NewSession(Config{SessionID: "s1"})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	cfg := Config{SessionID: "s1", ShellPath: "/bin/sh", Cols: 80, Rows: 24}
	if err := sess.Start(cfg); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer sess.Close(true)

	if _, err := sess.WriteInput(1, []byte("echo marker\n")); err != nil {
		t.Fatalf("WriteInput: %v", err)
	}
	waitForOutput(t, sess, "marker", 3*time.Second)
}

func TestWriteInputIsIdempotentOnReplayedSeq(t *testing.T) {
	sess, _ := NewSession(Config{SessionID: "s2"})
	cfg := Config{SessionID: "s2", ShellPath: "/bin/sh", Cols: 80, Rows: 24}
	if err := sess.Start(cfg); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer sess.Close(true)

	n, err := sess.WriteInput(5, []byte("echo first\n"))
	if err != nil || n == 0 {
		t.Fatalf("first WriteInput: n=%d err=%v", n, err)
	}
	waitForOutput(t, sess, "first", 3*time.Second)

	// Replayed/stale seq must write zero bytes and not re-execute.
	n, err = sess.WriteInput(5, []byte("echo first\n"))
	if err != nil {
		t.Fatalf("replayed WriteInput: %v", err)
	}
	if n != 0 {
		t.Errorf("replayed WriteInput wrote %d bytes, want 0", n)
	}

	n, err = sess.WriteInput(3, []byte("echo stale\n"))
	if err != nil {
		t.Fatalf("stale WriteInput: %v", err)
	}
	if n != 0 {
		t.Errorf("stale WriteInput wrote %d bytes, want 0", n)
	}
}

func TestCloseReportsExitCode(t *testing.T) {
	sess, _ := NewSession(Config{SessionID: "s3"})
	cfg := Config{SessionID: "s3", ShellPath: "/bin/sh", Cols: 80, Rows: 24}
	if err := sess.Start(cfg); err != nil {
		t.Fatalf("Start: %v", err)
	}

	sess.WriteInput(1, []byte("exit 3\n"))
	time.Sleep(300 * time.Millisecond)

	code, ok := sess.Close(false)
	if !ok {
		t.Fatal("Close did not report an exit code")
	}
	if code != 3 {
		t.Errorf("exit code = %d, want 3", code)
	}
	if sess.GetState() != StateClosed {
		t.Errorf("State = %v, want closed", sess.GetState())
	}
}
