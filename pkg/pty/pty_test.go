package pty

import (
	"bytes"
	"io"
	"testing"
	"time"
)

func TestSpawnReadWriteClose(t *testing.T) {
	p, err := New(80, 24)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := p.Spawn("/bin/sh", "", nil); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	defer p.Close(true)

	if _, err := p.Write([]byte("echo hi\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	var out bytes.Buffer
	deadline := time.Now().Add(3 * time.Second)
	buf := make([]byte, 4096)
	for time.Now().Before(deadline) {
		n, err := p.Read(buf)
		if n > 0 {
			out.Write(buf[:n])
		}
		if err == ErrWouldBlock {
			time.Sleep(10 * time.Millisecond)
			continue
		}
		if err == io.EOF {
			break
		}
		if bytes.Contains(out.Bytes(), []byte("hi")) {
			break
		}
	}

	if !bytes.Contains(out.Bytes(), []byte("hi")) {
		t.Errorf("output = %q, want it to contain %q", out.String(), "hi")
	}
}

func TestResizeDoesNotError(t *testing.T) {
	p, err := New(80, 24)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := p.Spawn("/bin/sh", "", nil); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	defer p.Close(true)

	if err := p.Resize(100, 40); err != nil {
		t.Errorf("Resize: %v", err)
	}
}

func TestExitCodeAvailableAfterChildExits(t *testing.T) {
	p, err := New(80, 24)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := p.Spawn("/bin/sh", "", nil); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	defer p.Close(true)

	if _, ok := p.ExitCode(); ok {
		t.Error("ExitCode reported done before child exited")
	}

	p.Write([]byte("exit 7\n"))

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := p.ExitCode(); ok {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("ExitCode never became available")
}
