package audit

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cuemby/sentryd/pkg/protocol"
)

type fakeSigner struct{}

func (fakeSigner) Sign(data []byte) string { return "sig" }

type fakeUploader struct {
	fail     bool
	requests []protocol.AuditUploadRequest
}

func (f *fakeUploader) UploadAudit(ctx context.Context, req protocol.AuditUploadRequest) (protocol.AuditUploadResponse, error) {
	if f.fail {
		return protocol.AuditUploadResponse{}, errors.New("upload failed")
	}
	f.requests = append(f.requests, req)
	return protocol.AuditUploadResponse{Status: "ok", AcceptedCount: len(req.Events)}, nil
}

func TestEnqueueRedactsSensitiveCommand(t *testing.T) {
	p := NewPipeline(Config{DeviceID: "d1", BatchSize: 100}, fakeSigner{}, &fakeUploader{})
	p.Enqueue(protocol.AuditEvent{Type: protocol.EventCommandExecute, Command: "sudo", Args: []string{"reboot"}})

	if got := p.QueueLength(); got != 1 {
		t.Fatalf("QueueLength = %d, want 1", got)
	}
	p.mu.Lock()
	got := p.queue[0]
	p.mu.Unlock()
	if got.Command != "[REDACTED]" {
		t.Errorf("Command = %q, want [REDACTED]", got.Command)
	}
}

func TestFlushOnBatchSizeUploadsAndDrainsQueue(t *testing.T) {
	up := &fakeUploader{}
	p := NewPipeline(Config{DeviceID: "d1", BatchSize: 2, BatchInterval: time.Hour}, fakeSigner{}, up)

	p.Enqueue(protocol.AuditEvent{Type: protocol.EventCommandExecute, Command: "ls"})
	p.Enqueue(protocol.AuditEvent{Type: protocol.EventCommandExecute, Command: "pwd"})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && p.QueueLength() != 0 {
		time.Sleep(10 * time.Millisecond)
	}
	if got := p.QueueLength(); got != 0 {
		t.Fatalf("QueueLength after flush = %d, want 0", got)
	}
	if len(up.requests) != 1 || len(up.requests[0].Events) != 2 {
		t.Fatalf("uploader got %+v, want one request with 2 events", up.requests)
	}
}

func TestFailedUploadPersistsBatchToCacheDir(t *testing.T) {
	dir := t.TempDir()
	up := &fakeUploader{fail: true}
	p := NewPipeline(Config{
		DeviceID:         "d1",
		BatchSize:        1,
		BatchInterval:    time.Hour,
		CacheDir:         dir,
		PersistOnFailure: true,
	}, fakeSigner{}, up)

	p.Enqueue(protocol.AuditEvent{Type: protocol.EventCommandExecute, Command: "ls"})

	deadline := time.Now().Add(2 * time.Second)
	var entries []os.DirEntry
	for time.Now().Before(deadline) {
		entries, _ = os.ReadDir(dir)
		if len(entries) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(entries) == 0 {
		t.Fatal("expected a cached batch file after failed upload")
	}

	data, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	var batch []protocol.AuditEvent
	if err := json.Unmarshal(data, &batch); err != nil {
		t.Fatalf("Unmarshal cached batch: %v", err)
	}
	if len(batch) != 1 || batch[0].Command != "ls" {
		t.Errorf("cached batch = %+v", batch)
	}

	// In-memory queue still holds the unconfirmed event (at the front).
	if p.QueueLength() != 1 {
		t.Errorf("QueueLength = %d, want 1 (unconfirmed event retained)", p.QueueLength())
	}
}

func TestLoadAndUploadPersistedEventsUploadsOldestFirstAndRemovesFiles(t *testing.T) {
	dir := t.TempDir()
	writeBatch := func(name string, events []protocol.AuditEvent) {
		data, _ := json.Marshal(events)
		if err := os.WriteFile(filepath.Join(dir, name), data, 0600); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
	}
	writeBatch("audit_batch_1.json", []protocol.AuditEvent{{Command: "a"}})
	writeBatch("audit_batch_2.json", []protocol.AuditEvent{{Command: "b"}, {Command: "c"}})

	up := &fakeUploader{}
	p := NewPipeline(Config{DeviceID: "d1", CacheDir: dir}, fakeSigner{}, up)

	n, err := p.LoadAndUploadPersistedEvents(context.Background())
	if err != nil {
		t.Fatalf("LoadAndUploadPersistedEvents: %v", err)
	}
	if n != 3 {
		t.Errorf("uploaded %d events, want 3", n)
	}
	if len(up.requests) != 2 {
		t.Fatalf("got %d upload requests, want 2", len(up.requests))
	}
	if up.requests[0].Events[0].Command != "a" {
		t.Errorf("first uploaded batch = %+v, want oldest first", up.requests[0])
	}

	remaining, _ := os.ReadDir(dir)
	if len(remaining) != 0 {
		t.Errorf("expected cache dir empty after successful re-upload, got %d files", len(remaining))
	}
}

func TestEvictOldestCachedWhenOverMaxCachedEvents(t *testing.T) {
	dir := t.TempDir()
	up := &fakeUploader{fail: true}
	p := NewPipeline(Config{
		DeviceID:         "d1",
		BatchSize:        1,
		BatchInterval:    time.Hour,
		CacheDir:         dir,
		MaxCachedEvents:  1,
		PersistOnFailure: true,
	}, fakeSigner{}, up)

	p.Enqueue(protocol.AuditEvent{Command: "first"})
	time.Sleep(200 * time.Millisecond)
	// Queue is unconfirmed, so manually trigger a second persisted batch
	// representing an independent event to exercise eviction directly.
	if err := p.persistBatch([]protocol.AuditEvent{{Command: "second"}}); err != nil {
		t.Fatalf("persistBatch: %v", err)
	}
	p.evictOldestCachedIfNeeded()

	files, total := p.listCachedBatches()
	if total > 1 {
		t.Errorf("total cached events = %d, want <= 1 after eviction", total)
	}
	if len(files) != 1 {
		t.Errorf("cached files = %d, want 1", len(files))
	}
}
