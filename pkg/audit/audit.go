// Package audit batches audit events, signs and uploads them to the
// control plane, and falls back to local disk persistence when uploads
// fail so no event is silently dropped.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/sentryd/pkg/agenterrors"
	"github.com/cuemby/sentryd/pkg/canonicaljson"
	"github.com/cuemby/sentryd/pkg/identity"
	"github.com/cuemby/sentryd/pkg/protocol"
)

// sensitiveCommands are redacted from audit events at capture time.
var sensitiveCommands = []string{
	"passwd", "password", "sudo", "su", "ssh", "scp", "wget", "curl", "nc", "netcat",
	"telnet", "rm", "del", "format", "fdisk", "mkfs", "shutdown", "reboot", "halt",
	"poweroff", "chmod", "chown", "chgrp",
}

func isSensitiveCommand(command string) bool {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return false
	}
	name := strings.ToLower(fields[0])
	for _, s := range sensitiveCommands {
		if strings.Contains(name, s) || strings.Contains(s, name) {
			return true
		}
	}
	return false
}

func redact(command string, args []string) (string, []string) {
	if command == "" || !isSensitiveCommand(command) {
		return command, args
	}
	return "[REDACTED]", []string{"[REDACTED]"}
}

// Signer signs a byte slice, returning a base64-encoded Ed25519 signature.
type Signer interface {
	Sign(data []byte) string
}

// Uploader delivers a signed audit batch to the control plane.
type Uploader interface {
	UploadAudit(ctx context.Context, req protocol.AuditUploadRequest) (protocol.AuditUploadResponse, error)
}

// Config controls the batching and local-persistence policy.
type Config struct {
	DeviceID         string
	BatchSize        int
	BatchInterval    time.Duration
	CacheDir         string
	MaxCachedEvents  int
	PersistOnFailure bool
}

// Pipeline is the single consumer draining the audit event queue: it
// batches by size or interval, signs and uploads each batch, and persists
// to disk on failure.
type Pipeline struct {
	cfg      Config
	signer   Signer
	uploader Uploader

	mu    sync.Mutex
	queue []protocol.AuditEvent

	flushMu sync.Mutex

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewPipeline returns a Pipeline. Start must be called to begin draining.
func NewPipeline(cfg Config, signer Signer, uploader Uploader) *Pipeline {
	return &Pipeline{
		cfg:      cfg,
		signer:   signer,
		uploader: uploader,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Enqueue redacts sensitive command data and appends event to the queue.
func (p *Pipeline) Enqueue(event protocol.AuditEvent) {
	event.Command, event.Args = redact(event.Command, event.Args)

	p.mu.Lock()
	p.queue = append(p.queue, event)
	shouldFlush := len(p.queue) >= p.cfg.BatchSize
	p.mu.Unlock()

	if shouldFlush {
		go p.flush(context.Background())
	}
}

// Start launches the batch-interval ticker loop.
func (p *Pipeline) Start() {
	go p.run()
}

// Stop flushes any remaining events once more and waits for the loop to exit.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	<-p.doneCh
}

func (p *Pipeline) run() {
	defer close(p.doneCh)
	interval := p.cfg.BatchInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.flush(context.Background())
		case <-p.stopCh:
			p.flush(context.Background())
			return
		}
	}
}

// flush uploads up to BatchSize queued events. On success the uploaded
// prefix is removed from the queue; on failure the queue is left intact
// (the batch stays at the front for the next attempt) and, if enabled,
// written to the on-disk cache.
func (p *Pipeline) flush(ctx context.Context) {
	p.flushMu.Lock()
	defer p.flushMu.Unlock()

	p.mu.Lock()
	n := len(p.queue)
	if n == 0 {
		p.mu.Unlock()
		return
	}
	if p.cfg.BatchSize > 0 && n > p.cfg.BatchSize {
		n = p.cfg.BatchSize
	}
	batch := append([]protocol.AuditEvent(nil), p.queue[:n]...)
	p.mu.Unlock()

	req, err := p.buildRequest(batch)
	if err != nil {
		return
	}

	if p.uploader == nil {
		p.onUploadFailure(batch)
		return
	}

	if _, err := p.uploader.UploadAudit(ctx, req); err != nil {
		p.onUploadFailure(batch)
		return
	}

	p.mu.Lock()
	p.queue = p.queue[n:]
	p.mu.Unlock()
}

func (p *Pipeline) buildRequest(batch []protocol.AuditEvent) (protocol.AuditUploadRequest, error) {
	nonce, err := identity.GenerateNonce()
	if err != nil {
		return protocol.AuditUploadRequest{}, agenterrors.Wrap(agenterrors.Transient, "audit.buildRequest", err)
	}
	req := protocol.AuditUploadRequest{
		DeviceID:  p.cfg.DeviceID,
		Timestamp: uint64(time.Now().UnixMilli()),
		Nonce:     nonce,
		Events:    batch,
	}
	if p.signer != nil {
		payload, err := canonicaljson.Marshal(req)
		if err != nil {
			return protocol.AuditUploadRequest{}, agenterrors.Wrap(agenterrors.InvalidInput, "audit.buildRequest", err)
		}
		req.Signature = p.signer.Sign(payload)
	}
	return req, nil
}

func (p *Pipeline) onUploadFailure(batch []protocol.AuditEvent) {
	if !p.cfg.PersistOnFailure || p.cfg.CacheDir == "" {
		return
	}
	if err := p.persistBatch(batch); err != nil {
		return
	}
	p.evictOldestCachedIfNeeded()
}

func (p *Pipeline) persistBatch(batch []protocol.AuditEvent) error {
	if err := os.MkdirAll(p.cfg.CacheDir, 0700); err != nil {
		return agenterrors.Wrap(agenterrors.Resource, "audit.persistBatch", err)
	}
	data, err := json.Marshal(batch)
	if err != nil {
		return agenterrors.Wrap(agenterrors.InvalidInput, "audit.persistBatch", err)
	}
	name := fmt.Sprintf("audit_batch_%d.json", time.Now().UnixNano())
	path := filepath.Join(p.cfg.CacheDir, name)
	if err := os.WriteFile(path, data, 0600); err != nil {
		return agenterrors.Wrap(agenterrors.Resource, "audit.persistBatch", err)
	}
	return nil
}

type cachedBatch struct {
	path   string
	events int
}

// evictOldestCachedIfNeeded removes the oldest cached batch files once the
// total number of cached events exceeds MaxCachedEvents.
func (p *Pipeline) evictOldestCachedIfNeeded() {
	if p.cfg.MaxCachedEvents <= 0 {
		return
	}
	files, total := p.listCachedBatches()
	for total > p.cfg.MaxCachedEvents && len(files) > 0 {
		oldest := files[0]
		files = files[1:]
		os.Remove(oldest.path)
		total -= oldest.events
	}
}

func (p *Pipeline) listCachedBatches() ([]cachedBatch, int) {
	entries, err := os.ReadDir(p.cfg.CacheDir)
	if err != nil {
		return nil, 0
	}
	var files []cachedBatch
	total := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), "audit_batch_") {
			continue
		}
		path := filepath.Join(p.cfg.CacheDir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var batch []protocol.AuditEvent
		if err := json.Unmarshal(data, &batch); err != nil {
			continue
		}
		files = append(files, cachedBatch{path: path, events: len(batch)})
		total += len(batch)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].path < files[j].path })
	return files, total
}

// LoadAndUploadPersistedEvents scans the cache directory and re-uploads
// older batches, oldest first, removing each file once its batch is
// accepted. It stops and returns an error on the first failed upload.
func (p *Pipeline) LoadAndUploadPersistedEvents(ctx context.Context) (int, error) {
	if p.cfg.CacheDir == "" || p.uploader == nil {
		return 0, nil
	}
	entries, err := os.ReadDir(p.cfg.CacheDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, agenterrors.Wrap(agenterrors.Resource, "audit.LoadAndUploadPersistedEvents", err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), "audit_batch_") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	uploaded := 0
	for _, name := range names {
		path := filepath.Join(p.cfg.CacheDir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var batch []protocol.AuditEvent
		if err := json.Unmarshal(data, &batch); err != nil {
			os.Remove(path)
			continue
		}
		req, err := p.buildRequest(batch)
		if err != nil {
			continue
		}
		if _, err := p.uploader.UploadAudit(ctx, req); err != nil {
			return uploaded, agenterrors.Wrap(agenterrors.Transient, "audit.LoadAndUploadPersistedEvents", err)
		}
		os.Remove(path)
		uploaded += len(batch)
	}
	return uploaded, nil
}

// QueueLength returns the number of events currently queued in memory.
func (p *Pipeline) QueueLength() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}
