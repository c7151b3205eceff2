// Package fileops implements the file_list/file_get/file_put task handlers:
// a policy-guarded view onto the host filesystem, scoped to an allowlist of
// root directories and gated on file size, hidden-file, and blocked-path
// rules. Every operation emits an audit event regardless of outcome.
package fileops

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/sentryd/pkg/agenterrors"
	"github.com/cuemby/sentryd/pkg/config"
	"github.com/cuemby/sentryd/pkg/log"
	"github.com/cuemby/sentryd/pkg/protocol"
	"github.com/cuemby/sentryd/pkg/task"
)

// FileInfo describes one filesystem entry returned by file_list or file_get.
type FileInfo struct {
	Path     string  `json:"path"`
	Size     uint64  `json:"size"`
	IsDir    bool    `json:"is_dir"`
	Modified *uint64 `json:"modified,omitempty"`
}

// Policy bounds every operation a Manager will perform.
type Policy struct {
	AllowedPaths     []string
	BlockedPatterns  []string
	MaxFileSize      uint64
	AllowHiddenFiles bool
}

// PolicyFromConfig builds a Policy from the agent's FileOperations config,
// parsing the human-readable MaxFileSize string ("100MB", "512KB", "10GB").
func PolicyFromConfig(cfg config.FileOperations) (Policy, error) {
	size, err := parseSize(cfg.MaxFileSize)
	if err != nil {
		return Policy{}, agenterrors.Wrap(agenterrors.InvalidInput, "fileops.PolicyFromConfig", err)
	}
	return Policy{
		AllowedPaths:     cfg.AllowedPaths,
		BlockedPatterns:  cfg.BlockedPaths,
		MaxFileSize:      size,
		AllowHiddenFiles: cfg.AllowHiddenFiles,
	}, nil
}

// parseSize parses a trailing-unit byte size. An empty string defaults to
// 100MB, matching the original agent's default policy; a string that does
// not parse is an error.
func parseSize(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 100 * 1024 * 1024, nil
	}

	units := []struct {
		suffix string
		factor uint64
	}{
		{"GB", 1024 * 1024 * 1024},
		{"MB", 1024 * 1024},
		{"KB", 1024},
		{"B", 1},
	}

	upper := strings.ToUpper(s)
	for _, u := range units {
		if strings.HasSuffix(upper, u.suffix) {
			numPart := strings.TrimSpace(upper[:len(upper)-len(u.suffix)])
			n, err := strconv.ParseUint(numPart, 10, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid size %q: %w", s, err)
			}
			return n * u.factor, nil
		}
	}

	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	return n, nil
}

// Auditor records an audit event. pkg/audit's Pipeline satisfies this.
type Auditor interface {
	Enqueue(event protocol.AuditEvent)
}

// Manager validates paths against a Policy and performs the file
// operations the task engine dispatches to it.
type Manager struct {
	policy  Policy
	auditor Auditor
}

// NewManager returns a Manager enforcing policy, auditing through auditor.
// auditor may be nil, in which case operations proceed unaudited (used in
// tests that don't care about the audit trail).
func NewManager(policy Policy, auditor Auditor) *Manager {
	return &Manager{policy: policy, auditor: auditor}
}

// validatePath canonicalizes path and checks it against the allowlist,
// blocked patterns, and hidden-file policy. If path does not exist yet (the
// file_put case), its parent directory is canonicalized instead and the
// target's base name is rejoined.
func (m *Manager) validatePath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", agenterrors.Wrap(agenterrors.InvalidInput, "fileops.validatePath", err)
	}

	canonical, err := filepath.EvalSymlinks(abs)
	if err != nil {
		parent, err := filepath.EvalSymlinks(filepath.Dir(abs))
		if err != nil {
			return "", agenterrors.New(agenterrors.InvalidInput, "fileops.validatePath",
				fmt.Errorf("invalid path %q: parent directory does not exist", path))
		}
		canonical = filepath.Join(parent, filepath.Base(abs))
	}

	allowed := false
	for _, root := range m.policy.AllowedPaths {
		canonicalRoot, err := filepath.EvalSymlinks(root)
		if err != nil {
			continue
		}
		if canonical == canonicalRoot || strings.HasPrefix(canonical, canonicalRoot+string(os.PathSeparator)) {
			allowed = true
			break
		}
	}
	if !allowed {
		return "", agenterrors.New(agenterrors.Permission, "fileops.validatePath",
			fmt.Errorf("path not in allowed directories: %s", path))
	}

	lower := strings.ToLower(canonical)
	for _, pattern := range m.policy.BlockedPatterns {
		if pattern == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(pattern)) {
			return "", agenterrors.New(agenterrors.Permission, "fileops.validatePath",
				fmt.Errorf("path contains blocked pattern: %s", pattern))
		}
	}

	if !m.policy.AllowHiddenFiles && strings.HasPrefix(filepath.Base(canonical), ".") {
		return "", agenterrors.New(agenterrors.Permission, "fileops.validatePath",
			fmt.Errorf("hidden files are not permitted: %s", path))
	}

	return canonical, nil
}

// ListFiles lists one directory's immediate entries, sorted by path.
func (m *Manager) ListFiles(path string) ([]FileInfo, error) {
	validated, err := m.validatePath(path)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(validated)
	if err != nil {
		return nil, agenterrors.New(agenterrors.Resource, "fileops.ListFiles", fmt.Errorf("path does not exist: %s", path))
	}
	if !info.IsDir() {
		return nil, agenterrors.New(agenterrors.InvalidInput, "fileops.ListFiles", fmt.Errorf("path is not a directory: %s", path))
	}

	entries, err := os.ReadDir(validated)
	if err != nil {
		return nil, agenterrors.Wrap(agenterrors.Resource, "fileops.ListFiles", err)
	}

	files := make([]FileInfo, 0, len(entries))
	for _, entry := range entries {
		entryInfo, err := entry.Info()
		if err != nil {
			return nil, agenterrors.Wrap(agenterrors.Resource, "fileops.ListFiles", err)
		}
		files = append(files, toFileInfo(filepath.Join(validated, entry.Name()), entryInfo))
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })

	log.Debug(fmt.Sprintf("listed %d files in %s", len(files), path))
	return files, nil
}

// ReadFile reads a file's content, enforcing the policy's size ceiling, and
// returns the content alongside its hex-encoded SHA-256 checksum.
func (m *Manager) ReadFile(path string) ([]byte, string, error) {
	validated, err := m.validatePath(path)
	if err != nil {
		return nil, "", err
	}

	info, err := os.Stat(validated)
	if err != nil {
		return nil, "", agenterrors.New(agenterrors.Resource, "fileops.ReadFile", fmt.Errorf("file does not exist: %s", path))
	}
	if info.IsDir() {
		return nil, "", agenterrors.New(agenterrors.InvalidInput, "fileops.ReadFile", fmt.Errorf("path is not a file: %s", path))
	}
	if uint64(info.Size()) > m.policy.MaxFileSize {
		return nil, "", agenterrors.New(agenterrors.Permission, "fileops.ReadFile",
			fmt.Errorf("file size %d exceeds maximum allowed size %d", info.Size(), m.policy.MaxFileSize))
	}

	content, err := os.ReadFile(validated)
	if err != nil {
		return nil, "", agenterrors.Wrap(agenterrors.Resource, "fileops.ReadFile", err)
	}

	checksum := checksumOf(content)
	log.Debug(fmt.Sprintf("read file %s (%d bytes)", path, len(content)))
	return content, checksum, nil
}

// WriteFile writes content to path after verifying it against
// expectedChecksum, creating parent directories as needed.
func (m *Manager) WriteFile(path string, content []byte, expectedChecksum string) error {
	validated, err := m.validatePath(path)
	if err != nil {
		return err
	}

	if uint64(len(content)) > m.policy.MaxFileSize {
		return agenterrors.New(agenterrors.Permission, "fileops.WriteFile",
			fmt.Errorf("file size %d exceeds maximum allowed size %d", len(content), m.policy.MaxFileSize))
	}

	actual := checksumOf(content)
	if actual != expectedChecksum {
		return agenterrors.New(agenterrors.Integrity, "fileops.WriteFile",
			fmt.Errorf("checksum mismatch: expected %s, got %s", expectedChecksum, actual))
	}

	if err := os.MkdirAll(filepath.Dir(validated), 0o755); err != nil {
		return agenterrors.Wrap(agenterrors.Resource, "fileops.WriteFile", err)
	}
	if err := os.WriteFile(validated, content, 0o644); err != nil {
		return agenterrors.Wrap(agenterrors.Resource, "fileops.WriteFile", err)
	}

	log.Debug(fmt.Sprintf("wrote file %s (%d bytes)", path, len(content)))
	return nil
}

func checksumOf(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

func toFileInfo(path string, info os.FileInfo) FileInfo {
	fi := FileInfo{
		Path:  path,
		Size:  uint64(info.Size()),
		IsDir: info.IsDir(),
	}
	modified := uint64(info.ModTime().Unix())
	fi.Modified = &modified
	return fi
}

// listPayload is the file_list task's payload shape.
type listPayload struct {
	Path string `json:"path"`
}

// getPayload is the file_get task's payload shape.
type getPayload struct {
	Path string `json:"path"`
}

// putPayload is the file_put task's payload shape. Content is base64.
type putPayload struct {
	Path     string `json:"path"`
	Content  string `json:"content"`
	Checksum string `json:"checksum"`
}

// HandleTask dispatches item to the matching file operation, appends the
// result (or error) to the task's output via taskMgr, and records an audit
// event. It supports protocol.TaskFileList, TaskFileGet, and TaskFilePut;
// any other type is ignored.
func (m *Manager) HandleTask(taskMgr *task.Manager, item protocol.TaskItem) {
	taskMgr.UpdateState(item.TaskID, task.StateRunning)

	switch item.Type {
	case protocol.TaskFileList:
		m.handleList(taskMgr, item)
	case protocol.TaskFileGet:
		m.handleGet(taskMgr, item)
	case protocol.TaskFilePut:
		m.handlePut(taskMgr, item)
	default:
	}
}

func (m *Manager) handleList(taskMgr *task.Manager, item protocol.TaskItem) {
	var p listPayload
	if err := json.Unmarshal(item.Payload, &p); err != nil {
		m.fail(taskMgr, item.TaskID, protocol.EventFileList, "", err)
		return
	}

	files, err := m.ListFiles(p.Path)
	if err != nil {
		m.fail(taskMgr, item.TaskID, protocol.EventFileList, p.Path, err)
		return
	}

	out, err := json.Marshal(files)
	if err != nil {
		m.fail(taskMgr, item.TaskID, protocol.EventFileList, p.Path, err)
		return
	}
	taskMgr.AppendOutput(item.TaskID, out)
	taskMgr.UpdateState(item.TaskID, task.StateSucceeded)
	m.audit(protocol.EventFileList, protocol.ResultSuccess, item.TaskID, p.Path, "")
}

func (m *Manager) handleGet(taskMgr *task.Manager, item protocol.TaskItem) {
	var p getPayload
	if err := json.Unmarshal(item.Payload, &p); err != nil {
		m.fail(taskMgr, item.TaskID, protocol.EventFileDownload, "", err)
		return
	}

	content, checksum, err := m.ReadFile(p.Path)
	if err != nil {
		m.fail(taskMgr, item.TaskID, protocol.EventFileDownload, p.Path, err)
		return
	}

	out, err := json.Marshal(struct {
		Content  string `json:"content"`
		Checksum string `json:"checksum"`
	}{
		Content:  base64.StdEncoding.EncodeToString(content),
		Checksum: checksum,
	})
	if err != nil {
		m.fail(taskMgr, item.TaskID, protocol.EventFileDownload, p.Path, err)
		return
	}
	taskMgr.AppendOutput(item.TaskID, out)
	taskMgr.UpdateState(item.TaskID, task.StateSucceeded)
	m.audit(protocol.EventFileDownload, protocol.ResultSuccess, item.TaskID, p.Path, "")
}

func (m *Manager) handlePut(taskMgr *task.Manager, item protocol.TaskItem) {
	var p putPayload
	if err := json.Unmarshal(item.Payload, &p); err != nil {
		m.fail(taskMgr, item.TaskID, protocol.EventFileUpload, "", err)
		return
	}

	content, err := base64.StdEncoding.DecodeString(p.Content)
	if err != nil {
		m.fail(taskMgr, item.TaskID, protocol.EventFileUpload, p.Path, err)
		return
	}

	if err := m.WriteFile(p.Path, content, p.Checksum); err != nil {
		m.fail(taskMgr, item.TaskID, protocol.EventFileUpload, p.Path, err)
		return
	}

	taskMgr.UpdateState(item.TaskID, task.StateSucceeded)
	m.audit(protocol.EventFileUpload, protocol.ResultSuccess, item.TaskID, p.Path, "")
}

func (m *Manager) fail(taskMgr *task.Manager, taskID string, eventType protocol.AuditEventType, path string, err error) {
	taskMgr.SetError(taskID, err.Error())
	m.audit(eventType, protocol.ResultError, taskID, path, err.Error())
}

func (m *Manager) audit(eventType protocol.AuditEventType, result protocol.AuditResult, taskID, path, detail string) {
	if m.auditor == nil {
		return
	}
	m.auditor.Enqueue(protocol.AuditEvent{
		Type:      eventType,
		Result:    result,
		Timestamp: uint64(time.Now().Unix()),
		TaskID:    taskID,
		Path:      path,
		Detail:    detail,
	})
}
