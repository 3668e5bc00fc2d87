// Package ipc implements the file-based command plane shared with agent
// containers: the per-group inbox the host writes into, and the watcher
// that authenticates commands containers write back.
package ipc

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/fairyhunter13/nanoclaw/internal/domain"
)

// Inbox sentinel files. All are written with temp+rename so the agent
// never observes a partial file.
const (
	CloseSentinel     = "_close"
	ReadySentinel     = "_ready"
	AssignmentFile    = "_assignment.json"
	HeartbeatSnapshot = "heartbeat_jobs.json"
	TasksSnapshot     = "tasks_snapshot.json"
	GroupsSnapshot    = "groups_snapshot.json"
)

// AtomicWrite writes data to path via a temp file and rename.
func AtomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("op=ipc.atomic_write: %w", err)
	}
	tmp := filepath.Join(dir, ".tmp-"+uuid.NewString())
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("op=ipc.atomic_write: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("op=ipc.atomic_write: %w", err)
	}
	return nil
}

// Inbox writes control files into per-group container inboxes under
// <dataDir>/ipc/<folder>/.
type Inbox struct {
	dataDir string
}

// NewInbox builds an Inbox rooted at dataDir.
func NewInbox(dataDir string) *Inbox { return &Inbox{dataDir: dataDir} }

// GroupDir returns the ipc root for a folder.
func (i *Inbox) GroupDir(folder string) string {
	return filepath.Join(i.dataDir, "ipc", folder)
}

// InputDir returns the agent-facing input directory for a folder.
func (i *Inbox) InputDir(folder string) string {
	return filepath.Join(i.GroupDir(folder), "input")
}

type followUp struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// WriteMessage pipes a follow-up message into a running container.
func (i *Inbox) WriteMessage(folder, text string) error {
	b, err := json.Marshal(followUp{Type: "message", Text: text})
	if err != nil {
		return fmt.Errorf("op=ipc.write_message: %w", err)
	}
	// ULID names sort lexicographically by creation time, so the agent
	// drains follow-ups in arrival order with a plain directory listing.
	name := ulid.Make().String() + ".json"
	return AtomicWrite(filepath.Join(i.InputDir(folder), name), b)
}

// WriteClose drops the zero-byte close sentinel; the agent flushes and
// exits its input loop.
func (i *Inbox) WriteClose(folder string) error {
	return AtomicWrite(filepath.Join(i.InputDir(folder), CloseSentinel), nil)
}

// WriteAssignment hands a run input to a warm pool container.
func (i *Inbox) WriteAssignment(folder string, in domain.RunInput) error {
	b, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("op=ipc.write_assignment: %w", err)
	}
	return AtomicWrite(filepath.Join(i.InputDir(folder), AssignmentFile), b)
}

// ReadyPath is where a warming pool container drops its handshake.
func (i *Inbox) ReadyPath(folder string) string {
	return filepath.Join(i.InputDir(folder), ReadySentinel)
}

// WriteHeartbeatSnapshot publishes the active smart jobs for agents.
func (i *Inbox) WriteHeartbeatSnapshot(folder string, jobs []domain.HeartbeatJob) error {
	b, err := json.Marshal(jobs)
	if err != nil {
		return fmt.Errorf("op=ipc.write_heartbeat_snapshot: %w", err)
	}
	return AtomicWrite(filepath.Join(i.GroupDir(folder), HeartbeatSnapshot), b)
}

// WriteTasksSnapshot publishes the scheduled tasks an agent may see.
func (i *Inbox) WriteTasksSnapshot(folder string, tasks []domain.ScheduledTask) error {
	b, err := json.Marshal(tasks)
	if err != nil {
		return fmt.Errorf("op=ipc.write_tasks_snapshot: %w", err)
	}
	return AtomicWrite(filepath.Join(i.GroupDir(folder), TasksSnapshot), b)
}

// WriteGroupsSnapshot publishes the registered groups; only the main
// group's agent receives the global view.
func (i *Inbox) WriteGroupsSnapshot(folder string, groups []domain.RegisteredGroup) error {
	b, err := json.Marshal(groups)
	if err != nil {
		return fmt.Errorf("op=ipc.write_groups_snapshot: %w", err)
	}
	return AtomicWrite(filepath.Join(i.GroupDir(folder), GroupsSnapshot), b)
}
