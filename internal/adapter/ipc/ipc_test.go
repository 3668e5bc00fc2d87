package ipc_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/nanoclaw/internal/adapter/ipc"
	"github.com/fairyhunter13/nanoclaw/internal/domain"
)

var secret = []byte("test-secret")

type recordingSink struct {
	mu       sync.Mutex
	commands []ipc.Command
	sources  []string
	err      error
}

func (s *recordingSink) HandleCommand(_ context.Context, source string, cmd ipc.Command) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sources = append(s.sources, source)
	s.commands = append(s.commands, cmd)
	return nil
}

func newWatcher(t *testing.T, sink ipc.CommandSink) (*ipc.Watcher, string) {
	t.Helper()
	dir := t.TempDir()
	w := ipc.NewWatcher(sink, ipc.WatcherOptions{
		DataDir:         dir,
		Secret:          secret,
		MainGroupFolder: "main",
	})
	return w, dir
}

func dropCommand(t *testing.T, dataDir, folder, sub, name string, cmd ipc.Command) string {
	t.Helper()
	body, err := ipc.SealCommand(secret, cmd)
	require.NoError(t, err)
	path := filepath.Join(dataDir, "ipc", folder, sub, name)
	require.NoError(t, ipc.AtomicWrite(path, body))
	return path
}

func TestSealAndParseRoundTrip(t *testing.T) {
	body, err := ipc.SealCommand(secret, ipc.Command{Type: ipc.CmdMessage, ChatJID: "j1", Text: "hi"})
	require.NoError(t, err)

	cmd, err := ipc.ParseEnvelope(secret, body)
	require.NoError(t, err)
	assert.Equal(t, ipc.CmdMessage, cmd.Type)
	assert.Equal(t, "hi", cmd.Text)
}

func TestParseEnvelope_BadSignature(t *testing.T) {
	body, err := ipc.SealCommand([]byte("other-secret"), ipc.Command{Type: ipc.CmdRefreshGroups})
	require.NoError(t, err)
	_, err = ipc.ParseEnvelope(secret, body)
	require.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestParseEnvelope_TamperedPayload(t *testing.T) {
	body, err := ipc.SealCommand(secret, ipc.Command{Type: ipc.CmdMessage, ChatJID: "j1", Text: "hi"})
	require.NoError(t, err)
	var env ipc.Envelope
	require.NoError(t, json.Unmarshal(body, &env))
	env.Command = []byte(`{"type":"refresh_groups"}`)
	tampered, err := json.Marshal(env)
	require.NoError(t, err)

	_, err = ipc.ParseEnvelope(secret, tampered)
	require.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestParseEnvelope_UnknownType(t *testing.T) {
	body, err := ipc.SealCommand(secret, ipc.Command{Type: "drop_tables"})
	require.NoError(t, err)
	_, err = ipc.ParseEnvelope(secret, body)
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestParseEnvelope_MissingPayload(t *testing.T) {
	body, err := ipc.SealCommand(secret, ipc.Command{Type: ipc.CmdScheduleTask})
	require.NoError(t, err)
	_, err = ipc.ParseEnvelope(secret, body)
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestAuthorize_MainOnlyCommands(t *testing.T) {
	w, _ := newWatcher(t, &recordingSink{})
	ctx := context.Background()

	for _, kind := range []ipc.CommandKind{ipc.CmdRegisterGroup, ipc.CmdRefreshGroups, ipc.CmdHeartbeatConfig} {
		err := w.Authorize(ctx, "family", ipc.Command{Type: kind})
		assert.ErrorIs(t, err, domain.ErrUnauthorized, "kind %s", kind)
		assert.NoError(t, w.Authorize(ctx, "main", ipc.Command{Type: kind}))
	}
}

func TestAuthorize_TaskMustTargetOwnGroup(t *testing.T) {
	w, _ := newWatcher(t, &recordingSink{})
	ctx := context.Background()
	cmd := ipc.Command{Type: ipc.CmdScheduleTask, Task: &ipc.TaskPayload{GroupFolder: "other"}}

	assert.ErrorIs(t, w.Authorize(ctx, "family", cmd), domain.ErrUnauthorized)
	assert.NoError(t, w.Authorize(ctx, "main", cmd), "main may target any group")

	own := ipc.Command{Type: ipc.CmdScheduleTask, Task: &ipc.TaskPayload{GroupFolder: "family"}}
	assert.NoError(t, w.Authorize(ctx, "family", own))
}

func TestAuthorize_MessageIdentityIsSourceDir(t *testing.T) {
	sink := &recordingSink{}
	dir := t.TempDir()
	w := ipc.NewWatcher(sink, ipc.WatcherOptions{
		DataDir:         dir,
		Secret:          secret,
		MainGroupFolder: "main",
		ResolveFolder: func(_ context.Context, jid string) (string, error) {
			if jid == "fam@g.us" {
				return "family", nil
			}
			return "", domain.ErrNotFound
		},
	})
	ctx := context.Background()

	ours := ipc.Command{Type: ipc.CmdMessage, ChatJID: "fam@g.us", Text: "x"}
	assert.NoError(t, w.Authorize(ctx, "family", ours))
	// The payload claims another group's chat: the source dir decides.
	assert.ErrorIs(t, w.Authorize(ctx, "work", ours), domain.ErrUnauthorized)
}

// newOwnershipWatcher wires folder lookups over one task and one smart
// job, both owned by the family group.
func newOwnershipWatcher(t *testing.T) *ipc.Watcher {
	t.Helper()
	return ipc.NewWatcher(&recordingSink{}, ipc.WatcherOptions{
		DataDir:         t.TempDir(),
		Secret:          secret,
		MainGroupFolder: "main",
		ResolveFolder: func(_ context.Context, jid string) (string, error) {
			if jid == "fam@g.us" {
				return "family", nil
			}
			return "", domain.ErrNotFound
		},
		TaskFolder: func(_ context.Context, taskID string) (string, error) {
			if taskID == "t1" {
				return "family", nil
			}
			return "", domain.ErrNotFound
		},
		JobFolder: func(_ context.Context, jobID string) (string, error) {
			if jobID == "j1" {
				return "family", nil
			}
			return "", domain.ErrNotFound
		},
	})
}

func TestAuthorize_TaskLifecycleRequiresOwnership(t *testing.T) {
	w := newOwnershipWatcher(t)
	ctx := context.Background()

	for _, kind := range []ipc.CommandKind{ipc.CmdPauseTask, ipc.CmdResumeTask, ipc.CmdCancelTask, ipc.CmdRunTaskNow} {
		cmd := ipc.Command{Type: kind, TaskID: "t1"}
		assert.ErrorIs(t, w.Authorize(ctx, "work", cmd), domain.ErrUnauthorized, "kind %s", kind)
		assert.NoError(t, w.Authorize(ctx, "family", cmd), "kind %s", kind)
		assert.NoError(t, w.Authorize(ctx, "main", cmd), "main may touch any task")
	}

	// A bare ID that resolves to nothing is treated as foreign.
	ghost := ipc.Command{Type: ipc.CmdCancelTask, TaskID: "nope"}
	assert.ErrorIs(t, w.Authorize(ctx, "work", ghost), domain.ErrUnauthorized)
}

func TestAuthorize_UpdateTaskChecksStoredRow(t *testing.T) {
	w := newOwnershipWatcher(t)
	ctx := context.Background()

	// The payload names the sender's own folder, but the stored task
	// belongs to family: the overwrite must not move it.
	steal := ipc.Command{Type: ipc.CmdUpdateTask, TaskID: "t1", Task: &ipc.TaskPayload{GroupFolder: "work"}}
	assert.ErrorIs(t, w.Authorize(ctx, "work", steal), domain.ErrUnauthorized)

	own := ipc.Command{Type: ipc.CmdUpdateTask, TaskID: "t1", Task: &ipc.TaskPayload{GroupFolder: "family"}}
	assert.NoError(t, w.Authorize(ctx, "family", own))
	assert.NoError(t, w.Authorize(ctx, "main", steal), "main may rehome tasks")
}

func TestAuthorize_JobLifecycleRequiresOwnership(t *testing.T) {
	w := newOwnershipWatcher(t)
	ctx := context.Background()

	for _, kind := range []ipc.CommandKind{ipc.CmdHeartbeatUpdateJob, ipc.CmdHeartbeatRemoveJob} {
		cmd := ipc.Command{Type: kind, JobID: "j1", Job: &ipc.JobPayload{Label: "l", Prompt: "p"}}
		assert.ErrorIs(t, w.Authorize(ctx, "work", cmd), domain.ErrUnauthorized, "kind %s", kind)
		assert.NoError(t, w.Authorize(ctx, "family", cmd), "kind %s", kind)
		assert.NoError(t, w.Authorize(ctx, "main", cmd))
	}
}

func TestAuthorize_AddJobChatMustBelongToSender(t *testing.T) {
	w := newOwnershipWatcher(t)
	ctx := context.Background()

	foreign := ipc.Command{Type: ipc.CmdHeartbeatAddJob, Job: &ipc.JobPayload{ChatJID: "fam@g.us", Label: "l", Prompt: "p"}}
	assert.ErrorIs(t, w.Authorize(ctx, "work", foreign), domain.ErrUnauthorized)
	assert.NoError(t, w.Authorize(ctx, "family", foreign))
	assert.NoError(t, w.Authorize(ctx, "main", foreign))

	// No chat jid: the job defaults to the sender's own group.
	local := ipc.Command{Type: ipc.CmdHeartbeatAddJob, Job: &ipc.JobPayload{Label: "l", Prompt: "p"}}
	assert.NoError(t, w.Authorize(ctx, "work", local))
}

func TestScanOnce_ProcessesAndDeletes(t *testing.T) {
	sink := &recordingSink{}
	w, dir := newWatcher(t, sink)
	path := dropCommand(t, dir, "family", "messages", "1.json", ipc.Command{
		Type: ipc.CmdMessage, ChatJID: "fam@g.us", Text: "hello",
	})

	w.ScanOnce(context.Background())

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.commands, 1)
	assert.Equal(t, []string{"family"}, sink.sources)
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err), "processed files are removed")
}

func TestScanOnce_BadSignatureDeleted(t *testing.T) {
	sink := &recordingSink{}
	w, dir := newWatcher(t, sink)

	body, err := ipc.SealCommand([]byte("wrong"), ipc.Command{Type: ipc.CmdMessage, ChatJID: "j", Text: "x"})
	require.NoError(t, err)
	path := filepath.Join(dir, "ipc", "family", "messages", "bad.json")
	require.NoError(t, ipc.AtomicWrite(path, body))

	w.ScanOnce(context.Background())

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Empty(t, sink.commands, "forged commands never reach the sink")
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}

func TestScanOnce_ProcessingErrorQuarantines(t *testing.T) {
	sink := &recordingSink{err: assert.AnError}
	w, dir := newWatcher(t, sink)
	path := dropCommand(t, dir, "family", "tasks", "t.json", ipc.Command{
		Type: ipc.CmdRunTaskNow, TaskID: "t1",
	})

	w.ScanOnce(context.Background())

	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	moved := filepath.Join(dir, "ipc", "family", "errors", "t.json")
	_, err = os.Stat(moved)
	assert.NoError(t, err, "failed files land in errors/ for forensics")
}

func TestInbox_WriteMessageAndClose(t *testing.T) {
	dir := t.TempDir()
	inbox := ipc.NewInbox(dir)

	require.NoError(t, inbox.WriteMessage("family", "follow-up"))
	entries, err := os.ReadDir(inbox.InputDir("family"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	b, err := os.ReadFile(filepath.Join(inbox.InputDir("family"), entries[0].Name()))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"message","text":"follow-up"}`, string(b))

	require.NoError(t, inbox.WriteClose("family"))
	info, err := os.Stat(filepath.Join(inbox.InputDir("family"), ipc.CloseSentinel))
	require.NoError(t, err)
	assert.Zero(t, info.Size(), "close sentinel is a zero-byte file")
}

func TestInbox_SnapshotsAreValidJSON(t *testing.T) {
	dir := t.TempDir()
	inbox := ipc.NewInbox(dir)

	jobs := []domain.HeartbeatJob{{ID: "j1", Label: "check"}}
	require.NoError(t, inbox.WriteHeartbeatSnapshot("family", jobs))
	b, err := os.ReadFile(filepath.Join(inbox.GroupDir("family"), ipc.HeartbeatSnapshot))
	require.NoError(t, err)
	var back []domain.HeartbeatJob
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, "j1", back[0].ID)
}
