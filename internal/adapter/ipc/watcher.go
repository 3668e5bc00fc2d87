package ipc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/fairyhunter13/nanoclaw/internal/adapter/observability"
	"github.com/fairyhunter13/nanoclaw/internal/domain"
)

// CommandSink executes an authenticated, authorized command. source is
// the folder the file arrived under, never anything from the payload.
type CommandSink interface {
	HandleCommand(ctx context.Context, source string, cmd Command) error
}

// WatcherOptions configures the IPC command watcher.
type WatcherOptions struct {
	DataDir         string
	Secret          []byte
	MainGroupFolder string
	RescanInterval  time.Duration
	// ResolveFolder maps a chat jid to its group folder so message
	// commands can be checked against the sender's identity.
	ResolveFolder func(ctx context.Context, chatJID string) (string, error)
	// TaskFolder and JobFolder look up the owning group folder of an
	// existing task or smart job, so lifecycle commands referencing a
	// bare ID are checked against the sender's identity.
	TaskFolder func(ctx context.Context, taskID string) (string, error)
	JobFolder  func(ctx context.Context, jobID string) (string, error)
	Logger     *slog.Logger
}

// Watcher ingests command files from ipc/<folder>/{messages,tasks}/.
// Files with a bad signature are deleted; files that fail processing
// move to a sibling errors/ directory.
type Watcher struct {
	sink CommandSink
	opts WatcherOptions
}

// NewWatcher builds a watcher over the ipc tree.
func NewWatcher(sink CommandSink, opts WatcherOptions) *Watcher {
	if opts.RescanInterval <= 0 {
		opts.RescanInterval = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Watcher{sink: sink, opts: opts}
}

// commandDirs lists the watched subdirectories per group folder.
var commandDirs = []string{"messages", "tasks"}

// Authorize applies the trust matrix for a command arriving from
// source. Identity is the source directory.
func (w *Watcher) Authorize(ctx context.Context, source string, cmd Command) error {
	isMain := source == w.opts.MainGroupFolder
	if isMain {
		return nil
	}
	switch cmd.Type {
	case CmdRegisterGroup, CmdRefreshGroups, CmdHeartbeatConfig:
		return fmt.Errorf("op=ipc.authorize: %s is main-only: %w", cmd.Type, domain.ErrUnauthorized)
	case CmdScheduleTask:
		if cmd.Task.GroupFolder != source {
			return fmt.Errorf("op=ipc.authorize: task targets another group: %w", domain.ErrUnauthorized)
		}
	case CmdUpdateTask:
		// Both the stored row and the incoming payload must belong to the
		// sender, or an update could move a task across groups.
		if cmd.Task.GroupFolder != source {
			return fmt.Errorf("op=ipc.authorize: task targets another group: %w", domain.ErrUnauthorized)
		}
		if err := w.requireTaskOwner(ctx, source, cmd.TaskID); err != nil {
			return err
		}
	case CmdPauseTask, CmdResumeTask, CmdCancelTask, CmdRunTaskNow:
		if err := w.requireTaskOwner(ctx, source, cmd.TaskID); err != nil {
			return err
		}
	case CmdHeartbeatAddJob:
		if cmd.Job.ChatJID != "" && w.opts.ResolveFolder != nil {
			folder, err := w.opts.ResolveFolder(ctx, cmd.Job.ChatJID)
			if err != nil {
				return fmt.Errorf("op=ipc.authorize: unknown job chat: %w", domain.ErrUnauthorized)
			}
			if folder != source {
				return fmt.Errorf("op=ipc.authorize: job targets another group's chat: %w", domain.ErrUnauthorized)
			}
		}
	case CmdHeartbeatUpdateJob, CmdHeartbeatRemoveJob:
		if err := w.requireJobOwner(ctx, source, cmd.JobID); err != nil {
			return err
		}
	case CmdMessage:
		if w.opts.ResolveFolder != nil {
			folder, err := w.opts.ResolveFolder(ctx, cmd.ChatJID)
			if err != nil {
				return fmt.Errorf("op=ipc.authorize: unknown target chat: %w", domain.ErrUnauthorized)
			}
			if folder != source {
				return fmt.Errorf("op=ipc.authorize: message targets another group: %w", domain.ErrUnauthorized)
			}
		}
	}
	return nil
}

func (w *Watcher) requireTaskOwner(ctx context.Context, source, taskID string) error {
	if w.opts.TaskFolder == nil {
		return nil
	}
	folder, err := w.opts.TaskFolder(ctx, taskID)
	if err != nil {
		return fmt.Errorf("op=ipc.authorize: task lookup: %w", domain.ErrUnauthorized)
	}
	if folder != source {
		return fmt.Errorf("op=ipc.authorize: task owned by another group: %w", domain.ErrUnauthorized)
	}
	return nil
}

func (w *Watcher) requireJobOwner(ctx context.Context, source, jobID string) error {
	if w.opts.JobFolder == nil {
		return nil
	}
	folder, err := w.opts.JobFolder(ctx, jobID)
	if err != nil {
		return fmt.Errorf("op=ipc.authorize: job lookup: %w", domain.ErrUnauthorized)
	}
	if folder != source {
		return fmt.Errorf("op=ipc.authorize: job owned by another group: %w", domain.ErrUnauthorized)
	}
	return nil
}

// Run watches for new command files until ctx is cancelled. A periodic
// rescan catches files written while watches were being established and
// directories created after startup.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("op=ipc.watch: %w", err)
	}
	defer fw.Close()

	w.addWatches(fw)
	w.ScanOnce(ctx)

	ticker := time.NewTicker(w.opts.RescanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if source, ok := w.sourceOf(ev.Name); ok {
				w.processFile(ctx, source, ev.Name)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.opts.Logger.Warn("ipc watch error", slog.Any("error", err))
		case <-ticker.C:
			w.addWatches(fw)
			w.ScanOnce(ctx)
		}
	}
}

// addWatches registers every existing command directory.
func (w *Watcher) addWatches(fw *fsnotify.Watcher) {
	root := filepath.Join(w.opts.DataDir, "ipc")
	entries, err := os.ReadDir(root)
	if err != nil {
		return
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		for _, sub := range commandDirs {
			dir := filepath.Join(root, e.Name(), sub)
			if _, err := os.Stat(dir); err == nil {
				_ = fw.Add(dir)
			}
		}
	}
}

// ScanOnce sweeps the whole ipc tree for unprocessed command files.
func (w *Watcher) ScanOnce(ctx context.Context) {
	root := filepath.Join(w.opts.DataDir, "ipc")
	entries, err := os.ReadDir(root)
	if err != nil {
		return
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		for _, sub := range commandDirs {
			dir := filepath.Join(root, e.Name(), sub)
			files, err := os.ReadDir(dir)
			if err != nil {
				continue
			}
			for _, f := range files {
				if f.IsDir() || !strings.HasSuffix(f.Name(), ".json") {
					continue
				}
				w.processFile(ctx, e.Name(), filepath.Join(dir, f.Name()))
			}
		}
	}
}

// sourceOf extracts the group folder from a command file path.
func (w *Watcher) sourceOf(path string) (string, bool) {
	if !strings.HasSuffix(path, ".json") {
		return "", false
	}
	rel, err := filepath.Rel(filepath.Join(w.opts.DataDir, "ipc"), path)
	if err != nil {
		return "", false
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) != 3 {
		return "", false
	}
	for _, sub := range commandDirs {
		if parts[1] == sub {
			return parts[0], true
		}
	}
	return "", false
}

func (w *Watcher) processFile(ctx context.Context, source, path string) {
	body, err := os.ReadFile(path)
	if err != nil {
		return
	}

	cmd, err := ParseEnvelope(w.opts.Secret, body)
	if err != nil {
		if errors.Is(err, domain.ErrUnauthorized) {
			w.opts.Logger.Warn("rejecting unsigned ipc command",
				slog.String("source", source),
				slog.String("file", filepath.Base(path)))
			observability.IPCCommandsTotal.WithLabelValues("unknown", "rejected").Inc()
			_ = os.Remove(path)
			return
		}
		// Unknown type or malformed payload: log and drop.
		w.opts.Logger.Warn("dropping malformed ipc command",
			slog.String("source", source),
			slog.String("file", filepath.Base(path)),
			slog.Any("error", err))
		observability.IPCCommandsTotal.WithLabelValues("unknown", "dropped").Inc()
		_ = os.Remove(path)
		return
	}

	if err := w.Authorize(ctx, source, cmd); err != nil {
		w.opts.Logger.Warn("unauthorized ipc command",
			slog.String("source", source),
			slog.String("type", string(cmd.Type)),
			slog.Any("error", err))
		observability.IPCCommandsTotal.WithLabelValues(string(cmd.Type), "unauthorized").Inc()
		_ = os.Remove(path)
		return
	}

	if err := w.sink.HandleCommand(ctx, source, cmd); err != nil {
		w.opts.Logger.Error("ipc command failed",
			slog.String("source", source),
			slog.String("type", string(cmd.Type)),
			slog.Any("error", err))
		observability.IPCCommandsTotal.WithLabelValues(string(cmd.Type), "error").Inc()
		w.quarantine(path)
		return
	}
	observability.IPCCommandsTotal.WithLabelValues(string(cmd.Type), "ok").Inc()
	_ = os.Remove(path)
}

// quarantine moves a failed file into the sibling errors/ directory.
func (w *Watcher) quarantine(path string) {
	dir := filepath.Join(filepath.Dir(filepath.Dir(path)), "errors")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return
	}
	_ = os.Rename(path, filepath.Join(dir, filepath.Base(path)))
}
