// Package docker runs agent containers: cold spawns with streamed
// NDJSON output, a warm standby pool, and a resilience layer gating
// spawns on daemon health and a failure circuit.
package docker

import (
	"context"
	"io"
	"regexp"
	"strconv"
	"time"
)

// ManagedLabel marks containers owned by this process so the orphan
// sweeper can find them.
const ManagedLabel = "nanoclaw.managed"

// SpawnSpec describes one container to create.
type SpawnSpec struct {
	Name   string
	Image  string
	Env    []string
	Labels map[string]string
	Binds  []string
}

// Streams are the attached stdio of a running container. Stdout is
// already demultiplexed.
type Streams struct {
	Stdin  io.WriteCloser
	Stdout io.Reader
}

// Summary is the slice of container metadata the sweeper needs.
type Summary struct {
	ID     string
	Name   string
	Labels map[string]string
}

// API is the daemon surface the runner, pool and resilience layer use.
// The concrete client wraps the Docker SDK; tests supply fakes.
type API interface {
	Ping(ctx context.Context) error
	Spawn(ctx context.Context, spec SpawnSpec) (string, error)
	Attach(ctx context.Context, id string) (Streams, error)
	Start(ctx context.Context, id string) error
	// Wait blocks until the container exits and returns its exit code.
	Wait(ctx context.Context, id string) (int64, error)
	Stop(ctx context.Context, id string, timeout time.Duration) error
	Remove(ctx context.Context, id string) error
	ListManaged(ctx context.Context) ([]Summary, error)
}

var folderSanitizeRe = regexp.MustCompile(`[^A-Za-z0-9-]`)

// SanitizeFolder reduces a group folder to the charset allowed in
// container names.
func SanitizeFolder(folder string) string {
	return folderSanitizeRe.ReplaceAllString(folder, "-")
}

// ContainerName builds the canonical name for a group run.
func ContainerName(folder string, now time.Time) string {
	return "nanoclaw-" + SanitizeFolder(folder) + "-" + strconv.FormatInt(now.UnixMilli(), 10)
}
