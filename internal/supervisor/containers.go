package supervisor

import (
	"context"
	"fmt"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"

	"apex-build/internal/logging"
)

// runIDLabel is the label a dispatcher's own containerized workflow
// engine is expected to set on any sibling container it launches, so
// the Supervisor can find it by run_id without a central registry.
const runIDLabel = "wes.run_id"

// containerKillGrace is how long ContainerObserver waits after a
// SIGUSR1 before escalating to SIGTERM, mirroring the teacher's
// sandbox v2 kill-then-escalate timing.
const containerKillGrace = 5 * time.Second

// ContainerObserver wraps the Docker client SDK for best-effort
// container introspection, grounded on the teacher's
// sandbox/v2/executor.go DockerExecutor construction
// (client.NewClientWithOpts + client.FromEnv). It is entirely
// optional: construction failure or an unreachable daemon degrades to
// PID-signal-only cancellation, never blocking run creation.
type ContainerObserver struct {
	cli *client.Client
}

// NewContainerObserver attempts to dial the local Docker daemon. It
// returns (nil, err) rather than a half-working observer so callers
// can cleanly fall back to PID-only supervision.
func NewContainerObserver() (*ContainerObserver, error) {
	cli, err := client.NewClientWithOpts(
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("docker sdk client init failed: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, err := cli.Ping(ctx); err != nil {
		return nil, fmt.Errorf("docker daemon unreachable: %w", err)
	}

	return &ContainerObserver{cli: cli}, nil
}

// findRunContainer returns the id of the sibling container labeled
// wes.run_id=runID, if any.
func (co *ContainerObserver) findRunContainer(ctx context.Context, runID string) (string, bool) {
	f := filters.NewArgs(filters.Arg("label", fmt.Sprintf("%s=%s", runIDLabel, runID)))
	containers, err := co.cli.ContainerList(ctx, container.ListOptions{Filters: f})
	if err != nil || len(containers) == 0 {
		return "", false
	}
	return containers[0].ID, true
}

// Describe returns a container_id/container_state hint for
// system_logs.json, or ok=false if no labeled container is running.
func (co *ContainerObserver) Describe(runID string) (containerID, state string, ok bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	id, found := co.findRunContainer(ctx, runID)
	if !found {
		return "", "", false
	}
	info, err := co.cli.ContainerInspect(ctx, id)
	if err != nil {
		return id, "unknown", true
	}
	return id, info.State.Status, true
}

// SignalRunContainer is the secondary cancellation path used when
// run.pid is already gone: it sends SIGUSR1 to the labeled sibling
// container, escalating to SIGTERM after containerKillGrace if the
// container is still running. Returns true if a container was found
// and signaled.
func (co *ContainerObserver) SignalRunContainer(runID string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	id, found := co.findRunContainer(ctx, runID)
	if !found {
		return false
	}

	if err := co.cli.ContainerKill(ctx, id, "SIGUSR1"); err != nil {
		logging.S().Warnw("container SIGUSR1 failed", "run_id", runID, "container_id", id, "error", err)
		return false
	}

	go func() {
		time.Sleep(containerKillGrace)
		inspectCtx, inspectCancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer inspectCancel()
		info, err := co.cli.ContainerInspect(inspectCtx, id)
		if err != nil || !info.State.Running {
			return
		}
		if err := co.cli.ContainerKill(inspectCtx, id, "SIGTERM"); err != nil {
			logging.S().Warnw("container SIGTERM escalation failed", "run_id", runID, "container_id", id, "error", err)
		}
	}()

	return true
}
