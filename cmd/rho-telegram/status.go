package main

import (
	"fmt"
	"os"
	"time"

	"github.com/basket/rho-bridge/internal/approval"
	"github.com/basket/rho-bridge/internal/config"
	"github.com/basket/rho-bridge/internal/jobs"
	"github.com/basket/rho-bridge/internal/lease"
	"github.com/basket/rho-bridge/internal/queue"
	"github.com/basket/rho-bridge/internal/state"
	"github.com/basket/rho-bridge/internal/supervisor"
)

// runStatusCommand prints a best-effort snapshot of the persistent files. It
// never takes the lease; a live worker keeps writing while we read.
func runStatusCommand(settings *config.Settings) int {
	fmt.Println("Telegram bridge status")
	fmt.Println("  home:", settings.HomeDir)

	owner, err := lease.ReadOwner(settings.Path(supervisor.LockFile))
	staleFor := time.Duration(settings.LockStaleMs) * time.Millisecond
	switch {
	case err != nil && os.IsNotExist(err):
		fmt.Println("  worker: not running (no lock file)")
	case err != nil:
		fmt.Println("  worker: unknown (unreadable lock file)")
	case owner.IsStale(staleFor, time.Now()):
		fmt.Printf("  worker: stale lock (pid %d, refreshed %s)\n", owner.PID, owner.RefreshedAt)
	default:
		fmt.Printf("  worker: running (pid %d on %s)\n", owner.PID, owner.Hostname)
	}

	rt := state.NewStore(settings.Path("state.json")).Load()
	fmt.Println("  mode:", rt.Mode)
	fmt.Println("  last_update_id:", rt.LastUpdateID)
	if rt.LastPollAt != "" {
		fmt.Println("  last_poll_at:", rt.LastPollAt)
	}
	if rt.ConsecutiveFailures > 0 {
		fmt.Println("  consecutive_failures:", rt.ConsecutiveFailures)
	}
	if rt.LastCheckSource != "" {
		fmt.Printf("  last_check: %s at %s\n", rt.LastCheckSource,
			time.UnixMilli(rt.LastCheckConsumedAt).Format(time.RFC3339))
	}

	inbox := queue.NewInboundStore(settings.Path("inbound.queue.json")).Load()
	outbox := queue.NewOutboundStore(settings.Path("outbound.queue.json")).Load()
	fmt.Printf("  queues: %d inbound, %d outbound\n", len(inbox), len(outbox))

	counts := map[string]int{}
	for _, j := range jobs.ReadAll(settings.Path("jobs.json")) {
		counts[j.Status]++
	}
	fmt.Printf("  jobs: %d queued, %d running, %d completed, %d failed, %d cancelled\n",
		counts[jobs.StatusQueued], counts[jobs.StatusRunning],
		counts[jobs.StatusCompleted], counts[jobs.StatusFailed], counts[jobs.StatusCancelled])

	if pending, err := approval.NewStore(settings.Path("pending-approvals.json")).Load(); err == nil && len(pending) > 0 {
		fmt.Printf("  pending approvals: %d\n", len(pending))
		for _, p := range pending {
			fmt.Printf("    pin %s  chat %d  user %d  (%s)\n", p.PIN, p.ChatID, p.UserID, p.Reason)
		}
	}
	return 0
}
