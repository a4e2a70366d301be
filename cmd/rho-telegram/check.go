package main

import (
	"fmt"
	"os"
	"time"

	"github.com/basket/rho-bridge/internal/config"
	"github.com/basket/rho-bridge/internal/trigger"
)

// runCheckCommand posts a check trigger for the running worker. The CLI is a
// follower: it never polls itself, it only asks the lease holder to.
func runCheckCommand(settings *config.Settings) int {
	path := settings.Path("check-trigger.json")
	req := trigger.Request{
		RequestedAt:   time.Now().UnixMilli(),
		RequesterPID:  os.Getpid(),
		RequesterRole: trigger.RoleFollower,
		Source:        "cli",
	}
	if err := trigger.Write(path, req); err != nil {
		fmt.Fprintln(os.Stderr, "write check trigger:", err)
		return 1
	}
	fmt.Println("Check trigger posted. The worker will poll on its next tick.")
	return 0
}
