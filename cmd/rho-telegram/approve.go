package main

import (
	"fmt"
	"os"

	"github.com/basket/rho-bridge/internal/approval"
	"github.com/basket/rho-bridge/internal/config"
)

// runApproveCommand redeems a PIN minted for a blocked chat: the pending entry
// is removed and the chat/user pair joins the operator allowlists. The worker
// picks up the new config.json on its next reload event.
func runApproveCommand(settings *config.Settings, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: rho-telegram approve <pin>")
		return 2
	}
	pin := args[0]

	entry, ok, err := approval.NewStore(settings.Path("pending-approvals.json")).Approve(pin)
	if err != nil {
		fmt.Fprintln(os.Stderr, "approve:", err)
		return 1
	}
	if !ok {
		fmt.Fprintf(os.Stderr, "No pending approval matches pin %s.\n", pin)
		return 1
	}

	op, err := config.LoadOperator(settings.Path("config.json"))
	if err != nil {
		fmt.Fprintln(os.Stderr, "approve: load operator config:", err)
		return 1
	}
	op.Grant(entry.ChatID, entry.UserID)
	if err := config.SaveOperator(settings.Path("config.json"), op); err != nil {
		fmt.Fprintln(os.Stderr, "approve: save operator config:", err)
		return 1
	}

	who := fmt.Sprintf("chat %d, user %d", entry.ChatID, entry.UserID)
	if entry.Username != "" {
		who += " (@" + entry.Username + ")"
	}
	fmt.Printf("Approved %s. They can message the bot now.\n", who)
	return 0
}
