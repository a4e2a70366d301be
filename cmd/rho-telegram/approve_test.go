package main

import (
	"testing"
	"time"

	"github.com/basket/rho-bridge/internal/approval"
	"github.com/basket/rho-bridge/internal/config"
)

func TestApproveGrantsChatAndUser(t *testing.T) {
	home := t.TempDir()
	settings := &config.Settings{HomeDir: home}

	store := approval.NewStore(settings.Path("pending-approvals.json"))
	res, err := store.Upsert(200, 999, "newcomer", "chat_not_allowed", time.Now())
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}

	if code := runApproveCommand(settings, []string{res.Entry.PIN}); code != 0 {
		t.Fatalf("approve exit code = %d, want 0", code)
	}

	op, err := config.LoadOperator(settings.Path("config.json"))
	if err != nil {
		t.Fatalf("load operator: %v", err)
	}
	if !contains(op.AllowedChatIDs, 200) || !contains(op.AllowedUserIDs, 999) {
		t.Fatalf("operator not granted: %+v", op)
	}

	pending, _ := store.Load()
	if len(pending) != 0 {
		t.Fatalf("pending entries = %d, want 0", len(pending))
	}
}

func TestApproveUnknownPIN(t *testing.T) {
	settings := &config.Settings{HomeDir: t.TempDir()}
	if code := runApproveCommand(settings, []string{"000000"}); code != 1 {
		t.Fatalf("approve exit code = %d, want 1", code)
	}
}

func TestApproveUsage(t *testing.T) {
	settings := &config.Settings{HomeDir: t.TempDir()}
	if code := runApproveCommand(settings, nil); code != 2 {
		t.Fatalf("approve exit code = %d, want 2", code)
	}
}

func contains(ids []int64, want int64) bool {
	for _, id := range ids {
		if id == want {
			return true
		}
	}
	return false
}
