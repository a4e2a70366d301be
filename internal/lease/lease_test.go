package lease_test

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/basket/rho-bridge/internal/fsio"
	"github.com/basket/rho-bridge/internal/lease"
)

func lockPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "worker.lock.json")
}

func TestTryAcquire_FreshPath(t *testing.T) {
	path := lockPath(t)
	now := time.Now()

	res, err := lease.TryAcquire(path, "nonce-a", now, lease.DefaultStale, "telegram-poll")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if !res.OK || res.Handle == nil {
		t.Fatalf("expected acquisition, got %+v", res)
	}

	owner, err := lease.ReadOwner(path)
	if err != nil {
		t.Fatalf("read owner: %v", err)
	}
	if owner.PID != os.Getpid() || owner.Nonce != "nonce-a" {
		t.Fatalf("unexpected owner payload: %+v", owner)
	}
	if owner.Purpose != "telegram-poll" {
		t.Fatalf("unexpected purpose: %q", owner.Purpose)
	}
}

func TestTryAcquire_HeldByLiveOwner(t *testing.T) {
	path := lockPath(t)
	now := time.Now()

	// A live owner is a payload with a different pid and a fresh refresh stamp.
	other := map[string]any{
		"pid": os.Getpid() + 1, "nonce": "other", "purpose": "telegram-poll",
		"hostname":    "peer",
		"acquiredAt":  now.UTC().Format(time.RFC3339Nano),
		"refreshedAt": now.UTC().Format(time.RFC3339Nano),
	}
	if err := fsio.WriteJSON(path, other); err != nil {
		t.Fatalf("seed lock: %v", err)
	}

	res, err := lease.TryAcquire(path, "mine", now, lease.DefaultStale, "telegram-poll")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if res.OK {
		t.Fatal("expected contention, got acquisition")
	}
	if res.OwnerPID != os.Getpid()+1 {
		t.Fatalf("expected owner pid reported, got %d", res.OwnerPID)
	}
}

func TestTryAcquire_StealsStaleLease(t *testing.T) {
	path := lockPath(t)
	now := time.Now()
	stale := now.Add(-2 * lease.DefaultStale)

	other := map[string]any{
		"pid": os.Getpid() + 1, "nonce": "other", "purpose": "telegram-poll",
		"hostname":    "peer",
		"acquiredAt":  stale.UTC().Format(time.RFC3339Nano),
		"refreshedAt": stale.UTC().Format(time.RFC3339Nano),
	}
	if err := fsio.WriteJSON(path, other); err != nil {
		t.Fatalf("seed lock: %v", err)
	}

	res, err := lease.TryAcquire(path, "mine", now, lease.DefaultStale, "telegram-poll")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if !res.OK {
		t.Fatal("expected stale lease to be stolen")
	}
}

func TestTryAcquire_ConcurrentStartersOneWins(t *testing.T) {
	path := lockPath(t)
	now := time.Now()

	const starters = 8
	results := make(chan lease.AcquireResult, starters)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < starters; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			res, err := lease.TryAcquire(path, fmt.Sprintf("nonce-%d", i), now, lease.DefaultStale, "telegram-poll")
			if err != nil {
				t.Errorf("acquire %d: %v", i, err)
				return
			}
			results <- res
		}()
	}
	close(start)
	wg.Wait()
	close(results)

	acquired := 0
	for res := range results {
		if res.OK {
			acquired++
		}
	}
	if acquired != 1 {
		t.Fatalf("%d starters report the lease acquired, want exactly 1", acquired)
	}
}

func TestTryAcquire_CorruptLockTreatedAsStale(t *testing.T) {
	path := lockPath(t)
	if err := fsio.WriteText(path, "not-json{"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	res, err := lease.TryAcquire(path, "mine", time.Now(), lease.DefaultStale, "telegram-poll")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if !res.OK {
		t.Fatal("expected corrupt lock to be replaced")
	}
}

func TestRefresh_AdvancesTimestamp(t *testing.T) {
	path := lockPath(t)
	start := time.Now()
	res, err := lease.TryAcquire(path, "mine", start, lease.DefaultStale, "telegram-poll")
	if err != nil || !res.OK {
		t.Fatalf("acquire: %v %+v", err, res)
	}

	later := start.Add(30 * time.Second)
	if err := res.Handle.Refresh(later); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	owner, err := lease.ReadOwner(path)
	if err != nil {
		t.Fatalf("read owner: %v", err)
	}
	if owner.IsStale(lease.DefaultStale, later.Add(lease.DefaultStale-time.Second)) {
		t.Fatal("refreshed lease reported stale inside the window")
	}
}

func TestRefresh_FailsWhenNonceChanged(t *testing.T) {
	path := lockPath(t)
	now := time.Now()
	res, err := lease.TryAcquire(path, "mine", now, lease.DefaultStale, "telegram-poll")
	if err != nil || !res.OK {
		t.Fatalf("acquire: %v %+v", err, res)
	}

	// Another process steals the lease.
	stolen, err := lease.TryAcquire(path, "thief", now.Add(2*lease.DefaultStale), lease.DefaultStale, "telegram-poll")
	if err != nil || !stolen.OK {
		t.Fatalf("steal: %v %+v", err, stolen)
	}

	if err := res.Handle.Refresh(now.Add(2 * lease.DefaultStale)); err != lease.ErrLost {
		t.Fatalf("expected ErrLost, got %v", err)
	}
}

func TestRefresh_FailsWhenFileDeleted(t *testing.T) {
	path := lockPath(t)
	res, err := lease.TryAcquire(path, "mine", time.Now(), lease.DefaultStale, "telegram-poll")
	if err != nil || !res.OK {
		t.Fatalf("acquire: %v %+v", err, res)
	}
	if err := os.Remove(path); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := res.Handle.Refresh(time.Now()); err != lease.ErrLost {
		t.Fatalf("expected ErrLost, got %v", err)
	}
}

func TestRelease_OnlyDeletesOwnLease(t *testing.T) {
	path := lockPath(t)
	now := time.Now()
	res, err := lease.TryAcquire(path, "mine", now, lease.DefaultStale, "telegram-poll")
	if err != nil || !res.OK {
		t.Fatalf("acquire: %v %+v", err, res)
	}

	stolen, err := lease.TryAcquire(path, "thief", now.Add(2*lease.DefaultStale), lease.DefaultStale, "telegram-poll")
	if err != nil || !stolen.OK {
		t.Fatalf("steal: %v %+v", err, stolen)
	}

	// The original holder releases; the thief's lease must survive.
	if err := res.Handle.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	owner, err := lease.ReadOwner(path)
	if err != nil {
		t.Fatalf("read owner after release: %v", err)
	}
	if owner.Nonce != "thief" {
		t.Fatalf("thief's lease was deleted: %+v", owner)
	}

	if err := stolen.Handle.Release(); err != nil {
		t.Fatalf("thief release: %v", err)
	}
	if _, err := lease.ReadOwner(path); !os.IsNotExist(err) {
		t.Fatalf("expected lock removed, got %v", err)
	}
}

func TestRelease_MissingFileIgnored(t *testing.T) {
	path := lockPath(t)
	res, err := lease.TryAcquire(path, "mine", time.Now(), lease.DefaultStale, "telegram-poll")
	if err != nil || !res.OK {
		t.Fatalf("acquire: %v %+v", err, res)
	}
	if err := os.Remove(path); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := res.Handle.Release(); err != nil {
		t.Fatalf("release after delete: %v", err)
	}
}
