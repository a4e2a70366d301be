// Package lease implements the file-based single-writer lease that guarantees
// at most one worker polls a given bot account. Atomicity comes from the
// rename-based writes in fsio; honesty comes from pid+nonce checks on every
// refresh and release.
package lease

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/basket/rho-bridge/internal/fsio"
)

// DefaultStale is the window after which an unrefreshed lease is reclaimable.
const DefaultStale = 90 * time.Second

// ErrLost is returned by Refresh when the file no longer carries our pid+nonce.
var ErrLost = errors.New("lease lost")

// Payload is the JSON document stored in the lock file.
type Payload struct {
	PID         int    `json:"pid"`
	Nonce       string `json:"nonce"`
	Purpose     string `json:"purpose"`
	Hostname    string `json:"hostname"`
	AcquiredAt  string `json:"acquiredAt"`
	RefreshedAt string `json:"refreshedAt"`

	refreshedAt time.Time
}

// IsStale reports whether the payload's refresh timestamp has fallen outside
// the staleness window at the given instant.
func (p Payload) IsStale(staleFor time.Duration, now time.Time) bool {
	return now.Sub(p.refreshedAt) > staleFor
}

// Handle is a successfully acquired lease.
type Handle struct {
	Path  string
	Nonce string
	pid   int
}

// AcquireResult reports the outcome of TryAcquire.
type AcquireResult struct {
	OK       bool
	Handle   *Handle
	OwnerPID int // pid of the live owner when OK is false
}

// TryAcquire takes the lease at path when no live owner holds it. An existing
// payload that is stale or unparseable is replaced. A missing file is claimed
// with an exclusive create, and a replacement is verified by re-reading, so
// two simultaneous starters cannot both win.
func TryAcquire(path, nonce string, now time.Time, staleFor time.Duration, purpose string) (AcquireResult, error) {
	if staleFor <= 0 {
		staleFor = DefaultStale
	}
	hostname, _ := os.Hostname()
	payload := Payload{
		PID:         os.Getpid(),
		Nonce:       nonce,
		Purpose:     purpose,
		Hostname:    hostname,
		AcquiredAt:  now.UTC().Format(time.RFC3339Nano),
		RefreshedAt: now.UTC().Format(time.RFC3339Nano),
	}

	current, err := ReadOwner(path)
	if err != nil && os.IsNotExist(err) {
		created, cerr := createExclusive(path, payload)
		if cerr != nil {
			return AcquireResult{}, fmt.Errorf("write lease: %w", cerr)
		}
		if created {
			return AcquireResult{OK: true, Handle: &Handle{Path: path, Nonce: nonce, pid: payload.PID}}, nil
		}
		// Lost the create race; report whoever won.
		return lostTo(path), nil
	}
	if err == nil && current != nil {
		if !current.IsStale(staleFor, now) {
			return AcquireResult{OK: false, OwnerPID: current.PID}, nil
		}
	}

	// Stale or corrupt: replace it, then confirm the replacement survived a
	// concurrent takeover of the same stale lease.
	if err := fsio.WriteJSON(path, payload); err != nil {
		return AcquireResult{}, fmt.Errorf("write lease: %w", err)
	}
	written, err := ReadOwner(path)
	if err != nil || written == nil || written.PID != payload.PID || written.Nonce != nonce {
		return lostTo(path), nil
	}
	return AcquireResult{OK: true, Handle: &Handle{Path: path, Nonce: nonce, pid: payload.PID}}, nil
}

// createExclusive claims a missing lock file. The payload is staged in a temp
// file and published with a hard link, so of N concurrent creators exactly
// one succeeds and every racer reads a complete payload.
func createExclusive(path string, payload Payload) (bool, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return false, err
	}
	tmp := path + ".acquire-" + payload.Nonce
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return false, err
	}
	defer os.Remove(tmp)
	if err := os.Link(tmp, path); err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func lostTo(path string) AcquireResult {
	owner, _ := ReadOwner(path)
	res := AcquireResult{OK: false}
	if owner != nil {
		res.OwnerPID = owner.PID
	}
	return res
}

// Refresh rewrites refreshedAt, but only while the on-disk payload still
// carries our pid+nonce. Any other state means the lease was taken from us.
func (h *Handle) Refresh(now time.Time) error {
	current, err := ReadOwner(h.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrLost
		}
		return err
	}
	if current == nil || current.PID != h.pid || current.Nonce != h.Nonce {
		return ErrLost
	}
	current.RefreshedAt = now.UTC().Format(time.RFC3339Nano)
	if err := fsio.WriteJSON(h.Path, current); err != nil {
		return fmt.Errorf("refresh lease: %w", err)
	}
	return nil
}

// Release deletes the lock file iff the current payload's nonce is ours.
// A missing file is not an error.
func (h *Handle) Release() error {
	current, err := ReadOwner(h.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if current == nil || current.Nonce != h.Nonce {
		return nil
	}
	if err := os.Remove(h.Path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

type parseError struct{ err error }

func (e *parseError) Error() string { return e.err.Error() }
func (e *parseError) Unwrap() error { return e.err }

// ReadOwner returns the current lease payload, or a nil payload with an
// os.IsNotExist error when no lock file exists.
func ReadOwner(path string) (*Payload, error) {
	var p Payload
	if err := fsio.ReadJSON(path, &p); err != nil {
		if os.IsNotExist(err) {
			return nil, err
		}
		return nil, &parseError{err}
	}
	ts, err := time.Parse(time.RFC3339Nano, p.RefreshedAt)
	if err != nil {
		return nil, &parseError{fmt.Errorf("lease refreshedAt: %w", err)}
	}
	p.refreshedAt = ts
	return &p, nil
}
