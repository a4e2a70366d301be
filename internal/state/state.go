// Package state persists the worker's runtime state: the Telegram update
// offset, poll health counters, and the last consumed check metadata. The file
// is a shared snapshot the control plane reads; its JSON keys are frozen.
package state

import (
	"os"
	"time"

	"github.com/basket/rho-bridge/internal/fsio"
)

// Mode values for the worker.
const (
	ModePolling  = "polling"
	ModeDisabled = "disabled"
)

// Runtime is the on-disk state document.
type Runtime struct {
	LastUpdateID        int64  `json:"last_update_id"`
	LastPollAt          string `json:"last_poll_at,omitempty"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	Mode                string `json:"mode"`

	LastCheckRequestedAt int64  `json:"last_check_requested_at,omitempty"`
	LastCheckConsumedAt  int64  `json:"last_check_consumed_at,omitempty"`
	LastCheckSource      string `json:"last_check_source,omitempty"`
}

// Store loads and persists Runtime at a fixed path.
type Store struct {
	path string
}

// NewStore creates a store for the given state file path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Load reads the state file. A missing or corrupt file yields a zero state in
// polling mode; the worker must be able to start from nothing.
func (s *Store) Load() Runtime {
	var rt Runtime
	if err := fsio.ReadJSON(s.path, &rt); err != nil {
		if !os.IsNotExist(err) {
			// Corrupt state resets to defaults rather than wedging startup.
			rt = Runtime{}
		}
	}
	if rt.Mode == "" {
		rt.Mode = ModePolling
	}
	return rt
}

// Save writes the state atomically.
func (s *Store) Save(rt Runtime) error {
	return fsio.WriteJSON(s.path, rt)
}

// AdvanceUpdateOffset returns the next getUpdates offset given the current
// offset and the update ids just processed: max(current, max(ids)+1).
func AdvanceUpdateOffset(current int64, updateIDs []int64) int64 {
	next := current
	for _, id := range updateIDs {
		if id+1 > next {
			next = id + 1
		}
	}
	return next
}

// MarkPollSuccess records a successful poll at now.
func (rt *Runtime) MarkPollSuccess(now time.Time) {
	rt.ConsecutiveFailures = 0
	rt.LastPollAt = now.UTC().Format(time.RFC3339)
}

// MarkPollFailure increments the failure counter.
func (rt *Runtime) MarkPollFailure() {
	rt.ConsecutiveFailures++
}

// MarkCheckConsumed records metadata from a consumed check trigger.
func (rt *Runtime) MarkCheckConsumed(requestedAt int64, source string, now time.Time) {
	rt.LastCheckRequestedAt = requestedAt
	rt.LastCheckConsumedAt = now.UnixMilli()
	rt.LastCheckSource = source
}
