// Package trigger implements the cross-process check trigger: the control
// plane posts a small v1 JSON file, the worker consumes it atomically using
// mtime advancement to dedupe.
package trigger

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/basket/rho-bridge/internal/fsio"
)

// Roles a requester may claim.
const (
	RoleLeader   = "leader"
	RoleFollower = "follower"
)

// Request is the v1 check-trigger document.
type Request struct {
	Version       int    `json:"version"`
	RequestedAt   int64  `json:"requestedAt"`
	RequesterPID  int    `json:"requesterPid"`
	RequesterRole string `json:"requesterRole"`
	Source        string `json:"source"`
}

var errInvalid = errors.New("invalid check trigger")

func (r Request) validate() error {
	if r.Version != 1 {
		return fmt.Errorf("%w: version %d", errInvalid, r.Version)
	}
	if r.RequestedAt <= 0 || r.RequesterPID <= 0 {
		return fmt.Errorf("%w: missing numeric fields", errInvalid)
	}
	if r.RequesterRole != RoleLeader && r.RequesterRole != RoleFollower {
		return fmt.Errorf("%w: role %q", errInvalid, r.RequesterRole)
	}
	if r.Source == "" {
		return fmt.Errorf("%w: empty source", errInvalid)
	}
	return nil
}

// Write posts a trigger request atomically.
func Write(path string, req Request) error {
	req.Version = 1
	if err := req.validate(); err != nil {
		return err
	}
	return fsio.WriteJSON(path, req)
}

// ConsumeResult is the outcome of a Consume call.
type ConsumeResult struct {
	Triggered bool
	NextSeen  int64 // mtime (ms) to pass back on the next call
	Request   *Request
}

// Consume checks the trigger file. A file whose mtime has not advanced past
// lastSeenMtimeMs is not a new trigger. A new, valid request is returned and
// the file deleted best-effort; invalid content still advances the cursor and
// removes the file so a poison trigger cannot wedge the worker.
func Consume(path string, lastSeenMtimeMs int64) (ConsumeResult, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ConsumeResult{NextSeen: lastSeenMtimeMs}, nil
		}
		return ConsumeResult{NextSeen: lastSeenMtimeMs}, err
	}
	mtimeMs := info.ModTime().UnixMilli()
	if mtimeMs <= lastSeenMtimeMs {
		return ConsumeResult{NextSeen: lastSeenMtimeMs}, nil
	}

	data, err := os.ReadFile(path)
	_ = os.Remove(path)
	if err != nil {
		return ConsumeResult{NextSeen: mtimeMs}, err
	}

	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return ConsumeResult{NextSeen: mtimeMs}, fmt.Errorf("%w: %v", errInvalid, err)
	}
	if err := req.validate(); err != nil {
		return ConsumeResult{NextSeen: mtimeMs}, err
	}
	return ConsumeResult{Triggered: true, NextSeen: mtimeMs, Request: &req}, nil
}

// IsInvalid reports whether err marks a malformed trigger (as opposed to I/O).
func IsInvalid(err error) bool {
	return errors.Is(err, errInvalid)
}
