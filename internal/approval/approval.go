// Package approval persists access requests from users blocked by a strict
// allowlist. Each blocked chat/user pair gets one pending entry with a 6-digit
// PIN; the PIN is sent to the chat once so the operator can approve it
// out-of-band.
package approval

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/basket/rho-bridge/internal/fsio"
)

// Pending is one access request awaiting operator approval.
type Pending struct {
	PIN         string `json:"pin"`
	ChatID      int64  `json:"chatId"`
	UserID      int64  `json:"userId"`
	Username    string `json:"username,omitempty"`
	Reason      string `json:"reason"`
	RequestedAt string `json:"requestedAt"`
	NotifiedAt  string `json:"notifiedAt,omitempty"`
}

// Store is the pending-approvals.json file. The worker holds the lease, so
// read-modify-write here is race-free.
type Store struct {
	path string
}

func NewStore(path string) *Store { return &Store{path: path} }

// Load returns all pending entries. Missing or corrupt files read as empty.
func (s *Store) Load() ([]Pending, error) {
	var entries []Pending
	if err := fsio.ReadJSON(s.path, &entries); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, nil
	}
	return entries, nil
}

func (s *Store) save(entries []Pending) error {
	if entries == nil {
		entries = []Pending{}
	}
	return fsio.WriteJSON(s.path, entries)
}

// UpsertResult reports whether Upsert created a new entry and whether the PIN
// still needs to be sent to the chat.
type UpsertResult struct {
	Entry      Pending
	Created    bool
	NeedNotify bool
}

// Upsert records a blocked request. An existing entry for the same chat/user
// is reused so repeat messages never mint a second PIN.
func (s *Store) Upsert(chatID, userID int64, username, reason string, now time.Time) (UpsertResult, error) {
	entries, err := s.Load()
	if err != nil {
		return UpsertResult{}, err
	}
	for _, e := range entries {
		if e.ChatID == chatID && e.UserID == userID {
			return UpsertResult{Entry: e, NeedNotify: e.NotifiedAt == ""}, nil
		}
	}
	pin, err := newPIN(entries)
	if err != nil {
		return UpsertResult{}, err
	}
	entry := Pending{
		PIN:         pin,
		ChatID:      chatID,
		UserID:      userID,
		Username:    username,
		Reason:      reason,
		RequestedAt: now.UTC().Format(time.RFC3339),
	}
	entries = append(entries, entry)
	if err := s.save(entries); err != nil {
		return UpsertResult{}, err
	}
	return UpsertResult{Entry: entry, Created: true, NeedNotify: true}, nil
}

// MarkNotified records that the PIN reply was delivered so restarts do not
// resend it.
func (s *Store) MarkNotified(pin string, now time.Time) error {
	entries, err := s.Load()
	if err != nil {
		return err
	}
	for i := range entries {
		if entries[i].PIN == pin {
			entries[i].NotifiedAt = now.UTC().Format(time.RFC3339)
			return s.save(entries)
		}
	}
	return nil
}

// Approve removes the entry matching pin and returns it. The caller adds the
// chat/user to the operator allowlists.
func (s *Store) Approve(pin string) (Pending, bool, error) {
	entries, err := s.Load()
	if err != nil {
		return Pending{}, false, err
	}
	for i, e := range entries {
		if e.PIN == pin {
			entries = append(entries[:i], entries[i+1:]...)
			if err := s.save(entries); err != nil {
				return Pending{}, false, err
			}
			return e, true, nil
		}
	}
	return Pending{}, false, nil
}

// newPIN draws 6-digit PINs until one is unique within the pending set.
func newPIN(existing []Pending) (string, error) {
	taken := make(map[string]bool, len(existing))
	for _, e := range existing {
		taken[e.PIN] = true
	}
	for i := 0; i < 100; i++ {
		n, err := rand.Int(rand.Reader, big.NewInt(900000))
		if err != nil {
			return "", err
		}
		pin := fmt.Sprintf("%06d", n.Int64()+100000)
		if !taken[pin] {
			return pin, nil
		}
	}
	return "", fmt.Errorf("approval: could not mint a unique pin")
}
