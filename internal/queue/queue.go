// Package queue persists the inbound and outbound work queues as whole-file
// JSON arrays. Loads are tolerant: a corrupt file or non-array root yields an
// empty queue, and individually malformed elements are dropped rather than
// poisoning the rest.
package queue

import (
	"encoding/json"
	"os"

	"github.com/basket/rho-bridge/internal/fsio"
	"github.com/basket/rho-bridge/internal/inbound"
)

// MaxSendAttempts bounds outbound delivery retries.
const MaxSendAttempts = 3

// InboundItem is an accepted envelope bound to its agent session.
type InboundItem struct {
	inbound.Envelope
	SessionKey  string `json:"sessionKey"`
	SessionFile string `json:"sessionFile"`
}

// Valid applies the semantic predicate for persisted inbound items.
func (it InboundItem) Valid() bool {
	if it.UpdateID <= 0 || it.SessionKey == "" || it.SessionFile == "" {
		return false
	}
	return it.Envelope.Valid()
}

// OutboundItem is one pending reply awaiting delivery.
type OutboundItem struct {
	ChatID           int64  `json:"chatId"`
	ReplyToMessageID int    `json:"replyToMessageId,omitempty"`
	MessageThreadID  int    `json:"messageThreadId,omitempty"`
	Text             string `json:"text"`
	Attempts         int    `json:"attempts"`
	NotBeforeMs      int64  `json:"notBeforeMs"`
}

// Valid applies the semantic predicate for persisted outbound items.
func (it OutboundItem) Valid() bool {
	return it.ChatID != 0 && it.Text != "" && it.Attempts >= 0 && it.Attempts < MaxSendAttempts
}

// Store loads and saves one queue file.
type Store[T interface{ Valid() bool }] struct {
	path string
}

// NewInboundStore opens the inbound queue at path.
func NewInboundStore(path string) *Store[InboundItem] { return &Store[InboundItem]{path: path} }

// NewOutboundStore opens the outbound queue at path.
func NewOutboundStore(path string) *Store[OutboundItem] { return &Store[OutboundItem]{path: path} }

// Load returns the queue contents. Parse errors, a missing file, or a
// non-array root all return an empty slice; elements failing their semantic
// predicate are skipped.
func (s *Store[T]) Load() []T {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return []T{}
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return []T{}
	}
	items := make([]T, 0, len(raw))
	for _, r := range raw {
		var it T
		if err := json.Unmarshal(r, &it); err != nil {
			continue
		}
		if !it.Valid() {
			continue
		}
		items = append(items, it)
	}
	return items
}

// Save replaces the whole queue file atomically.
func (s *Store[T]) Save(items []T) error {
	if items == nil {
		items = []T{}
	}
	return fsio.WriteJSON(s.path, items)
}

// Ensure creates an empty queue file when none exists.
func (s *Store[T]) Ensure() error {
	return fsio.EnsureJSONArrayFile(s.path)
}
