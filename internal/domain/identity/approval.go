package identity

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// ProposalEntry is one deferred value for a moderated field. Key is a
// version 7 UUID, so keys issued later sort later.
type ProposalEntry struct {
	Key           uuid.UUID `json:"key"`
	Value         any       `json:"value"`
	RequesterID   string    `json:"requester_id"`
	RequesterName string    `json:"requester_name,omitempty"`
	ProposedAt    time.Time `json:"proposed_at"`
}

// PendingApproval holds the proposals for one field, newest first, and the
// value in effect while they wait. It always has at least one entry.
type PendingApproval struct {
	Field        string          `json:"field_name"`
	CurrentValue any             `json:"current_value"`
	History      []ProposalEntry `json:"history"`
}

// Latest is the proposal an accept applies.
func (a PendingApproval) Latest() ProposalEntry {
	return a.History[0]
}

// prepend returns a copy with e at the head of the history.
func (a PendingApproval) prepend(e ProposalEntry) PendingApproval {
	history := make([]ProposalEntry, 0, len(a.History)+1)
	history = append(history, e)
	history = append(history, a.History...)
	a.History = history
	return a
}

// Ledger is one patient's set of pending approvals keyed by field. Values
// are never modified in place; every change returns a new Ledger.
type Ledger struct {
	entries map[string]PendingApproval
}

func NewLedger(approvals ...PendingApproval) Ledger {
	return Ledger{}.Merge(approvals...)
}

func (l Ledger) Len() int { return len(l.entries) }

func (l Ledger) Get(field string) (PendingApproval, bool) {
	a, ok := l.entries[field]
	return a, ok
}

// Entries returns the approvals sorted by field name.
func (l Ledger) Entries() []PendingApproval {
	out := make([]PendingApproval, 0, len(l.entries))
	for _, a := range l.entries {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Field < out[j].Field })
	return out
}

// Merge replaces entries field by field. Approvals with an empty history are
// ignored.
func (l Ledger) Merge(approvals ...PendingApproval) Ledger {
	next := make(map[string]PendingApproval, len(l.entries)+len(approvals))
	for k, v := range l.entries {
		next[k] = v
	}
	for _, a := range approvals {
		if len(a.History) == 0 {
			continue
		}
		next[a.Field] = a
	}
	return Ledger{entries: next}
}

// Without drops the entry for field.
func (l Ledger) Without(field string) Ledger {
	next := make(map[string]PendingApproval, len(l.entries))
	for k, v := range l.entries {
		if k != field {
			next[k] = v
		}
	}
	return Ledger{entries: next}
}

type storedProposal struct {
	Key           uuid.UUID       `json:"key"`
	Value         json.RawMessage `json:"value"`
	RequesterID   string          `json:"requester_id"`
	RequesterName string          `json:"requester_name,omitempty"`
	ProposedAt    time.Time       `json:"proposed_at"`
}

// decodeApproval rebuilds a PendingApproval from its stored JSON, restoring
// typed values through the field table.
func decodeApproval(field string, currentRaw, historyRaw []byte) (PendingApproval, error) {
	desc, err := lookupField(field)
	if err != nil {
		return PendingApproval{}, err
	}
	current, err := desc.decode(currentRaw)
	if err != nil {
		return PendingApproval{}, fmt.Errorf("decode current value of %s: %w", field, err)
	}

	var stored []storedProposal
	if err := json.Unmarshal(historyRaw, &stored); err != nil {
		return PendingApproval{}, fmt.Errorf("decode history of %s: %w", field, err)
	}
	if len(stored) == 0 {
		return PendingApproval{}, fmt.Errorf("pending approval for %s has no history", field)
	}

	a := PendingApproval{Field: field, CurrentValue: current, History: make([]ProposalEntry, len(stored))}
	for i, s := range stored {
		v, err := desc.decode(s.Value)
		if err != nil {
			return PendingApproval{}, fmt.Errorf("decode proposal %s of %s: %w", s.Key, field, err)
		}
		a.History[i] = ProposalEntry{
			Key:           s.Key,
			Value:         v,
			RequesterID:   s.RequesterID,
			RequesterName: s.RequesterName,
			ProposedAt:    s.ProposedAt,
		}
	}
	return a, nil
}
