package audit

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Action mengklasifikasikan entri audit.
type Action string

const (
	ActionCheck      Action = "check"
	ActionGrant      Action = "grant"
	ActionRevoke     Action = "revoke"
	ActionAssignRole Action = "assign_role"
	ActionRemoveRole Action = "remove_role"
)

// Valid memastikan action termasuk salah satu yang dikenal.
func (a Action) Valid() bool {
	switch a {
	case ActionCheck, ActionGrant, ActionRevoke, ActionAssignRole, ActionRemoveRole:
		return true
	}
	return false
}

// ParseAction mengubah string menjadi Action yang valid.
func ParseAction(v string) (Action, error) {
	a := Action(strings.ToLower(strings.TrimSpace(v)))
	if !a.Valid() {
		return "", fmt.Errorf("audit: unknown action %q", v)
	}
	return a, nil
}

// Entry adalah catatan audit yang tidak pernah diubah setelah dibuat.
// ID dipakai sebagai kunci idempoten saat pengiriman diulang.
type Entry struct {
	ID         uuid.UUID         `json:"id"`
	Principal  string            `json:"principal_id"`
	Action     Action            `json:"action"`
	Resource   string            `json:"resource,omitempty"`
	Permission string            `json:"permission_name,omitempty"`
	Role       string            `json:"role_name,omitempty"`
	Context    map[string]string `json:"context,omitempty"`
	Result     bool              `json:"result"`
	Actor      string            `json:"actor,omitempty"`
	Origin     map[string]string `json:"origin,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// Normalize mengisi ID dan waktu bila kosong.
func (e Entry) Normalize(now time.Time) Entry {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = now.UTC()
	}
	return e
}
