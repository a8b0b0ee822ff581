package domain

import (
	"fmt"
	"time"
)

// Status is the connection state of an instance as seen by viewers.
type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
)

// ParseStatus validates a status value coming from a client.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusOnline, StatusOffline:
		return Status(s), nil
	default:
		return "", fmt.Errorf("%w: unknown status %q", ErrInvalidInput, s)
	}
}

// Instance is a registered desktop client.
//
// The record is owned by the registry. Callers only ever receive
// copies (PublicInstance or Delta), never the record itself.
type Instance struct {
	// ─────────────────────────────
	// Identity (immutable)
	// ─────────────────────────────

	// ID is the public identifier, safe to list.
	ID string

	// Token is the capability secret issued at registration.
	// It MUST never appear in a listing.
	Token string

	// ─────────────────────────────
	// Description
	// ─────────────────────────────

	Name     string
	Platform string

	// ─────────────────────────────
	// Mutable state
	// ─────────────────────────────

	Status       Status
	LastSeen     time.Time
	CurrentModel string
	IsTyping     bool

	// Messages is a bounded log, oldest first.
	Messages []MessageEntry

	// CreatedAt orders listings.
	CreatedAt time.Time

	// ─────────────────────────────
	// Transport (never serialized)
	// ─────────────────────────────

	// ConnID is a handle into the broker's connection table.
	// Empty while no connection is bound.
	ConnID string
}

// Public returns the listing projection (no token, no connection).
func (i *Instance) Public() PublicInstance {
	return PublicInstance{
		ID:           i.ID,
		Name:         i.Name,
		Platform:     i.Platform,
		Status:       i.Status,
		LastSeen:     i.LastSeen,
		CurrentModel: i.CurrentModel,
		IsTyping:     i.IsTyping,
	}
}

// Delta returns the status change pushed to viewers.
func (i *Instance) Delta() Delta {
	return Delta{
		Token:          i.Token,
		PublicInstance: i.Public(),
	}
}

// PublicInstance is what GET /instances and the viewer snapshot expose.
type PublicInstance struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Platform     string    `json:"platform"`
	Status       Status    `json:"status"`
	LastSeen     time.Time `json:"lastSeen"`
	CurrentModel string    `json:"currentModel"`
	IsTyping     bool      `json:"isTyping"`
}

// Delta is an incremental ally:status change.
// Viewers address commands by token, so the delta carries it.
type Delta struct {
	Token string `json:"token"`
	PublicInstance
	Removed bool `json:"removed,omitempty"`
}

// Message log directions.
const (
	DirectionCommand  = "command"
	DirectionResponse = "response"
)

// MessageEntry is one exchanged command or response.
type MessageEntry struct {
	Direction string    `json:"direction,omitempty"` // DirectionCommand | DirectionResponse
	Type      string    `json:"type,omitempty"`
	Content   any       `json:"content,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Patch carries the mutable fields of a heartbeat or ally:status push.
// A nil field is left untouched; an empty (non-nil) Messages clears the log.
type Patch struct {
	Status       *string        `json:"status,omitempty"`
	Messages     []MessageEntry `json:"messages,omitempty"`
	IsTyping     *bool          `json:"isTyping,omitempty"`
	CurrentModel *string        `json:"currentModel,omitempty"`
}

// Validate rejects values the registry cannot apply.
func (p Patch) Validate() error {
	if p.Status != nil {
		if _, err := ParseStatus(*p.Status); err != nil {
			return err
		}
	}
	return nil
}
