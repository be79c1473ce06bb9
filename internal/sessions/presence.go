package sessions

import (
	"hash/fnv"
	"strings"
	"time"
)

const defaultClientName = "Anonymous"

var presenceColors = []string{
	"#30bced",
	"#6eeb83",
	"#ffbc42",
	"#ecd444",
	"#ee6352",
	"#9ac2c9",
	"#8acb88",
	"#1be7ff",
}

// ClientIdentity describes a connecting client. Empty fields are filled in by Join.
type ClientIdentity struct {
	ClientID string
	Name     string
	Color    string
}

// Cursor is a selection inside the document text, in rune offsets.
type Cursor struct {
	Anchor int `json:"anchor"`
	Head   int `json:"head"`
}

// Presence is the ephemeral state of one connected client.
type Presence struct {
	ClientID   string    `json:"clientId"`
	Name       string    `json:"name"`
	Color      string    `json:"color"`
	Cursor     *Cursor   `json:"cursor,omitempty"`
	Typing     bool      `json:"typing"`
	LastUpdate time.Time `json:"lastUpdate"`
}

// PresencePatch carries the fields a client wants to change. Nil fields are left as they are.
type PresencePatch struct {
	Name        *string
	Color       *string
	Cursor      *Cursor
	ClearCursor bool
	Typing      *bool
}

// PresenceChange is delivered to presence watchers. Source is the client whose
// own update caused the change; it is empty for joins and leaves.
type PresenceChange struct {
	DocumentID string
	Source     string
	Presence   map[string]Presence
}

// PresenceWatcher receives the full presence mapping of a document after every change.
// Watchers run synchronously and must not block.
type PresenceWatcher func(PresenceChange)

// ColorFor picks a palette color for a client id. The choice is stable for a given id.
func ColorFor(clientID string) string {
	hasher := fnv.New32a()
	_, _ = hasher.Write([]byte(clientID))
	return presenceColors[int(hasher.Sum32()%uint32(len(presenceColors)))]
}

func (p Presence) merge(patch PresencePatch, now time.Time) Presence {
	if patch.Name != nil && strings.TrimSpace(*patch.Name) != "" {
		p.Name = strings.TrimSpace(*patch.Name)
	}
	if patch.Color != nil && strings.TrimSpace(*patch.Color) != "" {
		p.Color = strings.TrimSpace(*patch.Color)
	}
	switch {
	case patch.ClearCursor:
		p.Cursor = nil
	case patch.Cursor != nil:
		cursor := *patch.Cursor
		p.Cursor = &cursor
	}
	if patch.Typing != nil {
		p.Typing = *patch.Typing
	}
	p.LastUpdate = now
	return p
}

func (p Presence) clone() Presence {
	if p.Cursor != nil {
		cursor := *p.Cursor
		p.Cursor = &cursor
	}
	return p
}
