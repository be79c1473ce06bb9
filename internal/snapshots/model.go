package snapshots

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidDocumentID indicates that a document identifier is empty, too long, or carries control characters.
	ErrInvalidDocumentID = errors.New("snapshots: invalid document id")
	// ErrInvalidVersionID indicates that a version identifier is empty or exceeds storage bounds.
	ErrInvalidVersionID = errors.New("snapshots: invalid version id")
	// ErrNotFound indicates that the requested document or version does not exist.
	ErrNotFound = errors.New("snapshots: not found")
	// ErrStorageUnavailable indicates a transient storage failure; callers may retry.
	ErrStorageUnavailable = errors.New("snapshots: storage unavailable")
	// ErrInvalidSnapshotShape indicates a stored or supplied payload that is not a usable binary snapshot.
	ErrInvalidSnapshotShape = errors.New("snapshots: invalid snapshot shape")
)

// DocumentID represents a validated document identifier.
type DocumentID string

// NewDocumentID validates raw input and returns a DocumentID.
func NewDocumentID(rawInput string) (DocumentID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidDocumentID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidDocumentID, maxIdentifierLength)
	}
	if strings.IndexFunc(trimmed, unicode.IsControl) >= 0 {
		return "", fmt.Errorf("%w: control characters", ErrInvalidDocumentID)
	}
	return DocumentID(trimmed), nil
}

// String returns the underlying string identifier.
func (id DocumentID) String() string {
	return string(id)
}

// VersionID represents a validated version identifier.
type VersionID string

// NewVersionID validates raw input and returns a VersionID.
func NewVersionID(rawInput string) (VersionID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidVersionID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidVersionID, maxIdentifierLength)
	}
	return VersionID(trimmed), nil
}

// String returns the underlying string identifier.
func (id VersionID) String() string {
	return string(id)
}

// Snapshot is an immutable encoded document state.
type Snapshot []byte

// NewSnapshot validates a payload and returns a private copy of it.
func NewSnapshot(payload []byte) (Snapshot, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrInvalidSnapshotShape)
	}
	copied := make([]byte, len(payload))
	copy(copied, payload)
	return Snapshot(copied), nil
}

// Bytes returns the encoded payload.
func (snapshot Snapshot) Bytes() []byte {
	return []byte(snapshot)
}

// Size returns the payload size in bytes.
func (snapshot Snapshot) Size() int64 {
	return int64(len(snapshot))
}

// NewVersion describes a version record to append.
type NewVersion struct {
	DocumentID DocumentID
	Snapshot   Snapshot
	// Preview is the derived text excerpt stored alongside the payload.
	Preview string
}

// VersionSummary is the listing view of a version record; it never carries the payload.
type VersionSummary struct {
	ID         VersionID
	DocumentID DocumentID
	CreatedAt  time.Time
	Preview    string
	SizeBytes  int64
}

// Version is a full version record.
type Version struct {
	VersionSummary
	Snapshot Snapshot
}

// RetentionRule selects versions of one document for deletion. Versions among
// the KeepNewest most recent are always kept; when CreatedBefore is set only
// older versions are selected. The zero rule selects every version.
type RetentionRule struct {
	KeepNewest    int
	CreatedBefore time.Time
}

// Selects reports whether the version at index (0 = newest) should be deleted.
func (rule RetentionRule) Selects(index int, summary VersionSummary) bool {
	if rule.KeepNewest > 0 && index < rule.KeepNewest {
		return false
	}
	if !rule.CreatedBefore.IsZero() && !summary.CreatedAt.Before(rule.CreatedBefore) {
		return false
	}
	return true
}

// TruncatePreview returns at most limit runes of text. A non-positive limit
// yields an empty preview.
func TruncatePreview(text string, limit int) string {
	if limit <= 0 {
		return ""
	}
	if utf8.RuneCountInString(text) <= limit {
		return text
	}
	count := 0
	for offset := range text {
		if count == limit {
			return text[:offset]
		}
		count++
	}
	return text
}
