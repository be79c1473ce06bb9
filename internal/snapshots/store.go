// Package snapshots persists document snapshots: one overwritable latest
// snapshot per document and an append-only history of version records.
package snapshots

import "context"

// Store is durable snapshot storage. Every failure to reach the backing
// storage wraps ErrStorageUnavailable.
type Store interface {
	// PutLatest overwrites the latest snapshot of a document.
	PutLatest(ctx context.Context, documentID DocumentID, snapshot Snapshot) error
	// GetLatest returns the latest snapshot; found is false when none was stored.
	GetLatest(ctx context.Context, documentID DocumentID) (snapshot Snapshot, found bool, err error)
	// AppendVersion stores a new immutable version record.
	AppendVersion(ctx context.Context, version NewVersion) (VersionID, error)
	// ListVersions returns version metadata newest first, without payloads.
	ListVersions(ctx context.Context, documentID DocumentID) ([]VersionSummary, error)
	// GetVersion returns one version with its payload, or ErrNotFound.
	GetVersion(ctx context.Context, versionID VersionID) (Version, error)
	// DeleteVersions removes the versions selected by rule and reports how many
	// were removed. The latest snapshot is never touched.
	DeleteVersions(ctx context.Context, documentID DocumentID, rule RetentionRule) (int64, error)
}

// IDProvider issues version identifiers.
type IDProvider interface {
	NewID() (string, error)
}

func selectForDeletion(summaries []VersionSummary, rule RetentionRule) []VersionID {
	selected := make([]VersionID, 0, len(summaries))
	for index, summary := range summaries {
		if rule.Selects(index, summary) {
			selected = append(selected, summary.ID)
		}
	}
	return selected
}
