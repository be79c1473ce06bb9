package snapshots

import (
	"context"
	"errors"
	"testing"
	"time"
)

// exerciseStoreContract checks the behavior every Store implementation shares.
func exerciseStoreContract(testContext *testing.T, store Store) {
	testContext.Helper()
	ctx := context.Background()
	documentID := mustDocumentID(testContext, "doc-123")
	otherDocumentID := mustDocumentID(testContext, "doc-123/child")

	testContext.Run("latest snapshot is absent then overwritten", func(t *testing.T) {
		_, found, err := store.GetLatest(ctx, documentID)
		if err != nil {
			t.Fatalf("get latest failed: %v", err)
		}
		if found {
			t.Fatalf("expected no latest snapshot before the first write")
		}
		if err := store.PutLatest(ctx, documentID, mustSnapshot(t, "first")); err != nil {
			t.Fatalf("put latest failed: %v", err)
		}
		if err := store.PutLatest(ctx, documentID, mustSnapshot(t, "second")); err != nil {
			t.Fatalf("put latest failed: %v", err)
		}
		snapshot, found, err := store.GetLatest(ctx, documentID)
		if err != nil || !found {
			t.Fatalf("expected latest snapshot, found=%v err=%v", found, err)
		}
		if string(snapshot) != "second" {
			t.Fatalf("expected overwritten snapshot, got %q", string(snapshot))
		}
	})

	var appended []VersionID
	testContext.Run("versions are appended and listed newest first", func(t *testing.T) {
		for _, payload := range []string{"v1-payload", "v2-payload", "v3-payload"} {
			versionID, err := store.AppendVersion(ctx, NewVersion{
				DocumentID: documentID,
				Snapshot:   mustSnapshot(t, payload),
				Preview:    payload[:2],
			})
			if err != nil {
				t.Fatalf("append version failed: %v", err)
			}
			appended = append(appended, versionID)
		}
		if _, err := store.AppendVersion(ctx, NewVersion{DocumentID: otherDocumentID, Snapshot: mustSnapshot(t, "other")}); err != nil {
			t.Fatalf("append version for other document failed: %v", err)
		}

		summaries, err := store.ListVersions(ctx, documentID)
		if err != nil {
			t.Fatalf("list versions failed: %v", err)
		}
		if len(summaries) != 3 {
			t.Fatalf("expected 3 versions, got %d", len(summaries))
		}
		for index, summary := range summaries {
			expectedID := appended[len(appended)-1-index]
			if summary.ID != expectedID {
				t.Fatalf("expected version %s at index %d, got %s", expectedID, index, summary.ID)
			}
			if summary.SizeBytes != int64(len("v1-payload")) {
				t.Fatalf("expected derived size, got %d", summary.SizeBytes)
			}
			if index > 0 && summaries[index-1].CreatedAt.Before(summary.CreatedAt) {
				t.Fatalf("expected newest first ordering")
			}
		}
		if summaries[0].Preview != "v3" {
			t.Fatalf("expected preview to be stored, got %q", summaries[0].Preview)
		}
	})

	testContext.Run("get version returns payload", func(t *testing.T) {
		version, err := store.GetVersion(ctx, appended[0])
		if err != nil {
			t.Fatalf("get version failed: %v", err)
		}
		if string(version.Snapshot) != "v1-payload" {
			t.Fatalf("unexpected payload %q", string(version.Snapshot))
		}
		if version.DocumentID != documentID {
			t.Fatalf("unexpected document id %s", version.DocumentID)
		}
	})

	testContext.Run("missing version is not found", func(t *testing.T) {
		_, err := store.GetVersion(ctx, VersionID("missing"))
		if !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
		var serviceErr *ServiceError
		if !errors.As(err, &serviceErr) || serviceErr.Code() != "snapshots.get_version.not_found" {
			t.Fatalf("expected service error code, got %v", err)
		}
	})

	testContext.Run("retention keeps newest and latest snapshot", func(t *testing.T) {
		deleted, err := store.DeleteVersions(ctx, documentID, RetentionRule{KeepNewest: 1})
		if err != nil {
			t.Fatalf("delete versions failed: %v", err)
		}
		if deleted != 2 {
			t.Fatalf("expected 2 deleted versions, got %d", deleted)
		}
		summaries, err := store.ListVersions(ctx, documentID)
		if err != nil {
			t.Fatalf("list versions failed: %v", err)
		}
		if len(summaries) != 1 || summaries[0].ID != appended[2] {
			t.Fatalf("expected only the newest version to remain, got %#v", summaries)
		}
		if _, err := store.GetVersion(ctx, appended[0]); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected deleted version to be gone, got %v", err)
		}
		others, err := store.ListVersions(ctx, otherDocumentID)
		if err != nil || len(others) != 1 {
			t.Fatalf("expected other document versions untouched, got %d err=%v", len(others), err)
		}

		deleted, err = store.DeleteVersions(ctx, documentID, RetentionRule{})
		if err != nil || deleted != 1 {
			t.Fatalf("expected remaining version deleted, got %d err=%v", deleted, err)
		}
		if _, found, err := store.GetLatest(ctx, documentID); err != nil || !found {
			t.Fatalf("expected latest snapshot preserved, found=%v err=%v", found, err)
		}
	})

	testContext.Run("empty payloads are rejected", func(t *testing.T) {
		err := store.PutLatest(ctx, documentID, Snapshot{})
		if !errors.Is(err, ErrInvalidSnapshotShape) {
			t.Fatalf("expected ErrInvalidSnapshotShape, got %v", err)
		}
		_, err = store.AppendVersion(ctx, NewVersion{DocumentID: documentID})
		if !errors.Is(err, ErrInvalidSnapshotShape) {
			t.Fatalf("expected ErrInvalidSnapshotShape, got %v", err)
		}
	})
}

func TestRetentionRuleSelects(t *testing.T) {
	cutoff := time.Unix(1700000100, 0)
	older := VersionSummary{CreatedAt: cutoff.Add(-time.Minute)}
	newer := VersionSummary{CreatedAt: cutoff.Add(time.Minute)}

	rule := RetentionRule{KeepNewest: 2, CreatedBefore: cutoff}
	if rule.Selects(1, older) {
		t.Fatalf("expected newest versions to be kept")
	}
	if !rule.Selects(2, older) {
		t.Fatalf("expected old version past keep window to be selected")
	}
	if rule.Selects(3, newer) {
		t.Fatalf("expected recent version to be kept")
	}
	if !(RetentionRule{}).Selects(0, newer) {
		t.Fatalf("expected zero rule to select everything")
	}
}

func TestTruncatePreview(t *testing.T) {
	if got := TruncatePreview("héllo wörld", 5); got != "héllo" {
		t.Fatalf("unexpected preview %q", got)
	}
	if got := TruncatePreview("short", 10); got != "short" {
		t.Fatalf("unexpected preview %q", got)
	}
	if got := TruncatePreview("anything", 0); got != "" {
		t.Fatalf("unexpected preview %q", got)
	}
}

func TestNewDocumentIDValidation(t *testing.T) {
	if _, err := NewDocumentID("   "); !errors.Is(err, ErrInvalidDocumentID) {
		t.Fatalf("expected empty id to be rejected, got %v", err)
	}
	if _, err := NewDocumentID("doc\x00id"); !errors.Is(err, ErrInvalidDocumentID) {
		t.Fatalf("expected control characters to be rejected, got %v", err)
	}
	id, err := NewDocumentID("  doc-123 ")
	if err != nil || id != "doc-123" {
		t.Fatalf("expected trimmed id, got %q err=%v", id, err)
	}
}
