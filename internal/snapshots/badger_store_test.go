package snapshots

import (
	"context"
	"testing"
)

func TestBadgerStoreContract(testContext *testing.T) {
	store := mustBadgerStore(testContext)
	exerciseStoreContract(testContext, store)
}

func TestBadgerStorePersistsAcrossReopen(testContext *testing.T) {
	directory := testContext.TempDir()
	documentID := mustDocumentID(testContext, "doc-durable")

	first, err := OpenBadgerStore(BadgerConfig{Path: directory})
	if err != nil {
		testContext.Fatalf("failed to open badger store: %v", err)
	}
	if err := first.PutLatest(context.Background(), documentID, mustSnapshot(testContext, "durable")); err != nil {
		testContext.Fatalf("put latest failed: %v", err)
	}
	versionID, err := first.AppendVersion(context.Background(), NewVersion{DocumentID: documentID, Snapshot: mustSnapshot(testContext, "history")})
	if err != nil {
		testContext.Fatalf("append version failed: %v", err)
	}
	if err := first.Close(); err != nil {
		testContext.Fatalf("close failed: %v", err)
	}

	second, err := OpenBadgerStore(BadgerConfig{Path: directory})
	if err != nil {
		testContext.Fatalf("failed to reopen badger store: %v", err)
	}
	defer second.Close()

	snapshot, found, err := second.GetLatest(context.Background(), documentID)
	if err != nil || !found || string(snapshot) != "durable" {
		testContext.Fatalf("expected durable latest snapshot, got %q found=%v err=%v", string(snapshot), found, err)
	}
	version, err := second.GetVersion(context.Background(), versionID)
	if err != nil || string(version.Snapshot) != "history" {
		testContext.Fatalf("expected durable version, got %v", err)
	}
}

func mustBadgerStore(testContext *testing.T) *BadgerStore {
	testContext.Helper()
	clock := newSteppingClock()
	store, err := OpenBadgerStore(BadgerConfig{
		InMemory:   true,
		Clock:      clock.Now,
		IDProvider: &sequentialIDProvider{},
	})
	if err != nil {
		testContext.Fatalf("failed to open badger store: %v", err)
	}
	testContext.Cleanup(func() {
		_ = store.Close()
	})
	return store
}
