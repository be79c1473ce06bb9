package server

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/scribe/internal/history"
	"github.com/MarcoPoloResearchLab/scribe/internal/sessions"
	"github.com/MarcoPoloResearchLab/scribe/internal/snapshots"
	"github.com/MarcoPoloResearchLab/scribe/internal/textcrdt"
	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type serverFixture struct {
	store    *snapshots.SQLStore
	registry *sessions.Registry
	handler  http.Handler
}

func newServerFixture(testContext *testing.T, typingIdle time.Duration) serverFixture {
	testContext.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", testContext.Name())
	database, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	if err := database.AutoMigrate(&snapshots.LatestSnapshot{}, &snapshots.VersionRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}
	store, err := snapshots.NewSQLStore(snapshots.SQLStoreConfig{Database: database})
	if err != nil {
		testContext.Fatalf("failed to create store: %v", err)
	}

	dispatcher := NewRealtimeDispatcher()
	registry := sessions.NewRegistry(sessions.RegistryConfig{
		Loader: store,
		Hooks:  []sessions.LifecycleHook{dispatcher},
	})
	historyService, err := history.NewService(history.ServiceConfig{
		Store:         store,
		Documents:     registry,
		MaxDiffTokens: 200,
	})
	if err != nil {
		testContext.Fatalf("failed to create history service: %v", err)
	}
	handler, err := NewHTTPHandler(Dependencies{
		Registry:   registry,
		History:    historyService,
		Dispatcher: dispatcher,
		TypingIdle: typingIdle,
	})
	if err != nil {
		testContext.Fatalf("failed to build handler: %v", err)
	}
	testContext.Cleanup(func() {
		_ = registry.Close(context.Background())
	})
	return serverFixture{store: store, registry: registry, handler: handler}
}

func (f serverFixture) appendText(testContext *testing.T, documentID, text string) snapshots.VersionID {
	testContext.Helper()
	doc := textcrdt.NewDoc()
	if err := doc.ReplaceText("seed", text); err != nil {
		testContext.Fatalf("seed failed: %v", err)
	}
	return f.appendRaw(testContext, documentID, doc.EncodeState())
}

func (f serverFixture) appendRaw(testContext *testing.T, documentID string, payload []byte) snapshots.VersionID {
	testContext.Helper()
	snapshot, err := snapshots.NewSnapshot(payload)
	if err != nil {
		testContext.Fatalf("snapshot failed: %v", err)
	}
	versionID, err := f.store.AppendVersion(context.Background(), snapshots.NewVersion{
		DocumentID: snapshots.DocumentID(documentID),
		Snapshot:   snapshot,
	})
	if err != nil {
		testContext.Fatalf("append failed: %v", err)
	}
	return versionID
}
