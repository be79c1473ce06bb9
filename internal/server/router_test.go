package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MarcoPoloResearchLab/scribe/internal/diff"
	"github.com/MarcoPoloResearchLab/scribe/internal/sessions"
	"github.com/MarcoPoloResearchLab/scribe/internal/textcrdt"
)

func performRequest(handler http.Handler, method, target string) *httptest.ResponseRecorder {
	request := httptest.NewRequest(method, target, http.NoBody)
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	return recorder
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder, target interface{}) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), target); err != nil {
		t.Fatalf("failed to decode body %q: %v", recorder.Body.String(), err)
	}
}

func TestHistoryListingIsNewestFirstWithoutPayload(t *testing.T) {
	fixture := newServerFixture(t, 0)
	first := fixture.appendText(t, "doc-list", "first")
	second := fixture.appendText(t, "doc-list", "second")

	recorder := performRequest(fixture.handler, http.MethodGet, "/history/doc-list")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", recorder.Code)
	}
	var listing []map[string]interface{}
	decodeBody(t, recorder, &listing)
	if len(listing) != 2 {
		t.Fatalf("expected 2 versions, got %d", len(listing))
	}
	if listing[0]["id"] != second.String() || listing[1]["id"] != first.String() {
		t.Fatalf("expected newest first, got %v", listing)
	}
	for _, entry := range listing {
		if _, ok := entry["snapshot"]; ok {
			t.Fatalf("expected listing without payload")
		}
		if entry["snapshotSize"].(float64) <= 0 {
			t.Fatalf("expected snapshot size, got %v", entry["snapshotSize"])
		}
	}
}

func TestHistoryFetchReturnsBase64Snapshot(t *testing.T) {
	fixture := newServerFixture(t, 0)
	versionID := fixture.appendText(t, "doc-fetch", "stored text")

	recorder := performRequest(fixture.handler, http.MethodGet, "/history/restore/"+versionID.String())
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", recorder.Code)
	}
	var payload versionSnapshotPayload
	decodeBody(t, recorder, &payload)
	doc, err := textcrdt.FromSnapshot(payload.Snapshot)
	if err != nil {
		t.Fatalf("failed to decode snapshot: %v", err)
	}
	if doc.Text() != "stored text" {
		t.Fatalf("unexpected text %q", doc.Text())
	}

	missing := performRequest(fixture.handler, http.MethodGet, "/history/restore/does-not-exist")
	if missing.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", missing.Code)
	}
}

func TestHistoryPreviewMapsDecodeErrors(t *testing.T) {
	fixture := newServerFixture(t, 0)
	good := fixture.appendText(t, "doc-preview", "preview me")
	foreign := fixture.appendRaw(t, "doc-preview", []byte("plain text payload"))

	recorder := performRequest(fixture.handler, http.MethodGet, "/history/preview/"+good.String())
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", recorder.Code)
	}
	var preview versionPreviewPayload
	decodeBody(t, recorder, &preview)
	if preview.Text != "preview me" {
		t.Fatalf("unexpected preview %q", preview.Text)
	}

	recorder = performRequest(fixture.handler, http.MethodGet, "/history/preview/"+foreign.String())
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", recorder.Code)
	}
	var failure map[string]string
	decodeBody(t, recorder, &failure)
	if failure["error"] != "invalid_snapshot_format" {
		t.Fatalf("unexpected error body %v", failure)
	}
}

func TestRestoreEndpointUpdatesLiveDocument(t *testing.T) {
	fixture := newServerFixture(t, 0)
	versionID := fixture.appendText(t, "doc-restore", "from history")
	handle, err := fixture.registry.Join(context.Background(), "doc-restore", sessions.ClientIdentity{ClientID: "alice"})
	if err != nil {
		t.Fatalf("join failed: %v", err)
	}
	if err := handle.Document().Doc().ReplaceText("alice", "current"); err != nil {
		t.Fatalf("edit failed: %v", err)
	}

	recorder := performRequest(fixture.handler, http.MethodPost, "/documents/doc-restore/restore/"+versionID.String())
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var result restorePayload
	decodeBody(t, recorder, &result)
	if !result.Restored || handle.Document().Doc().Text() != "from history" {
		t.Fatalf("expected live document restored, got %#v / %q", result, handle.Document().Doc().Text())
	}

	recorder = performRequest(fixture.handler, http.MethodPost, "/documents/doc-restore/restore/"+versionID.String())
	decodeBody(t, recorder, &result)
	if result.Restored {
		t.Fatalf("expected second restore to be a no-op")
	}

	recorder = performRequest(fixture.handler, http.MethodPost, "/documents/other-doc/restore/"+versionID.String())
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected status 404 for a foreign version, got %d", recorder.Code)
	}
}

func TestDiffEndpoint(t *testing.T) {
	fixture := newServerFixture(t, 0)
	older := fixture.appendText(t, "doc-diff", "alpha beta")
	newer := fixture.appendText(t, "doc-diff", "alpha gamma")

	recorder := performRequest(fixture.handler, http.MethodGet, "/documents/doc-diff/diff/"+older.String()+"?against="+newer.String())
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", recorder.Code)
	}
	var payload diffPayload
	decodeBody(t, recorder, &payload)
	if diff.OldText(payload.Segments) != "alpha beta" || diff.NewText(payload.Segments) != "alpha gamma" {
		t.Fatalf("unexpected segments %#v", payload.Segments)
	}

	large := fixture.appendText(t, "doc-diff", strings.Repeat("word ", 300))
	recorder = performRequest(fixture.handler, http.MethodGet, "/documents/doc-diff/diff/"+large.String())
	if recorder.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected status 413, got %d", recorder.Code)
	}
}

func TestDeleteVersionsEndpoint(t *testing.T) {
	fixture := newServerFixture(t, 0)
	for _, text := range []string{"one", "two", "three"} {
		fixture.appendText(t, "doc-prune", text)
	}

	recorder := performRequest(fixture.handler, http.MethodDelete, "/documents/doc-prune/versions")
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected unbounded delete to be rejected, got %d", recorder.Code)
	}
	recorder = performRequest(fixture.handler, http.MethodDelete, "/documents/doc-prune/versions?keep=abc")
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected invalid keep to be rejected, got %d", recorder.Code)
	}

	recorder = performRequest(fixture.handler, http.MethodDelete, "/documents/doc-prune/versions?keep=1")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", recorder.Code)
	}
	var payload deletePayload
	decodeBody(t, recorder, &payload)
	if payload.Deleted != 2 {
		t.Fatalf("expected 2 deleted, got %d", payload.Deleted)
	}
}

func TestPresenceEndpoint(t *testing.T) {
	fixture := newServerFixture(t, 0)
	if _, err := fixture.registry.Join(context.Background(), "doc-presence", sessions.ClientIdentity{ClientID: "alice", Name: "Alice"}); err != nil {
		t.Fatalf("join failed: %v", err)
	}
	recorder := performRequest(fixture.handler, http.MethodGet, "/documents/doc-presence/presence")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", recorder.Code)
	}
	var payload presencePayload
	decodeBody(t, recorder, &payload)
	entry, ok := payload.Presence["alice"]
	if !ok || entry.Name != "Alice" || entry.Typing {
		t.Fatalf("unexpected presence %#v", payload.Presence)
	}
}

func TestHealthAndMetricsEndpoints(t *testing.T) {
	fixture := newServerFixture(t, 0)
	if recorder := performRequest(fixture.handler, http.MethodGet, "/healthz"); recorder.Code != http.StatusOK {
		t.Fatalf("expected healthz 200, got %d", recorder.Code)
	}
	recorder := performRequest(fixture.handler, http.MethodGet, "/metrics")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected metrics 200, got %d", recorder.Code)
	}
	if !strings.Contains(recorder.Body.String(), "scribe_sessions_live_documents") {
		t.Fatalf("expected session metrics to be exported")
	}
}

func TestCORSPreflight(t *testing.T) {
	fixture := newServerFixture(t, 0)
	request := httptest.NewRequest(http.MethodOptions, "/documents/doc-1/versions", http.NoBody)
	request.Header.Set("Origin", "https://editor.example.com")
	request.Header.Set("Access-Control-Request-Method", http.MethodDelete)

	recorder := httptest.NewRecorder()
	fixture.handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected status %d, got %d", http.StatusNoContent, recorder.Code)
	}
	if !strings.Contains(recorder.Header().Get("Access-Control-Allow-Methods"), http.MethodDelete) {
		t.Fatalf("expected DELETE to be allowed, got %q", recorder.Header().Get("Access-Control-Allow-Methods"))
	}
}

func TestNewHTTPHandlerValidatesDependencies(t *testing.T) {
	if _, err := NewHTTPHandler(Dependencies{}); err != errMissingRegistry {
		t.Fatalf("expected missing registry error, got %v", err)
	}
}
