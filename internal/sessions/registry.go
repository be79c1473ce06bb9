// Package sessions keeps one live document per document id and tracks the
// presence of the clients connected to it.
package sessions

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/scribe/internal/snapshots"
	"github.com/MarcoPoloResearchLab/scribe/internal/textcrdt"
	"github.com/segmentio/ksuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// SnapshotLoader reads the latest stored snapshot of a document.
type SnapshotLoader interface {
	GetLatest(ctx context.Context, documentID snapshots.DocumentID) (snapshots.Snapshot, bool, error)
}

// RegistryConfig describes the dependencies of a Registry.
type RegistryConfig struct {
	Loader           SnapshotLoader
	Hooks            []LifecycleHook
	EvictOnLastLeave bool
	Clock            func() time.Time
	Logger           *zap.Logger
}

// Registry owns the live documents of the process.
type Registry struct {
	loader SnapshotLoader
	hooks  []LifecycleHook
	evict  bool
	clock  func() time.Time
	logger *zap.Logger

	loads singleflight.Group

	mu          sync.Mutex
	documents   map[snapshots.DocumentID]*LiveDocument
	closing     map[snapshots.DocumentID]chan struct{}
	watchers    map[snapshots.DocumentID]map[int64]PresenceWatcher
	nextWatcher int64
	closed      bool
}

// NewRegistry constructs an empty Registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		loader:    cfg.Loader,
		hooks:     append([]LifecycleHook(nil), cfg.Hooks...),
		evict:     cfg.EvictOnLastLeave,
		clock:     clock,
		logger:    logger,
		documents: make(map[snapshots.DocumentID]*LiveDocument),
		closing:   make(map[snapshots.DocumentID]chan struct{}),
		watchers:  make(map[snapshots.DocumentID]map[int64]PresenceWatcher),
	}
}

// Handle is a joined client's access to its document.
type Handle struct {
	registry *Registry
	document *LiveDocument
	clientID string
	active   atomic.Bool
}

// DocumentID returns the id of the joined document.
func (h *Handle) DocumentID() snapshots.DocumentID {
	return h.document.id
}

// ClientID returns the client id assigned at join.
func (h *Handle) ClientID() string {
	return h.clientID
}

// Document returns the joined live document.
func (h *Handle) Document() *LiveDocument {
	return h.document
}

// ApplyUpdate applies a client update to the live document, tagged with the client id.
func (h *Handle) ApplyUpdate(update []byte) error {
	if !h.active.Load() {
		return ErrUnknownHandle
	}
	return h.document.doc.ApplyUpdate(update, h.clientID)
}

// EncodeState returns the full state of the live document.
func (h *Handle) EncodeState() []byte {
	return h.document.doc.EncodeState()
}

// Join registers a client against a document, creating the live state on first join.
func (r *Registry) Join(ctx context.Context, documentID snapshots.DocumentID, identity ClientIdentity) (*Handle, error) {
	identity = normalizeIdentity(identity)
	presence := Presence{
		ClientID:   identity.ClientID,
		Name:       identity.Name,
		Color:      identity.Color,
		LastUpdate: r.clock(),
	}
	document, err := r.acquire(ctx, documentID, func(document *LiveDocument) error {
		if _, exists := document.clients[identity.ClientID]; exists {
			return ErrClientAlreadyJoined
		}
		document.clients[identity.ClientID] = presence
		return nil
	})
	if err != nil {
		return nil, err
	}
	metricConnectedClients.Inc()

	handle := &Handle{registry: r, document: document, clientID: identity.ClientID}
	handle.active.Store(true)
	r.broadcast(document, "")
	return handle, nil
}

// Leave removes the client's presence and, when eviction is enabled and no
// one else holds the document, tears the live state down after the lifecycle
// hooks have flushed it. The teardown is not bound to ctx cancellation.
func (r *Registry) Leave(ctx context.Context, handle *Handle) error {
	if handle == nil || handle.registry != r || !handle.active.CompareAndSwap(true, false) {
		return ErrUnknownHandle
	}
	document := handle.document

	r.mu.Lock()
	delete(document.clients, handle.clientID)
	teardown := r.detachLocked(document)
	r.mu.Unlock()
	metricConnectedClients.Dec()

	r.broadcast(document, "")
	if teardown {
		return r.teardown(context.WithoutCancel(ctx), document)
	}
	return nil
}

// SetPresence merges patch into the caller's presence record and notifies
// every watcher of the document. The change carries the caller as Source so
// the caller's own connection can skip it.
func (r *Registry) SetPresence(handle *Handle, patch PresencePatch) (Presence, error) {
	if handle == nil || handle.registry != r || !handle.active.Load() {
		return Presence{}, ErrUnknownHandle
	}
	document := handle.document

	r.mu.Lock()
	current, ok := document.clients[handle.clientID]
	if !ok {
		r.mu.Unlock()
		return Presence{}, ErrUnknownHandle
	}
	merged := current.merge(patch, r.clock())
	document.clients[handle.clientID] = merged
	r.mu.Unlock()

	r.broadcast(document, handle.clientID)
	return merged.clone(), nil
}

// OnPresenceChanged registers a watcher for a document id. The registration
// outlives any single live state of the document. The returned function removes it.
func (r *Registry) OnPresenceChanged(documentID snapshots.DocumentID, watcher PresenceWatcher) func() {
	r.mu.Lock()
	r.nextWatcher++
	watcherID := r.nextWatcher
	if _, ok := r.watchers[documentID]; !ok {
		r.watchers[documentID] = make(map[int64]PresenceWatcher)
	}
	r.watchers[documentID][watcherID] = watcher
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			watchers := r.watchers[documentID]
			delete(watchers, watcherID)
			if len(watchers) == 0 {
				delete(r.watchers, documentID)
			}
		})
	}
}

// Presence returns the current presence mapping of a document. A document that
// is not live has no presence.
func (r *Registry) Presence(documentID snapshots.DocumentID) map[string]Presence {
	r.mu.Lock()
	defer r.mu.Unlock()
	document, ok := r.documents[documentID]
	if !ok {
		return map[string]Presence{}
	}
	return copyPresence(document.clients)
}

// Open pins the live state of a document without joining it as a client,
// loading it if needed. The release function drops the pin.
func (r *Registry) Open(ctx context.Context, documentID snapshots.DocumentID) (*LiveDocument, func(context.Context) error, error) {
	document, err := r.acquire(ctx, documentID, func(document *LiveDocument) error {
		document.pins++
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	var released atomic.Bool
	release := func(releaseCtx context.Context) error {
		if !released.CompareAndSwap(false, true) {
			return nil
		}
		r.mu.Lock()
		document.pins--
		teardown := r.detachLocked(document)
		r.mu.Unlock()
		if teardown {
			return r.teardown(context.WithoutCancel(releaseCtx), document)
		}
		return nil
	}
	return document, release, nil
}

// Documents returns the live documents.
func (r *Registry) Documents() []*LiveDocument {
	r.mu.Lock()
	defer r.mu.Unlock()
	documents := make([]*LiveDocument, 0, len(r.documents))
	for _, document := range r.documents {
		documents = append(documents, document)
	}
	return documents
}

// Close tears down every live document concurrently and rejects further joins.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	documents := make([]*LiveDocument, 0, len(r.documents))
	for documentID, document := range r.documents {
		documents = append(documents, document)
		r.closing[documentID] = make(chan struct{})
		delete(r.documents, documentID)
	}
	r.mu.Unlock()

	group, groupCtx := errgroup.WithContext(ctx)
	for _, document := range documents {
		group.Go(func() error {
			return r.teardown(groupCtx, document)
		})
	}
	return group.Wait()
}

func (r *Registry) acquire(ctx context.Context, documentID snapshots.DocumentID, attach func(*LiveDocument) error) (*LiveDocument, error) {
	for {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return nil, ErrRegistryClosed
		}
		if document, ok := r.documents[documentID]; ok {
			err := attach(document)
			r.mu.Unlock()
			if err != nil {
				return nil, err
			}
			return document, nil
		}
		if wait, ok := r.closing[documentID]; ok {
			r.mu.Unlock()
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		r.mu.Unlock()

		_, err, _ := r.loads.Do(documentID.String(), func() (interface{}, error) {
			return nil, r.load(ctx, documentID)
		})
		if err != nil {
			return nil, err
		}
	}
}

func (r *Registry) load(ctx context.Context, documentID snapshots.DocumentID) error {
	r.mu.Lock()
	_, live := r.documents[documentID]
	_, closing := r.closing[documentID]
	r.mu.Unlock()
	if live || closing {
		return nil
	}

	doc := textcrdt.NewDoc()
	fromSnapshot := false
	if r.loader != nil {
		snapshot, found, err := r.loader.GetLatest(ctx, documentID)
		if err != nil {
			logError(r.logger, opLoad, reasonReadFail, err, zap.String(fieldDocumentID, documentID.String()))
			return wrapLoadError(reasonReadFail, err)
		}
		if found {
			decoded, decodeErr := textcrdt.FromSnapshot(snapshot.Bytes())
			if decodeErr != nil {
				logError(r.logger, opLoad, reasonDecode, decodeErr, zap.String(fieldDocumentID, documentID.String()))
				return wrapLoadError(reasonDecode, errors.Join(ErrCorruptSnapshot, decodeErr))
			}
			doc = decoded
			fromSnapshot = true
		}
	}

	document := newLiveDocument(documentID, doc, r.clock(), fromSnapshot)
	for _, hook := range r.hooks {
		hook.DocumentOpened(document)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		metricLiveDocuments.Inc()
		return errors.Join(ErrRegistryClosed, r.teardown(context.WithoutCancel(ctx), document))
	}
	r.documents[documentID] = document
	r.mu.Unlock()

	metricLiveDocuments.Inc()
	if fromSnapshot {
		metricDocumentLoads.WithLabelValues("snapshot").Inc()
	} else {
		metricDocumentLoads.WithLabelValues("empty").Inc()
	}
	r.logger.Debug("live document created",
		zap.String(fieldDocumentID, documentID.String()),
		zap.Bool("from_snapshot", fromSnapshot),
	)
	return nil
}

func (r *Registry) detachLocked(document *LiveDocument) bool {
	if !r.evict || len(document.clients) > 0 || document.pins > 0 {
		return false
	}
	if current, ok := r.documents[document.id]; !ok || current != document {
		return false
	}
	delete(r.documents, document.id)
	r.closing[document.id] = make(chan struct{})
	return true
}

func (r *Registry) teardown(ctx context.Context, document *LiveDocument) error {
	var errs []error
	for index := len(r.hooks) - 1; index >= 0; index-- {
		if err := r.hooks[index].DocumentClosed(ctx, document); err != nil {
			logError(r.logger, opTeardown, reasonHookError, err, zap.String(fieldDocumentID, document.id.String()))
			errs = append(errs, err)
		}
	}

	r.mu.Lock()
	if wait, ok := r.closing[document.id]; ok {
		delete(r.closing, document.id)
		close(wait)
	}
	r.mu.Unlock()

	metricLiveDocuments.Dec()
	r.logger.Debug("live document torn down", zap.String(fieldDocumentID, document.id.String()))
	return errors.Join(errs...)
}

func (r *Registry) broadcast(document *LiveDocument, source string) {
	document.broadcastMu.Lock()
	defer document.broadcastMu.Unlock()

	r.mu.Lock()
	presence := copyPresence(document.clients)
	registered := r.watchers[document.id]
	watchers := make([]PresenceWatcher, 0, len(registered))
	for _, watcher := range registered {
		watchers = append(watchers, watcher)
	}
	r.mu.Unlock()

	change := PresenceChange{
		DocumentID: document.id.String(),
		Source:     source,
		Presence:   presence,
	}
	for _, watcher := range watchers {
		watcher(change)
	}
}

func normalizeIdentity(identity ClientIdentity) ClientIdentity {
	identity.ClientID = strings.TrimSpace(identity.ClientID)
	if identity.ClientID == "" {
		identity.ClientID = ksuid.New().String()
	}
	identity.Name = strings.TrimSpace(identity.Name)
	if identity.Name == "" {
		identity.Name = defaultClientName
	}
	identity.Color = strings.TrimSpace(identity.Color)
	if identity.Color == "" {
		identity.Color = ColorFor(identity.ClientID)
	}
	return identity
}

func copyPresence(source map[string]Presence) map[string]Presence {
	copied := make(map[string]Presence, len(source))
	for clientID, presence := range source {
		copied[clientID] = presence.clone()
	}
	return copied
}
