package versioning

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/scribe/internal/sessions"
	"github.com/MarcoPoloResearchLab/scribe/internal/snapshots"
	"go.uber.org/zap"
)

const (
	defaultMinInterval      = 30 * time.Second
	defaultSnapshotInterval = 10 * time.Second
	defaultSaveTimeout      = 5 * time.Second
	defaultPreviewLength    = 100
)

var errMissingStore = errors.New("versioning: snapshot store is required")

// ManagerConfig describes the dependencies shared by every document worker.
type ManagerConfig struct {
	Store            snapshots.Store
	MinInterval      time.Duration
	SnapshotInterval time.Duration
	SaveTimeout      time.Duration
	PreviewLength    int
	Clock            func() time.Time
	Logger           *zap.Logger
}

// Manager runs one Worker per live document. It is registered with the
// session registry as a lifecycle hook.
type Manager struct {
	cfg ManagerConfig

	mu      sync.Mutex
	workers map[snapshots.DocumentID]*Worker
}

// NewManager validates the configuration and applies defaults.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = defaultMinInterval
	}
	if cfg.SnapshotInterval <= 0 {
		cfg.SnapshotInterval = defaultSnapshotInterval
	}
	if cfg.SaveTimeout <= 0 {
		cfg.SaveTimeout = defaultSaveTimeout
	}
	if cfg.PreviewLength <= 0 {
		cfg.PreviewLength = defaultPreviewLength
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Manager{cfg: cfg, workers: make(map[snapshots.DocumentID]*Worker)}, nil
}

var _ sessions.LifecycleHook = (*Manager)(nil)

// DocumentOpened starts a worker for a new live document.
func (m *Manager) DocumentOpened(document *sessions.LiveDocument) {
	worker := NewWorker(WorkerConfig{
		Document:         document,
		Store:            m.cfg.Store,
		MinInterval:      m.cfg.MinInterval,
		SnapshotInterval: m.cfg.SnapshotInterval,
		SaveTimeout:      m.cfg.SaveTimeout,
		PreviewLength:    m.cfg.PreviewLength,
		Clock:            m.cfg.Clock,
		Logger:           m.cfg.Logger,
	})
	m.mu.Lock()
	m.workers[document.ID()] = worker
	m.mu.Unlock()
	worker.Start()
}

// DocumentClosed stops the document's worker, which flushes a final snapshot.
func (m *Manager) DocumentClosed(ctx context.Context, document *sessions.LiveDocument) error {
	m.mu.Lock()
	worker, ok := m.workers[document.ID()]
	if ok && worker.document == document {
		delete(m.workers, document.ID())
	}
	m.mu.Unlock()
	if !ok || worker.document != document {
		return nil
	}
	return worker.Stop(ctx)
}

// Worker returns the running worker of a live document.
func (m *Manager) Worker(documentID snapshots.DocumentID) (*Worker, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	worker, ok := m.workers[documentID]
	return worker, ok
}
