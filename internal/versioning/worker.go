package versioning

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/scribe/internal/sessions"
	"github.com/MarcoPoloResearchLab/scribe/internal/snapshots"
	"github.com/MarcoPoloResearchLab/scribe/internal/textcrdt"
	"go.uber.org/zap"
)

const (
	opEvaluate        = "versioning.evaluate"
	opFlushLatest     = "versioning.flush_latest"
	reasonSaveFailed  = "append_failed"
	reasonFlushFailed = "put_latest_failed"
	reasonBadSnapshot = "invalid_snapshot"
	fieldDocumentID   = "document_id"
)

// WorkerConfig describes one document's versioning worker.
type WorkerConfig struct {
	Document         *sessions.LiveDocument
	Store            snapshots.Store
	MinInterval      time.Duration
	SnapshotInterval time.Duration
	SaveTimeout      time.Duration
	PreviewLength    int
	Clock            func() time.Time
	Logger           *zap.Logger
}

// Worker evaluates change events of one live document one at a time and
// periodically flushes the document's latest snapshot.
type Worker struct {
	document         *sessions.LiveDocument
	store            snapshots.Store
	policy           *Policy
	snapshotInterval time.Duration
	saveTimeout      time.Duration
	previewLength    int
	clock            func() time.Time
	logger           *zap.Logger

	signal      chan struct{}
	stop        chan struct{}
	done        chan struct{}
	unsubscribe func()
	startOnce   sync.Once
	stopOnce    sync.Once
	stopErr     error
}

// NewWorker builds a worker whose policy baseline is the document as loaded.
func NewWorker(cfg WorkerConfig) *Worker {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	saveTimeout := cfg.SaveTimeout
	if saveTimeout <= 0 {
		saveTimeout = defaultSaveTimeout
	}
	return &Worker{
		document:         cfg.Document,
		store:            cfg.Store,
		policy:           NewPolicy(cfg.MinInterval, cfg.Document.LoadedAt(), cfg.Document.Doc().Text()),
		snapshotInterval: cfg.SnapshotInterval,
		saveTimeout:      saveTimeout,
		previewLength:    cfg.PreviewLength,
		clock:            clock,
		logger:           logger.With(zap.String(fieldDocumentID, cfg.Document.ID().String())),
		signal:           make(chan struct{}, 1),
		stop:             make(chan struct{}),
		done:             make(chan struct{}),
	}
}

// Start subscribes to the document's change events and runs the worker loop.
func (w *Worker) Start() {
	w.startOnce.Do(func() {
		w.unsubscribe = w.document.Doc().OnChange(func(textcrdt.ChangeEvent) {
			w.Notify()
		})
		go w.run()
	})
}

// Notify schedules an evaluation. Bursts of notifications coalesce into one.
func (w *Worker) Notify() {
	select {
	case w.signal <- struct{}{}:
	default:
	}
}

// Stop ends the loop, gives the policy one last evaluation and flushes the
// latest snapshot.
func (w *Worker) Stop(ctx context.Context) error {
	w.stopOnce.Do(func() {
		started := false
		w.startOnce.Do(func() {})
		if w.unsubscribe != nil {
			w.unsubscribe()
			started = true
		}
		close(w.stop)
		if started {
			<-w.done
		}
		_, evaluateErr := w.Evaluate(ctx)
		flushErr := w.FlushLatest(ctx)
		w.stopErr = errors.Join(evaluateErr, flushErr)
	})
	return w.stopErr
}

func (w *Worker) run() {
	defer close(w.done)
	var tick <-chan time.Time
	if w.snapshotInterval > 0 {
		ticker := time.NewTicker(w.snapshotInterval)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case <-w.stop:
			return
		case <-w.signal:
			_, _ = w.Evaluate(context.Background())
		case <-tick:
			_ = w.FlushLatest(context.Background())
		}
	}
}

// Evaluate runs the save policy against the current state of the document.
// A failed save is logged and leaves the policy untouched, so the next
// qualifying change retries it.
func (w *Worker) Evaluate(ctx context.Context) (Decision, error) {
	var decision Decision
	err := w.document.Serialize(func() error {
		now := w.clock()
		if !w.policy.Due(now) {
			decision = DecisionDebounced
			metricVersionsSkipped.WithLabelValues(string(decision)).Inc()
			return nil
		}
		state, text := w.document.Doc().Capture()
		decision = w.policy.Evaluate(now, text)
		if decision != DecisionSave {
			metricVersionsSkipped.WithLabelValues(string(decision)).Inc()
			return nil
		}

		snapshot, err := snapshots.NewSnapshot(state)
		if err != nil {
			w.logError(opEvaluate, reasonBadSnapshot, err)
			return err
		}
		saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.saveTimeout)
		defer cancel()
		versionID, err := w.store.AppendVersion(saveCtx, snapshots.NewVersion{
			DocumentID: w.document.ID(),
			Snapshot:   snapshot,
			Preview:    snapshots.TruncatePreview(text, w.previewLength),
		})
		if err != nil {
			metricSaveFailures.Inc()
			w.logError(opEvaluate, reasonSaveFailed, err)
			return err
		}
		w.policy.Record(now, text)
		metricVersionsSaved.Inc()
		w.logger.Info("version saved", zap.String("version_id", versionID.String()), zap.Int64("size_bytes", snapshot.Size()))
		return nil
	})
	return decision, err
}

// FlushLatest overwrites the document's latest snapshot with its current state.
func (w *Worker) FlushLatest(ctx context.Context) error {
	snapshot, err := snapshots.NewSnapshot(w.document.Doc().EncodeState())
	if err != nil {
		w.logError(opFlushLatest, reasonBadSnapshot, err)
		return err
	}
	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.saveTimeout)
	defer cancel()
	if err := w.store.PutLatest(flushCtx, w.document.ID(), snapshot); err != nil {
		metricLatestFailures.Inc()
		w.logError(opFlushLatest, reasonFlushFailed, err)
		return err
	}
	metricLatestWrites.Inc()
	return nil
}

// LastSavedAt reports when the policy last recorded a save.
func (w *Worker) LastSavedAt() time.Time {
	var lastSavedAt time.Time
	_ = w.document.Serialize(func() error {
		lastSavedAt = w.policy.LastSavedAt()
		return nil
	})
	return lastSavedAt
}

func (w *Worker) logError(operation, reason string, err error) {
	w.logger.Error("versioning error",
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	)
}
