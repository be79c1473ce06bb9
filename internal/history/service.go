// Package history materializes stored versions as previews, comparisons and
// restores into the live document.
package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/scribe/internal/diff"
	"github.com/MarcoPoloResearchLab/scribe/internal/sessions"
	"github.com/MarcoPoloResearchLab/scribe/internal/snapshots"
	"github.com/MarcoPoloResearchLab/scribe/internal/textcrdt"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// RestoreOrigin tags the change event produced by a restore.
const RestoreOrigin = "restore"

const tracerName = "github.com/MarcoPoloResearchLab/scribe/internal/history"

// DocumentOpener pins a live document for the duration of a workflow.
type DocumentOpener interface {
	Open(ctx context.Context, documentID snapshots.DocumentID) (*sessions.LiveDocument, func(context.Context) error, error)
}

// ServiceConfig describes the dependencies of a Service.
type ServiceConfig struct {
	Store         snapshots.Store
	Documents     DocumentOpener
	MaxDiffTokens int
	Logger        *zap.Logger
	Tracer        trace.Tracer
}

// Service runs the version history workflows.
type Service struct {
	store         snapshots.Store
	documents     DocumentOpener
	maxDiffTokens int
	logger        *zap.Logger
	tracer        trace.Tracer
}

// Preview is the text of a stored version.
type Preview struct {
	VersionID  snapshots.VersionID
	DocumentID snapshots.DocumentID
	CreatedAt  time.Time
	Text       string
}

// RestoreResult reports the outcome of a restore. Restored is false when the
// live text already matched the version.
type RestoreResult struct {
	Restored bool
	Text     string
}

// NewService validates the configuration and returns a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Documents == nil {
		return nil, errMissingDocs
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	return &Service{
		store:         cfg.Store,
		documents:     cfg.Documents,
		maxDiffTokens: cfg.MaxDiffTokens,
		logger:        logger,
		tracer:        tracer,
	}, nil
}

// ListVersions returns the version metadata of a document, newest first.
func (s *Service) ListVersions(ctx context.Context, documentID snapshots.DocumentID) ([]snapshots.VersionSummary, error) {
	summaries, err := s.store.ListVersions(ctx, documentID)
	if err != nil {
		logError(s.logger, opList, reasonStore, err, zap.String(fieldDocumentID, documentID.String()))
		return nil, wrap(opList, reasonStore, err)
	}
	return summaries, nil
}

// FetchVersion returns one stored version with its payload.
func (s *Service) FetchVersion(ctx context.Context, versionID snapshots.VersionID) (snapshots.Version, error) {
	version, err := s.store.GetVersion(ctx, versionID)
	if err != nil {
		if !errors.Is(err, snapshots.ErrNotFound) {
			logError(s.logger, opFetch, reasonStore, err, zap.String(fieldVersionID, versionID.String()))
		}
		return snapshots.Version{}, wrap(opFetch, reasonStore, err)
	}
	return version, nil
}

// Preview decodes a version into a scratch document and returns its text.
// The live document is never touched.
func (s *Service) Preview(ctx context.Context, versionID snapshots.VersionID) (preview Preview, err error) {
	ctx, span := s.tracer.Start(ctx, opPreview, trace.WithAttributes(attribute.String(fieldVersionID, versionID.String())))
	defer func() { endSpan(span, err) }()

	version, err := s.FetchVersion(ctx, versionID)
	if err != nil {
		return Preview{}, err
	}
	text, err := s.decodeText(opPreview, version)
	if err != nil {
		return Preview{}, err
	}
	return Preview{
		VersionID:  version.ID,
		DocumentID: version.DocumentID,
		CreatedAt:  version.CreatedAt,
		Text:       text,
	}, nil
}

// Restore replaces the live text of a document with the text of one of its
// versions in a single transaction. Nothing is applied when decoding fails.
// The apply step is not bound to ctx cancellation.
func (s *Service) Restore(ctx context.Context, documentID snapshots.DocumentID, versionID snapshots.VersionID) (result RestoreResult, err error) {
	ctx, span := s.tracer.Start(ctx, opRestore, trace.WithAttributes(
		attribute.String(fieldDocumentID, documentID.String()),
		attribute.String(fieldVersionID, versionID.String()),
	))
	defer func() { endSpan(span, err) }()

	text, err := s.versionText(ctx, opRestore, documentID, versionID)
	if err != nil {
		return RestoreResult{}, err
	}

	applyCtx := context.WithoutCancel(ctx)
	document, release, err := s.documents.Open(applyCtx, documentID)
	if err != nil {
		logError(s.logger, opRestore, reasonOpenDocument, err, zap.String(fieldDocumentID, documentID.String()))
		return RestoreResult{}, wrap(opRestore, reasonOpenDocument, err)
	}
	defer func() {
		if releaseErr := release(applyCtx); releaseErr != nil {
			logError(s.logger, opRestore, reasonOpenDocument, releaseErr, zap.String(fieldDocumentID, documentID.String()))
		}
	}()

	restored := false
	err = document.Serialize(func() error {
		if document.Doc().Text() == text {
			return nil
		}
		restored = true
		return document.Doc().ReplaceText(RestoreOrigin, text)
	})
	if err != nil {
		logError(s.logger, opRestore, reasonApply, err, zap.String(fieldDocumentID, documentID.String()))
		return RestoreResult{}, wrap(opRestore, reasonApply, err)
	}
	span.SetAttributes(attribute.Bool("restored", restored))
	if restored {
		s.logger.Info("version restored",
			zap.String(fieldDocumentID, documentID.String()),
			zap.String(fieldVersionID, versionID.String()),
		)
	}
	return RestoreResult{Restored: restored, Text: text}, nil
}

// Compare diffs a version of a document against the live text, or against
// another version of the same document when against is set.
func (s *Service) Compare(ctx context.Context, documentID snapshots.DocumentID, versionID snapshots.VersionID, against *snapshots.VersionID) (segments []diff.Segment, err error) {
	ctx, span := s.tracer.Start(ctx, opCompare, trace.WithAttributes(
		attribute.String(fieldDocumentID, documentID.String()),
		attribute.String(fieldVersionID, versionID.String()),
	))
	defer func() { endSpan(span, err) }()

	oldText, err := s.versionText(ctx, opCompare, documentID, versionID)
	if err != nil {
		return nil, err
	}

	var newText string
	if against != nil {
		newText, err = s.versionText(ctx, opCompare, documentID, *against)
		if err != nil {
			return nil, err
		}
	} else {
		document, release, openErr := s.documents.Open(ctx, documentID)
		if openErr != nil {
			logError(s.logger, opCompare, reasonOpenDocument, openErr, zap.String(fieldDocumentID, documentID.String()))
			return nil, wrap(opCompare, reasonOpenDocument, openErr)
		}
		newText = document.Doc().Text()
		_ = release(ctx)
	}

	if s.maxDiffTokens > 0 {
		segments, err = diff.ComputeLimited(oldText, newText, s.maxDiffTokens)
		if err != nil {
			return nil, wrap(opCompare, reasonDiff, err)
		}
		return segments, nil
	}
	return diff.Compute(oldText, newText), nil
}

// Cleanup deletes versions of a document selected by rule. The latest
// snapshot is never affected.
func (s *Service) Cleanup(ctx context.Context, documentID snapshots.DocumentID, rule snapshots.RetentionRule) (int64, error) {
	deleted, err := s.store.DeleteVersions(ctx, documentID, rule)
	if err != nil {
		logError(s.logger, opCleanup, reasonStore, err, zap.String(fieldDocumentID, documentID.String()))
		return 0, wrap(opCleanup, reasonStore, err)
	}
	s.logger.Info("versions deleted",
		zap.String(fieldDocumentID, documentID.String()),
		zap.Int64("deleted", deleted),
	)
	return deleted, nil
}

func (s *Service) versionText(ctx context.Context, operation string, documentID snapshots.DocumentID, versionID snapshots.VersionID) (string, error) {
	version, err := s.FetchVersion(ctx, versionID)
	if err != nil {
		return "", err
	}
	if version.DocumentID != documentID {
		return "", wrap(operation, reasonWrongDoc, fmt.Errorf("%w: version %s", snapshots.ErrNotFound, versionID))
	}
	return s.decodeText(operation, version)
}

func (s *Service) decodeText(operation string, version snapshots.Version) (string, error) {
	scratch, err := textcrdt.FromSnapshot(version.Snapshot.Bytes())
	if err == nil {
		return scratch.Text(), nil
	}
	logError(s.logger, operation, reasonDecode, err, zap.String(fieldVersionID, version.ID.String()))
	if errors.Is(err, textcrdt.ErrUnknownFormat) {
		return "", wrap(operation, reasonDecode, fmt.Errorf("%w: %w", snapshots.ErrInvalidSnapshotShape, err))
	}
	return "", wrap(operation, reasonDecode, fmt.Errorf("%w: %w", ErrDecodeFailure, err))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
