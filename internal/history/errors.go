package history

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
)

var (
	// ErrDecodeFailure indicates a stored snapshot that carries the snapshot
	// header but cannot be decoded.
	ErrDecodeFailure = errors.New("history: snapshot decode failure")
	errMissingStore  = errors.New("history: snapshot store is required")
	errMissingDocs   = errors.New("history: document opener is required")
)

const (
	opList             = "history.list_versions"
	opFetch            = "history.fetch_version"
	opPreview          = "history.preview"
	opRestore          = "history.restore"
	opCompare          = "history.compare"
	opCleanup          = "history.cleanup"
	reasonStore        = "store_failed"
	reasonDecode       = "decode_failed"
	reasonWrongDoc     = "version_of_other_document"
	reasonOpenDocument = "open_document_failed"
	reasonApply        = "apply_failed"
	reasonDiff         = "diff_failed"
	fieldDocumentID    = "document_id"
	fieldVersionID     = "version_id"
)

func wrap(operation, reason string, cause error) error {
	return fmt.Errorf("%s.%s: %w", operation, reason, cause)
}

func logError(logger *zap.Logger, operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	logger.Error("history workflow error", attrs...)
}
