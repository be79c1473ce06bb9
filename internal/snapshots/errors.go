package snapshots

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

// ServiceError carries a stable "<operation>.<reason>" code alongside its cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the stable error code.
func (e *ServiceError) Code() string {
	return e.code
}

const (
	opStoreNew        = "snapshots.store.new"
	opPutLatest       = "snapshots.put_latest"
	opGetLatest       = "snapshots.get_latest"
	opAppendVersion   = "snapshots.append_version"
	opListVersions    = "snapshots.list_versions"
	opGetVersion      = "snapshots.get_version"
	opDeleteVersions  = "snapshots.delete_versions"
	reasonMissingDB   = "missing_database"
	reasonIDFailed    = "id_generation_failed"
	reasonWriteFailed = "write_failed"
	reasonReadFailed  = "read_failed"
	reasonNotFound    = "not_found"
	reasonBadShape    = "invalid_snapshot_shape"
	reasonEncodeMeta  = "metadata_encode_failed"
	reasonDecodeMeta  = "metadata_decode_failed"
	fieldDocumentID   = "document_id"
	fieldVersionID    = "version_id"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

func unavailable(cause error) error {
	return fmt.Errorf("%w: %w", ErrStorageUnavailable, cause)
}

func logError(logger *zap.Logger, operation, reason string, err error, fields ...zap.Field) {
	if logger == nil {
		logger = noOpLogger
	}
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	logger.Error("snapshot store error", attrs...)
}
