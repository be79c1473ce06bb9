package sessions

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
)

var (
	// ErrUnknownHandle indicates a handle that was never issued or has already left.
	ErrUnknownHandle = errors.New("sessions: unknown handle")
	// ErrClientAlreadyJoined indicates a second join with a client id already present on the document.
	ErrClientAlreadyJoined = errors.New("sessions: client already joined")
	// ErrRegistryClosed indicates the registry has been shut down.
	ErrRegistryClosed = errors.New("sessions: registry closed")
	// ErrCorruptSnapshot indicates that the stored latest snapshot could not be decoded.
	ErrCorruptSnapshot = errors.New("sessions: corrupt latest snapshot")
)

const (
	opLoad          = "sessions.load"
	opTeardown      = "sessions.teardown"
	reasonReadFail  = "read_failed"
	reasonDecode    = "decode_failed"
	reasonHookError = "hook_failed"
	fieldDocumentID = "document_id"
)

func logError(logger *zap.Logger, operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	logger.Error("session registry error", attrs...)
}

func wrapLoadError(reason string, cause error) error {
	return fmt.Errorf("%s.%s: %w", opLoad, reason, cause)
}
