package snapshots

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	columnDocumentID    = "document_id"
	columnVersionID     = "version_id"
	columnSnapshot      = "snapshot"
	columnUpdatedAt     = "updated_at_ms"
	querySingleDocument = columnDocumentID + " = ?"
	querySingleVersion  = columnVersionID + " = ?"
	queryVersionIDsIn   = columnDocumentID + " = ? AND " + columnVersionID + " IN ?"
	orderNewestFirst    = "created_at_ms DESC, sequence DESC"
	summaryColumns      = "sequence, version_id, document_id, created_at_ms, preview, size_bytes"
)

// SQLStoreConfig describes the dependencies of a SQLStore.
type SQLStoreConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// SQLStore is a Store backed by a gorm database.
type SQLStore struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

// NewSQLStore validates the configuration and returns a SQLStore.
func NewSQLStore(cfg SQLStoreConfig) (*SQLStore, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opStoreNew, reasonMissingDB, errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = NewUUIDProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &SQLStore{
		db:         cfg.Database,
		clock:      clock,
		idProvider: idProvider,
		logger:     logger,
	}, nil
}

// PutLatest upserts the latest snapshot of a document.
func (store *SQLStore) PutLatest(ctx context.Context, documentID DocumentID, snapshot Snapshot) error {
	if len(snapshot) == 0 {
		return newServiceError(opPutLatest, reasonBadShape, ErrInvalidSnapshotShape)
	}
	record := LatestSnapshot{
		DocumentID:      documentID.String(),
		Snapshot:        snapshot.Bytes(),
		UpdatedAtMillis: store.clock().UTC().UnixMilli(),
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: columnDocumentID}},
			DoUpdates: clause.AssignmentColumns([]string{columnSnapshot, columnUpdatedAt}),
		}).
		Create(&record).Error
	if err != nil {
		logError(store.logger, opPutLatest, reasonWriteFailed, err, zap.String(fieldDocumentID, documentID.String()))
		return newServiceError(opPutLatest, reasonWriteFailed, unavailable(err))
	}
	return nil
}

// GetLatest loads the latest snapshot of a document.
func (store *SQLStore) GetLatest(ctx context.Context, documentID DocumentID) (Snapshot, bool, error) {
	var record LatestSnapshot
	err := store.db.WithContext(ctx).
		Where(querySingleDocument, documentID.String()).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		logError(store.logger, opGetLatest, reasonReadFailed, err, zap.String(fieldDocumentID, documentID.String()))
		return nil, false, newServiceError(opGetLatest, reasonReadFailed, unavailable(err))
	}
	snapshot, shapeErr := NewSnapshot(record.Snapshot)
	if shapeErr != nil {
		logError(store.logger, opGetLatest, reasonBadShape, shapeErr, zap.String(fieldDocumentID, documentID.String()))
		return nil, false, newServiceError(opGetLatest, reasonBadShape, shapeErr)
	}
	return snapshot, true, nil
}

// AppendVersion inserts a new version record.
func (store *SQLStore) AppendVersion(ctx context.Context, version NewVersion) (VersionID, error) {
	if len(version.Snapshot) == 0 {
		return "", newServiceError(opAppendVersion, reasonBadShape, ErrInvalidSnapshotShape)
	}
	rawID, err := store.idProvider.NewID()
	if err != nil {
		logError(store.logger, opAppendVersion, reasonIDFailed, err, zap.String(fieldDocumentID, version.DocumentID.String()))
		return "", newServiceError(opAppendVersion, reasonIDFailed, err)
	}
	versionID, err := NewVersionID(rawID)
	if err != nil {
		return "", newServiceError(opAppendVersion, reasonIDFailed, err)
	}

	record := VersionRecord{
		VersionID:       versionID.String(),
		DocumentID:      version.DocumentID.String(),
		CreatedAtMillis: store.clock().UTC().UnixMilli(),
		Preview:         version.Preview,
		SizeBytes:       version.Snapshot.Size(),
		Snapshot:        version.Snapshot.Bytes(),
	}
	if err := store.db.WithContext(ctx).Create(&record).Error; err != nil {
		logError(store.logger, opAppendVersion, reasonWriteFailed, err, zap.String(fieldDocumentID, version.DocumentID.String()))
		return "", newServiceError(opAppendVersion, reasonWriteFailed, unavailable(err))
	}
	return versionID, nil
}

// ListVersions returns version metadata newest first.
func (store *SQLStore) ListVersions(ctx context.Context, documentID DocumentID) ([]VersionSummary, error) {
	var records []VersionRecord
	err := store.db.WithContext(ctx).
		Select(summaryColumns).
		Where(querySingleDocument, documentID.String()).
		Order(orderNewestFirst).
		Find(&records).Error
	if err != nil {
		logError(store.logger, opListVersions, reasonReadFailed, err, zap.String(fieldDocumentID, documentID.String()))
		return nil, newServiceError(opListVersions, reasonReadFailed, unavailable(err))
	}
	summaries := make([]VersionSummary, 0, len(records))
	for _, record := range records {
		summaries = append(summaries, record.summary())
	}
	return summaries, nil
}

// GetVersion loads one version including its payload.
func (store *SQLStore) GetVersion(ctx context.Context, versionID VersionID) (Version, error) {
	var record VersionRecord
	err := store.db.WithContext(ctx).
		Where(querySingleVersion, versionID.String()).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Version{}, newServiceError(opGetVersion, reasonNotFound, ErrNotFound)
	}
	if err != nil {
		logError(store.logger, opGetVersion, reasonReadFailed, err, zap.String(fieldVersionID, versionID.String()))
		return Version{}, newServiceError(opGetVersion, reasonReadFailed, unavailable(err))
	}
	snapshot, shapeErr := NewSnapshot(record.Snapshot)
	if shapeErr != nil {
		logError(store.logger, opGetVersion, reasonBadShape, shapeErr, zap.String(fieldVersionID, versionID.String()))
		return Version{}, newServiceError(opGetVersion, reasonBadShape, shapeErr)
	}
	return Version{VersionSummary: record.summary(), Snapshot: snapshot}, nil
}

// DeleteVersions removes the versions of a document selected by rule.
func (store *SQLStore) DeleteVersions(ctx context.Context, documentID DocumentID, rule RetentionRule) (int64, error) {
	var deleted int64
	transactionErr := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		var records []VersionRecord
		if err := transaction.
			Select(summaryColumns).
			Where(querySingleDocument, documentID.String()).
			Order(orderNewestFirst).
			Find(&records).Error; err != nil {
			return err
		}
		summaries := make([]VersionSummary, 0, len(records))
		for _, record := range records {
			summaries = append(summaries, record.summary())
		}
		selected := selectForDeletion(summaries, rule)
		if len(selected) == 0 {
			return nil
		}
		identifiers := make([]string, 0, len(selected))
		for _, versionID := range selected {
			identifiers = append(identifiers, versionID.String())
		}
		result := transaction.
			Where(queryVersionIDsIn, documentID.String(), identifiers).
			Delete(&VersionRecord{})
		if result.Error != nil {
			return result.Error
		}
		deleted = result.RowsAffected
		return nil
	})
	if transactionErr != nil {
		logError(store.logger, opDeleteVersions, reasonWriteFailed, transactionErr, zap.String(fieldDocumentID, documentID.String()))
		return 0, newServiceError(opDeleteVersions, reasonWriteFailed, unavailable(transactionErr))
	}
	return deleted, nil
}

func (record VersionRecord) summary() VersionSummary {
	return VersionSummary{
		ID:         VersionID(record.VersionID),
		DocumentID: DocumentID(record.DocumentID),
		CreatedAt:  time.UnixMilli(record.CreatedAtMillis).UTC(),
		Preview:    record.Preview,
		SizeBytes:  record.SizeBytes,
	}
}
