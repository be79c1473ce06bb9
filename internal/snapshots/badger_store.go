package snapshots

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

// Key layout:
//
//	latest/<doc>                        -> snapshot
//	vmeta/<doc>\x00<created ms><seq>    -> JSON badgerVersionMeta
//	vdata/<version>                     -> snapshot
//	vindex/<version>                    -> vmeta key
const (
	prefixLatest       = "latest/"
	prefixVersionMeta  = "vmeta/"
	prefixVersionData  = "vdata/"
	prefixVersionIndex = "vindex/"
	sequenceKey        = "seq/versions"
	sequenceBandwidth  = 64
	documentTerminator = 0x00
)

// BadgerConfig holds configuration for a BadgerStore.
type BadgerConfig struct {
	// Path is the database directory; ignored when InMemory is set.
	Path string
	// InMemory keeps all data in memory. Used by tests.
	InMemory bool
	// SyncWrites fsyncs every write.
	SyncWrites bool
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// BadgerStore is a Store backed by an embedded badger database.
type BadgerStore struct {
	db         *badger.DB
	sequence   *badger.Sequence
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

type badgerVersionMeta struct {
	ID              string `json:"id"`
	DocumentID      string `json:"document_id"`
	CreatedAtMillis int64  `json:"created_at_ms"`
	Preview         string `json:"preview"`
	SizeBytes       int64  `json:"size_bytes"`
}

// zapBadgerLogger adapts zap to badger's logger interface.
type zapBadgerLogger struct {
	sugar *zap.SugaredLogger
}

func (l *zapBadgerLogger) Errorf(format string, args ...interface{}) {
	l.sugar.Errorf(format, args...)
}

func (l *zapBadgerLogger) Warningf(format string, args ...interface{}) {
	l.sugar.Warnf(format, args...)
}

func (l *zapBadgerLogger) Infof(format string, args ...interface{}) {
	l.sugar.Debugf(format, args...)
}

func (l *zapBadgerLogger) Debugf(format string, args ...interface{}) {
	l.sugar.Debugf(format, args...)
}

// OpenBadgerStore opens (creating if needed) a badger-backed Store. Callers
// must Close it.
func OpenBadgerStore(cfg BadgerConfig) (*BadgerStore, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, newServiceError(opStoreNew, reasonMissingDB, errors.New("badger path is required"))
	}

	var options badger.Options
	if cfg.InMemory {
		options = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, newServiceError(opStoreNew, reasonWriteFailed, fmt.Errorf("create badger directory %s: %w", cfg.Path, err))
		}
		options = badger.DefaultOptions(cfg.Path)
	}
	options = options.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	if cfg.Logger != nil {
		options = options.WithLogger(&zapBadgerLogger{sugar: logger.Sugar()})
	} else {
		options = options.WithLogger(nil)
	}

	db, err := badger.Open(options)
	if err != nil {
		return nil, newServiceError(opStoreNew, reasonReadFailed, unavailable(err))
	}
	sequence, err := db.GetSequence([]byte(sequenceKey), sequenceBandwidth)
	if err != nil {
		_ = db.Close()
		return nil, newServiceError(opStoreNew, reasonReadFailed, unavailable(err))
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = NewUUIDProvider()
	}
	return &BadgerStore{
		db:         db,
		sequence:   sequence,
		clock:      clock,
		idProvider: idProvider,
		logger:     logger,
	}, nil
}

// Close releases the sequence lease and closes the database.
func (store *BadgerStore) Close() error {
	releaseErr := store.sequence.Release()
	closeErr := store.db.Close()
	return errors.Join(releaseErr, closeErr)
}

// PutLatest overwrites the latest snapshot of a document.
func (store *BadgerStore) PutLatest(ctx context.Context, documentID DocumentID, snapshot Snapshot) error {
	if len(snapshot) == 0 {
		return newServiceError(opPutLatest, reasonBadShape, ErrInvalidSnapshotShape)
	}
	if err := ctx.Err(); err != nil {
		return newServiceError(opPutLatest, reasonWriteFailed, unavailable(err))
	}
	err := store.db.Update(func(txn *badger.Txn) error {
		return txn.Set(latestKey(documentID), snapshot.Bytes())
	})
	if err != nil {
		logError(store.logger, opPutLatest, reasonWriteFailed, err, zap.String(fieldDocumentID, documentID.String()))
		return newServiceError(opPutLatest, reasonWriteFailed, unavailable(err))
	}
	return nil
}

// GetLatest loads the latest snapshot of a document.
func (store *BadgerStore) GetLatest(ctx context.Context, documentID DocumentID) (Snapshot, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, newServiceError(opGetLatest, reasonReadFailed, unavailable(err))
	}
	var payload []byte
	err := store.db.View(func(txn *badger.Txn) error {
		item, getErr := txn.Get(latestKey(documentID))
		if getErr != nil {
			return getErr
		}
		payload, getErr = item.ValueCopy(nil)
		return getErr
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		logError(store.logger, opGetLatest, reasonReadFailed, err, zap.String(fieldDocumentID, documentID.String()))
		return nil, false, newServiceError(opGetLatest, reasonReadFailed, unavailable(err))
	}
	snapshot, shapeErr := NewSnapshot(payload)
	if shapeErr != nil {
		return nil, false, newServiceError(opGetLatest, reasonBadShape, shapeErr)
	}
	return snapshot, true, nil
}

// AppendVersion stores a new version record.
func (store *BadgerStore) AppendVersion(ctx context.Context, version NewVersion) (VersionID, error) {
	if len(version.Snapshot) == 0 {
		return "", newServiceError(opAppendVersion, reasonBadShape, ErrInvalidSnapshotShape)
	}
	if err := ctx.Err(); err != nil {
		return "", newServiceError(opAppendVersion, reasonWriteFailed, unavailable(err))
	}
	rawID, err := store.idProvider.NewID()
	if err != nil {
		return "", newServiceError(opAppendVersion, reasonIDFailed, err)
	}
	versionID, err := NewVersionID(rawID)
	if err != nil {
		return "", newServiceError(opAppendVersion, reasonIDFailed, err)
	}
	sequence, err := store.sequence.Next()
	if err != nil {
		logError(store.logger, opAppendVersion, reasonWriteFailed, err, zap.String(fieldDocumentID, version.DocumentID.String()))
		return "", newServiceError(opAppendVersion, reasonWriteFailed, unavailable(err))
	}

	meta := badgerVersionMeta{
		ID:              versionID.String(),
		DocumentID:      version.DocumentID.String(),
		CreatedAtMillis: store.clock().UTC().UnixMilli(),
		Preview:         version.Preview,
		SizeBytes:       version.Snapshot.Size(),
	}
	encodedMeta, err := json.Marshal(meta)
	if err != nil {
		return "", newServiceError(opAppendVersion, reasonEncodeMeta, err)
	}
	metaKey := versionMetaKey(version.DocumentID, meta.CreatedAtMillis, sequence)

	err = store.db.Update(func(txn *badger.Txn) error {
		if setErr := txn.Set(metaKey, encodedMeta); setErr != nil {
			return setErr
		}
		if setErr := txn.Set(versionDataKey(versionID), version.Snapshot.Bytes()); setErr != nil {
			return setErr
		}
		return txn.Set(versionIndexKey(versionID), metaKey)
	})
	if err != nil {
		logError(store.logger, opAppendVersion, reasonWriteFailed, err, zap.String(fieldDocumentID, version.DocumentID.String()))
		return "", newServiceError(opAppendVersion, reasonWriteFailed, unavailable(err))
	}
	return versionID, nil
}

// ListVersions returns version metadata newest first.
func (store *BadgerStore) ListVersions(ctx context.Context, documentID DocumentID) ([]VersionSummary, error) {
	if err := ctx.Err(); err != nil {
		return nil, newServiceError(opListVersions, reasonReadFailed, unavailable(err))
	}
	var summaries []VersionSummary
	err := store.db.View(func(txn *badger.Txn) error {
		listed, listErr := listVersionMeta(txn, documentID)
		summaries = listed
		return listErr
	})
	if err != nil {
		logError(store.logger, opListVersions, reasonReadFailed, err, zap.String(fieldDocumentID, documentID.String()))
		return nil, newServiceError(opListVersions, reasonReadFailed, unavailable(err))
	}
	if summaries == nil {
		summaries = []VersionSummary{}
	}
	return summaries, nil
}

// GetVersion loads one version including its payload.
func (store *BadgerStore) GetVersion(ctx context.Context, versionID VersionID) (Version, error) {
	if err := ctx.Err(); err != nil {
		return Version{}, newServiceError(opGetVersion, reasonReadFailed, unavailable(err))
	}
	var meta badgerVersionMeta
	var payload []byte
	var decodeErr error
	err := store.db.View(func(txn *badger.Txn) error {
		indexItem, getErr := txn.Get(versionIndexKey(versionID))
		if getErr != nil {
			return getErr
		}
		metaKey, getErr := indexItem.ValueCopy(nil)
		if getErr != nil {
			return getErr
		}
		metaItem, getErr := txn.Get(metaKey)
		if getErr != nil {
			return getErr
		}
		if getErr = metaItem.Value(func(value []byte) error {
			decodeErr = json.Unmarshal(value, &meta)
			return nil
		}); getErr != nil {
			return getErr
		}
		dataItem, getErr := txn.Get(versionDataKey(versionID))
		if getErr != nil {
			return getErr
		}
		payload, getErr = dataItem.ValueCopy(nil)
		return getErr
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Version{}, newServiceError(opGetVersion, reasonNotFound, ErrNotFound)
	}
	if err != nil {
		logError(store.logger, opGetVersion, reasonReadFailed, err, zap.String(fieldVersionID, versionID.String()))
		return Version{}, newServiceError(opGetVersion, reasonReadFailed, unavailable(err))
	}
	if decodeErr != nil {
		logError(store.logger, opGetVersion, reasonDecodeMeta, decodeErr, zap.String(fieldVersionID, versionID.String()))
		return Version{}, newServiceError(opGetVersion, reasonDecodeMeta, decodeErr)
	}
	snapshot, shapeErr := NewSnapshot(payload)
	if shapeErr != nil {
		return Version{}, newServiceError(opGetVersion, reasonBadShape, shapeErr)
	}
	return Version{VersionSummary: meta.summary(), Snapshot: snapshot}, nil
}

// DeleteVersions removes the versions of a document selected by rule.
func (store *BadgerStore) DeleteVersions(ctx context.Context, documentID DocumentID, rule RetentionRule) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, newServiceError(opDeleteVersions, reasonWriteFailed, unavailable(err))
	}
	var deleted int64
	err := store.db.Update(func(txn *badger.Txn) error {
		summaries, listErr := listVersionMeta(txn, documentID)
		if listErr != nil {
			return listErr
		}
		for _, versionID := range selectForDeletion(summaries, rule) {
			indexItem, getErr := txn.Get(versionIndexKey(versionID))
			if getErr != nil {
				return getErr
			}
			metaKey, getErr := indexItem.ValueCopy(nil)
			if getErr != nil {
				return getErr
			}
			for _, key := range [][]byte{metaKey, versionDataKey(versionID), versionIndexKey(versionID)} {
				if deleteErr := txn.Delete(key); deleteErr != nil {
					return deleteErr
				}
			}
			deleted++
		}
		return nil
	})
	if err != nil {
		logError(store.logger, opDeleteVersions, reasonWriteFailed, err, zap.String(fieldDocumentID, documentID.String()))
		return 0, newServiceError(opDeleteVersions, reasonWriteFailed, unavailable(err))
	}
	return deleted, nil
}

func listVersionMeta(txn *badger.Txn, documentID DocumentID) ([]VersionSummary, error) {
	prefix := versionMetaPrefix(documentID)
	options := badger.DefaultIteratorOptions
	options.Reverse = true
	options.Prefix = prefix
	iterator := txn.NewIterator(options)
	defer iterator.Close()

	seekKey := append(append([]byte{}, prefix...), 0xFF)
	var summaries []VersionSummary
	for iterator.Seek(seekKey); iterator.ValidForPrefix(prefix); iterator.Next() {
		var meta badgerVersionMeta
		err := iterator.Item().Value(func(value []byte) error {
			return json.Unmarshal(value, &meta)
		})
		if err != nil {
			return nil, err
		}
		summaries = append(summaries, meta.summary())
	}
	return summaries, nil
}

func (meta badgerVersionMeta) summary() VersionSummary {
	return VersionSummary{
		ID:         VersionID(meta.ID),
		DocumentID: DocumentID(meta.DocumentID),
		CreatedAt:  time.UnixMilli(meta.CreatedAtMillis).UTC(),
		Preview:    meta.Preview,
		SizeBytes:  meta.SizeBytes,
	}
}

func latestKey(documentID DocumentID) []byte {
	return []byte(prefixLatest + documentID.String())
}

func versionMetaPrefix(documentID DocumentID) []byte {
	key := make([]byte, 0, len(prefixVersionMeta)+len(documentID)+1)
	key = append(key, prefixVersionMeta...)
	key = append(key, documentID...)
	return append(key, documentTerminator)
}

func versionMetaKey(documentID DocumentID, createdAtMillis int64, sequence uint64) []byte {
	key := versionMetaPrefix(documentID)
	key = binary.BigEndian.AppendUint64(key, uint64(createdAtMillis))
	return binary.BigEndian.AppendUint64(key, sequence)
}

func versionDataKey(versionID VersionID) []byte {
	return []byte(prefixVersionData + versionID.String())
}

func versionIndexKey(versionID VersionID) []byte {
	return []byte(prefixVersionIndex + versionID.String())
}
