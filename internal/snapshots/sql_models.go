package snapshots

// LatestSnapshot stores the most recent full snapshot per document.
type LatestSnapshot struct {
	DocumentID      string `gorm:"column:document_id;primaryKey;size:190;not null"`
	Snapshot        []byte `gorm:"column:snapshot;not null"`
	UpdatedAtMillis int64  `gorm:"column:updated_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (LatestSnapshot) TableName() string {
	return "document_snapshots"
}

// VersionRecord stores an append-only historical snapshot.
type VersionRecord struct {
	Sequence        int64  `gorm:"column:sequence;primaryKey;autoIncrement"`
	VersionID       string `gorm:"column:version_id;size:64;not null;uniqueIndex:idx_versions_version_id"`
	DocumentID      string `gorm:"column:document_id;size:190;not null;index:idx_versions_document_created,priority:1"`
	CreatedAtMillis int64  `gorm:"column:created_at_ms;not null;index:idx_versions_document_created,priority:2"`
	Preview         string `gorm:"column:preview;type:text;not null;default:''"`
	SizeBytes       int64  `gorm:"column:size_bytes;not null;default:0"`
	Snapshot        []byte `gorm:"column:snapshot;not null"`
}

// TableName provides the explicit table binding for GORM.
func (VersionRecord) TableName() string {
	return "document_versions"
}
