package sessions

import (
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/scribe/internal/snapshots"
	"github.com/MarcoPoloResearchLab/scribe/internal/textcrdt"
)

// LiveDocument is the single in-memory state of one document id.
type LiveDocument struct {
	id       snapshots.DocumentID
	doc      *textcrdt.Doc
	loadedAt time.Time
	restored bool

	serial sync.Mutex

	// guarded by Registry.mu
	clients map[string]Presence
	pins    int

	broadcastMu sync.Mutex
}

func newLiveDocument(id snapshots.DocumentID, doc *textcrdt.Doc, loadedAt time.Time, restored bool) *LiveDocument {
	return &LiveDocument{
		id:       id,
		doc:      doc,
		loadedAt: loadedAt,
		restored: restored,
		clients:  make(map[string]Presence),
	}
}

// ID returns the document id.
func (d *LiveDocument) ID() snapshots.DocumentID {
	return d.id
}

// Doc returns the replicated text state shared by every client of the document.
func (d *LiveDocument) Doc() *textcrdt.Doc {
	return d.doc
}

// LoadedAt reports when the live state was created.
func (d *LiveDocument) LoadedAt() time.Time {
	return d.loadedAt
}

// LoadedFromSnapshot reports whether the live state was loaded from a stored latest snapshot.
func (d *LiveDocument) LoadedFromSnapshot() bool {
	return d.restored
}

// Serialize runs fn with the document's serial lock held. Version evaluation
// and restore both go through it, so they never interleave for one document.
func (d *LiveDocument) Serialize(fn func() error) error {
	d.serial.Lock()
	defer d.serial.Unlock()
	return fn()
}
