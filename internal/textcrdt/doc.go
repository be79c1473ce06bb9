// Package textcrdt implements a replicated text type.
//
// A Doc is a sequence of runes in which every rune carries a unique identifier
// (client, Lamport clock) and the identifier of the rune it was inserted after.
// Replicas exchange updates that list elements in document order; applying an
// update integrates unknown elements and marks deletions, so applying the same
// update twice, or two updates in either order, converges to the same text.
// A full-state snapshot is simply an update carrying every element.
package textcrdt

import (
	"fmt"
	"math/rand/v2"
	"sort"
	"strings"
	"sync"
)

// ID identifies one element of a document.
type ID struct {
	Client uint64
	Clock  uint64
}

// IsZero reports whether the identifier refers to the document head.
func (id ID) IsZero() bool {
	return id.Client == 0 && id.Clock == 0
}

func (id ID) after(other ID) bool {
	if id.Clock != other.Clock {
		return id.Clock > other.Clock
	}
	return id.Client > other.Client
}

type element struct {
	id      ID
	origin  ID
	value   rune
	deleted bool
}

// ChangeEvent describes a mutation that changed the document.
type ChangeEvent struct {
	// Update encodes exactly the elements the mutation touched.
	Update []byte
	// Origin tags the producer of the mutation: a client id for remote updates,
	// or the origin passed to Transact.
	Origin string
}

type observer struct {
	id int
	fn func(ChangeEvent)
}

// Doc is a replicated text document. It is safe for concurrent use.
type Doc struct {
	mu           sync.Mutex
	client       uint64
	clock        uint64
	elements     []*element
	known        map[ID]*element
	observers    []observer
	nextObserver int
}

// NewDoc returns an empty document with a random client identifier.
func NewDoc() *Doc {
	client := rand.Uint64()
	for client == 0 {
		client = rand.Uint64()
	}
	return NewDocWithClient(client)
}

// NewDocWithClient returns an empty document that stamps local edits with client.
func NewDocWithClient(client uint64) *Doc {
	return &Doc{
		client: client,
		known:  make(map[ID]*element),
	}
}

// FromSnapshot decodes a snapshot into a fresh, unobserved document.
func FromSnapshot(snapshot []byte) (*Doc, error) {
	doc := NewDoc()
	if err := doc.ApplyUpdate(snapshot, ""); err != nil {
		return nil, err
	}
	return doc, nil
}

// ClientID returns the identifier stamped on local edits.
func (d *Doc) ClientID() uint64 {
	return d.client
}

// Text returns the visible text.
func (d *Doc) Text() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.text()
}

// Len returns the number of visible runes.
func (d *Doc) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.visibleLen()
}

// EncodeState returns a snapshot of the whole document.
func (d *Doc) EncodeState() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return encodeElements(d.elements)
}

// Capture returns a snapshot and the text it encodes, taken atomically.
func (d *Doc) Capture() ([]byte, string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return encodeElements(d.elements), d.text()
}

// OnChange registers fn to receive every change event. Observers run
// synchronously, in registration order, while the document is locked, so they
// must not call back into the document. The returned function unregisters fn.
func (d *Doc) OnChange(fn func(ChangeEvent)) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextObserver++
	id := d.nextObserver
	d.observers = append(d.observers, observer{id: id, fn: fn})
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		for index, candidate := range d.observers {
			if candidate.id == id {
				d.observers = append(d.observers[:index], d.observers[index+1:]...)
				return
			}
		}
	}
}

// ApplyUpdate merges an encoded update. The update is validated in full before
// the document is touched; a malformed update leaves the document unchanged.
func (d *Doc) ApplyUpdate(update []byte, origin string) error {
	decoded, err := decodeElements(update)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	pending := make(map[ID]bool, len(decoded))
	for _, incoming := range decoded {
		if _, ok := d.known[incoming.id]; ok {
			continue
		}
		if !incoming.origin.IsZero() && d.known[incoming.origin] == nil && !pending[incoming.origin] {
			return fmt.Errorf("%w: element %d@%d references unknown origin %d@%d",
				ErrMalformedUpdate, incoming.id.Clock, incoming.id.Client, incoming.origin.Clock, incoming.origin.Client)
		}
		pending[incoming.id] = true
	}

	touched := make([]*element, 0, len(decoded))
	hint := -1
	for _, incoming := range decoded {
		existing, ok := d.known[incoming.id]
		if ok {
			if incoming.deleted && !existing.deleted {
				existing.deleted = true
				touched = append(touched, existing)
			}
			continue
		}
		hint = d.integrate(incoming, hint)
		touched = append(touched, incoming)
	}
	if len(touched) == 0 {
		return nil
	}
	d.emit(touched, origin)
	return nil
}

// Transact runs fn against the document as one atomic unit. Observers see a
// single change event covering every edit made by fn. When fn returns an error
// its edits are rolled back and no event is emitted.
func (d *Doc) Transact(origin string, fn func(tx *Txn) error) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	tx := &Txn{doc: d}
	if err := fn(tx); err != nil {
		tx.rollback()
		return err
	}
	if len(tx.touched) == 0 {
		return nil
	}
	d.emit(tx.touched, origin)
	return nil
}

// ReplaceText replaces the entire content with text in one transaction.
func (d *Doc) ReplaceText(origin, text string) error {
	return d.Transact(origin, func(tx *Txn) error {
		return tx.Replace(text)
	})
}

func (d *Doc) emit(touched []*element, origin string) {
	if len(d.observers) == 0 {
		return
	}
	positions := make(map[*element]int, len(touched))
	for index, candidate := range d.elements {
		positions[candidate] = index
	}
	ordered := make([]*element, 0, len(touched))
	seen := make(map[*element]bool, len(touched))
	for _, candidate := range touched {
		if _, live := positions[candidate]; !live || seen[candidate] {
			continue
		}
		seen[candidate] = true
		ordered = append(ordered, candidate)
	}
	sort.Slice(ordered, func(i, j int) bool {
		return positions[ordered[i]] < positions[ordered[j]]
	})

	event := ChangeEvent{Update: encodeElements(ordered), Origin: origin}
	for _, registered := range d.observers {
		registered.fn(event)
	}
}

// integrate places incoming after its origin and returns its index. hint is
// the index the origin most likely sits at; updates list elements in document
// order, so the previously integrated element usually is the origin.
func (d *Doc) integrate(incoming *element, hint int) int {
	position := 0
	if !incoming.origin.IsZero() {
		position = d.originIndex(incoming.origin, hint) + 1
	}
	for position < len(d.elements) && d.elements[position].id.after(incoming.id) {
		position++
	}
	d.elements = append(d.elements, nil)
	copy(d.elements[position+1:], d.elements[position:])
	d.elements[position] = incoming
	d.known[incoming.id] = incoming
	if incoming.id.Clock > d.clock {
		d.clock = incoming.id.Clock
	}
	return position
}

func (d *Doc) originIndex(id ID, hint int) int {
	if hint >= 0 && hint < len(d.elements) && d.elements[hint].id == id {
		return hint
	}
	return d.indexOf(id)
}

func (d *Doc) indexOf(id ID) int {
	for index, candidate := range d.elements {
		if candidate.id == id {
			return index
		}
	}
	return -1
}

func (d *Doc) text() string {
	var builder strings.Builder
	for _, candidate := range d.elements {
		if !candidate.deleted {
			builder.WriteRune(candidate.value)
		}
	}
	return builder.String()
}

func (d *Doc) visibleLen() int {
	count := 0
	for _, candidate := range d.elements {
		if !candidate.deleted {
			count++
		}
	}
	return count
}

// visibleIndex returns the slice index of the n-th visible element, or
// len(elements) when n equals the visible length.
func (d *Doc) visibleIndex(n int) int {
	seen := 0
	for index, candidate := range d.elements {
		if candidate.deleted {
			continue
		}
		if seen == n {
			return index
		}
		seen++
	}
	return len(d.elements)
}
