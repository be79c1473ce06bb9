package textcrdt

import (
	"fmt"
	"slices"
	"unicode/utf8"
)

// Txn groups local edits made inside Doc.Transact. Positions count runes of
// the visible text as it stands after the preceding edits of the same Txn.
type Txn struct {
	doc      *Doc
	touched  []*element
	inserted []*element
	deleted  []*element
}

// Text returns the visible text including edits made so far.
func (tx *Txn) Text() string {
	return tx.doc.text()
}

// Len returns the visible rune count including edits made so far.
func (tx *Txn) Len() int {
	return tx.doc.visibleLen()
}

// Insert inserts text before the rune at position.
func (tx *Txn) Insert(position int, text string) error {
	length := tx.doc.visibleLen()
	if position < 0 || position > length {
		return fmt.Errorf("%w: insert at %d, length %d", ErrOutOfRange, position, length)
	}
	if !utf8.ValidString(text) {
		return fmt.Errorf("%w: insert text is not valid utf-8", ErrOutOfRange)
	}
	if text == "" {
		return nil
	}

	// Local clocks exceed every known clock, so new runes sit directly after
	// their origin and can be spliced in as one block.
	index := 0
	origin := ID{}
	if position > 0 {
		index = tx.doc.visibleIndex(position-1) + 1
		origin = tx.doc.elements[index-1].id
	}
	created := make([]*element, 0, utf8.RuneCountInString(text))
	for _, value := range text {
		tx.doc.clock++
		inserted := &element{
			id:     ID{Client: tx.doc.client, Clock: tx.doc.clock},
			origin: origin,
			value:  value,
		}
		tx.doc.known[inserted.id] = inserted
		created = append(created, inserted)
		origin = inserted.id
	}
	tx.doc.elements = slices.Insert(tx.doc.elements, index, created...)
	tx.inserted = append(tx.inserted, created...)
	tx.touched = append(tx.touched, created...)
	return nil
}

// Delete removes count runes starting at position.
func (tx *Txn) Delete(position, count int) error {
	length := tx.doc.visibleLen()
	if position < 0 || count < 0 || position+count > length {
		return fmt.Errorf("%w: delete %d at %d, length %d", ErrOutOfRange, count, position, length)
	}
	index := tx.doc.visibleIndex(position)
	for removed := 0; removed < count; index++ {
		target := tx.doc.elements[index]
		if target.deleted {
			continue
		}
		target.deleted = true
		tx.deleted = append(tx.deleted, target)
		tx.touched = append(tx.touched, target)
		removed++
	}
	return nil
}

// Replace deletes the whole visible text and inserts text in its place.
func (tx *Txn) Replace(text string) error {
	if err := tx.Delete(0, tx.doc.visibleLen()); err != nil {
		return err
	}
	return tx.Insert(0, text)
}

func (tx *Txn) rollback() {
	for _, target := range tx.deleted {
		target.deleted = false
	}
	if len(tx.inserted) == 0 {
		return
	}
	removed := make(map[*element]bool, len(tx.inserted))
	for _, created := range tx.inserted {
		removed[created] = true
		delete(tx.doc.known, created.id)
	}
	kept := tx.doc.elements[:0]
	for _, candidate := range tx.doc.elements {
		if !removed[candidate] {
			kept = append(kept, candidate)
		}
	}
	for index := len(kept); index < len(tx.doc.elements); index++ {
		tx.doc.elements[index] = nil
	}
	tx.doc.elements = kept
}
