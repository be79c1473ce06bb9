package textcrdt

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustTransact(t *testing.T, doc *Doc, fn func(tx *Txn) error) {
	t.Helper()
	require.NoError(t, doc.Transact("local", fn))
}

func TestSnapshotRoundTripReproducesText(t *testing.T) {
	doc := NewDocWithClient(7)
	mustTransact(t, doc, func(tx *Txn) error { return tx.Insert(0, "hello world") })
	mustTransact(t, doc, func(tx *Txn) error { return tx.Delete(0, 6) })
	mustTransact(t, doc, func(tx *Txn) error { return tx.Insert(5, "!") })
	mustTransact(t, doc, func(tx *Txn) error { return tx.Insert(0, "ünïcode ") })
	mustTransact(t, doc, func(tx *Txn) error { return tx.Delete(3, 2) })
	require.Equal(t, "ünïde world!", doc.Text())

	restored, err := FromSnapshot(doc.EncodeState())
	require.NoError(t, err)
	assert.Equal(t, doc.Text(), restored.Text())
	assert.Equal(t, doc.Len(), restored.Len())
}

func TestEmptySnapshotRoundTrip(t *testing.T) {
	restored, err := FromSnapshot(NewDoc().EncodeState())
	require.NoError(t, err)
	assert.Equal(t, "", restored.Text())
}

func TestConcurrentEditsConverge(t *testing.T) {
	base := NewDocWithClient(1)
	mustTransact(t, base, func(tx *Txn) error { return tx.Insert(0, "shared text") })

	left, err := FromSnapshot(base.EncodeState())
	require.NoError(t, err)
	right, err := FromSnapshot(base.EncodeState())
	require.NoError(t, err)

	var leftUpdates, rightUpdates [][]byte
	left.OnChange(func(event ChangeEvent) { leftUpdates = append(leftUpdates, event.Update) })
	right.OnChange(func(event ChangeEvent) { rightUpdates = append(rightUpdates, event.Update) })

	mustTransact(t, left, func(tx *Txn) error { return tx.Insert(0, "left ") })
	mustTransact(t, right, func(tx *Txn) error { return tx.Insert(0, "right ") })
	mustTransact(t, right, func(tx *Txn) error { return tx.Delete(tx.Len()-4, 4) })

	for _, update := range rightUpdates {
		require.NoError(t, left.ApplyUpdate(update, "right"))
	}
	for _, update := range leftUpdates {
		require.NoError(t, right.ApplyUpdate(update, "left"))
	}

	assert.Equal(t, left.Text(), right.Text())
	assert.Contains(t, left.Text(), "left ")
	assert.Contains(t, left.Text(), "right ")
	assert.NotContains(t, left.Text(), "text")
}

func TestApplyUpdateIsIdempotent(t *testing.T) {
	source := NewDocWithClient(3)
	mustTransact(t, source, func(tx *Txn) error { return tx.Insert(0, "abc") })
	snapshot := source.EncodeState()

	target := NewDocWithClient(4)
	events := 0
	target.OnChange(func(ChangeEvent) { events++ })

	require.NoError(t, target.ApplyUpdate(snapshot, "peer"))
	require.NoError(t, target.ApplyUpdate(snapshot, "peer"))
	assert.Equal(t, "abc", target.Text())
	assert.Equal(t, 1, events)
}

func TestTransactEmitsSingleEventForReplace(t *testing.T) {
	doc := NewDocWithClient(5)
	mustTransact(t, doc, func(tx *Txn) error { return tx.Insert(0, "current") })

	var events []ChangeEvent
	doc.OnChange(func(event ChangeEvent) { events = append(events, event) })

	require.NoError(t, doc.ReplaceText("restore", "historical"))
	require.Len(t, events, 1)
	assert.Equal(t, "restore", events[0].Origin)
	assert.Equal(t, "historical", doc.Text())

	mirror := NewDocWithClient(6)
	require.NoError(t, mirror.ApplyUpdate(doc.EncodeState(), ""))
	assert.Equal(t, "historical", mirror.Text())
}

func TestTransactRollsBackOnError(t *testing.T) {
	doc := NewDocWithClient(8)
	mustTransact(t, doc, func(tx *Txn) error { return tx.Insert(0, "keep me") })

	events := 0
	doc.OnChange(func(ChangeEvent) { events++ })

	failure := errors.New("abort")
	err := doc.Transact("local", func(tx *Txn) error {
		if err := tx.Delete(0, 4); err != nil {
			return err
		}
		if err := tx.Insert(0, "lost"); err != nil {
			return err
		}
		return failure
	})
	require.ErrorIs(t, err, failure)
	assert.Equal(t, "keep me", doc.Text())
	assert.Equal(t, 0, events)

	err = doc.Transact("local", func(tx *Txn) error { return tx.Delete(3, 10) })
	require.ErrorIs(t, err, ErrOutOfRange)
	assert.Equal(t, "keep me", doc.Text())
}

func TestApplyUpdateRejectsMalformedPayloads(t *testing.T) {
	doc := NewDocWithClient(9)
	mustTransact(t, doc, func(tx *Txn) error { return tx.Insert(0, "stable") })

	err := doc.ApplyUpdate([]byte("not a snapshot"), "peer")
	require.ErrorIs(t, err, ErrUnknownFormat)

	err = doc.ApplyUpdate(nil, "peer")
	require.ErrorIs(t, err, ErrUnknownFormat)

	valid := doc.EncodeState()
	truncated := valid[:len(valid)-3]
	err = doc.ApplyUpdate(truncated, "peer")
	require.ErrorIs(t, err, ErrMalformedUpdate)

	orphan := NewDocWithClient(10)
	mustTransact(t, orphan, func(tx *Txn) error { return tx.Insert(0, "xy") })
	var delta []byte
	orphan.OnChange(func(event ChangeEvent) { delta = event.Update })
	mustTransact(t, orphan, func(tx *Txn) error { return tx.Insert(2, "z") })
	err = doc.ApplyUpdate(delta, "peer")
	require.ErrorIs(t, err, ErrMalformedUpdate)

	assert.Equal(t, "stable", doc.Text())
}

func TestOnChangeUnsubscribe(t *testing.T) {
	doc := NewDocWithClient(11)
	events := 0
	unsubscribe := doc.OnChange(func(ChangeEvent) { events++ })
	mustTransact(t, doc, func(tx *Txn) error { return tx.Insert(0, "a") })
	unsubscribe()
	mustTransact(t, doc, func(tx *Txn) error { return tx.Insert(1, "b") })
	assert.Equal(t, 1, events)
}

func TestNoOpTransactionEmitsNothing(t *testing.T) {
	doc := NewDocWithClient(12)
	events := 0
	doc.OnChange(func(ChangeEvent) { events++ })
	mustTransact(t, doc, func(tx *Txn) error { return tx.Insert(0, "") })
	assert.Equal(t, 0, events)
	assert.True(t, HasHeader(doc.EncodeState()))
}

func TestEditsAcrossTombstones(t *testing.T) {
	doc := NewDocWithClient(13)
	mustTransact(t, doc, func(tx *Txn) error { return tx.Insert(0, "abcdefgh") })
	mustTransact(t, doc, func(tx *Txn) error { return tx.Delete(2, 3) })
	require.Equal(t, "abfgh", doc.Text())

	mustTransact(t, doc, func(tx *Txn) error { return tx.Delete(1, 2) })
	require.Equal(t, "agh", doc.Text())

	mustTransact(t, doc, func(tx *Txn) error { return tx.Insert(1, "XY") })
	mustTransact(t, doc, func(tx *Txn) error { return tx.Insert(5, "!") })
	require.Equal(t, "aXYgh!", doc.Text())

	restored, err := FromSnapshot(doc.EncodeState())
	require.NoError(t, err)
	assert.Equal(t, "aXYgh!", restored.Text())

	peer, err := FromSnapshot(doc.EncodeState())
	require.NoError(t, err)
	var delta []byte
	doc.OnChange(func(event ChangeEvent) { delta = event.Update })
	mustTransact(t, doc, func(tx *Txn) error {
		if err := tx.Delete(0, 2); err != nil {
			return err
		}
		return tx.Insert(2, "--")
	})
	require.NoError(t, peer.ApplyUpdate(delta, "peer"))
	assert.Equal(t, doc.Text(), peer.Text())
	assert.Equal(t, "Yg--h!", peer.Text())
}

func TestRollbackRemovesBatchedInsert(t *testing.T) {
	doc := NewDocWithClient(14)
	mustTransact(t, doc, func(tx *Txn) error { return tx.Insert(0, "head tail") })

	failure := errors.New("abort")
	err := doc.Transact("local", func(tx *Txn) error {
		if err := tx.Insert(5, "middle "); err != nil {
			return err
		}
		return failure
	})
	require.ErrorIs(t, err, failure)
	assert.Equal(t, "head tail", doc.Text())

	mustTransact(t, doc, func(tx *Txn) error { return tx.Insert(5, "new ") })
	restored, err := FromSnapshot(doc.EncodeState())
	require.NoError(t, err)
	assert.Equal(t, "head new tail", restored.Text())
}

func TestRepeatedLargeReplaceStaysFast(t *testing.T) {
	if testing.Short() {
		t.Skip("large document")
	}
	doc := NewDocWithClient(15)
	var last []byte
	doc.OnChange(func(event ChangeEvent) { last = event.Update })

	started := time.Now()
	for round := 0; round < 5; round++ {
		text := strings.Repeat(string(rune('a'+round)), 20000)
		require.NoError(t, doc.ReplaceText("restore", text))
		require.Equal(t, text, doc.Text())
	}
	mirror, err := FromSnapshot(doc.EncodeState())
	require.NoError(t, err)
	assert.Equal(t, doc.Text(), mirror.Text())
	assert.NotEmpty(t, last)
	assert.Less(t, time.Since(started), 5*time.Second)
}
