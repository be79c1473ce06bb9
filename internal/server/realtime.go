package server

import (
	"context"
	"sync"

	"github.com/MarcoPoloResearchLab/scribe/internal/sessions"
	"github.com/MarcoPoloResearchLab/scribe/internal/textcrdt"
)

const defaultRealtimeBuffer = 256

// RealtimeMessage is one document update fanned out to connections.
type RealtimeMessage struct {
	DocumentID string
	Origin     string
	Update     []byte
}

// RealtimeDispatcher fans live document updates out to subscribed
// connections. A subscriber that falls a full buffer behind has its stream
// closed, since a skipped update cannot be recovered without a fresh sync.
type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*realtimeSubscriber
	observers   map[*sessions.LiveDocument]func()
	nextID      int64
	bufferSize  int
}

type realtimeSubscriber struct {
	id       int64
	clientID string
	stream   chan RealtimeMessage
}

// NewRealtimeDispatcher constructs an empty dispatcher.
func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		subscribers: make(map[string]map[int64]*realtimeSubscriber),
		observers:   make(map[*sessions.LiveDocument]func()),
		bufferSize:  defaultRealtimeBuffer,
	}
}

// Subscribe streams updates of a document, skipping those that originate from clientID.
func (d *RealtimeDispatcher) Subscribe(ctx context.Context, documentID, clientID string) (<-chan RealtimeMessage, func()) {
	if documentID == "" {
		ch := make(chan RealtimeMessage)
		close(ch)
		return ch, func() {}
	}
	subscriber := &realtimeSubscriber{
		clientID: clientID,
		stream:   make(chan RealtimeMessage, d.bufferSize),
	}
	d.registerSubscriber(documentID, subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.unregisterSubscriber(documentID, subscriber.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish delivers message to every subscriber of its document except its origin.
func (d *RealtimeDispatcher) Publish(message RealtimeMessage) {
	if message.DocumentID == "" || len(message.Update) == 0 {
		return
	}
	var overflowed []int64
	d.mu.RLock()
	for _, subscriber := range d.subscribers[message.DocumentID] {
		if subscriber.clientID != "" && subscriber.clientID == message.Origin {
			continue
		}
		select {
		case subscriber.stream <- message:
		default:
			overflowed = append(overflowed, subscriber.id)
		}
	}
	d.mu.RUnlock()
	for _, subscriberID := range overflowed {
		d.unregisterSubscriber(message.DocumentID, subscriberID)
	}
}

// DocumentOpened forwards the document's change events to Publish.
func (d *RealtimeDispatcher) DocumentOpened(document *sessions.LiveDocument) {
	documentID := document.ID().String()
	unsubscribe := document.Doc().OnChange(func(event textcrdt.ChangeEvent) {
		d.Publish(RealtimeMessage{DocumentID: documentID, Origin: event.Origin, Update: event.Update})
	})
	d.mu.Lock()
	d.observers[document] = unsubscribe
	d.mu.Unlock()
}

// DocumentClosed stops forwarding the document's change events.
func (d *RealtimeDispatcher) DocumentClosed(_ context.Context, document *sessions.LiveDocument) error {
	d.mu.Lock()
	unsubscribe, ok := d.observers[document]
	delete(d.observers, document)
	d.mu.Unlock()
	if ok {
		unsubscribe()
	}
	return nil
}

func (d *RealtimeDispatcher) registerSubscriber(documentID string, subscriber *realtimeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	subscriber.id = d.nextID
	if _, ok := d.subscribers[documentID]; !ok {
		d.subscribers[documentID] = make(map[int64]*realtimeSubscriber)
	}
	d.subscribers[documentID][subscriber.id] = subscriber
}

func (d *RealtimeDispatcher) unregisterSubscriber(documentID string, subscriberID int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	subscribers := d.subscribers[documentID]
	subscriber, ok := subscribers[subscriberID]
	if !ok {
		return
	}
	delete(subscribers, subscriberID)
	close(subscriber.stream)
	if len(subscribers) == 0 {
		delete(d.subscribers, documentID)
	}
}
