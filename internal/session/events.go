package session

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"btchat/internal/connmgr"
)

// EventType names an event delivered to the application.
type EventType string

const (
	EventDeviceFound        EventType = "onDeviceFound"
	EventDiscoveryFinished  EventType = "onDiscoveryFinished"
	EventConnected          EventType = "onConnected"
	EventClientConnected    EventType = "onClientConnected"
	EventServerStarted      EventType = "onServerStarted"
	EventServerStopped      EventType = "onServerStopped"
	EventClientDisconnected EventType = "onClientDisconnected"
	EventDisconnected       EventType = "onDisconnected"
	EventMessageReceived    EventType = "onMessageReceived"
	EventFileReceived       EventType = "onFileReceived"
	EventError              EventType = "onError"
)

// Event is one notification. Only the fields relevant to Type are set.
type Event struct {
	Type EventType
	Time time.Time

	Device   connmgr.Device // EventDeviceFound
	Address  string         // EventConnected, EventClientConnected
	Message  string         // EventMessageReceived
	FileName string         // EventFileReceived
	FileData []byte         // EventFileReceived
	Err      error          // EventError
}

// Payload returns the event's arguments keyed the way application bridges
// expect them. Events without arguments return nil.
func (e Event) Payload() map[string]any {
	switch e.Type {
	case EventDeviceFound:
		return map[string]any{"name": e.Device.Name, "address": e.Device.Address}
	case EventConnected, EventClientConnected:
		return map[string]any{"address": e.Address}
	case EventMessageReceived:
		return map[string]any{"message": e.Message}
	case EventFileReceived:
		return map[string]any{"fileName": e.FileName, "fileData": e.FileData}
	case EventError:
		msg := ""
		if e.Err != nil {
			msg = e.Err.Error()
		}
		return map[string]any{"error": msg}
	default:
		return nil
	}
}

const (
	subscriberBuffer = 64
	closeGrace       = time.Second
)

type subscriber struct {
	ch       chan Event
	gone     chan struct{}
	goneOnce sync.Once
	chOnce   sync.Once
}

func (s *subscriber) closeCh() { s.chOnce.Do(func() { close(s.ch) }) }

// Emitter delivers events to subscribers from a single dispatcher goroutine,
// so every subscriber sees events in emission order. Emit never blocks;
// a slow subscriber delays delivery but nothing is dropped.
type Emitter struct {
	log *zap.Logger

	mu     sync.Mutex
	queue  []Event
	closed bool
	wake   chan struct{}
	quit   chan struct{}
	done   chan struct{}

	subMu sync.RWMutex
	subs  map[*subscriber]struct{}
}

// NewEmitter starts the dispatcher.
func NewEmitter(log *zap.Logger) *Emitter {
	if log == nil {
		log = zap.NewNop()
	}
	e := &Emitter{
		log:  log,
		wake: make(chan struct{}, 1),
		quit: make(chan struct{}),
		done: make(chan struct{}),
		subs: make(map[*subscriber]struct{}),
	}
	go e.dispatch()
	return e
}

// Emit queues ev. Events emitted after Close are dropped.
func (e *Emitter) Emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		e.log.Debug("session: event after close", zap.String("event", string(ev.Type)))
		return
	}
	e.queue = append(e.queue, ev)
	e.mu.Unlock()
	e.signal()
}

// Subscribe registers a receiver. The returned function unsubscribes and
// closes the channel; the channel is also closed when the Emitter closes.
func (e *Emitter) Subscribe() (<-chan Event, func()) {
	s := &subscriber{
		ch:   make(chan Event, subscriberBuffer),
		gone: make(chan struct{}),
	}
	e.subMu.Lock()
	if e.subs == nil {
		e.subMu.Unlock()
		s.closeCh()
		return s.ch, func() {}
	}
	e.subs[s] = struct{}{}
	e.subMu.Unlock()

	unsub := func() {
		// Release a dispatcher blocked on this subscriber before taking the lock.
		s.goneOnce.Do(func() { close(s.gone) })
		e.subMu.Lock()
		delete(e.subs, s)
		e.subMu.Unlock()
		s.closeCh()
	}
	return s.ch, unsub
}

// Len returns the current subscriber count.
func (e *Emitter) Len() int {
	e.subMu.RLock()
	defer e.subMu.RUnlock()
	return len(e.subs)
}

// Close delivers queued events, then closes every subscriber channel. A
// subscriber that stops reading is abandoned after a grace period.
func (e *Emitter) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		<-e.done
		return
	}
	e.closed = true
	e.mu.Unlock()
	e.signal()

	select {
	case <-e.done:
	case <-time.After(closeGrace):
		close(e.quit)
		<-e.done
	}
}

func (e *Emitter) signal() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Emitter) dispatch() {
	defer close(e.done)
	for {
		e.mu.Lock()
		batch := e.queue
		e.queue = nil
		closed := e.closed
		e.mu.Unlock()

		for _, ev := range batch {
			e.deliver(ev)
		}
		if len(batch) > 0 {
			continue
		}
		if closed {
			e.subMu.Lock()
			for s := range e.subs {
				s.closeCh()
			}
			e.subs = nil
			e.subMu.Unlock()
			return
		}
		<-e.wake
	}
}

func (e *Emitter) deliver(ev Event) {
	e.subMu.RLock()
	defer e.subMu.RUnlock()
	for s := range e.subs {
		select {
		case s.ch <- ev:
		case <-s.gone:
		case <-e.quit:
			return
		}
	}
}
