package server

import (
	"context"
	"sync"

	"github.com/MarcoPoloResearchLab/fleetsync/internal/protocol"
)

const (
	RealtimeEventChange    = "change"
	realtimeEventHeartbeat = "heartbeat"
	realtimeSourceBackend  = "fleetsync-backend"
	allTablesKey           = "*"
)

// ChangeFilter narrows a change subscription. Empty fields match everything.
type ChangeFilter struct {
	Table string
	Event string
}

func (f ChangeFilter) matches(event protocol.ChangeEvent) bool {
	return f.Event == "" || f.Event == event.Event
}

// RealtimeDispatcher fans committed row changes out to change-feed subscribers.
// It satisfies rows.ChangePublisher.
type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*realtimeSubscriber
	nextID      int64
	bufferSize  int
}

type realtimeSubscriber struct {
	id     int64
	filter ChangeFilter
	stream chan protocol.ChangeEvent
}

func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		subscribers: make(map[string]map[int64]*realtimeSubscriber),
		bufferSize:  64,
	}
}

// Subscribe registers a subscriber until ctx is done or the returned cleanup runs.
func (d *RealtimeDispatcher) Subscribe(ctx context.Context, filter ChangeFilter) (<-chan protocol.ChangeEvent, func()) {
	filter.Table = protocol.NormalizeTable(filter.Table)
	key := filter.Table
	if key == "" {
		key = allTablesKey
	}
	subscriber := &realtimeSubscriber{
		id:     d.nextSequence(),
		filter: filter,
		stream: make(chan protocol.ChangeEvent, d.bufferSize),
	}
	d.registerSubscriber(key, subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() { d.unregisterSubscriber(key, subscriber.id) })
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// PublishChange delivers event to matching subscribers. Slow subscribers miss events.
func (d *RealtimeDispatcher) PublishChange(event protocol.ChangeEvent) {
	if event.Table == "" || event.Event == "" {
		return
	}
	d.mu.RLock()
	targets := make([]*realtimeSubscriber, 0)
	for _, key := range []string{event.Table, allTablesKey} {
		for _, subscriber := range d.subscribers[key] {
			if subscriber.filter.matches(event) {
				targets = append(targets, subscriber)
			}
		}
	}
	d.mu.RUnlock()
	for _, subscriber := range targets {
		select {
		case subscriber.stream <- event:
		default:
		}
	}
}

func (d *RealtimeDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *RealtimeDispatcher) registerSubscriber(key string, subscriber *realtimeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[key]; !ok {
		d.subscribers[key] = make(map[int64]*realtimeSubscriber)
	}
	d.subscribers[key][subscriber.id] = subscriber
}

func (d *RealtimeDispatcher) unregisterSubscriber(key string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[key]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, key)
		}
	}
	d.mu.Unlock()
}
