// Package memory is an in-process store.Store used by tests and
// single-node deployments. It is the reference implementation of the
// contract's ordering guarantees: every write produces one snapshot per
// subscriber, delivered in write order by a dedicated drain goroutine.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sparebook/callkit/internal/metrics"
	"github.com/sparebook/callkit/internal/store"
)

type Memory struct {
	mu          sync.Mutex
	collections map[string]map[string]*document
}

type document struct {
	fields  map[string]any
	subs    map[int]*subscriber
	nextSub int
}

// subscriber queues snapshots so that store mutations never block on a
// slow consumer while still delivering every snapshot in order.
type subscriber struct {
	mu     sync.Mutex
	queue  []store.Record
	wake   chan struct{}
	done   chan struct{}
	closed bool
}

func newSubscriber() *subscriber {
	return &subscriber{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

func (s *subscriber) push(rec store.Record) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, rec)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) drain(fn store.ChangeHandler) {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}
		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			rec := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			fn(rec)
		}
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.done)
	}
	s.mu.Unlock()
}

func New() *Memory {
	return &Memory{collections: make(map[string]map[string]*document)}
}

func (m *Memory) Create(_ context.Context, collection string, fields map[string]any) (string, error) {
	id := uuid.NewString()

	m.mu.Lock()
	defer m.mu.Unlock()

	docs, ok := m.collections[collection]
	if !ok {
		docs = make(map[string]*document)
		m.collections[collection] = docs
	}

	doc := &document{
		fields: copyFields(fields),
		subs:   make(map[int]*subscriber),
	}
	doc.fields["createdAt"] = time.Now().UTC()
	docs[id] = doc

	metrics.StoreOperationsTotal.WithLabelValues("create", "ok").Inc()
	return id, nil
}

func (m *Memory) Get(_ context.Context, collection, id string) (store.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	doc, err := m.lookup(collection, id)
	if err != nil {
		return store.Record{}, err
	}
	return store.Record{ID: id, Fields: copyFields(doc.fields)}, nil
}

func (m *Memory) UpdateFields(_ context.Context, collection, id string, fields map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	doc, err := m.lookup(collection, id)
	if err != nil {
		return err
	}
	for k, v := range fields {
		doc.fields[k] = copyValue(v)
	}
	m.notify(id, doc)
	metrics.StoreOperationsTotal.WithLabelValues("update", "ok").Inc()
	return nil
}

func (m *Memory) AppendToArray(_ context.Context, collection, id, field string, value any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	doc, err := m.lookup(collection, id)
	if err != nil {
		return err
	}

	current, _ := doc.fields[field].([]any)
	doc.fields[field] = append(current, copyValue(value))
	m.notify(id, doc)
	metrics.StoreOperationsTotal.WithLabelValues("append", "ok").Inc()
	return nil
}

func (m *Memory) Subscribe(_ context.Context, collection, id string, fn store.ChangeHandler) (func(), error) {
	m.mu.Lock()
	doc, err := m.lookup(collection, id)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}

	sub := newSubscriber()
	key := doc.nextSub
	doc.nextSub++
	doc.subs[key] = sub
	m.mu.Unlock()

	go sub.drain(fn)
	metrics.StoreSubscriptions.Inc()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			m.mu.Lock()
			delete(doc.subs, key)
			m.mu.Unlock()
			sub.close()
			metrics.StoreSubscriptions.Dec()
		})
	}
	return cancel, nil
}

func (m *Memory) Query(_ context.Context, collection string, preds ...store.Predicate) ([]store.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []store.Record
	for id, doc := range m.collections[collection] {
		rec := store.Record{ID: id, Fields: copyFields(doc.fields)}
		if store.Matches(rec, preds) {
			out = append(out, rec)
		}
	}
	metrics.StoreOperationsTotal.WithLabelValues("query", "ok").Inc()
	return out, nil
}

// notify snapshots the document and queues it for every subscriber.
// Called with m.mu held, which is what serializes snapshots into write
// order across all subscribers.
func (m *Memory) notify(id string, doc *document) {
	if len(doc.subs) == 0 {
		return
	}
	rec := store.Record{ID: id, Fields: copyFields(doc.fields)}
	for _, sub := range doc.subs {
		sub.push(rec)
	}
}

func (m *Memory) lookup(collection, id string) (*document, error) {
	doc, ok := m.collections[collection][id]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", store.ErrNotFound, collection, id)
	}
	return doc, nil
}

func copyFields(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return copyFields(val)
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = copyValue(e)
		}
		return out
	default:
		return v
	}
}
