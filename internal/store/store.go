// Package store defines the document-store contract the signaling core
// runs against. The core never talks to a concrete backend directly; it
// only needs create/read/field-update/array-append/subscribe/query over
// documents keyed by an opaque id.
//
// Delivery guarantees required from an implementation:
//   - Subscribe delivers snapshots of a document in write order.
//   - Delivery is at-least-once; consumers must tolerate duplicates.
//   - AppendToArray is atomic with respect to concurrent appenders and
//     never eliminates duplicates or reorders elements.
//
// Query followed by Create is NOT atomic; callers that need
// create-if-absent semantics have to tolerate the race (see the session
// registry).
package store

import (
	"context"
	"errors"
	"reflect"
)

var (
	// ErrNotFound is returned by Get when no document has the given id.
	ErrNotFound = errors.New("store: document not found")

	// ErrUnavailable wraps backend connectivity failures.
	ErrUnavailable = errors.New("store: backend unavailable")
)

// Record is a point-in-time snapshot of one document.
type Record struct {
	ID     string
	Fields map[string]any
}

// ChangeHandler receives document snapshots from a subscription.
// Handlers are invoked sequentially per subscription, in write order.
type ChangeHandler func(Record)

// Op is a query comparison operator.
type Op string

const (
	OpEqual Op = "=="
	OpIn    Op = "in"
)

// Predicate is one field condition of a query.
type Predicate struct {
	Field string
	Op    Op
	Value any
}

// Eq matches documents whose field equals value.
func Eq(field string, value any) Predicate {
	return Predicate{Field: field, Op: OpEqual, Value: value}
}

// In matches documents whose field equals any of the given values.
func In(field string, values ...any) Predicate {
	return Predicate{Field: field, Op: OpIn, Value: values}
}

// Store is the signaling document store contract.
type Store interface {
	// Create inserts a new document and returns its store-assigned id.
	// The store stamps a "createdAt" field on the document.
	Create(ctx context.Context, collection string, fields map[string]any) (string, error)

	// Get returns the current snapshot of a document, or ErrNotFound.
	Get(ctx context.Context, collection, id string) (Record, error)

	// UpdateFields shallow-merges the given fields into the document,
	// last write wins per field.
	UpdateFields(ctx context.Context, collection, id string, fields map[string]any) error

	// AppendToArray atomically appends value to an array field. The
	// array is created on first append. No whole-document
	// read-modify-write happens, so concurrent appenders to different
	// fields never lose updates.
	AppendToArray(ctx context.Context, collection, id, field string, value any) error

	// Subscribe registers fn for snapshots of the document after every
	// write. The returned function cancels the subscription; it is safe
	// to call more than once.
	Subscribe(ctx context.Context, collection, id string, fn ChangeHandler) (func(), error)

	// Query returns snapshots of all documents matching every predicate.
	Query(ctx context.Context, collection string, preds ...Predicate) ([]Record, error)
}

// Matches reports whether a record satisfies all predicates. Shared by
// adapters that filter client-side.
func Matches(rec Record, preds []Predicate) bool {
	for _, p := range preds {
		val, ok := rec.Fields[p.Field]
		if !ok {
			return false
		}
		switch p.Op {
		case OpEqual:
			if !reflect.DeepEqual(val, p.Value) {
				return false
			}
		case OpIn:
			values, ok := p.Value.([]any)
			if !ok {
				return false
			}
			found := false
			for _, v := range values {
				if reflect.DeepEqual(val, v) {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		default:
			return false
		}
	}
	return true
}
