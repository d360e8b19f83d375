// Package feed abstracts the realtime change stream behind the engine.
//
// A Source opens one Stream per (resource, scope) topic. The stream yields
// raw row changes as the backend observed them: an operation tag plus the
// new and old row images where available. Deletes frequently carry only the
// row's primary key, because the backend's replica identity does not retain
// other columns; consumers must be prepared for Old to hold nothing but
// "id".
package feed

import (
	"context"
	"errors"
)

// Op classifies a raw row change.
type Op uint8

const (
	OpInsert Op = iota + 1
	OpUpdate
	OpDelete
)

func (o Op) String() string {
	switch o {
	case OpInsert:
		return "insert"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// ParseOp maps a backend operation tag to an Op. Matching is
// case-insensitive over the common INSERT/UPDATE/DELETE spellings.
func ParseOp(s string) (Op, error) {
	switch s {
	case "INSERT", "insert", "Insert":
		return OpInsert, nil
	case "UPDATE", "update", "Update":
		return OpUpdate, nil
	case "DELETE", "delete", "Delete":
		return OpDelete, nil
	default:
		return 0, errors.New("feed: unknown op " + s)
	}
}

// Fields is a stringly row image. Numeric and boolean column values are
// carried in their literal form.
type Fields map[string]string

// Get returns the value for name, or "" when absent. Safe on nil maps.
func (f Fields) Get(name string) string {
	if f == nil {
		return ""
	}
	return f[name]
}

// Topic names one subscription target: a resource filtered to a scope.
type Topic struct {
	Resource string
	Scope    string
}

func (t Topic) String() string { return t.Resource + ":" + t.Scope }

// Change is one raw row change delivered on a stream.
type Change struct {
	Topic Topic
	Op    Op
	New   Fields // nil for deletes
	Old   Fields // nil for inserts; may hold only "id" for deletes
}

// Row returns the most informative row image available.
func (c Change) Row() Fields {
	if c.New != nil {
		return c.New
	}
	return c.Old
}

// ID returns the primary key of the changed row, or "".
func (c Change) ID() string {
	return c.Row().Get("id")
}

// Stream is one live subscription. Changes is closed when the stream ends;
// Err reports why (nil after a clean Close).
type Stream interface {
	Changes() <-chan Change
	Err() error
	Close(ctx context.Context) error
}

// Source opens streams. Open must respect ctx for the duration of
// connection establishment; a ctx deadline maps to a subscribe timeout.
type Source interface {
	Open(ctx context.Context, t Topic) (Stream, error)
}
