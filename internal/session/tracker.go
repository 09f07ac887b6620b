package session

import (
	"context"

	"aselect/internal/domain"
)

// Tracker defers session writes until the end of a request so a handler can
// mutate the session several times and pay one store write. One tracker per
// request; not safe for concurrent use (the browser holding the RID is the
// only writer).
type Tracker struct {
	store   Store
	updated *domain.Session
	deleted string
}

// NewTracker wraps a store for one request.
func NewTracker(store Store) *Tracker {
	return &Tracker{store: store}
}

// MarkUpdated schedules a full-replace write of the session.
func (t *Tracker) MarkUpdated(sess *domain.Session) {
	t.updated = sess
}

// MarkDeleted schedules deletion. Deletion wins over a pending update for the
// same RID.
func (t *Tracker) MarkDeleted(rid string) {
	t.deleted = rid
}

// Flush applies the deferred mutation, delete first. A flush with nothing
// marked is a no-op.
func (t *Tracker) Flush(ctx context.Context) error {
	if t.deleted != "" {
		rid := t.deleted
		t.deleted = ""
		t.updated = nil
		return t.store.Delete(ctx, rid)
	}
	if t.updated != nil {
		sess := t.updated
		t.updated = nil
		return t.store.Update(ctx, sess)
	}
	return nil
}
