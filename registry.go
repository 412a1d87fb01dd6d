package absinthews

import (
	"errors"
	"iter"
	"sync"
)

// ErrDuplicateOperationID is returned by RegisterPending when the client
// operation id is already tracked.
var ErrDuplicateOperationID = errors.New("operation id already tracked")

// Subscription holds all information about one logical client subscription:
// the caller-chosen operation id, the document needed to (re)subscribe, and,
// once the subscribe push has been acknowledged, the server-assigned topic id.
type Subscription struct {
	ID            string
	Query         string
	Variables     map[string]interface{}
	OperationName string

	topicID string
	bound   bool
}

// TopicID returns the server-assigned topic id and whether the record is
// bound. The id is empty while the subscription is pending.
func (s *Subscription) TopicID() (string, bool) {
	return s.topicID, s.bound
}

// Registry tracks the subscription records of a translator. The translator is
// the only writer; the registry serializes access to the collection under a
// single lock so acknowledgments arriving on the socket's read loop can race
// client-protocol messages safely.
type Registry struct {
	mu      sync.Mutex
	records map[string]*Subscription
	order   []string
	byTopic map[string][]*Subscription
}

// NewRegistry creates an empty subscription registry.
func NewRegistry() *Registry {
	return &Registry{
		records: make(map[string]*Subscription),
		byTopic: make(map[string][]*Subscription),
	}
}

// RegisterPending inserts a new pending record under the given operation id.
func (r *Registry) RegisterPending(id string, payload *StartMessagePayload) (*Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.records[id]; exists {
		return nil, ErrDuplicateOperationID
	}

	sub := &Subscription{
		ID:            id,
		Query:         payload.Query,
		Variables:     payload.Variables,
		OperationName: payload.OperationName,
	}
	r.records[id] = sub
	r.order = append(r.order, id)
	return sub, nil
}

// Bind records the server topic id acknowledged for the record and marks it
// bound. Re-binding an already bound record (a replay after reconnection)
// moves it to the new topic id. The record must still be the one tracked
// under its operation id, by identity: a racing stop may legitimately have
// removed it before its acknowledgment arrived, and a stop followed by a
// restart of the same id tracks a different record that a stale
// acknowledgment must not touch. In both cases Bind returns false and
// changes nothing.
func (r *Registry) Bind(sub *Subscription, topicID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.records[sub.ID] != sub {
		return false
	}
	if sub.bound {
		r.detachFromTopic(sub)
	}
	sub.topicID = topicID
	sub.bound = true
	r.byTopic[topicID] = append(r.byTopic[topicID], sub)
	return true
}

// Remove drops the record for the operation id, if tracked. The boolean
// reports whether the server should be unsubscribed from the record's topic:
// true iff the record was bound and no other record remains bound to the same
// topic id.
func (r *Registry) Remove(id string) (*Subscription, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, exists := r.records[id]
	if !exists {
		return nil, false
	}
	return sub, r.removeLocked(sub)
}

// Evict removes the record only if it is still the one tracked under its
// operation id, by identity. Used when a subscribe push fails: a stale
// acknowledgment for a record that was stopped and restarted in the meantime
// must not evict the restarted record. Returns false if the record was no
// longer tracked.
func (r *Registry) Evict(sub *Subscription) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.records[sub.ID] != sub {
		return false
	}
	r.removeLocked(sub)
	return true
}

// removeLocked drops the record and reports whether the server should be
// unsubscribed from its topic. Caller holds the lock.
func (r *Registry) removeLocked(sub *Subscription) bool {
	delete(r.records, sub.ID)
	for i, trackedID := range r.order {
		if trackedID == sub.ID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	if !sub.bound {
		return false
	}
	r.detachFromTopic(sub)
	return len(r.byTopic[sub.topicID]) == 0
}

// detachFromTopic splices the record out of its topic's bind-order slice.
// Caller holds the lock.
func (r *Registry) detachFromTopic(sub *Subscription) {
	subs := r.byTopic[sub.topicID]
	for i, s := range subs {
		if s == sub {
			subs = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(subs) == 0 {
		delete(r.byTopic, sub.topicID)
		return
	}
	r.byTopic[sub.topicID] = subs
}

// ByTopic returns the records currently bound to the topic id, in the order
// they were bound. The returned slice is a snapshot owned by the caller.
func (r *Registry) ByTopic(topicID string) []*Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	subs := r.byTopic[topicID]
	if len(subs) == 0 {
		return nil
	}
	out := make([]*Subscription, len(subs))
	copy(out, subs)
	return out
}

// All returns a restartable sequence over every tracked record, pending and
// bound, in the order they were registered. Each iteration ranges over a
// snapshot, so the registry may be mutated while ranging.
func (r *Registry) All() iter.Seq[*Subscription] {
	return func(yield func(*Subscription) bool) {
		r.mu.Lock()
		subs := make([]*Subscription, 0, len(r.order))
		for _, id := range r.order {
			subs = append(subs, r.records[id])
		}
		r.mu.Unlock()

		for _, sub := range subs {
			if !yield(sub) {
				return
			}
		}
	}
}

// Len returns the number of tracked records, pending and bound.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

// Clear drops every record without computing unsubscribe decisions. Used on
// translator shutdown.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = make(map[string]*Subscription)
	r.order = r.order[:0]
	r.byTopic = make(map[string][]*Subscription)
}
