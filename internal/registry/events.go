package registry

import (
	"time"

	"github.com/avaropoint/crunchy/internal/uid"
)

// EventKind classifies registry events.
type EventKind int

const (
	EventRegistered EventKind = iota + 1
	EventDeregistered
	EventTokenExpired
	EventPromiseViolation
	EventPromiseMissed
	EventPromiseRetired
	EventIntegrityMismatch
)

func (k EventKind) String() string {
	switch k {
	case EventRegistered:
		return "registered"
	case EventDeregistered:
		return "deregistered"
	case EventTokenExpired:
		return "token_expired"
	case EventPromiseViolation:
		return "promise_violation"
	case EventPromiseMissed:
		return "promise_missed"
	case EventPromiseRetired:
		return "promise_retired"
	case EventIntegrityMismatch:
		return "integrity_mismatch"
	default:
		return "unknown"
	}
}

// Event is published on the registry event stream.
type Event struct {
	Kind   EventKind
	UID    uid.UID
	Serial uint64
	Err    error
	At     time.Time
}

func newEvent(kind EventKind, rec ComponentRecord, err error) Event {
	return Event{Kind: kind, UID: rec.UID, Serial: rec.Serial, Err: err, At: time.Now()}
}

func (r *Registry) publish(events []Event) {
	for _, ev := range events {
		r.events.Publish(ev)
	}
}
