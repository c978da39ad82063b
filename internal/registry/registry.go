// Package registry owns component records and ties the identity pieces
// together: UID allocation, self-signature tokens, promise obligations, the
// content-key cache, the snapshot file and the durable ledger.
//
// Records move Active → Deregistered and never back. Every Active record
// holds a signature token and a content key; a record is deregistered on
// request once its token is no longer live, or forcibly when its token
// counts down to zero or it breaks a strict promise.
//
// The reserved default UID may be held by any number of records at once.
// They cannot be told apart by UID, so operations addressed to the default
// UID apply to every record holding it.
package registry

import (
	"context"
	"io"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/avaropoint/crunchy/internal/heartbeat"
	"github.com/avaropoint/crunchy/internal/keycache"
	"github.com/avaropoint/crunchy/internal/pubsub"
	"github.com/avaropoint/crunchy/internal/security"
	"github.com/avaropoint/crunchy/internal/shell"
	"github.com/avaropoint/crunchy/internal/signature"
	"github.com/avaropoint/crunchy/internal/store"
	"github.com/avaropoint/crunchy/internal/uid"
)

// State is the lifecycle state of a component record.
type State int

const (
	Active State = iota + 1
	Deregistered
)

func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case Deregistered:
		return "deregistered"
	default:
		return "unregistered"
	}
}

func parseState(s string) State {
	switch s {
	case "active":
		return Active
	case "deregistered":
		return Deregistered
	default:
		return 0
	}
}

// ComponentRecord is the registry's view of one component.
type ComponentRecord struct {
	Serial           uint64
	UID              uid.UID
	Signed           bool
	KeySizeBits      int
	State            State
	CreatedAt        time.Time
	DeregisteredAt   *time.Time
	Countersignature string
	TokenID          string
	Key              keycache.Key
}

func (c ComponentRecord) ref() signature.Ref {
	return signature.Ref{UID: c.UID, Serial: c.Serial}
}

// Config holds registry tunables.
type Config struct {
	// TokenTTL is the initial countdown of a fresh token, in ticks.
	TokenTTL int
	// SigningTimeout bounds a countersignature request.
	SigningTimeout time.Duration
	// Retention is how long deregistered records stay visible to Lookup.
	Retention time.Duration
	// SnapshotPath is written after every successful Deregister when set.
	SnapshotPath string
	// Promise is attached to components that register without one.
	Promise heartbeat.Promise
}

// DefaultConfig returns the configuration used when none is supplied.
func DefaultConfig() Config {
	return Config{
		TokenTTL:       60,
		SigningTimeout: uid.DefaultSigningTimeout,
		Retention:      time.Hour,
		Promise:        heartbeat.Promise{Objects: heartbeat.Unbounded},
	}
}

// Option configures a Registry.
type Option func(*Registry)

// WithAuthority sets the countersigning authority used for signed UIDs.
func WithAuthority(a uid.Authority) Option { return func(r *Registry) { r.authority = a } }

// WithSigner sets the signer used for token self-signatures.
func WithSigner(s signature.Signer) Option { return func(r *Registry) { r.signer = s } }

// WithPlatform uses p both as countersigning authority and token signer.
func WithPlatform(p *security.Platform) Option {
	return func(r *Registry) {
		r.authority = p
		r.signer = p
	}
}

// WithStore records every component in the ledger s.
func WithStore(s store.Store) Option { return func(r *Registry) { r.ledger = s } }

// WithShell sets the platform shell used for snapshot paths and locks.
func WithShell(sh shell.Shell) Option { return func(r *Registry) { r.shell = sh } }

// WithRand sets the entropy source for fresh UIDs.
func WithRand(rd io.Reader) Option { return func(r *Registry) { r.rand = rd } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(r *Registry) { r.log = l } }

// entry is an owned record. mu guards rec; the registry lock guards the
// set of entries.
type entry struct {
	mu  sync.Mutex
	rec ComponentRecord
}

func (e *entry) snapshot() ComponentRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rec
}

// Registry is safe for concurrent use. Register, Deregister, Load and Tick
// hold the structure lock exclusively, so a tick never interleaves with a
// registration or deregistration.
type Registry struct {
	mu         sync.RWMutex
	records    map[uint64]*entry
	retired    map[uid.UID]struct{}
	nextSerial uint64
	// serialSynced is set once nextSerial has caught up with the ledger.
	serialSynced bool

	cfg       Config
	alloc     *uid.Allocator
	tokens    *signature.Manager
	promises  *heartbeat.Scheduler
	keys      *keycache.Cache
	retention *cache.Cache
	events    *pubsub.Broker[Event]

	authority uid.Authority
	signer    signature.Signer
	ledger    store.Store
	shell     shell.Shell
	rand      io.Reader
	log       *zap.Logger
}

// New builds a registry and starts its token goroutine. Call Close when done.
func New(cfg Config, opts ...Option) *Registry {
	def := DefaultConfig()
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = def.TokenTTL
	}
	if cfg.SigningTimeout <= 0 {
		cfg.SigningTimeout = def.SigningTimeout
	}
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}
	if cfg.Promise.Objects == 0 {
		cfg.Promise.Objects = heartbeat.Unbounded
	}

	r := &Registry{
		records: make(map[uint64]*entry),
		retired: make(map[uid.UID]struct{}),
		cfg:     cfg,
		log:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.shell == nil {
		r.shell = shell.Detect()
	}

	allocOpts := []uid.Option{uid.WithTimeout(cfg.SigningTimeout), uid.WithLogger(r.log)}
	if r.authority != nil {
		allocOpts = append(allocOpts, uid.WithAuthority(r.authority))
	}
	if r.rand != nil {
		allocOpts = append(allocOpts, uid.WithRand(r.rand))
	}
	r.alloc = uid.NewAllocator(allocOpts...)
	r.tokens = signature.NewManager(r.signer, r.log.Named("signature"))
	r.promises = heartbeat.NewScheduler(r.log.Named("heartbeat"))
	r.keys = keycache.New(r.log.Named("keycache"))
	// No janitor goroutine; expired records are swept on each tick.
	r.retention = cache.New(cfg.Retention, 0)
	r.events = pubsub.NewBroker[Event]()
	return r
}

// Close stops the token goroutine and closes every event subscription.
// The ledger belongs to the caller and is left open.
func (r *Registry) Close() {
	r.tokens.Close()
	r.events.Close()
}

// Events subscribes to the registry event stream until ctx is cancelled.
func (r *Registry) Events(ctx context.Context) <-chan Event {
	return r.events.Subscribe(ctx)
}

// Keys exposes the content-key cache.
func (r *Registry) Keys() *keycache.Cache { return r.keys }

// Lookup returns every record known under id: Active holders plus
// deregistered records still inside the retention window.
func (r *Registry) Lookup(id uid.UID) []ComponentRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id = id.Canonical()
	var out []ComponentRecord
	for _, e := range r.holders(id) {
		out = append(out, e.snapshot())
	}
	for _, item := range r.retention.Items() {
		if rec, ok := item.Object.(ComponentRecord); ok && rec.UID == id {
			out = append(out, rec)
		}
	}
	sortRecords(out)
	return out
}

// Records returns every Active record ordered by serial.
func (r *Registry) Records() []ComponentRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ComponentRecord, 0, len(r.records))
	for _, e := range r.records {
		out = append(out, e.snapshot())
	}
	sortRecords(out)
	return out
}

// holders returns the Active entries holding id, ordered by serial. Caller
// holds mu.
func (r *Registry) holders(id uid.UID) []*entry {
	id = id.Canonical()
	var out []*entry
	for _, e := range r.records {
		if e.rec.UID == id {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].rec.Serial < out[j].rec.Serial })
	return out
}

func sortRecords(recs []ComponentRecord) {
	sort.Slice(recs, func(i, j int) bool { return recs[i].Serial < recs[j].Serial })
}

func retentionKey(serial uint64) string { return strconv.FormatUint(serial, 10) }
