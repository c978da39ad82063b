package uid

import (
	"context"
	"crypto/rand"
	"errors"
	"io"
	"math/big"
	"time"

	"go.uber.org/zap"

	"github.com/avaropoint/crunchy/internal/fault"
)

// DefaultSigningTimeout bounds a countersignature round trip when no
// timeout is configured.
const DefaultSigningTimeout = 5 * time.Second

// Countersignature is an authority's endorsement of a UID.
type Countersignature struct {
	UID       UID
	Signature string
}

// Authority countersigns UIDs. It is an external collaborator and may block.
type Authority interface {
	Countersign(ctx context.Context, id UID, keySizeBits int) (Countersignature, error)
}

// Request describes what a component asks for at registration.
type Request struct {
	HasUID       bool
	HasSignedUID bool
	KeySizeBits  int
	// UID is an identifier the component already owns. When nil and
	// HasUID is set, a fresh one is generated.
	UID *UID
}

// Allocation is the outcome of a successful Allocate.
type Allocation struct {
	UID              UID
	Signed           bool
	KeySizeBits      int
	Countersignature string
}

// Allocator generates and validates UIDs. It never registers anything.
type Allocator struct {
	authority Authority
	timeout   time.Duration
	rand      io.Reader
	log       *zap.Logger
}

// Option configures an Allocator.
type Option func(*Allocator)

// WithAuthority sets the countersigning authority for signed UIDs.
func WithAuthority(a Authority) Option { return func(al *Allocator) { al.authority = a } }

// WithTimeout bounds each countersignature call.
func WithTimeout(d time.Duration) Option { return func(al *Allocator) { al.timeout = d } }

// WithRand replaces the entropy source.
func WithRand(r io.Reader) Option { return func(al *Allocator) { al.rand = r } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(al *Allocator) { al.log = l } }

// NewAllocator returns an Allocator. Without an authority every signed
// request fails with SigningUnavailable.
func NewAllocator(opts ...Option) *Allocator {
	a := &Allocator{
		timeout: DefaultSigningTimeout,
		rand:    rand.Reader,
		log:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Allocate resolves the UID for req.
func (a *Allocator) Allocate(ctx context.Context, req Request) (Allocation, error) {
	if !req.HasUID {
		return Allocation{UID: Default, KeySizeBits: req.KeySizeBits}, nil
	}
	if !ValidKeySize(req.KeySizeBits) {
		return Allocation{}, fault.New(fault.InvalidKeySize,
			"%d bits outside %d..%d", req.KeySizeBits, MinKeySize, MaxKeySize)
	}

	var id UID
	if req.UID != nil {
		if req.UID.Big().Sign() < 0 || !req.UID.Fits(req.KeySizeBits) {
			return Allocation{}, fault.New(fault.InvalidUID, "%s does not fit %d bits", *req.UID, req.KeySizeBits)
		}
		id = req.UID.Canonical()
		if id.IsDefault() {
			return Allocation{}, fault.New(fault.InvalidUID, "%s is reserved", *req.UID)
		}
	} else {
		var err error
		if id, err = a.generate(req.KeySizeBits); err != nil {
			return Allocation{}, err
		}
	}

	alloc := Allocation{UID: id, KeySizeBits: req.KeySizeBits}
	if !req.HasSignedUID {
		return alloc, nil
	}

	cs, err := a.countersign(ctx, id, req.KeySizeBits)
	if err != nil {
		a.log.Warn("Countersignature unavailable", zap.Stringer("uid", id), zap.Error(err))
		return Allocation{}, err
	}
	alloc.Signed = true
	alloc.Countersignature = cs.Signature
	return alloc, nil
}

// generate draws uniformly from [0, 2^bits), skipping the reserved value.
func (a *Allocator) generate(bits int) (UID, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), uint(bits))
	for {
		n, err := rand.Int(a.rand, limit)
		if err != nil {
			return "", fault.Wrap(fault.InvalidUID, err, "read entropy")
		}
		if id := FromBig(n); !id.IsDefault() {
			return id, nil
		}
	}
}

func (a *Allocator) countersign(ctx context.Context, id UID, bits int) (Countersignature, error) {
	if a.authority == nil {
		return Countersignature{}, fault.New(fault.SigningUnavailable, "no signing authority configured")
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	type result struct {
		cs  Countersignature
		err error
	}
	done := make(chan result, 1)
	go func() {
		cs, err := a.authority.Countersign(ctx, id, bits)
		done <- result{cs, err}
	}()

	select {
	case <-ctx.Done():
		return Countersignature{}, fault.Wrap(fault.SigningUnavailable, ctx.Err(), "countersign %s", id)
	case r := <-done:
		if r.err != nil {
			if errors.Is(r.err, fault.ErrSigningUnavailable) {
				return Countersignature{}, r.err
			}
			return Countersignature{}, fault.Wrap(fault.SigningUnavailable, r.err, "countersign %s", id)
		}
		if r.cs.UID != id {
			return Countersignature{}, fault.New(fault.SigningUnavailable,
				"authority countersigned %s, asked for %s", r.cs.UID, id)
		}
		return r.cs, nil
	}
}
