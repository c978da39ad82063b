// Package signature manages self-signature tokens and their time-to-live.
//
// Tokens live in a table owned by a single goroutine. Callers never touch a
// token directly; they submit intents (mint, retire, renew, tick) that run
// one at a time inside that goroutine, so a countdown can never race an
// explicit retirement.
//
// TTLs are counted in scheduler ticks. A token whose countdown reaches zero
// is expired and reported by Tick; a token retired immediately through
// Retire is expired without being reported.
package signature

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/avaropoint/crunchy/internal/fault"
	"github.com/avaropoint/crunchy/internal/uid"
)

// ErrClosed is returned for intents submitted after Close.
var ErrClosed = errors.New("signature manager closed")

// Ref identifies the component record a token authenticates. Serial
// separates records that share the default UID.
type Ref struct {
	UID    uid.UID
	Serial uint64
}

func (r Ref) String() string { return fmt.Sprintf("%s#%d", r.UID, r.Serial) }

// Token is a self-signature with a countdown.
type Token struct {
	ID        string
	Ref       Ref
	TimeAlive int
	Expired   bool
	Retired   bool
	Signature string
	MintedAt  time.Time
}

// Signer produces self-signatures.
type Signer interface {
	Sign(msg []byte) string
}

// Lifecycle is the capability set the registry relies on.
type Lifecycle interface {
	Mint(ctx context.Context, ref Ref, initialTTL int) (Token, error)
	Retire(ctx context.Context, ref Ref, timeLeftAlive int) error
	IsExpired(ctx context.Context, ref Ref) (bool, error)
}

type table map[Ref]*Token

// Manager is the single concrete Lifecycle.
type Manager struct {
	intents   chan func(table)
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	signer    Signer
	log       *zap.Logger
}

// NewManager starts the token goroutine. A nil signer falls back to an
// unkeyed SHA-256 digest.
func NewManager(signer Signer, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	m := &Manager{
		intents: make(chan func(table)),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
		signer:  signer,
		log:     log,
	}
	go m.loop()
	return m
}

func (m *Manager) loop() {
	defer close(m.done)
	tokens := make(table)
	for {
		select {
		case fn := <-m.intents:
			fn(tokens)
		case <-m.quit:
			return
		}
	}
}

// Close stops the token goroutine. Pending intents fail with ErrClosed.
func (m *Manager) Close() {
	m.closeOnce.Do(func() { close(m.quit) })
	<-m.done
}

// do runs fn inside the token goroutine and waits for it.
func (m *Manager) do(ctx context.Context, fn func(table)) error {
	finished := make(chan struct{})
	intent := func(t table) {
		defer close(finished)
		fn(t)
	}
	select {
	case m.intents <- intent:
	case <-m.quit:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	<-finished
	return nil
}

// Mint creates the self-signature for ref with a countdown of initialTTL ticks.
func (m *Manager) Mint(ctx context.Context, ref Ref, initialTTL int) (Token, error) {
	if initialTTL <= 0 {
		return Token{}, fault.New(fault.InvalidTTL, "ttl %d for %s", initialTTL, ref)
	}
	var out Token
	var err error
	if derr := m.do(ctx, func(t table) {
		if cur, ok := t[ref]; ok && !cur.Expired {
			err = fault.New(fault.DuplicateProcess, "%s already has live token %s", ref, cur.ID)
			return
		}
		out = m.mint(t, ref, initialTTL)
	}); derr != nil {
		return Token{}, derr
	}
	return out, err
}

// Renew re-arms the token for ref, minting one if none exists. A live
// token is a DuplicateProcess.
func (m *Manager) Renew(ctx context.Context, ref Ref, timeAlive int) (Token, error) {
	return m.Mint(ctx, ref, timeAlive)
}

func (m *Manager) mint(t table, ref Ref, ttl int) Token {
	id := uuid.NewString()
	tok := &Token{
		ID:        id,
		Ref:       ref,
		TimeAlive: ttl,
		Signature: m.sign([]byte(id + "|" + ref.String())),
		MintedAt:  time.Now(),
	}
	t[ref] = tok
	m.log.Debug("Minted signature token", zap.Stringer("ref", ref), zap.String("token", id), zap.Int("ttl", ttl))
	return *tok
}

func (m *Manager) sign(msg []byte) string {
	if m.signer != nil {
		return m.signer.Sign(msg)
	}
	h := sha256.Sum256(msg)
	return hex.EncodeToString(h[:])
}

// Retire ends the token for ref before its natural expiry. With
// timeLeftAlive <= 0 it expires at once; otherwise the countdown is clamped
// to timeLeftAlive ticks. A missing token is an UnknownProcess.
func (m *Manager) Retire(ctx context.Context, ref Ref, timeLeftAlive int) error {
	var err error
	if derr := m.do(ctx, func(t table) {
		tok, ok := t[ref]
		if !ok {
			err = fault.New(fault.UnknownProcess, "no token for %s", ref)
			return
		}
		tok.Retired = true
		if timeLeftAlive <= 0 {
			tok.TimeAlive = 0
			tok.Expired = true
			return
		}
		if timeLeftAlive < tok.TimeAlive {
			tok.TimeAlive = timeLeftAlive
		}
	}); derr != nil {
		return derr
	}
	return err
}

// IsExpired reports whether the token for ref has expired.
func (m *Manager) IsExpired(ctx context.Context, ref Ref) (bool, error) {
	var expired bool
	var err error
	if derr := m.do(ctx, func(t table) {
		tok, ok := t[ref]
		if !ok {
			err = fault.New(fault.UnknownProcess, "no token for %s", ref)
			return
		}
		expired = tok.Expired
	}); derr != nil {
		return false, derr
	}
	return expired, err
}

// Get returns a copy of the token for ref.
func (m *Manager) Get(ctx context.Context, ref Ref) (Token, bool, error) {
	var out Token
	var found bool
	err := m.do(ctx, func(t table) {
		if tok, ok := t[ref]; ok {
			out, found = *tok, true
		}
	})
	return out, found, err
}

// Release destroys the token for ref. It reports whether one existed.
func (m *Manager) Release(ctx context.Context, ref Ref) (bool, error) {
	var existed bool
	err := m.do(ctx, func(t table) {
		_, existed = t[ref]
		delete(t, ref)
	})
	return existed, err
}

// Tick decrements every live token once and returns those whose countdown
// reached zero during this tick.
func (m *Manager) Tick(ctx context.Context) ([]Token, error) {
	var expired []Token
	err := m.do(ctx, func(t table) {
		for _, tok := range t {
			if tok.Expired {
				continue
			}
			tok.TimeAlive--
			if tok.TimeAlive <= 0 {
				tok.TimeAlive = 0
				tok.Expired = true
				expired = append(expired, *tok)
			}
		}
	})
	return expired, err
}

// Len returns the number of tokens in the table, expired ones included.
func (m *Manager) Len(ctx context.Context) (int, error) {
	var n int
	err := m.do(ctx, func(t table) { n = len(t) })
	return n, err
}
