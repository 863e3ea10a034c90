package property

import (
	"context"
	"sync"
)

// Capability tags how a provider produces its value.
type Capability int

const (
	CapabilitySync Capability = iota + 1
	CapabilityAsync
)

func (c Capability) String() string {
	switch c {
	case CapabilitySync:
		return "sync"
	case CapabilityAsync:
		return "async"
	default:
		return "invalid"
	}
}

// SyncSource answers immediately and must not block.
type SyncSource interface {
	Value() Value
}

// AsyncSource starts work and later settles the promise exactly once.
// Start must return promptly; the work itself runs elsewhere.
type AsyncSource interface {
	Start(ctx context.Context, p *Promise)
}

// Provider is a typed source for one property. It is either sync or async,
// never both; the registry dispatches on Capability.
type Provider struct {
	kind  Kind
	mode  Capability
	sync  SyncSource
	async AsyncSource
}

func (p Provider) Kind() Kind             { return p.kind }
func (p Provider) Capability() Capability { return p.mode }

func (p Provider) valid() bool {
	switch p.mode {
	case CapabilitySync:
		return p.sync != nil && p.kind.valid()
	case CapabilityAsync:
		return p.async != nil && p.kind.valid()
	}
	return false
}

// Sync wraps a sync source declaring kind.
func Sync(kind Kind, s SyncSource) Provider {
	return Provider{kind: kind, mode: CapabilitySync, sync: s}
}

// Async wraps an async source declaring kind.
func Async(kind Kind, a AsyncSource) Provider {
	return Provider{kind: kind, mode: CapabilityAsync, async: a}
}

type syncFunc func() Value

func (f syncFunc) Value() Value { return f() }

type asyncFunc func(ctx context.Context, p *Promise)

func (f asyncFunc) Start(ctx context.Context, p *Promise) { f(ctx, p) }

func SyncFunc(kind Kind, fn func() Value) Provider { return Sync(kind, syncFunc(fn)) }

func AsyncFunc(kind Kind, fn func(ctx context.Context, p *Promise)) Provider {
	return Async(kind, asyncFunc(fn))
}

// Static always answers v.
func Static(v Value) Provider {
	return SyncFunc(v.Kind, func() Value { return v })
}

// Promise carries one async answer back to the registry.
//
// Settling after the registry stopped waiting is a no-op. Settling twice is a no-op.
type Promise struct {
	kind Kind
	ctx  context.Context
	ch   chan Value
	once sync.Once
}

func newPromise(ctx context.Context, kind Kind) *Promise {
	return &Promise{kind: kind, ctx: ctx, ch: make(chan Value, 1)}
}

// Kind is the kind the provider declared.
func (p *Promise) Kind() Kind { return p.kind }

// Abandoned is closed once the registry no longer waits for this promise.
func (p *Promise) Abandoned() <-chan struct{} { return p.ctx.Done() }

// Resolve settles the promise with v. It reports whether the value was delivered.
func (p *Promise) Resolve(v Value) bool {
	delivered := false
	p.once.Do(func() {
		if p.ctx.Err() != nil {
			return
		}
		p.ch <- v
		delivered = true
	})
	return delivered
}

// Fail settles the promise as unknown. The error is only informational.
func (p *Promise) Fail(error) bool {
	return p.Resolve(UnknownValue(p.kind))
}
