// Package shardctx holds the active sharding keys for one unit of work.
//
// A Scope is a mutable slot carried in a context.Context. The executor
// attaches a fresh Scope to the context it hands to the unit of work,
// sets the keys, and clears them when the unit of work returns. Any code
// below it that is given the context (including goroutines it starts)
// reads the same Scope; separate units of work never share one.
package shardctx

import (
	"context"
	"sync"

	"github.com/block/directshard/pkg/shardkey"
	"github.com/google/uuid"
)

type contextKey int

const scopeKey contextKey = iota

// Scope is the shard context of a single unit of work.
type Scope struct {
	id    string
	mu    sync.RWMutex
	key   shardkey.Key
	super shardkey.Key
}

// NewContext returns a derived context carrying a new, empty Scope.
func NewContext(parent context.Context) (context.Context, *Scope) {
	s := &Scope{id: uuid.New().String()}
	return context.WithValue(parent, scopeKey, s), s
}

// FromContext returns the Scope carried by ctx, or nil.
func FromContext(ctx context.Context) *Scope {
	if ctx == nil {
		return nil
	}
	s, _ := ctx.Value(scopeKey).(*Scope)
	return s
}

// ID identifies the scope in logs. Methods on a nil *Scope are no-ops
// that report no keys.
func (s *Scope) ID() string {
	if s == nil {
		return ""
	}
	return s.id
}

func (s *Scope) SetShardingKey(k shardkey.Key) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.key = k
}

func (s *Scope) SetSuperShardingKey(k shardkey.Key) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.super = k
}

// Clear removes both keys.
func (s *Scope) Clear() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.key = shardkey.Key{}
	s.super = shardkey.Key{}
}

func (s *Scope) ShardingKey() (shardkey.Key, bool) {
	if s == nil {
		return shardkey.Key{}, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.key, !s.key.IsZero()
}

func (s *Scope) SuperShardingKey() (shardkey.Key, bool) {
	if s == nil {
		return shardkey.Key{}, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.super, !s.super.IsZero()
}

// Binding returns both keys as a single value. It reports false when no
// sharding key is set; a super key on its own is not a binding.
func (s *Scope) Binding() (shardkey.Binding, bool) {
	if s == nil {
		return shardkey.Binding{}, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.key.IsZero() {
		return shardkey.Binding{}, false
	}
	return shardkey.Binding{Key: s.key, Super: s.super}, true
}

// ShardingKey returns the sharding key active in ctx.
func ShardingKey(ctx context.Context) (shardkey.Key, bool) {
	return FromContext(ctx).ShardingKey()
}

// SuperShardingKey returns the super sharding key active in ctx.
func SuperShardingKey(ctx context.Context) (shardkey.Key, bool) {
	return FromContext(ctx).SuperShardingKey()
}

// BindingFrom returns the binding active in ctx.
func BindingFrom(ctx context.Context) (shardkey.Binding, bool) {
	return FromContext(ctx).Binding()
}
