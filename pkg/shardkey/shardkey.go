// Package shardkey contains the sharding key types shared by the shard scope,
// the connection layer and the callback executor.
package shardkey

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/block/directshard/pkg/utils"
)

// SubkeySeparator joins the canonical form of composite keys.
const SubkeySeparator = utils.KeySeparator

// SubkeyType describes how a subkey value is interpreted by the datasource.
type SubkeyType string

const (
	TypeString   SubkeyType = "VARCHAR"
	TypeInteger  SubkeyType = "BIGINT"
	TypeBinary   SubkeyType = "VARBINARY"
	TypeBoolean  SubkeyType = "BOOLEAN"
	TypeDatetime SubkeyType = "DATETIME"
)

// Key identifies one physical shard. It is immutable and comparable with ==.
// The zero value means "no key".
type Key struct {
	canonical string
}

// IsZero returns true for the absent key.
func (k Key) IsZero() bool {
	return k.canonical == ""
}

func (k Key) String() string {
	return k.canonical
}

// Equal reports whether two keys name the same shard.
func (k Key) Equal(other Key) bool {
	return k.canonical == other.canonical
}

// Subkeys returns the canonical value of each subkey.
func (k Key) Subkeys() []string {
	if k.IsZero() {
		return nil
	}
	return utils.UnhashKey(k.canonical)
}

// New builds a key from one or more subkey values, inferring their types.
func New(values ...any) (Key, error) {
	b := NewBuilder()
	for _, v := range values {
		b.Subkey(v, "")
	}
	return b.Build()
}

// MustNew is like New but panics on error. It is intended for constants and tests.
func MustNew(values ...any) Key {
	k, err := New(values...)
	if err != nil {
		panic(err)
	}
	return k
}

// Builder assembles a composite Key one subkey at a time.
type Builder struct {
	parts []string
	err   error
}

func NewBuilder() *Builder {
	return &Builder{}
}

// Subkey appends a value to the key. An empty typ infers the type from the value.
// Errors are deferred until Build.
func (b *Builder) Subkey(value any, typ SubkeyType) *Builder {
	if b.err != nil {
		return b
	}
	s, err := render(value, typ)
	if err != nil {
		b.err = err
		return b
	}
	b.parts = append(b.parts, s)
	return b
}

// Build returns the key, or an InvalidArgument error if any subkey was rejected
// or no subkeys were added.
func (b *Builder) Build() (Key, error) {
	if b.err != nil {
		return Key{}, b.err
	}
	if len(b.parts) == 0 {
		return Key{}, &Error{Kind: KindInvalidArgument, Op: "build key", Err: errNoSubkeys}
	}
	return Key{canonical: utils.HashKey(b.parts)}, nil
}

func render(value any, typ SubkeyType) (string, error) {
	var s string
	var inferred SubkeyType
	switch v := value.(type) {
	case string:
		s, inferred = v, TypeString
	case []byte:
		s, inferred = fmt.Sprintf("%x", v), TypeBinary
	case int:
		s, inferred = strconv.FormatInt(int64(v), 10), TypeInteger
	case int8:
		s, inferred = strconv.FormatInt(int64(v), 10), TypeInteger
	case int16:
		s, inferred = strconv.FormatInt(int64(v), 10), TypeInteger
	case int32:
		s, inferred = strconv.FormatInt(int64(v), 10), TypeInteger
	case int64:
		s, inferred = strconv.FormatInt(v, 10), TypeInteger
	case uint:
		s, inferred = strconv.FormatUint(uint64(v), 10), TypeInteger
	case uint8:
		s, inferred = strconv.FormatUint(uint64(v), 10), TypeInteger
	case uint16:
		s, inferred = strconv.FormatUint(uint64(v), 10), TypeInteger
	case uint32:
		s, inferred = strconv.FormatUint(uint64(v), 10), TypeInteger
	case uint64:
		s, inferred = strconv.FormatUint(v, 10), TypeInteger
	case bool:
		s, inferred = strconv.FormatBool(v), TypeBoolean
	case time.Time:
		s, inferred = v.UTC().Format(time.RFC3339Nano), TypeDatetime
	case nil:
		return "", &Error{Kind: KindInvalidArgument, Op: "build key", Err: errNilSubkey}
	default:
		return "", &Error{Kind: KindInvalidArgument, Op: "build key", Err: fmt.Errorf("unsupported subkey type %T", value)}
	}
	if typ != "" && typ != inferred {
		return "", &Error{Kind: KindInvalidArgument, Op: "build key", Err: fmt.Errorf("subkey %q is %s, not %s", s, inferred, typ)}
	}
	if s == "" {
		return "", &Error{Kind: KindInvalidArgument, Op: "build key", Err: errEmptySubkey}
	}
	if strings.Contains(s, SubkeySeparator) {
		return "", &Error{Kind: KindInvalidArgument, Op: "build key", Err: fmt.Errorf("subkey %q contains the separator %q", s, SubkeySeparator)}
	}
	return s, nil
}

// Binding is the (key, super key) pair a connection is bound to.
type Binding struct {
	Key   Key
	Super Key // may be zero
}

func (b Binding) HasSuper() bool {
	return !b.Super.IsZero()
}

func (b Binding) Equal(other Binding) bool {
	return b.Key.Equal(other.Key) && b.Super.Equal(other.Super)
}

func (b Binding) String() string {
	if b.HasSuper() {
		return b.Super.String() + "/" + b.Key.String()
	}
	return b.Key.String()
}
