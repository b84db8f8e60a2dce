package shardkey

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewKey(t *testing.T) {
	k, err := New("customer", 42)
	require.NoError(t, err)
	assert.Equal(t, "customer-#-42", k.String())
	assert.Equal(t, []string{"customer", "42"}, k.Subkeys())
	assert.False(t, k.IsZero())

	// Same subkeys are the same key, regardless of integer width.
	k2, err := New("customer", int64(42))
	require.NoError(t, err)
	assert.True(t, k.Equal(k2))
	assert.Equal(t, k, k2) // comparable with ==

	k3 := MustNew("customer", 43)
	assert.False(t, k.Equal(k3))

	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.FixedZone("x", 3600))
	k4 := MustNew(ts, []byte{0xca, 0xfe}, true, uint8(7))
	assert.Equal(t, "2024-01-02T02:04:05Z-#-cafe-#-true-#-7", k4.String())
}

func TestNewKeyInvalid(t *testing.T) {
	tests := []struct {
		name   string
		values []any
	}{
		{"no subkeys", nil},
		{"nil subkey", []any{nil}},
		{"empty string", []any{""}},
		{"unsupported type", []any{3.14}},
		{"separator in value", []any{"a-#-b"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			k, err := New(tt.values...)
			assert.ErrorIs(t, err, ErrInvalidArgument)
			assert.True(t, k.IsZero())
		})
	}
	assert.Panics(t, func() { MustNew() })
}

func TestBuilderTypes(t *testing.T) {
	k, err := NewBuilder().Subkey("eu", TypeString).Subkey(12, TypeInteger).Build()
	require.NoError(t, err)
	assert.Equal(t, "eu-#-12", k.String())

	// A declared type that does not match the value is rejected,
	// and later subkeys do not clear the error.
	_, err = NewBuilder().Subkey("eu", TypeInteger).Subkey(12, "").Build()
	assert.ErrorIs(t, err, ErrInvalidArgument)
	assert.Contains(t, err.Error(), "VARCHAR, not BIGINT")
}

func TestZeroKey(t *testing.T) {
	var k Key
	assert.True(t, k.IsZero())
	assert.Empty(t, k.String())
	assert.Nil(t, k.Subkeys())
}

func TestBinding(t *testing.T) {
	a := Binding{Key: MustNew("-80")}
	b := Binding{Key: MustNew("-80"), Super: MustNew("commerce")}
	assert.False(t, a.HasSuper())
	assert.True(t, b.HasSuper())
	assert.False(t, a.Equal(b))
	assert.True(t, b.Equal(Binding{Key: MustNew("-80"), Super: MustNew("commerce")}))
	assert.Equal(t, "-80", a.String())
	assert.Equal(t, "commerce/-80", b.String())
}

func TestErrorKinds(t *testing.T) {
	cause := errors.New("pool exhausted")
	err := fmt.Errorf("loading orders: %w", &Error{Kind: KindAcquisition, Op: "acquire", Err: cause})

	assert.ErrorIs(t, err, ErrAcquisition)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrCrossShardBinding)
	assert.Equal(t, KindAcquisition, KindOf(err))
	assert.Equal(t, "loading orders: acquire: failed to obtain connection: pool exhausted", err.Error())

	assert.Equal(t, KindCaller, KindOf(cause))
	assert.Equal(t, KindCaller, KindOf(nil))
	assert.Equal(t, "cross-shard binding", ErrCrossShardBinding.Error())
	assert.Equal(t, "unknown", Kind(99).String())
}
