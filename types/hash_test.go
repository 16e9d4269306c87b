package types

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewHash(t *testing.T) {
	data := make([]byte, 32)
	for i := range data {
		data[i] = byte(i)
	}

	h, err := NewHash(data)
	require.NoError(t, err)
	assert.Equal(t, Hash(data), h)

	// Mutating the input must not affect the hash
	data[0] = 0xFF
	assert.Equal(t, byte(0), h[0])
}

func TestNewHashError(t *testing.T) {
	_, err := NewHash(make([]byte, 16))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrValidation))
}

func TestMustNewHashPanics(t *testing.T) {
	assert.Panics(t, func() { MustNewHash(make([]byte, 16)) })
}

func TestHashBytes(t *testing.T) {
	data := []byte("hello world")
	h := HashBytes(data)
	assert.Len(t, h, HashSize)

	// Same input should produce same hash
	assert.True(t, HashEqual(h, HashBytes(data)))

	// Different input should produce different hash
	assert.False(t, HashEqual(h, HashBytes([]byte("different"))))
}

func TestHashConcatDoesNotAlias(t *testing.T) {
	a := make(Hash, 32, 64)
	b := HashBytes([]byte("b"))
	before := a.Copy()

	_ = HashConcat(a, b)
	_ = HashConcat(a, HashBytes([]byte("c")))

	assert.Equal(t, before, a)
	assert.Equal(t, HashConcat(a, b), HashConcat(a.Copy(), b.Copy()))
}

func TestIsHashEmpty(t *testing.T) {
	assert.True(t, IsHashEmpty(nil))
	assert.True(t, IsHashEmpty(Hash{}))
	assert.False(t, IsHashEmpty(HashBytes([]byte("x"))))
}

func TestHashStringAndShort(t *testing.T) {
	h := HashBytes([]byte("abc"))
	assert.Len(t, h.String(), 64)
	assert.Equal(t, h.String()[:8], h.Short())
	assert.Equal(t, "", Hash(nil).Short())
}

func TestKindOf(t *testing.T) {
	cases := []struct {
		err  error
		kind string
	}{
		{nil, ""},
		{errors.New("plain"), ""},
		{fmt.Errorf("%w: empty signature", ErrValidation), "ValidationError"},
		{fmt.Errorf("wrapped: %w", fmt.Errorf("%w: x", ErrByzantineRejection)), "ByzantineRejection"},
		{ErrNotFound, "NotFound"},
		{ErrIntegrityFailure, "IntegrityFailure"},
		{ErrInsufficientQuorum, "ConsensusFailure"},
		{ErrRecoveryExhausted, "RecoveryExhausted"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.kind, KindOf(tc.err), "err=%v", tc.err)
	}
}

func TestCodecDeterministic(t *testing.T) {
	v := map[string]int{"b": 2, "a": 1, "c": 3}
	first, err := Marshal(v)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := Marshal(v)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}

	var out map[string]int
	require.NoError(t, Unmarshal(first, &out))
	assert.Equal(t, v, out)
}
