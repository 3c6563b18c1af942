package protect

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raaihank/phi-sentinel/internal/cache"
)

type brokenStore struct{ cache.Store }

func (brokenStore) Get(context.Context, string) ([]byte, error) {
	return nil, errors.New("connection refused")
}

func TestMappingStore(t *testing.T) {
	ctx := context.Background()

	t.Run("AppendAndLoad", func(t *testing.T) {
		s := NewMappingStore(cache.NewMemory(0), 0)

		_, err := s.Load(ctx, "s1")
		assert.True(t, errors.Is(err, ErrUnknownSession))

		got, err := s.Append(ctx, "s1", Mapping{"TOK_1": "123-45-6789"})
		require.NoError(t, err)
		assert.Equal(t, Mapping{"TOK_1": "123-45-6789"}, got)

		got, err = s.Append(ctx, "s1", Mapping{"TOK_1": "123-45-6789", "TOK_2": "Ramesh", "": "x"})
		require.NoError(t, err)
		assert.Equal(t, Mapping{"TOK_1": "123-45-6789", "TOK_2": "Ramesh"}, got)

		loaded, err := s.Load(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, got, loaded)
	})

	t.Run("ConflictIsRejected", func(t *testing.T) {
		s := NewMappingStore(cache.NewMemory(0), 0)
		_, err := s.Append(ctx, "s1", Mapping{"Anita Verma": "Jolaa Smith"})
		require.NoError(t, err)

		_, err = s.Append(ctx, "s1", Mapping{"Anita Verma": "Jojba Smith", "TOK_3": "x"})
		assert.ErrorIs(t, err, ErrMappingConflict)

		loaded, err := s.Load(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, Mapping{"Anita Verma": "Jolaa Smith"}, loaded)
		assert.Equal(t, "Jolaa Smith", Restore("Anita Verma", loaded))
	})

		t.Run("RestoresAcrossSessions", func(t *testing.T) {
		p := newProtector(t, noRules())
		s := NewMappingStore(cache.NewMemory(0), 0)

		text := "My SSN is 123-45-6789"
		res, err := p.Protect(text, Options{})
		require.NoError(t, err)
		_, err = s.Append(ctx, "req", res.Mapping)
		require.NoError(t, err)

		m, err := s.Load(ctx, "req")
		require.NoError(t, err)
		assert.Equal(t, text, Restore(res.Text, m))
	})

	t.Run("Delete", func(t *testing.T) {
		s := NewMappingStore(cache.NewMemory(0), 0)
		_, err := s.Append(ctx, "s1", Mapping{"a": "b"})
		require.NoError(t, err)
		require.NoError(t, s.Delete(ctx, "s1"))
		_, err = s.Load(ctx, "s1")
		assert.True(t, errors.Is(err, ErrUnknownSession))
	})

	t.Run("CorruptValue", func(t *testing.T) {
		mem := cache.NewMemory(0)
		require.NoError(t, mem.Set(ctx, "s1", []byte("not json"), 0))
		_, err := NewMappingStore(mem, 0).Load(ctx, "s1")
		require.Error(t, err)
		assert.False(t, errors.Is(err, ErrUnknownSession))
	})

	t.Run("BackendError", func(t *testing.T) {
		s := NewMappingStore(brokenStore{cache.NewMemory(0)}, 0)
		_, err := s.Append(ctx, "s1", Mapping{"a": "b"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "connection refused")
	})
}
