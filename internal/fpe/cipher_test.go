package fpe

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raaihank/phi-sentinel/internal/core"
)

func newTestCipher(t *testing.T, opts ...Option) *Cipher {
	t.Helper()
	c, err := New("test-secret-key", opts...)
	require.NoError(t, err)
	return c
}

func classOf(b byte) byte {
	switch {
	case b >= '0' && b <= '9':
		return 'd'
	case b >= 'A' && b <= 'Z':
		return 'u'
	case b >= 'a' && b <= 'z':
		return 'l'
	}
	return b
}

func TestRoundTrip(t *testing.T) {
	c := newTestCipher(t)

	values := []string{
		"123-45-6789",
		"4111-1111-1111-1111",
		"(555) 123-4567",
		"john.doe@example.com",
		"AB1234567",
		"GB82WEST12345698765432",
		"x",
		"7",
		"Ünïcödé 42",
		"\xff\xfe 99",
		strings.Repeat("a1B", 200),
	}

	for _, v := range values {
		t.Run(v[:min(len(v), 20)], func(t *testing.T) {
			enc, err := c.Encrypt(v, "SSN")
			require.NoError(t, err)
			assert.Len(t, enc, len(v))

			for i := 0; i < len(v); i++ {
				assert.Equal(t, classOf(v[i]), classOf(enc[i]), "position %d", i)
			}

			dec, err := c.Decrypt(enc, "SSN")
			require.NoError(t, err)
			assert.Equal(t, v, dec)
		})
	}
}

func TestEncrypt(t *testing.T) {
	t.Run("ChangesValue", func(t *testing.T) {
		c := newTestCipher(t)
		enc, err := c.Encrypt("123-45-6789", "SSN")
		require.NoError(t, err)
		assert.NotEqual(t, "123-45-6789", enc)
		assert.Equal(t, byte('-'), enc[3])
		assert.Equal(t, byte('-'), enc[6])
	})

	t.Run("DeterministicAcrossInstances", func(t *testing.T) {
		a := newTestCipher(t, WithCacheSize(0))
		b := newTestCipher(t)

		ea, err := a.Encrypt("4111-1111-1111-1111", "CREDIT_CARD")
		require.NoError(t, err)
		eb, err := b.Encrypt("4111-1111-1111-1111", "CREDIT_CARD")
		require.NoError(t, err)
		assert.Equal(t, ea, eb)
	})

	t.Run("KeyTweakAndDomainSeparate", func(t *testing.T) {
		base := newTestCipher(t)
		otherKey, err := New("another-secret")
		require.NoError(t, err)
		otherTweak := newTestCipher(t, WithTweak("tenant-b"))

		plain := "987-65-4321"
		e1, _ := base.Encrypt(plain, "SSN")
		e2, _ := otherKey.Encrypt(plain, "SSN")
		e3, _ := otherTweak.Encrypt(plain, "SSN")
		e4, _ := base.Encrypt(plain, "PHONE")

		assert.NotEqual(t, e1, e2)
		assert.NotEqual(t, e1, e3)
		assert.NotEqual(t, e1, e4)
	})

	t.Run("NothingToEncrypt", func(t *testing.T) {
		c := newTestCipher(t)
		for _, v := range []string{"", "---", "@.()", "✓ ü"} {
			enc, err := c.Encrypt(v, "X")
			require.NoError(t, err)
			assert.Equal(t, v, enc)
		}
	})

	t.Run("TooLong", func(t *testing.T) {
		c := newTestCipher(t)
		_, err := c.Encrypt(strings.Repeat("9", maxSymbols+1), "X")
		require.Error(t, err)
		assert.True(t, errors.Is(err, core.ErrEncryption))
		assert.NotContains(t, err.Error(), "999")
	})
}

func TestNew(t *testing.T) {
	_, err := New("")
	assert.True(t, errors.Is(err, core.ErrConfiguration))

	_, err = New("k", WithCacheSize(-1))
	assert.True(t, errors.Is(err, core.ErrConfiguration))

	var nilCipher *Cipher
	_, err = nilCipher.Encrypt("1", "X")
	assert.True(t, errors.Is(err, core.ErrEncryption))
}

func TestCache(t *testing.T) {
	c := newTestCipher(t, WithCacheSize(8))

	enc, err := c.Encrypt("555-123-4567", "PHONE")
	require.NoError(t, err)
	assert.Equal(t, 2, c.CacheLen())

	dec, err := c.Decrypt(enc, "PHONE")
	require.NoError(t, err)
	assert.Equal(t, "555-123-4567", dec)
	assert.Equal(t, 2, c.CacheLen())

	c.ClearCache()
	assert.Equal(t, 0, c.CacheLen())

	again, err := c.Encrypt("555-123-4567", "PHONE")
	require.NoError(t, err)
	assert.Equal(t, enc, again)

	uncached := newTestCipher(t, WithCacheSize(0))
	_, err = uncached.Encrypt("1234", "X")
	require.NoError(t, err)
	assert.Equal(t, 0, uncached.CacheLen())
}

func TestConcurrentUse(t *testing.T) {
	c := newTestCipher(t, WithCacheSize(4))
	done := make(chan struct{})
	for g := 0; g < 8; g++ {
		go func() {
			defer func() { done <- struct{}{} }()
			for i := 0; i < 50; i++ {
				enc, err := c.Encrypt("123-45-6789", "SSN")
				assert.NoError(t, err)
				dec, err := c.Decrypt(enc, "SSN")
				assert.NoError(t, err)
				assert.Equal(t, "123-45-6789", dec)
			}
		}()
	}
	for g := 0; g < 8; g++ {
		<-done
	}
}
