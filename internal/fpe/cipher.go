// Package fpe implements a deterministic, format-preserving cipher for
// short identifiers. Digits stay digits and letters keep their case; every
// other byte is left where it was.
package fpe

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"hash"
	"io"
	"math/big"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/crypto/hkdf"

	"github.com/raaihank/phi-sentinel/internal/core"
)

const (
	rounds           = 10
	keySize          = 32
	defaultCacheSize = 1024
	// maxSymbols bounds the work done per value
	maxSymbols = 4096

	hkdfSalt = "phi-sentinel/fpe/v1"
	hkdfInfo = "feistel-round-key"
)

type direction byte

const (
	encrypt direction = 'E'
	decrypt direction = 'D'
)

type cacheKey struct {
	dir    direction
	domain string
	input  string
}

// Cipher is safe for concurrent use.
type Cipher struct {
	key   []byte
	tweak []byte
	cache *lru.Cache[cacheKey, string]
}

type options struct {
	tweak     string
	cacheSize int
}

// Option configures a Cipher
type Option func(*options)

// WithTweak sets the public tweak mixed into every round.
func WithTweak(tweak string) Option {
	return func(o *options) { o.tweak = tweak }
}

// WithCacheSize sets the LRU capacity; 0 disables caching.
func WithCacheSize(size int) Option {
	return func(o *options) { o.cacheSize = size }
}

// New derives the round key from secret.
func New(secret string, opts ...Option) (*Cipher, error) {
	if secret == "" {
		return nil, core.ConfigurationErr("encryption key is required", nil)
	}

	o := options{cacheSize: defaultCacheSize}
	for _, opt := range opts {
		opt(&o)
	}
	if o.cacheSize < 0 {
		return nil, core.ConfigurationErr(fmt.Sprintf("invalid cache size %d", o.cacheSize), nil)
	}

	key := make([]byte, keySize)
	kdf := hkdf.New(sha256.New, []byte(secret), []byte(hkdfSalt), []byte(hkdfInfo))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, core.EncryptionErr("key derivation failed", err)
	}

	c := &Cipher{key: key, tweak: []byte(o.tweak)}
	if o.cacheSize > 0 {
		cache, err := lru.New[cacheKey, string](o.cacheSize)
		if err != nil {
			return nil, core.ConfigurationErr("failed to create cipher cache", err)
		}
		c.cache = cache
	}
	return c, nil
}

// Encrypt maps plaintext to a same-shaped ciphertext under domain.
func (c *Cipher) Encrypt(plaintext, domain string) (string, error) {
	return c.transform(encrypt, plaintext, domain)
}

// Decrypt inverts Encrypt for the same domain.
func (c *Cipher) Decrypt(ciphertext, domain string) (string, error) {
	return c.transform(decrypt, ciphertext, domain)
}

// ClearCache drops every memoized result.
func (c *Cipher) ClearCache() {
	if c.cache != nil {
		c.cache.Purge()
	}
}

// CacheLen returns the number of memoized results.
func (c *Cipher) CacheLen() int {
	if c.cache == nil {
		return 0
	}
	return c.cache.Len()
}

func (c *Cipher) transform(dir direction, input, domain string) (string, error) {
	if c == nil || len(c.key) == 0 {
		return "", core.EncryptionErr("cipher is not initialized", nil)
	}

	ck := cacheKey{dir: dir, domain: domain, input: input}
	if c.cache != nil {
		if out, ok := c.cache.Get(ck); ok {
			return out, nil
		}
	}

	v, err := parse(input)
	if err != nil {
		return "", err
	}
	if len(v.positions) == 0 {
		return input, nil
	}

	if dir == encrypt {
		c.encryptVector(v, domain)
	} else {
		c.decryptVector(v, domain)
	}
	out := v.render(input)

	if c.cache != nil {
		c.cache.Add(ck, out)
		inverse := encrypt
		if dir == encrypt {
			inverse = decrypt
		}
		c.cache.Add(cacheKey{dir: inverse, domain: domain, input: out}, input)
	}
	return out, nil
}

// vector is the mixed-radix view of a value: one symbol per ASCII digit or
// letter, in order of appearance.
type vector struct {
	positions []int
	radices   []int64
	classes   []byte
	symbols   []int64
}

func parse(s string) (*vector, error) {
	v := &vector{}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= '0' && c <= '9':
			v.add(i, 10, 'd', int64(c-'0'))
		case c >= 'A' && c <= 'Z':
			v.add(i, 26, 'u', int64(c-'A'))
		case c >= 'a' && c <= 'z':
			v.add(i, 26, 'l', int64(c-'a'))
		}
	}
	if len(v.positions) > maxSymbols {
		return nil, core.EncryptionErr(fmt.Sprintf("value has %d encryptable characters, limit is %d", len(v.positions), maxSymbols), nil)
	}
	return v, nil
}

func (v *vector) add(pos int, radix int64, class byte, symbol int64) {
	v.positions = append(v.positions, pos)
	v.radices = append(v.radices, radix)
	v.classes = append(v.classes, class)
	v.symbols = append(v.symbols, symbol)
}

func (v *vector) render(template string) string {
	out := []byte(template)
	for i, pos := range v.positions {
		switch v.classes[i] {
		case 'd':
			out[pos] = byte('0' + v.symbols[i])
		case 'u':
			out[pos] = byte('A' + v.symbols[i])
		default:
			out[pos] = byte('a' + v.symbols[i])
		}
	}
	return string(out)
}

// pack folds symbols[lo:hi] into one integer and returns it with the
// product of their radices.
func (v *vector) pack(lo, hi int) (*big.Int, *big.Int) {
	n := new(big.Int)
	m := big.NewInt(1)
	for i := lo; i < hi; i++ {
		r := big.NewInt(v.radices[i])
		n.Mul(n, r).Add(n, big.NewInt(v.symbols[i]))
		m.Mul(m, r)
	}
	return n, m
}

func (v *vector) unpack(lo, hi int, n *big.Int) {
	rem := new(big.Int).Set(n)
	digit := new(big.Int)
	for i := hi - 1; i >= lo; i-- {
		rem.DivMod(rem, big.NewInt(v.radices[i]), digit)
		v.symbols[i] = digit.Int64()
	}
}

func (c *Cipher) encryptVector(v *vector, domain string) {
	split := len(v.symbols) / 2
	a, ma := v.pack(0, split)
	b, mb := v.pack(split, len(v.symbols))

	for r := 0; r < rounds; r++ {
		if r%2 == 0 {
			a.Add(a, c.round(r, domain, v.classes, b, ma)).Mod(a, ma)
		} else {
			b.Add(b, c.round(r, domain, v.classes, a, mb)).Mod(b, mb)
		}
	}

	v.unpack(0, split, a)
	v.unpack(split, len(v.symbols), b)
}

func (c *Cipher) decryptVector(v *vector, domain string) {
	split := len(v.symbols) / 2
	a, ma := v.pack(0, split)
	b, mb := v.pack(split, len(v.symbols))

	for r := rounds - 1; r >= 0; r-- {
		if r%2 == 0 {
			a.Sub(a, c.round(r, domain, v.classes, b, ma)).Mod(a, ma)
		} else {
			b.Sub(b, c.round(r, domain, v.classes, a, mb)).Mod(b, mb)
		}
	}

	v.unpack(0, split, a)
	v.unpack(split, len(v.symbols), b)
}

// round is the Feistel round function reduced modulo m. The HMAC stream is
// extended with a block counter until it carries 128 bits more than m so the
// reduction bias is negligible.
func (c *Cipher) round(r int, domain string, classes []byte, half, m *big.Int) *big.Int {
	if m.Cmp(big.NewInt(1)) == 0 {
		return new(big.Int)
	}

	need := (m.BitLen()+7)/8 + 16
	mac := hmac.New(sha256.New, c.key)
	buf := make([]byte, 0, need+sha256.Size)
	for block := uint32(0); len(buf) < need; block++ {
		mac.Reset()
		writeBlock(mac, block, r, []byte(domain), c.tweak, classes, half.Bytes())
		buf = mac.Sum(buf)
	}

	f := new(big.Int).SetBytes(buf[:need])
	return f.Mod(f, m)
}

func writeBlock(h hash.Hash, block uint32, r int, fields ...[]byte) {
	var hdr [5]byte
	binary.BigEndian.PutUint32(hdr[:4], block)
	hdr[4] = byte(r)
	h.Write(hdr[:])

	var n [4]byte
	for _, f := range fields {
		binary.BigEndian.PutUint32(n[:], uint32(len(f)))
		h.Write(n[:])
		h.Write(f)
	}
}
