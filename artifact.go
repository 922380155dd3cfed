// Package voicecache defines artifact identity for the voicecache serving
// substrate. Artifacts are the blobs the cache tiers hold: voice embeddings,
// model weights, text-processing results and rendered audio chunks.
package voicecache

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/zeebo/blake3"
)

// Class identifies the kind of artifact a cache entry holds. Each class maps
// to one named cache tier with its own capacity configuration.
type Class string

const (
	ClassVoice Class = "voices"
	ClassModel Class = "models"
	ClassText  Class = "text"
	ClassAudio Class = "audio"
)

// Classes lists every artifact class, in cache construction order.
func Classes() []Class {
	return []Class{ClassVoice, ClassModel, ClassText, ClassAudio}
}

// Valid reports whether c is a known artifact class.
func (c Class) Valid() bool {
	switch c {
	case ClassVoice, ClassModel, ClassText, ClassAudio:
		return true
	}
	return false
}

// KeySize is the size of a BLAKE3 digest in bytes (256 bits).
const KeySize = 32

// Key is a BLAKE3 digest identifying one artifact within its class. Keys are
// derived from the artifact's identifying parts (voice name, model path,
// normalized text) so the same request always lands on the same cache slot.
type Key [KeySize]byte

// String returns the hex-encoded representation of the key.
func (k Key) String() string {
	return hex.EncodeToString(k[:])
}

// ShortString returns a shortened hex representation for logs.
func (k Key) ShortString() string {
	return hex.EncodeToString(k[:8])
}

// IsZero returns true if the key is all zeros (uninitialized).
func (k Key) IsZero() bool {
	return k == Key{}
}

// MarshalText implements encoding.TextMarshaler.
func (k Key) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Key) UnmarshalText(text []byte) error {
	if len(text) != KeySize*2 {
		return fmt.Errorf("invalid key length: expected %d hex chars, got %d", KeySize*2, len(text))
	}
	_, err := hex.Decode(k[:], text)
	return err
}

// ParseKey parses a hex-encoded key string.
func ParseKey(s string) (Key, error) {
	var k Key
	if err := k.UnmarshalText([]byte(s)); err != nil {
		return Key{}, err
	}
	return k, nil
}

// KeyFor derives the cache key for an artifact from its class and identifying
// parts. Parts are length-prefixed before hashing so ("ab","c") and ("a","bc")
// never collide.
func KeyFor(class Class, parts ...string) Key {
	h := blake3.New()
	writePart(h, string(class))
	for _, p := range parts {
		writePart(h, p)
	}
	var k Key
	h.Sum(k[:0])
	return k
}

func writePart(h *blake3.Hasher, p string) {
	var prefix [8]byte
	n := len(p)
	for i := 7; i >= 0; i-- {
		prefix[i] = byte(n)
		n >>= 8
	}
	_, _ = h.Write(prefix[:])
	_, _ = h.Write([]byte(p))
}

// KeyBytes computes the BLAKE3 digest of raw bytes. Used where the artifact
// identity is its content, e.g. text-processing results keyed by input text.
func KeyBytes(data []byte) Key {
	return Key(blake3.Sum256(data))
}

// Ref names one artifact as "class:name", e.g. "voices:af_bella" or
// "models:kokoro-v1". Refs appear in warm-up manifests and reload targets.
type Ref struct {
	Class Class
	Name  string
}

// String returns the canonical "class:name" form.
func (r Ref) String() string {
	return string(r.Class) + ":" + r.Name
}

// Key derives the cache key for the referenced artifact.
func (r Ref) Key() Key {
	return KeyFor(r.Class, r.Name)
}

// ParseRef parses a "class:name" artifact reference.
func ParseRef(s string) (Ref, error) {
	class, name, ok := strings.Cut(s, ":")
	if !ok || name == "" {
		return Ref{}, fmt.Errorf("invalid artifact ref %q: expected class:name", s)
	}
	r := Ref{Class: Class(class), Name: name}
	if !r.Class.Valid() {
		return Ref{}, fmt.Errorf("invalid artifact ref %q: unknown class %q", s, class)
	}
	return r, nil
}
