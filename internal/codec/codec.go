// Package codec defines the pluggable byte transform applied to file
// content at rest.
//
// The transform must be symmetric: Decode(Encode(x)) == x. The shipped
// implementation is a keyed XOR keystream; it obfuscates stored bytes
// but is not encryption, and hardening it is explicitly out of scope.
package codec

import (
	"errors"
	"io"
)

// Codec wraps writers and readers with a symmetric byte transform.
//
// Encoder and Decoder each start a fresh keystream, so a stream must be
// transformed end-to-end by a single wrapper.
type Codec interface {
	// Encoder returns a writer that transforms bytes before writing
	// them to w.
	Encoder(w io.Writer) io.Writer

	// Decoder returns a reader that reverses the transform on bytes
	// read from r.
	Decoder(r io.Reader) io.Reader
}

// XOR is a Codec applying a repeating-key XOR keystream.
type XOR struct {
	key []byte
}

// NewXOR creates an XOR codec with the given key.
func NewXOR(key string) (*XOR, error) {
	if key == "" {
		return nil, errors.New("codec: empty key")
	}
	return &XOR{key: []byte(key)}, nil
}

func (c *XOR) Encoder(w io.Writer) io.Writer {
	return &xorWriter{w: w, key: c.key}
}

// Decoder returns a reader reversing the transform. XOR is its own
// inverse, so decoding runs the same keystream.
func (c *XOR) Decoder(r io.Reader) io.Reader {
	return &xorReader{r: r, key: c.key}
}

type xorWriter struct {
	w   io.Writer
	key []byte
	off int
	buf []byte
}

func (x *xorWriter) Write(p []byte) (int, error) {
	// Transform a copy: writers must not mutate the caller's slice.
	if cap(x.buf) < len(p) {
		x.buf = make([]byte, len(p))
	}
	buf := x.buf[:len(p)]
	for i, b := range p {
		buf[i] = b ^ x.key[x.off%len(x.key)]
		x.off++
	}

	n, err := x.w.Write(buf)
	if err != nil {
		return n, err
	}
	return len(p), nil
}

type xorReader struct {
	r   io.Reader
	key []byte
	off int
}

func (x *xorReader) Read(p []byte) (int, error) {
	n, err := x.r.Read(p)
	for i := 0; i < n; i++ {
		p[i] ^= x.key[x.off%len(x.key)]
		x.off++
	}
	return n, err
}
