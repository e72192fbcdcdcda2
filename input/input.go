// Package input builds and reads the flat byte buffer handed to a guest
// program. Values are appended as consecutive RLP items in a caller-chosen
// order; the buffer carries no schema, so the guest must read the same
// types back in the same order.
package input

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/ethereum/go-ethereum/rlp"

	"github.com/eth2030/zkclaim/errs"
)

// Input errors.
var (
	ErrTrailingData = errors.New("input: unread trailing data")
	ErrExhausted    = errors.New("input: no more values")
)

// Builder accumulates serialized values. The first failing Write latches
// the error and every later Write is ignored.
type Builder struct {
	buf   bytes.Buffer
	count int
	err   error
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// Write appends the canonical encoding of v.
func (b *Builder) Write(v any) *Builder {
	if b.err != nil {
		return b
	}
	enc, err := rlp.EncodeToBytes(v)
	if err != nil {
		b.err = errs.Serialization("input.write", fmt.Errorf("value %d (%T): %w", b.count, v, err))
		return b
	}
	b.buf.Write(enc)
	b.count++
	return b
}

// Len returns the number of values written so far.
func (b *Builder) Len() int { return b.count }

// Bytes returns the finished buffer. If any Write failed, it returns nil and
// the latched error.
func (b *Builder) Bytes() ([]byte, error) {
	if b.err != nil {
		return nil, b.err
	}
	return bytes.Clone(b.buf.Bytes()), nil
}

// Encode is shorthand for writing vals in order and returning the buffer.
func Encode(vals ...any) ([]byte, error) {
	b := NewBuilder()
	for _, v := range vals {
		b.Write(v)
	}
	return b.Bytes()
}

// Reader decodes values from a buffer produced by Builder.
type Reader struct {
	src    *bytes.Reader
	stream *rlp.Stream
	read   int
}

// NewReader returns a Reader over data. The input size bounds every item.
func NewReader(data []byte) *Reader {
	src := bytes.NewReader(data)
	return &Reader{
		src:    src,
		stream: rlp.NewStream(src, uint64(len(data))),
	}
}

// Read decodes the next value into v, which must be a pointer of the type
// that was written at this position.
func (r *Reader) Read(v any) error {
	if err := r.stream.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errs.Serialization("input.read", fmt.Errorf("value %d: %w", r.read, ErrExhausted))
		}
		return errs.Serialization("input.read", fmt.Errorf("value %d (%T): %w", r.read, v, err))
	}
	r.read++
	return nil
}

// Finish reports an error unless every byte of the buffer was consumed by
// Read. Malformed leftovers count as trailing data too.
func (r *Reader) Finish() error {
	if n := r.src.Len(); n > 0 {
		return errs.Serialization("input.finish", fmt.Errorf("after %d values, %d bytes left: %w", r.read, n, ErrTrailingData))
	}
	return nil
}
