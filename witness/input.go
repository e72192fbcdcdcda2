// Package witness holds the portable state snapshot a view call needs: the
// block header, the Merkle-Patricia trie nodes proving every account and
// storage slot the call touched, and the contract code it executed.
//
// Values are never carried in the snapshot. They are re-derived from the
// proofs against Header.Root when the input is verified, so a snapshot that
// disagrees with the header cannot produce a usable state.
package witness

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/golang/snappy"
)

// Codec errors.
var (
	ErrEmptyEncoding   = errors.New("witness: empty encoding")
	ErrUnknownMarker   = errors.New("witness: unknown encoding marker")
	ErrCorruptSnapshot = errors.New("witness: corrupt compressed snapshot")
)

// Encoding markers prefixed to the serialized input.
const (
	markerRaw    byte = 0x00
	markerSnappy byte = 0x01
)

// compressThreshold is the smallest RLP payload worth compressing.
const compressThreshold = 256

// AccountKeys lists one account together with the storage slots that were
// read from it.
type AccountKeys struct {
	Address common.Address
	Slots   []common.Hash
}

// ViewCallInput is the serializable form of the state a view call read.
type ViewCallInput struct {
	Header   *types.Header
	State    [][]byte      // deduplicated trie nodes, sorted
	Codes    [][]byte      // contract code, sorted
	Accounts []AccountKeys // accessed accounts and slots, sorted
}

// extInput is the RLP layout of ViewCallInput.
type extInput struct {
	Header   *types.Header `rlp:"nil"`
	State    [][]byte
	Codes    [][]byte
	Accounts []AccountKeys
}

// Size returns the number of bytes held in trie nodes and code.
func (in *ViewCallInput) Size() int {
	n := 0
	for _, node := range in.State {
		n += len(node)
	}
	for _, code := range in.Codes {
		n += len(code)
	}
	return n
}

// Marshal serializes the input as a marker byte followed by the RLP body,
// snappy-compressed when that makes it smaller.
func (in *ViewCallInput) Marshal() ([]byte, error) {
	body, err := rlp.EncodeToBytes(&extInput{
		Header:   in.Header,
		State:    in.State,
		Codes:    in.Codes,
		Accounts: in.Accounts,
	})
	if err != nil {
		return nil, fmt.Errorf("witness: encode: %w", err)
	}
	if len(body) > compressThreshold {
		if packed := snappy.Encode(nil, body); len(packed) < len(body) {
			return append([]byte{markerSnappy}, packed...), nil
		}
	}
	return append([]byte{markerRaw}, body...), nil
}

// Unmarshal decodes data produced by Marshal into in.
func (in *ViewCallInput) Unmarshal(data []byte) error {
	if len(data) == 0 {
		return ErrEmptyEncoding
	}
	var body []byte
	switch data[0] {
	case markerRaw:
		body = data[1:]
	case markerSnappy:
		var err error
		if body, err = snappy.Decode(nil, data[1:]); err != nil {
			return fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
		}
	default:
		return fmt.Errorf("%w: 0x%02x", ErrUnknownMarker, data[0])
	}
	var ext extInput
	if err := rlp.DecodeBytes(body, &ext); err != nil {
		return fmt.Errorf("witness: decode: %w", err)
	}
	in.Header = ext.Header
	in.State = ext.State
	in.Codes = ext.Codes
	in.Accounts = ext.Accounts
	return nil
}

// EncodeRLP writes the marshalled input as a single RLP string so it can be
// placed in an ordered input stream next to other values.
func (in *ViewCallInput) EncodeRLP(w io.Writer) error {
	data, err := in.Marshal()
	if err != nil {
		return err
	}
	return rlp.Encode(w, data)
}

// DecodeRLP implements rlp.Decoder.
func (in *ViewCallInput) DecodeRLP(s *rlp.Stream) error {
	data, err := s.Bytes()
	if err != nil {
		return err
	}
	return in.Unmarshal(data)
}

// Equal reports whether two inputs carry the same header and contents.
func (in *ViewCallInput) Equal(other *ViewCallInput) bool {
	a, errA := in.Marshal()
	b, errB := other.Marshal()
	return errA == nil && errB == nil && bytes.Equal(a, b)
}
