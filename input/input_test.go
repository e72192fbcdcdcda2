package input

import (
	"bytes"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/eth2030/zkclaim/errs"
)

type sample struct {
	Name   string
	Amount *big.Int
	Tags   [][]byte
}

func TestRoundTripFixedOrder(t *testing.T) {
	addr := common.HexToAddress("0x1000000000000000000000000000000000000001")
	hash := common.HexToHash("0xdeadbeef")
	u := uint256.NewInt(5)
	high := new(uint256.Int).Lsh(uint256.NewInt(1), 255)
	s := sample{Name: "goal", Amount: new(big.Int).SetUint64(77), Tags: [][]byte{{1}, {2, 3}}}

	buf, err := NewBuilder().
		Write(addr).
		Write(hash).
		Write(u).
		Write(high).
		Write(uint64(42)).
		Write([]byte("payload")).
		Write(&s).
		Bytes()
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}

	r := NewReader(buf)
	var (
		gotAddr common.Address
		gotHash common.Hash
		gotU    = new(uint256.Int)
		gotHigh = new(uint256.Int)
		gotN    uint64
		gotB    []byte
		gotS    sample
	)
	for i, v := range []any{&gotAddr, &gotHash, gotU, gotHigh, &gotN, &gotB, &gotS} {
		if err := r.Read(v); err != nil {
			t.Fatalf("Read %d: %v", i, err)
		}
	}
	if err := r.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	if gotAddr != addr {
		t.Errorf("address = %x, want %x", gotAddr, addr)
	}
	if gotHash != hash {
		t.Errorf("hash = %x, want %x", gotHash, hash)
	}
	if !gotU.Eq(u) {
		t.Errorf("u256 = %v, want %v", gotU, u)
	}
	if !gotHigh.Eq(high) {
		t.Errorf("u256 high bit = %v, want %v", gotHigh, high)
	}
	if gotN != 42 {
		t.Errorf("uint64 = %d, want 42", gotN)
	}
	if !bytes.Equal(gotB, []byte("payload")) {
		t.Errorf("bytes = %q", gotB)
	}
	if gotS.Name != s.Name || gotS.Amount.Cmp(s.Amount) != 0 || len(gotS.Tags) != 2 {
		t.Errorf("struct = %+v, want %+v", gotS, s)
	}
}

func TestEncodeHelper(t *testing.T) {
	a, err := Encode(uint64(1), []byte{0xaa})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	b, _ := NewBuilder().Write(uint64(1)).Write([]byte{0xaa}).Bytes()
	if !bytes.Equal(a, b) {
		t.Fatalf("Encode = %x, builder = %x", a, b)
	}
}

func TestBuilderFailureHidesPartialBuffer(t *testing.T) {
	b := NewBuilder().
		Write(uint64(1)).
		Write(big.NewInt(-1)). // negative integers have no RLP encoding
		Write(uint64(2))

	buf, err := b.Bytes()
	if err == nil {
		t.Fatal("expected serialization error")
	}
	if buf != nil {
		t.Fatalf("partial buffer leaked: %x", buf)
	}
	if !errors.Is(err, errs.ErrSerialization) {
		t.Fatalf("error kind = %v, want serialization", errs.KindOf(err))
	}
	if b.Len() != 1 {
		t.Fatalf("Len = %d, want 1", b.Len())
	}
}

func TestUnsupportedValue(t *testing.T) {
	if _, err := Encode(map[string]int{"a": 1}); !errors.Is(err, errs.ErrSerialization) {
		t.Fatalf("map encode err = %v", err)
	}
	if _, err := Encode(int(3)); !errors.Is(err, errs.ErrSerialization) {
		t.Fatalf("int encode err = %v", err)
	}
}

func TestBytesReturnsCopy(t *testing.T) {
	b := NewBuilder().Write(uint64(9))
	first, _ := b.Bytes()
	first[0] ^= 0xff
	second, _ := b.Bytes()
	if bytes.Equal(first, second) {
		t.Fatal("Bytes must return an independent copy")
	}
}

func TestReaderWrongType(t *testing.T) {
	buf, _ := Encode([]byte("not an address, far too long for twenty bytes"))
	var addr common.Address
	if err := NewReader(buf).Read(&addr); !errors.Is(err, errs.ErrSerialization) {
		t.Fatalf("Read err = %v, want serialization", err)
	}
}

func TestReaderExhausted(t *testing.T) {
	buf, _ := Encode(uint64(1))
	r := NewReader(buf)
	var n uint64
	if err := r.Read(&n); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if err := r.Read(&n); !errors.Is(err, ErrExhausted) {
		t.Fatalf("second Read err = %v, want ErrExhausted", err)
	}
}

func TestReaderTrailingData(t *testing.T) {
	well, _ := Encode(uint64(1), uint64(2))
	one, _ := Encode(uint64(1))
	tests := []struct {
		name string
		data []byte
	}{
		{"extra value", well},
		{"truncated prefix", append(bytes.Clone(one), 0xb8)},
		{"stray byte", append(bytes.Clone(one), 0xff)},
		{"empty list", append(bytes.Clone(one), 0xc0)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewReader(tt.data)
			var n uint64
			if err := r.Read(&n); err != nil {
				t.Fatalf("Read: %v", err)
			}
			if n != 1 {
				t.Fatalf("n = %d, want 1", n)
			}
			if err := r.Finish(); !errors.Is(err, ErrTrailingData) {
				t.Fatalf("Finish err = %v, want ErrTrailingData", err)
			}
		})
	}

	r := NewReader(one)
	var n uint64
	if err := r.Read(&n); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if err := r.Finish(); err != nil {
		t.Fatalf("Finish on consumed buffer: %v", err)
	}
}
