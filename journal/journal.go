// Package journal defines the public output of the goal-check guest. The
// layout is a fixed, ordered list of ABI fields so that the guest and the
// on-chain verifier agree on every byte.
//
// Layout v1, abi.encode of a static tuple (6 words, 192 bytes):
//
//	0 blockHash   bytes32
//	1 blockNumber uint256
//	2 contract    address
//	3 account     address
//	4 goalIndex   uint256
//	5 threshold   uint256
//
// Fields 0 and 1 are the block commitment and encode exactly like
// viewcall.BlockCommitment.ABIEncode.
package journal

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/eth2030/zkclaim/viewcall"
)

// Size is the encoded length of a v1 journal.
const Size = 6 * 32

// Journal errors.
var (
	ErrBadLength = errors.New("journal: bad length")
	ErrNilField  = errors.New("journal: nil numeric field")
)

// Journal is the decoded public output.
type Journal struct {
	Commitment viewcall.BlockCommitment
	Contract   common.Address
	Account    common.Address
	GoalIndex  *big.Int
	Threshold  *big.Int
}

// Fields lists the ABI fields in commit order.
var Fields = abi.Arguments{
	{Name: "blockHash", Type: mustType("bytes32")},
	{Name: "blockNumber", Type: mustType("uint256")},
	{Name: "contract", Type: mustType("address")},
	{Name: "account", Type: mustType("address")},
	{Name: "goalIndex", Type: mustType("uint256")},
	{Name: "threshold", Type: mustType("uint256")},
}

// Encode packs j in the v1 layout.
func (j *Journal) Encode() ([]byte, error) {
	if j.Commitment.BlockNumber == nil || j.GoalIndex == nil || j.Threshold == nil {
		return nil, ErrNilField
	}
	return Fields.Pack(
		j.Commitment.BlockHash,
		j.Commitment.BlockNumber,
		j.Contract,
		j.Account,
		j.GoalIndex,
		j.Threshold,
	)
}

// Decode parses a v1 journal.
func Decode(data []byte) (*Journal, error) {
	if len(data) != Size {
		return nil, fmt.Errorf("%w: %d bytes, want %d", ErrBadLength, len(data), Size)
	}
	vals, err := Fields.Unpack(data)
	if err != nil {
		return nil, fmt.Errorf("journal: %w", err)
	}
	return &Journal{
		Commitment: viewcall.BlockCommitment{
			BlockHash:   common.Hash(vals[0].([32]byte)),
			BlockNumber: vals[1].(*big.Int),
		},
		Contract:  vals[2].(common.Address),
		Account:   vals[3].(common.Address),
		GoalIndex: vals[4].(*big.Int),
		Threshold: vals[5].(*big.Int),
	}, nil
}

func mustType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(err)
	}
	return typ
}
