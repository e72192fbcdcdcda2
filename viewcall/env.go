// Package viewcall executes read-only contract calls against a block's
// state. The same Execute function runs in two places: during preflight,
// where state is fetched from a node and every read is recorded, and inside
// the guest, where state comes from a verified witness.ViewCallInput and no
// network access exists. Sharing it is what makes the two results agree.
package viewcall

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/eth2030/zkclaim/chainspec"
	"github.com/eth2030/zkclaim/witness"
)

// ErrInconsistentInput reports a view-call input that does not reconstruct
// into a usable environment: a proof fails against the header root or the
// header does not fit the chain spec.
var ErrInconsistentInput = errors.New("viewcall: inconsistent input")

// StateSource serves the account, storage and code reads of one block.
type StateSource interface {
	Account(addr common.Address) (*witness.Account, error)
	Storage(addr common.Address, slot common.Hash) (common.Hash, error)
	Code(addr common.Address, codeHash common.Hash) ([]byte, error)
}

// Env is a block header, the chain rules it was produced under and a source
// for the state at that block.
type Env struct {
	header   *types.Header
	spec     *chainspec.Spec
	source   StateSource
	recorder *witness.Recorder // nil unless built by NewRPCEnv
}

// NewEnv assembles an environment from its parts.
func NewEnv(header *types.Header, spec *chainspec.Spec, source StateSource) *Env {
	return &Env{header: header, spec: spec, source: source}
}

// Header returns a copy of the environment's block header.
func (e *Env) Header() *types.Header { return types.CopyHeader(e.header) }

// Spec returns the chain spec the environment executes under.
func (e *Env) Spec() *chainspec.Spec { return e.spec }

// FromInput reconstructs a network-free environment from a view-call input.
// It fails closed: if any proof does not verify against the header, or the
// header does not match the chain spec, no environment is returned.
func FromInput(in *witness.ViewCallInput, spec *chainspec.Spec) (*Env, error) {
	if spec == nil {
		return nil, fmt.Errorf("%w: no chain spec", ErrInconsistentInput)
	}
	st, err := in.Verify()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInconsistentInput, err)
	}
	if err := spec.CheckHeader(st.Header()); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInconsistentInput, err)
	}
	return NewEnv(st.Header(), spec, st), nil
}

// BlockCommitment binds a proof to one block.
type BlockCommitment struct {
	BlockHash   common.Hash
	BlockNumber *big.Int
}

// BlockCommitment derives the commitment from the header alone, so the
// preflight and guest environments of the same block agree on it.
func (e *Env) BlockCommitment() BlockCommitment {
	return BlockCommitment{
		BlockHash:   e.header.Hash(),
		BlockNumber: new(big.Int).Set(e.header.Number),
	}
}

var commitmentArgs = abi.Arguments{
	{Name: "blockHash", Type: mustType("bytes32")},
	{Name: "blockNumber", Type: mustType("uint256")},
}

// ABIEncode returns abi.encode(bytes32 blockHash, uint256 blockNumber).
func (c BlockCommitment) ABIEncode() ([]byte, error) {
	return commitmentArgs.Pack(c.BlockHash, c.BlockNumber)
}

func mustType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(err)
	}
	return typ
}
