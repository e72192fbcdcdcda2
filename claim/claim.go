// Package claim submits proof artifacts to the on-chain verifier contract.
//
// The submitter never inspects or alters the artifact: the journal, the
// post-state digest and the seal reach the contract byte for byte as the
// prover produced them.
package claim

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/eth2030/zkclaim/zkvm"
)

// Method is the verifier contract entry point.
const Method = "claim(bytes,bytes32,bytes,uint256)"

const claimABIJSON = `[{"type":"function","name":"claim","stateMutability":"nonpayable",
"inputs":[{"name":"journal","type":"bytes"},{"name":"postStateDigest","type":"bytes32"},
{"name":"seal","type":"bytes"},{"name":"goalIndex","type":"uint256"}],"outputs":[]}]`

var claimABI = func() abi.ABI {
	a, err := abi.JSON(strings.NewReader(claimABIJSON))
	if err != nil {
		panic(err)
	}
	return a
}()

// Encoding errors.
var (
	ErrNilArtifact  = errors.New("claim: nil artifact")
	ErrShortData    = errors.New("claim: calldata too short")
	ErrWrongMethod  = errors.New("claim: calldata is not a claim call")
	ErrNilGoalIndex = errors.New("claim: nil goal index")
)

// Call is a decoded claim invocation.
type Call struct {
	Journal         []byte
	PostStateDigest common.Hash
	Seal            []byte
	GoalIndex       *big.Int
}

// EncodeClaim packs the claim calldata for art.
func EncodeClaim(art *zkvm.ProofArtifact, goalIndex *big.Int) ([]byte, error) {
	if art == nil {
		return nil, ErrNilArtifact
	}
	if goalIndex == nil {
		return nil, ErrNilGoalIndex
	}
	return claimABI.Pack("claim", []byte(art.Journal), [32]byte(art.PostStateDigest), []byte(art.Seal), goalIndex)
}

// DecodeClaim unpacks claim calldata. It is what a verifier contract sees.
func DecodeClaim(data []byte) (*Call, error) {
	m := claimABI.Methods["claim"]
	if len(data) < 4 {
		return nil, ErrShortData
	}
	if string(data[:4]) != string(m.ID) {
		return nil, fmt.Errorf("%w: selector %x", ErrWrongMethod, data[:4])
	}
	vals, err := m.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, fmt.Errorf("claim: decode: %w", err)
	}
	return &Call{
		Journal:         vals[0].([]byte),
		PostStateDigest: common.Hash(vals[1].([32]byte)),
		Seal:            vals[2].([]byte),
		GoalIndex:       vals[3].(*big.Int),
	}, nil
}
