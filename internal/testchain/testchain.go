// Package testchain is an in-memory chain for tests. It keeps real state
// tries so the proofs it serves verify against the header root exactly like
// proofs from a node would, and it answers the subset of the JSON-RPC
// surface the preflight path uses.
package testchain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient/gethclient"
	"github.com/ethereum/go-ethereum/params"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/ethereum/go-ethereum/trie"
	"github.com/holiman/uint256"
)

// GoalCode answers goalPerDayOf(address,uint256) with
// sload(keccak256(calldata[4:68])): the goal for (account, index) lives at
// GoalSlot(account, index).
var GoalCode = common.FromHex("0x6040600460003760406000205460005260206000f3")

// RevertCode reverts every call with Error("goal: disabled").
var RevertCode = revertProgram("goal: disabled")

// GoalSlot is the storage slot GoalCode reads for (account, index).
func GoalSlot(account common.Address, index uint64) common.Hash {
	var buf [64]byte
	copy(buf[12:32], account[:])
	new(big.Int).SetUint64(index).FillBytes(buf[32:])
	return crypto.Keccak256Hash(buf[:])
}

type account struct {
	nonce   uint64
	balance *uint256.Int
	code    []byte
	storage map[common.Hash]common.Hash
}

// Chain is a single-block in-memory chain.
type Chain struct {
	Config *params.ChainConfig

	mu       sync.Mutex
	accounts map[common.Address]*account
	number   uint64
	header   *types.Header
	tries    map[common.Address]*trie.Trie
	state    *trie.Trie

	// CorruptProofs makes GetProof drop the first node of every proof.
	CorruptProofs atomic.Bool

	proofCalls atomic.Int64
	codeCalls  atomic.Int64
}

// New creates an empty chain for the given config whose head is number.
func New(config *params.ChainConfig, number uint64) *Chain {
	return &Chain{
		Config:   config,
		accounts: make(map[common.Address]*account),
		number:   number,
	}
}

func (c *Chain) acct(addr common.Address) *account {
	a, ok := c.accounts[addr]
	if !ok {
		a = &account{balance: new(uint256.Int), storage: make(map[common.Hash]common.Hash)}
		c.accounts[addr] = a
	}
	c.header = nil
	return a
}

// SetBalance sets the balance of addr.
func (c *Chain) SetBalance(addr common.Address, wei uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.acct(addr).balance = uint256.NewInt(wei)
}

// SetNonce sets the nonce of addr.
func (c *Chain) SetNonce(addr common.Address, nonce uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.acct(addr).nonce = nonce
}

// SetCode installs code at addr.
func (c *Chain) SetCode(addr common.Address, code []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.acct(addr).code = common.CopyBytes(code)
}

// SetStorage writes one storage slot of addr.
func (c *Chain) SetStorage(addr common.Address, slot, value common.Hash) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.acct(addr).storage[slot] = value
}

// SetGoal deploys GoalCode at contract (if needed) and stores goal for
// (account, index).
func (c *Chain) SetGoal(contract, account common.Address, index, goal uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a := c.acct(contract)
	if len(a.code) == 0 {
		a.code = common.CopyBytes(GoalCode)
	}
	a.storage[GoalSlot(account, index)] = common.BigToHash(new(big.Int).SetUint64(goal))
}

// Header returns the head header, rebuilding the tries if state changed.
func (c *Chain) Header() *types.Header {
	c.mu.Lock()
	defer c.mu.Unlock()
	return types.CopyHeader(c.commit())
}

func (c *Chain) commit() *types.Header {
	if c.header != nil {
		return c.header
	}
	c.state = trie.NewEmpty(nil)
	c.tries = make(map[common.Address]*trie.Trie, len(c.accounts))
	for addr, a := range c.accounts {
		st := trie.NewEmpty(nil)
		for slot, val := range a.storage {
			if val == (common.Hash{}) {
				continue
			}
			enc, _ := rlp.EncodeToBytes(common.TrimLeftZeroes(val[:]))
			st.MustUpdate(crypto.Keccak256(slot[:]), enc)
		}
		c.tries[addr] = st

		sa := types.StateAccount{
			Nonce:    a.nonce,
			Balance:  a.balance,
			Root:     st.Hash(),
			CodeHash: crypto.Keccak256(a.code),
		}
		enc, _ := rlp.EncodeToBytes(&sa)
		c.state.MustUpdate(crypto.Keccak256(addr[:]), enc)
	}

	h := &types.Header{
		ParentHash:  common.HexToHash("0x01"),
		UncleHash:   types.EmptyUncleHash,
		Coinbase:    common.HexToAddress("0xc0ffee"),
		Root:        c.state.Hash(),
		TxHash:      types.EmptyTxsHash,
		ReceiptHash: types.EmptyReceiptsHash,
		Difficulty:  new(big.Int),
		Number:      new(big.Int).SetUint64(c.number),
		GasLimit:    30_000_000,
		Time:        1_700_000_000,
		MixDigest:   common.HexToHash("0x2a"),
	}
	if c.Config.IsLondon(h.Number) {
		h.BaseFee = big.NewInt(params.InitialBaseFee)
	}
	if c.Config.IsShanghai(h.Number, h.Time) {
		h.WithdrawalsHash = &types.EmptyWithdrawalsHash
	}
	if c.Config.IsCancun(h.Number, h.Time) {
		zero := uint64(0)
		h.ExcessBlobGas = &zero
		h.BlobGasUsed = &zero
		h.ParentBeaconRoot = &common.Hash{}
	}
	c.header = h
	return h
}

// ProofCalls returns the number of GetProof requests served.
func (c *Chain) ProofCalls() int64 { return c.proofCalls.Load() }

// CodeCalls returns the number of CodeAt requests served.
func (c *Chain) CodeCalls() int64 { return c.codeCalls.Load() }

func (c *Chain) checkBlock(number *big.Int) error {
	if number != nil && number.Uint64() != c.number {
		return ethereum.NotFound
	}
	return nil
}

// ChainID implements the chain id query of ethclient.
func (c *Chain) ChainID(ctx context.Context) (*big.Int, error) {
	return new(big.Int).Set(c.Config.ChainID), ctx.Err()
}

// HeaderByNumber returns the head header for nil or the head number.
func (c *Chain) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := c.checkBlock(number); err != nil {
		return nil, err
	}
	return c.Header(), nil
}

// CodeAt returns the code at addr.
func (c *Chain) CodeAt(ctx context.Context, addr common.Address, number *big.Int) ([]byte, error) {
	c.codeCalls.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := c.checkBlock(number); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if a, ok := c.accounts[addr]; ok {
		return common.CopyBytes(a.code), nil
	}
	return nil, nil
}

// proofList collects trie proof nodes as hex strings, the eth_getProof
// wire format.
type proofList []string

func (l *proofList) Put(key []byte, value []byte) error {
	*l = append(*l, hexutil.Encode(value))
	return nil
}

func (l *proofList) Delete(key []byte) error {
	return errors.New("testchain: proof list is append-only")
}

// GetProof answers eth_getProof the way gethclient returns it.
func (c *Chain) GetProof(ctx context.Context, addr common.Address, keys []string, number *big.Int) (*gethclient.AccountResult, error) {
	c.proofCalls.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := c.checkBlock(number); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.commit()

	var accProof proofList
	if err := c.state.Prove(crypto.Keccak256(addr[:]), &accProof); err != nil {
		return nil, err
	}
	res := &gethclient.AccountResult{
		Address:      addr,
		AccountProof: c.corrupt(accProof),
		Balance:      new(big.Int),
		CodeHash:     types.EmptyCodeHash,
		StorageHash:  types.EmptyRootHash,
	}
	a, exists := c.accounts[addr]
	if exists {
		res.Balance = a.balance.ToBig()
		res.Nonce = a.nonce
		res.CodeHash = crypto.Keccak256Hash(a.code)
		res.StorageHash = c.tries[addr].Hash()
	}
	for _, key := range keys {
		slot := common.HexToHash(key)
		sr := gethclient.StorageResult{Key: key, Value: new(big.Int), Proof: []string{}}
		if exists {
			var sp proofList
			if err := c.tries[addr].Prove(crypto.Keccak256(slot[:]), &sp); err != nil {
				return nil, fmt.Errorf("testchain: storage proof: %w", err)
			}
			sr.Proof = c.corrupt(sp)
			sr.Value = a.storage[slot].Big()
		}
		res.StorageProof = append(res.StorageProof, sr)
	}
	return res, nil
}

func (c *Chain) corrupt(p proofList) []string {
	if c.CorruptProofs.Load() && len(p) > 0 {
		return p[1:]
	}
	return p
}

// revertProgram returns code that reverts with Error(reason) for reasons of
// at most 32 bytes.
func revertProgram(reason string) []byte {
	var word [32]byte
	copy(word[:], reason)
	code := []byte{
		0x63, 0x08, 0xc3, 0x79, 0xa0, // PUSH4 Error(string) selector
		0x60, 0xe0, 0x1b, // PUSH1 224 SHL
		0x60, 0x00, 0x52, // PUSH1 0 MSTORE
		0x60, 0x20, 0x60, 0x04, 0x52, // offset 32 at 4
		0x60, byte(len(reason)), 0x60, 0x24, 0x52, // length at 36
		0x7f, // PUSH32 reason
	}
	code = append(code, word[:]...)
	code = append(code,
		0x60, 0x44, 0x52, // MSTORE at 68
		0x60, 0x64, 0x60, 0x00, 0xfd, // REVERT(0, 100)
	)
	return code
}
