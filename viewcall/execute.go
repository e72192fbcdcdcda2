package viewcall

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/consensus/misc/eip4844"
	"github.com/ethereum/go-ethereum/core"
	"github.com/ethereum/go-ethereum/core/state"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/core/vm"
	"github.com/holiman/uint256"

	"github.com/eth2030/zkclaim/chainspec"
	"github.com/eth2030/zkclaim/witness"
)

// Execution errors.
var (
	ErrReverted  = errors.New("viewcall: execution reverted")
	ErrExecution = errors.New("viewcall: execution failed")
	ErrNilEnv    = errors.New("viewcall: nil environment")
)

// DefaultGas is the gas given to a call that does not set one.
const DefaultGas = 30_000_000

// Call is a read-only message call.
type Call struct {
	Caller common.Address
	To     common.Address
	Data   []byte
	Gas    uint64
}

// RevertError carries the revert payload of a call. It matches ErrReverted
// with errors.Is.
type RevertError struct {
	Reason string // decoded Error(string) reason, if any
	Data   []byte
}

func (e *RevertError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%v: %s", ErrReverted, e.Reason)
	}
	return fmt.Sprintf("%v: 0x%x", ErrReverted, e.Data)
}

func (e *RevertError) Unwrap() error { return ErrReverted }

// Execute runs call as a static call against env and returns the call's
// return data. It has no side effects on the environment and is used by
// both preflight and the guest.
//
// State reads go through env's StateSource. The first source failure is
// latched and returned after the call, ahead of any EVM error, since a
// missing read makes the EVM outcome meaningless.
func Execute(env *Env, call Call) (ret []byte, err error) {
	if env == nil || env.header == nil || env.spec == nil || env.source == nil {
		return nil, ErrNilEnv
	}
	db, err := newSourceDB(env.source)
	if err != nil {
		return nil, err
	}
	defer func() {
		if r := recover(); r != nil {
			ret, err = nil, fmt.Errorf("%w: evm panic: %v", ErrExecution, r)
		}
	}()

	config := env.spec.Config
	blockCtx := blockContext(env.header, env.spec)
	evm := vm.NewEVM(blockCtx, db, config, vm.Config{NoBaseFee: true})
	evm.SetTxContext(core.NewEVMTxContext(&core.Message{
		From:      call.Caller,
		To:        &call.To,
		Value:     new(big.Int),
		GasPrice:  new(big.Int),
		GasFeeCap: new(big.Int),
		GasTipCap: new(big.Int),
	}))

	rules := config.Rules(blockCtx.BlockNumber, blockCtx.Random != nil, blockCtx.Time)
	db.Prepare(rules, call.Caller, blockCtx.Coinbase, &call.To, vm.ActivePrecompiles(rules), nil)

	gas := call.Gas
	if gas == 0 {
		gas = DefaultGas
	}
	out, _, vmErr := evm.StaticCall(call.Caller, call.To, call.Data, gas)
	if db.err != nil {
		return nil, db.err
	}
	if vmErr != nil {
		if errors.Is(vmErr, vm.ErrExecutionReverted) {
			reason, _ := abi.UnpackRevert(out)
			return nil, &RevertError{Reason: reason, Data: common.CopyBytes(out)}
		}
		return nil, fmt.Errorf("%w: %v", ErrExecution, vmErr)
	}
	return common.CopyBytes(out), nil
}

// blockContext builds the EVM block context from the header. Only the
// parent hash is available to BLOCKHASH.
func blockContext(h *types.Header, spec *chainspec.Spec) vm.BlockContext {
	number := new(big.Int).Set(h.Number)
	parent := h.ParentHash
	ctx := vm.BlockContext{
		CanTransfer: core.CanTransfer,
		Transfer:    core.Transfer,
		GetHash: func(n uint64) common.Hash {
			if number.Sign() > 0 && n == number.Uint64()-1 {
				return parent
			}
			return common.Hash{}
		},
		Coinbase:    h.Coinbase,
		GasLimit:    h.GasLimit,
		BlockNumber: number,
		Time:        h.Time,
		Difficulty:  new(big.Int),
	}
	if h.Difficulty != nil {
		ctx.Difficulty.Set(h.Difficulty)
	}
	if h.BaseFee != nil {
		ctx.BaseFee = new(big.Int).Set(h.BaseFee)
	}
	if chainspec.IsMerged(h) {
		random := h.MixDigest
		ctx.Random = &random
	}
	if spec.Config.IsCancun(h.Number, h.Time) && h.ExcessBlobGas != nil {
		ctx.BlobBaseFee = eip4844.CalcBlobFee(spec.Config, h)
	}
	return ctx
}

// sourceDB is a throwaway state.StateDB whose committed-state reads are
// answered by a StateSource. Static calls never write, so only the read
// side needs overriding; the embedded StateDB still provides journaling,
// access lists and transient storage.
type sourceDB struct {
	*state.StateDB

	src      StateSource
	err      error
	accounts map[common.Address]*witness.Account
}

func newSourceDB(src StateSource) (*sourceDB, error) {
	sdb, err := state.New(types.EmptyRootHash, state.NewDatabaseForTesting())
	if err != nil {
		return nil, fmt.Errorf("%w: state: %v", ErrExecution, err)
	}
	return &sourceDB{StateDB: sdb, src: src, accounts: make(map[common.Address]*witness.Account)}, nil
}

func (db *sourceDB) fail(err error) {
	if db.err == nil {
		db.err = err
	}
}

func (db *sourceDB) account(addr common.Address) *witness.Account {
	if acc, ok := db.accounts[addr]; ok {
		return acc
	}
	acc, err := db.src.Account(addr)
	if err != nil {
		db.fail(err)
		acc = witness.EmptyAccount()
	}
	db.accounts[addr] = acc
	return acc
}

func (db *sourceDB) GetBalance(addr common.Address) *uint256.Int {
	return new(uint256.Int).Set(db.account(addr).Balance)
}

func (db *sourceDB) GetNonce(addr common.Address) uint64 {
	return db.account(addr).Nonce
}

func (db *sourceDB) GetCodeHash(addr common.Address) common.Hash {
	acc := db.account(addr)
	if !acc.Exists {
		return common.Hash{}
	}
	return acc.CodeHash
}

func (db *sourceDB) GetCode(addr common.Address) []byte {
	acc := db.account(addr)
	if acc.CodeHash == types.EmptyCodeHash {
		return nil
	}
	code, err := db.src.Code(addr, acc.CodeHash)
	if err != nil {
		db.fail(err)
		return nil
	}
	return code
}

func (db *sourceDB) GetCodeSize(addr common.Address) int {
	return len(db.GetCode(addr))
}

func (db *sourceDB) GetState(addr common.Address, key common.Hash) common.Hash {
	if db.account(addr).StorageRoot == types.EmptyRootHash {
		return common.Hash{}
	}
	v, err := db.src.Storage(addr, key)
	if err != nil {
		db.fail(err)
		return common.Hash{}
	}
	return v
}

func (db *sourceDB) Exist(addr common.Address) bool {
	return db.account(addr).Exists
}

func (db *sourceDB) Empty(addr common.Address) bool {
	acc := db.account(addr)
	return acc.Nonce == 0 && acc.Balance.IsZero() && acc.CodeHash == types.EmptyCodeHash
}
