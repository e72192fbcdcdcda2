package witness

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethdb/memorydb"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/ethereum/go-ethereum/trie"
	"github.com/holiman/uint256"
	"golang.org/x/crypto/sha3"
)

// Verification errors. Verify fails closed: any of these means no state is
// produced at all.
var (
	ErrMissingHeader       = errors.New("witness: missing header")
	ErrInvalidAccountProof = errors.New("witness: invalid account proof")
	ErrInvalidStorageProof = errors.New("witness: invalid storage proof")
	ErrDuplicateAccount    = errors.New("witness: duplicate account entry")
	ErrAccountNotInWitness = errors.New("witness: account not in witness")
	ErrSlotNotInWitness    = errors.New("witness: storage slot not in witness")
	ErrCodeNotInWitness    = errors.New("witness: code not in witness")
)

// Account is the proven state of one account.
type Account struct {
	Exists      bool
	Nonce       uint64
	Balance     *uint256.Int
	CodeHash    common.Hash
	StorageRoot common.Hash
}

// EmptyAccount is what an address outside the state trie looks like.
func EmptyAccount() *Account {
	return &Account{
		Balance:     new(uint256.Int),
		CodeHash:    types.EmptyCodeHash,
		StorageRoot: types.EmptyRootHash,
	}
}

// State is the verified, read-only view of a ViewCallInput.
type State struct {
	header   *types.Header
	accounts map[common.Address]*Account
	storage  map[common.Address]map[common.Hash]common.Hash
	codes    map[common.Hash][]byte
}

// Header returns the block header the state belongs to.
func (s *State) Header() *types.Header { return s.header }

// Account returns the proven account at addr.
func (s *State) Account(addr common.Address) (*Account, error) {
	acc, ok := s.accounts[addr]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotInWitness, addr)
	}
	cpy := *acc
	cpy.Balance = new(uint256.Int).Set(acc.Balance)
	return &cpy, nil
}

// Storage returns the proven value of one storage slot.
func (s *State) Storage(addr common.Address, slot common.Hash) (common.Hash, error) {
	slots, ok := s.storage[addr]
	if !ok {
		return common.Hash{}, fmt.Errorf("%w: %s", ErrAccountNotInWitness, addr)
	}
	v, ok := slots[slot]
	if !ok {
		return common.Hash{}, fmt.Errorf("%w: %s[%s]", ErrSlotNotInWitness, addr, slot)
	}
	return v, nil
}

// Code returns the code with the given hash. The addr argument is used only
// for error reporting.
func (s *State) Code(addr common.Address, codeHash common.Hash) ([]byte, error) {
	if codeHash == types.EmptyCodeHash || codeHash == (common.Hash{}) {
		return nil, nil
	}
	code, ok := s.codes[codeHash]
	if !ok {
		return nil, fmt.Errorf("%w: %s (hash %s)", ErrCodeNotInWitness, addr, codeHash)
	}
	return code, nil
}

// Verify checks every listed account against Header.Root and every listed
// slot against its account's storage root, and returns the resulting state.
func (in *ViewCallInput) Verify() (*State, error) {
	if in == nil || in.Header == nil {
		return nil, ErrMissingHeader
	}
	nodes := proofDB(in.State)
	st := &State{
		header:   types.CopyHeader(in.Header),
		accounts: make(map[common.Address]*Account, len(in.Accounts)),
		storage:  make(map[common.Address]map[common.Hash]common.Hash, len(in.Accounts)),
		codes:    make(map[common.Hash][]byte, len(in.Codes)),
	}
	for _, code := range in.Codes {
		st.codes[hashBytes(code)] = code
	}

	root := in.Header.Root
	for _, keys := range in.Accounts {
		if _, dup := st.accounts[keys.Address]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateAccount, keys.Address)
		}
		acc, err := proveAccount(root, keys.Address, nodes)
		if err != nil {
			return nil, err
		}
		st.accounts[keys.Address] = acc

		slots := make(map[common.Hash]common.Hash, len(keys.Slots))
		for _, slot := range keys.Slots {
			v, err := proveSlot(acc.StorageRoot, keys.Address, slot, nodes)
			if err != nil {
				return nil, err
			}
			slots[slot] = v
		}
		st.storage[keys.Address] = slots
	}
	return st, nil
}

// VerifyAccountProof checks a single account proof against root and returns
// the proven account.
func VerifyAccountProof(root common.Hash, addr common.Address, proof [][]byte) (*Account, error) {
	return proveAccount(root, addr, proofDB(proof))
}

// VerifyStorageProof checks a single storage proof against an account's
// storage root and returns the proven slot value.
func VerifyStorageProof(storageRoot common.Hash, addr common.Address, slot common.Hash, proof [][]byte) (common.Hash, error) {
	return proveSlot(storageRoot, addr, slot, proofDB(proof))
}

func proofDB(nodes [][]byte) *memorydb.Database {
	db := memorydb.New()
	for _, node := range nodes {
		// memorydb.Put never fails.
		_ = db.Put(hashBytes(node).Bytes(), node)
	}
	return db
}

func proveAccount(root common.Hash, addr common.Address, db *memorydb.Database) (*Account, error) {
	if root == types.EmptyRootHash {
		return EmptyAccount(), nil
	}
	enc, err := trie.VerifyProof(root, hashBytes(addr.Bytes()).Bytes(), db)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidAccountProof, addr, err)
	}
	if len(enc) == 0 {
		return EmptyAccount(), nil
	}
	var sa types.StateAccount
	if err := rlp.DecodeBytes(enc, &sa); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidAccountProof, addr, err)
	}
	return &Account{
		Exists:      true,
		Nonce:       sa.Nonce,
		Balance:     sa.Balance,
		CodeHash:    common.BytesToHash(sa.CodeHash),
		StorageRoot: sa.Root,
	}, nil
}

func proveSlot(root common.Hash, addr common.Address, slot common.Hash, db *memorydb.Database) (common.Hash, error) {
	if root == types.EmptyRootHash {
		return common.Hash{}, nil
	}
	enc, err := trie.VerifyProof(root, hashBytes(slot.Bytes()).Bytes(), db)
	if err != nil {
		return common.Hash{}, fmt.Errorf("%w: %s[%s]: %v", ErrInvalidStorageProof, addr, slot, err)
	}
	if len(enc) == 0 {
		return common.Hash{}, nil
	}
	_, content, _, err := rlp.Split(enc)
	if err != nil {
		return common.Hash{}, fmt.Errorf("%w: %s[%s]: %v", ErrInvalidStorageProof, addr, slot, err)
	}
	return common.BytesToHash(content), nil
}

func hashBytes(b []byte) common.Hash {
	h := sha3.NewLegacyKeccak256()
	h.Write(b)
	var out common.Hash
	h.Sum(out[:0])
	return out
}
