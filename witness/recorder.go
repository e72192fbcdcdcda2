package witness

import (
	"bytes"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Recorder accumulates the proofs and code fetched while a view call runs
// against a live node and turns them into a deterministic ViewCallInput.
// It is safe for concurrent use.
type Recorder struct {
	mu       sync.Mutex
	header   *types.Header
	nodes    map[string]struct{}
	codes    map[common.Hash][]byte
	accounts map[common.Address]map[common.Hash]struct{}
}

// NewRecorder creates a recorder for state at the given header.
func NewRecorder(header *types.Header) *Recorder {
	return &Recorder{
		header:   header,
		nodes:    make(map[string]struct{}),
		codes:    make(map[common.Hash][]byte),
		accounts: make(map[common.Address]map[common.Hash]struct{}),
	}
}

// Header returns the header the recorder was created for.
func (r *Recorder) Header() *types.Header { return r.header }

// AddAccountProof records the account-trie proof for addr.
func (r *Recorder) AddAccountProof(addr common.Address, proof [][]byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.touch(addr)
	r.addNodes(proof)
}

// AddStorageProof records the storage-trie proof for one slot of addr.
func (r *Recorder) AddStorageProof(addr common.Address, slot common.Hash, proof [][]byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.touch(addr)[slot] = struct{}{}
	r.addNodes(proof)
}

// AddCode records contract code. Empty code is implied by the empty code
// hash and is not stored.
func (r *Recorder) AddCode(code []byte) {
	if len(code) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	h := hashBytes(code)
	if _, ok := r.codes[h]; !ok {
		r.codes[h] = common.CopyBytes(code)
	}
}

func (r *Recorder) touch(addr common.Address) map[common.Hash]struct{} {
	slots, ok := r.accounts[addr]
	if !ok {
		slots = make(map[common.Hash]struct{})
		r.accounts[addr] = slots
	}
	return slots
}

func (r *Recorder) addNodes(proof [][]byte) {
	for _, node := range proof {
		r.nodes[string(node)] = struct{}{}
	}
}

// Finalize produces the ViewCallInput. Nodes, codes, accounts and slots are
// sorted so that two recordings of the same reads yield identical bytes.
func (r *Recorder) Finalize() *ViewCallInput {
	r.mu.Lock()
	defer r.mu.Unlock()

	in := &ViewCallInput{
		Header:   types.CopyHeader(r.header),
		State:    make([][]byte, 0, len(r.nodes)),
		Codes:    make([][]byte, 0, len(r.codes)),
		Accounts: make([]AccountKeys, 0, len(r.accounts)),
	}
	for node := range r.nodes {
		in.State = append(in.State, []byte(node))
	}
	sortBytes(in.State)

	for _, code := range r.codes {
		in.Codes = append(in.Codes, common.CopyBytes(code))
	}
	sortBytes(in.Codes)

	for addr, slots := range r.accounts {
		keys := AccountKeys{Address: addr, Slots: make([]common.Hash, 0, len(slots))}
		for slot := range slots {
			keys.Slots = append(keys.Slots, slot)
		}
		sort.Slice(keys.Slots, func(i, j int) bool {
			return bytes.Compare(keys.Slots[i][:], keys.Slots[j][:]) < 0
		})
		in.Accounts = append(in.Accounts, keys)
	}
	sort.Slice(in.Accounts, func(i, j int) bool {
		return bytes.Compare(in.Accounts[i].Address[:], in.Accounts[j].Address[:]) < 0
	})
	return in
}

func sortBytes(list [][]byte) {
	sort.Slice(list, func(i, j int) bool { return bytes.Compare(list[i], list[j]) < 0 })
}
