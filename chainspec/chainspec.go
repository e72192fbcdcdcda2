// Package chainspec binds a chain name to the go-ethereum chain
// configuration used to execute view calls, and checks that a block header
// has the shape that configuration expects.
package chainspec

import (
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/params"
)

// Chain spec errors.
var (
	ErrUnknownChain       = errors.New("chainspec: unknown chain")
	ErrUnknownFork        = errors.New("chainspec: unknown fork")
	ErrIncompatibleHeader = errors.New("chainspec: header incompatible with chain spec")
	ErrChainIDMismatch    = errors.New("chainspec: chain id mismatch")
)

// Spec is a named chain configuration.
type Spec struct {
	Name   string
	Config *params.ChainConfig
}

// ChainID returns the numeric chain id of the spec.
func (s *Spec) ChainID() uint64 {
	if s == nil || s.Config == nil || s.Config.ChainID == nil {
		return 0
	}
	return s.Config.ChainID.Uint64()
}

// String implements fmt.Stringer.
func (s *Spec) String() string {
	return fmt.Sprintf("%s(%d)", s.Name, s.ChainID())
}

// CheckChainID fails when the endpoint reports a different chain.
func (s *Spec) CheckChainID(id *big.Int) error {
	if id == nil || s.Config.ChainID == nil || id.Cmp(s.Config.ChainID) != 0 {
		return fmt.Errorf("%w: spec %s, endpoint %v", ErrChainIDMismatch, s, id)
	}
	return nil
}

// CheckHeader verifies that the optional header fields match the forks the
// spec activates at the header's number and time. A mismatch means the
// block was produced under different rules than the ones we would execute.
func (s *Spec) CheckHeader(h *types.Header) error {
	if h == nil || h.Number == nil {
		return fmt.Errorf("%w: missing header number", ErrIncompatibleHeader)
	}
	c := s.Config
	checks := []struct {
		name   string
		active bool
		has    bool
	}{
		{"london/baseFee", c.IsLondon(h.Number), h.BaseFee != nil},
		{"shanghai/withdrawalsHash", c.IsShanghai(h.Number, h.Time), h.WithdrawalsHash != nil},
		{"cancun/excessBlobGas", c.IsCancun(h.Number, h.Time), h.ExcessBlobGas != nil},
		{"cancun/blobGasUsed", c.IsCancun(h.Number, h.Time), h.BlobGasUsed != nil},
		{"cancun/parentBeaconRoot", c.IsCancun(h.Number, h.Time), h.ParentBeaconRoot != nil},
	}
	for _, chk := range checks {
		if chk.active != chk.has {
			return fmt.Errorf("%w: %s active=%v present=%v at block %v (%s)",
				ErrIncompatibleHeader, chk.name, chk.active, chk.has, h.Number, s)
		}
	}
	return nil
}

// IsMerged reports whether the header was produced after the merge.
func IsMerged(h *types.Header) bool {
	return h.Difficulty == nil || h.Difficulty.Sign() == 0
}

// Well-known specs.
var (
	Mainnet = &Spec{Name: "mainnet", Config: params.MainnetChainConfig}
	Sepolia = &Spec{Name: "sepolia", Config: params.SepoliaChainConfig}
	Hoodi   = &Spec{Name: "hoodi", Config: params.HoodiChainConfig}

	// Dev is a local chain with every fork up to Shanghai active at genesis.
	Dev = mustFork("dev", 1337, "Shanghai")
)

var (
	registryMu sync.RWMutex
	registry   = map[string]*Spec{
		Mainnet.Name: Mainnet,
		Sepolia.Name: Sepolia,
		Hoodi.Name:   Hoodi,
		Dev.Name:     Dev,
	}
)

// ByName returns a registered spec.
func ByName(name string) (*Spec, error) {
	registryMu.RLock()
	s, ok := registry[strings.ToLower(strings.TrimSpace(name))]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (known: %s)", ErrUnknownChain, name, strings.Join(Names(), ", "))
	}
	return s, nil
}

// Names lists the registered spec names in sorted order.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// forkLevel maps fork names to numeric ordering for building cumulative configs.
var forkLevel = map[string]int{
	"Frontier":       0,
	"Homestead":      1,
	"EIP150":         2,
	"EIP158":         3,
	"Byzantium":      4,
	"Constantinople": 5,
	"Istanbul":       6,
	"Berlin":         7,
	"London":         8,
	"Merge":          9,
	"Paris":          9,
	"Shanghai":       10,
	"Cancun":         11,
	"Prague":         12,
}

// FromFork builds a spec for a custom chain where every fork up to and
// including fork is active at genesis.
func FromFork(name string, chainID uint64, fork string) (*Spec, error) {
	level, ok := forkLevel[fork]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFork, fork)
	}

	zero := big.NewInt(0)
	ts := uint64(0)
	c := &params.ChainConfig{ChainID: new(big.Int).SetUint64(chainID)}

	if level >= 1 {
		c.HomesteadBlock = zero
	}
	if level >= 2 {
		c.EIP150Block = zero
	}
	if level >= 3 {
		c.EIP155Block = zero
		c.EIP158Block = zero
	}
	if level >= 4 {
		c.ByzantiumBlock = zero
	}
	if level >= 5 {
		c.ConstantinopleBlock = zero
		c.PetersburgBlock = zero
	}
	if level >= 6 {
		c.IstanbulBlock = zero
	}
	if level >= 7 {
		c.BerlinBlock = zero
	}
	if level >= 8 {
		c.LondonBlock = zero
	}
	if level >= 9 {
		c.TerminalTotalDifficulty = zero
	}
	if level >= 10 {
		c.ShanghaiTime = &ts
	}
	if level >= 11 {
		c.CancunTime = &ts
		c.BlobScheduleConfig = &params.BlobScheduleConfig{
			Cancun: params.DefaultCancunBlobConfig,
			Prague: params.DefaultPragueBlobConfig,
		}
	}
	if level >= 12 {
		c.PragueTime = &ts
	}
	return &Spec{Name: name, Config: c}, nil
}

func mustFork(name string, chainID uint64, fork string) *Spec {
	s, err := FromFork(name, chainID, fork)
	if err != nil {
		panic(err)
	}
	return s
}

// Register adds a custom spec to the registry, replacing any spec with the
// same name.
func Register(s *Spec) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[strings.ToLower(s.Name)] = s
}
