package guest

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"

	"github.com/eth2030/zkclaim/chainspec"
	"github.com/eth2030/zkclaim/input"
	"github.com/eth2030/zkclaim/journal"
	"github.com/eth2030/zkclaim/viewcall"
	"github.com/eth2030/zkclaim/witness"
)

// Program identity.
const (
	GoalCheckName    = "goal-check"
	GoalCheckVersion = 1
)

// GoalMethod is the view function the goal check calls.
const GoalMethod = "goalPerDayOf(address,uint256)"

const goalABIJSON = `[{"type":"function","name":"goalPerDayOf","stateMutability":"view",
"inputs":[{"name":"account","type":"address"},{"name":"goalIndex","type":"uint256"}],
"outputs":[{"name":"","type":"uint256"}]}]`

var goalABI = func() abi.ABI {
	a, err := abi.JSON(strings.NewReader(goalABIJSON))
	if err != nil {
		panic(err)
	}
	return a
}()

// Comparison is the relation the call result must have to the threshold.
type Comparison uint8

const (
	// AtMost holds when result <= threshold.
	AtMost Comparison = iota
	// AtLeast holds when result >= threshold.
	AtLeast
)

// ErrUnknownComparison is returned by ParseComparison.
var ErrUnknownComparison = errors.New("guest: unknown comparison")

func (c Comparison) String() string {
	switch c {
	case AtMost:
		return "at-most"
	case AtLeast:
		return "at-least"
	default:
		return fmt.Sprintf("comparison(%d)", uint8(c))
	}
}

// ParseComparison parses "at-most" or "at-least".
func ParseComparison(s string) (Comparison, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "at-most", "atmost", "<=", "":
		return AtMost, nil
	case "at-least", "atleast", ">=":
		return AtLeast, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownComparison, s)
}

// Holds reports whether result relates to threshold as c requires.
func (c Comparison) Holds(result, threshold *uint256.Int) bool {
	switch c {
	case AtMost:
		return result.Cmp(threshold) <= 0
	case AtLeast:
		return result.Cmp(threshold) >= 0
	}
	return false
}

// GoalCheckConfig pins the chain rules and the assertion of a goal check.
// Both are part of the program descriptor, so two configurations never share
// an image id.
type GoalCheckConfig struct {
	Spec       *chainspec.Spec
	Comparison Comparison
}

// GoalCheck proves that goalPerDayOf(account, goalIndex) on a contract
// relates to a threshold as configured.
type GoalCheck struct {
	cfg GoalCheckConfig
}

// NewGoalCheck validates cfg and returns the program.
func NewGoalCheck(cfg GoalCheckConfig) (*GoalCheck, error) {
	if cfg.Spec == nil || cfg.Spec.Config == nil {
		return nil, errors.New("guest: goal check needs a chain spec")
	}
	if cfg.Comparison > AtLeast {
		return nil, fmt.Errorf("%w: %d", ErrUnknownComparison, cfg.Comparison)
	}
	return &GoalCheck{cfg: cfg}, nil
}

// Config returns the program configuration.
func (g *GoalCheck) Config() GoalCheckConfig { return g.cfg }

// Descriptor is the canonical byte description of the program. The zkVM
// derives the image id from it.
func (g *GoalCheck) Descriptor() []byte {
	desc := struct {
		Name       string
		Version    uint64
		Chain      string
		ChainID    uint64
		Method     string
		Comparison string
	}{
		Name:       GoalCheckName,
		Version:    GoalCheckVersion,
		Chain:      g.cfg.Spec.Name,
		ChainID:    g.cfg.Spec.ChainID(),
		Method:     GoalMethod,
		Comparison: g.cfg.Comparison.String(),
	}
	enc, err := rlp.EncodeToBytes(&desc)
	if err != nil {
		panic(err)
	}
	return enc
}

// Inputs are the values the host writes for one run, in read order.
type Inputs struct {
	Input     *witness.ViewCallInput
	Contract  common.Address
	Account   common.Address
	GoalIndex *uint256.Int
	Threshold *uint256.Int
}

// Encode serializes the inputs in the order Run reads them.
func (in *Inputs) Encode() ([]byte, error) {
	return input.NewBuilder().
		Write(in.Input).
		Write(in.Contract).
		Write(in.Account).
		Write(in.GoalIndex).
		Write(in.Threshold).
		Bytes()
}

func readInputs(env Env) (*Inputs, error) {
	in := &Inputs{
		Input:     new(witness.ViewCallInput),
		GoalIndex: new(uint256.Int),
		Threshold: new(uint256.Int),
	}
	for _, v := range []any{in.Input, &in.Contract, &in.Account, in.GoalIndex, in.Threshold} {
		if err := env.Read(v); err != nil {
			return nil, err
		}
	}
	if err := env.Finish(); err != nil {
		return nil, err
	}
	return in, nil
}

// GoalCall builds the goalPerDayOf call shared by preflight and the guest.
func GoalCall(contract, account common.Address, goalIndex *uint256.Int) (viewcall.Call, error) {
	data, err := goalABI.Pack("goalPerDayOf", account, goalIndex.ToBig())
	if err != nil {
		return viewcall.Call{}, err
	}
	return viewcall.Call{To: contract, Data: data}, nil
}

// DecodeGoal decodes the uint256 returned by goalPerDayOf.
func DecodeGoal(ret []byte) (*uint256.Int, error) {
	vals, err := goalABI.Unpack("goalPerDayOf", ret)
	if err != nil {
		return nil, fmt.Errorf("guest: decode goal: %w", err)
	}
	v, overflow := uint256.FromBig(vals[0].(*big.Int))
	if overflow {
		return nil, errors.New("guest: goal overflows uint256")
	}
	return v, nil
}

// Run executes one guest run against env.
func (g *GoalCheck) Run(env Env) error {
	in, err := readInputs(env)
	if err != nil {
		return abort(StageAwaitInput, err)
	}

	venv, err := viewcall.FromInput(in.Input, g.cfg.Spec)
	if err != nil {
		return abort(StageReconstruct, err)
	}

	call, err := GoalCall(in.Contract, in.Account, in.GoalIndex)
	if err != nil {
		return abort(StageExecute, err)
	}
	ret, err := viewcall.Execute(venv, call)
	if err != nil {
		return abort(StageExecute, err)
	}
	goal, err := DecodeGoal(ret)
	if err != nil {
		return abort(StageExecute, err)
	}

	if !g.cfg.Comparison.Holds(goal, in.Threshold) {
		return abort(StageAssert, fmt.Errorf("%w: goal %s is not %s threshold %s",
			ErrAssertion, goal.Dec(), g.cfg.Comparison, in.Threshold.Dec()))
	}

	j := journal.Journal{
		Commitment: venv.BlockCommitment(),
		Contract:   in.Contract,
		Account:    in.Account,
		GoalIndex:  in.GoalIndex.ToBig(),
		Threshold:  in.Threshold.ToBig(),
	}
	data, err := j.Encode()
	if err != nil {
		return abort(StageCommit, err)
	}
	env.Commit(data)
	return nil
}
