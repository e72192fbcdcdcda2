package pipeline

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/eth2030/zkclaim/chainspec"
	"github.com/eth2030/zkclaim/errs"
	"github.com/eth2030/zkclaim/guest"
	"github.com/eth2030/zkclaim/internal/testchain"
	"github.com/eth2030/zkclaim/journal"
	"github.com/eth2030/zkclaim/zkvm"
)

var (
	contract = common.HexToAddress("0x5ea75ea75ea75ea75ea75ea75ea75ea75ea75ea7")
	alice    = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob      = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
)

var fastRetry = RetryConfig{
	InitialInterval: time.Millisecond,
	MaxInterval:     5 * time.Millisecond,
	MaxElapsedTime:  time.Second,
	MaxRetries:      3,
}

// flakyChain fails the first failures header lookups.
type flakyChain struct {
	*testchain.Chain
	failures atomic.Int32
	onHeader func()
}

func (c *flakyChain) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	if c.onHeader != nil {
		c.onHeader()
	}
	if c.failures.Add(-1) >= 0 {
		return nil, errors.New("connection reset")
	}
	return c.Chain.HeaderByNumber(ctx, number)
}

// flakyProver fails the first failures calls with a transport error and
// records every input it is given.
type flakyProver struct {
	zkvm.Prover
	failures atomic.Int32

	mu     sync.Mutex
	inputs [][]byte
}

func (p *flakyProver) Prove(ctx context.Context, id zkvm.ImageID, in []byte) (*zkvm.ProofArtifact, error) {
	p.mu.Lock()
	p.inputs = append(p.inputs, append([]byte(nil), in...))
	p.mu.Unlock()
	if p.failures.Add(-1) >= 0 {
		return nil, errs.ProvingTransport("test.prove", errors.New("backend unavailable"))
	}
	return p.Prover.Prove(ctx, id, in)
}

func (p *flakyProver) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inputs)
}

// recordingSubmitter stands in for the claim submitter.
type recordingSubmitter struct {
	mu        sync.Mutex
	artifacts []*zkvm.ProofArtifact
	failures  int
}

func (s *recordingSubmitter) Submit(_ context.Context, art *zkvm.ProofArtifact, goalIndex *big.Int) (*types.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return nil, errs.Submission("test.send", errors.New("broadcast failed"), true)
	}
	s.artifacts = append(s.artifacts, art)
	tx := types.NewTx(&types.DynamicFeeTx{Nonce: uint64(len(s.artifacts)), Data: art.Journal, Value: goalIndex})
	return tx, nil
}

type harness struct {
	chain     *flakyChain
	prover    *flakyProver
	submitter *recordingSubmitter
	verifier  *zkvm.Verifier
	pipeline  *Pipeline
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	c := testchain.New(chainspec.Dev.Config, 100)
	c.SetGoal(contract, alice, 0, 5)
	c.SetGoal(contract, bob, 0, 7)

	program, err := guest.NewGoalCheck(guest.GoalCheckConfig{Spec: chainspec.Dev})
	require.NoError(t, err)
	reg := zkvm.NewRegistry()
	_, err = reg.Register(program)
	require.NoError(t, err)
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	att := zkvm.NewAttestor(key)

	h := &harness{
		chain:     &flakyChain{Chain: c},
		prover:    &flakyProver{Prover: zkvm.NewLocalProver(reg, att)},
		submitter: &recordingSubmitter{},
		verifier:  &zkvm.Verifier{Signer: att.Address()},
	}
	cfg := Config{
		Program:   program,
		Chain:     h.chain,
		Prover:    h.prover,
		Submitter: h.submitter,
		Verifier:  h.verifier,
		Retry:     fastRetry,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	h.pipeline, err = New(cfg)
	require.NoError(t, err)
	return h
}

func goalClaim(account common.Address, threshold uint64) Claim {
	return Claim{
		Contract:  contract,
		Account:   account,
		GoalIndex: uint256.NewInt(0),
		Threshold: uint256.NewInt(threshold),
	}
}

func TestRunSubmitsVerifiedArtifact(t *testing.T) {
	h := newHarness(t, nil)
	res, err := h.pipeline.Run(context.Background(), goalClaim(alice, 5))
	require.NoError(t, err)

	require.Equal(t, uint64(5), res.Goal.Uint64())
	require.NotNil(t, res.Tx)
	require.Len(t, h.submitter.artifacts, 1)
	require.Same(t, res.Artifact, h.submitter.artifacts[0])
	require.NoError(t, h.verifier.Verify(res.Artifact, h.pipeline.Image()))

	j, err := journal.Decode(res.Artifact.Journal)
	require.NoError(t, err)
	require.Equal(t, h.chain.Header().Hash(), j.Commitment.BlockHash)
	require.Equal(t, alice, j.Account)
	require.Equal(t, map[string]int{StagePreflight: 1, StageProve: 1, StageSubmit: 1}, res.Attempts)
}

func TestRunGuestAbortIsFinal(t *testing.T) {
	h := newHarness(t, nil)
	res, err := h.pipeline.Run(context.Background(), goalClaim(alice, 4))
	require.ErrorIs(t, err, errs.ErrGuestAbort)
	require.ErrorIs(t, err, guest.ErrAssertion)
	require.Nil(t, res.Artifact)
	require.Empty(t, h.submitter.artifacts)
	require.Equal(t, 1, res.Attempts[StageProve], "guest aborts must not be retried")
}

func TestRunRetriesProvingWithSameInput(t *testing.T) {
	h := newHarness(t, nil)
	h.prover.failures.Store(2)

	res, err := h.pipeline.Run(context.Background(), goalClaim(alice, 5))
	require.NoError(t, err)
	require.Equal(t, 3, h.prover.calls())
	for _, in := range h.prover.inputs {
		require.True(t, bytes.Equal(h.prover.inputs[0], in), "retry changed the input")
	}
	require.Equal(t, 1, res.Attempts[StagePreflight])
	require.Equal(t, 3, res.Attempts[StageProve])
}

func TestRunRetriesPreflight(t *testing.T) {
	h := newHarness(t, nil)
	h.chain.failures.Store(2)

	res, err := h.pipeline.Run(context.Background(), goalClaim(alice, 5))
	require.NoError(t, err)
	require.Equal(t, 3, res.Attempts[StagePreflight])
}

func TestRunRetriesSubmission(t *testing.T) {
	h := newHarness(t, nil)
	h.submitter.failures = 1

	res, err := h.pipeline.Run(context.Background(), goalClaim(alice, 5))
	require.NoError(t, err)
	require.Equal(t, 2, res.Attempts[StageSubmit])
	require.Len(t, h.submitter.artifacts, 1)
}

func TestRunGivesUpAfterMaxRetries(t *testing.T) {
	h := newHarness(t, nil)
	h.prover.failures.Store(100)

	_, err := h.pipeline.Run(context.Background(), goalClaim(alice, 5))
	require.ErrorIs(t, err, errs.ErrProvingTransport)
	require.Equal(t, int(fastRetry.MaxRetries)+1, h.prover.calls())
}

func TestRunCancelledBeforeProving(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := newHarness(t, nil)
	h.chain.onHeader = cancel

	_, err := h.pipeline.Run(ctx, goalClaim(alice, 5))
	require.ErrorIs(t, err, context.Canceled)
	require.Zero(t, h.prover.calls())
	require.Empty(t, h.submitter.artifacts)
}

func TestRunPermanentPreflightFailure(t *testing.T) {
	other, err := chainspec.FromFork("other", 5, "Shanghai")
	require.NoError(t, err)
	h := newHarness(t, func(cfg *Config) { cfg.Spec = other })

	res, err := h.pipeline.Run(context.Background(), goalClaim(alice, 5))
	require.ErrorIs(t, err, chainspec.ErrChainIDMismatch)
	require.Equal(t, 1, res.Attempts[StagePreflight])
}

func TestRunDryRun(t *testing.T) {
	h := newHarness(t, func(cfg *Config) {
		cfg.DryRun = true
		cfg.Submitter = nil
	})
	res, err := h.pipeline.Run(context.Background(), goalClaim(alice, 5))
	require.NoError(t, err)
	require.NotNil(t, res.Artifact)
	require.Nil(t, res.Tx)
	require.Empty(t, h.submitter.artifacts)
}

func TestRunInvalidClaim(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.pipeline.Run(context.Background(), Claim{Contract: contract})
	require.ErrorIs(t, err, ErrInvalidClaim)
	require.ErrorIs(t, err, errs.ErrSerialization)
}

func TestNewValidates(t *testing.T) {
	_, err := New(Config{})
	require.ErrorIs(t, err, ErrNilProgram)

	program, _ := guest.NewGoalCheck(guest.GoalCheckConfig{Spec: chainspec.Dev})
	_, err = New(Config{Program: program})
	require.ErrorIs(t, err, ErrNilChain)
	_, err = New(Config{Program: program, Chain: testchain.New(chainspec.Dev.Config, 1)})
	require.ErrorIs(t, err, ErrNilProver)
	_, err = New(Config{Program: program, Chain: testchain.New(chainspec.Dev.Config, 1), Prover: &flakyProver{}})
	require.ErrorIs(t, err, ErrNoSubmitter)
}

func TestRunAll(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t, nil)
	claims := []Claim{goalClaim(alice, 5), goalClaim(bob, 5), goalClaim(bob, 7), goalClaim(alice, 9)}
	results, failures := h.pipeline.RunAll(context.Background(), claims, 2)

	require.Len(t, results, len(claims))
	require.NoError(t, failures[0])
	require.ErrorIs(t, failures[1], errs.ErrGuestAbort, "bob's goal of 7 exceeds 5")
	require.NoError(t, failures[2])
	require.NoError(t, failures[3])
	for i, res := range results {
		require.Equal(t, claims[i].Account, res.Claim.Account)
	}
	require.Len(t, h.submitter.artifacts, 3)
}
