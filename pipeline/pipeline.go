// Package pipeline runs a claim end to end: preflight the view call, encode
// the guest input, prove, and submit the artifact. The stages of one claim
// run strictly in order; independent claims may run in parallel.
package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"

	"github.com/eth2030/zkclaim/chainspec"
	"github.com/eth2030/zkclaim/errs"
	"github.com/eth2030/zkclaim/guest"
	"github.com/eth2030/zkclaim/journal"
	"github.com/eth2030/zkclaim/log"
	"github.com/eth2030/zkclaim/metrics"
	"github.com/eth2030/zkclaim/viewcall"
	"github.com/eth2030/zkclaim/zkvm"
)

// Pipeline errors.
var (
	ErrNilProgram      = errors.New("pipeline: nil guest program")
	ErrNilChain        = errors.New("pipeline: nil chain client")
	ErrNilProver       = errors.New("pipeline: nil prover")
	ErrNoSubmitter     = errors.New("pipeline: no submitter and not a dry run")
	ErrInvalidClaim    = errors.New("pipeline: invalid claim")
	ErrJournalMismatch = errors.New("pipeline: artifact journal does not match the claim")
)

// Stage names used for metrics and logs.
const (
	StagePreflight = "preflight"
	StageProve     = "prove"
	StageSubmit    = "submit"
)

// Claim is one statement to prove: goalPerDayOf(Account, GoalIndex) on
// Contract relates to Threshold as the program's comparison requires.
type Claim struct {
	Contract  common.Address
	Account   common.Address
	GoalIndex *uint256.Int
	Threshold *uint256.Int
	Block     *big.Int // nil for the latest block
}

func (c *Claim) validate() error {
	if c.GoalIndex == nil || c.Threshold == nil {
		return errs.Serialization("pipeline.claim", fmt.Errorf("%w: goal index and threshold are required", ErrInvalidClaim))
	}
	if c.Contract == (common.Address{}) {
		return errs.Serialization("pipeline.claim", fmt.Errorf("%w: no contract", ErrInvalidClaim))
	}
	return nil
}

// Result is what a run produced. Fields are filled as stages complete, so a
// failed run still shows how far it got.
type Result struct {
	Claim    Claim
	Goal     *uint256.Int // view call result observed in preflight
	Block    viewcall.BlockCommitment
	Input    []byte
	Artifact *zkvm.ProofArtifact
	Tx       *types.Transaction
	Attempts map[string]int
}

// Submitter sends artifacts to the verifier contract.
type Submitter interface {
	Submit(ctx context.Context, art *zkvm.ProofArtifact, goalIndex *big.Int) (*types.Transaction, error)
}

// RetryConfig shapes the exponential backoff between attempts.
type RetryConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
	MaxRetries      uint64
}

// DefaultRetryConfig returns the retry policy used by the binaries.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     30 * time.Second,
		MaxElapsedTime:  5 * time.Minute,
		MaxRetries:      5,
	}
}

// Config wires a pipeline.
type Config struct {
	Spec    *chainspec.Spec
	Program *guest.GoalCheck
	Chain   viewcall.ChainClient
	Prover  zkvm.Prover
	// Submitter may be nil for dry runs.
	Submitter Submitter
	// Verifier, when set, checks every artifact's seal before submission.
	Verifier *zkvm.Verifier
	Retry    RetryConfig
	DryRun   bool
	// EnvOptions are passed to every preflight environment.
	EnvOptions []viewcall.Option
}

// Pipeline runs claims against one chain, one guest image and one prover.
type Pipeline struct {
	cfg   Config
	image zkvm.ImageID
	log   *log.Logger
}

// New validates cfg and derives the image id of its program.
func New(cfg Config) (*Pipeline, error) {
	switch {
	case cfg.Program == nil:
		return nil, ErrNilProgram
	case cfg.Chain == nil:
		return nil, ErrNilChain
	case cfg.Prover == nil:
		return nil, ErrNilProver
	case cfg.Submitter == nil && !cfg.DryRun:
		return nil, ErrNoSubmitter
	}
	if cfg.Spec == nil {
		cfg.Spec = cfg.Program.Config().Spec
	}
	img, err := zkvm.NewImage(cfg.Program)
	if err != nil {
		return nil, err
	}
	if cfg.Retry == (RetryConfig{}) {
		cfg.Retry = DefaultRetryConfig()
	}
	return &Pipeline{
		cfg:   cfg,
		image: img.ID,
		log:   log.Default().Module("pipeline").With("image", img.ID),
	}, nil
}

// Image returns the image id claims are proven with.
func (p *Pipeline) Image() zkvm.ImageID { return p.image }

// Run processes one claim. Retryable failures are retried per stage with
// exponential backoff; a retried prove reuses the encoded input, a retried
// preflight starts from a fresh environment.
func (p *Pipeline) Run(ctx context.Context, c Claim) (*Result, error) {
	metrics.InFlight.Inc()
	defer metrics.InFlight.Dec()

	res := &Result{Claim: c, Attempts: make(map[string]int)}
	err := p.run(ctx, c, res)
	outcome := "ok"
	if err != nil {
		outcome = errs.KindOf(err).String()
		p.log.Warn("Claim failed", "account", c.Account, "kind", outcome, "err", err)
	}
	metrics.ClaimOutcomes.WithLabelValues(outcome).Inc()
	return res, err
}

func (p *Pipeline) run(ctx context.Context, c Claim, res *Result) error {
	if err := c.validate(); err != nil {
		return err
	}
	logger := p.log.With("account", c.Account, "goalIndex", c.GoalIndex, "threshold", c.Threshold)

	err := p.retry(ctx, StagePreflight, res, func() error { return p.preflight(ctx, c, res) })
	if err != nil {
		return err
	}
	logger.Info("Preflight complete", "block", res.Block.BlockNumber, "goal", res.Goal, "input", len(res.Input))
	if !p.cfg.Program.Config().Comparison.Holds(res.Goal, c.Threshold) {
		logger.Warn("Claim does not hold, the guest will abort", "goal", res.Goal)
	}

	// Nothing is cancelled once a guest run starts, so this is the last
	// point where cancellation stops the claim.
	if err := ctx.Err(); err != nil {
		return errs.ProvingTransport("pipeline.prove", err)
	}
	err = p.retry(ctx, StageProve, res, func() error { return p.prove(ctx, c, res) })
	if err != nil {
		return err
	}
	logger.Info("Proof ready", "journal", len(res.Artifact.Journal), "seal", len(res.Artifact.Seal))

	if p.cfg.DryRun {
		logger.Info("Dry run, skipping submission")
		return nil
	}
	err = p.retry(ctx, StageSubmit, res, func() error {
		tx, err := p.cfg.Submitter.Submit(ctx, res.Artifact, c.GoalIndex.ToBig())
		if err != nil {
			return err
		}
		res.Tx = tx
		return nil
	})
	if err != nil {
		return err
	}
	logger.Info("Claim submitted", "tx", res.Tx.Hash())
	return nil
}

func (p *Pipeline) preflight(ctx context.Context, c Claim, res *Result) error {
	env, err := viewcall.NewRPCEnv(ctx, p.cfg.Chain, p.cfg.Spec, c.Block, p.cfg.EnvOptions...)
	if err != nil {
		return err
	}
	call, err := guest.GoalCall(c.Contract, c.Account, c.GoalIndex)
	if err != nil {
		return errs.Serialization("pipeline.call", err)
	}
	in, ret, err := viewcall.Preflight(ctx, env, call)
	if err != nil {
		return err
	}
	goal, err := guest.DecodeGoal(ret)
	if err != nil {
		return &errs.Error{Kind: errs.KindPreflight, Op: "pipeline.decode", Err: err}
	}
	data, err := (&guest.Inputs{
		Input:     in,
		Contract:  c.Contract,
		Account:   c.Account,
		GoalIndex: c.GoalIndex,
		Threshold: c.Threshold,
	}).Encode()
	if err != nil {
		return errs.Serialization("pipeline.encode", err)
	}
	res.Goal = goal
	res.Block = env.BlockCommitment()
	res.Input = data
	return nil
}

func (p *Pipeline) prove(ctx context.Context, c Claim, res *Result) error {
	art, err := p.cfg.Prover.Prove(ctx, p.image, res.Input)
	if err != nil {
		return err
	}
	if p.cfg.Verifier != nil {
		if err := p.cfg.Verifier.Verify(art, p.image); err != nil {
			return &errs.Error{Kind: errs.KindProvingTransport, Op: "pipeline.verify", Err: err}
		}
	}
	if err := p.checkJournal(art, c, res); err != nil {
		return &errs.Error{Kind: errs.KindProvingTransport, Op: "pipeline.journal", Err: err}
	}
	res.Artifact = art
	return nil
}

// checkJournal makes sure the artifact speaks about this claim and the
// block preflight saw.
func (p *Pipeline) checkJournal(art *zkvm.ProofArtifact, c Claim, res *Result) error {
	j, err := journal.Decode(art.Journal)
	if err != nil {
		return err
	}
	want, err := res.Block.ABIEncode()
	if err != nil {
		return err
	}
	if !bytes.HasPrefix(art.Journal, want) {
		return fmt.Errorf("%w: block %v", ErrJournalMismatch, j.Commitment.BlockNumber)
	}
	if j.Contract != c.Contract || j.Account != c.Account ||
		j.GoalIndex.Cmp(c.GoalIndex.ToBig()) != 0 || j.Threshold.Cmp(c.Threshold.ToBig()) != 0 {
		return fmt.Errorf("%w: %s/%s", ErrJournalMismatch, j.Contract, j.Account)
	}
	return nil
}

func (p *Pipeline) retry(ctx context.Context, stage string, res *Result, op func() error) error {
	rc := p.cfg.Retry
	eb := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(rc.InitialInterval),
		backoff.WithMaxInterval(rc.MaxInterval),
		backoff.WithMaxElapsedTime(rc.MaxElapsedTime),
	)
	b := backoff.WithContext(backoff.WithMaxRetries(eb, rc.MaxRetries), ctx)

	attempt := func() error {
		res.Attempts[stage]++
		t := metrics.StartStage(stage)
		err := op()
		t.ObserveDuration()
		if err != nil && permanent(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, next time.Duration) {
		metrics.Retries.WithLabelValues(errs.KindOf(err).String()).Inc()
		p.log.Warn("Retrying stage", "stage", stage, "attempt", res.Attempts[stage], "in", next, "err", err)
	}
	err := backoff.RetryNotify(attempt, b, notify)
	if err != nil && errs.KindOf(err) == errs.KindUnknown {
		// Context expiry while waiting between attempts.
		err = &errs.Error{Kind: stageKind(stage), Op: "pipeline." + stage, Err: err}
	}
	return err
}

func stageKind(stage string) errs.Kind {
	switch stage {
	case StagePreflight:
		return errs.KindPreflight
	case StageSubmit:
		return errs.KindSubmission
	}
	return errs.KindProvingTransport
}

// permanent reports whether retrying err cannot help. Reverts and chain
// spec mismatches surface as preflight errors but do not go away.
func permanent(err error) bool {
	if !errs.IsRetryable(err) {
		return true
	}
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, viewcall.ErrReverted) ||
		errors.Is(err, chainspec.ErrChainIDMismatch) ||
		errors.Is(err, chainspec.ErrIncompatibleHeader)
}
