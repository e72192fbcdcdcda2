// Command publisher proves view-call claims and submits them to the
// verifier contract.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/urfave/cli/v2"
	"golang.org/x/time/rate"

	"github.com/eth2030/zkclaim/claim"
	"github.com/eth2030/zkclaim/config"
	"github.com/eth2030/zkclaim/errs"
	"github.com/eth2030/zkclaim/log"
	"github.com/eth2030/zkclaim/metrics"
	"github.com/eth2030/zkclaim/pipeline"
	"github.com/eth2030/zkclaim/viewcall"
	"github.com/eth2030/zkclaim/zkvm"
)

var (
	version = "v0.1.0"
	commit  = "unknown"
)

// Exit codes.
const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2
	exitInvalid = 3 // the claim itself is invalid (guest abort or rejection)
)

func main() {
	os.Exit(run(os.Args))
}

func run(args []string) int {
	app := newApp()
	if err := app.Run(args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitCode(err)
	}
	return exitOK
}

type usageError struct{ err error }

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

func exitCode(err error) int {
	var ue usageError
	switch {
	case errors.As(err, &ue):
		return exitUsage
	case errors.Is(err, errs.ErrGuestAbort), errors.Is(err, claim.ErrRejected):
		return exitInvalid
	}
	return exitFailure
}

func newApp() *cli.App {
	return &cli.App{
		Name:    "publisher",
		Usage:   "prove view-call claims and submit them on chain",
		Version: fmt.Sprintf("%s (commit %s)", version, commit),
		Flags:   flags,
		Action:  publish,
		OnUsageError: func(_ *cli.Context, err error, _ bool) error {
			return usageError{err}
		},
	}
}

var flags = []cli.Flag{
	&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "TOML configuration file"},
	&cli.StringFlag{Name: "chain", Usage: "chain spec name (mainnet, sepolia, hoodi, dev)"},
	&cli.Uint64Flag{Name: "chain-id", Usage: "expected chain id"},
	&cli.StringFlag{Name: "rpc-url", EnvVars: []string{"RPC_URL"}, Usage: "Ethereum node JSON-RPC endpoint"},
	&cli.Uint64Flag{Name: "block", Usage: "block to prove against (0 for latest)"},
	&cli.StringFlag{Name: "private-key", EnvVars: []string{config.PrivateKeyEnv}, Usage: "hex key signing the claim transaction"},
	&cli.StringFlag{Name: "contract", Usage: "goal contract, also the claim verifier"},
	&cli.StringSliceFlag{Name: "account", Usage: "account to claim for (repeatable)"},
	&cli.StringFlag{Name: "goal-index", Usage: "goal index passed to goalPerDayOf (decimal or 0x hex)"},
	&cli.StringFlag{Name: "threshold", Usage: "threshold the goal is compared with (decimal or 0x hex)"},
	&cli.StringFlag{Name: "comparison", Usage: "at-most or at-least"},
	&cli.StringFlag{Name: "prover", Usage: "prover mode: local or remote"},
	&cli.StringFlag{Name: "prover-url", Usage: "remote prover JSON-RPC endpoint"},
	&cli.StringFlag{Name: "attestor-key", EnvVars: []string{"ZKCLAIM_ATTESTOR_KEY"}, Usage: "hex key sealing local proofs"},
	&cli.StringFlag{Name: "attestor", Usage: "expected seal signer address"},
	&cli.BoolFlag{Name: "dry-run", Usage: "prove but do not submit"},
	&cli.BoolFlag{Name: "wait", Usage: "wait for claim receipts"},
	&cli.IntFlag{Name: "parallel", Usage: "claims processed at once"},
	&cli.IntFlag{Name: "verbosity", Value: 3, Usage: "log level 0-5 (0=silent, 5=trace)"},
	&cli.StringFlag{Name: "log.format", Usage: "log format: terminal or json"},
	&cli.StringFlag{Name: "metrics.addr", Usage: "serve Prometheus metrics on this address"},
}

// loadConfig reads the configuration file, if any, and applies the flags
// set on the command line on top of it.
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg := config.Default()
	if path := c.String("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if c.IsSet("chain") {
		cfg.Chain.Name = c.String("chain")
		if !c.IsSet("chain-id") {
			cfg.Chain.ChainID = 0
		}
	}
	if c.IsSet("chain-id") {
		cfg.Chain.ChainID = c.Uint64("chain-id")
	}
	if c.IsSet("rpc-url") {
		cfg.Chain.RPCURL = c.String("rpc-url")
	}
	if c.IsSet("block") {
		cfg.Chain.Block = c.Uint64("block")
	}
	if c.IsSet("private-key") {
		cfg.Signer.PrivateKey = c.String("private-key")
	}
	if c.IsSet("contract") {
		cfg.Claim.Contract = c.String("contract")
	}
	if c.IsSet("account") {
		cfg.Claim.Accounts = c.StringSlice("account")
	}
	if c.IsSet("goal-index") {
		v, err := config.ParseUint256(c.String("goal-index"))
		if err != nil {
			return nil, fmt.Errorf("config: goal-index: %w", err)
		}
		cfg.Claim.GoalIndex = v
	}
	if c.IsSet("threshold") {
		v, err := config.ParseUint256(c.String("threshold"))
		if err != nil {
			return nil, fmt.Errorf("config: threshold: %w", err)
		}
		cfg.Claim.Threshold = v
	}
	if c.IsSet("comparison") {
		cfg.Claim.Comparison = c.String("comparison")
	}
	if c.IsSet("prover") {
		cfg.Prover.Mode = c.String("prover")
	}
	if c.IsSet("prover-url") {
		cfg.Prover.URL = c.String("prover-url")
	}
	if c.IsSet("attestor-key") {
		cfg.Prover.AttestorKey = c.String("attestor-key")
	}
	if c.IsSet("attestor") {
		cfg.Prover.Attestor = c.String("attestor")
	}
	if c.IsSet("dry-run") {
		cfg.Claim.DryRun = c.Bool("dry-run")
	}
	if c.IsSet("parallel") {
		cfg.Claim.Parallel = c.Int("parallel")
	}
	if c.IsSet("log.format") {
		cfg.Log.Format = c.String("log.format")
	}
	if c.IsSet("metrics.addr") {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Addr = c.String("metrics.addr")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setupLogging(c *cli.Context, cfg *config.Config) {
	level := log.LevelFromString(cfg.Log.Level)
	if c.IsSet("verbosity") || cfg.Log.Level == "" {
		level = log.LevelFromVerbosity(c.Int("verbosity"))
	}
	log.SetDefault(log.NewFromFormat(os.Stderr, cfg.Log.Format, level))
}

func publish(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	setupLogging(c, cfg)

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Metrics.Enabled {
		go func() {
			if err := metrics.Serve(ctx, cfg.Metrics.Addr); err != nil {
				log.Error("Metrics server failed", "err", err)
			}
		}()
	}

	log.Info("Starting publisher", "version", version, "chain", cfg.Chain.Name, "rpc", cfg.Chain.RPCURL,
		"prover", cfg.Prover.Mode, "claims", len(cfg.Claim.Accounts), "dryRun", cfg.Claim.DryRun)

	client, err := viewcall.Dial(ctx, cfg.Chain.RPCURL)
	if err != nil {
		return err
	}
	defer client.Close()

	program, err := cfg.Program()
	if err != nil {
		return err
	}
	prover, closeProver, err := newProver(ctx, cfg, program)
	if err != nil {
		return err
	}
	defer closeProver()

	pcfg := pipeline.Config{
		Program: program,
		Chain:   client,
		Prover:  prover,
		Retry:   cfg.RetryPolicy(),
		DryRun:  cfg.Claim.DryRun,
		EnvOptions: []viewcall.Option{
			viewcall.WithCodeCache(viewcall.NewCodeCache(cfg.Chain.CodeCache)),
		},
	}
	if cfg.Chain.RateLimit > 0 {
		pcfg.EnvOptions = append(pcfg.EnvOptions, viewcall.WithRateLimit(rate.Limit(cfg.Chain.RateLimit), int(cfg.Chain.RateLimit)+1))
	}
	if cfg.Prover.Attestor != "" {
		pcfg.Verifier = &zkvm.Verifier{Signer: common.HexToAddress(cfg.Prover.Attestor)}
	}
	var submitter *claim.Submitter
	if !cfg.Claim.DryRun {
		key, err := cfg.SignerKey()
		if err != nil {
			return err
		}
		spec, _ := cfg.Spec()
		submitter = claim.NewSubmitter(client.Eth(), key, common.HexToAddress(cfg.Claim.Contract), spec.Config.ChainID)
		pcfg.Submitter = submitter
	}

	p, err := pipeline.New(pcfg)
	if err != nil {
		return err
	}
	log.Info("Guest image", "id", p.Image())

	results, failures := p.RunAll(ctx, cfg.Claims(), cfg.Claim.Parallel)
	var firstErr error
	for i, res := range results {
		if err := failures[i]; err != nil {
			log.Error("Claim failed", "account", res.Claim.Account, "kind", errs.KindOf(err), "err", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if res.Tx == nil {
			log.Info("Claim proven", "account", res.Claim.Account, "goal", res.Goal, "block", res.Block.BlockNumber,
				"postState", res.Artifact.PostStateDigest)
			continue
		}
		log.Info("Claim sent", "account", res.Claim.Account, "tx", res.Tx.Hash())
		if c.Bool("wait") {
			if _, err := claim.WaitMined(ctx, client.Eth(), res.Tx.Hash(), 2*time.Second); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func newProver(ctx context.Context, cfg *config.Config, program zkvm.Program) (zkvm.Prover, func(), error) {
	if cfg.Prover.Mode == config.ProverRemote {
		remote, err := zkvm.DialRemoteProver(ctx, cfg.Prover.URL)
		if err != nil {
			return nil, nil, err
		}
		return remote, remote.Close, nil
	}
	att, err := zkvm.HexToAttestor(cfg.Prover.AttestorKey)
	if err != nil {
		return nil, nil, err
	}
	reg := zkvm.NewRegistry()
	if _, err := reg.Register(program); err != nil {
		return nil, nil, err
	}
	log.Info("Local prover ready", "attestor", att.Address())
	return zkvm.NewLocalProver(reg, att), func() {}, nil
}
