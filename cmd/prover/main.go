// Command prover serves the prover JSON-RPC namespace over HTTP. It
// registers the goal-check images of one chain and seals proofs with an
// attestation key.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/rpc"
	"github.com/urfave/cli/v2"

	"github.com/eth2030/zkclaim/chainspec"
	"github.com/eth2030/zkclaim/config"
	"github.com/eth2030/zkclaim/guest"
	"github.com/eth2030/zkclaim/log"
	"github.com/eth2030/zkclaim/metrics"
	"github.com/eth2030/zkclaim/zkvm"
)

var (
	version = "v0.1.0"
	commit  = "unknown"
)

func main() {
	os.Exit(run(os.Args))
}

func run(args []string) int {
	app := &cli.App{
		Name:    "prover",
		Usage:   "serve guest proofs over JSON-RPC",
		Version: fmt.Sprintf("%s (commit %s)", version, commit),
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "TOML configuration file"},
			&cli.StringFlag{Name: "chain", Usage: "chain spec name"},
			&cli.StringFlag{Name: "listen", Usage: "HTTP listen address"},
			&cli.StringFlag{Name: "attestor-key", EnvVars: []string{"ZKCLAIM_ATTESTOR_KEY"}, Usage: "hex key sealing proofs"},
			&cli.IntFlag{Name: "verbosity", Value: 3, Usage: "log level 0-5 (0=silent, 5=trace)"},
			&cli.StringFlag{Name: "log.format", Usage: "log format: terminal or json"},
		},
		Action: serve,
	}
	if err := app.Run(args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func serve(c *cli.Context) error {
	cfg := config.Default()
	if path := c.String("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if c.IsSet("chain") {
		cfg.Chain.Name = c.String("chain")
	}
	if c.IsSet("listen") {
		cfg.Prover.Listen = c.String("listen")
	}
	if c.IsSet("attestor-key") {
		cfg.Prover.AttestorKey = c.String("attestor-key")
	}
	if c.IsSet("log.format") {
		cfg.Log.Format = c.String("log.format")
	}
	log.SetDefault(log.NewFromFormat(os.Stderr, cfg.Log.Format, log.LevelFromVerbosity(c.Int("verbosity"))))

	spec, err := chainspec.ByName(cfg.Chain.Name)
	if err != nil {
		return err
	}
	if cfg.Prover.AttestorKey == "" {
		return errors.New("config: attestor_key must be set")
	}
	att, err := zkvm.HexToAttestor(cfg.Prover.AttestorKey)
	if err != nil {
		return err
	}
	reg, err := goalCheckImages(spec)
	if err != nil {
		return err
	}

	srv := rpc.NewServer()
	defer srv.Stop()
	if err := zkvm.RegisterService(srv, zkvm.NewLocalProver(reg, att)); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	ln, err := net.Listen("tcp", cfg.Prover.Listen)
	if err != nil {
		return err
	}
	log.Info("Prover listening", "addr", ln.Addr(), "chain", spec.Name, "attestor", att.Address(), "images", reg.Len())
	return serveHTTP(ctx, ln, newHandler(srv))
}

// goalCheckImages registers one goal-check image per comparison.
func goalCheckImages(spec *chainspec.Spec) (*zkvm.Registry, error) {
	reg := zkvm.NewRegistry()
	for _, cmp := range []guest.Comparison{guest.AtMost, guest.AtLeast} {
		program, err := guest.NewGoalCheck(guest.GoalCheckConfig{Spec: spec, Comparison: cmp})
		if err != nil {
			return nil, err
		}
		id, err := reg.Register(program)
		if err != nil {
			return nil, err
		}
		log.Info("Registered image", "id", id, "comparison", cmp)
	}
	return reg, nil
}

func newHandler(srv *rpc.Server) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/", srv)
	return mux
}

func serveHTTP(ctx context.Context, ln net.Listener, h http.Handler) error {
	hs := &http.Server{Handler: h, ReadHeaderTimeout: 5 * time.Second}
	errc := make(chan error, 1)
	go func() { errc <- hs.Serve(ln) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		log.Info("Shutting down prover")
		err := hs.Shutdown(shutdownCtx)
		<-errc
		return err
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
