package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/eth2030/zkclaim/chainspec"
	"github.com/eth2030/zkclaim/errs"
	"github.com/eth2030/zkclaim/zkvm"
)

func TestGoalCheckImages(t *testing.T) {
	reg, err := goalCheckImages(chainspec.Dev)
	if err != nil {
		t.Fatalf("goalCheckImages: %v", err)
	}
	if reg.Len() != 2 {
		t.Fatalf("images = %d, want 2", reg.Len())
	}
}

func TestHandlerServesRPCAndMetrics(t *testing.T) {
	reg, _ := goalCheckImages(chainspec.Dev)
	key, _ := crypto.GenerateKey()
	srv := rpc.NewServer()
	defer srv.Stop()
	if err := zkvm.RegisterService(srv, zkvm.NewLocalProver(reg, zkvm.NewAttestor(key))); err != nil {
		t.Fatalf("RegisterService: %v", err)
	}
	ts := httptest.NewServer(newHandler(srv))
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics status = %d", resp.StatusCode)
	}

	remote, err := zkvm.DialRemoteProver(context.Background(), ts.URL)
	if err != nil {
		t.Fatalf("DialRemoteProver: %v", err)
	}
	defer remote.Close()

	// Garbage input reaches the guest and aborts there.
	ids := reg.IDs()
	_, err = remote.Prove(context.Background(), ids[0], []byte{0xde, 0xad})
	if !errors.Is(err, errs.ErrGuestAbort) {
		t.Fatalf("err = %v, want guest abort", err)
	}
}

func TestServeHTTPStops(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serveHTTP(ctx, ln, http.NotFoundHandler()) }()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serveHTTP: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestRunRequiresAttestor(t *testing.T) {
	t.Setenv("ZKCLAIM_ATTESTOR_KEY", "")
	if code := run([]string{"prover", "--chain", "dev", "--listen", "127.0.0.1:0"}); code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
	if code := run([]string{"prover", "--chain", strings.Repeat("x", 3)}); code != 1 {
		t.Fatalf("unknown chain exit code = %d, want 1", code)
	}
}
