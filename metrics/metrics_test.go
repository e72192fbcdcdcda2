package metrics

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCounterVecs(t *testing.T) {
	before := testutil.ToFloat64(RPCRequests.WithLabelValues("eth_getProof"))
	RPCRequests.WithLabelValues("eth_getProof").Inc()
	RPCRequests.WithLabelValues("eth_getProof").Inc()
	if got := testutil.ToFloat64(RPCRequests.WithLabelValues("eth_getProof")); got != before+2 {
		t.Fatalf("rpc requests = %v, want %v", got, before+2)
	}
}

func TestStageTimer(t *testing.T) {
	before := testutil.CollectAndCount(StageDuration)
	tm := StartStage("timer_test")
	if d := tm.ObserveDuration(); d < 0 {
		t.Fatalf("negative duration %v", d)
	}
	if after := testutil.CollectAndCount(StageDuration); after != before+1 {
		t.Fatalf("stage series = %d, want %d", after, before+1)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	ClaimsSubmitted.Inc()
	srv := httptest.NewServer(Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	for _, want := range []string{
		"zkclaim_submitter_claims_submitted_total",
		"go_goroutines",
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("missing %s in exposition", want)
		}
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, addr) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		resp, err := http.Get("http://" + addr + "/metrics")
		if err == nil {
			resp.Body.Close()
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("server never came up: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
