package viewcall

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/eth2030/zkclaim/errs"
	"github.com/eth2030/zkclaim/metrics"
	"github.com/eth2030/zkclaim/witness"
)

// ErrDivergence means re-executing a call against its own recorded input did
// not reproduce the live result. Proving such an input would fail.
var ErrDivergence = errors.New("viewcall: replay diverged from live execution")

// Preflight executes call against an RPC-backed environment and returns the
// recorded input together with the call's return data.
//
// Before returning, the input is reconstructed exactly as the guest will
// reconstruct it and the call is executed again; the input is only handed
// out when both runs agree. Every failure is a preflight error.
func Preflight(ctx context.Context, env *Env, call Call) (*witness.ViewCallInput, []byte, error) {
	if env == nil || env.recorder == nil {
		return nil, nil, errs.Preflight("preflight.execute", ErrNoRecorder)
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, errs.Preflight("preflight.execute", err)
	}
	env.source.(*rpcSource).bind(ctx)

	live, err := Execute(env, call)
	if err != nil {
		return nil, nil, errs.Preflight("preflight.execute", err)
	}
	in := env.recorder.Finalize()
	metrics.WitnessBytes.Observe(float64(in.Size()))

	replayEnv, err := FromInput(in, env.spec)
	if err != nil {
		return nil, nil, errs.Preflight("preflight.replay", err)
	}
	replayed, err := Execute(replayEnv, call)
	if err != nil {
		return nil, nil, errs.Preflight("preflight.replay", err)
	}
	if !bytes.Equal(live, replayed) {
		return nil, nil, errs.Preflight("preflight.replay",
			fmt.Errorf("%w: live 0x%x, replay 0x%x", ErrDivergence, live, replayed))
	}
	return in, live, nil
}
