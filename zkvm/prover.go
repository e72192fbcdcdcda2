package zkvm

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/eth2030/zkclaim/errs"
	"github.com/eth2030/zkclaim/log"
	"github.com/eth2030/zkclaim/metrics"
)

// GuestAbortCode is the JSON-RPC error code a prover service returns when
// the guest rejected its input.
const GuestAbortCode = -32050

// ErrRemoteAbort wraps the message of a guest abort reported by a remote
// prover.
var ErrRemoteAbort = errors.New("zkvm: remote guest abort")

// Prover turns an image id and an encoded input into a proof artifact.
//
// A guest rejection is reported as an errs.GuestAbort error, an unreachable
// or failing backend as errs.ProvingTransport.
type Prover interface {
	Prove(ctx context.Context, id ImageID, in []byte) (*ProofArtifact, error)
}

// LocalProver executes and seals in process.
type LocalProver struct {
	registry *Registry
	executor *Executor
	attestor *Attestor
	log      *log.Logger
}

// NewLocalProver creates a prover over the images in registry.
func NewLocalProver(registry *Registry, attestor *Attestor) *LocalProver {
	return &LocalProver{
		registry: registry,
		executor: NewExecutor(),
		attestor: attestor,
		log:      log.Default().Module("prover"),
	}
}

// Prove runs the image over in and seals the session. Cancellation is only
// observed before the run starts.
func (p *LocalProver) Prove(ctx context.Context, id ImageID, in []byte) (*ProofArtifact, error) {
	if err := ctx.Err(); err != nil {
		return nil, errs.ProvingTransport("prover.local", err)
	}
	img, err := p.registry.Lookup(id)
	if err != nil {
		return nil, &errs.Error{Kind: errs.KindProvingTransport, Op: "prover.image", Err: err}
	}
	sess, err := p.executor.Execute(img, in)
	if err != nil {
		return nil, err
	}
	art, err := p.attestor.Seal(sess)
	if err != nil {
		return nil, &errs.Error{Kind: errs.KindProvingTransport, Op: "prover.seal", Err: err}
	}
	metrics.ProofsGenerated.WithLabelValues(id.Hex()).Inc()
	p.log.Info("Proof generated", "image", id, "input", len(in), "journal", len(art.Journal))
	return art, nil
}

// RemoteProver calls a prover service over JSON-RPC.
type RemoteProver struct {
	client *rpc.Client
}

// NewRemoteProver wraps an RPC client connected to a prover service.
func NewRemoteProver(client *rpc.Client) *RemoteProver {
	return &RemoteProver{client: client}
}

// DialRemoteProver connects to the prover service at url.
func DialRemoteProver(ctx context.Context, url string) (*RemoteProver, error) {
	c, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, errs.ProvingTransport("prover.dial", err)
	}
	return NewRemoteProver(c), nil
}

// Close closes the underlying connection.
func (p *RemoteProver) Close() { p.client.Close() }

// Prove implements Prover.
func (p *RemoteProver) Prove(ctx context.Context, id ImageID, in []byte) (*ProofArtifact, error) {
	if err := ctx.Err(); err != nil {
		return nil, errs.ProvingTransport("prover.remote", err)
	}
	var art ProofArtifact
	err := p.client.CallContext(ctx, &art, "prover_prove", id, hexutil.Bytes(in))
	if err != nil {
		var rerr rpc.Error
		if errors.As(err, &rerr) && rerr.ErrorCode() == GuestAbortCode {
			return nil, errs.GuestAbort("prover.remote", fmt.Errorf("%w: %s", ErrRemoteAbort, rerr.Error()))
		}
		return nil, errs.ProvingTransport("prover.remote", err)
	}
	if art.ImageID != id {
		return nil, &errs.Error{Kind: errs.KindProvingTransport, Op: "prover.remote",
			Err: fmt.Errorf("%w: have %s, want %s", ErrImageMismatch, art.ImageID, id)}
	}
	return &art, nil
}

// Service exposes a Prover under the "prover" JSON-RPC namespace.
type Service struct {
	prover Prover
}

// NewService wraps p.
func NewService(p Prover) *Service {
	return &Service{prover: p}
}

// RegisterService exposes p on srv under the "prover" namespace.
func RegisterService(srv *rpc.Server, p Prover) error {
	return srv.RegisterName("prover", NewService(p))
}

// Prove handles prover_prove.
func (s *Service) Prove(ctx context.Context, id ImageID, in hexutil.Bytes) (*ProofArtifact, error) {
	art, err := s.prover.Prove(ctx, id, in)
	if err != nil {
		if errors.Is(err, errs.ErrGuestAbort) {
			return nil, &abortError{msg: err.Error()}
		}
		return nil, err
	}
	return art, nil
}

type abortError struct{ msg string }

func (e *abortError) Error() string { return e.msg }
func (e *abortError) ErrorCode() int { return GuestAbortCode }
