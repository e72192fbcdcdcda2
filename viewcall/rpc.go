package viewcall

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/ethclient/gethclient"
	"github.com/ethereum/go-ethereum/rpc"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"github.com/eth2030/zkclaim/chainspec"
	"github.com/eth2030/zkclaim/errs"
	"github.com/eth2030/zkclaim/log"
	"github.com/eth2030/zkclaim/metrics"
	"github.com/eth2030/zkclaim/witness"
)

// RPC source errors.
var (
	ErrCodeHashMismatch = errors.New("viewcall: code does not match account code hash")
	ErrNoRecorder       = errors.New("viewcall: environment is not backed by an RPC source")
)

// ChainClient is the subset of the node API preflight needs. Both Client
// and test chains satisfy it.
type ChainClient interface {
	ChainID(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
	GetProof(ctx context.Context, account common.Address, keys []string, blockNumber *big.Int) (*gethclient.AccountResult, error)
}

// Client joins the standard and geth-specific JSON-RPC clients over one
// connection.
type Client struct {
	raw  *rpc.Client
	eth  *ethclient.Client
	geth *gethclient.Client
}

// Dial connects to a node's JSON-RPC endpoint.
func Dial(ctx context.Context, url string) (*Client, error) {
	rc, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, errs.Preflight("preflight.dial", err)
	}
	return NewClient(rc), nil
}

// NewClient wraps an existing RPC connection.
func NewClient(rc *rpc.Client) *Client {
	return &Client{raw: rc, eth: ethclient.NewClient(rc), geth: gethclient.New(rc)}
}

// Eth exposes the standard client, used for transaction submission.
func (c *Client) Eth() *ethclient.Client { return c.eth }

// Close closes the underlying connection.
func (c *Client) Close() { c.raw.Close() }

func (c *Client) ChainID(ctx context.Context) (*big.Int, error) { return c.eth.ChainID(ctx) }

func (c *Client) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	return c.eth.HeaderByNumber(ctx, number)
}

func (c *Client) CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error) {
	return c.eth.CodeAt(ctx, account, blockNumber)
}

func (c *Client) GetProof(ctx context.Context, account common.Address, keys []string, blockNumber *big.Int) (*gethclient.AccountResult, error) {
	return c.geth.GetProof(ctx, account, keys, blockNumber)
}

// Option configures NewRPCEnv.
type Option func(*rpcSource)

// WithRateLimit caps the request rate against the node.
func WithRateLimit(limit rate.Limit, burst int) Option {
	return func(s *rpcSource) { s.limiter = rate.NewLimiter(limit, burst) }
}

// WithCodeCache shares a code cache, keyed by code hash, across environments.
func WithCodeCache(cache *lru.Cache[common.Hash, []byte]) Option {
	return func(s *rpcSource) { s.codes = cache }
}

// WithLogger sets the logger used for request tracing.
func WithLogger(l *log.Logger) Option {
	return func(s *rpcSource) { s.log = l }
}

// NewCodeCache creates a code cache holding up to size contracts.
func NewCodeCache(size int) *lru.Cache[common.Hash, []byte] {
	cache, err := lru.New[common.Hash, []byte](size)
	if err != nil {
		panic(err)
	}
	return cache
}

// NewRPCEnv resolves block (latest when nil) on the node, checks that the
// node serves the spec's chain and that the header fits the spec's forks,
// and returns an environment whose reads are fetched lazily and recorded.
func NewRPCEnv(ctx context.Context, client ChainClient, spec *chainspec.Spec, block *big.Int, opts ...Option) (*Env, error) {
	if spec == nil {
		return nil, errs.Preflight("preflight.env", errors.New("no chain spec"))
	}
	id, err := client.ChainID(ctx)
	if err != nil {
		return nil, errs.Preflight("preflight.chainid", err)
	}
	if err := spec.CheckChainID(id); err != nil {
		return nil, errs.Preflight("preflight.chainid", err)
	}
	header, err := client.HeaderByNumber(ctx, block)
	if err != nil {
		return nil, errs.Preflight("preflight.header", err)
	}
	if header == nil || header.Number == nil {
		return nil, errs.Preflight("preflight.header", fmt.Errorf("block %v not found", block))
	}
	if err := spec.CheckHeader(header); err != nil {
		return nil, errs.Preflight("preflight.header", err)
	}

	rec := witness.NewRecorder(header)
	src := &rpcSource{
		ctx:      ctx,
		client:   client,
		header:   header,
		number:   new(big.Int).Set(header.Number),
		rec:      rec,
		log:      log.Default().Module("preflight"),
		accounts: make(map[common.Address]*witness.Account),
		slots:    make(map[common.Address]map[common.Hash]common.Hash),
	}
	for _, opt := range opts {
		opt(src)
	}
	if src.codes == nil {
		src.codes = NewCodeCache(64)
	}
	src.log.Debug("Resolved block", "number", header.Number, "hash", header.Hash(), "spec", spec)

	env := NewEnv(header, spec, src)
	env.recorder = rec
	return env, nil
}

// rpcSource fetches state with eth_getProof and eth_getCode. Values are taken
// from the verified proofs rather than from the node's decoded fields, so the
// values preflight sees are exactly those the guest will re-derive.
type rpcSource struct {
	mu       sync.Mutex
	ctx      context.Context
	client   ChainClient
	header   *types.Header
	number   *big.Int
	rec      *witness.Recorder
	limiter  *rate.Limiter
	codes    *lru.Cache[common.Hash, []byte]
	log      *log.Logger
	accounts map[common.Address]*witness.Account
	slots    map[common.Address]map[common.Hash]common.Hash
}

func (s *rpcSource) bind(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
}

func (s *rpcSource) wait(method string) error {
	metrics.RPCRequests.WithLabelValues(method).Inc()
	if s.limiter == nil {
		return nil
	}
	return s.limiter.Wait(s.ctx)
}

func (s *rpcSource) getProof(addr common.Address, slot *common.Hash) (*gethclient.AccountResult, error) {
	if err := s.wait("eth_getProof"); err != nil {
		return nil, err
	}
	var keys []string
	if slot != nil {
		keys = []string{slot.Hex()}
	}
	res, err := s.client.GetProof(s.ctx, addr, keys, s.number)
	if err != nil {
		metrics.RPCErrors.WithLabelValues("eth_getProof").Inc()
		return nil, fmt.Errorf("eth_getProof %s: %w", addr, err)
	}
	if slot != nil && len(res.StorageProof) != 1 {
		return nil, fmt.Errorf("eth_getProof %s: want 1 storage proof, got %d", addr, len(res.StorageProof))
	}
	return res, nil
}

func (s *rpcSource) Account(addr common.Address) (*witness.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.account(addr)
}

func (s *rpcSource) account(addr common.Address) (*witness.Account, error) {
	if acc, ok := s.accounts[addr]; ok {
		return acc, nil
	}
	res, err := s.getProof(addr, nil)
	if err != nil {
		return nil, err
	}
	proof, err := decodeNodes(res.AccountProof)
	if err != nil {
		return nil, fmt.Errorf("eth_getProof %s: %w", addr, err)
	}
	acc, err := witness.VerifyAccountProof(s.header.Root, addr, proof)
	if err != nil {
		return nil, err
	}
	s.rec.AddAccountProof(addr, proof)
	s.accounts[addr] = acc
	s.log.Debug("Fetched account", "addr", addr, "exists", acc.Exists, "nodes", len(proof))
	return acc, nil
}

func (s *rpcSource) Storage(addr common.Address, slot common.Hash) (common.Hash, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if v, ok := s.slots[addr][slot]; ok {
		return v, nil
	}
	acc, err := s.account(addr)
	if err != nil {
		return common.Hash{}, err
	}
	res, err := s.getProof(addr, &slot)
	if err != nil {
		return common.Hash{}, err
	}
	proof, err := decodeNodes(res.StorageProof[0].Proof)
	if err != nil {
		return common.Hash{}, fmt.Errorf("eth_getProof %s[%s]: %w", addr, slot, err)
	}
	v, err := witness.VerifyStorageProof(acc.StorageRoot, addr, slot, proof)
	if err != nil {
		return common.Hash{}, err
	}
	s.rec.AddStorageProof(addr, slot, proof)
	if s.slots[addr] == nil {
		s.slots[addr] = make(map[common.Hash]common.Hash)
	}
	s.slots[addr][slot] = v
	return v, nil
}

func (s *rpcSource) Code(addr common.Address, codeHash common.Hash) ([]byte, error) {
	if codeHash == types.EmptyCodeHash || codeHash == (common.Hash{}) {
		return nil, nil
	}
	if code, ok := s.codes.Get(codeHash); ok {
		metrics.CodeCacheHits.Inc()
		s.rec.AddCode(code)
		return code, nil
	}
	if err := s.wait("eth_getCode"); err != nil {
		return nil, err
	}
	code, err := s.client.CodeAt(s.ctx, addr, s.number)
	if err != nil {
		metrics.RPCErrors.WithLabelValues("eth_getCode").Inc()
		return nil, fmt.Errorf("eth_getCode %s: %w", addr, err)
	}
	if got := crypto.Keccak256Hash(code); got != codeHash {
		return nil, fmt.Errorf("%w: %s has %s, account says %s", ErrCodeHashMismatch, addr, got, codeHash)
	}
	s.codes.Add(codeHash, code)
	s.rec.AddCode(code)
	return code, nil
}

func decodeNodes(nodes []string) ([][]byte, error) {
	out := make([][]byte, len(nodes))
	for i, n := range nodes {
		b, err := hexutil.Decode(n)
		if err != nil {
			return nil, fmt.Errorf("proof node %d: %w", i, err)
		}
		out[i] = b
	}
	return out, nil
}
