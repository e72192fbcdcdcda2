package claim

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/core/vm"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/eth2030/zkclaim/errs"
	"github.com/eth2030/zkclaim/log"
	"github.com/eth2030/zkclaim/metrics"
	"github.com/eth2030/zkclaim/zkvm"
)

// Submission errors.
var (
	ErrChainIDMismatch = errors.New("claim: chain id mismatch")
	ErrRejected        = errors.New("claim: verifier rejected the claim")
	ErrNonceConflict   = errors.New("claim: nonce conflict")
	ErrNoHeader        = errors.New("claim: node returned no head header")
	ErrReceiptFailed   = errors.New("claim: transaction failed")
)

// gasMarginPercent is added on top of the gas estimate.
const gasMarginPercent = 20

// Backend is the chain access the submitter needs. *ethclient.Client
// satisfies it.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	ReceiptBackend
}

// ReceiptBackend looks up receipts.
type ReceiptBackend interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Submitter signs and broadcasts claim transactions from one account to one
// verifier contract. Nonce lookup and broadcast are serialized, so one
// submitter can be shared by concurrent claims.
type Submitter struct {
	backend  Backend
	key      *ecdsa.PrivateKey
	from     common.Address
	contract common.Address
	chainID  *big.Int
	signer   types.Signer
	log      *log.Logger

	mu sync.Mutex
}

// NewSubmitter creates a submitter for contract on the chain with chainID.
func NewSubmitter(backend Backend, key *ecdsa.PrivateKey, contract common.Address, chainID *big.Int) *Submitter {
	from := crypto.PubkeyToAddress(key.PublicKey)
	return &Submitter{
		backend:  backend,
		key:      key,
		from:     from,
		contract: contract,
		chainID:  new(big.Int).Set(chainID),
		signer:   types.LatestSignerForChainID(chainID),
		log:      log.Default().Module("submitter").With("from", from, "contract", contract),
	}
}

// From returns the sending account.
func (s *Submitter) From() common.Address { return s.from }

// Submit sends art to the verifier contract and returns the signed
// transaction once the node accepted it.
func (s *Submitter) Submit(ctx context.Context, art *zkvm.ProofArtifact, goalIndex *big.Int) (*types.Transaction, error) {
	data, err := EncodeClaim(art, goalIndex)
	if err != nil {
		return nil, errs.Serialization("submit.encode", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := s.backend.ChainID(ctx)
	if err != nil {
		return nil, errs.Submission("submit.chainid", err, true)
	}
	if id.Cmp(s.chainID) != 0 {
		return nil, errs.Submission("submit.chainid",
			fmt.Errorf("%w: node %v, configured %v", ErrChainIDMismatch, id, s.chainID), false)
	}

	nonce, err := s.backend.PendingNonceAt(ctx, s.from)
	if err != nil {
		return nil, errs.Submission("submit.nonce", err, true)
	}

	gas, err := s.backend.EstimateGas(ctx, ethereum.CallMsg{From: s.from, To: &s.contract, Data: data})
	if err != nil {
		if isRevert(err) {
			return nil, errs.Submission("submit.estimate", fmt.Errorf("%w: %w", ErrRejected, err), false)
		}
		return nil, errs.Submission("submit.estimate", err, true)
	}
	gas += gas * gasMarginPercent / 100

	tip, err := s.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, errs.Submission("submit.fees", err, true)
	}
	head, err := s.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, errs.Submission("submit.fees", err, true)
	}
	if head == nil {
		return nil, errs.Submission("submit.fees", ErrNoHeader, true)
	}
	feeCap := new(big.Int).Set(tip)
	if head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}

	tx, err := types.SignNewTx(s.key, s.signer, &types.DynamicFeeTx{
		ChainID:   s.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &s.contract,
		Data:      data,
	})
	if err != nil {
		return nil, errs.Submission("submit.sign", err, false)
	}

	if err := s.backend.SendTransaction(ctx, tx); err != nil {
		if isNonceConflict(err) {
			return nil, errs.Submission("submit.send", fmt.Errorf("%w: %w", ErrNonceConflict, err), false)
		}
		return nil, errs.Submission("submit.send", err, true)
	}
	metrics.ClaimsSubmitted.Inc()
	s.log.Info("Submitted claim", "tx", tx.Hash(), "nonce", nonce, "gas", gas, "image", art.ImageID)
	return tx, nil
}

func isRevert(err error) bool {
	return errors.Is(err, vm.ErrExecutionReverted) || strings.Contains(err.Error(), "execution reverted")
}

func isNonceConflict(err error) bool {
	if errors.Is(err, core.ErrNonceTooLow) || errors.Is(err, core.ErrNonceTooHigh) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, core.ErrNonceTooLow.Error()) ||
		strings.Contains(msg, core.ErrNonceTooHigh.Error()) ||
		strings.Contains(msg, "replacement transaction underpriced")
}

// WaitMined polls for the receipt of hash every interval until it is
// available or ctx is done. A receipt with failed status is a fatal
// submission error.
func WaitMined(ctx context.Context, b ReceiptBackend, hash common.Hash, interval time.Duration) (*types.Receipt, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger := log.Default().Module("submitter").With("tx", hash)
	for {
		receipt, err := b.TransactionReceipt(ctx, hash)
		switch {
		case err == nil && receipt != nil:
			if receipt.Status != types.ReceiptStatusSuccessful {
				return receipt, errs.Submission("submit.receipt",
					fmt.Errorf("%w: status %d in block %v", ErrReceiptFailed, receipt.Status, receipt.BlockNumber), false)
			}
			logger.Info("Claim mined", "block", receipt.BlockNumber, "gas", receipt.GasUsed)
			return receipt, nil
		case errors.Is(err, ethereum.NotFound):
			logger.Debug("Transaction not yet mined")
		case err != nil:
			logger.Debug("Receipt retrieval failed", "err", err)
		}

		select {
		case <-ctx.Done():
			return nil, errs.Submission("submit.receipt", ctx.Err(), true)
		case <-ticker.C:
		}
	}
}
