package zkvm

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/eth2030/zkclaim/errs"
	"github.com/eth2030/zkclaim/guest"
	"github.com/eth2030/zkclaim/input"
	"github.com/eth2030/zkclaim/log"
	"github.com/eth2030/zkclaim/metrics"
)

// Executor errors. All of them surface as guest aborts.
var (
	ErrGuestPanic   = errors.New("zkvm: guest panicked")
	ErrNoJournal    = errors.New("zkvm: guest halted without a journal")
	ErrDoubleCommit = errors.New("zkvm: guest committed more than once")
)

// Domain tags for the digests.
const (
	systemStateTag  = "zkclaim.SystemState"
	receiptClaimTag = "zkclaim.ReceiptClaim"
)

// ExitSuccess is the exit code of a run that halted with a journal.
const ExitSuccess uint32 = 0

// Session is the outcome of a successful guest run.
type Session struct {
	Image           ImageID
	Journal         []byte
	PostStateDigest common.Hash
	ExitCode        uint32
}

// PostStateDigest commits to the image, the input it consumed and the exit
// code of the run.
func PostStateDigest(id ImageID, in []byte, exitCode uint32) common.Hash {
	inHash := sha256.Sum256(in)
	h := sha256.New()
	h.Write([]byte(systemStateTag))
	h.Write(id[:])
	h.Write(inHash[:])
	h.Write(exitCodeBytes(exitCode))
	return common.BytesToHash(h.Sum(nil))
}

// ClaimDigest is the message a seal signs. It binds the journal and the
// post-state digest to the image.
func ClaimDigest(id ImageID, postState common.Hash, journal []byte, exitCode uint32) common.Hash {
	jHash := sha256.Sum256(journal)
	h := sha256.New()
	h.Write([]byte(receiptClaimTag))
	h.Write(id[:])
	h.Write(postState[:])
	h.Write(jHash[:])
	h.Write(exitCodeBytes(exitCode))
	return common.BytesToHash(h.Sum(nil))
}

func exitCodeBytes(code uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], code)
	return b[:]
}

// runEnv is the guest environment of a single run. The journal is buffered
// and only leaves the executor if the run succeeds.
type runEnv struct {
	in      *input.Reader
	journal []byte
	commits int
}

func (e *runEnv) Read(v any) error { return e.in.Read(v) }

func (e *runEnv) Finish() error { return e.in.Finish() }

func (e *runEnv) Commit(journal []byte) {
	e.commits++
	e.journal = append([]byte(nil), journal...)
}

// Executor runs images over encoded inputs. Runs are synchronous: once
// started, a run always completes.
type Executor struct {
	log *log.Logger
}

// NewExecutor creates an executor.
func NewExecutor() *Executor {
	return &Executor{log: log.Default().Module("zkvm")}
}

// Execute runs img over in. A run that fails for any reason, including a
// panic inside the guest, yields a guest abort and no journal.
func (x *Executor) Execute(img *Image, in []byte) (sess *Session, err error) {
	if img == nil || img.Entry == nil {
		return nil, errs.GuestAbort("zkvm.execute", ErrNilProgram)
	}
	env := &runEnv{in: input.NewReader(in)}

	defer func() {
		if r := recover(); r != nil {
			sess, err = nil, errs.GuestAbort("zkvm.execute", fmt.Errorf("%w: %v", ErrGuestPanic, r))
		}
		if err != nil {
			metrics.GuestAborts.WithLabelValues(abortLabel(err)).Inc()
			x.log.Debug("Guest aborted", "image", img.ID, "err", err)
		}
	}()

	if err := img.Entry.Run(env); err != nil {
		return nil, errs.GuestAbort("zkvm.execute", err)
	}
	switch {
	case env.commits == 0:
		return nil, errs.GuestAbort("zkvm.execute", ErrNoJournal)
	case env.commits > 1:
		return nil, errs.GuestAbort("zkvm.execute", ErrDoubleCommit)
	}
	sess = &Session{
		Image:           img.ID,
		Journal:         env.journal,
		PostStateDigest: PostStateDigest(img.ID, in, ExitSuccess),
		ExitCode:        ExitSuccess,
	}
	x.log.Debug("Guest halted", "image", img.ID, "journal", len(sess.Journal))
	return sess, nil
}

func abortLabel(err error) string {
	if stage, ok := guest.AbortStage(err); ok {
		return stage.String()
	}
	switch {
	case errors.Is(err, ErrGuestPanic):
		return "panic"
	case errors.Is(err, ErrNoJournal), errors.Is(err, ErrDoubleCommit):
		return guest.StageHalt.String()
	}
	return "unknown"
}
