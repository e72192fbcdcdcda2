package zkvm

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/eth2030/zkclaim/chainspec"
	"github.com/eth2030/zkclaim/errs"
	"github.com/eth2030/zkclaim/guest"
	"github.com/eth2030/zkclaim/input"
	"github.com/eth2030/zkclaim/internal/testchain"
	"github.com/eth2030/zkclaim/journal"
	"github.com/eth2030/zkclaim/metrics"
	"github.com/eth2030/zkclaim/viewcall"
)

var (
	contract = common.HexToAddress("0x5ea75ea75ea75ea75ea75ea75ea75ea75ea75ea7")
	account  = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
)

// funcProgram adapts a function to Program.
type funcProgram struct {
	desc string
	run  func(env guest.Env) error
}

func (p funcProgram) Descriptor() []byte { return []byte(p.desc) }
func (p funcProgram) Run(env guest.Env) error { return p.run(env) }

// echo commits the single []byte value it reads.
var echo = funcProgram{desc: "echo", run: func(env guest.Env) error {
	var b []byte
	if err := env.Read(&b); err != nil {
		return err
	}
	if err := env.Finish(); err != nil {
		return err
	}
	env.Commit(b)
	return nil
}}

func encode(t *testing.T, vals ...any) []byte {
	t.Helper()
	data, err := input.Encode(vals...)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return data
}

func goalCheck(t *testing.T) *guest.GoalCheck {
	t.Helper()
	g, err := guest.NewGoalCheck(guest.GoalCheckConfig{Spec: chainspec.Dev})
	if err != nil {
		t.Fatalf("NewGoalCheck: %v", err)
	}
	return g
}

// goalInput preflights a goal of 5 and encodes the guest input for threshold.
func goalInput(t *testing.T, threshold uint64) []byte {
	t.Helper()
	c := testchain.New(chainspec.Dev.Config, 100)
	c.SetGoal(contract, account, 0, 5)
	env, err := viewcall.NewRPCEnv(context.Background(), c, chainspec.Dev, nil)
	if err != nil {
		t.Fatalf("NewRPCEnv: %v", err)
	}
	call, _ := guest.GoalCall(contract, account, uint256.NewInt(0))
	in, _, err := viewcall.Preflight(context.Background(), env, call)
	if err != nil {
		t.Fatalf("Preflight: %v", err)
	}
	data, err := (&guest.Inputs{
		Input:     in,
		Contract:  contract,
		Account:   account,
		GoalIndex: uint256.NewInt(0),
		Threshold: uint256.NewInt(threshold),
	}).Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return data
}

func newAttestor(t *testing.T) *Attestor {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	return NewAttestor(key)
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	id, err := reg.Register(echo)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if img, _ := NewImage(echo); img.ID != id {
		t.Fatalf("id = %s, want %s", id, img.ID)
	}
	if dup, err := reg.Register(echo); !errors.Is(err, ErrImageExists) || dup != id {
		t.Fatalf("duplicate register = %s, %v", dup, err)
	}
	if reg.Len() != 1 || len(reg.IDs()) != 1 {
		t.Fatalf("len = %d", reg.Len())
	}
	img, err := reg.Lookup(id)
	if err != nil || img.Entry == nil || string(img.Descriptor) != "echo" {
		t.Fatalf("Lookup = %+v, %v", img, err)
	}
	if _, err := reg.Lookup(ImageID{1}); !errors.Is(err, ErrUnknownImage) {
		t.Fatalf("unknown lookup err = %v", err)
	}
	if _, err := reg.Register(funcProgram{}); !errors.Is(err, ErrEmptyProgram) {
		t.Fatalf("empty descriptor err = %v", err)
	}
	if _, err := NewImage(nil); !errors.Is(err, ErrNilProgram) {
		t.Fatalf("nil program err = %v", err)
	}
}

func TestImageIDText(t *testing.T) {
	img, _ := NewImage(goalCheck(t))
	parsed, err := HexToImageID(img.ID.Hex())
	if err != nil || parsed != img.ID {
		t.Fatalf("HexToImageID = %s, %v", parsed, err)
	}
	if _, err := HexToImageID("0x1234"); err == nil {
		t.Fatal("expected error for short image id")
	}
}

func TestExecuteGoalCheck(t *testing.T) {
	img, err := NewImage(goalCheck(t))
	if err != nil {
		t.Fatalf("NewImage: %v", err)
	}
	in := goalInput(t, 5)
	sess, err := NewExecutor().Execute(img, in)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if sess.ExitCode != ExitSuccess || sess.Image != img.ID {
		t.Fatalf("session = %+v", sess)
	}
	if sess.PostStateDigest != PostStateDigest(img.ID, in, ExitSuccess) {
		t.Fatal("post-state digest does not commit to the input")
	}
	j, err := journal.Decode(sess.Journal)
	if err != nil {
		t.Fatalf("journal: %v", err)
	}
	if j.Account != account || j.Threshold.Uint64() != 5 {
		t.Fatalf("journal = %+v", j)
	}
}

func TestExecuteAbortHasNoJournal(t *testing.T) {
	img, _ := NewImage(goalCheck(t))
	before := testutil.ToFloat64(metrics.GuestAborts.WithLabelValues("assert"))

	sess, err := NewExecutor().Execute(img, goalInput(t, 4))
	if sess != nil {
		t.Fatal("aborted run returned a session")
	}
	if !errors.Is(err, errs.ErrGuestAbort) || !errors.Is(err, guest.ErrAssertion) {
		t.Fatalf("err = %v, want assertion abort", err)
	}
	if got := testutil.ToFloat64(metrics.GuestAborts.WithLabelValues("assert")); got != before+1 {
		t.Fatalf("assert aborts = %v, want %v", got, before+1)
	}
}

func TestExecuteRejectsTrailingInput(t *testing.T) {
	img, _ := NewImage(goalCheck(t))
	valid := goalInput(t, 5)
	for _, tail := range [][]byte{{0xb8}, {0xff}, {0x01}} {
		data := append(bytes.Clone(valid), tail...)
		sess, err := NewExecutor().Execute(img, data)
		if sess != nil {
			t.Fatalf("tail %x: guest committed a journal of %d bytes", tail, len(sess.Journal))
		}
		if !errors.Is(err, errs.ErrGuestAbort) || !errors.Is(err, input.ErrTrailingData) {
			t.Fatalf("tail %x: err = %v, want trailing data abort", tail, err)
		}
	}
	if _, err := NewExecutor().Execute(img, valid); err != nil {
		t.Fatalf("Execute without tail: %v", err)
	}
}

func TestExecuteMisbehavingGuests(t *testing.T) {
	tests := []struct {
		name string
		run  func(env guest.Env) error
		want error
	}{
		{"panic", func(guest.Env) error { panic("boom") }, ErrGuestPanic},
		{"no journal", func(guest.Env) error { return nil }, ErrNoJournal},
		{"double commit", func(env guest.Env) error {
			env.Commit([]byte{1})
			env.Commit([]byte{2})
			return nil
		}, ErrDoubleCommit},
		{"commit then fail", func(env guest.Env) error {
			env.Commit([]byte{1})
			return errors.New("late failure")
		}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			img, _ := NewImage(funcProgram{desc: tt.name, run: tt.run})
			sess, err := NewExecutor().Execute(img, nil)
			if sess != nil {
				t.Fatal("failed run returned a session")
			}
			if errs.KindOf(err) != errs.KindGuestAbort {
				t.Fatalf("err = %v, want guest abort", err)
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestSealTamperEvidence(t *testing.T) {
	att := newAttestor(t)
	img, _ := NewImage(echo)
	sess, err := NewExecutor().Execute(img, encode(t, []byte("journal bytes")))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	art, err := att.Seal(sess)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	v := &Verifier{Signer: att.Address()}
	if err := v.Verify(art, img.ID); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if len(art.Seal) != SealLength || !bytes.Equal(art.Seal[:4], SealSelector[:]) {
		t.Fatalf("seal layout %x", art.Seal)
	}

	copyOf := func() *ProofArtifact {
		c := *art
		c.Journal = append([]byte(nil), art.Journal...)
		c.Seal = append([]byte(nil), art.Seal...)
		return &c
	}
	tampers := map[string]func(a *ProofArtifact){
		"journal":  func(a *ProofArtifact) { a.Journal[0] ^= 1 },
		"digest":   func(a *ProofArtifact) { a.PostStateDigest[31] ^= 1 },
		"image":    func(a *ProofArtifact) { a.ImageID[0] ^= 1 },
		"seal":     func(a *ProofArtifact) { a.Seal[10] ^= 1 },
		"selector": func(a *ProofArtifact) { a.Seal[0] ^= 1 },
		"short":    func(a *ProofArtifact) { a.Seal = a.Seal[:SealLength-1] },
	}
	for name, tamper := range tampers {
		a := copyOf()
		tamper(a)
		if err := v.Verify(a, ImageID{}); !errors.Is(err, ErrInvalidSeal) {
			t.Errorf("%s: err = %v, want ErrInvalidSeal", name, err)
		}
	}

	other := &Verifier{Signer: newAttestor(t).Address()}
	if err := other.Verify(art, img.ID); !errors.Is(err, ErrInvalidSeal) {
		t.Errorf("wrong signer err = %v", err)
	}
	if err := v.Verify(art, ImageID{9}); !errors.Is(err, ErrImageMismatch) {
		t.Errorf("image mismatch err = %v", err)
	}
}

func TestLocalProver(t *testing.T) {
	reg := NewRegistry()
	id, _ := reg.Register(goalCheck(t))
	att := newAttestor(t)
	p := NewLocalProver(reg, att)

	art, err := p.Prove(context.Background(), id, goalInput(t, 5))
	if err != nil {
		t.Fatalf("Prove: %v", err)
	}
	if err := (&Verifier{Signer: att.Address()}).Verify(art, id); err != nil {
		t.Fatalf("Verify: %v", err)
	}

	if _, err := p.Prove(context.Background(), id, goalInput(t, 4)); errs.KindOf(err) != errs.KindGuestAbort {
		t.Fatalf("abort err = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p.Prove(ctx, id, goalInput(t, 5))
	if !errors.Is(err, context.Canceled) || !errs.IsRetryable(err) {
		t.Fatalf("cancelled err = %v", err)
	}

	_, err = p.Prove(context.Background(), ImageID{1}, nil)
	if !errors.Is(err, ErrUnknownImage) || errs.IsRetryable(err) {
		t.Fatalf("unknown image err = %v", err)
	}
}

func TestRemoteProver(t *testing.T) {
	reg := NewRegistry()
	id, _ := reg.Register(goalCheck(t))
	att := newAttestor(t)

	srv := rpc.NewServer()
	defer srv.Stop()
	if err := RegisterService(srv, NewLocalProver(reg, att)); err != nil {
		t.Fatalf("RegisterService: %v", err)
	}
	remote := NewRemoteProver(rpc.DialInProc(srv))
	defer remote.Close()

	art, err := remote.Prove(context.Background(), id, goalInput(t, 5))
	if err != nil {
		t.Fatalf("Prove: %v", err)
	}
	if err := (&Verifier{Signer: att.Address()}).Verify(art, id); err != nil {
		t.Fatalf("Verify remote artifact: %v", err)
	}

	_, err = remote.Prove(context.Background(), id, goalInput(t, 4))
	if !errors.Is(err, errs.ErrGuestAbort) || !errors.Is(err, ErrRemoteAbort) || errs.IsRetryable(err) {
		t.Fatalf("remote abort err = %v", err)
	}

	_, err = remote.Prove(context.Background(), ImageID{1}, nil)
	if errs.KindOf(err) != errs.KindProvingTransport {
		t.Fatalf("remote unknown image err = %v", err)
	}
}
