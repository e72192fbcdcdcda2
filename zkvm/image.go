// Package zkvm is the proving side of the claim pipeline. It names guest
// programs by image id, executes them over an encoded input, and turns a
// successful run into a ProofArtifact: the journal, the post-state digest
// and a seal binding both to the image.
//
// The development backend seals with a secp256k1 attestation key instead of
// a succinct proof. The artifact layout and the verification contract are
// the same either way, so callers never depend on which backend produced it.
package zkvm

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/eth2030/zkclaim/guest"
)

// Registry errors.
var (
	ErrNilProgram    = errors.New("zkvm: nil program")
	ErrEmptyProgram  = errors.New("zkvm: empty program descriptor")
	ErrImageExists   = errors.New("zkvm: image already registered")
	ErrUnknownImage  = errors.New("zkvm: unknown image")
	ErrImageMismatch = errors.New("zkvm: artifact image id mismatch")
)

// ImageID identifies a guest program. It is the SHA-256 of the program's
// descriptor.
type ImageID [32]byte

// Hex returns the 0x-prefixed hex form of id.
func (id ImageID) Hex() string { return hexutil.Encode(id[:]) }

func (id ImageID) String() string { return id.Hex() }

// MarshalText implements encoding.TextMarshaler.
func (id ImageID) MarshalText() ([]byte, error) {
	return hexutil.Bytes(id[:]).MarshalText()
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *ImageID) UnmarshalText(input []byte) error {
	return hexutil.UnmarshalFixedText("ImageID", input, id[:])
}

// HexToImageID parses a 0x-prefixed 32-byte hex string.
func HexToImageID(s string) (ImageID, error) {
	var id ImageID
	if err := id.UnmarshalText([]byte(s)); err != nil {
		return ImageID{}, fmt.Errorf("zkvm: image id %q: %w", s, err)
	}
	return id, nil
}

// Program is a guest program the executor can run.
type Program interface {
	// Descriptor is the canonical byte description of the program.
	Descriptor() []byte
	// Run executes one guest run against env.
	Run(env guest.Env) error
}

// Image is a registered program together with its id.
type Image struct {
	ID         ImageID
	Descriptor []byte
	Entry      Program
}

// NewImage derives the image id of p.
func NewImage(p Program) (*Image, error) {
	if p == nil {
		return nil, ErrNilProgram
	}
	desc := p.Descriptor()
	if len(desc) == 0 {
		return nil, ErrEmptyProgram
	}
	return &Image{ID: sha256.Sum256(desc), Descriptor: desc, Entry: p}, nil
}

// Registry holds images by id. It is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	images map[ImageID]*Image
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{images: make(map[ImageID]*Image)}
}

// Register adds p and returns its image id. Registering the same descriptor
// twice returns the existing id together with ErrImageExists.
func (r *Registry) Register(p Program) (ImageID, error) {
	img, err := NewImage(p)
	if err != nil {
		return ImageID{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.images[img.ID]; exists {
		return img.ID, ErrImageExists
	}
	r.images[img.ID] = img
	return img.ID, nil
}

// Lookup returns the image registered under id.
func (r *Registry) Lookup(id ImageID) (*Image, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	img, ok := r.images[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownImage, id)
	}
	return img, nil
}

// IDs returns the registered image ids in no particular order.
func (r *Registry) IDs() []ImageID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]ImageID, 0, len(r.images))
	for id := range r.images {
		ids = append(ids, id)
	}
	return ids
}

// Len returns the number of registered images.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.images)
}
