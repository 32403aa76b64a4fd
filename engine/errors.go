// Package engine declares the sentinel errors shared across the inference
// core. Every package wraps one of these with context via fmt.Errorf's %w
// verb; callers match kind with errors.Is rather than type assertions.
package engine

import "errors"

var (
	// ErrNoGPU means adapter acquisition found no usable GPU.
	ErrNoGPU = errors.New("engine: no gpu adapter available")

	// ErrFeatureUnsupported means a required device feature (storage
	// buffers, compute, f16 storage, subgroups) was not advertised.
	ErrFeatureUnsupported = errors.New("engine: required gpu feature unsupported")

	// ErrManifestInvalid means the manifest's declared shapes or tensor
	// table are internally contradictory.
	ErrManifestInvalid = errors.New("engine: manifest invalid")

	// ErrIOFailure means a shard read failed, possibly after retries.
	ErrIOFailure = errors.New("engine: shard io failure")

	// ErrShapeMismatch means operand shapes disagree for a kernel.
	ErrShapeMismatch = errors.New("engine: shape mismatch")

	// ErrDtypeMismatch means an operand dtype was not one the kernel
	// variant accepts.
	ErrDtypeMismatch = errors.New("engine: dtype mismatch")

	// ErrOutOfSeq means the KV cache has no room for an append.
	ErrOutOfSeq = errors.New("engine: kv cache out of sequence capacity")

	// ErrDeviceLost means a GPU readback failed to complete and the
	// pipeline is now poisoned until reset on a fresh device.
	ErrDeviceLost = errors.New("engine: device lost")

	// ErrCancelled means generation was cancelled between tokens. KV
	// state remains valid.
	ErrCancelled = errors.New("engine: generation cancelled")

	// ErrOutOfRange means a token id fell outside [0, vocab_size).
	ErrOutOfRange = errors.New("engine: token id out of range")
)
