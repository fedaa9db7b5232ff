package kvcache

import (
	"errors"
	"fmt"
)

// ErrContractViolation covers ordering and configuration contract breaks:
// decode before prefill, prefill issued twice for a layer, or a length
// overflow. Fatal; the caller is expected to discard the cache.
var ErrContractViolation = errors.New("kvcache: contract violation")

// ErrShapeMismatch is returned when an input tensor's shape disagrees
// with the committed configuration. Fatal.
var ErrShapeMismatch = errors.New("kvcache: shape mismatch")

// ErrLengthExceeded is returned when a prefill or update would push a
// sequence's served positions past Config.MaxLength. Fatal. It wraps
// ErrContractViolation, so errors.Is matches either sentinel.
var ErrLengthExceeded = fmt.Errorf("%w: max_length exceeded", ErrContractViolation)
