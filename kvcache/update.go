package kvcache

import (
	"fmt"

	"github.com/shadowkv/shadowkv/ml"
)

// Update implements spec.md §4.6: appends kNew/vNew, shaped
// [B, H_kv, delta, D], into the resident tail at offset
// prefill_len+generated_len, then advances generated_len by delta.
// Appending is idempotent only when delta is 0; any non-zero delta
// advances state, per the append contract.
func (c *Cache) Update(layerIdx int, kNew, vNew ml.Tensor) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkLayerIdx(layerIdx); err != nil {
		return err
	}
	l := c.layers[layerIdx]
	if l.prefillLen == 0 {
		return fmt.Errorf("%w: update before prefill on layer %d", ErrContractViolation, layerIdx)
	}

	shape := kNew.Shape()
	b, hkv, delta, d := c.config.BatchSize, c.config.NumKVHeads, shape[2], c.config.HeadDim
	if len(shape) != 4 || shape[0] != b || shape[1] != hkv || shape[3] != d {
		return fmt.Errorf("%w: update k has shape %v, want [%d, %d, delta, %d]", ErrShapeMismatch, shape, b, hkv, d)
	}
	if vShape := vNew.Shape(); len(vShape) != 4 || vShape[2] != delta {
		return fmt.Errorf("%w: update v has shape %v, want delta=%d to match k", ErrShapeMismatch, vShape, delta)
	}
	if delta == 0 {
		return nil
	}

	base := l.servedLen()
	if base+delta > c.config.MaxLength {
		return fmt.Errorf("%w: appending %d positions at offset %d would exceed max_length %d", ErrLengthExceeded, delta, base, c.config.MaxLength)
	}

	for bi := 0; bi < b; bi++ {
		for hi := 0; hi < hkv; hi++ {
			for i := 0; i < delta; i++ {
				dstPos := base + i
				copyRowAt(l.keysBuf, c.config.MaxLength, d, bi, hkv, hi, dstPos, kNew, i)
				copyRowAt(l.valuesBuf, c.config.MaxLength, d, bi, hkv, hi, dstPos, vNew, i)
				l.resident[(bi*hkv+hi)*c.config.MaxLength+dstPos] = true
			}
		}
	}

	l.generatedLen += delta
	if c.state == StateDecoding {
		c.state = StateReady
	}
	return nil
}

// copyRowAt copies row srcPos of a [B, H, delta, D] tensor into a flat
// [B, H, MaxLength, D] resident buffer at absolute position dstPos.
func copyRowAt(buf []float32, maxLength, d, batch, numHeads, head, dstPos int, src ml.Tensor, srcPos int) {
	shape := src.Shape()
	srcN := shape[2]
	srcVals := src.Floats()
	srcOff := ((batch*numHeads+head)*srcN + srcPos) * d
	dstOff := ((batch*numHeads+head)*maxLength + dstPos) * d
	copy(buf[dstOff:dstOff+d], srcVals[srcOff:srcOff+d])
}
