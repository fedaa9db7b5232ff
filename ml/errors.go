package ml

import (
	"context"
	"fmt"
	"log/slog"
)

// ErrResourceExhausted is returned when a backend cannot satisfy an
// allocation request for the cache's buffers (spec §7: resource
// exhaustion is fatal at construction and is never retried).
type ErrResourceExhausted struct {
	BackendMemory
}

func (e ErrResourceExhausted) Error() string {
	return fmt.Sprintf("ml: insufficient memory - required allocation: %+v", e.BackendMemory)
}

// DeviceMemory breaks down the memory a single region of ShadowKV's state
// (the device-resident buffers, or the host-pinned value store) occupies.
type DeviceMemory struct {
	// Name identifies the region, e.g. "device" or "host-pinned".
	Name string

	// PerLayer is the per-layer byte footprint (keys+values+factors).
	PerLayer []uint64

	// Scratch is the size of the per-step device scratch region, which is
	// not per-layer.
	Scratch uint64
}

func sumMemory(mem []uint64) uint64 {
	var sum uint64
	for _, m := range mem {
		sum += m
	}
	return sum
}

// Size returns the total size of the memory this region requires.
func (m DeviceMemory) Size() uint64 {
	return sumMemory(m.PerLayer) + m.Scratch
}

func (m DeviceMemory) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("name", m.Name),
		slog.Uint64("per_layer_total", sumMemory(m.PerLayer)),
		slog.Uint64("scratch", m.Scratch),
	)
}

// BackendMemory reports the allocation breakdown across the device and the
// host-pinned tier, mirroring the teacher's CPU/GPU split but renamed for
// ShadowKV's device/host-pinned split.
type BackendMemory struct {
	Device DeviceMemory
	Host   DeviceMemory
}

func (m BackendMemory) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Any(m.Device.Name, m.Device),
		slog.Any(m.Host.Name, m.Host),
	)
}

// Log prints a high level summary of the memory at the given level.
func (m BackendMemory) Log(level slog.Level) {
	ctx := context.Background()
	if sum := m.Device.Size(); sum > 0 {
		slog.Log(ctx, level, "shadowkv memory", "region", m.Device.Name, "bytes", sum)
	}
	if sum := m.Host.Size(); sum > 0 {
		slog.Log(ctx, level, "shadowkv memory", "region", m.Host.Name, "bytes", sum)
	}
}
