package strata

import (
	cerrors "github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"golang.org/x/exp/slog"
)

const (
	// DefaultArenaSize is the arena node size used when CreateOptions.ArenaSize is 0
	DefaultArenaSize = 32 * 1024 * 1024
	// DefaultChunksPerSuperblock is the superblock chunk count used when
	// CreateOptions.ChunksPerSuperblock is 0
	DefaultChunksPerSuperblock = 16
	// DefaultMinChunkSize is the smallest chunk size class used when
	// CreateOptions.MinChunkSize is 0
	DefaultMinChunkSize = 256
	// DefaultMaxChunkSize is the largest chunk size class used when
	// CreateOptions.MaxChunkSize is 0
	DefaultMaxChunkSize = 16 * 1024 * 1024
)

// CreateOptions tunes the sub-allocators created for each memory type. The zero value
// selects the defaults above, which suit desktop-class devices.
type CreateOptions struct {
	// ArenaSize is the byte size of the device allocations that back short-lived
	// arena nodes
	ArenaSize int
	// ChunksPerSuperblock is the number of chunks in each superblock the chunked pool
	// requests from its owner
	ChunksPerSuperblock int
	// MinChunkSize is the smallest chunk size class, in bytes. Must be a power of two
	MinChunkSize int
	// MaxChunkSize is the largest chunk size class, in bytes. Must be a power of two
	// no smaller than MinChunkSize. Requests above it go directly to the device
	MaxChunkSize int
}

// AllocationCreateInfo carries the caller's intent for a single allocation.
type AllocationCreateInfo struct {
	// Usage selects the allocation strategy by expected lifetime
	Usage MemoryUsage
	// RequiredProperties restricts the allocation to memory types whose property
	// flags include every flag set here. Leave 0 to accept any memory type in the
	// request's type mask
	RequiredProperties core1_0.MemoryPropertyFlags
}

// NewSmartAllocator builds an allocation hierarchy for a device's memory table: one
// dispatcher per entry in memoryProperties.MemoryTypes and one capacity budget per entry
// in memoryProperties.MemoryHeaps. Pass a nil logger to use slog.Default.
func NewSmartAllocator(logger *slog.Logger, memoryProperties core1_0.PhysicalDeviceMemoryProperties, options CreateOptions) (*SmartAllocator, error) {
	if logger == nil {
		logger = slog.Default()
	}

	typeCount := len(memoryProperties.MemoryTypes)
	heapCount := len(memoryProperties.MemoryHeaps)
	if typeCount == 0 {
		return nil, cerrors.New("the memory properties describe no memory types")
	}
	if typeCount > common.MaxMemoryTypes {
		return nil, cerrors.Errorf("the memory properties describe %d memory types, but the limit is %d", typeCount, common.MaxMemoryTypes)
	}
	if heapCount == 0 {
		return nil, cerrors.New("the memory properties describe no memory heaps")
	}
	if heapCount > common.MaxMemoryHeaps {
		return nil, cerrors.Errorf("the memory properties describe %d memory heaps, but the limit is %d", heapCount, common.MaxMemoryHeaps)
	}

	allocator := &SmartAllocator{
		logger:     logger,
		allocators: make([]memoryTypeAllocator, 0, typeCount),
		heaps:      make([]heap, heapCount),
	}

	for index, memoryType := range memoryProperties.MemoryTypes {
		if memoryType.HeapIndex < 0 || memoryType.HeapIndex >= heapCount {
			return nil, cerrors.Errorf("memory type %d names heap %d, but the device has %d heaps", index, memoryType.HeapIndex, heapCount)
		}

		combined, err := NewCombinedAllocator(logger, index, options)
		if err != nil {
			return nil, err
		}

		allocator.allocators = append(allocator.allocators, memoryTypeAllocator{
			memoryType: memoryType,
			combined:   combined,
		})
	}

	for index, memoryHeap := range memoryProperties.MemoryHeaps {
		allocator.heaps[index] = heap{
			index: index,
			size:  memoryHeap.Size,
		}
	}

	return allocator, nil
}
