package strata

import (
	"fmt"

	cerrors "github.com/cockroachdb/errors"
	"github.com/vkngwrapper/arsenal/memutils"
	"github.com/vkngwrapper/core/v2/core1_0"
)

// RootAllocator is the leaf of the allocation hierarchy: one instance per device memory
// type, performing whole device allocations with no sub-division. Every other tier
// ultimately draws its superblocks from a RootAllocator. It is the single point where
// device result codes are folded into this package's error taxonomy.
type RootAllocator struct {
	memoryTypeIndex int
	allocations     int
	allocatedBytes  int
}

// NewRootAllocator creates a leaf allocator for the given device memory type.
func NewRootAllocator(memoryTypeIndex int) *RootAllocator {
	return &RootAllocator{
		memoryTypeIndex: memoryTypeIndex,
	}
}

// MemoryTypeIndex is the device memory type this allocator allocates from.
func (a *RootAllocator) MemoryTypeIndex() int {
	return a.memoryTypeIndex
}

// Alloc allocates one device memory object of reqs.Size bytes and returns it as a block
// starting at offset zero. Device memory objects satisfy any alignment at their base, so
// reqs.Alignment is not consulted.
func (a *RootAllocator) Alloc(device Device, reqs *core1_0.MemoryRequirements) (Block, error) {
	if reqs.MemoryTypeBits&(1<<uint(a.memoryTypeIndex)) == 0 {
		return Block{}, cerrors.Wrapf(NoCompatibleMemoryTypeError,
			"memory type %d is absent from the request's type mask 0x%x", a.memoryTypeIndex, reqs.MemoryTypeBits)
	}

	memory, res, err := device.AllocateMemory(a.memoryTypeIndex, reqs.Size)
	if err != nil {
		return Block{}, errorForDeviceResult(res)
	}

	a.allocations++
	a.allocatedBytes += reqs.Size
	return Block{
		memory: memory,
		offset: 0,
		size:   reqs.Size,
	}, nil
}

// Free returns block's memory object to the device.
func (a *RootAllocator) Free(device Device, block Block) {
	if a.allocations == 0 {
		panic("attempting to free a block from a root allocator with no outstanding allocations")
	}
	a.allocatedBytes -= block.Size()
	if a.allocatedBytes < 0 {
		panic(fmt.Sprintf("allocated bytes for memory type %d went negative", a.memoryTypeIndex))
	}

	device.FreeMemory(block.Memory())
	a.allocations--
}

// IsUnused reports whether every allocation has been freed.
func (a *RootAllocator) IsUnused() bool {
	return a.allocations == 0
}

// AddDetailedStatistics accumulates the outstanding device allocations into stats. Each
// counts as one block and one allocation; root blocks have no unused space.
func (a *RootAllocator) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	stats.BlockCount += a.allocations
	stats.BlockBytes += a.allocatedBytes
	stats.AllocationCount += a.allocations
	stats.AllocationBytes += a.allocatedBytes
}

// Destroy fails while allocations are outstanding, leaving the allocator untouched.
// There is nothing to release once it is unused.
func (a *RootAllocator) Destroy(device Device) error {
	if a.allocations > 0 {
		return cerrors.Errorf("%d device allocations from memory type %d have not been freed",
			a.allocations, a.memoryTypeIndex)
	}
	return nil
}

var _ Owner[Block] = &RootAllocator{}
