package strata

import (
	"fmt"

	cerrors "github.com/cockroachdb/errors"
	"github.com/vkngwrapper/arsenal/memutils"
	"github.com/vkngwrapper/core/v2/core1_0"
	"golang.org/x/exp/slog"
)

// SmartBlock is the tagged block type returned by SmartAllocator. The tag records the
// memory type the block was allocated from, so Free can route without a search.
type SmartBlock struct {
	CombinedBlock
	memoryTypeIndex int
}

var _ BackingBlock = SmartBlock{}

// MemoryTypeIndex is the device memory type this block was allocated from.
func (b SmartBlock) MemoryTypeIndex() int {
	return b.memoryTypeIndex
}

// heap tracks the bytes committed against one device memory heap. Several memory types
// may share one heap.
type heap struct {
	index int
	size  int
	used  int
}

func (h *heap) available() int {
	return h.size - h.used
}

func (h *heap) alloc(size int) {
	h.used += size
}

func (h *heap) free(size int) {
	h.used -= size
	if h.used < 0 {
		panic(fmt.Sprintf("used bytes for heap %d went negative", h.index))
	}
}

type memoryTypeAllocator struct {
	memoryType core1_0.MemoryType
	combined   *CombinedAllocator
}

// SmartAllocator is the top of the allocation hierarchy: one CombinedAllocator per device
// memory type, plus a live capacity budget per device heap. Each allocation request names
// a usage, required property flags, and a memory-type mask; the allocator picks the first
// memory type in ascending index order that is compatible and whose heap has headroom,
// then delegates to that type's dispatcher.
//
// Instances are not synchronized. Callers that share one across goroutines must serialize
// every call themselves.
type SmartAllocator struct {
	logger     *slog.Logger
	allocators []memoryTypeAllocator
	heaps      []heap
}

// MemoryTypeCount is the number of memory types in the device table.
func (a *SmartAllocator) MemoryTypeCount() int {
	return len(a.allocators)
}

// MemoryHeapCount is the number of heaps in the device table.
func (a *SmartAllocator) MemoryHeapCount() int {
	return len(a.heaps)
}

// MemoryTypeProperties returns the table entry for one memory type.
func (a *SmartAllocator) MemoryTypeProperties(memoryTypeIndex int) core1_0.MemoryType {
	return a.allocators[memoryTypeIndex].memoryType
}

// MemoryTypeIndexToHeapIndex returns the heap a memory type draws from.
func (a *SmartAllocator) MemoryTypeIndexToHeapIndex(memoryTypeIndex int) int {
	return a.allocators[memoryTypeIndex].memoryType.HeapIndex
}

// HeapBudget reports the bytes currently committed against one heap and the heap's size.
func (a *SmartAllocator) HeapBudget(heapIndex int) (used, size int) {
	return a.heaps[heapIndex].used, a.heaps[heapIndex].size
}

// Alloc selects a memory type for the request and allocates from its dispatcher.
//
// Selection scans memory types in ascending index order and keeps those whose bit is set
// in reqs.MemoryTypeBits and whose property flags contain every flag in
// o.RequiredProperties; among those it takes the first whose heap has at least
// reqs.Size+reqs.Alignment bytes available, a conservative reservation that bounds
// worst-case padding. When the scan fails, the error distinguishes "nothing was
// compatible" (NoCompatibleMemoryTypeError) from "compatible types exist but no heap had
// room" (OutOfMemoryError).
//
// On success the granted block size, which may exceed reqs.Size, is charged against the
// chosen type's heap.
func (a *SmartAllocator) Alloc(device Device, o AllocationCreateInfo, reqs *core1_0.MemoryRequirements) (SmartBlock, error) {
	a.logger.Debug("SmartAllocator::Alloc",
		slog.String("Usage", o.Usage.String()),
		slog.String("RequiredProperties", o.RequiredProperties.String()),
		slog.Int("Size", reqs.Size),
		slog.Int("Alignment", reqs.Alignment),
	)

	compatibleCount := 0
	chosenIndex := -1
	for index := range a.allocators {
		if reqs.MemoryTypeBits&(1<<uint(index)) == 0 {
			continue
		}
		properties := a.allocators[index].memoryType.PropertyFlags
		if properties&o.RequiredProperties != o.RequiredProperties {
			continue
		}
		compatibleCount++

		if a.heaps[a.allocators[index].memoryType.HeapIndex].available() < reqs.Size+reqs.Alignment {
			continue
		}

		chosenIndex = index
		break
	}

	if chosenIndex < 0 {
		if compatibleCount == 0 {
			return SmartBlock{}, cerrors.Wrapf(NoCompatibleMemoryTypeError,
				"no memory type satisfies type mask 0x%x and property flags %s",
				reqs.MemoryTypeBits, o.RequiredProperties.String())
		}
		return SmartBlock{}, cerrors.Wrapf(OutOfMemoryError,
			"%d compatible memory types, but none has %d+%d bytes of heap headroom",
			compatibleCount, reqs.Size, reqs.Alignment)
	}

	entry := &a.allocators[chosenIndex]
	block, err := entry.combined.Alloc(device, o.Usage, reqs)
	if err != nil {
		return SmartBlock{}, err
	}

	a.heaps[entry.memoryType.HeapIndex].alloc(block.Size())
	return SmartBlock{
		CombinedBlock:   block,
		memoryTypeIndex: chosenIndex,
	}, nil
}

// Free returns the heap budget the block was charged and hands the block back to the
// dispatcher that produced it.
func (a *SmartAllocator) Free(device Device, block SmartBlock) {
	a.logger.Debug("SmartAllocator::Free",
		slog.Int("MemoryTypeIndex", block.memoryTypeIndex),
		slog.Int("Size", block.Size()),
	)

	if block.memoryTypeIndex < 0 || block.memoryTypeIndex >= len(a.allocators) {
		panic(fmt.Sprintf("attempting to free a block from unknown memory type %d", block.memoryTypeIndex))
	}

	entry := &a.allocators[block.memoryTypeIndex]
	a.heaps[entry.memoryType.HeapIndex].free(block.Size())
	entry.combined.Free(device, block.CombinedBlock)
}

// IsUnused reports whether every dispatcher is unused.
func (a *SmartAllocator) IsUnused() bool {
	for index := range a.allocators {
		if a.allocators[index].combined.IsUsed() {
			return false
		}
	}
	return true
}

// Destroy tears down every dispatcher. It fails before touching anything if any block
// from any memory type remains outstanding, so a failed call can be retried once the
// outstanding blocks are freed.
func (a *SmartAllocator) Destroy(device Device) error {
	a.logger.Debug("SmartAllocator::Destroy")

	if !a.IsUnused() {
		return cerrors.New("attempting to destroy a smart allocator that still has outstanding allocations")
	}

	for index := range a.allocators {
		err := a.allocators[index].combined.Destroy(device)
		if err != nil {
			return err
		}
	}
	return nil
}

func (a *SmartAllocator) Validate() error {
	for index := range a.allocators {
		err := a.allocators[index].combined.Validate()
		if err != nil {
			return err
		}
	}

	for index := range a.heaps {
		if a.heaps[index].used < 0 {
			return cerrors.Errorf("heap %d has a negative committed byte count %d", index, a.heaps[index].used)
		}
	}

	return nil
}

var _ memutils.Validatable = &SmartAllocator{}
