package strata

import (
	"fmt"

	cerrors "github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/arsenal/memutils"
	"github.com/vkngwrapper/core/v2/core1_0"
	"golang.org/x/exp/slog"
)

// MemoryUsage declares the expected lifetime of an allocation and selects the
// sub-allocator that serves it.
type MemoryUsage uint32

const (
	// MemoryUsageGeneral is for allocations with no particular lifetime expectation. They
	// are served from the chunked pool, or directly from the root allocator when they
	// exceed the largest chunk size.
	MemoryUsageGeneral MemoryUsage = iota
	// MemoryUsageShortLived is for allocations that will be freed shortly after they are
	// made, such as staging buffers. They are served from the arena allocator.
	MemoryUsageShortLived
)

var memoryUsageMapping = map[MemoryUsage]string{
	MemoryUsageGeneral:    "MemoryUsageGeneral",
	MemoryUsageShortLived: "MemoryUsageShortLived",
}

func (u MemoryUsage) String() string {
	return memoryUsageMapping[u]
}

type combinedSource uint32

const (
	sourceRoot combinedSource = iota
	sourceArena
	sourceChunked
)

var combinedSourceMapping = map[combinedSource]string{
	sourceRoot:    "Root",
	sourceArena:   "Arena",
	sourceChunked: "Chunked",
}

func (s combinedSource) String() string {
	return combinedSourceMapping[s]
}

// CombinedBlock is the tagged block type returned by CombinedAllocator. The source
// records which sub-allocator produced the block; Free matches on it exhaustively and
// never searches.
type CombinedBlock struct {
	Block
	source combinedSource
	// arena node index or chunked superblock index, depending on source
	tag int
}

var _ BackingBlock = CombinedBlock{}

// CombinedAllocator owns one root, one arena, and one chunked allocator, all scoped to a
// single memory type, and routes each request by its declared usage: short-lived requests
// go to the arena, general requests to the chunked pool, and general requests too large
// for any chunk class straight to the root.
type CombinedAllocator struct {
	logger *slog.Logger

	root   *RootAllocator
	arenas *ArenaAllocator[Block]
	chunks *ChunkedAllocator[Block]

	allocations int
	// outstanding blocks served straight from the root, for statistics
	directAllocations int
	directBytes       int
}

// NewCombinedAllocator creates a dispatcher for the given memory type. Zero-valued
// options fields fall back to the package defaults.
func NewCombinedAllocator(logger *slog.Logger, memoryTypeIndex int, options CreateOptions) (*CombinedAllocator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if options.ArenaSize == 0 {
		options.ArenaSize = DefaultArenaSize
	}
	if options.ChunksPerSuperblock == 0 {
		options.ChunksPerSuperblock = DefaultChunksPerSuperblock
	}
	if options.MinChunkSize == 0 {
		options.MinChunkSize = DefaultMinChunkSize
	}
	if options.MaxChunkSize == 0 {
		options.MaxChunkSize = DefaultMaxChunkSize
	}

	arenas, err := NewArenaAllocator[Block](memoryTypeIndex, options.ArenaSize)
	if err != nil {
		return nil, err
	}
	chunks, err := NewChunkedAllocator[Block](memoryTypeIndex, options.ChunksPerSuperblock, options.MinChunkSize, options.MaxChunkSize)
	if err != nil {
		return nil, err
	}

	return &CombinedAllocator{
		logger: logger,
		root:   NewRootAllocator(memoryTypeIndex),
		arenas: arenas,
		chunks: chunks,
	}, nil
}

// MemoryTypeIndex is the device memory type this dispatcher allocates from.
func (a *CombinedAllocator) MemoryTypeIndex() int {
	return a.root.MemoryTypeIndex()
}

// Alloc routes the request by usage and wraps the result with its provenance. The
// live-allocation counter increments on success only.
func (a *CombinedAllocator) Alloc(device Device, usage MemoryUsage, reqs *core1_0.MemoryRequirements) (CombinedBlock, error) {
	a.logger.Debug("CombinedAllocator::Alloc",
		slog.String("Usage", usage.String()),
		slog.Int("Size", reqs.Size),
		slog.Int("Alignment", reqs.Alignment),
	)

	var block CombinedBlock
	switch usage {
	case MemoryUsageShortLived:
		arenaBlock, err := a.arenas.Alloc(a.root, device, reqs)
		if err != nil {
			return CombinedBlock{}, err
		}
		block = CombinedBlock{
			Block:  arenaBlock.Block,
			source: sourceArena,
			tag:    arenaBlock.nodeIndex,
		}
	case MemoryUsageGeneral:
		if reqs.Size > a.chunks.MaxChunkSize() {
			rootBlock, err := a.root.Alloc(device, reqs)
			if err != nil {
				return CombinedBlock{}, err
			}
			block = CombinedBlock{
				Block:  rootBlock,
				source: sourceRoot,
			}
			a.directAllocations++
			a.directBytes += rootBlock.Size()
		} else {
			chunkedBlock, err := a.chunks.Alloc(a.root, device, reqs)
			if err != nil {
				return CombinedBlock{}, err
			}
			block = CombinedBlock{
				Block:  chunkedBlock.Block,
				source: sourceChunked,
				tag:    chunkedBlock.superblockIndex,
			}
		}
	default:
		panic(fmt.Sprintf("attempting to allocate with unknown usage %d", usage))
	}

	a.allocations++
	memutils.DebugValidate(a)
	return block, nil
}

// Free unwraps the block's provenance and returns it to the sub-allocator that
// produced it.
func (a *CombinedAllocator) Free(device Device, block CombinedBlock) {
	a.logger.Debug("CombinedAllocator::Free",
		slog.String("Source", block.source.String()),
		slog.Int("Size", block.Size()),
	)

	if a.allocations == 0 {
		panic("attempting to free a block from a combined allocator with no outstanding allocations")
	}

	switch block.source {
	case sourceArena:
		a.arenas.Free(a.root, device, ArenaBlock{
			Block:     block.Block,
			nodeIndex: block.tag,
		})
	case sourceChunked:
		a.chunks.Free(a.root, device, ChunkedBlock{
			Block:           block.Block,
			superblockIndex: block.tag,
		})
	case sourceRoot:
		a.root.Free(device, block.Block)
		a.directAllocations--
		a.directBytes -= block.Size()
	default:
		panic(fmt.Sprintf("attempting to free a block with unknown provenance %d", block.source))
	}

	a.allocations--
	memutils.DebugValidate(a)
}

// IsUsed reports whether any block from this allocator is still outstanding. The counter
// is the single source of truth; Validate cross-checks the sub-allocators against it.
func (a *CombinedAllocator) IsUsed() bool {
	return a.allocations > 0
}

// IsUnused is the complement of IsUsed.
func (a *CombinedAllocator) IsUnused() bool {
	return a.allocations == 0
}

// AddDetailedStatistics accumulates this memory type's blocks, outstanding allocations,
// and unused ranges into stats. Blocks served straight from the root count as one block
// and one allocation each; the sub-allocators report their own backing blocks, so
// nothing is counted twice.
func (a *CombinedAllocator) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	stats.BlockCount += a.directAllocations
	stats.BlockBytes += a.directBytes
	stats.AllocationCount += a.directAllocations
	stats.AllocationBytes += a.directBytes

	a.arenas.AddDetailedStatistics(stats)
	a.chunks.AddDetailedStatistics(stats)
}

func (a *CombinedAllocator) printDetailedMap(json *jwriter.ObjectState) {
	rootObj := json.Name("Root").Object()
	rootObj.Name("DeviceAllocations").Int(a.root.allocations)
	rootObj.Name("DeviceBytes").Int(a.root.allocatedBytes)
	rootObj.Name("DirectAllocations").Int(a.directAllocations)
	rootObj.Name("DirectBytes").Int(a.directBytes)
	rootObj.End()

	a.arenas.printDetailedMap(json)
	a.chunks.printDetailedMap(json)
}

// Destroy tears down the arena, the chunked pool, and finally the root, in that order:
// both sub-allocators must hand their superblocks back before the root goes away. It
// fails and changes nothing while allocations are outstanding.
func (a *CombinedAllocator) Destroy(device Device) error {
	a.logger.Debug("CombinedAllocator::Destroy")

	if a.IsUsed() {
		return cerrors.Errorf("combined allocator for memory type %d still has %d outstanding allocations",
			a.MemoryTypeIndex(), a.allocations)
	}

	err := a.arenas.Destroy(a.root, device)
	if err != nil {
		return err
	}
	err = a.chunks.Destroy(a.root, device)
	if err != nil {
		return err
	}
	return a.root.Destroy(device)
}

// Validate confirms the sub-allocators agree with the counter when it reads zero. Run
// through memutils.DebugValidate.
func (a *CombinedAllocator) Validate() error {
	if a.allocations == 0 {
		if !a.arenas.IsUnused() {
			return cerrors.New("allocation counter is zero but the arena allocator reports outstanding blocks")
		}
		if !a.chunks.IsUnused() {
			return cerrors.New("allocation counter is zero but the chunked allocator reports outstanding chunks")
		}
		if a.directAllocations != 0 || a.directBytes != 0 {
			return cerrors.Errorf("allocation counter is zero but %d direct root blocks are recorded", a.directAllocations)
		}
	}
	return nil
}

var _ memutils.Validatable = &CombinedAllocator{}
