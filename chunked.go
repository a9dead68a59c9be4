package strata

import (
	"fmt"
	"math/bits"

	cerrors "github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/arsenal/memutils"
	"github.com/vkngwrapper/core/v2/core1_0"
)

// ChunkedBlock is the tagged block type returned by ChunkedAllocator. The tag records
// which superblock within the size-class node produced the chunk, so Free can return it
// without searching.
type ChunkedBlock struct {
	Block
	superblockIndex int
}

var _ BackingBlock = ChunkedBlock{}

type chunkEntry struct {
	superblockIndex int
	chunkIndex      int
}

type chunkedSuperblock[B BackingBlock] struct {
	block B
	// block offset rounded up to the chunk size; chunks are laid out from here
	base int
}

// chunkedNode manages a single size class: superblocks drawn lazily from the owner, each
// sliced into chunksPerSuperblock chunks of chunkSize bytes. The free list is a stack, so
// the most recently freed chunk is reused first.
type chunkedNode[B BackingBlock] struct {
	memoryTypeIndex     int
	chunkSize           int
	chunksPerSuperblock int
	free                []chunkEntry
	superblocks         []chunkedSuperblock[B]
}

func newChunkedNode[B BackingBlock](chunkSize, chunksPerSuperblock, memoryTypeIndex int) *chunkedNode[B] {
	return &chunkedNode[B]{
		memoryTypeIndex:     memoryTypeIndex,
		chunkSize:           chunkSize,
		chunksPerSuperblock: chunksPerSuperblock,
	}
}

func (n *chunkedNode[B]) chunkCount() int {
	return len(n.superblocks) * n.chunksPerSuperblock
}

// grow requests one superblock from the owner and carves it into fresh free-list entries.
// Node state is only touched after the owner call succeeds. Entries are pushed so that
// they pop in ascending chunk order.
func (n *chunkedNode[B]) grow(owner Owner[B], device Device) error {
	reqs := core1_0.MemoryRequirements{
		Size:           n.chunkSize * n.chunksPerSuperblock,
		Alignment:      n.chunkSize,
		MemoryTypeBits: 1 << uint(n.memoryTypeIndex),
	}
	block, err := owner.Alloc(device, &reqs)
	if err != nil {
		return err
	}

	base := ShiftForAlignment(uint(n.chunkSize), block.Offset())
	if block.Size()-(base-block.Offset()) < n.chunkSize*n.chunksPerSuperblock {
		panic(fmt.Sprintf("attempting to slice a %d-byte superblock that cannot hold %d chunks of %d bytes after alignment",
			block.Size(), n.chunksPerSuperblock, n.chunkSize))
	}

	superblockIndex := len(n.superblocks)
	n.superblocks = append(n.superblocks, chunkedSuperblock[B]{
		block: block,
		base:  base,
	})
	for chunkIndex := n.chunksPerSuperblock - 1; chunkIndex >= 0; chunkIndex-- {
		n.free = append(n.free, chunkEntry{
			superblockIndex: superblockIndex,
			chunkIndex:      chunkIndex,
		})
	}

	return nil
}

func (n *chunkedNode[B]) alloc(owner Owner[B], device Device, reqs *core1_0.MemoryRequirements) (ChunkedBlock, error) {
	if reqs.MemoryTypeBits&(1<<uint(n.memoryTypeIndex)) == 0 {
		return ChunkedBlock{}, cerrors.Wrapf(NoCompatibleMemoryTypeError,
			"memory type %d is absent from the request's type mask 0x%x", n.memoryTypeIndex, reqs.MemoryTypeBits)
	}
	if reqs.Size > n.chunkSize {
		panic(fmt.Sprintf("attempting to allocate %d bytes from a node with %d-byte chunks", reqs.Size, n.chunkSize))
	}
	if reqs.Alignment > n.chunkSize {
		panic(fmt.Sprintf("attempting to allocate with alignment %d from a node with %d-byte chunks", reqs.Alignment, n.chunkSize))
	}

	if len(n.free) == 0 {
		err := n.grow(owner, device)
		if err != nil {
			return ChunkedBlock{}, err
		}
	}

	entry := n.free[len(n.free)-1]
	n.free = n.free[:len(n.free)-1]

	superblock := n.superblocks[entry.superblockIndex]
	return ChunkedBlock{
		Block: Block{
			memory: superblock.block.Memory(),
			offset: superblock.base + entry.chunkIndex*n.chunkSize,
			size:   n.chunkSize,
		},
		superblockIndex: entry.superblockIndex,
	}, nil
}

func (n *chunkedNode[B]) free(block ChunkedBlock) {
	if block.Size() != n.chunkSize {
		panic(fmt.Sprintf("attempting to free a %d-byte block on a node with %d-byte chunks", block.Size(), n.chunkSize))
	}
	if block.Offset()%n.chunkSize != 0 {
		panic(fmt.Sprintf("attempting to free a block at offset %d, which is not aligned to the %d-byte chunk size",
			block.Offset(), n.chunkSize))
	}

	superblock := n.superblocks[block.superblockIndex]
	chunkIndex := (block.Offset() - superblock.base) / n.chunkSize
	if chunkIndex < 0 || chunkIndex >= n.chunksPerSuperblock {
		panic(fmt.Sprintf("attempting to free a block at offset %d, which lies outside superblock %d",
			block.Offset(), block.superblockIndex))
	}

	n.free = append(n.free, chunkEntry{
		superblockIndex: block.superblockIndex,
		chunkIndex:      chunkIndex,
	})
}

func (n *chunkedNode[B]) isUnused() bool {
	return len(n.free) == n.chunkCount()
}

// addDetailedStatistics accumulates this size class into stats. Superblock bytes that
// fall outside the chunk grid, which only happens when an owner over-grants, count as
// unused ranges.
func (n *chunkedNode[B]) addDetailedStatistics(stats *memutils.DetailedStatistics) {
	for index := range n.superblocks {
		block := n.superblocks[index].block
		stats.BlockCount++
		stats.BlockBytes += block.Size()

		lead := n.superblocks[index].base - block.Offset()
		if lead > 0 {
			stats.AddUnusedRange(lead)
		}
		tail := block.Offset() + block.Size() - (n.superblocks[index].base + n.chunksPerSuperblock*n.chunkSize)
		if tail > 0 {
			stats.AddUnusedRange(tail)
		}
	}

	for range n.free {
		stats.AddUnusedRange(n.chunkSize)
	}

	outstanding := n.chunkCount() - len(n.free)
	for i := 0; i < outstanding; i++ {
		stats.AddAllocation(n.chunkSize)
	}
}

func (n *chunkedNode[B]) destroy(owner Owner[B], device Device) error {
	if !n.isUnused() {
		return cerrors.Errorf("%d chunks of size %d have not been freed",
			n.chunkCount()-len(n.free), n.chunkSize)
	}

	for _, superblock := range n.superblocks {
		owner.Free(device, superblock.block)
	}
	n.superblocks = nil
	n.free = nil
	return nil
}

// ChunkedAllocator rounds every request up to a power-of-two chunk size and serves it
// from a node dedicated to that size class. Nodes and their superblocks are created
// lazily on first demand and only released at Destroy.
//
// The allocator is generic over the owner's block type, so its superblocks keep the
// owner's provenance tags and can be returned to the owner unchanged.
type ChunkedAllocator[B BackingBlock] struct {
	memoryTypeIndex     int
	chunksPerSuperblock int
	minChunkSize        int
	maxChunkSize        int
	nodes               []*chunkedNode[B]
}

// NewChunkedAllocator creates a pool of size-class nodes for the given memory type.
// Chunk sizes run from minChunkSize to maxChunkSize; both must be powers of two.
func NewChunkedAllocator[B BackingBlock](memoryTypeIndex, chunksPerSuperblock, minChunkSize, maxChunkSize int) (*ChunkedAllocator[B], error) {
	if minChunkSize < 1 {
		return nil, cerrors.Errorf("minChunkSize must be positive, but was %d", minChunkSize)
	}
	err := memutils.CheckPow2(minChunkSize, "minChunkSize")
	if err != nil {
		return nil, err
	}
	err = memutils.CheckPow2(maxChunkSize, "maxChunkSize")
	if err != nil {
		return nil, err
	}
	if maxChunkSize < minChunkSize {
		return nil, cerrors.Errorf("maxChunkSize (%d) is smaller than minChunkSize (%d)", maxChunkSize, minChunkSize)
	}
	if chunksPerSuperblock < 1 {
		return nil, cerrors.Errorf("chunksPerSuperblock must be positive, but was %d", chunksPerSuperblock)
	}

	return &ChunkedAllocator[B]{
		memoryTypeIndex:     memoryTypeIndex,
		chunksPerSuperblock: chunksPerSuperblock,
		minChunkSize:        minChunkSize,
		maxChunkSize:        maxChunkSize,
	}, nil
}

// MemoryTypeIndex is the device memory type this pool allocates from.
func (a *ChunkedAllocator[B]) MemoryTypeIndex() int {
	return a.memoryTypeIndex
}

// ChunksPerSuperblock is the number of chunks each superblock is sliced into.
func (a *ChunkedAllocator[B]) ChunksPerSuperblock() int {
	return a.chunksPerSuperblock
}

// MinChunkSize is the smallest chunk size of any node.
func (a *ChunkedAllocator[B]) MinChunkSize() int {
	return a.minChunkSize
}

// MaxChunkSize is the largest chunk size of any node; requests beyond it fail with
// OutOfMemoryError.
func (a *ChunkedAllocator[B]) MaxChunkSize() int {
	return a.maxChunkSize
}

// pickNode maps a request size to its size-class index: the ceiling of
// log2(size/minChunkSize). Monotonic in size.
func (a *ChunkedAllocator[B]) pickNode(size int) int {
	return bits.Len(uint((size - 1) / a.minChunkSize))
}

func (a *ChunkedAllocator[B]) chunkSizeForNode(index int) int {
	return a.minChunkSize << uint(index)
}

func (a *ChunkedAllocator[B]) growNodes(index int) {
	for len(a.nodes) <= index {
		a.nodes = append(a.nodes, newChunkedNode[B](a.chunkSizeForNode(len(a.nodes)), a.chunksPerSuperblock, a.memoryTypeIndex))
	}
}

// Alloc returns a chunk of the smallest size class that fits reqs. Requests larger than
// MaxChunkSize fail with OutOfMemoryError as a signal to use a different tier; they are
// not a pool exhaustion.
func (a *ChunkedAllocator[B]) Alloc(owner Owner[B], device Device, reqs *core1_0.MemoryRequirements) (ChunkedBlock, error) {
	if reqs.Size == 0 {
		panic("attempting to allocate a zero-byte block")
	}
	if reqs.Size > a.maxChunkSize {
		return ChunkedBlock{}, cerrors.Wrapf(OutOfMemoryError,
			"request of %d bytes exceeds the largest chunk size %d", reqs.Size, a.maxChunkSize)
	}

	index := a.pickNode(reqs.Size)
	a.growNodes(index)
	block, err := a.nodes[index].alloc(owner, device, reqs)
	if err != nil {
		return ChunkedBlock{}, err
	}

	memutils.DebugValidate(a)
	return block, nil
}

// Free returns a chunk to its node. Size classes are disjoint, so the block's size alone
// selects the node.
func (a *ChunkedAllocator[B]) Free(owner Owner[B], device Device, block ChunkedBlock) {
	if block.Size() > a.maxChunkSize {
		panic(fmt.Sprintf("attempting to free a %d-byte block, which is larger than the largest chunk size %d",
			block.Size(), a.maxChunkSize))
	}

	index := a.pickNode(block.Size())
	if index >= len(a.nodes) {
		panic(fmt.Sprintf("attempting to free a block from size class %d, which has never allocated", index))
	}
	a.nodes[index].free(block)

	memutils.DebugValidate(a)
}

// IsUnused reports whether every chunk of every node has been freed.
func (a *ChunkedAllocator[B]) IsUnused() bool {
	for _, node := range a.nodes {
		if !node.isUnused() {
			return false
		}
	}
	return true
}

// Destroy returns every superblock to the owner. It fails and leaves all nodes untouched
// while any chunk remains outstanding, even when other nodes are idle.
func (a *ChunkedAllocator[B]) Destroy(owner Owner[B], device Device) error {
	if !a.IsUnused() {
		return cerrors.Errorf("chunked allocator for memory type %d still has outstanding chunks", a.memoryTypeIndex)
	}

	for _, node := range a.nodes {
		err := node.destroy(owner, device)
		if err != nil {
			return err
		}
	}
	a.nodes = nil
	return nil
}

// AddDetailedStatistics accumulates every size class into stats: superblocks as blocks,
// outstanding chunks as allocations, and free chunks as unused ranges.
func (a *ChunkedAllocator[B]) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	for _, node := range a.nodes {
		node.addDetailedStatistics(stats)
	}
}

func (a *ChunkedAllocator[B]) printDetailedMap(json *jwriter.ObjectState) {
	arrayState := json.Name("SizeClasses").Array()
	defer arrayState.End()

	for _, node := range a.nodes {
		if len(node.superblocks) == 0 {
			continue
		}

		obj := arrayState.Object()
		obj.Name("ChunkSize").Int(node.chunkSize)
		obj.Name("Superblocks").Int(len(node.superblocks))
		obj.Name("Chunks").Int(node.chunkCount())
		obj.Name("FreeChunks").Int(len(node.free))
		obj.End()
	}
}

// Validate checks free-list bookkeeping against the superblock inventory. It is run
// through memutils.DebugValidate, so it only costs anything under the debug_mem_utils
// build tag.
func (a *ChunkedAllocator[B]) Validate() error {
	for index, node := range a.nodes {
		if node.chunkSize != a.chunkSizeForNode(index) {
			return cerrors.Errorf("node %d has chunk size %d, expected %d", index, node.chunkSize, a.chunkSizeForNode(index))
		}
		if len(node.free) > node.chunkCount() {
			return cerrors.Errorf("node %d has %d free entries for %d chunks", index, len(node.free), node.chunkCount())
		}
		for _, entry := range node.free {
			if entry.superblockIndex < 0 || entry.superblockIndex >= len(node.superblocks) {
				return cerrors.Errorf("node %d has a free entry for unknown superblock %d", index, entry.superblockIndex)
			}
			if entry.chunkIndex < 0 || entry.chunkIndex >= node.chunksPerSuperblock {
				return cerrors.Errorf("node %d has a free entry for out-of-range chunk %d", index, entry.chunkIndex)
			}
		}
	}
	return nil
}

var _ memutils.Validatable = &ChunkedAllocator[Block]{}
