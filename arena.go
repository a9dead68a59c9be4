package strata

import (
	"fmt"

	cerrors "github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/arsenal/memutils"
	"github.com/vkngwrapper/core/v2/core1_0"
)

// ArenaBlock is the tagged block type returned by ArenaAllocator. The tag is the absolute
// index of the arena node the block came from, counted from the allocator's creation, so
// it stays valid while earlier nodes are retired.
type ArenaBlock struct {
	Block
	nodeIndex int
}

var _ BackingBlock = ArenaBlock{}

// arenaNode bump-allocates forward through one backing block. Nodes never reuse space;
// they drain when every block handed out has been freed.
type arenaNode[B BackingBlock] struct {
	block B
	// bytes consumed from the front, alignment padding included
	used        int
	allocations int
	// bytes of outstanding blocks, padding excluded
	allocatedBytes int
}

func (n *arenaNode[B]) alloc(reqs *core1_0.MemoryRequirements) (Block, bool) {
	offset := n.block.Offset() + n.used
	shift := AlignmentShift(uint(reqs.Alignment), offset)
	if n.block.Size()-n.used < shift+reqs.Size {
		return Block{}, false
	}

	n.used += shift + reqs.Size
	n.allocations++
	n.allocatedBytes += reqs.Size
	return Block{
		memory: n.block.Memory(),
		offset: offset + shift,
		size:   reqs.Size,
	}, true
}

func (n *arenaNode[B]) free(size int) {
	if n.allocations == 0 {
		panic("attempting to free a block from an arena node with no outstanding allocations")
	}
	n.allocations--
	n.allocatedBytes -= size
	if n.allocatedBytes < 0 {
		panic("allocated bytes for an arena node went negative")
	}
}

func (n *arenaNode[B]) isUnused() bool {
	return n.allocations == 0
}

// ArenaAllocator serves short-lived allocations by bumping through fixed-size nodes. The
// newest node takes all allocations; exhausted nodes wait in a ring and are returned to
// the owner as soon as everything allocated from them has been freed, oldest first.
//
// Like the chunked pool it is generic over the owner's block type.
type ArenaAllocator[B BackingBlock] struct {
	memoryTypeIndex int
	arenaSize       int
	// count of ring nodes retired so far; nodeIndex tags are offsets from it
	released int
	nodes    []*arenaNode[B]
	hot      *arenaNode[B]
}

// NewArenaAllocator creates an arena allocator for the given memory type. Each node is
// arenaSize bytes unless a single request needs more.
func NewArenaAllocator[B BackingBlock](memoryTypeIndex, arenaSize int) (*ArenaAllocator[B], error) {
	if arenaSize < 1 {
		return nil, cerrors.Errorf("arenaSize must be positive, but was %d", arenaSize)
	}

	return &ArenaAllocator[B]{
		memoryTypeIndex: memoryTypeIndex,
		arenaSize:       arenaSize,
	}, nil
}

// MemoryTypeIndex is the device memory type this allocator allocates from.
func (a *ArenaAllocator[B]) MemoryTypeIndex() int {
	return a.memoryTypeIndex
}

// ArenaSize is the default size of one arena node.
func (a *ArenaAllocator[B]) ArenaSize() int {
	return a.arenaSize
}

// Alloc places reqs in the hot node, starting a fresh node from the owner when the hot
// one is absent or cannot fit the request. The previous hot node moves into the ring
// until its outstanding blocks are freed.
func (a *ArenaAllocator[B]) Alloc(owner Owner[B], device Device, reqs *core1_0.MemoryRequirements) (ArenaBlock, error) {
	if reqs.MemoryTypeBits&(1<<uint(a.memoryTypeIndex)) == 0 {
		return ArenaBlock{}, cerrors.Wrapf(NoCompatibleMemoryTypeError,
			"memory type %d is absent from the request's type mask 0x%x", a.memoryTypeIndex, reqs.MemoryTypeBits)
	}
	if reqs.Size == 0 {
		panic("attempting to allocate a zero-byte block")
	}

	if a.hot != nil {
		block, ok := a.hot.alloc(reqs)
		if ok {
			memutils.DebugValidate(a)
			return ArenaBlock{
				Block:     block,
				nodeIndex: a.released + len(a.nodes),
			}, nil
		}
	}

	nodeSize := a.arenaSize
	if reqs.Size+reqs.Alignment > nodeSize {
		nodeSize = reqs.Size + reqs.Alignment
	}
	nodeReqs := core1_0.MemoryRequirements{
		Size:           nodeSize,
		Alignment:      reqs.Alignment,
		MemoryTypeBits: 1 << uint(a.memoryTypeIndex),
	}
	backing, err := owner.Alloc(device, &nodeReqs)
	if err != nil {
		return ArenaBlock{}, err
	}

	if a.hot != nil {
		a.nodes = append(a.nodes, a.hot)
		a.releaseDrained(owner, device)
	}
	a.hot = &arenaNode[B]{block: backing}

	block, ok := a.hot.alloc(reqs)
	if !ok {
		panic(fmt.Sprintf("attempting to place a %d-byte request in a fresh %d-byte arena node", reqs.Size, nodeSize))
	}

	memutils.DebugValidate(a)
	return ArenaBlock{
		Block:     block,
		nodeIndex: a.released + len(a.nodes),
	}, nil
}

// Free returns a block to its node and releases any nodes at the ring front that have
// fully drained, handing their backing blocks back to the owner.
func (a *ArenaAllocator[B]) Free(owner Owner[B], device Device, block ArenaBlock) {
	index := block.nodeIndex - a.released
	switch {
	case index < 0 || index > len(a.nodes):
		panic(fmt.Sprintf("attempting to free a block from arena node %d, which is not live", block.nodeIndex))
	case index == len(a.nodes):
		if a.hot == nil {
			panic(fmt.Sprintf("attempting to free a block from arena node %d, but there is no hot node", block.nodeIndex))
		}
		a.hot.free(block.Size())
	default:
		a.nodes[index].free(block.Size())
	}

	a.releaseDrained(owner, device)

	memutils.DebugValidate(a)
}

// releaseDrained returns ring nodes to the owner, oldest first, until one still has
// outstanding blocks. A retired node further back stays in the ring even when it drains,
// so nodeIndex tags remain contiguous.
func (a *ArenaAllocator[B]) releaseDrained(owner Owner[B], device Device) {
	for len(a.nodes) > 0 && a.nodes[0].isUnused() {
		owner.Free(device, a.nodes[0].block)
		a.nodes = a.nodes[1:]
		a.released++
	}
}

// IsUnused reports whether everything allocated has been freed. The hot node may still
// hold its backing block in that state; Destroy returns it to the owner.
func (a *ArenaAllocator[B]) IsUnused() bool {
	for _, node := range a.nodes {
		if !node.isUnused() {
			return false
		}
	}
	return a.hot == nil || a.hot.isUnused()
}

// Destroy returns every backing block to the owner. It fails and changes nothing while
// blocks are outstanding.
func (a *ArenaAllocator[B]) Destroy(owner Owner[B], device Device) error {
	if !a.IsUnused() {
		return cerrors.Errorf("arena allocator for memory type %d still has outstanding blocks", a.memoryTypeIndex)
	}

	for _, node := range a.nodes {
		owner.Free(device, node.block)
	}
	a.released += len(a.nodes)
	a.nodes = nil

	if a.hot != nil {
		owner.Free(device, a.hot.block)
		a.hot = nil
	}
	return nil
}

// AddDetailedStatistics accumulates the ring's backing blocks, outstanding allocations,
// and unconsumed tail space into stats. Bytes lost to alignment padding or freed back
// mid-node count as neither allocated nor unused. Allocation size extrema are not
// tracked here; nodes do not record individual allocation extents.
func (a *ArenaAllocator[B]) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	for _, node := range a.nodes {
		node.addDetailedStatistics(stats)
	}
	if a.hot != nil {
		a.hot.addDetailedStatistics(stats)
	}
}

func (n *arenaNode[B]) addDetailedStatistics(stats *memutils.DetailedStatistics) {
	stats.BlockCount++
	stats.BlockBytes += n.block.Size()
	stats.AllocationCount += n.allocations
	stats.AllocationBytes += n.allocatedBytes

	tail := n.block.Size() - n.used
	if tail > 0 {
		stats.AddUnusedRange(tail)
	}
}

func (a *ArenaAllocator[B]) printDetailedMap(json *jwriter.ObjectState) {
	arrayState := json.Name("ArenaNodes").Array()
	defer arrayState.End()

	for index, node := range a.nodes {
		obj := arrayState.Object()
		obj.Name("NodeIndex").Int(a.released + index)
		obj.Name("Size").Int(node.block.Size())
		obj.Name("Used").Int(node.used)
		obj.Name("Allocations").Int(node.allocations)
		obj.End()
	}
	if a.hot != nil {
		obj := arrayState.Object()
		obj.Name("NodeIndex").Int(a.released + len(a.nodes))
		obj.Name("Size").Int(a.hot.block.Size())
		obj.Name("Used").Int(a.hot.used)
		obj.Name("Allocations").Int(a.hot.allocations)
		obj.End()
	}
}

// Validate checks ring bookkeeping. Run through memutils.DebugValidate.
func (a *ArenaAllocator[B]) Validate() error {
	if len(a.nodes) > 0 && a.nodes[0].isUnused() {
		return cerrors.New("arena ring front node has drained but was not released")
	}
	for index, node := range a.nodes {
		if node.used > node.block.Size() {
			return cerrors.Errorf("arena node %d has consumed %d of %d bytes", a.released+index, node.used, node.block.Size())
		}
		if node.allocatedBytes > node.used {
			return cerrors.Errorf("arena node %d has %d allocated bytes against %d consumed", a.released+index, node.allocatedBytes, node.used)
		}
	}
	if a.hot != nil && a.hot.used > a.hot.block.Size() {
		return cerrors.Errorf("hot arena node has consumed %d of %d bytes", a.hot.used, a.hot.block.Size())
	}
	return nil
}

var _ memutils.Validatable = &ArenaAllocator[Block]{}
