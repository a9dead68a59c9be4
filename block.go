package strata

// Block is a byte range inside one device memory object. Blocks are value descriptors
// with exactly one live owner at a time: the allocator that returned a Block owns nothing
// about it until the same Block value is passed back to Free.
type Block struct {
	memory Memory
	offset int
	size   int
}

// NewBlock builds a block descriptor for a range inside memory. It exists for Owner
// implementations outside this package; the tiers construct their blocks internally.
func NewBlock(memory Memory, offset, size int) Block {
	return Block{
		memory: memory,
		offset: offset,
		size:   size,
	}
}

// Memory is the device memory object this block lives in.
func (b Block) Memory() Memory {
	return b.memory
}

// Offset is the byte offset of the block's first byte within its memory object.
func (b Block) Offset() int {
	return b.offset
}

// Size is the length of the block in bytes.
func (b Block) Size() int {
	return b.size
}

// BackingBlock is the surface a sub-allocator needs from the blocks its owner hands out.
// Block implements it, as do the tagged block types of every tier, so sub-allocators can
// be stacked on any of them.
type BackingBlock interface {
	Memory() Memory
	Offset() int
	Size() int
}

var _ BackingBlock = Block{}
