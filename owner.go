package strata

import (
	"github.com/vkngwrapper/core/v2/core1_0"
)

// Owner hands out whole backing blocks to a sub-allocator nested on top of it. The
// type parameter is the owner's block type, so a sub-allocator keeps the owner's
// provenance tags intact on the superblocks it holds and can return them unchanged.
//
// RootAllocator implements Owner[Block]. A chunked pool can serve as an owner through
// BindPool. Owners are passed into every sub-allocator call explicitly; sub-allocators
// never store them.
type Owner[B BackingBlock] interface {
	// Alloc hands out one backing block satisfying reqs.
	Alloc(device Device, reqs *core1_0.MemoryRequirements) (B, error)
	// Free takes back a block previously returned from Alloc.
	Free(device Device, block B)
	// IsUnused reports whether every block handed out has been returned.
	IsUnused() bool
	// Destroy releases the owner's resources. While blocks remain outstanding it fails
	// and leaves the owner untouched, so the call can be retried after they are freed.
	Destroy(device Device) error
}

// BoundPool couples a chunked pool with the owner it draws superblocks from, closing
// over the owner argument of every pool call. The pair satisfies Owner[ChunkedBlock],
// which lets another sub-allocator be stacked on top of a chunked pool.
type BoundPool[B BackingBlock] struct {
	pool  *ChunkedAllocator[B]
	owner Owner[B]
}

// BindPool builds the Owner view of pool backed by owner.
func BindPool[B BackingBlock](pool *ChunkedAllocator[B], owner Owner[B]) *BoundPool[B] {
	return &BoundPool[B]{
		pool:  pool,
		owner: owner,
	}
}

func (p *BoundPool[B]) Alloc(device Device, reqs *core1_0.MemoryRequirements) (ChunkedBlock, error) {
	return p.pool.Alloc(p.owner, device, reqs)
}

func (p *BoundPool[B]) Free(device Device, block ChunkedBlock) {
	p.pool.Free(p.owner, device, block)
}

func (p *BoundPool[B]) IsUnused() bool {
	return p.pool.IsUnused()
}

func (p *BoundPool[B]) Destroy(device Device) error {
	return p.pool.Destroy(p.owner, device)
}

var _ Owner[ChunkedBlock] = &BoundPool[Block]{}
