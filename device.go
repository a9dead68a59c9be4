package strata

import (
	"github.com/vkngwrapper/core/v2/common"
)

// Memory is an opaque handle to a single device-level memory object. The allocator never
// inspects it: it is received from Device.AllocateMemory, threaded through the blocks
// carved from it, and eventually handed back to Device.FreeMemory.
type Memory interface{}

// Device performs real memory allocations on behalf of the tiers. It is the only boundary
// the allocator crosses; the vulkan package provides an implementation backed by
// core1_0.Device, and tests substitute fakes.
//
// Allocator instances assume exclusive access to the Device for the duration of each call.
// Implementations that are shared between allocators must be safe for that sharing
// themselves.
type Device interface {
	// AllocateMemory allocates a device memory object of the requested size from the
	// requested memory type. On failure the result code describes the device's reason;
	// RootAllocator translates it into this package's error taxonomy.
	AllocateMemory(memoryTypeIndex int, size int) (Memory, common.VkResult, error)
	// FreeMemory returns a memory object previously obtained from AllocateMemory.
	FreeMemory(memory Memory)
}
