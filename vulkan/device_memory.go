package vulkan

import (
	"unsafe"

	"github.com/pkg/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/driver"
	"github.com/vkngwrapper/strata/internal/utils"
)

// DeviceMemory wraps one core1_0.DeviceMemory object handed out by a Device. It
// reference-counts host mappings so that several sub-allocated blocks can map the same
// memory object concurrently, and it remembers its size and memory type for leak
// reporting.
type DeviceMemory struct {
	mapReferences int
	mapData       unsafe.Pointer

	mapMutex utils.OptionalMutex
	memory   core1_0.DeviceMemory

	memoryTypeIndex int
	size            int
}

// VulkanDeviceMemory is the underlying memory object.
func (m *DeviceMemory) VulkanDeviceMemory() core1_0.DeviceMemory {
	return m.memory
}

// MemoryTypeIndex is the device memory type this object was allocated from.
func (m *DeviceMemory) MemoryTypeIndex() int {
	return m.memoryTypeIndex
}

// Size is the byte size of the underlying memory object.
func (m *DeviceMemory) Size() int {
	return m.size
}

// MappedData is the current host mapping, or nil when nothing is mapped.
func (m *DeviceMemory) MappedData() unsafe.Pointer {
	return m.mapData
}

// References is the number of outstanding host-mapping references.
func (m *DeviceMemory) References() int {
	return m.mapReferences
}

// Map establishes references host-mapping references against this memory object and
// returns the mapped pointer. The first reference maps the requested window; later
// callers share it, so offset and size are ignored while references are outstanding.
func (m *DeviceMemory) Map(references int, offset int, size int, flags core1_0.MemoryMapFlags) (unsafe.Pointer, common.VkResult, error) {
	if references == 0 {
		return nil, core1_0.VKSuccess, nil
	}

	m.mapMutex.Lock()
	defer m.mapMutex.Unlock()

	if m.mapReferences > 0 {
		m.mapReferences += references
		if m.mapData == nil {
			return nil, core1_0.VKErrorUnknown, errors.New("the memory object has existing mapping references, but no mapped memory")
		}

		return m.mapData, core1_0.VKSuccess, nil
	}

	mappedData, result, err := m.memory.Map(offset, size, flags)
	if err != nil {
		return nil, result, err
	}

	m.mapData = mappedData
	m.mapReferences = references
	return mappedData, result, nil
}

// Unmap releases references host-mapping references, unmapping the memory object when
// none remain.
func (m *DeviceMemory) Unmap(references int) error {
	if m.mapReferences == 0 {
		return nil
	}

	m.mapMutex.Lock()
	defer m.mapMutex.Unlock()

	if m.mapReferences < references {
		return errors.New("the memory object has more references being unmapped than are currently mapped")
	}

	m.mapReferences -= references
	if m.mapReferences == 0 {
		m.memory.Unmap()
		m.mapData = nil
	}

	return nil
}

// BindBuffer binds buffer to this memory object at offset.
func (m *DeviceMemory) BindBuffer(offset int, buffer core1_0.Buffer) (common.VkResult, error) {
	m.mapMutex.Lock()
	defer m.mapMutex.Unlock()

	return buffer.BindBufferMemory(m.memory, offset)
}

// BindImage binds image to this memory object at offset.
func (m *DeviceMemory) BindImage(offset int, image core1_0.Image) (common.VkResult, error) {
	m.mapMutex.Lock()
	defer m.mapMutex.Unlock()

	return image.BindImageMemory(m.memory, offset)
}

func (m *DeviceMemory) free(callbacks *driver.AllocationCallbacks) {
	m.mapMutex.Lock()
	defer m.mapMutex.Unlock()

	m.memory.Free(callbacks)
}
