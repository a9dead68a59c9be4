package vulkan

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/arsenal/memutils"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/driver"
	"github.com/vkngwrapper/strata"
	"github.com/vkngwrapper/strata/internal/utils"
	"golang.org/x/exp/slog"
)

// MemoryCallbacks observes every device memory allocation and free performed by a
// Device. Callbacks run on the calling goroutine, after the allocation and before
// the free.
type MemoryCallbacks interface {
	Allocate(memoryTypeIndex int, memory core1_0.DeviceMemory, size int)
	Free(memoryTypeIndex int, memory core1_0.DeviceMemory, size int)
}

// DeviceOptions adjusts the behavior of NewDevice. The zero value is a reasonable
// default.
type DeviceOptions struct {
	// UseMutex guards the allocation registry and host mappings with mutexes so the
	// Device can be shared between goroutines. Leave it false for single-goroutine use
	// to skip the lock traffic
	UseMutex bool
	// HeapSizeLimits caps the bytes allocated from each memory heap, as a way of
	// simulating smaller devices. When non-empty it must have one entry per device
	// heap; 0 entries leave their heap uncapped
	HeapSizeLimits []int
	// MemoryCallbacks, when non-nil, observes every device allocation and free
	MemoryCallbacks MemoryCallbacks
	// AllocationCallbacks is handed to every underlying Vulkan call
	AllocationCallbacks *driver.AllocationCallbacks
}

// Device adapts a core1_0.Device into the allocation source the allocator hierarchy
// draws from. It enforces the device's MaxMemoryAllocationCount limit and any
// configured heap caps, counts live allocations per heap, and keeps a registry of
// outstanding memory objects so leaks can be named at teardown.
//
// Unlike the allocators above it, a Device is safe for concurrent use when UseMutex
// is set.
type Device struct {
	logger *slog.Logger

	device              core1_0.Device
	physicalDevice      core1_0.PhysicalDevice
	deviceProperties    *core1_0.PhysicalDeviceProperties
	memoryProperties    *core1_0.PhysicalDeviceMemoryProperties
	allocationCallbacks *driver.AllocationCallbacks
	memoryCallbacks     MemoryCallbacks
	useMutex            bool
	heapLimits          []int

	memoryCount uint32
	blockCount  [common.MaxMemoryHeaps]int32
	blockBytes  [common.MaxMemoryHeaps]int64

	registryMutex utils.OptionalRWMutex
	registry      *swiss.Map[*DeviceMemory, struct{}]
}

// NewDevice wraps device for use as an allocation source. Pass a nil logger to use
// slog.Default.
func NewDevice(logger *slog.Logger, device core1_0.Device, physicalDevice core1_0.PhysicalDevice, options DeviceOptions) (*Device, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if device == nil {
		return nil, errors.New("device cannot be nil")
	}
	if physicalDevice == nil {
		return nil, errors.New("physicalDevice cannot be nil")
	}

	deviceProperties, err := physicalDevice.Properties()
	if err != nil {
		return nil, err
	}
	memoryProperties := physicalDevice.MemoryProperties()

	err = memutils.CheckPow2(deviceProperties.Limits.BufferImageGranularity, "device bufferImageGranularity")
	if err != nil {
		return nil, err
	}
	err = memutils.CheckPow2(deviceProperties.Limits.NonCoherentAtomSize, "device nonCoherentAtomSize")
	if err != nil {
		return nil, err
	}

	heapCount := len(memoryProperties.MemoryHeaps)
	if heapCount > common.MaxMemoryHeaps {
		return nil, errors.Newf("the device reports %d memory heaps, but the limit is %d", heapCount, common.MaxMemoryHeaps)
	}
	if len(options.HeapSizeLimits) > 0 && len(options.HeapSizeLimits) != heapCount {
		return nil, errors.Newf("DeviceOptions.HeapSizeLimits has %d entries, but the device has %d memory heaps",
			len(options.HeapSizeLimits), heapCount)
	}

	return &Device{
		logger: logger,

		device:              device,
		physicalDevice:      physicalDevice,
		deviceProperties:    deviceProperties,
		memoryProperties:    memoryProperties,
		allocationCallbacks: options.AllocationCallbacks,
		memoryCallbacks:     options.MemoryCallbacks,
		useMutex:            options.UseMutex,
		heapLimits:          options.HeapSizeLimits,

		registryMutex: utils.OptionalRWMutex{UseMutex: options.UseMutex},
		registry:      swiss.NewMap[*DeviceMemory, struct{}](42),
	}, nil
}

// MemoryProperties is the device's memory type and heap table, in the form
// NewSmartAllocator consumes.
func (d *Device) MemoryProperties() core1_0.PhysicalDeviceMemoryProperties {
	return *d.memoryProperties
}

// MemoryTypeCount is the number of memory types in the device table.
func (d *Device) MemoryTypeCount() int {
	return len(d.memoryProperties.MemoryTypes)
}

// MemoryHeapCount is the number of heaps in the device table.
func (d *Device) MemoryHeapCount() int {
	return len(d.memoryProperties.MemoryHeaps)
}

// MemoryTypeIndexToHeapIndex returns the heap a memory type draws from.
func (d *Device) MemoryTypeIndexToHeapIndex(memoryTypeIndex int) int {
	return d.memoryProperties.MemoryTypes[memoryTypeIndex].HeapIndex
}

// MemoryTypeProperties returns the table entry for one memory type.
func (d *Device) MemoryTypeProperties(memoryTypeIndex int) core1_0.MemoryType {
	return d.memoryProperties.MemoryTypes[memoryTypeIndex]
}

// MemoryHeapProperties returns the table entry for one heap.
func (d *Device) MemoryHeapProperties(heapIndex int) core1_0.MemoryHeap {
	return d.memoryProperties.MemoryHeaps[heapIndex]
}

// IsMemoryTypeHostNonCoherent reports whether a memory type is host-visible but not
// host-coherent, requiring explicit flushes around host access.
func (d *Device) IsMemoryTypeHostNonCoherent(memoryTypeIndex int) bool {
	flags := d.memoryProperties.MemoryTypes[memoryTypeIndex].PropertyFlags

	return flags&(core1_0.MemoryPropertyHostVisible|core1_0.MemoryPropertyHostCoherent) == core1_0.MemoryPropertyHostVisible
}

// MemoryTypeMinimumAlignment is the alignment host-visible allocations from a memory
// type should carry: the device's nonCoherentAtomSize for non-coherent types, 1
// otherwise.
func (d *Device) MemoryTypeMinimumAlignment(memoryTypeIndex int) uint {
	if d.IsMemoryTypeHostNonCoherent(memoryTypeIndex) {
		alignment := uint(d.deviceProperties.Limits.NonCoherentAtomSize)
		if alignment > 1 {
			return alignment
		}
	}

	return 1
}

// BufferImageGranularity is the device's buffer/image granularity, never less than 1.
func (d *Device) BufferImageGranularity() int {
	granularity := d.deviceProperties.Limits.BufferImageGranularity

	if granularity < 1 {
		return 1
	}
	return granularity
}

// AllocationCount is the number of live device memory allocations.
func (d *Device) AllocationCount() uint32 {
	return atomic.LoadUint32(&d.memoryCount)
}

// HeapUsage reports the live allocation count and bytes drawn from one heap.
func (d *Device) HeapUsage(heapIndex int) (blocks int, bytes int) {
	return int(atomic.LoadInt32(&d.blockCount[heapIndex])), int(atomic.LoadInt64(&d.blockBytes[heapIndex]))
}

func (d *Device) addBlockAllocation(heapIndex, size int) (common.VkResult, error) {
	limit := 0
	if len(d.heapLimits) > 0 {
		limit = d.heapLimits[heapIndex]
	}

	if limit == 0 {
		atomic.AddInt64(&d.blockBytes[heapIndex], int64(size))
		atomic.AddInt32(&d.blockCount[heapIndex], 1)
		return core1_0.VKSuccess, nil
	}

	maxSize := limit
	heapSize := d.memoryProperties.MemoryHeaps[heapIndex].Size
	if heapSize < maxSize {
		maxSize = heapSize
	}

	for {
		currentVal := atomic.LoadInt64(&d.blockBytes[heapIndex])
		targetVal := currentVal + int64(size)

		if targetVal > int64(maxSize) {
			return core1_0.VKErrorOutOfDeviceMemory, core1_0.VKErrorOutOfDeviceMemory.ToError()
		}

		if atomic.CompareAndSwapInt64(&d.blockBytes[heapIndex], currentVal, targetVal) {
			break
		}
	}

	atomic.AddInt32(&d.blockCount[heapIndex], 1)
	return core1_0.VKSuccess, nil
}

func (d *Device) removeBlockAllocation(heapIndex, size int) {
	newBytes := atomic.AddInt64(&d.blockBytes[heapIndex], int64(-size))
	if newBytes < 0 {
		panic(fmt.Sprintf("block bytes for heap %d went negative", heapIndex))
	}

	newCount := atomic.AddInt32(&d.blockCount[heapIndex], -1)
	if newCount < 0 {
		panic(fmt.Sprintf("block count for heap %d went negative", heapIndex))
	}
}

// AllocateMemory allocates one device memory object from the given memory type. It
// fails with VKErrorTooManyObjects once MaxMemoryAllocationCount objects are live, and
// with VKErrorOutOfDeviceMemory when a configured heap cap would be exceeded. The
// returned value is a *DeviceMemory.
func (d *Device) AllocateMemory(memoryTypeIndex int, size int) (mem strata.Memory, res common.VkResult, err error) {
	d.logger.Debug("Device::AllocateMemory",
		slog.Int("MemoryTypeIndex", memoryTypeIndex),
		slog.Int("Size", size),
	)

	newCount := atomic.AddUint32(&d.memoryCount, 1)
	defer func() {
		if err != nil {
			atomic.AddUint32(&d.memoryCount, ^uint32(0))
		}
	}()

	if int(newCount) > d.deviceProperties.Limits.MaxMemoryAllocationCount {
		return nil, core1_0.VKErrorTooManyObjects, core1_0.VKErrorTooManyObjects.ToError()
	}

	heapIndex := d.MemoryTypeIndexToHeapIndex(memoryTypeIndex)
	res, err = d.addBlockAllocation(heapIndex, size)
	if err != nil {
		return nil, res, err
	}
	defer func() {
		if err != nil {
			d.removeBlockAllocation(heapIndex, size)
		}
	}()

	var memory core1_0.DeviceMemory
	memory, res, err = d.device.AllocateMemory(d.allocationCallbacks, core1_0.MemoryAllocateInfo{
		AllocationSize:  size,
		MemoryTypeIndex: memoryTypeIndex,
	})
	if err != nil {
		return nil, res, err
	}

	wrapper := &DeviceMemory{
		memory:          memory,
		mapMutex:        utils.OptionalMutex{UseMutex: d.useMutex},
		memoryTypeIndex: memoryTypeIndex,
		size:            size,
	}

	d.registryMutex.Lock()
	d.registry.Put(wrapper, struct{}{})
	d.registryMutex.Unlock()

	if d.memoryCallbacks != nil {
		d.memoryCallbacks.Allocate(memoryTypeIndex, memory, size)
	}

	return wrapper, res, nil
}

// FreeMemory returns a memory object obtained from AllocateMemory to the device. It
// panics when handed memory this device is not currently holding, which catches both
// double frees and blocks that belong to another device.
func (d *Device) FreeMemory(memory strata.Memory) {
	wrapper, ok := memory.(*DeviceMemory)
	if !ok {
		panic(fmt.Sprintf("attempting to free device memory of foreign type %T", memory))
	}

	d.logger.Debug("Device::FreeMemory",
		slog.Int("MemoryTypeIndex", wrapper.memoryTypeIndex),
		slog.Int("Size", wrapper.size),
	)

	d.registryMutex.Lock()
	live := d.registry.Has(wrapper)
	if live {
		d.registry.Delete(wrapper)
	}
	d.registryMutex.Unlock()
	if !live {
		panic("attempting to free device memory that this device is not holding")
	}

	if d.memoryCallbacks != nil {
		d.memoryCallbacks.Free(wrapper.memoryTypeIndex, wrapper.memory, wrapper.size)
	}

	wrapper.free(d.allocationCallbacks)

	heapIndex := d.MemoryTypeIndexToHeapIndex(wrapper.memoryTypeIndex)
	d.removeBlockAllocation(heapIndex, wrapper.size)
	atomic.AddUint32(&d.memoryCount, ^uint32(0))
}

// Destroy verifies that every memory object has been freed. When some are still live it
// logs each one and fails without touching them, so a teardown bug surfaces as a named
// leak report rather than a device fault.
func (d *Device) Destroy() error {
	d.registryMutex.RLock()
	defer d.registryMutex.RUnlock()

	leaked := d.registry.Count()
	if leaked == 0 {
		return nil
	}

	d.registry.Iter(func(wrapper *DeviceMemory, _ struct{}) bool {
		d.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] unfreed device allocation",
			slog.Int("MemoryTypeIndex", wrapper.memoryTypeIndex),
			slog.Int("Size", wrapper.size),
		)
		return false
	})

	return errors.Newf("%d device memory allocations have not been freed", leaked)
}

var _ strata.Device = &Device{}
