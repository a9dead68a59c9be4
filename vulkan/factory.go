package vulkan

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/strata"
	"golang.org/x/exp/slog"
)

// Factory creates buffers and images with memory allocated from a SmartAllocator and
// bound in one step, and tears both down together. It shares the allocator's threading
// model: calls must be externally synchronized.
type Factory struct {
	logger    *slog.Logger
	device    *Device
	allocator *strata.SmartAllocator
}

// New wraps device for allocation, builds a SmartAllocator over its full memory table,
// and returns a Factory over both. Pass a nil logger to use slog.Default.
func New(logger *slog.Logger, device core1_0.Device, physicalDevice core1_0.PhysicalDevice, deviceOptions DeviceOptions, createOptions strata.CreateOptions) (*Factory, error) {
	wrapped, err := NewDevice(logger, device, physicalDevice, deviceOptions)
	if err != nil {
		return nil, err
	}

	allocator, err := strata.NewSmartAllocator(logger, wrapped.MemoryProperties(), createOptions)
	if err != nil {
		return nil, err
	}

	return NewFactory(logger, wrapped, allocator)
}

// NewFactory builds a Factory over an existing device wrapper and allocator. The
// allocator must draw from the same device.
func NewFactory(logger *slog.Logger, device *Device, allocator *strata.SmartAllocator) (*Factory, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if device == nil {
		return nil, errors.New("device cannot be nil")
	}
	if allocator == nil {
		return nil, errors.New("allocator cannot be nil")
	}

	return &Factory{
		logger:    logger,
		device:    device,
		allocator: allocator,
	}, nil
}

// Device is the device wrapper this factory allocates through.
func (f *Factory) Device() *Device {
	return f.device
}

// Allocator is the allocator hierarchy this factory draws memory from.
func (f *Factory) Allocator() *strata.SmartAllocator {
	return f.allocator
}

// CreateBuffer creates a buffer, allocates a block that satisfies its memory
// requirements combined with allocInfo, and binds the two. On failure nothing is left
// behind to clean up.
func (f *Factory) CreateBuffer(bufferInfo core1_0.BufferCreateInfo, allocInfo strata.AllocationCreateInfo) (core1_0.Buffer, strata.SmartBlock, error) {
	f.logger.Debug("Factory::CreateBuffer", slog.Int("Size", bufferInfo.Size))

	if bufferInfo.Size == 0 {
		return nil, strata.SmartBlock{}, errors.New("attempting to create a zero-byte buffer")
	}

	buffer, _, err := f.device.device.CreateBuffer(f.device.allocationCallbacks, bufferInfo)
	if err != nil {
		return nil, strata.SmartBlock{}, err
	}

	block, err := f.allocator.Alloc(f.device, allocInfo, buffer.MemoryRequirements())
	if err != nil {
		buffer.Destroy(f.device.allocationCallbacks)
		return nil, strata.SmartBlock{}, err
	}

	memory := block.Memory().(*DeviceMemory)
	_, err = memory.BindBuffer(block.Offset(), buffer)
	if err != nil {
		f.allocator.Free(f.device, block)
		buffer.Destroy(f.device.allocationCallbacks)
		return nil, strata.SmartBlock{}, err
	}

	return buffer, block, nil
}

// DestroyBuffer destroys a buffer created by CreateBuffer and frees its block.
func (f *Factory) DestroyBuffer(buffer core1_0.Buffer, block strata.SmartBlock) {
	f.logger.Debug("Factory::DestroyBuffer")

	if buffer != nil {
		buffer.Destroy(f.device.allocationCallbacks)
	}
	f.allocator.Free(f.device, block)
}

// CreateImage creates an image, allocates a block that satisfies its memory
// requirements combined with allocInfo, and binds the two. On failure nothing is left
// behind to clean up.
func (f *Factory) CreateImage(imageInfo core1_0.ImageCreateInfo, allocInfo strata.AllocationCreateInfo) (core1_0.Image, strata.SmartBlock, error) {
	f.logger.Debug("Factory::CreateImage")

	if imageInfo.Extent.Width == 0 || imageInfo.Extent.Height == 0 {
		return nil, strata.SmartBlock{}, errors.New("attempting to create a zero-sized image")
	}
	if imageInfo.Extent.Depth == 0 {
		return nil, strata.SmartBlock{}, errors.New("attempting to create a zero-depth image")
	}
	if imageInfo.MipLevels == 0 {
		return nil, strata.SmartBlock{}, errors.New("attempting to create an image with zero mip levels")
	}
	if imageInfo.ArrayLayers == 0 {
		return nil, strata.SmartBlock{}, errors.New("attempting to create an image with zero array layers")
	}

	image, _, err := f.device.device.CreateImage(f.device.allocationCallbacks, imageInfo)
	if err != nil {
		return nil, strata.SmartBlock{}, err
	}

	block, err := f.allocator.Alloc(f.device, allocInfo, image.MemoryRequirements())
	if err != nil {
		image.Destroy(f.device.allocationCallbacks)
		return nil, strata.SmartBlock{}, err
	}

	memory := block.Memory().(*DeviceMemory)
	_, err = memory.BindImage(block.Offset(), image)
	if err != nil {
		f.allocator.Free(f.device, block)
		image.Destroy(f.device.allocationCallbacks)
		return nil, strata.SmartBlock{}, err
	}

	return image, block, nil
}

// DestroyImage destroys an image created by CreateImage and frees its block.
func (f *Factory) DestroyImage(image core1_0.Image, block strata.SmartBlock) {
	f.logger.Debug("Factory::DestroyImage")

	if image != nil {
		image.Destroy(f.device.allocationCallbacks)
	}
	f.allocator.Free(f.device, block)
}

// Destroy tears down the allocator hierarchy, then verifies the device has no live
// memory left. It fails without destroying anything while blocks are outstanding, so it
// can be retried once they are freed.
func (f *Factory) Destroy() error {
	f.logger.Debug("Factory::Destroy")

	err := f.allocator.Destroy(f.device)
	if err != nil {
		return err
	}

	return f.device.Destroy()
}
