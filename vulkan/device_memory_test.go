package vulkan

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/mocks"
	"go.uber.org/mock/gomock"
)

func TestDeviceMemoryMapReferences(t *testing.T) {
	ctrl := gomock.NewController(t)

	mockDevice, device := readyDevice(t, ctrl, deviceSetup{})

	memory := mocks.EasyMockDeviceMemory(ctrl)
	mockDevice.EXPECT().AllocateMemory(gomock.Any(), core1_0.MemoryAllocateInfo{
		AllocationSize:  4096,
		MemoryTypeIndex: 1,
	}).Return(memory, core1_0.VKSuccess, nil)

	mem, _, err := device.AllocateMemory(1, 4096)
	require.NoError(t, err)
	wrapper := mem.(*DeviceMemory)

	data := make([]byte, 4096)
	dataPtr := unsafe.Pointer(&data[0])

	memory.EXPECT().Map(0, 100, core1_0.MemoryMapFlags(0)).Return(dataPtr, core1_0.VKSuccess, nil)

	ptr, res, err := wrapper.Map(1, 0, 100, 0)
	require.NoError(t, err)
	require.Equal(t, core1_0.VKSuccess, res)
	require.Equal(t, dataPtr, ptr)
	require.Equal(t, 1, wrapper.References())
	require.Equal(t, dataPtr, wrapper.MappedData())

	// Later references share the existing mapping without another device call, even
	// when they ask for a different window.
	ptr, _, err = wrapper.Map(2, 64, 32, 0)
	require.NoError(t, err)
	require.Equal(t, dataPtr, ptr)
	require.Equal(t, 3, wrapper.References())

	require.NoError(t, wrapper.Unmap(1))
	require.Equal(t, 2, wrapper.References())

	memory.EXPECT().Unmap()
	require.NoError(t, wrapper.Unmap(2))
	require.Equal(t, 0, wrapper.References())
	require.Nil(t, wrapper.MappedData())

	// Unmapping with nothing mapped is a no-op rather than an error.
	require.NoError(t, wrapper.Unmap(3))

	// Zero references map nothing.
	ptr, res, err = wrapper.Map(0, 0, 4096, 0)
	require.NoError(t, err)
	require.Equal(t, core1_0.VKSuccess, res)
	require.Nil(t, ptr)
	require.Equal(t, 0, wrapper.References())

	memory.EXPECT().Map(128, 256, core1_0.MemoryMapFlags(0)).Return(dataPtr, core1_0.VKSuccess, nil)

	_, _, err = wrapper.Map(1, 128, 256, 0)
	require.NoError(t, err)

	err = wrapper.Unmap(5)
	require.Error(t, err)
	require.Equal(t, 1, wrapper.References())

	memory.EXPECT().Unmap()
	require.NoError(t, wrapper.Unmap(1))

	memory.EXPECT().Free(nil)
	device.FreeMemory(mem)
	require.NoError(t, device.Destroy())
}

func TestDeviceMemoryMapFailure(t *testing.T) {
	ctrl := gomock.NewController(t)

	mockDevice, device := readyDevice(t, ctrl, deviceSetup{})

	memory := mocks.EasyMockDeviceMemory(ctrl)
	mockDevice.EXPECT().AllocateMemory(gomock.Any(), gomock.Any()).Return(memory, core1_0.VKSuccess, nil)

	mem, _, err := device.AllocateMemory(2, 1024)
	require.NoError(t, err)
	wrapper := mem.(*DeviceMemory)

	memory.EXPECT().Map(0, 1024, core1_0.MemoryMapFlags(0)).
		Return(nil, core1_0.VKErrorMemoryMapFailed, core1_0.VKErrorMemoryMapFailed.ToError())

	_, res, err := wrapper.Map(1, 0, 1024, 0)
	require.Error(t, err)
	require.Equal(t, core1_0.VKErrorMemoryMapFailed, res)
	require.Equal(t, 0, wrapper.References())
	require.Nil(t, wrapper.MappedData())

	memory.EXPECT().Free(nil)
	device.FreeMemory(mem)
	require.NoError(t, device.Destroy())
}

func TestDeviceMemoryBind(t *testing.T) {
	ctrl := gomock.NewController(t)

	mockDevice, device := readyDevice(t, ctrl, deviceSetup{})

	memory := mocks.EasyMockDeviceMemory(ctrl)
	mockDevice.EXPECT().AllocateMemory(gomock.Any(), gomock.Any()).Return(memory, core1_0.VKSuccess, nil)

	mem, _, err := device.AllocateMemory(0, 8192)
	require.NoError(t, err)
	wrapper := mem.(*DeviceMemory)

	buffer := mocks.NewMockBuffer(ctrl)
	buffer.EXPECT().BindBufferMemory(memory, 256).Return(core1_0.VKSuccess, nil)

	res, err := wrapper.BindBuffer(256, buffer)
	require.NoError(t, err)
	require.Equal(t, core1_0.VKSuccess, res)

	image := mocks.NewMockImage(ctrl)
	image.EXPECT().BindImageMemory(memory, 512).Return(core1_0.VKSuccess, nil)

	res, err = wrapper.BindImage(512, image)
	require.NoError(t, err)
	require.Equal(t, core1_0.VKSuccess, res)

	failingBuffer := mocks.NewMockBuffer(ctrl)
	failingBuffer.EXPECT().BindBufferMemory(memory, 0).
		Return(core1_0.VKErrorUnknown, core1_0.VKErrorUnknown.ToError())

	_, err = wrapper.BindBuffer(0, failingBuffer)
	require.Error(t, err)

	memory.EXPECT().Free(nil)
	device.FreeMemory(mem)
	require.NoError(t, device.Destroy())
}
