package strata_test

import (
	"math"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/arsenal/memutils"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/strata"
)

func TestRootAllocFree(t *testing.T) {
	device := &strata.FakeDevice{}
	root := strata.NewRootAllocator(3)

	require.Equal(t, 3, root.MemoryTypeIndex())
	require.True(t, root.IsUnused())

	block, err := root.Alloc(device, &core1_0.MemoryRequirements{
		Size:           1024,
		Alignment:      256,
		MemoryTypeBits: 1 << 3,
	})
	require.NoError(t, err)
	require.Equal(t, 0, block.Offset())
	require.Equal(t, 1024, block.Size())
	require.False(t, root.IsUnused())

	memory := block.Memory().(*strata.FakeMemory)
	require.Equal(t, 3, memory.MemoryTypeIndex)
	require.Equal(t, 1024, memory.Size)
	require.Len(t, device.Live, 1)

	root.Free(device, block)
	require.True(t, root.IsUnused())
	require.Len(t, device.Live, 0)
}

func TestRootTypeMask(t *testing.T) {
	device := &strata.FakeDevice{}
	root := strata.NewRootAllocator(3)

	_, err := root.Alloc(device, &core1_0.MemoryRequirements{
		Size:           1024,
		MemoryTypeBits: 1 << 2,
	})
	require.Error(t, err)
	require.True(t, errors.Is(err, strata.NoCompatibleMemoryTypeError))
	require.Equal(t, 0, device.Allocated)
}

func TestRootDeviceFailure(t *testing.T) {
	device := &strata.FakeDevice{}
	root := strata.NewRootAllocator(0)

	device.FailWith = core1_0.VKErrorOutOfDeviceMemory
	_, err := root.Alloc(device, &core1_0.MemoryRequirements{
		Size:           1024,
		MemoryTypeBits: 1,
	})
	require.Error(t, err)
	require.True(t, errors.Is(err, strata.OutOfMemoryError))

	device.FailWith = core1_0.VKErrorTooManyObjects
	_, err = root.Alloc(device, &core1_0.MemoryRequirements{
		Size:           1024,
		MemoryTypeBits: 1,
	})
	require.Error(t, err)
	require.True(t, errors.Is(err, strata.TooManyObjectsError))

	device.FailWith = core1_0.VKSuccess
	require.True(t, root.IsUnused())

	block, err := root.Alloc(device, &core1_0.MemoryRequirements{
		Size:           1024,
		MemoryTypeBits: 1,
	})
	require.NoError(t, err)
	root.Free(device, block)
}

func TestRootDestroyOutstanding(t *testing.T) {
	device := &strata.FakeDevice{}
	root := strata.NewRootAllocator(0)

	block, err := root.Alloc(device, &core1_0.MemoryRequirements{
		Size:           512,
		MemoryTypeBits: 1,
	})
	require.NoError(t, err)

	require.Error(t, root.Destroy(device))

	root.Free(device, block)
	require.NoError(t, root.Destroy(device))
	require.Len(t, device.Live, 0)
}

func TestRootStatistics(t *testing.T) {
	device := &strata.FakeDevice{}
	root := strata.NewRootAllocator(0)

	block1, err := root.Alloc(device, &core1_0.MemoryRequirements{
		Size:           1024,
		MemoryTypeBits: 1,
	})
	require.NoError(t, err)
	block2, err := root.Alloc(device, &core1_0.MemoryRequirements{
		Size:           2048,
		MemoryTypeBits: 1,
	})
	require.NoError(t, err)

	var stats memutils.DetailedStatistics
	stats.Clear()
	root.AddDetailedStatistics(&stats)

	require.Equal(t, memutils.DetailedStatistics{
		Statistics: memutils.Statistics{
			BlockCount:      2,
			BlockBytes:      3072,
			AllocationCount: 2,
			AllocationBytes: 3072,
		},
		UnusedRangeCount:   0,
		AllocationSizeMin:  math.MaxInt,
		AllocationSizeMax:  0,
		UnusedRangeSizeMin: math.MaxInt,
		UnusedRangeSizeMax: 0,
	}, stats)

	root.Free(device, block1)
	root.Free(device, block2)
}
