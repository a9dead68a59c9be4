package strata_test

import (
	"math"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/arsenal/memutils"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/strata"
	"golang.org/x/exp/slog"
)

var combinedOptions = strata.CreateOptions{
	ArenaSize:           1024,
	ChunksPerSuperblock: 4,
	MinChunkSize:        256,
	MaxChunkSize:        4096,
}

func usageReqs(size int) *core1_0.MemoryRequirements {
	return &core1_0.MemoryRequirements{
		Size:           size,
		MemoryTypeBits: 1,
	}
}

func TestCombinedRouting(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout))
	device := &strata.FakeDevice{}
	combined, err := strata.NewCombinedAllocator(logger, 0, combinedOptions)
	require.NoError(t, err)
	require.Equal(t, 0, combined.MemoryTypeIndex())

	// Short-lived requests land in the arena and keep their exact size.
	shortLived, err := combined.Alloc(device, strata.MemoryUsageShortLived, usageReqs(100))
	require.NoError(t, err)
	require.Equal(t, 100, shortLived.Size())
	require.Equal(t, 1024, device.LiveBytes())

	// General requests round up to a chunk.
	small, err := combined.Alloc(device, strata.MemoryUsageGeneral, usageReqs(300))
	require.NoError(t, err)
	require.Equal(t, 512, small.Size())
	require.Equal(t, 3072, device.LiveBytes())

	// General requests beyond the largest chunk go straight to the device.
	large, err := combined.Alloc(device, strata.MemoryUsageGeneral, usageReqs(5000))
	require.NoError(t, err)
	require.Equal(t, 5000, large.Size())
	require.Equal(t, 8072, device.LiveBytes())
	require.True(t, combined.IsUsed())

	combined.Free(device, large)
	require.Equal(t, 3072, device.LiveBytes())

	combined.Free(device, small)
	require.Equal(t, 3072, device.LiveBytes())

	combined.Free(device, shortLived)
	require.Equal(t, 3072, device.LiveBytes())
	require.True(t, combined.IsUnused())

	require.NoError(t, combined.Destroy(device))
	require.Len(t, device.Live, 0)
}

func TestCombinedDefaults(t *testing.T) {
	device := &strata.FakeDevice{}
	combined, err := strata.NewCombinedAllocator(nil, 0, strata.CreateOptions{})
	require.NoError(t, err)

	block, err := combined.Alloc(device, strata.MemoryUsageGeneral, usageReqs(300))
	require.NoError(t, err)
	require.Equal(t, strata.DefaultMinChunkSize*2, block.Size())

	combined.Free(device, block)
	require.NoError(t, combined.Destroy(device))
}

func TestCombinedDestroyOutstanding(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout))
	device := &strata.FakeDevice{}
	combined, err := strata.NewCombinedAllocator(logger, 0, combinedOptions)
	require.NoError(t, err)

	block, err := combined.Alloc(device, strata.MemoryUsageGeneral, usageReqs(300))
	require.NoError(t, err)

	require.Error(t, combined.Destroy(device))
	require.True(t, combined.IsUsed())
	require.Len(t, device.Live, 1)

	combined.Free(device, block)
	require.NoError(t, combined.Destroy(device))
	require.Len(t, device.Live, 0)
}

func TestCombinedCounterGuards(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout))
	device := &strata.FakeDevice{}
	combined, err := strata.NewCombinedAllocator(logger, 0, combinedOptions)
	require.NoError(t, err)

	require.Panics(t, func() {
		combined.Free(device, strata.CombinedBlock{})
	})

	require.Panics(t, func() {
		_, _ = combined.Alloc(device, strata.MemoryUsage(2), usageReqs(100))
	})
}

func TestCombinedStatistics(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout))
	device := &strata.FakeDevice{}
	combined, err := strata.NewCombinedAllocator(logger, 0, combinedOptions)
	require.NoError(t, err)

	shortLived, err := combined.Alloc(device, strata.MemoryUsageShortLived, usageReqs(100))
	require.NoError(t, err)
	small, err := combined.Alloc(device, strata.MemoryUsageGeneral, usageReqs(300))
	require.NoError(t, err)
	large, err := combined.Alloc(device, strata.MemoryUsageGeneral, usageReqs(5000))
	require.NoError(t, err)

	var stats memutils.DetailedStatistics
	stats.Clear()
	combined.AddDetailedStatistics(&stats)

	require.Equal(t, memutils.DetailedStatistics{
		Statistics: memutils.Statistics{
			BlockCount:      3,
			BlockBytes:      8072,
			AllocationCount: 3,
			AllocationBytes: 5612,
		},
		UnusedRangeCount:   4,
		AllocationSizeMin:  512,
		AllocationSizeMax:  512,
		UnusedRangeSizeMin: 512,
		UnusedRangeSizeMax: 924,
	}, stats)

	combined.Free(device, shortLived)
	combined.Free(device, small)
	combined.Free(device, large)

	stats.Clear()
	combined.AddDetailedStatistics(&stats)

	require.Equal(t, memutils.DetailedStatistics{
		Statistics: memutils.Statistics{
			BlockCount:      2,
			BlockBytes:      3072,
			AllocationCount: 0,
			AllocationBytes: 0,
		},
		UnusedRangeCount:   5,
		AllocationSizeMin:  math.MaxInt,
		AllocationSizeMax:  0,
		UnusedRangeSizeMin: 512,
		UnusedRangeSizeMax: 924,
	}, stats)

	require.NoError(t, combined.Destroy(device))
}
