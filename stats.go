package strata

import (
	"strconv"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/arsenal/memutils"
	"github.com/vkngwrapper/core/v2/common"
)

// AllocatorStatistics is a point-in-time snapshot of a SmartAllocator's memory usage,
// broken down by memory type and by heap. Entries for types and heaps beyond the
// device's table are left cleared.
//
// AllocationSizeMin and AllocationSizeMax cover chunked allocations only; the arena and
// root tiers do not record individual allocation extents.
type AllocatorStatistics struct {
	MemoryTypes [common.MaxMemoryTypes]memutils.DetailedStatistics
	MemoryHeaps [common.MaxMemoryHeaps]memutils.DetailedStatistics
	Total       memutils.DetailedStatistics
}

// CalculateStatistics populates stats from the allocator's current state. Previous
// contents of stats are discarded.
func (a *SmartAllocator) CalculateStatistics(stats *AllocatorStatistics) {
	for typeIndex := 0; typeIndex < common.MaxMemoryTypes; typeIndex++ {
		stats.MemoryTypes[typeIndex].Clear()
	}
	for heapIndex := 0; heapIndex < common.MaxMemoryHeaps; heapIndex++ {
		stats.MemoryHeaps[heapIndex].Clear()
	}
	stats.Total.Clear()

	for typeIndex := range a.allocators {
		a.allocators[typeIndex].combined.AddDetailedStatistics(&stats.MemoryTypes[typeIndex])
	}

	for typeIndex := range a.allocators {
		heapIndex := a.allocators[typeIndex].memoryType.HeapIndex
		stats.MemoryHeaps[heapIndex].AddDetailedStatistics(&stats.MemoryTypes[typeIndex])
	}

	for heapIndex := range a.heaps {
		stats.Total.AddDetailedStatistics(&stats.MemoryHeaps[heapIndex])
	}
}

// BuildStatsString returns a JSON document describing the allocator's current state,
// suitable for dumping to a log or a debugging tool. When detailed is true, each memory
// type additionally lists its live arena nodes and chunked size classes.
func (a *SmartAllocator) BuildStatsString(detailed bool) string {
	var stats AllocatorStatistics
	a.CalculateStatistics(&stats)

	writer := jwriter.NewWriter()
	rootObj := writer.Object()

	totalObj := rootObj.Name("Total").Object()
	printDetailedStatistics(&totalObj, &stats.Total)
	totalObj.End()

	heapsObj := rootObj.Name("MemoryHeaps").Object()
	for heapIndex := range a.heaps {
		heapObj := heapsObj.Name(strconv.Itoa(heapIndex)).Object()
		heapObj.Name("Size").Int(a.heaps[heapIndex].size)
		heapObj.Name("Used").Int(a.heaps[heapIndex].used)

		statsObj := heapObj.Name("Stats").Object()
		printDetailedStatistics(&statsObj, &stats.MemoryHeaps[heapIndex])
		statsObj.End()

		heapObj.End()
	}
	heapsObj.End()

	typesObj := rootObj.Name("MemoryTypes").Object()
	for typeIndex := range a.allocators {
		typeObj := typesObj.Name(strconv.Itoa(typeIndex)).Object()
		typeObj.Name("Flags").String(a.allocators[typeIndex].memoryType.PropertyFlags.String())
		typeObj.Name("HeapIndex").Int(a.allocators[typeIndex].memoryType.HeapIndex)

		statsObj := typeObj.Name("Stats").Object()
		printDetailedStatistics(&statsObj, &stats.MemoryTypes[typeIndex])
		statsObj.End()

		if detailed {
			a.allocators[typeIndex].combined.printDetailedMap(&typeObj)
		}

		typeObj.End()
	}
	typesObj.End()

	rootObj.End()
	return string(writer.Bytes())
}

func printDetailedStatistics(json *jwriter.ObjectState, stats *memutils.DetailedStatistics) {
	json.Name("BlockCount").Int(stats.BlockCount)
	json.Name("BlockBytes").Int(stats.BlockBytes)
	json.Name("AllocationCount").Int(stats.AllocationCount)
	json.Name("AllocationBytes").Int(stats.AllocationBytes)
	json.Name("UnusedRangeCount").Int(stats.UnusedRangeCount)

	if stats.AllocationSizeMax > 0 {
		json.Name("AllocationSizeMin").Int(stats.AllocationSizeMin)
		json.Name("AllocationSizeMax").Int(stats.AllocationSizeMax)
	}
	if stats.UnusedRangeCount > 0 {
		json.Name("UnusedRangeSizeMin").Int(stats.UnusedRangeSizeMin)
		json.Name("UnusedRangeSizeMax").Int(stats.UnusedRangeSizeMax)
	}
}
