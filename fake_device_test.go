package strata

import (
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
)

// FakeMemory is the memory object handed out by FakeDevice.
type FakeMemory struct {
	MemoryTypeIndex int
	Size            int
}

// A device that mints memory objects without a GPU. Setting FailWith makes every
// allocation fail with that result until it is cleared.
type FakeDevice struct {
	FailWith common.VkResult

	Live      []*FakeMemory
	Allocated int
	Freed     int
}

func (d *FakeDevice) AllocateMemory(memoryTypeIndex int, size int) (Memory, common.VkResult, error) {
	if d.FailWith != core1_0.VKSuccess {
		return nil, d.FailWith, d.FailWith.ToError()
	}

	memory := &FakeMemory{
		MemoryTypeIndex: memoryTypeIndex,
		Size:            size,
	}
	d.Live = append(d.Live, memory)
	d.Allocated++
	return memory, core1_0.VKSuccess, nil
}

func (d *FakeDevice) FreeMemory(memory Memory) {
	for index, live := range d.Live {
		if live == memory {
			d.Live = append(d.Live[:index], d.Live[index+1:]...)
			d.Freed++
			return
		}
	}
	panic("attempting to free memory this device is not holding")
}

// LiveBytes is the total size of the outstanding memory objects.
func (d *FakeDevice) LiveBytes() int {
	total := 0
	for _, memory := range d.Live {
		total += memory.Size
	}
	return total
}

var _ Device = &FakeDevice{}
