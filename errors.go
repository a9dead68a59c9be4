package strata

import (
	cerrors "github.com/cockroachdb/errors"
	"github.com/pkg/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
)

// NoCompatibleMemoryTypeError is returned when no device memory type satisfies a request's
// type mask and required property flags
var NoCompatibleMemoryTypeError error = errors.New("no memory type satisfies the type mask and property flags of this request")

// OutOfMemoryError is returned when a compatible memory type exists but the request cannot
// be satisfied: a heap lacks capacity, a request is too large for the tier it reached, or
// the device allocation itself failed
var OutOfMemoryError error = errors.New("out of memory")

// TooManyObjectsError is returned when the device's allocation-count ceiling has been reached
var TooManyObjectsError error = errors.New("too many device memory objects")

// errorForDeviceResult folds a device result code into the allocator's error taxonomy.
// Device failures only reach the tiers through RootAllocator, so this is the single
// translation point.
func errorForDeviceResult(res common.VkResult) error {
	switch res {
	case core1_0.VKErrorTooManyObjects:
		return cerrors.Wrapf(TooManyObjectsError, "device allocation failed with %s", res.String())
	default:
		return cerrors.Wrapf(OutOfMemoryError, "device allocation failed with %s", res.String())
	}
}
