package strata

// ShiftForAlignment rounds offset up to the next multiple of alignment. Alignment must be
// a power of two; a zero offset or zero alignment is returned unchanged.
func ShiftForAlignment(alignment uint, offset int) int {
	if offset == 0 || alignment == 0 {
		return offset
	}
	return ((offset - 1) | int(alignment-1)) + 1
}

// AlignmentShift returns the number of padding bytes needed in front of offset to reach
// the next multiple of alignment.
func AlignmentShift(alignment uint, offset int) int {
	return ShiftForAlignment(alignment, offset) - offset
}
