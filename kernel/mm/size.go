package mm

import "strconv"

// Size represents a memory block size in bytes.
type Size uint64

// Common memory block sizes.
const (
	Byte Size = 1
	Kb        = 1024 * Byte
	Mb        = 1024 * Kb
	Gb        = 1024 * Mb
)

// Pages returns the number of pages that are required for storing this size.
func (s Size) Pages() uint64 {
	return uint64(Pages(uintptr(s)))
}

// String returns a human readable representation of the size.
func (s Size) String() string {
	switch {
	case s >= Gb && s%Gb == 0:
		return strconv.FormatUint(uint64(s/Gb), 10) + "G"
	case s >= Mb && s%Mb == 0:
		return strconv.FormatUint(uint64(s/Mb), 10) + "M"
	case s >= Kb && s%Kb == 0:
		return strconv.FormatUint(uint64(s/Kb), 10) + "K"
	default:
		return strconv.FormatUint(uint64(s), 10) + "B"
	}
}
