package mm

// ASID identifies an address space.
type ASID uint32
