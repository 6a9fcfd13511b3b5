package device

// Properties captures the multiprocessor resource limits that bound how many
// thread blocks can be resident at once. Values follow the vendor occupancy
// tables for each hardware generation.
type Properties struct {
	MultiprocessorCount int

	WarpSize           int
	MaxThreadsPerBlock int
	MaxThreadsPerMP    int
	MaxBlocksPerMP     int

	RegistersPerMP    int
	RegAllocUnit      int
	SharedMemPerMP    int
	SharedMemPerBlock int
	SharedAllocUnit   int

	MaxGridDimX int
}

// MaxWarpsPerMP derives the warp residency ceiling.
func (p Properties) MaxWarpsPerMP() int {
	if p.WarpSize == 0 {
		return 0
	}
	return p.MaxThreadsPerMP / p.WarpSize
}

// PropertiesFor returns the per-generation resource table for a capability.
// The multiprocessor count is a property of the physical device, not the
// generation, so callers overwrite it from the queried device; the value here
// is a conservative default for planning without a live device.
func PropertiesFor(c Capability) Properties {
	p := Properties{
		MultiprocessorCount: 8,
		WarpSize:            32,
		MaxThreadsPerBlock:  1024,
		MaxThreadsPerMP:     2048,
		MaxGridDimX:         2147483647,
	}
	switch {
	case c.Major <= 3: // Kepler
		p.MaxBlocksPerMP = 16
		p.RegistersPerMP = 65536
		p.RegAllocUnit = 256
		p.SharedMemPerMP = 49152
		p.SharedMemPerBlock = 49152
		p.SharedAllocUnit = 256
	case c.Major <= 6: // Maxwell, Pascal
		p.MaxBlocksPerMP = 32
		p.RegistersPerMP = 65536
		p.RegAllocUnit = 256
		p.SharedMemPerMP = 65536
		p.SharedMemPerBlock = 49152
		p.SharedAllocUnit = 256
	default: // Volta and later
		p.MaxBlocksPerMP = 32
		p.RegistersPerMP = 65536
		p.RegAllocUnit = 256
		p.SharedMemPerMP = 98304
		p.SharedMemPerBlock = 49152
		p.SharedAllocUnit = 256
	}
	return p
}
