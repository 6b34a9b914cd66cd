package stage

// StreamCreateInfo describes a new upload stream and the block pool backing it.
type StreamCreateInfo struct {
	// Destination is the device-resident resource this stream updates. It must be
	// able to receive transfer copies.
	Destination DestinationResource
	// ElementByteLength is the exact byte length of every update to this stream, and
	// therefore the size of every transfer block in the stream's pool.
	ElementByteLength int

	// DstOffset is the byte offset within Destination that Update writes to. Callers
	// that target sub-regions pass explicit offsets to UpdateAt instead.
	DstOffset int

	// MinBlockCount pre-creates that many blocks at stream construction, trading
	// construction latency for steady first-update latency.
	MinBlockCount int
	// MaxBlockCount caps the number of blocks the pool will create. 0 means
	// unbounded. When the cap is reached and no remap has completed, updates fail
	// with ErrResourceExhausted rather than silently dropping or queueing.
	MaxBlockCount int

	// Name is an optional debug name, also reported in stats output.
	Name string
}
