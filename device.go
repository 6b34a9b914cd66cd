package stage

// DestinationResource is an opaque handle to the device-resident resource a stream
// copies into. The TransferDevice implementation decides what concrete type it accepts.
type DestinationResource interface{}

// TransferMemory is a single CPU-writable block of device memory handed out by a
// TransferDevice. A block cycles between being written on the CPU, read by an enqueued
// copy, and asynchronously remapped for reuse.
type TransferMemory interface {
	// Write performs a synchronous CPU-side write into the block's mapped memory.
	// Writes outside the block's capacity are programming errors and panic.
	Write(offset int, data []byte)
	// RequestRemap asynchronously returns the block to a CPU-writable state once any
	// enqueued copy has consumed its contents. onComplete is invoked exactly once, on
	// success, at an unspecified later point. A non-nil return indicates the device
	// could not schedule the remap and the block will never become writable again.
	RequestRemap(onComplete func()) error
	// Destroy releases the block's backing device memory.
	Destroy()
}

// TransferDevice is the device-layer collaborator consumed by this package. It is
// deliberately narrow: block creation, copy recording, batch submission, and a
// destination compatibility probe.
type TransferDevice interface {
	// CreateTransferBlock returns a zero-initialized, CPU-writable block of exactly
	// byteLength bytes. Failures are reported with an error wrapping
	// ErrResourceExhausted when the device is out of memory.
	CreateTransferBlock(byteLength int) (TransferMemory, error)
	// EnqueueCopy records a copy from src into dst at dstOffset within the current
	// command batch. It fails with an error wrapping ErrIncompatibleResource when dst
	// cannot receive copies.
	EnqueueCopy(src TransferMemory, dst DestinationResource, dstOffset, byteLength int) error
	// SubmitBatch sends all recorded copies to the device queue. Completion is
	// observed only indirectly, through remap callbacks.
	SubmitBatch() error
	// CheckDestination reports whether dst can receive copies covering at least
	// byteLength bytes. Devices that cannot determine this cheaply may return nil and
	// let EnqueueCopy fail instead.
	CheckDestination(dst DestinationResource, byteLength int) error
}
