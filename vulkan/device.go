// Package vulkan adapts a vkngwrapper Device and Queue to the stage.TransferDevice
// interface. Transfer blocks are host-visible, persistently-mapped Vulkan buffers;
// "remap" completion is observed by polling the fence attached to the batch whose copy
// consumed the block, so remap callbacks fire from PollCompletions on whatever
// goroutine drives the tick loop.
package vulkan

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/driver"
	"github.com/vkngwrapper/stage"
	"github.com/vkngwrapper/stage/internal/utils"
	"golang.org/x/exp/slog"
)

// CreateFlags indicate specific device adapter behaviors to activate or deactivate
type CreateFlags int32

const (
	// DeviceCreateExternallySynchronized disables the adapter's internal mutex. The
	// consumer must guarantee the adapter is driven from one thread at a time.
	DeviceCreateExternallySynchronized CreateFlags = 1 << iota
)

// CreateOptions configures the device adapter.
type CreateOptions struct {
	// Flags indicates specific adapter behaviors to activate or deactivate
	Flags CreateFlags

	// MemoryTypeIndex selects the memory type staging blocks are allocated from. It
	// must be host-visible; pick a host-coherent type unless NonCoherentAtomSize is
	// also provided.
	MemoryTypeIndex int
	// QueueFamilyIndex is the family of the transfer queue copies are submitted to.
	QueueFamilyIndex int

	// NonCoherentAtomSize must be provided, as a power of two, when MemoryTypeIndex
	// names a non-coherent memory type. Block writes are then flushed in aligned
	// ranges. Leave 0 for coherent memory.
	NonCoherentAtomSize int

	// StagingPriority is passed through ext_memory_priority when UseMemoryPriority
	// is set, so drivers under memory pressure evict staging blocks before
	// device-local resources. Must be between 0 and 1, inclusive.
	StagingPriority   float32
	UseMemoryPriority bool

	// AllocationCallbacks is an optional set of Vulkan host-allocation callbacks
	// applied to every object the adapter creates.
	AllocationCallbacks *driver.AllocationCallbacks
}

// Device implements stage.TransferDevice over a vkngwrapper logical device.
type Device struct {
	logger              *slog.Logger
	device              core1_0.Device
	queue               core1_0.Queue
	commandPool         core1_0.CommandPool
	allocationCallbacks *driver.AllocationCallbacks

	memoryTypeIndex     int
	nonCoherentAtomSize int
	stagingPriority     float32
	useMemoryPriority   bool

	mutex    utils.OptionalMutex
	pending  *commandBatch
	inFlight []*commandBatch
}

// commandBatch is one tick's worth of recorded copies plus the remap callbacks of
// every block those copies consumed.
type commandBatch struct {
	commandBuffer core1_0.CommandBuffer
	fence         core1_0.Fence
	onComplete    []func()
}

// NewDevice creates a TransferDevice adapter over the provided logical device and
// transfer queue. The queue must belong to options.QueueFamilyIndex.
func NewDevice(logger *slog.Logger, device core1_0.Device, queue core1_0.Queue, options CreateOptions) (*Device, error) {
	if logger == nil {
		return nil, errors.New("attempted to create a device adapter with a nil logger")
	}
	if device == nil {
		return nil, errors.New("attempted to create a device adapter with a nil device")
	}
	if queue == nil {
		return nil, errors.New("attempted to create a device adapter with a nil queue")
	}
	if options.UseMemoryPriority && (options.StagingPriority < 0 || options.StagingPriority > 1) {
		return nil, errors.Newf("provided StagingPriority %f is invalid: priority values should be between 0 and 1, inclusive", options.StagingPriority)
	}
	if options.NonCoherentAtomSize != 0 {
		err := stage.CheckPow2(options.NonCoherentAtomSize, "options.NonCoherentAtomSize")
		if err != nil {
			return nil, err
		}
	}

	commandPool, _, err := device.CreateCommandPool(options.AllocationCallbacks, core1_0.CommandPoolCreateInfo{
		Flags:            core1_0.CommandPoolCreateTransient,
		QueueFamilyIndex: options.QueueFamilyIndex,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create the transfer command pool")
	}

	return &Device{
		logger:              logger,
		device:              device,
		queue:               queue,
		commandPool:         commandPool,
		allocationCallbacks: options.AllocationCallbacks,

		memoryTypeIndex:     options.MemoryTypeIndex,
		nonCoherentAtomSize: options.NonCoherentAtomSize,
		stagingPriority:     options.StagingPriority,
		useMemoryPriority:   options.UseMemoryPriority,

		mutex: utils.OptionalMutex{
			UseMutex: options.Flags&DeviceCreateExternallySynchronized == 0,
		},
	}, nil
}

// EnqueueCopy records a copy into the batch currently being recorded, beginning a new
// command buffer if this is the first copy of the tick.
func (d *Device) EnqueueCopy(src stage.TransferMemory, dst stage.DestinationResource, dstOffset, byteLength int) error {
	memory, isTransferMemory := src.(*transferMemory)
	if !isTransferMemory {
		panic("a transfer memory that was not created by this adapter was passed to EnqueueCopy")
	}

	destination, err := d.destinationBuffer(dst, dstOffset+byteLength)
	if err != nil {
		return err
	}

	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.pending == nil {
		batch, err := d.beginBatch()
		if err != nil {
			return err
		}
		d.pending = batch
	}

	d.pending.commandBuffer.CmdCopyBuffer(memory.buffer, destination.Buffer, []core1_0.BufferCopy{
		{
			SrcOffset: 0,
			DstOffset: dstOffset,
			Size:      byteLength,
		},
	})

	return nil
}

func (d *Device) beginBatch() (*commandBatch, error) {
	commandBuffers, _, err := d.device.AllocateCommandBuffers(core1_0.CommandBufferAllocateInfo{
		CommandPool:        d.commandPool,
		Level:              core1_0.CommandBufferLevelPrimary,
		CommandBufferCount: 1,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to allocate a transfer command buffer")
	}

	commandBuffer := commandBuffers[0]
	_, err = commandBuffer.Begin(core1_0.CommandBufferBeginInfo{
		Flags: core1_0.CommandBufferUsageOneTimeSubmit,
	})
	if err != nil {
		commandBuffer.Free()
		return nil, errors.Wrap(err, "failed to begin the transfer command buffer")
	}

	return &commandBatch{
		commandBuffer: commandBuffer,
	}, nil
}

// SubmitBatch ends the batch being recorded and submits it with a fresh fence. The
// remap callbacks registered against the batch fire once that fence signals.
func (d *Device) SubmitBatch() error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.pending == nil {
		return nil
	}

	batch := d.pending

	_, err := batch.commandBuffer.End()
	if err != nil {
		return errors.Wrap(err, "failed to end the transfer command buffer")
	}

	fence, _, err := d.device.CreateFence(d.allocationCallbacks, core1_0.FenceCreateInfo{})
	if err != nil {
		return errors.Wrap(err, "failed to create a submission fence")
	}
	batch.fence = fence

	_, err = d.queue.Submit(fence, []core1_0.SubmitInfo{
		{
			CommandBuffers: []core1_0.CommandBuffer{batch.commandBuffer},
		},
	})
	if err != nil {
		fence.Destroy(d.allocationCallbacks)
		batch.fence = nil
		return errors.Wrap(err, "failed to submit the transfer batch")
	}

	d.pending = nil
	d.inFlight = append(d.inFlight, batch)

	return nil
}

// PollCompletions checks every submitted batch's fence without blocking and fires the
// remap callbacks of each completed batch. Drive this once per tick, after Flush.
func (d *Device) PollCompletions() error {
	return d.drainCompleted(false)
}

// WaitCompletions blocks until every submitted batch has completed, firing remap
// callbacks along the way. Use it before teardown.
func (d *Device) WaitCompletions() error {
	return d.drainCompleted(true)
}

func (d *Device) drainCompleted(wait bool) (err error) {
	var fired []func()

	d.mutex.Lock()
	var remaining []*commandBatch
	for batchIndex, batch := range d.inFlight {
		var complete bool
		complete, err = d.batchComplete(batch, wait)
		if err != nil {
			remaining = append(remaining, d.inFlight[batchIndex:]...)
			break
		}

		if !complete {
			remaining = append(remaining, batch)
			continue
		}

		batch.fence.Destroy(d.allocationCallbacks)
		batch.commandBuffer.Free()
		fired = append(fired, batch.onComplete...)
	}
	d.inFlight = remaining
	d.mutex.Unlock()

	// Callbacks mutate pool state; they run outside the adapter lock.
	for _, onComplete := range fired {
		onComplete()
	}

	return err
}

func (d *Device) batchComplete(batch *commandBatch, wait bool) (bool, error) {
	if wait {
		_, err := batch.fence.Wait(common.NoTimeout)
		if err != nil {
			return false, errors.Wrap(err, "failed to wait for a transfer batch fence")
		}
		return true, nil
	}

	status, err := batch.fence.Status()
	if err != nil {
		return false, errors.Wrap(err, "failed to poll a transfer batch fence")
	}

	return status == core1_0.VKSuccess, nil
}

// registerRemap attaches a block's remap callback to the batch whose copy consumed
// it. With no batch outstanding the block was never consumed, so it is writable now
// and the callback fires immediately.
func (d *Device) registerRemap(onComplete func()) error {
	d.mutex.Lock()

	if d.pending != nil {
		d.pending.onComplete = append(d.pending.onComplete, onComplete)
		d.mutex.Unlock()
		return nil
	}

	if batchCount := len(d.inFlight); batchCount > 0 {
		lastBatch := d.inFlight[batchCount-1]
		lastBatch.onComplete = append(lastBatch.onComplete, onComplete)
		d.mutex.Unlock()
		return nil
	}

	d.mutex.Unlock()
	onComplete()
	return nil
}

// Destroy releases the adapter's command pool. It fails while batches are still
// recording or in flight.
func (d *Device) Destroy() error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.pending != nil {
		return errors.New("a transfer batch is still recording: submit or discard it before destroying the adapter")
	}
	if len(d.inFlight) > 0 {
		return errors.Newf("%d transfer batches are still in flight: call WaitCompletions before destroying the adapter", len(d.inFlight))
	}

	d.commandPool.Destroy(d.allocationCallbacks)
	return nil
}
