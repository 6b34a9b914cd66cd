package vulkan

import (
	"context"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/extensions/v2/ext_memory_priority"
	"github.com/vkngwrapper/stage"
	"golang.org/x/exp/slog"
)

// Destination identifies a device-resident buffer an upload stream copies into. The
// caller created the buffer, so the caller reports its usage and size.
type Destination struct {
	Buffer core1_0.Buffer
	Usage  core1_0.BufferUsageFlags
	Size   int
}

// transferMemory is one persistently-mapped staging buffer.
type transferMemory struct {
	parentDevice *Device
	buffer       core1_0.Buffer
	memory       core1_0.DeviceMemory
	mappedData   unsafe.Pointer
	size         int
}

// CreateTransferBlock creates a host-visible staging buffer of exactly byteLength
// bytes, binds and persistently maps its memory, and zero-fills it. Vulkan does not
// guarantee zeroed allocations, so the zero-fill is paid explicitly here, once per
// block.
func (d *Device) CreateTransferBlock(byteLength int) (stage.TransferMemory, error) {
	if byteLength < 1 {
		panic("attempted to create a zero-length transfer block")
	}

	buffer, res, err := d.device.CreateBuffer(d.allocationCallbacks, core1_0.BufferCreateInfo{
		Size:        byteLength,
		Usage:       core1_0.BufferUsageTransferSrc,
		SharingMode: core1_0.SharingModeExclusive,
	})
	if err != nil {
		return nil, d.wrapDeviceError(res, errors.Wrap(err, "failed to create a staging buffer"))
	}

	memoryRequirements := buffer.MemoryRequirements()

	allocationSize := memoryRequirements.Size
	if d.nonCoherentAtomSize > 1 {
		allocationSize = stage.AlignUp(allocationSize, uint(d.nonCoherentAtomSize))
	}

	var allocInfo core1_0.MemoryAllocateInfo
	allocInfo.MemoryTypeIndex = d.memoryTypeIndex
	allocInfo.AllocationSize = allocationSize

	if d.useMemoryPriority {
		priorityInfo := ext_memory_priority.MemoryPriorityAllocateInfo{
			Priority: d.stagingPriority,
		}
		priorityInfo.Next = allocInfo.Next
		allocInfo.Next = priorityInfo
	}

	memory, res, err := d.device.AllocateMemory(d.allocationCallbacks, allocInfo)
	if err != nil {
		buffer.Destroy(d.allocationCallbacks)
		return nil, d.wrapDeviceError(res, errors.Wrapf(err, "failed to allocate %d bytes of staging memory", allocationSize))
	}

	_, err = buffer.BindBufferMemory(memory, 0)
	if err != nil {
		memory.Free(d.allocationCallbacks)
		buffer.Destroy(d.allocationCallbacks)
		return nil, errors.Wrap(err, "failed to bind staging memory to its buffer")
	}

	mappedData, res, err := memory.Map(0, allocationSize, 0)
	if err != nil {
		memory.Free(d.allocationCallbacks)
		buffer.Destroy(d.allocationCallbacks)
		return nil, d.wrapDeviceError(res, errors.Wrap(err, "failed to map staging memory"))
	}

	block := &transferMemory{
		parentDevice: d,
		buffer:       buffer,
		memory:       memory,
		mappedData:   mappedData,
		size:         byteLength,
	}

	zero := make([]byte, byteLength)
	block.Write(0, zero)

	d.logger.LogAttrs(context.Background(), slog.LevelDebug, "created staging block",
		slog.Int("byteLength", byteLength),
		slog.Int("allocationSize", allocationSize))

	return block, nil
}

// CheckDestination verifies that dst is a Destination whose buffer was created with
// transfer-destination usage and has room for byteLength bytes.
func (d *Device) CheckDestination(dst stage.DestinationResource, byteLength int) error {
	destination, err := d.destinationBuffer(dst, byteLength)
	if err != nil {
		return err
	}
	if destination.Buffer == nil {
		return errors.Wrap(stage.ErrIncompatibleResource, "the destination has a nil vulkan buffer")
	}

	return nil
}

func (d *Device) destinationBuffer(dst stage.DestinationResource, requiredBytes int) (Destination, error) {
	destination, isDestination := dst.(Destination)
	if !isDestination {
		return Destination{}, errors.Wrapf(stage.ErrIncompatibleResource, "the destination resource is a %T, not a vulkan.Destination", dst)
	}
	if destination.Usage&core1_0.BufferUsageTransferDst == 0 {
		return Destination{}, errors.Wrap(stage.ErrIncompatibleResource, "the destination buffer was created without BufferUsageTransferDst")
	}
	if requiredBytes > destination.Size {
		return Destination{}, errors.Wrapf(stage.ErrInvalidArgument, "the copy requires %d destination bytes but the destination buffer only has %d", requiredBytes, destination.Size)
	}

	return destination, nil
}

// wrapDeviceError rebases out-of-memory results onto ErrResourceExhausted so callers
// can test for them with errors.Is. The sentinel has to sit in the Unwrap chain
// itself; a cockroachdb mark is invisible to the standard library's errors.Is.
func (d *Device) wrapDeviceError(res common.VkResult, err error) error {
	switch res {
	case core1_0.VKErrorOutOfDeviceMemory, core1_0.VKErrorOutOfHostMemory, core1_0.VKErrorTooManyObjects:
		return errors.Wrapf(stage.ErrResourceExhausted, "%v", err)
	}

	return err
}

func (m *transferMemory) Write(offset int, data []byte) {
	if offset < 0 || offset+len(data) > m.size {
		panic("attempted to write past the end of a staging block")
	}

	mapped := unsafe.Slice((*byte)(m.mappedData), m.size)
	copy(mapped[offset:], data)

	m.flushWrite(offset, len(data))
}

// flushWrite flushes the written range for non-coherent staging memory. Coherent
// memory types need no flush.
func (m *transferMemory) flushWrite(offset, byteLength int) {
	atomSize := m.parentDevice.nonCoherentAtomSize
	if atomSize <= 1 || byteLength == 0 {
		return
	}

	flushOffset := stage.AlignDown(offset, uint(atomSize))
	flushSize := stage.AlignUp(byteLength+(offset-flushOffset), uint(atomSize))

	_, err := m.parentDevice.device.FlushMappedMemoryRanges([]core1_0.MappedMemoryRange{
		{
			Memory: m.memory,
			Offset: flushOffset,
			Size:   flushSize,
		},
	})
	if err != nil {
		panic(errors.Wrap(err, "failed to flush a staging write on non-coherent memory"))
	}
}

func (m *transferMemory) RequestRemap(onComplete func()) error {
	return m.parentDevice.registerRemap(onComplete)
}

func (m *transferMemory) Destroy() {
	m.memory.Unmap()
	m.buffer.Destroy(m.parentDevice.allocationCallbacks)
	m.memory.Free(m.parentDevice.allocationCallbacks)
	m.mappedData = nil
}
