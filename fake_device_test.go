package stage

import (
	"io"

	"github.com/cockroachdb/errors"
	"golang.org/x/exp/slog"
)

// The tests in this package drive the uploader against a scripted device. A mock
// controller cannot express what these tests need: remap completions have to fire at
// exact points in the middle of a test, and submitted copies have to actually land in
// destination bytes so ordering and last-write-wins are observable.

type fakeResource struct {
	data        []byte
	transferDst bool
}

type fakeCopy struct {
	src        *fakeMemory
	dst        *fakeResource
	dstOffset  int
	byteLength int
}

type fakeMemory struct {
	device    *fakeDevice
	data      []byte
	remapErr  error
	destroyed bool
}

func (m *fakeMemory) Write(offset int, data []byte) {
	if offset < 0 || offset+len(data) > len(m.data) {
		panic("write outside fake block bounds")
	}
	copy(m.data[offset:], data)
}

func (m *fakeMemory) RequestRemap(onComplete func()) error {
	if m.remapErr != nil {
		return m.remapErr
	}

	m.device.pendingRemaps = append(m.device.pendingRemaps, onComplete)
	return nil
}

func (m *fakeMemory) Destroy() {
	if m.destroyed {
		panic("fake block destroyed twice")
	}
	m.destroyed = true
	m.device.liveBlocks--
}

type fakeDevice struct {
	createErr            error
	enqueueErr           error
	submitErr            error
	remapErr             error
	skipDestinationCheck bool

	createdBlocks int
	liveBlocks    int
	submitted     int
	recorded      []fakeCopy
	pendingRemaps []func()
}

func (d *fakeDevice) CreateTransferBlock(byteLength int) (TransferMemory, error) {
	if d.createErr != nil {
		return nil, d.createErr
	}

	d.createdBlocks++
	d.liveBlocks++
	return &fakeMemory{
		device:   d,
		data:     make([]byte, byteLength),
		remapErr: d.remapErr,
	}, nil
}

func (d *fakeDevice) EnqueueCopy(src TransferMemory, dst DestinationResource, dstOffset, byteLength int) error {
	if d.enqueueErr != nil {
		return d.enqueueErr
	}

	resource := dst.(*fakeResource)
	if !resource.transferDst {
		return errors.Wrap(ErrIncompatibleResource, "fake resource does not accept transfer copies")
	}
	if dstOffset+byteLength > len(resource.data) {
		return errors.Wrapf(ErrInvalidArgument, "copy of %d bytes at offset %d overruns a %d-byte fake resource", byteLength, dstOffset, len(resource.data))
	}

	d.recorded = append(d.recorded, fakeCopy{
		src:        src.(*fakeMemory),
		dst:        resource,
		dstOffset:  dstOffset,
		byteLength: byteLength,
	})
	return nil
}

// SubmitBatch applies the recorded copies to destination bytes in record order, the
// way a transfer queue consumes one command buffer.
func (d *fakeDevice) SubmitBatch() error {
	if d.submitErr != nil {
		return d.submitErr
	}

	for _, pendingCopy := range d.recorded {
		copy(pendingCopy.dst.data[pendingCopy.dstOffset:], pendingCopy.src.data[:pendingCopy.byteLength])
	}
	d.recorded = nil
	d.submitted++
	return nil
}

func (d *fakeDevice) CheckDestination(dst DestinationResource, byteLength int) error {
	if d.skipDestinationCheck {
		return nil
	}

	resource, ok := dst.(*fakeResource)
	if !ok {
		return errors.Wrap(ErrIncompatibleResource, "fake device received an unknown destination type")
	}
	if !resource.transferDst {
		return errors.Wrap(ErrIncompatibleResource, "fake resource does not accept transfer copies")
	}
	if byteLength > len(resource.data) {
		return errors.Wrapf(ErrInvalidArgument, "%d bytes do not fit a %d-byte fake resource", byteLength, len(resource.data))
	}
	return nil
}

// completeRemaps plays the part of one completion poll: every remap requested so far
// fires, in request order.
func (d *fakeDevice) completeRemaps() {
	remaps := d.pendingRemaps
	d.pendingRemaps = nil

	for _, onComplete := range remaps {
		onComplete()
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard))
}
