package stage

import (
	"github.com/cockroachdb/errors"
	"golang.org/x/exp/slog"
)

// UploadStream is the per-destination-resource façade of this package. Every update to
// the destination passes through a checked-out transfer block; the destination is
// never written directly. All updates to a stream are the same byte length, so every
// block in the stream's pool is that exact size.
type UploadStream struct {
	logger    *slog.Logger
	pool      blockPool
	submitter *CopySubmitter

	parentUploader    *Uploader
	destination       DestinationResource
	elementByteLength int
	dstOffset         int

	updateCount int
	updateBytes int

	id   int
	name string
	prev *UploadStream
	next *UploadStream
}

func (s *UploadStream) SetName(name string) {
	s.logger.Debug("UploadStream::SetName")

	s.name = name
}

func (s *UploadStream) setID(id int) error {
	if s.id != 0 {
		return errors.New("attempted to set id on an upload stream that already has one")
	}
	s.id = id
	return nil
}

func (s *UploadStream) ID() int {
	return s.id
}

func (s *UploadStream) Name() string {
	return s.name
}

func (s *UploadStream) ElementByteLength() int {
	return s.elementByteLength
}

// Update stages data and enqueues a copy into the stream's destination at the stream's
// fixed destination offset. See UpdateAt.
func (s *UploadStream) Update(data []byte) error {
	return s.UpdateAt(s.dstOffset, data)
}

// UpdateAt stages data and enqueues a copy into the stream's destination at the
// provided offset. After UpdateAt returns, the destination will reflect data once the
// next flushed batch is processed by the device, and no earlier: there is no
// synchronous completion guarantee. Updates issued in call order reach the destination
// in call order, and two updates to the same offset within one tick resolve to the
// later update's bytes.
//
// data must be exactly the stream's element byte length; anything else is a caller
// programming error reported as ErrInvalidArgument with no write, no enqueued copy,
// and no pool mutation. The first few calls on a fresh stream may observe a latency
// spike while the pool's working set is created; see StreamCreateInfo.MinBlockCount.
func (s *UploadStream) UpdateAt(dstOffset int, data []byte) error {
	s.logger.Debug("UploadStream::UpdateAt")

	if len(data) != s.elementByteLength {
		return errors.Wrapf(ErrInvalidArgument,
			"update data is %d bytes, but this stream accepts exactly %d-byte updates", len(data), s.elementByteLength)
	}
	if dstOffset < 0 {
		return errors.Wrapf(ErrInvalidArgument, "destination offset %d is negative", dstOffset)
	}

	block, err := s.pool.acquire()
	if err != nil {
		return err
	}

	block.memory.Write(0, data)

	err = s.submitter.EnqueueCopy(block.memory, s.destination, dstOffset, len(data))
	if err != nil {
		// No copy references the block, so it can go straight back into circulation.
		s.pool.restore(block)
		return err
	}

	s.pool.release(block)

	s.pool.mutex.Lock()
	s.updateCount++
	s.updateBytes += len(data)
	s.pool.mutex.Unlock()

	DebugValidate(&s.pool)

	return nil
}

// Destroy tears the stream down, releasing every block its pool owns. It fails when
// blocks are still attached to outstanding transfers; flush the uploader and let the
// device's completion notifications drain before destroying a stream.
func (s *UploadStream) Destroy() error {
	s.logger.Debug("UploadStream::Destroy")

	s.parentUploader.streamsMutex.Lock()
	defer s.parentUploader.streamsMutex.Unlock()

	return s.destroyAfterLock()
}

func (s *UploadStream) destroyAfterLock() error {
	err := s.pool.Destroy()
	if err != nil {
		return err
	}

	next := s.next
	if s.next != nil {
		s.next.prev = s.prev
	}
	if s.prev != nil {
		s.prev.next = next
	}

	if s.parentUploader.streams == s {
		s.parentUploader.streams = next
	}

	return nil
}

func (s *UploadStream) AddStatistics(stats *Statistics) {
	s.pool.AddStatistics(stats)

	s.pool.mutex.RLock()
	defer s.pool.mutex.RUnlock()

	stats.UpdateCount += s.updateCount
	stats.UpdateBytes += s.updateBytes
}

func (s *UploadStream) AddDetailedStatistics(stats *DetailedStatistics) {
	s.pool.AddDetailedStatistics(stats)

	s.pool.mutex.RLock()
	defer s.pool.mutex.RUnlock()

	stats.UpdateCount += s.updateCount
	stats.UpdateBytes += s.updateBytes
}
