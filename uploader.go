package stage

import (
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/stage/internal/utils"
	"golang.org/x/exp/slog"
)

// Uploader is the root object of this package. It owns the device layer handle, the
// copy submitter, and every upload stream created from it, and is the object the tick
// loop drives: updates go to individual streams, Flush is called once per tick.
type Uploader struct {
	useMutex bool
	logger   *slog.Logger
	device   TransferDevice

	createFlags CreateFlags
	submitter   CopySubmitter

	nextStreamId int
	streamsMutex utils.OptionalRWMutex
	streams      *UploadStream
}

// CreateUploadStream creates a stream that updates one destination resource. The
// destination's compatibility is checked here when the device layer can detect it;
// otherwise the first update surfaces the failure.
func (u *Uploader) CreateUploadStream(createInfo StreamCreateInfo) (*UploadStream, error) {
	u.logger.Debug("Uploader::CreateUploadStream",
		slog.String("Name", createInfo.Name),
		slog.Int("ElementByteLength", createInfo.ElementByteLength),
	)

	if createInfo.Destination == nil {
		return nil, errors.Wrap(ErrInvalidArgument, "attempted to create an upload stream with a nil destination")
	}
	if createInfo.ElementByteLength < 1 {
		return nil, errors.Wrapf(ErrInvalidArgument, "provided ElementByteLength %d is not a positive byte length", createInfo.ElementByteLength)
	}
	if createInfo.DstOffset < 0 {
		return nil, errors.Wrapf(ErrInvalidArgument, "provided DstOffset %d is negative", createInfo.DstOffset)
	}
	if createInfo.MaxBlockCount != 0 && createInfo.MinBlockCount > createInfo.MaxBlockCount {
		return nil, errors.Newf("provided MinBlockCount %d was greater than provided MaxBlockCount %d", createInfo.MinBlockCount, createInfo.MaxBlockCount)
	}

	err := u.device.CheckDestination(createInfo.Destination, createInfo.DstOffset+createInfo.ElementByteLength)
	if err != nil {
		return nil, errors.Wrap(err, "the provided destination cannot back an upload stream")
	}

	stream := &UploadStream{
		logger:            u.logger,
		submitter:         &u.submitter,
		parentUploader:    u,
		destination:       createInfo.Destination,
		elementByteLength: createInfo.ElementByteLength,
		dstOffset:         createInfo.DstOffset,
		name:              createInfo.Name,
	}
	stream.pool.Init(
		u.useMutex,
		u.logger,
		u.device,
		stream,
		createInfo.ElementByteLength,
		createInfo.MaxBlockCount,
	)

	err = stream.pool.createMinBlocks(createInfo.MinBlockCount)
	if err != nil {
		destroyErr := stream.pool.Destroy()
		if destroyErr != nil {
			u.logger.Error("error attempting to destroy stream pool after creation failure", slog.Any("error", destroyErr))
		}
		return nil, err
	}

	u.streamsMutex.Lock()
	defer u.streamsMutex.Unlock()

	u.nextStreamId++
	err = stream.setID(u.nextStreamId)
	if err != nil {
		destroyErr := stream.pool.Destroy()
		if destroyErr != nil {
			u.logger.Error("error attempting to destroy stream pool after failing to set id", slog.Any("error", destroyErr))
		}
		return nil, err
	}

	stream.next = u.streams
	if u.streams != nil {
		u.streams.prev = stream
	}
	u.streams = stream

	return stream, nil
}

// Flush marks the end of one tick: every copy recorded since the previous Flush is
// submitted to the device queue as a single batch. It is a no-op when nothing was
// recorded.
func (u *Uploader) Flush() error {
	u.logger.Debug("Uploader::Flush")

	return u.submitter.Flush()
}

// Destroy tears down every stream this uploader created. It fails when any stream
// still has blocks attached to outstanding transfers.
func (u *Uploader) Destroy() error {
	u.logger.Debug("Uploader::Destroy")

	u.streamsMutex.Lock()
	defer u.streamsMutex.Unlock()

	for u.streams != nil {
		err := u.streams.destroyAfterLock()
		if err != nil {
			return err
		}
	}

	return nil
}

// CalculateStatistics aggregates lightweight counters across every live stream.
func (u *Uploader) CalculateStatistics() Statistics {
	u.logger.Debug("Uploader::CalculateStatistics")

	var stats Statistics
	stats.Clear()

	u.streamsMutex.RLock()
	defer u.streamsMutex.RUnlock()

	for stream := u.streams; stream != nil; stream = stream.next {
		stream.AddStatistics(&stats)
	}
	stats.SubmitCount = u.submitter.SubmitCount()

	return stats
}

// CalculateDetailedStatistics aggregates full counters, including peaks, across every
// live stream. It is slower than CalculateStatistics and intended for diagnostics.
func (u *Uploader) CalculateDetailedStatistics() DetailedStatistics {
	u.logger.Debug("Uploader::CalculateDetailedStatistics")

	var stats DetailedStatistics
	stats.Clear()

	u.streamsMutex.RLock()
	defer u.streamsMutex.RUnlock()

	for stream := u.streams; stream != nil; stream = stream.next {
		stream.AddDetailedStatistics(&stats)
	}
	stats.SubmitCount = u.submitter.SubmitCount()

	return stats
}

// BuildStatsString creates a JSON string with statistics info that can be used for
// offline analysis or debugging. When detailedMap is true, per-stream data is included.
func (u *Uploader) BuildStatsString(detailedMap bool) string {
	u.logger.Debug("Uploader::BuildStatsString")

	writer := jwriter.NewWriter()
	rootObj := writer.Object()

	stats := u.CalculateDetailedStatistics()

	generalObj := rootObj.Name("General").Object()
	generalObj.Name("BlockCount").Int(stats.BlockCount)
	generalObj.Name("ReadyBlockCount").Int(stats.ReadyBlockCount)
	generalObj.Name("BlockBytes").Int(stats.BlockBytes)
	generalObj.Name("UpdateCount").Int(stats.UpdateCount)
	generalObj.Name("UpdateBytes").Int(stats.UpdateBytes)
	generalObj.Name("SubmitCount").Int(stats.SubmitCount)
	generalObj.Name("LostBlockCount").Int(stats.LostBlockCount)
	generalObj.Name("CreatedBlockCount").Int(stats.CreatedBlockCount)
	generalObj.Name("PeakBlockCount").Int(stats.PeakBlockCount)
	generalObj.End()

	if detailedMap {
		u.printDetailedMap(&rootObj)
	}

	rootObj.End()
	return string(writer.Bytes())
}

func (u *Uploader) printDetailedMap(rootObj *jwriter.ObjectState) {
	streamsObj := rootObj.Name("Streams").Object()
	defer streamsObj.End()

	u.streamsMutex.RLock()
	defer u.streamsMutex.RUnlock()

	for stream := u.streams; stream != nil; stream = stream.next {
		streamObj := streamsObj.Name(strconv.Itoa(stream.id)).Object()

		if stream.name != "" {
			streamObj.Name("Name").String(stream.name)
		}
		streamObj.Name("ElementByteLength").Int(stream.elementByteLength)

		var streamStats DetailedStatistics
		streamStats.Clear()
		stream.AddDetailedStatistics(&streamStats)
		streamStats.printJSON(&streamObj)

		streamObj.End()
	}
}
