package stage

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewRequiresLoggerAndDevice(t *testing.T) {
	device := &fakeDevice{}

	_, err := New(nil, device, CreateOptions{})
	require.Error(t, err)

	_, err = New(testLogger(), nil, CreateOptions{})
	require.Error(t, err)
}

func TestCreateUploadStreamValidation(t *testing.T) {
	device := &fakeDevice{}
	uploader := readyUploader(t, device)
	resource := &fakeResource{data: make([]byte, 64), transferDst: true}

	_, err := uploader.CreateUploadStream(StreamCreateInfo{
		ElementByteLength: 64,
	})
	require.ErrorIs(t, err, ErrInvalidArgument)

	_, err = uploader.CreateUploadStream(StreamCreateInfo{
		Destination:       resource,
		ElementByteLength: 0,
	})
	require.ErrorIs(t, err, ErrInvalidArgument)

	_, err = uploader.CreateUploadStream(StreamCreateInfo{
		Destination:       resource,
		ElementByteLength: 64,
		DstOffset:         -1,
	})
	require.ErrorIs(t, err, ErrInvalidArgument)

	_, err = uploader.CreateUploadStream(StreamCreateInfo{
		Destination:       resource,
		ElementByteLength: 64,
		MinBlockCount:     3,
		MaxBlockCount:     2,
	})
	require.Error(t, err)

	// The destination must hold the stream's whole element at its offset.
	_, err = uploader.CreateUploadStream(StreamCreateInfo{
		Destination:       resource,
		ElementByteLength: 64,
		DstOffset:         1,
	})
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestUploaderTracksStreams(t *testing.T) {
	device := &fakeDevice{}
	uploader := readyUploader(t, device)

	streams := make([]*UploadStream, 3)
	for i := 0; i < 3; i++ {
		stream, err := uploader.CreateUploadStream(StreamCreateInfo{
			Destination:       &fakeResource{data: make([]byte, 64), transferDst: true},
			ElementByteLength: 64,
			MinBlockCount:     1,
		})
		require.NoError(t, err)
		require.Equal(t, i+1, stream.ID())
		streams[i] = stream
	}

	stats := uploader.CalculateStatistics()
	require.Equal(t, 3, stats.BlockCount)

	// Removing the middle stream must not disturb the others.
	require.NoError(t, streams[1].Destroy())
	stats = uploader.CalculateStatistics()
	require.Equal(t, 2, stats.BlockCount)
	require.Equal(t, 2, device.liveBlocks)

	require.NoError(t, uploader.Destroy())
	require.Equal(t, 0, device.liveBlocks)
}

func TestUploaderFlushCoversAllStreams(t *testing.T) {
	device := &fakeDevice{}
	uploader := readyUploader(t, device)

	first, err := uploader.CreateUploadStream(StreamCreateInfo{
		Destination:       &fakeResource{data: make([]byte, 64), transferDst: true},
		ElementByteLength: 64,
	})
	require.NoError(t, err)
	second, err := uploader.CreateUploadStream(StreamCreateInfo{
		Destination:       &fakeResource{data: make([]byte, 32), transferDst: true},
		ElementByteLength: 32,
	})
	require.NoError(t, err)

	require.NoError(t, first.Update(patternBytes(64, 0x01)))
	require.NoError(t, second.Update(patternBytes(32, 0x02)))

	// One tick, one submission, regardless of how many streams recorded copies.
	require.NoError(t, uploader.Flush())
	require.Equal(t, 1, device.submitted)

	device.completeRemaps()
	require.NoError(t, uploader.Destroy())
}

func TestUploaderDetailedStatistics(t *testing.T) {
	device := &fakeDevice{}
	uploader := readyUploader(t, device)

	stream, err := uploader.CreateUploadStream(StreamCreateInfo{
		Destination:       &fakeResource{data: make([]byte, 64), transferDst: true},
		ElementByteLength: 64,
	})
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		require.NoError(t, stream.Update(patternBytes(64, byte(i))))
	}
	require.NoError(t, uploader.Flush())
	device.completeRemaps()

	require.NoError(t, stream.Update(patternBytes(64, 0xFF)))
	require.NoError(t, uploader.Flush())
	device.completeRemaps()

	stats := uploader.CalculateDetailedStatistics()
	require.Equal(t, 5, stats.UpdateCount)
	require.Equal(t, 320, stats.UpdateBytes)
	require.Equal(t, 2, stats.SubmitCount)
	require.Equal(t, 4, stats.CreatedBlockCount)
	require.Equal(t, 4, stats.PeakBlockCount)
	require.Equal(t, 4, stats.BlockCount)
	require.Equal(t, 4, stats.ReadyBlockCount)

	require.NoError(t, uploader.Destroy())
}

func TestBuildStatsString(t *testing.T) {
	device := &fakeDevice{}
	uploader := readyUploader(t, device)

	stream, err := uploader.CreateUploadStream(StreamCreateInfo{
		Destination:       &fakeResource{data: make([]byte, 64), transferDst: true},
		ElementByteLength: 64,
		Name:              "mesh-instances",
	})
	require.NoError(t, err)

	require.NoError(t, stream.Update(patternBytes(64, 0x10)))
	require.NoError(t, uploader.Flush())
	device.completeRemaps()

	var parsed map[string]json.RawMessage
	require.NoError(t, json.Unmarshal([]byte(uploader.BuildStatsString(false)), &parsed))
	require.Contains(t, parsed, "General")
	require.NotContains(t, parsed, "Streams")

	var general map[string]int
	require.NoError(t, json.Unmarshal(parsed["General"], &general))
	require.Equal(t, 1, general["UpdateCount"])
	require.Equal(t, 64, general["UpdateBytes"])
	require.Equal(t, 1, general["SubmitCount"])
	require.Equal(t, 1, general["BlockCount"])

	require.NoError(t, json.Unmarshal([]byte(uploader.BuildStatsString(true)), &parsed))
	require.Contains(t, parsed, "Streams")

	var streamsMap map[string]map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(parsed["Streams"], &streamsMap))
	require.Contains(t, streamsMap, "1")
	require.Contains(t, streamsMap["1"], "Name")
	require.Contains(t, streamsMap["1"], "ElementByteLength")

	require.NoError(t, uploader.Destroy())
}

func TestUploaderExternallySynchronized(t *testing.T) {
	device := &fakeDevice{}
	uploader, err := New(testLogger(), device, CreateOptions{
		Flags: UploaderCreateExternallySynchronized,
	})
	require.NoError(t, err)

	stream, err := uploader.CreateUploadStream(StreamCreateInfo{
		Destination:       &fakeResource{data: make([]byte, 64), transferDst: true},
		ElementByteLength: 64,
	})
	require.NoError(t, err)

	require.NoError(t, stream.Update(patternBytes(64, 0x42)))
	require.NoError(t, uploader.Flush())
	device.completeRemaps()

	require.NoError(t, uploader.Destroy())
}
