package stage

import (
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
)

// Statistics are lightweight counters aggregated across pools and streams.
type Statistics struct {
	BlockCount      int
	ReadyBlockCount int
	BlockBytes      int
	UpdateCount     int
	UpdateBytes     int
	SubmitCount     int
	LostBlockCount  int
}

func (s *Statistics) Clear() {
	s.BlockCount = 0
	s.ReadyBlockCount = 0
	s.BlockBytes = 0
	s.UpdateCount = 0
	s.UpdateBytes = 0
	s.SubmitCount = 0
	s.LostBlockCount = 0
}

func (s *Statistics) AddStatistics(other *Statistics) {
	s.BlockCount += other.BlockCount
	s.ReadyBlockCount += other.ReadyBlockCount
	s.BlockBytes += other.BlockBytes
	s.UpdateCount += other.UpdateCount
	s.UpdateBytes += other.UpdateBytes
	s.SubmitCount += other.SubmitCount
	s.LostBlockCount += other.LostBlockCount
}

// DetailedStatistics extend Statistics with counters that only matter for diagnosing
// pool growth, at a small aggregation cost.
type DetailedStatistics struct {
	Statistics
	CreatedBlockCount int
	PeakBlockCount    int
}

func (s *DetailedStatistics) Clear() {
	s.Statistics.Clear()
	s.CreatedBlockCount = 0
	s.PeakBlockCount = 0
}

func (s *DetailedStatistics) AddDetailedStatistics(other *DetailedStatistics) {
	s.Statistics.AddStatistics(&other.Statistics)
	s.CreatedBlockCount += other.CreatedBlockCount

	if other.PeakBlockCount > s.PeakBlockCount {
		s.PeakBlockCount = other.PeakBlockCount
	}
}

func (s *DetailedStatistics) printJSON(json *jwriter.ObjectState) {
	json.Name("BlockCount").Int(s.BlockCount)
	json.Name("ReadyBlockCount").Int(s.ReadyBlockCount)
	json.Name("BlockBytes").Int(s.BlockBytes)
	json.Name("UpdateCount").Int(s.UpdateCount)
	json.Name("UpdateBytes").Int(s.UpdateBytes)
	json.Name("LostBlockCount").Int(s.LostBlockCount)
	json.Name("CreatedBlockCount").Int(s.CreatedBlockCount)
	json.Name("PeakBlockCount").Int(s.PeakBlockCount)
}
