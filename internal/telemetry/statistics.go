package telemetry

// Statistics aggregates one metric over a session
type Statistics struct {
	Latest  float64
	Min     float64
	Max     float64
	Average float64
	Count   int
}

// Add folds v into the statistics
func (s *Statistics) Add(v float64) {
	if s.Count == 0 {
		s.Min, s.Max = v, v
	} else {
		s.Min = min(s.Min, v)
		s.Max = max(s.Max, v)
	}
	s.Count++
	s.Latest = v
	s.Average += (v - s.Average) / float64(s.Count)
}

func (s Statistics) HasData() bool {
	return s.Count > 0
}
