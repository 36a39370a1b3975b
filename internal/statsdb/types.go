package statsdb

import "time"

// HistoryMax is the number of points kept for the dashboard charts.
const HistoryMax = 40

// Sample is one successful relay metrics read (input to RecordSample).
type Sample struct {
	At               time.Time
	BytesUploaded    int64
	BytesDownloaded  int64
	ConnectedClients int64
	// Interval is the time the connected count is assumed to cover.
	Interval time.Duration
}

// Totals is the persisted cumulative view across relay restarts.
type Totals struct {
	LifetimeUp         int64
	LifetimeDown       int64
	Day                string // UTC, YYYY-MM-DD
	ClientSecondsToday float64
	PeakClientsToday   int64
}

// ClientHoursToday converts accumulated client-seconds to hours.
func (t Totals) ClientHoursToday() float64 {
	return t.ClientSecondsToday / 3600
}

// HistoryPoint is one chart sample: the relay's session counters and the
// lifetime totals at the same moment.
type HistoryPoint struct {
	AtUnix       int64
	SessionUp    int64
	SessionDown  int64
	LifetimeUp   int64
	LifetimeDown int64
}
