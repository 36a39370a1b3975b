// Package conduit reads the relay's Prometheus metrics endpoint.
package conduit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"github.com/prometheus/common/model"
)

// Metric family names exposed by the relay.
const (
	MetricConnectedClients  = "conduit_connected_clients"
	MetricConnectingClients = "conduit_connecting_clients"
	MetricBytesUploaded     = "conduit_bytes_uploaded"
	MetricBytesDownloaded   = "conduit_bytes_downloaded"
	MetricUptimeSeconds     = "conduit_uptime_seconds"
	MetricIsLive            = "conduit_is_live"
	MetricMaxClients        = "conduit_max_clients"
	MetricBandwidthLimit    = "conduit_bandwidth_limit_bytes_per_second"
)

var requiredMetrics = []string{
	MetricConnectedClients,
	MetricBytesUploaded,
	MetricBytesDownloaded,
	MetricUptimeSeconds,
}

const maxPayload = 4 << 20

// Snapshot is one parsed read of the metrics endpoint. It is never mutated
// after Fetch returns it.
type Snapshot struct {
	ConnectedClients  int64     `json:"connected_clients"`
	ConnectingClients int64     `json:"connecting_clients"`
	BytesUploaded     int64     `json:"bytes_uploaded"`
	BytesDownloaded   int64     `json:"bytes_downloaded"`
	UptimeSeconds     int64     `json:"uptime_seconds"`
	Live              bool      `json:"live"`
	MaxClients        int64     `json:"max_clients,omitempty"`
	BandwidthLimitBps int64     `json:"bandwidth_limit_bps,omitempty"` // 0 means unlimited
	FetchedAt         time.Time `json:"fetched_at"`
}

// Age reports how long ago the snapshot was taken.
func (s *Snapshot) Age(now time.Time) time.Duration {
	return now.Sub(s.FetchedAt)
}

// Reason tags a failed fetch.
type Reason string

const (
	ReasonUnreachable Reason = "unreachable"
	ReasonParseError  Reason = "parse_error"
)

// FetchError is returned by Fetch for every failure. It is a soft failure:
// callers fall back to the last good snapshot.
type FetchError struct {
	Reason Reason
	Err    error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("conduit: metrics %s: %v", e.Reason, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// ReasonOf extracts the reason tag from err, or "" when err is not a FetchError.
func ReasonOf(err error) Reason {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Reason
	}
	return ""
}

// Client polls a fixed metrics URL with a bounded timeout.
type Client struct {
	url     string
	timeout time.Duration
	http    *http.Client
	now     func() time.Time
}

func NewClient(url string, timeout time.Duration) *Client {
	return &Client{
		url:     url,
		timeout: timeout,
		http:    &http.Client{Timeout: timeout},
		now:     time.Now,
	}
}

// Fetch performs one GET against the metrics endpoint. The returned error,
// if any, is always a *FetchError.
func (c *Client) Fetch(ctx context.Context) (*Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, &FetchError{Reason: ReasonUnreachable, Err: fmt.Errorf("creating request: %w", err)}
	}
	req.Header.Set("Accept", "text/plain")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &FetchError{Reason: ReasonUnreachable, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxPayload))
		return nil, &FetchError{Reason: ReasonUnreachable, Err: fmt.Errorf("unexpected status code: %d", resp.StatusCode)}
	}

	snap, err := Parse(io.LimitReader(resp.Body, maxPayload), c.now())
	if err != nil {
		if ctx.Err() != nil {
			return nil, &FetchError{Reason: ReasonUnreachable, Err: ctx.Err()}
		}
		return nil, &FetchError{Reason: ReasonParseError, Err: err}
	}
	return snap, nil
}

// Parse decodes a Prometheus text exposition. Unknown families are ignored,
// samples of a labelled family are summed, and every value must be a finite
// non-negative number.
func Parse(r io.Reader, fetchedAt time.Time) (*Snapshot, error) {
	parser := expfmt.NewTextParser(model.UTF8Validation)
	families, err := parser.TextToMetricFamilies(r)
	if err != nil {
		return nil, fmt.Errorf("parsing exposition: %w", err)
	}

	for _, name := range requiredMetrics {
		if _, ok := families[name]; !ok {
			return nil, fmt.Errorf("missing required metric %s", name)
		}
	}

	values := make(map[string]float64, len(families))
	for _, name := range []string{
		MetricConnectedClients, MetricConnectingClients,
		MetricBytesUploaded, MetricBytesDownloaded,
		MetricUptimeSeconds, MetricIsLive,
		MetricMaxClients, MetricBandwidthLimit,
	} {
		mf, ok := families[name]
		if !ok {
			continue
		}
		v, err := familyValue(mf)
		if err != nil {
			return nil, fmt.Errorf("metric %s: %w", name, err)
		}
		values[name] = v
	}

	return &Snapshot{
		ConnectedClients:  int64(values[MetricConnectedClients]),
		ConnectingClients: int64(values[MetricConnectingClients]),
		BytesUploaded:     int64(values[MetricBytesUploaded]),
		BytesDownloaded:   int64(values[MetricBytesDownloaded]),
		UptimeSeconds:     int64(values[MetricUptimeSeconds]),
		Live:              values[MetricIsLive] >= 0.5,
		MaxClients:        int64(values[MetricMaxClients]),
		BandwidthLimitBps: int64(values[MetricBandwidthLimit]),
		FetchedAt:         fetchedAt,
	}, nil
}

func familyValue(mf *dto.MetricFamily) (float64, error) {
	if len(mf.GetMetric()) == 0 {
		return 0, errors.New("no samples")
	}
	var sum float64
	for _, m := range mf.GetMetric() {
		var v float64
		switch mf.GetType() {
		case dto.MetricType_GAUGE:
			v = m.GetGauge().GetValue()
		case dto.MetricType_COUNTER:
			v = m.GetCounter().GetValue()
		case dto.MetricType_UNTYPED:
			v = m.GetUntyped().GetValue()
		default:
			return 0, fmt.Errorf("unsupported metric type %s", mf.GetType())
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, fmt.Errorf("non-finite value %v", v)
		}
		if v < 0 {
			return 0, fmt.Errorf("negative value %v", v)
		}
		sum += v
	}
	return sum, nil
}
