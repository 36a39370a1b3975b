package render

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHumanBytes(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{-5, "0 B"},
		{0, "0 B"},
		{1023, "1023 B"},
		{1024, "1.0 KB"},
		{1536, "1.5 KB"},
		{5 * 1024 * 1024, "5.0 MB"},
		{3 << 40, "3.0 TB"},
		{2048 << 40, "2048.0 TB"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, HumanBytes(tt.in), "HumanBytes(%d)", tt.in)
	}
}

func TestHumanDuration(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{42 * time.Second, "42s"},
		{7*time.Minute + 5*time.Second, "7m"},
		{2*time.Hour + time.Minute, "2h 1m"},
		{76 * time.Hour, "3d 4h"},
		{-time.Second, "0s"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, HumanDuration(tt.in))
	}
}

func TestBar(t *testing.T) {
	assert.Equal(t, "[░░░░░░░░░░]", Bar(0, 50, 10))
	assert.Equal(t, "[█████░░░░░]", Bar(25, 50, 10))
	assert.Equal(t, "[██████████]", Bar(80, 50, 10))
	assert.Equal(t, "[░░░░]", Bar(3, 0, 4))
}

func TestBandwidth(t *testing.T) {
	assert.Equal(t, "Unlimited", Bandwidth(-1))
	assert.Equal(t, "10 Mbps", Bandwidth(10))
}

func TestMinutesAgo(t *testing.T) {
	assert.Equal(t, "1 minute ago", minutesAgo(10*time.Second))
	assert.Equal(t, "1 minute ago", minutesAgo(90*time.Second))
	assert.Equal(t, "5 minutes ago", minutesAgo(5*time.Minute+30*time.Second))
}
