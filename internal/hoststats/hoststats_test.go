package hoststats

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLine(t *testing.T) {
	s := Stats{
		CPUPercent: 12.4, HasCPU: true,
		MemPercent: 40.2, HasMem: true,
		Load1: 0.5234, HasLoad: true,
	}
	assert.Equal(t, "Host: CPU 12% · RAM 40% · Load 0.52", s.Line())
	assert.Equal(t, "", Stats{}.Line())
}

func TestCollect(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s, err := Collect(ctx, "/")
	if err != nil {
		t.Skipf("host probes unavailable: %v", err)
	}
	if s.HasMem {
		assert.GreaterOrEqual(t, s.MemPercent, 0.0)
		assert.LessOrEqual(t, s.MemPercent, 100.0)
	}
	assert.NotEmpty(t, s.Line()+s.Uptime.String())
}
