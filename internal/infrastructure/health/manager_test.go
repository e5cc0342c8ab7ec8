package health

import (
	"fmt"
	"testing"

	"signal_router/internal/core"
	"signal_router/pkg/logging"

	"github.com/stretchr/testify/assert"
)

var _ core.IHealthMonitor = (*Manager)(nil)

func TestManager_Aggregation(t *testing.T) {
	hm := NewManager(nil)
	assert.True(t, hm.IsHealthy(), "no checks means healthy")

	hm.Register("worker", func() error { return nil })
	assert.True(t, hm.IsHealthy())

	hm.Register("database", func() error { return fmt.Errorf("failed") })
	hm.Register("reconciler", func() error { return fmt.Errorf("last run failed") })
	assert.False(t, hm.IsHealthy())

	status := hm.GetStatus()
	assert.Equal(t, "Healthy", status["worker"])
	assert.Equal(t, "Unhealthy: failed", status["database"])

	r := hm.Evaluate()
	assert.Equal(t, []string{"database", "reconciler"}, r.Failing)
}

func TestManager_RegisterReplaces(t *testing.T) {
	hm := NewManager(logging.NewNopLogger())
	hm.Register("worker", func() error { return fmt.Errorf("stopped") })
	hm.Register("worker", func() error { return nil })

	assert.True(t, hm.IsHealthy())
	assert.Len(t, hm.GetStatus(), 1)
}
