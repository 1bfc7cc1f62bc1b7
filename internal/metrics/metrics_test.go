package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := New(reg)
	require.NoError(t, err)

	c.Transition("running")
	c.Transition("running")
	c.Transition("saving")
	c.ObserveOperation("save", time.Now(), nil)
	c.ObserveOperation("save", time.Now(), errors.New("boom"))
	c.SnapshotSize("default", 4096)
	c.StorageUsage(1 << 20)

	assert.Equal(t, 2.0, promtest.ToFloat64(c.transitions.WithLabelValues("running")))
	assert.Equal(t, 1.0, promtest.ToFloat64(c.transitions.WithLabelValues("saving")))
	assert.Equal(t, 4096.0, promtest.ToFloat64(c.snapshotBytes.WithLabelValues("default")))
	assert.Equal(t, float64(1<<20), promtest.ToFloat64(c.storageUsage))
	assert.Equal(t, 2, promtest.CollectAndCount(c.durations))
}

func TestCollectorDoubleRegister(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := New(reg)
	require.NoError(t, err)
	_, err = New(reg)
	assert.Error(t, err)
}

func TestNilCollector(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.Transition("running")
		c.ObserveOperation("start", time.Now(), nil)
		c.SnapshotSize("x", 1)
		c.StorageUsage(1)
	})
}

func TestHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := New(reg)
	require.NoError(t, err)
	c.Transition("stopped")

	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), `vmworkbench_status_transitions_total{to="stopped"} 1`))
}
