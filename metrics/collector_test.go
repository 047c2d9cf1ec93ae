package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewCollector(t *testing.T) {
	// 每个 Collector 自带 registry，重复创建不会冲突
	a := NewCollector("test", zap.NewNop())
	b := NewCollector("test", zap.NewNop())

	assert.NotNil(t, a.httpRequestsTotal)
	assert.NotNil(t, b.stageDuration)
	assert.NotSame(t, a.Registry(), b.Registry())
}

func TestCollector_RecordHTTPRequest(t *testing.T) {
	c := NewCollector("test", zap.NewNop())

	c.RecordHTTPRequest("POST", "/generate-3d", 200, 2*time.Second)
	c.RecordHTTPRequest("POST", "/generate-3d", 200, time.Second)
	c.RecordHTTPRequest("POST", "/generate-3d", 400, time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.httpRequestsTotal.WithLabelValues("POST", "/generate-3d", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.httpRequestsTotal.WithLabelValues("POST", "/generate-3d", "400")))
}

func TestCollector_PipelineMetrics(t *testing.T) {
	c := NewCollector("test", zap.NewNop())

	c.RecordStage("infer", 3*time.Second)
	c.RecordFailure("preprocess")
	c.RecordFailure("")
	c.RecordQueueWait(10 * time.Millisecond)
	c.RecordMesh(1200)
	c.DeviceAcquired()
	c.DeviceAcquired()
	c.DeviceReleased()

	assert.Equal(t, 1.0, testutil.ToFloat64(c.failuresTotal.WithLabelValues("preprocess")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.failuresTotal.WithLabelValues("unknown")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.inFlight))
	assert.Equal(t, 1, testutil.CollectAndCount(c.stageDuration))
}

func TestCollector_NilSafe(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.RecordHTTPRequest("GET", "/", 200, time.Millisecond)
		c.RecordStage("export", time.Millisecond)
		c.RecordFailure("export")
		c.RecordQueueWait(time.Millisecond)
		c.DeviceAcquired()
		c.DeviceReleased()
		c.RecordMesh(3)
	})
}

func TestCollector_Handler(t *testing.T) {
	c := NewCollector("image_to_3d", zap.NewNop())
	c.RecordFailure("inference")

	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `image_to_3d_pipeline_failures_total{kind="inference"} 1`)
}
