package metrics

import (
	"io"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCollector() *Collector {
	return NewCollector(prometheus.NewRegistry())
}

func TestNewCollector(t *testing.T) {
	collector := newTestCollector()

	assert.NotNil(t, collector)
	assert.NotNil(t, collector.tasksSubmitted)
	assert.NotNil(t, collector.tasksFinished)
	assert.NotNil(t, collector.routingDecisions)
	assert.NotNil(t, collector.taskLatency)
	assert.NotNil(t, collector.nodes)
	assert.NotNil(t, collector.hiveJobs)
}

func TestNewCollectorDefaultRegisterer(t *testing.T) {
	// Reset Prometheus registry to avoid duplicate registration
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	assert.NotPanics(t, func() { NewCollector(nil) })
}

func TestTaskCounters(t *testing.T) {
	c := newTestCollector()

	for i := 0; i < 3; i++ {
		c.RecordSubmitted()
	}
	c.RecordFinished("COMPLETED", 0.2)
	c.RecordFinished("FAILED", 0.1)
	c.RecordFinished("ABORTED", 0)

	assert.Equal(t, 3.0, testutil.ToFloat64(c.tasksSubmitted))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.tasksFinished.WithLabelValues("COMPLETED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.tasksFinished.WithLabelValues("ABORTED")))
	assert.Equal(t, 1, testutil.CollectAndCount(c.taskLatency))
}

func TestRoutingAndViolations(t *testing.T) {
	c := newTestCollector()

	c.RecordRouting("local", "cost guard fallback")
	c.RecordRouting("local", "cost guard fallback")
	c.RecordRouting("cloud", "hybrid: complex task")
	c.RecordViolation("shell.exec")
	c.RecordDispatch("nexus")

	assert.Equal(t, 2.0, testutil.ToFloat64(c.routingDecisions.WithLabelValues("local", "cost guard fallback")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.violations.WithLabelValues("shell.exec")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.dispatches.WithLabelValues("nexus")))
}

func TestGauges(t *testing.T) {
	c := newTestCollector()

	c.UpdateQueueStats(7, 2)
	c.SetAutonomyLevel(20)
	c.SetPaidMode(true)
	c.SetRecoveryTime(1.5)
	c.SetNodeCounts(map[string]int{"ACTIVE": 2, "OFFLINE": 1})

	assert.Equal(t, 7.0, testutil.ToFloat64(c.tasksPending))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.tasksProcessing))
	assert.Equal(t, 20.0, testutil.ToFloat64(c.autonomyLevel))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.paidMode))
	assert.Equal(t, 1.5, testutil.ToFloat64(c.recoveryTime))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.nodes.WithLabelValues("ACTIVE")))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.nodes.WithLabelValues("DEGRADED")))

	c.SetPaidMode(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(c.paidMode))
}

func TestDistributedCounters(t *testing.T) {
	c := newTestCollector()
	c.RecordRemoteExecution("timeout")
	c.RecordHiveJob("enqueued")
	c.RecordHiveJob("enqueued")
	c.RecordHiveJob("dead")
	c.RecordPersistenceError()

	assert.Equal(t, 1.0, testutil.ToFloat64(c.remoteExecs.WithLabelValues("timeout")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.hiveJobs.WithLabelValues("enqueued")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.persistenceErrors))
}

func TestMetricMethodsWithNilCollector(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.RecordSubmitted()
		c.RecordFinished("FAILED", 1)
		c.RecordViolation("x")
		c.RecordRouting("local", "r")
		c.RecordDispatch("local")
		c.RecordPersistenceError()
		c.SetRecoveryTime(1)
		c.UpdateQueueStats(1, 1)
		c.SetAutonomyLevel(10)
		c.SetPaidMode(true)
		c.SetNodeCounts(nil)
		c.RecordRemoteExecution("ok")
		c.RecordHiveJob("acked")
	})
}

func TestCollectorIsolation(t *testing.T) {
	c1 := newTestCollector()
	c2 := newTestCollector()

	c1.RecordSubmitted()
	assert.Equal(t, 1.0, testutil.ToFloat64(c1.tasksSubmitted))
	assert.Equal(t, 0.0, testutil.ToFloat64(c2.tasksSubmitted))
}

func TestConcurrentMetricUpdates(t *testing.T) {
	c := newTestCollector()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.RecordSubmitted()
				c.RecordFinished("COMPLETED", 0.01)
				c.UpdateQueueStats(j, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1000.0, testutil.ToFloat64(c.tasksSubmitted))
}

func TestHandlerServesRegistry(t *testing.T) {
	c := newTestCollector()
	c.RecordSubmitted()

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Result().Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "venom_tasks_submitted_total 1")
}
