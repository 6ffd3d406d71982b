package metrics_test

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/CZERTAINLY/Conan/internal/metrics"
	"github.com/CZERTAINLY/Conan/internal/model"
	"github.com/CZERTAINLY/Conan/internal/pipeline"
	"github.com/CZERTAINLY/Conan/internal/task"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

type okProcess struct{}

func (okProcess) Name() string { return "validate" }

func (okProcess) Parameters() []pipeline.Parameter { return nil }

func (okProcess) Execute(context.Context, pipeline.Values) (bool, error) { return true, nil }

func TestMetrics(t *testing.T) {
	t.Parallel()
	m := metrics.New()

	p, err := pipeline.New("Load", model.User{Name: "admin"}, []pipeline.Process{okProcess{}})
	require.NoError(t, err)
	tk := task.New("t", p, nil, task.Low, model.User{Name: "alice"}, 0)
	tk.AddListener(m)
	tk.Submit(t.Context())
	require.NoError(t, tk.Execute(t.Context()))

	m.Submitted()
	m.Rejected("duplicate")
	m.InFlight(3)
	m.Polled()
	m.DaemonCreated("Load")

	require.Equal(t, 1.0, testutil.ToFloat64(m.TasksFinished.WithLabelValues("COMPLETED")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.TasksSubmitted))
	require.Equal(t, 1.0, testutil.ToFloat64(m.TasksRejected.WithLabelValues("duplicate")))
	require.Equal(t, 3.0, testutil.ToFloat64(m.TasksInFlight))
	require.Equal(t, 1.0, testutil.ToFloat64(m.DaemonTasks.WithLabelValues("Load")))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	require.True(t, strings.Contains(rec.Body.String(), "conan_process_run_seconds"))

	// nil metrics are a no-op
	var none *metrics.Metrics
	none.Submitted()
	none.Rejected("x")
	none.InFlight(1)
	none.StateChanged(t.Context(), tk, task.Running)
}
