package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mark3labs/oas2mcp/internal/engine"
	"github.com/mark3labs/oas2mcp/internal/spec"
)

func TestCollector_RecordsInvocations(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector("test", reg, nil)

	c.InvocationDone("ping", engine.StrategyManual, "", 10*time.Millisecond)
	c.InvocationDone("ping", engine.StrategyManual, "", 20*time.Millisecond)
	c.InvocationDone("ping", engine.StrategyManual, engine.CodeClient, time.Millisecond)
	c.SchemaCacheLookup(false)
	c.SchemaCacheLookup(true)
	c.SchemaCacheLookup(true)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.invocationsTotal.WithLabelValues("ping", "manual", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.invocationsTotal.WithLabelValues("ping", "manual", "ClientError")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.cacheLookups.WithLabelValues("hit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.cacheLookups.WithLabelValues("miss")))
	assert.Equal(t, 1, testutil.CollectAndCount(c.invocationDuration))
}

func TestCollector_AsEngineObserver(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector("oas2mcp", reg, nil)
	tr := engine.TransportFunc(func(context.Context, *engine.RequestDescriptor) (*engine.RawResponse, error) {
		return &engine.RawResponse{Status: 500}, nil
	})
	e := engine.New([]spec.Route{{OperationID: "ping", Method: spec.GET, Path: "/ping"}}, tr, engine.WithObserver(c))
	_, err := e.Invoke(context.Background(), "ping", nil)
	require.Error(t, err)

	expected := `
# HELP oas2mcp_invocations_total Operation invocations by outcome
# TYPE oas2mcp_invocations_total counter
oas2mcp_invocations_total{operation="ping",outcome="ServerError",strategy="manual"} 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "oas2mcp_invocations_total"))
}

func TestHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector("h", reg, nil)
	c.SchemaCacheLookup(true)

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `h_schema_cache_lookups_total{result="hit"} 1`)
}
