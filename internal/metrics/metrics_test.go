package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHandlerServesPrometheusAndExpvar(t *testing.T) {
	Decisions.WithLabelValues("bot-1", "intent").Inc()
	ObservePnL(-2.5)
	ResolverRuns.Add(1)

	srv := httptest.NewServer(Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.True(t, strings.Contains(string(body), `arena_decisions_total{bot="bot-1",result="intent"}`), string(body))
	require.Contains(t, string(body), `arena_realized_pnl_abs_total{sign="loss"} 2.5`)

	resp, err = http.Get(srv.URL + "/debug/vars")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	require.Contains(t, string(body), `"resolver_runs"`)
}
