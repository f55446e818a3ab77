package observability

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_IndependentInstances(t *testing.T) {
	// Two instances must not collide on registration.
	a := NewMetrics()
	b := NewMetrics()

	a.TurnFinished("completed", 1.5)
	if got := testutil.ToFloat64(a.TurnCounter.WithLabelValues("completed")); got != 1 {
		t.Errorf("a turns = %v, want 1", got)
	}
	if got := testutil.ToFloat64(b.TurnCounter.WithLabelValues("completed")); got != 0 {
		t.Errorf("b turns = %v, want 0", got)
	}
}

func TestMetrics_Recorders(t *testing.T) {
	m := NewMetrics()

	m.RecordToolExecution("read_file", "success", 0.2)
	m.RecordToolExecution("read_file", "success", 0.1)
	m.RecordToolExecution("run_command", "pending", 0)
	m.RecordApproval("requested")
	m.RecordRepair(2, 1)
	m.RecordStoreOperation("save", nil)
	m.RecordStoreOperation("save", errors.New("disk full"))
	m.RecordGenerationError("anthropic", "rate_limited")
	m.RecordTokens("openai", 10, 0)

	checks := []struct {
		name string
		got  float64
		want float64
	}{
		{"tool success", testutil.ToFloat64(m.ToolExecutionCounter.WithLabelValues("read_file", "success")), 2},
		{"tool pending", testutil.ToFloat64(m.ToolExecutionCounter.WithLabelValues("run_command", "pending")), 1},
		{"approvals", testutil.ToFloat64(m.ApprovalCounter.WithLabelValues("requested")), 1},
		{"repair calls", testutil.ToFloat64(m.RepairDrops.WithLabelValues("call")), 2},
		{"repair messages", testutil.ToFloat64(m.RepairDrops.WithLabelValues("message")), 1},
		{"store ok", testutil.ToFloat64(m.StoreOperations.WithLabelValues("save", "success")), 1},
		{"store error", testutil.ToFloat64(m.StoreOperations.WithLabelValues("save", "error")), 1},
		{"generation errors", testutil.ToFloat64(m.GenerationErrors.WithLabelValues("anthropic", "rate_limited")), 1},
		{"input tokens", testutil.ToFloat64(m.LLMTokensUsed.WithLabelValues("openai", "input")), 10},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}

	if n := testutil.CollectAndCount(m.ToolExecutionDuration); n != 1 {
		t.Errorf("duration series = %d, want 1 (pending call has no duration)", n)
	}
}

func TestMetrics_NilReceiver(t *testing.T) {
	var m *Metrics
	m.TurnFinished("completed", 1)
	m.RecordToolExecution("x", "success", 1)
	m.RecordApproval("requested")
	m.RecordRepair(1, 1)
	m.RecordStoreOperation("save", nil)
	m.RecordHTTPRequest("GET", "/", "200", 0.1)
	m.GatewayMessageReceived("telegram")
	if m.Registry() != nil {
		t.Error("nil metrics should have no registry")
	}
}

func TestMetrics_Handler(t *testing.T) {
	m := NewMetrics()
	m.GatewayMessageReceived("telegram")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `parley_gateway_messages_total{channel="telegram"} 1`) {
		t.Errorf("metrics output missing gateway counter:\n%s", body)
	}
}
