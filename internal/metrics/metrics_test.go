package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/g960059/termrelay/internal/dispatch"
	"github.com/g960059/termrelay/internal/outbox"
	"github.com/g960059/termrelay/internal/trigger"
)

var (
	_ trigger.Observer  = (*Metrics)(nil)
	_ outbox.Observer   = (*Metrics)(nil)
	_ dispatch.Observer = (*Metrics)(nil)
)

func TestCounters(t *testing.T) {
	m := New(nil)
	m.TriggerFired(trigger.RuleSemanticFlush, trigger.StageNone)
	m.TriggerFired(trigger.RuleSemanticFlush, trigger.StageNone)
	m.TriggerStale()
	m.OutboxClaimed(3)
	m.OutboxSent()
	m.OutboxFailed(false)
	m.OutboxFailed(true)
	m.OutboxFailed(true)
	m.FlushCompleted("emit")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.triggersFired.WithLabelValues(trigger.RuleSemanticFlush.String(), trigger.StageNone.String())))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.triggersStale))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.outboxClaimed))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.outboxSent))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.outboxFailed.WithLabelValues("retry")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.outboxFailed.WithLabelValues("dead")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.flushes.WithLabelValues("emit")))
}

func TestHandlerServesSessionGauges(t *testing.T) {
	m := New(func() (int, int) { return 4, 1 })
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "termrelay_sessions_live 4")
	assert.Contains(t, string(body), "termrelay_sessions_working 1")
}
