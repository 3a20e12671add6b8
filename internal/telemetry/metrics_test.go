package telemetry

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// Registration is checked through Describe() rather than DefaultGatherer.Gather() because
// Gather() omits *Vec metrics that have no observed label combination yet.
func TestMetrics_AllRegistered(t *testing.T) {
	type describer interface {
		Describe(chan<- *prometheus.Desc)
	}

	cases := []struct {
		name string
		c    describer
	}{
		{"http_requests_total", HTTPRequestsTotal},
		{"http_request_duration_seconds", HTTPRequestDuration},
		{"api_key_auth_attempts_total", APIKeyAuthAttemptsTotal},
		{"api_key_usage_record_failures_total", APIKeyUsageRecordFailuresTotal},
		{"api_key_issued_total", APIKeyIssuedTotal},
		{"apikey_expiry_notifications_sent_total", APIKeyExpiryNotificationsSentTotal},
		{"db_open_connections", DBOpenConnections},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ch := make(chan *prometheus.Desc, 10)
			tc.c.Describe(ch)
			close(ch)
			for desc := range ch {
				if strings.Contains(desc.String(), `"`+tc.name+`"`) {
					return
				}
			}
			t.Errorf("metric %q: Describe() returned no descriptor with this fqName", tc.name)
		})
	}
}

func TestMetrics_APIKeyAuthAttempts_ByResult(t *testing.T) {
	for _, result := range []string{"success", "invalid_or_expired", "insufficient_scope"} {
		labels := prometheus.Labels{"result": result}
		before := counterValue(t, APIKeyAuthAttemptsTotal, labels)
		APIKeyAuthAttemptsTotal.WithLabelValues(result).Inc()
		if after := counterValue(t, APIKeyAuthAttemptsTotal, labels); after-before != 1 {
			t.Errorf("result=%s: delta = %.0f, want 1", result, after-before)
		}
	}
}

func TestMetrics_UsageRecordFailures_ByStage(t *testing.T) {
	labels := prometheus.Labels{"stage": "counter"}
	before := counterValue(t, APIKeyUsageRecordFailuresTotal, labels)
	APIKeyUsageRecordFailuresTotal.WithLabelValues("counter").Inc()
	if after := counterValue(t, APIKeyUsageRecordFailuresTotal, labels); after-before != 1 {
		t.Errorf("delta = %.0f, want 1", after-before)
	}
}

func TestMetrics_PlainCounters(t *testing.T) {
	for name, c := range map[string]prometheus.Counter{
		"issued":       APIKeyIssuedTotal,
		"notification": APIKeyExpiryNotificationsSentTotal,
	} {
		before := plainCounterValue(t, c)
		c.Inc()
		if after := plainCounterValue(t, c); after-before < 1 {
			t.Errorf("%s counter did not increase", name)
		}
	}
}

func TestStartDBStatsCollector_SetsGaugeAndStops(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectPing()
	mock.ExpectPing().WillReturnError(context.Canceled)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	StartDBStatsCollector(ctx, db, 10*time.Millisecond)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if mock.ExpectationsWereMet() == nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Errorf("collector did not ping twice: %v", mock.ExpectationsWereMet())
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func counterValue(t *testing.T, cv *prometheus.CounterVec, labels prometheus.Labels) float64 {
	t.Helper()
	ch := make(chan prometheus.Metric, 20)
	cv.Collect(ch)
	close(ch)
	for m := range ch {
		var dm dto.Metric
		if err := m.Write(&dm); err != nil {
			continue
		}
		if labelsMatch(dm.GetLabel(), labels) {
			return dm.GetCounter().GetValue()
		}
	}
	return 0
}

func plainCounterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var dm dto.Metric
	if err := c.Write(&dm); err != nil {
		t.Fatalf("counter Write: %v", err)
	}
	return dm.GetCounter().GetValue()
}

func labelsMatch(got []*dto.LabelPair, want prometheus.Labels) bool {
	for k, v := range want {
		found := false
		for _, lp := range got {
			if lp.GetName() == k && lp.GetValue() == v {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
