package auth

import (
	"context"
	"log/slog"
	"time"

	"github.com/Deepak8858/agent-crm/internal/audit"
	"github.com/Deepak8858/agent-crm/internal/db/models"
	"github.com/Deepak8858/agent-crm/internal/safego"
	"github.com/Deepak8858/agent-crm/internal/telemetry"
)

// UsageEvent is one authorization decision against a resolved key.
type UsageEvent struct {
	APIKeyID  string
	KeyPrefix string
	Request   RequestInfo
	Success   bool
	// Reason is the Outcome label for denied attempts, empty on success.
	Reason    string
	Timestamp time.Time
}

// UsageCounter advances a key's usage counter. The increment must be a single atomic
// read-modify-write in the store so concurrent requests never lose an update.
type UsageCounter interface {
	IncrementUsage(ctx context.Context, id string, usedAt time.Time) (int64, error)
}

// UsageLog appends rows to the usage audit trail.
type UsageLog interface {
	CreateUsageEvent(ctx context.Context, usage *models.APIKeyUsage) error
}

const usageWriteTimeout = 5 * time.Second

// UsageRecorder is the Recorder backed by the database, with an optional shipper for
// copying events to external sinks. Every failure is logged and counted, never returned:
// bookkeeping must not fail a request that has already been authorized.
type UsageRecorder struct {
	counter UsageCounter
	log     UsageLog
	shipper audit.Shipper
}

// NewUsageRecorder creates a UsageRecorder. shipper may be nil.
func NewUsageRecorder(counter UsageCounter, log UsageLog, shipper audit.Shipper) *UsageRecorder {
	return &UsageRecorder{counter: counter, log: log, shipper: shipper}
}

// Record persists event. Successful authorizations advance the key's counter and
// last-used time, then append an audit row. Denied attempts only append the row.
// Copies to external sinks are shipped in the background.
func (r *UsageRecorder) Record(ctx context.Context, event UsageEvent) {
	// The writes outlive a client that hangs up right after being authorized.
	detached := context.WithoutCancel(ctx)
	ctx, cancel := context.WithTimeout(detached, usageWriteTimeout)
	defer cancel()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if event.Success {
		if _, err := r.counter.IncrementUsage(ctx, event.APIKeyID, event.Timestamp); err != nil {
			telemetry.APIKeyUsageRecordFailuresTotal.WithLabelValues("counter").Inc()
			slog.Error("failed to update api key usage counter",
				"api_key_id", event.APIKeyID, "error", err)
		}
	}

	row := &models.APIKeyUsage{
		APIKeyID:  event.APIKeyID,
		Endpoint:  event.Request.Endpoint,
		Method:    event.Request.Method,
		IPAddress: clientIPOrUnknown(event.Request.ClientIP),
		Success:   event.Success,
		CreatedAt: event.Timestamp,
	}
	if ua := event.Request.UserAgent; ua != "" {
		row.UserAgent = &ua
	}
	if err := r.log.CreateUsageEvent(ctx, row); err != nil {
		telemetry.APIKeyUsageRecordFailuresTotal.WithLabelValues("event").Inc()
		slog.Error("failed to write api key usage event",
			"api_key_id", event.APIKeyID, "endpoint", row.Endpoint, "error", err)
	}

	if r.shipper == nil {
		return
	}
	action := audit.ActionKeyUsed
	if !event.Success {
		action = audit.ActionKeyDenied
	}
	shipped := &audit.Event{
		Timestamp: event.Timestamp,
		Action:    action,
		APIKeyID:  event.APIKeyID,
		KeyPrefix: event.KeyPrefix,
		Endpoint:  row.Endpoint,
		Method:    row.Method,
		IPAddress: row.IPAddress,
		UserAgent: event.Request.UserAgent,
		Success:   event.Success,
		Reason:    event.Reason,
	}
	safego.Go(func() {
		shipCtx, cancel := context.WithTimeout(detached, usageWriteTimeout)
		defer cancel()
		if err := r.shipper.Ship(shipCtx, shipped); err != nil {
			telemetry.APIKeyUsageRecordFailuresTotal.WithLabelValues("ship").Inc()
			slog.Warn("failed to ship api key usage event", "api_key_id", shipped.APIKeyID, "error", err)
		}
	})
}

func clientIPOrUnknown(ip string) string {
	if ip == "" {
		return "unknown"
	}
	return ip
}
