package auditbus

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gogo/scenarios/internal/domain"
)

func entry() domain.AuditLogEntry {
	return domain.AuditLogEntry{
		EntryID:    "audit_1",
		EntityType: domain.EntitySuiteRun,
		EntityID:   "srun_1",
		EventType:  domain.AuditSuiteRunCompleted,
		Actor:      "system",
		Ts:         1700000000000,
	}
}

func TestSubject(t *testing.T) {
	assert.Equal(t, "scenarios.audit.suite_run.suite_run_completed", Subject("scenarios.audit", entry()))
	n := NewFromConn(nil, "x.")
	assert.Equal(t, "x.suite_run.suite_run_completed", n.Subject(entry()))
}

func TestNop(t *testing.T) {
	var p Publisher = Nop{}
	assert.NoError(t, p.Publish(context.Background(), entry()))
	assert.NoError(t, p.Close())
}

// TestNATSPublish requires a running NATS server and is skipped otherwise.
func TestNATSPublish(t *testing.T) {
	bus, err := Connect(nats.DefaultURL, "scenarios.test")
	if err != nil {
		t.Skip("Skipping NATS integration test: nats not available")
	}
	defer bus.Close()

	sub, err := bus.conn.SubscribeSync("scenarios.test.>")
	require.NoError(t, err)
	require.NoError(t, bus.conn.Flush())

	require.NoError(t, bus.Publish(context.Background(), entry()))
	msg, err := sub.NextMsg(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "scenarios.test.suite_run.suite_run_completed", msg.Subject)
	assert.Equal(t, "srun_1", msg.Header.Get("Entity-Id"))

	var got domain.AuditLogEntry
	require.NoError(t, json.Unmarshal(msg.Data, &got))
	assert.Equal(t, "audit_1", got.EntryID)
}

func TestPublishCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, NewFromConn(nil, "s").Publish(ctx, entry()), context.Canceled)
}
