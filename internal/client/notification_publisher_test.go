package client

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-ad-reservations/internal/clock"
)

func TestNotificationPublisher_Subject(t *testing.T) {
	p := NewNotificationPublisher(nil, "adreservations", nil, nil)
	assert.Equal(t, "adreservations.campaign_booked", p.Subject("campaign_booked"))

	bare := NewNotificationPublisher(nil, "", nil, nil)
	assert.Equal(t, "reservation_expired", bare.Subject("reservation_expired"))
}

func TestNotificationPublisher_EventUsesInjectedClock(t *testing.T) {
	at := time.Date(2026, 3, 4, 9, 0, 0, 0, time.UTC)
	p := NewNotificationPublisher(nil, "adreservations", clock.NewFixed(at), nil)

	ev := p.event("sales", "reservation_expired", map[string]interface{}{"reservation_id": "res-1"})
	assert.Equal(t, at, ev.OccurredAt)
	assert.Equal(t, "reservation_expired", ev.EventType)
	assert.Equal(t, "sales", ev.RecipientRole)
	assert.Equal(t, "res-1", ev.Payload["reservation_id"])
}

func TestNotificationPublisher_WithoutConnection(t *testing.T) {
	p := NewNotificationPublisher(nil, "adreservations", nil, nil)
	assert.NoError(t, p.Notify(context.Background(), "admin", "admin_approval_requested", map[string]interface{}{"campaign_id": "c1"}))
	assert.NoError(t, NopNotifier{}.Notify(context.Background(), "sales", "campaign_booked", nil))
}

func TestRedisLease_Unreachable(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond, MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })

	lease := NewRedisLease(rdb, "adreservations:sweeper", nil)
	release, ok, err := lease.TryAcquire(context.Background(), time.Minute)
	require.Error(t, err)
	assert.False(t, ok)
	assert.Nil(t, release)

	_, err = ConnectRedis(context.Background(), "redis://%zz")
	assert.Error(t, err)
}
