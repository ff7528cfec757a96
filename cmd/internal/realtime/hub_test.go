package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dagz55/d-gateway-sub002/cmd/internal/auth/session"
)

type countingRecorder struct {
	mu        sync.Mutex
	connected int
}

func (r *countingRecorder) ClientConnected()    { r.mu.Lock(); r.connected++; r.mu.Unlock() }
func (r *countingRecorder) ClientDisconnected() { r.mu.Lock(); r.connected--; r.mu.Unlock() }

func TestHub_WarningTargetsCoveredSessions(t *testing.T) {
	hub := NewHub(quietLog(), nil)
	a := NewClient("u1", "s1", 4)
	b := NewClient("u1", "s2", 4)
	c := NewClient("u2", "s3", 4)
	hub.Register(a)
	hub.Register(b)
	hub.Register(c)

	hub.InvalidationWarning(context.Background(), session.Pending{
		ID: "inv_1", UserID: "u1", SessionIDs: []string{"s2"}, ExecuteAt: time.Now(),
	})
	require.Len(t, a.send, 0)
	require.Len(t, b.send, 1)
	require.Len(t, c.send, 0)

	// Empty SessionIDs covers every session of the user.
	hub.InvalidationWarning(context.Background(), session.Pending{ID: "inv_2", UserID: "u1", ExecuteAt: time.Now()})
	require.Len(t, a.send, 1)
	require.Len(t, b.send, 2)
}

func TestHub_FullQueueForInvalidatedSessionUnregisters(t *testing.T) {
	rec := &countingRecorder{}
	hub := NewHub(quietLog(), rec)
	cl := NewClient("u1", "s1", 1)
	hub.Register(cl)
	require.True(t, cl.offer(outbound{}))

	hub.SessionsInvalidated(context.Background(), session.Event{UserID: "u1", AffectedSessions: []string{"s1"}})

	select {
	case <-cl.Done():
	default:
		t.Fatal("client not closed")
	}
	require.Equal(t, 0, hub.Connected("u1"))
	require.Equal(t, 0, rec.connected)

	// Unregister is idempotent.
	hub.Unregister(cl)
	require.Equal(t, 0, rec.connected)
}

func TestHub_InvalidatedFrameIsFinal(t *testing.T) {
	hub := NewHub(quietLog(), nil)
	cl := NewClient("u1", "s1", 4)
	hub.Register(cl)

	hub.SessionsInvalidated(context.Background(), session.Event{ID: "evt_1", UserID: "u1", Reason: "invalidate_all", AffectedSessions: []string{"s1"}})

	o := <-cl.send
	require.True(t, o.final)
	require.Equal(t, TypeSessionsInvalidated, o.env.Type)
	var p SessionsInvalidatedPayload
	require.NoError(t, json.Unmarshal(o.env.Payload, &p))
	require.Equal(t, "invalidate_all", p.Reason)
	require.Equal(t, []string{"s1"}, p.SessionIDs)
}

func TestFrameLimiter(t *testing.T) {
	rl := newFrameLimiter(2, time.Second)
	now := time.Now()
	require.True(t, rl.Allow(now))
	require.True(t, rl.Allow(now))
	require.False(t, rl.Allow(now.Add(500*time.Millisecond)))
	require.True(t, rl.Allow(now.Add(1100*time.Millisecond)))
}

func TestEnvelope_Validate(t *testing.T) {
	require.NoError(t, Envelope{V: Version, Type: TypeHello}.Validate())
	require.Error(t, Envelope{Type: TypeHello}.Validate())
	require.Error(t, Envelope{V: Version}.Validate())
	require.Error(t, Envelope{V: Version, Type: TypeSessionsInvalidated}.Validate())
}
