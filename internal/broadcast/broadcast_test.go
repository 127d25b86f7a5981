package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/hackgods/walkin-queue/internal/appointment"
	"github.com/hackgods/walkin-queue/internal/queue"
)

var provider = uuid.MustParse("7b0c1f0e-3d7a-4c55-9a36-2f1f3f2d9a11")

func TestChannelKey(t *testing.T) {
	ch, err := NewChannel(provider, "2026-03-10T23:30:00.000Z")
	require.NoError(t, err)
	assert.Equal(t, "queue:7b0c1f0e-3d7a-4c55-9a36-2f1f3f2d9a11:2026-03-10", ch.Key())

	parsed, ok := ParseKey(ch.Key())
	require.True(t, ok)
	assert.Equal(t, ch, parsed)

	for _, bad := range []string{"", "queue:", "queue:not-a-uuid:2026-03-10", "lock:slot:x", "queue:" + provider.String() + ":soon"} {
		_, ok := ParseKey(bad)
		assert.False(t, ok, bad)
	}

	_, err = NewChannel(provider, "yesterday")
	assert.ErrorIs(t, err, appointment.ErrInvalidDay)
}

func TestHub_FanOutPerChannel(t *testing.T) {
	ctx := context.Background()
	hub := NewHub()
	today := Channel{ProviderID: provider, Day: "2026-03-10"}
	tomorrow := Channel{ProviderID: provider, Day: "2026-03-11"}

	a, b, c := hub.Register(), hub.Register(), hub.Register()
	a.Join(today)
	a.Join(today)
	b.Join(today)
	b.Join(tomorrow)
	c.Join(tomorrow)
	assert.Equal(t, 2, hub.Subscribers(today))

	require.NoError(t, hub.Send(ctx, today, []byte(`{"n":1}`)))

	for _, client := range []*Client{a, b} {
		select {
		case msg := <-client.Messages():
			assert.Equal(t, today, msg.Channel)
			assert.JSONEq(t, `{"n":1}`, string(msg.Payload))
		case <-time.After(time.Second):
			t.Fatal("no message delivered")
		}
	}
	assert.Len(t, a.Messages(), 0, "joining twice does not duplicate delivery")
	assert.Len(t, c.Messages(), 0, "no cross-day leakage")

	hub.Unregister(b)
	_, open := <-b.Messages()
	assert.False(t, open)
	assert.Equal(t, 1, hub.Subscribers(today))
	assert.Equal(t, 1, hub.Subscribers(tomorrow))

	// unregistering twice and joining after leaving are harmless
	hub.Unregister(b)
	b.Join(today)
	assert.Equal(t, 1, hub.Subscribers(today))
}

func TestHub_SlowClientDoesNotBlock(t *testing.T) {
	ctx := context.Background()
	hub := NewHub()
	ch := Channel{ProviderID: provider, Day: "2026-03-10"}
	slow := hub.Register()
	slow.Join(ch)

	done := make(chan struct{})
	go func() {
		for i := 0; i < clientBuffer*3; i++ {
			_ = hub.Send(ctx, ch, []byte("{}"))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("send blocked on a full client")
	}
	assert.Len(t, slow.Messages(), clientBuffer)
}

func TestHub_FullClientKeepsNewestSnapshot(t *testing.T) {
	ctx := context.Background()
	hub := NewHub()
	ch := Channel{ProviderID: provider, Day: "2026-03-10"}
	slow := hub.Register()
	slow.Join(ch)

	total := clientBuffer + 5
	for i := 0; i < total; i++ {
		require.NoError(t, hub.Send(ctx, ch, []byte(strconv.Itoa(i))))
	}

	var got []string
	for len(slow.Messages()) > 0 {
		got = append(got, string((<-slow.Messages()).Payload))
	}
	require.Len(t, got, clientBuffer)
	assert.Equal(t, "5", got[0], "oldest snapshots are dropped first")
	assert.Equal(t, strconv.Itoa(total-1), got[len(got)-1])
}

type fakeReader map[uuid.UUID]*appointment.Appointment

func (f fakeReader) GetAppointmentByID(_ context.Context, id uuid.UUID) (*appointment.Appointment, error) {
	a, ok := f[id]
	if !ok {
		return nil, appointment.ErrAppointmentNotFound
	}
	return a, nil
}

type fakeBuilder struct {
	err   error
	calls []string
}

func (b *fakeBuilder) Build(_ context.Context, providerID uuid.UUID, day string) (queue.DayQueue, error) {
	b.calls = append(b.calls, day)
	if b.err != nil {
		return queue.DayQueue{}, b.err
	}
	return queue.Derive(providerID, day, []appointment.QueueRow{
		{ID: uuid.New(), QueueNumber: 1, Status: appointment.StatusBooked},
	}, 10), nil
}

type failingSink struct{}

func (failingSink) Send(context.Context, Channel, []byte) error { return errors.New("connection reset") }

func TestBroadcaster_PublishPushesSnapshot(t *testing.T) {
	ctx := context.Background()
	appt := &appointment.Appointment{ID: uuid.New(), ProviderID: provider, Day: "2026-03-10"}
	hub := NewHub()
	client := hub.Register()
	client.Join(Channel{ProviderID: provider, Day: "2026-03-10"})
	builder := &fakeBuilder{}

	b := NewBroadcaster(fakeReader{appt.ID: appt}, builder, hub, zap.NewNop())
	b.Publish(ctx, appt.ID)

	require.Len(t, client.Messages(), 1)
	msg := <-client.Messages()

	var snapshot map[string]any
	require.NoError(t, json.Unmarshal(msg.Payload, &snapshot))
	for _, key := range []string{
		"providerId", "day", "items", "currentServingId", "currentServingQueueNumber",
		"waitingCount", "completedCount", "averageConsultationMinutes",
	} {
		assert.Contains(t, snapshot, key)
	}
	assert.Equal(t, provider.String(), snapshot["providerId"])
	assert.Equal(t, "2026-03-10", snapshot["day"])

	items := snapshot["items"].([]any)
	require.Len(t, items, 1)
	item := items[0].(map[string]any)
	for _, key := range []string{"id", "queueNumber", "status", "isEmergency", "position", "timeSlot", "patronName"} {
		assert.Contains(t, item, key)
	}
}

func TestBroadcaster_FailuresAreSoft(t *testing.T) {
	ctx := context.Background()
	appt := &appointment.Appointment{ID: uuid.New(), ProviderID: provider, Day: "2026-03-10"}

	tests := []struct {
		name    string
		sink    Sink
		builder *fakeBuilder
		id      uuid.UUID
		wantErr string
	}{
		{"missing appointment", NewHub(), &fakeBuilder{}, uuid.New(), "appointment not found"},
		{"no sink", nil, &fakeBuilder{}, appt.ID, "no broadcast sink configured"},
		{"transport error", failingSink{}, &fakeBuilder{}, appt.ID, "connection reset"},
		{"store error", NewHub(), &fakeBuilder{err: errors.New("too many clients")}, appt.ID, "too many clients"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			core, logs := observer.New(zapcore.WarnLevel)
			b := NewBroadcaster(fakeReader{appt.ID: appt}, tt.builder, tt.sink, zap.New(core))

			assert.NotPanics(t, func() { b.Publish(ctx, tt.id) })

			entries := logs.FilterMessage("broadcast queue failed").All()
			require.Len(t, entries, 1)
			assert.Contains(t, entries[0].ContextMap()["error"], tt.wantErr)
		})
	}
}

func TestBroadcaster_PublishDay(t *testing.T) {
	ctx := context.Background()
	hub := NewHub()
	client := hub.Register()
	client.Join(Channel{ProviderID: provider, Day: "2026-03-09"})
	builder := &fakeBuilder{}

	b := NewBroadcaster(fakeReader{}, builder, hub, zap.NewNop())
	b.PublishDay(ctx, provider, "2026-03-09T08:00:00Z")

	assert.Equal(t, []string{"2026-03-09"}, builder.calls)
	assert.Len(t, client.Messages(), 1)
}
