package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/hackgods/walkin-queue/internal/appointment"
)

type fakeStore struct {
	appointments map[uuid.UUID]*appointment.Appointment
	providers    map[uuid.UUID]*appointment.Provider
	config       map[string]string
	names        map[uuid.UUID]string
	configErr    error
	configReads  int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		appointments: map[uuid.UUID]*appointment.Appointment{},
		providers:    map[uuid.UUID]*appointment.Provider{},
		config:       map[string]string{},
		names:        map[uuid.UUID]string{},
	}
}

func (f *fakeStore) add(providerID uuid.UUID, day string, number int, status appointment.Status) *appointment.Appointment {
	a := &appointment.Appointment{
		ID:          uuid.New(),
		PatientID:   uuid.New(),
		ProviderID:  providerID,
		Day:         day,
		TimeSlot:    "9:00 AM",
		Status:      status,
		QueueNumber: number,
	}
	f.appointments[a.ID] = a
	return a
}

func (f *fakeStore) GetAppointmentByID(_ context.Context, id uuid.UUID) (*appointment.Appointment, error) {
	a, ok := f.appointments[id]
	if !ok {
		return nil, appointment.ErrAppointmentNotFound
	}
	cp := *a
	return &cp, nil
}

func (f *fakeStore) GetProviderByID(_ context.Context, id uuid.UUID) (*appointment.Provider, error) {
	p, ok := f.providers[id]
	if !ok {
		return nil, appointment.ErrProviderNotFound
	}
	return p, nil
}

func (f *fakeStore) ListForProviderDay(_ context.Context, providerID uuid.UUID, day string) ([]appointment.QueueRow, error) {
	var rows []appointment.QueueRow
	for _, a := range f.appointments {
		if a.ProviderID != providerID || a.Day != day {
			continue
		}
		row := appointment.QueueRow{
			ID: a.ID, QueueNumber: a.QueueNumber, Status: a.Status,
			IsEmergency: a.IsEmergency, TimeSlot: a.TimeSlot,
		}
		if name, ok := f.names[a.PatientID]; ok {
			row.PatronName = &name
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func (f *fakeStore) FindActiveForPatient(_ context.Context, patientID uuid.UUID, fromDay string) (*appointment.Appointment, error) {
	var best *appointment.Appointment
	for _, a := range f.appointments {
		if a.PatientID != patientID || !a.Status.Active() || a.Day < fromDay {
			continue
		}
		if best == nil || a.Day < best.Day || (a.Day == best.Day && a.QueueNumber < best.QueueNumber) {
			best = a
		}
	}
	if best == nil {
		return nil, appointment.ErrAppointmentNotFound
	}
	cp := *best
	return &cp, nil
}

func (f *fakeStore) GetConfigValue(_ context.Context, key string) (string, error) {
	f.configReads++
	if f.configErr != nil {
		return "", f.configErr
	}
	v, ok := f.config[key]
	if !ok {
		return "", appointment.ErrConfigNotFound
	}
	return v, nil
}

const day = "2026-03-10"

func newBuilder(store *fakeStore) *Builder {
	return NewBuilder(store, NewStatSource(store, 2*time.Minute, 10, zap.NewNop()))
}

func TestDerive_CancelledItemLosesPosition(t *testing.T) {
	provider := uuid.New()
	ids := make([]uuid.UUID, 5)
	rows := make([]appointment.QueueRow, 5)
	for i := range rows {
		ids[i] = uuid.New()
		rows[i] = appointment.QueueRow{ID: ids[i], QueueNumber: i + 1, Status: appointment.StatusBooked}
	}
	rows[1].Status = appointment.StatusCancelled

	q := Derive(provider, day, rows, 10)

	want := map[uuid.UUID]int{ids[0]: 1, ids[2]: 2, ids[3]: 3, ids[4]: 4}
	for _, it := range q.Items {
		if it.ID == ids[1] {
			assert.Nil(t, it.Position)
			continue
		}
		require.NotNil(t, it.Position)
		assert.Equal(t, want[it.ID], *it.Position)
	}
	assert.Equal(t, 4, q.WaitingCount)
	require.NotNil(t, q.CurrentServingID)
	assert.Equal(t, ids[0], *q.CurrentServingID)
}

func TestDerive_PositionsAreContiguous(t *testing.T) {
	statuses := []appointment.Status{
		appointment.StatusCompleted, appointment.StatusBooked, appointment.StatusInConsultation,
		appointment.StatusCancelled, appointment.StatusBooked, appointment.StatusBooked,
		appointment.StatusCompleted, appointment.StatusBooked,
	}
	// out of order on purpose
	rows := make([]appointment.QueueRow, len(statuses))
	for i, s := range statuses {
		rows[len(statuses)-1-i] = appointment.QueueRow{ID: uuid.New(), QueueNumber: i + 1, Status: s}
	}

	q := Derive(uuid.New(), day, rows, 10)

	expected := 1
	for i, it := range q.Items {
		assert.Equal(t, i+1, it.QueueNumber, "ordered by queue number")
		if it.Status == appointment.StatusBooked {
			require.NotNil(t, it.Position)
			assert.Equal(t, expected, *it.Position)
			expected++
		} else {
			assert.Nil(t, it.Position)
		}
	}
	assert.Equal(t, 4, q.WaitingCount)
	assert.Equal(t, 2, q.CompletedCount)

	require.NotNil(t, q.CurrentServingQueueNumber)
	assert.Equal(t, 3, *q.CurrentServingQueueNumber, "in consultation wins over the booked front")
}

func TestDerive_Empty(t *testing.T) {
	q := Derive(uuid.New(), day, nil, 10)
	assert.NotNil(t, q.Items)
	assert.Empty(t, q.Items)
	assert.Nil(t, q.CurrentServingID)
	assert.Nil(t, q.CurrentServingQueueNumber)
	assert.Zero(t, q.WaitingCount)
	assert.Equal(t, 10, q.AverageConsultationMinutes)
}

func TestDerive_NoServingWhenOnlyTerminal(t *testing.T) {
	rows := []appointment.QueueRow{
		{ID: uuid.New(), QueueNumber: 1, Status: appointment.StatusCompleted},
		{ID: uuid.New(), QueueNumber: 2, Status: appointment.StatusCancelled},
	}
	q := Derive(uuid.New(), day, rows, 10)
	assert.Nil(t, q.CurrentServingID)
	assert.Equal(t, 1, q.CompletedCount)
}

func TestDerive_EmergencyDoesNotReorder(t *testing.T) {
	first, urgent := uuid.New(), uuid.New()
	rows := []appointment.QueueRow{
		{ID: first, QueueNumber: 1, Status: appointment.StatusBooked},
		{ID: urgent, QueueNumber: 2, Status: appointment.StatusBooked, IsEmergency: true},
	}
	q := Derive(uuid.New(), day, rows, 10)
	assert.Equal(t, first, *q.CurrentServingID)
	assert.Equal(t, 2, *q.Items[1].Position)
	assert.True(t, q.Items[1].IsEmergency)
}

func TestBuilder_BuildIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	provider := uuid.New()
	for i := 1; i <= 3; i++ {
		store.add(provider, day, i, appointment.StatusBooked)
	}
	b := newBuilder(store)

	first, err := b.Build(ctx, provider, day+"T10:00:00Z")
	require.NoError(t, err)
	second, err := b.Build(ctx, provider, day)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, day, first.Day)
}

func TestBuilder_BuildRejectsBadDay(t *testing.T) {
	_, err := newBuilder(newFakeStore()).Build(context.Background(), uuid.New(), "tomorrow")
	assert.ErrorIs(t, err, appointment.ErrInvalidDay)
}

func TestStatSource(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	provider := uuid.New()
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	stats := NewStatSource(store, 2*time.Minute, 10, zap.NewNop()).WithClock(func() time.Time { return now })

	assert.Equal(t, WaitStat{AverageConsultationMinutes: 10}, stats.Get(ctx, provider))

	store.config[KeyAverageConsultationMinutes] = "12"
	store.config[KeyAverageConsultationMinutes+":"+provider.String()] = "15"
	store.config[KeyDelayOffsetMinutes] = "5"

	assert.Equal(t, 10, stats.Get(ctx, provider).AverageConsultationMinutes, "cached for the ttl")

	now = now.Add(2 * time.Minute)
	stat := stats.Get(ctx, provider)
	assert.Equal(t, 15, stat.AverageConsultationMinutes, "provider override wins")
	assert.Equal(t, 5, stat.DelayOffsetMinutes)

	other := stats.Get(ctx, uuid.New())
	assert.Equal(t, 12, other.AverageConsultationMinutes)
}

func TestStatSource_InvalidValuesFallBack(t *testing.T) {
	ctx := context.Background()
	for _, raw := range []string{"0", "-3", "ten", ""} {
		store := newFakeStore()
		store.config[KeyAverageConsultationMinutes] = raw
		stats := NewStatSource(store, time.Minute, 10, zap.NewNop())
		assert.Equal(t, 10, stats.Get(ctx, uuid.New()).AverageConsultationMinutes, raw)
	}
}

func TestStatSource_InvalidOverrideUsesGlobal(t *testing.T) {
	ctx := context.Background()
	provider := uuid.New()
	for _, raw := range []string{"0", "-3", "ten"} {
		store := newFakeStore()
		store.config[KeyAverageConsultationMinutes+":"+provider.String()] = raw
		store.config[KeyAverageConsultationMinutes] = "14"
		store.config[KeyDelayOffsetMinutes+":"+provider.String()] = "soon"
		store.config[KeyDelayOffsetMinutes] = "-2"
		stats := NewStatSource(store, time.Minute, 10, zap.NewNop())

		stat := stats.Get(ctx, provider)
		assert.Equal(t, 14, stat.AverageConsultationMinutes, raw)
		assert.Equal(t, -2, stat.DelayOffsetMinutes, raw)
	}
}

func TestStatSource_ReadErrorIsLoggedAndNotCached(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	store.configErr = errors.New("connection reset")
	core, logs := observer.New(zapcore.WarnLevel)
	stats := NewStatSource(store, time.Hour, 10, zap.New(core))
	provider := uuid.New()

	assert.Equal(t, 10, stats.Get(ctx, provider).AverageConsultationMinutes)
	assert.Equal(t, 1, logs.FilterMessage("read wait statistic, using default").Len())

	store.configErr = nil
	store.config[KeyAverageConsultationMinutes] = "20"
	assert.Equal(t, 20, stats.Get(ctx, provider).AverageConsultationMinutes)
}
