package api_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/walkin-queue/internal/api"
	"github.com/hackgods/walkin-queue/internal/broadcast"
	"github.com/hackgods/walkin-queue/internal/queue"
)

type envelope struct {
	Event   string         `json:"event"`
	Channel string         `json:"channel"`
	Data    queue.DayQueue `json:"data"`
}

func TestWebsocket_ReceivesQueueUpdates(t *testing.T) {
	s := newTestServer(t)
	srv := httptest.NewServer(s.handler)
	t.Cleanup(srv.Close)

	providerID := s.provider(t, "Dr. Kim", "General Practice")
	patientID := s.patient(t, "Kate")
	ch, err := broadcast.NewChannel(providerID, s.day)
	require.NoError(t, err)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	// junk is ignored and the connection stays usable
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("hello")))
	require.NoError(t, conn.WriteJSON(api.SubscribeMessage{ProviderID: "nope", Day: s.day}))
	require.NoError(t, conn.WriteJSON(api.SubscribeMessage{ProviderID: providerID.String(), Day: s.day}))

	assert.Eventually(t, func() bool { return s.c.Hub.Subscribers(ch) == 1 }, 2*time.Second, 10*time.Millisecond)

	body, err := json.Marshal(api.CreateAppointmentRequest{
		PatientID: patientID.String(), ProviderID: providerID.String(), Day: s.day, TimeSlot: "9:00 AM",
	})
	require.NoError(t, err)
	resp, err := http.Post(srv.URL+"/appointments", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg envelope
	require.NoError(t, conn.ReadJSON(&msg))

	assert.Equal(t, "queue:update", msg.Event)
	assert.Equal(t, ch.Key(), msg.Channel)
	assert.Equal(t, providerID, msg.Data.ProviderID)
	assert.Equal(t, s.day, msg.Data.Day)
	assert.Equal(t, 1, msg.Data.WaitingCount)
	require.Len(t, msg.Data.Items, 1)
	assert.Equal(t, 1, msg.Data.Items[0].QueueNumber)
}

func TestWebsocket_DisconnectLeavesChannel(t *testing.T) {
	s := newTestServer(t)
	srv := httptest.NewServer(s.handler)
	t.Cleanup(srv.Close)

	providerID := s.provider(t, "Dr. Park", "Psychiatry")
	ch, err := broadcast.NewChannel(providerID, s.day)
	require.NoError(t, err)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(api.SubscribeMessage{ProviderID: providerID.String(), Day: s.day}))
	assert.Eventually(t, func() bool { return s.c.Hub.Subscribers(ch) == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return s.c.Hub.Subscribers(ch) == 0 }, 2*time.Second, 10*time.Millisecond)
}
