package dispatch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ambulance-dispatch/internal/models"
)

func TestWSRegistryPublish(t *testing.T) {
	reg := NewWSRegistry()
	registered := make(chan struct{})
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		reg.Add(UserKey("u1"), conn)
		close(registered)
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer client.Close()

	select {
	case <-registered:
	case <-time.After(2 * time.Second):
		t.Fatal("session never registered")
	}
	assert.Equal(t, 1, reg.Count(UserKey("u1")))

	ride := models.Ride{ID: "r1", UserID: "u1", Status: models.RideAccepted, DriverID: "d1"}
	require.NoError(t, reg.Publish(context.Background(), UserKey("u1"), Event{Type: EventRideStatusUpdate, Ride: &ride}))

	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	var got Event
	require.NoError(t, client.ReadJSON(&got))
	assert.Equal(t, EventRideStatusUpdate, got.Type)
	require.NotNil(t, got.Ride)
	assert.Equal(t, "d1", got.Ride.DriverID)
}

func TestWSRegistryPublishWithoutListenerSucceeds(t *testing.T) {
	reg := NewWSRegistry()
	err := reg.Publish(context.Background(), DriverKey("nobody"), Event{Type: EventRideCancelled, RideID: "r1"})
	assert.NoError(t, err)
}
