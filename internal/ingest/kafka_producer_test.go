package ingest

import (
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ambulance-dispatch/internal/models"
)

func TestEncodeLocationKeysByDriver(t *testing.T) {
	sent := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	msg, err := EncodeLocation(models.LocationPing{DriverID: "d7", Loc: models.Coord{Lat: 12.9, Lon: 77.6}, SentAt: sent})
	require.NoError(t, err)
	assert.Equal(t, []byte("d7"), msg.Key)
	assert.Equal(t, sent, msg.Time)

	p, err := DecodeLocation(msg)
	require.NoError(t, err)
	assert.Equal(t, "d7", p.DriverID)
	assert.InDelta(t, 77.6, p.Loc.Lon, 1e-9)
}

func TestDecodeLocationFallsBackToKey(t *testing.T) {
	p, err := DecodeLocation(kafka.Message{Key: []byte("d3"), Value: []byte(`{"loc":{"lat":1,"lon":2}}`)})
	require.NoError(t, err)
	assert.Equal(t, "d3", p.DriverID)
}

func TestDecodeLocationRejectsBadInput(t *testing.T) {
	_, err := DecodeLocation(kafka.Message{Value: []byte(`{not json`)})
	assert.Error(t, err)
	_, err = DecodeLocation(kafka.Message{Value: []byte(`{"loc":{"lat":1,"lon":2}}`)})
	assert.ErrorContains(t, err, "missing driver id")
	_, err = DecodeLocation(kafka.Message{Key: []byte("d1"), Value: []byte(`{"loc":{"lat":95,"lon":2}}`)})
	assert.ErrorContains(t, err, "out of range")
}
