package kafka

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quietmap/noisemap/internal/domain"
)

func TestSerializeToMessage(t *testing.T) {
	ts := time.Date(2024, 1, 1, 8, 30, 0, 0, time.UTC)
	reading := domain.NoiseReading{
		ID:        "r-1",
		DeviceID:  "d1",
		Timestamp: ts,
		Lat:       40.0,
		Lon:       -73.0,
		DBLevel:   72.5,
	}

	msg, err := serializeToMessage(reading)
	require.NoError(t, err)

	assert.Equal(t, []byte("r-1"), msg.Key)
	assert.Contains(t, string(msg.Value), `"device_id":"d1"`)
	assert.Contains(t, string(msg.Value), `"db_level":72.5`)
	require.Len(t, msg.Headers, 2)
	assert.Equal(t, "device_id", msg.Headers[0].Key)
	assert.Equal(t, []byte("d1"), msg.Headers[0].Value)
	assert.Equal(t, "recorded_at", msg.Headers[1].Key)
	assert.Equal(t, []byte(ts.Format(time.RFC3339)), msg.Headers[1].Value)
}
