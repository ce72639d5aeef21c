package ipc

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	rec := NewRecord(NewInstanceID(), TypeTaskSpawned)
	rec.TaskID = "f-abcde"
	rec.RunID = "run-12345"
	rec.Agent = "claude"

	data, err := Encode(rec)
	require.NoError(t, err)
	require.Equal(t, byte('\n'), data[len(data)-1])

	decoded, err := Decode(data[:len(data)-1])
	require.NoError(t, err)
	require.Equal(t, rec.TaskID, decoded.TaskID)
	require.Equal(t, rec.RunID, decoded.RunID)
	require.Equal(t, TypeTaskSpawned, decoded.Type)
}

func TestDecodeRejectsMissingType(t *testing.T) {
	_, err := Decode([]byte(`{"instance_id":"x","timestamp":"2024-01-01T00:00:00Z"}`))
	require.Error(t, err)
}

func TestDecodeRejectsMalformedJSON(t *testing.T) {
	_, err := Decode([]byte(`not json`))
	require.Error(t, err)
}

func TestNewInstanceIDIsUUID(t *testing.T) {
	id := NewInstanceID()
	require.Len(t, id, 36)
}
