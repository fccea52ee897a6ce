package jobspec

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	spec := New("ECHO", map[string]any{"message": "hi"}, map[string]string{"origin": "test"})
	raw, err := spec.Encode()
	require.NoError(t, err)

	got, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, CurrentVersion, got.Version)
	assert.Equal(t, "ECHO", got.JobType)
	assert.Equal(t, "hi", got.Params["message"])
	assert.Equal(t, "test", got.Metadata["origin"])
}

func TestDecodeRejectsBadEnvelopes(t *testing.T) {
	cases := []struct {
		name string
		raw  json.RawMessage
	}{
		{"empty", nil},
		{"not json", json.RawMessage(`{broken`)},
		{"zero version", json.RawMessage(`{"version": 0, "job_type": "ECHO"}`)},
		{"future version", json.RawMessage(`{"version": 99, "job_type": "ECHO"}`)},
		{"missing job type", json.RawMessage(`{"version": 1}`)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode(tc.raw)
			require.Error(t, err)
		})
	}
}
