package bootstrap

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeEndpointRoundTrip(t *testing.T) {
	rec, err := encodeEndpoint(3, Endpoint{Host: "node07", Port: 4242})
	require.NoError(t, err)
	require.Len(t, rec, endpointRecordSize)

	rank, ep, err := decodeEndpoint(rec)
	require.NoError(t, err)
	require.Equal(t, 3, rank)
	require.Equal(t, Endpoint{Host: "node07", Port: 4242}, ep)
}

func TestEncodeEndpointRejectsOversizedHost(t *testing.T) {
	long := make([]byte, 65)
	for i := range long {
		long[i] = 'a'
	}
	_, err := encodeEndpoint(0, Endpoint{Host: string(long), Port: 1})
	require.Error(t, err)
}

func TestDecodeEndpointRejectsShortBuffer(t *testing.T) {
	_, _, err := decodeEndpoint(make([]byte, 4))
	require.Error(t, err)
}
