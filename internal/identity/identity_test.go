package identity

import (
	"encoding/hex"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDeriveDeviceID(t *testing.T) {
	mac := net.HardwareAddr{0xDE, 0xAD, 0xBE, 0xEF, 0x00, 0x01}
	id, err := Derive(mac)
	require.NoError(t, err)
	require.Equal(t, "hitony-deadbeef0001", id.DeviceID)
}

func TestDeriveTokenIsReversedAndMasked(t *testing.T) {
	mac := net.HardwareAddr{0xDE, 0xAD, 0xBE, 0xEF, 0x00, 0x01}
	id, err := Derive(mac)
	require.NoError(t, err)

	// Manually compute the expected token: reverse the MAC, then XOR bytes
	// alternately with 0xA5/0x5A starting from the reversed array's index 0.
	reversed := []byte{0x01, 0x00, 0xEF, 0xBE, 0xAD, 0xDE}
	mask := [2]byte{0xA5, 0x5A}
	expected := make([]byte, len(reversed))
	for i, b := range reversed {
		expected[i] = b ^ mask[i%2]
	}
	require.Equal(t, hex.EncodeToString(expected), id.DeviceToken)
}

func TestDeriveEmptyMACErrors(t *testing.T) {
	_, err := Derive(nil)
	require.Error(t, err)
}

func TestDeriveIsDeterministic(t *testing.T) {
	mac := net.HardwareAddr{0x01, 0x02, 0x03, 0x04, 0x05, 0x06}
	a, err := Derive(mac)
	require.NoError(t, err)
	b, err := Derive(mac)
	require.NoError(t, err)
	require.Equal(t, a, b)
}
