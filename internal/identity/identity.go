// Package identity derives the device's stable identifier and transport
// credential from its hardware MAC address. Both are sent as connect-time
// transport headers; neither is persisted — they are recomputed at boot.
//
// No library in the retrieved examples addresses this one-off byte-mangling
// derivation, so it is implemented directly on encoding/hex and net.
package identity

import (
	"encoding/hex"
	"fmt"
	"net"
)

// xorMask alternates 0xA5/0x5A across the reversed MAC bytes.
var xorMask = [2]byte{0xA5, 0x5A}

// Identity holds the derived device id and transport credential.
type Identity struct {
	DeviceID    string
	DeviceToken string
	MAC         net.HardwareAddr
}

// Derive computes the device identity from a MAC address.
func Derive(mac net.HardwareAddr) (Identity, error) {
	if len(mac) == 0 {
		return Identity{}, fmt.Errorf("identity: empty MAC address")
	}

	id := "hitony-" + hex.EncodeToString(mac)

	reversed := make([]byte, len(mac))
	for i, b := range mac {
		j := len(mac) - 1 - i
		reversed[j] = b ^ xorMask[j%2]
	}
	token := hex.EncodeToString(reversed)

	return Identity{DeviceID: id, DeviceToken: token, MAC: mac}, nil
}

// DeriveFromPrimaryInterface picks the first non-loopback interface with a
// non-empty hardware address and derives an Identity from it.
func DeriveFromPrimaryInterface() (Identity, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return Identity{}, fmt.Errorf("identity: list interfaces: %w", err)
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		if len(iface.HardwareAddr) == 0 {
			continue
		}
		return Derive(iface.HardwareAddr)
	}
	return Identity{}, fmt.Errorf("identity: no interface with a hardware address found")
}
