package config

import (
	"crypto/sha256"
	"fmt"
	"net"
	"strings"

	"github.com/google/uuid"
)

func deriveIdentity(cfg *Config) {
	if strings.TrimSpace(cfg.XiaoZhi.DeviceID) == "" {
		cfg.XiaoZhi.DeviceID = DeviceID()
	}
	if strings.TrimSpace(cfg.XiaoZhi.ClientID) == "" {
		cfg.XiaoZhi.ClientID = uuid.NewString()
	}
}

// DeviceID returns the MAC address of the first up, non-loopback hardware
// interface, or a MAC-shaped id derived from a random uuid.
func DeviceID() string {
	if ifaces, err := net.Interfaces(); err == nil {
		for _, iface := range ifaces {
			if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
				continue
			}
			if len(iface.HardwareAddr) == 6 {
				return strings.ToLower(iface.HardwareAddr.String())
			}
		}
	}
	return macFromUUID(uuid.New())
}

func macFromUUID(id uuid.UUID) string {
	sum := sha256.Sum256(id[:])
	// Locally administered, unicast.
	sum[0] = (sum[0] | 0x02) &^ 0x01
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", sum[0], sum[1], sum[2], sum[3], sum[4], sum[5])
}
