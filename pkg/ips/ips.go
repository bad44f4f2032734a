package ips

import (
	"fmt"
	"net"
	"os"
)

// envOverride short-circuits interface discovery, for hosts with several
// candidate addresses.
const envOverride = "FLOTILLA_IP"

// FindGlobal returns the address this manager should register under: the
// override from the environment if set, otherwise the first non-loopback
// IPv4 on any interface that is up.
func FindGlobal() (string, error) {
	if override := os.Getenv(envOverride); override != "" {
		if net.ParseIP(override) == nil {
			return "", fmt.Errorf("invalid %s value %q", envOverride, override)
		}
		return override, nil
	}

	ifaces, err := net.Interfaces()
	if err != nil {
		return "", fmt.Errorf("failed to list interfaces: %w", err)
	}

	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipnet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			ip := ipnet.IP.To4()
			if ip == nil || ip.IsLoopback() || ip.IsLinkLocalUnicast() {
				continue
			}
			return ip.String(), nil
		}
	}
	return "", fmt.Errorf("no usable global address found")
}
