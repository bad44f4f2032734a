package loadbalancer

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
)

const procNetTCP = "/proc/net/tcp"

// tcpEstablished is the kernel state code for an established connection
const tcpEstablished = "01"

// activeConnections counts established TCP connections per remote
// "ip:port". This is how the proxy's live load on each backend is
// observed without asking nginx anything.
func activeConnections() map[string]int {
	counts := make(map[string]int)
	parseProcNetTCP(procNetTCP, counts)
	return counts
}

func parseProcNetTCP(path string, counts map[string]int) {
	file, err := os.Open(path)
	if err != nil {
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Scan() // header
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 4 || fields[3] != tcpEstablished {
			continue
		}
		remote, err := decodeHexAddr(fields[2])
		if err != nil {
			continue
		}
		counts[remote]++
	}
}

// decodeHexAddr converts the kernel's little-endian hex "ADDR:PORT" form
// into a dotted "ip:port" string.
func decodeHexAddr(raw string) (string, error) {
	parts := strings.Split(raw, ":")
	if len(parts) != 2 || len(parts[0]) != 8 {
		return "", fmt.Errorf("bad address %q", raw)
	}

	addrBytes, err := hex.DecodeString(parts[0])
	if err != nil {
		return "", err
	}
	// The kernel writes the address as a host-order word: reverse it.
	ip := net.IPv4(addrBytes[3], addrBytes[2], addrBytes[1], addrBytes[0])

	port, err := strconv.ParseUint(parts[1], 16, 16)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s:%d", ip.String(), port), nil
}
