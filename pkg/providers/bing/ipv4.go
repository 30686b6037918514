package bing

import (
	"fmt"
	"math/rand"
	"net"
	"strings"
)

// ValidIPv4 validates a forwarded-for value. A plain address is returned
// as-is; a CIDR value yields a random host address within the subnet, so
// repeated sessions do not pin one spoofed address.
func ValidIPv4(value string) (string, bool) {
	if !strings.Contains(value, "/") {
		ip := net.ParseIP(value)
		if ip == nil || ip.To4() == nil {
			return "", false
		}
		return value, true
	}

	_, network, err := net.ParseCIDR(value)
	if err != nil || network.IP.To4() == nil {
		return "", false
	}
	ones, bits := network.Mask.Size()
	hostBits := bits - ones
	if hostBits == 0 {
		return network.IP.String(), true
	}

	base := network.IP.To4()
	offset := rand.Uint32() & ((1 << hostBits) - 1)
	addr := uint32(base[0])<<24 | uint32(base[1])<<16 | uint32(base[2])<<8 | uint32(base[3])
	addr += offset
	return fmt.Sprintf("%d.%d.%d.%d", byte(addr>>24), byte(addr>>16), byte(addr>>8), byte(addr)), true
}
