package util

import (
	"fmt"
	"net"
	"strings"
)

// ParseSubnet parses a CIDR string such as "10.0.0.0/24" or "2001:db8::/48".
// Host bits are allowed ("10.0.0.5/24" describes 10.0.0.0/24).
func ParseSubnet(cidr string) (*net.IPNet, error) {
	_, ipNet, err := net.ParseCIDR(strings.TrimSpace(cidr))
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSubnet, cidr)
	}
	return ipNet, nil
}

// IsValidCIDR checks if a string is valid CIDR notation (IPv4 or IPv6)
func IsValidCIDR(cidr string) bool {
	_, err := ParseSubnet(cidr)
	return err == nil
}

// SubnetContains reports whether ipStr lies inside subnet. Unparseable
// addresses are never contained.
func SubnetContains(subnet *net.IPNet, ipStr string) bool {
	ip := net.ParseIP(strings.TrimSpace(ipStr))
	if ip == nil || subnet == nil {
		return false
	}
	return subnet.Contains(ip)
}

// PrefixLen returns the mask length of subnet (24 for a /24)
func PrefixLen(subnet *net.IPNet) int {
	ones, _ := subnet.Mask.Size()
	return ones
}

// SubnetFileName converts a CIDR into a file base name. The mask separator
// "/" becomes "_"; every other character is kept as written.
//
//	"10.0.0.0/24" → "10.0.0.0_24"
func SubnetFileName(cidr string) string {
	return strings.ReplaceAll(strings.TrimSpace(cidr), "/", "_")
}

// SubnetFromFileName reverses SubnetFileName. The last "_" is the mask separator.
func SubnetFromFileName(name string) string {
	idx := strings.LastIndex(name, "_")
	if idx < 0 {
		return name
	}
	return name[:idx] + "/" + name[idx+1:]
}
