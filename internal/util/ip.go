package util

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net"
)

// HMACIP truncates IPv4 to /24 (IPv6 to /48), then HMACs the prefix so logs
// can correlate sources without storing addresses.
func HMACIP(ipStr string, key []byte) string {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return "unknown"
	}
	var cidr string
	if v4 := ip.To4(); v4 != nil {
		cidr = v4.Mask(net.CIDRMask(24, 32)).String()
	} else {
		cidr = ip.Mask(net.CIDRMask(48, 128)).String()
	}
	m := hmac.New(sha256.New, key)
	m.Write([]byte(cidr))
	return hex.EncodeToString(m.Sum(nil))[:16]
}

// IPMasker renders IPs for security events: verbatim when no key is set,
// HMAC-anonymized otherwise.
type IPMasker struct {
	key []byte
}

func NewIPMasker(key string) IPMasker {
	if key == "" {
		return IPMasker{}
	}
	return IPMasker{key: []byte(key)}
}

func (m IPMasker) Enabled() bool { return len(m.key) > 0 }

func (m IPMasker) Mask(ip string) string {
	if ip == "" || !m.Enabled() {
		return ip
	}
	return HMACIP(ip, m.key)
}
