// Package intel holds source-IP threat indicators, from static configuration
// and from TAXII 2.1 peers, and answers whether a client IP is listed.
package intel

import (
	"fmt"
	"net/netip"
	"strings"
	"time"
)

type IndicatorType string

const (
	IndicatorIPv4 IndicatorType = "ipv4-addr"
	IndicatorIPv6 IndicatorType = "ipv6-addr"
)

// Indicator is one listed address or network. A zero ValidUntil never expires.
type Indicator struct {
	ID          string        `json:"id"`
	Type        IndicatorType `json:"type"`
	Value       string        `json:"value"` // canonical IP or masked CIDR
	Confidence  int           `json:"confidence"`
	ValidFrom   time.Time     `json:"valid_from"`
	ValidUntil  time.Time     `json:"valid_until"`
	Labels      []string      `json:"labels,omitempty"`
	Source      string        `json:"source"`
	Description string        `json:"description,omitempty"`

	prefix netip.Prefix
}

// NewIndicator parses value as an address or CIDR and fills Type and the
// canonical Value.
func NewIndicator(id, value, source string) (*Indicator, error) {
	ind := &Indicator{ID: id, Value: value, Source: source, Confidence: 100}
	if err := ind.normalize(); err != nil {
		return nil, err
	}
	return ind, nil
}

func (i *Indicator) normalize() error {
	v := strings.TrimSpace(i.Value)
	var p netip.Prefix
	if strings.Contains(v, "/") {
		pp, err := netip.ParsePrefix(v)
		if err != nil {
			return fmt.Errorf("indicator %q: %w", i.Value, err)
		}
		p = pp.Masked()
	} else {
		a, err := netip.ParseAddr(v)
		if err != nil {
			return fmt.Errorf("indicator %q: %w", i.Value, err)
		}
		a = a.Unmap()
		p = netip.PrefixFrom(a, a.BitLen())
	}
	i.prefix = p
	if p.IsSingleIP() {
		i.Value = p.Addr().String()
	} else {
		i.Value = p.String()
	}
	if p.Addr().Is4() {
		i.Type = IndicatorIPv4
	} else {
		i.Type = IndicatorIPv6
	}
	return nil
}

func (i *Indicator) expiredAt(now time.Time) bool {
	return !i.ValidUntil.IsZero() && !now.Before(i.ValidUntil)
}

func (i *Indicator) activeAt(now time.Time) bool {
	return !now.Before(i.ValidFrom) && !i.expiredAt(now)
}

func (i *Indicator) contains(a netip.Addr) bool { return i.prefix.Contains(a) }
