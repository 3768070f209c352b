package intel

import (
	"encoding/json"
	"fmt"
	"regexp"
	"time"
)

var stixValue = regexp.MustCompile(`\[(ipv4-addr|ipv6-addr):value\s*=\s*'([^']+)'\]`)

// defaultValidity applies to feed indicators that carry no valid_until.
const defaultValidity = 24 * time.Hour

type stixIndicator struct {
	Type        string    `json:"type"`
	ID          string    `json:"id"`
	Pattern     string    `json:"pattern"`
	ValidFrom   time.Time `json:"valid_from"`
	ValidUntil  time.Time `json:"valid_until,omitempty"`
	Confidence  int       `json:"confidence,omitempty"`
	Labels      []string  `json:"labels,omitempty"`
	Description string    `json:"description,omitempty"`
}

// envelope covers both a STIX bundle and a TAXII 2.1 objects response.
type envelope struct {
	Objects []stixIndicator `json:"objects"`
	More    bool            `json:"more,omitempty"`
	Next    string          `json:"next,omitempty"`
}

// ParseObjects extracts IP indicators from a STIX bundle or TAXII envelope.
// Objects that are not indicators, or whose pattern is not a single
// ipv4-addr/ipv6-addr comparison, are skipped.
func ParseObjects(data []byte, source string) ([]*Indicator, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshal stix objects: %w", err)
	}
	out := make([]*Indicator, 0, len(env.Objects))
	for _, obj := range env.Objects {
		if obj.Type != "indicator" {
			continue
		}
		m := stixValue.FindStringSubmatch(obj.Pattern)
		if len(m) < 3 {
			continue
		}
		ind := &Indicator{
			ID:          obj.ID,
			Value:       m[2],
			Confidence:  obj.Confidence,
			ValidFrom:   obj.ValidFrom,
			ValidUntil:  obj.ValidUntil,
			Labels:      obj.Labels,
			Source:      source,
			Description: obj.Description,
		}
		if err := ind.normalize(); err != nil {
			continue
		}
		if ind.ValidUntil.IsZero() && !ind.ValidFrom.IsZero() {
			ind.ValidUntil = ind.ValidFrom.Add(defaultValidity)
		}
		if ind.Confidence == 0 {
			ind.Confidence = 50
		}
		out = append(out, ind)
	}
	return out, nil
}
