// Package apikey validates machine-client keys against a configured allow-list.
package apikey

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"secgate/gateway/internal/denial"
	"secgate/gateway/internal/principal"

	"gopkg.in/yaml.v3"
)

// DefaultRole is granted to keys that do not name one.
const DefaultRole = "SERVICE"

// Detailed is the structured form of an allow-listed key.
type Detailed struct {
	Key       string    `yaml:"key"`
	ID        string    `yaml:"id"`
	CreatedAt time.Time `yaml:"created_at"`
	Role      string    `yaml:"role"`
}

// Key is either a bare secret or a Detailed record. The zero value is an
// empty plain key, which never matches.
type Key struct {
	detailed *Detailed
	plain    string
}

func Plain(secret string) Key { return Key{plain: secret} }

func FromDetailed(d Detailed) Key { return Key{detailed: &d} }

func (k Key) IsDetailed() bool { return k.detailed != nil }

// Secret is the comparison value for either shape.
func (k Key) Secret() string {
	if k.detailed != nil {
		return k.detailed.Key
	}
	return k.plain
}

// ID names the key in principals and logs. Plain keys get a digest-derived id
// so the secret itself is never logged.
func (k Key) ID() string {
	if k.detailed != nil && k.detailed.ID != "" {
		return k.detailed.ID
	}
	sum := sha256.Sum256([]byte(k.Secret()))
	return "key-" + hex.EncodeToString(sum[:4])
}

func (k Key) Role() string {
	if k.detailed != nil {
		return strings.TrimSpace(k.detailed.Role)
	}
	return ""
}

func (k Key) CreatedAt() time.Time {
	if k.detailed != nil {
		return k.detailed.CreatedAt
	}
	return time.Time{}
}

// UnmarshalYAML accepts either a scalar string or a mapping.
func (k *Key) UnmarshalYAML(n *yaml.Node) error {
	switch n.Kind {
	case yaml.ScalarNode:
		var s string
		if err := n.Decode(&s); err != nil {
			return err
		}
		*k = Plain(s)
		return nil
	case yaml.MappingNode:
		var d Detailed
		if err := n.Decode(&d); err != nil {
			return err
		}
		*k = FromDetailed(d)
		return nil
	default:
		return fmt.Errorf("api key at line %d: expected string or mapping", n.Line)
	}
}

var ErrEmptyKey = errors.New("apikey: empty key in allow-list")

type entry struct {
	digest    [sha256.Size]byte
	id        string
	role      string
	createdAt time.Time
}

// Validator compares presented keys against the allow-list in constant time.
type Validator struct {
	entries []entry
}

// NewValidator normalizes keys. Keys without a role get defaultRole (or
// DefaultRole when that is empty).
func NewValidator(keys []Key, defaultRole string) (*Validator, error) {
	if defaultRole = strings.TrimSpace(defaultRole); defaultRole == "" {
		defaultRole = DefaultRole
	}
	v := &Validator{entries: make([]entry, 0, len(keys))}
	for i, k := range keys {
		if strings.TrimSpace(k.Secret()) == "" {
			return nil, fmt.Errorf("%w (index %d)", ErrEmptyKey, i)
		}
		role := k.Role()
		if role == "" {
			role = defaultRole
		}
		v.entries = append(v.entries, entry{
			digest:    sha256.Sum256([]byte(k.Secret())),
			id:        k.ID(),
			role:      role,
			createdAt: k.CreatedAt(),
		})
	}
	return v, nil
}

func (v *Validator) Len() int { return len(v.entries) }

// Validate returns the machine principal for presented or an InvalidApiKey denial.
func (v *Validator) Validate(presented string) (principal.Principal, error) {
	presented = strings.TrimSpace(presented)
	if presented == "" {
		return principal.Principal{}, denial.New(denial.InvalidAPIKey, "missing api key")
	}
	digest := sha256.Sum256([]byte(presented))
	match := -1
	// every entry is compared so timing does not reveal the matching index
	for i := range v.entries {
		if subtle.ConstantTimeCompare(digest[:], v.entries[i].digest[:]) == 1 && match < 0 {
			match = i
		}
	}
	if match < 0 {
		return principal.Principal{}, denial.New(denial.InvalidAPIKey, "api key not recognized")
	}
	e := v.entries[match]
	return principal.Principal{
		IdentityID: "apikey:" + e.id,
		Role:       e.role,
		IssuedAt:   e.createdAt,
		Method:     principal.MethodAPIKey,
	}, nil
}
