package apikey

import (
	"testing"
	"time"

	"secgate/gateway/internal/denial"
	"secgate/gateway/internal/principal"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestUnmarshalEitherShape(t *testing.T) {
	src := `
keys:
  - plain-secret-1
  - key: detailed-secret-2
    id: billing-worker
    created_at: 2024-05-01T10:00:00Z
    role: BILLING
`
	var doc struct {
		Keys []Key `yaml:"keys"`
	}
	require.NoError(t, yaml.Unmarshal([]byte(src), &doc))
	require.Len(t, doc.Keys, 2)

	require.False(t, doc.Keys[0].IsDetailed())
	require.Equal(t, "plain-secret-1", doc.Keys[0].Secret())

	d := doc.Keys[1]
	require.True(t, d.IsDetailed())
	require.Equal(t, "detailed-secret-2", d.Secret())
	require.Equal(t, "billing-worker", d.ID())
	require.Equal(t, "BILLING", d.Role())
	require.True(t, d.CreatedAt().Equal(time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)))
}

func TestUnmarshalRejectsSequence(t *testing.T) {
	var doc struct {
		Keys []Key `yaml:"keys"`
	}
	err := yaml.Unmarshal([]byte("keys:\n  - [a, b]\n"), &doc)
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	v, err := NewValidator([]Key{
		Plain("plain-secret-1"),
		FromDetailed(Detailed{Key: "detailed-secret-2", ID: "billing-worker", Role: "BILLING"}),
	}, "")
	require.NoError(t, err)
	require.Equal(t, 2, v.Len())

	p, err := v.Validate("plain-secret-1")
	require.NoError(t, err)
	require.Equal(t, DefaultRole, p.Role)
	require.Equal(t, principal.MethodAPIKey, p.Method)
	require.Regexp(t, `^apikey:key-[0-9a-f]{8}$`, p.IdentityID)

	p, err = v.Validate(" detailed-secret-2 ")
	require.NoError(t, err)
	require.Equal(t, "apikey:billing-worker", p.IdentityID)
	require.Equal(t, "BILLING", p.Role)

	for _, bad := range []string{"", "plain-secret", "plain-secret-1x", "DETAILED-SECRET-2"} {
		_, err := v.Validate(bad)
		require.True(t, denial.Is(err, denial.InvalidAPIKey), "key %q", bad)
	}
}

func TestNewValidatorRejectsEmptyKey(t *testing.T) {
	_, err := NewValidator([]Key{Plain("ok"), Plain("  ")}, "")
	require.ErrorIs(t, err, ErrEmptyKey)
}
