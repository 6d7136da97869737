package policy

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestAccepts(t *testing.T) {
	props := map[string]string{
		"os":      "linux",
		"threads": "8",
		"host":    "worker-12.grid.local",
		"zone":    "eu-west",
	}

	tests := []struct {
		name   string
		policy *Policy
		want   bool
	}{
		{"nil accepts", nil, true},
		{"equal match", Equal("os", "linux"), true},
		{"equal mismatch", Equal("os", "windows"), false},
		{"equal missing property", Equal("gpu", "yes"), false},
		{"contains", Contains("host", "grid"), true},
		{"one of", OneOf("zone", "us-east", "eu-west"), true},
		{"one of miss", OneOf("zone", "us-east"), false},
		{"regexp", RegExp("host", `^worker-\d+\.`), true},
		{"regexp miss", RegExp("host", `^driver`), false},
		{"at least", AtLeast("threads", 4), true},
		{"at least boundary", AtLeast("threads", 8), true},
		{"at most", AtMost("threads", 4), false},
		{"numeric on text", AtLeast("os", 1), false},
		{"and", And(Equal("os", "linux"), AtLeast("threads", 2)), true},
		{"and short", And(Equal("os", "linux"), AtLeast("threads", 16)), false},
		{"or", Or(Equal("os", "windows"), Equal("zone", "eu-west")), true},
		{"not", Not(Equal("os", "windows")), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.policy.Accepts(props))
		})
	}
}

func TestValidate(t *testing.T) {
	assert.NoError(t, And(RegExp("host", "a.*"), Not(Equal("x", "y"))).Validate())
	assert.Error(t, RegExp("host", "(").Validate())
	assert.Error(t, Equal("", "x").Validate())
	assert.Error(t, (&Policy{Op: OpNot}).Validate())
	assert.Error(t, (&Policy{Op: "bogus"}).Validate())
	assert.Error(t, And().Validate())
}

func TestPolicyFromDocuments(t *testing.T) {
	doc := `
op: and
children:
  - op: at_least
    property: threads
    number: 4
  - op: regexp
    property: host
    value: "^worker-"
`
	var fromYAML Policy
	require.NoError(t, yaml.Unmarshal([]byte(doc), &fromYAML))
	require.NoError(t, fromYAML.Validate())
	assert.True(t, fromYAML.Accepts(map[string]string{"threads": "4", "host": "worker-1"}))
	assert.False(t, fromYAML.Accepts(map[string]string{"threads": "2", "host": "worker-1"}))

	data, err := json.Marshal(&fromYAML)
	require.NoError(t, err)
	var fromJSON Policy
	require.NoError(t, json.Unmarshal(data, &fromJSON))
	assert.Equal(t, fromYAML.String(), fromJSON.String())
}
