package daemon

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMatchRule(t *testing.T) {
	tests := []struct {
		rule string
		want MatchRule
	}{
		{"", MatchRule{}},
		{"type='signal'", MatchRule{"type": "signal"}},
		{
			"type='signal',sender='org.freedesktop.DBus',interface='org.freedesktop.DBus',member='NameOwnerChanged',arg0='org.example.A'",
			MatchRule{
				"type":      "signal",
				"sender":    "org.freedesktop.DBus",
				"interface": "org.freedesktop.DBus",
				"member":    "NameOwnerChanged",
				"arg0":      "org.example.A",
			},
		},
		{"path_namespace='/org/example',arg2path='/a/'", MatchRule{"path_namespace": "/org/example", "arg2path": "/a/"}},
		{"arg0namespace='org.example'", MatchRule{"arg0namespace": "org.example"}},
		{"arg1='it'\\''s',eavesdrop='true'", MatchRule{"arg1": "it's", "eavesdrop": "true"}},
		{"arg0='a,b'", MatchRule{"arg0": "a,b"}},
	}

	for _, tt := range tests {
		t.Run(tt.rule, func(t *testing.T) {
			got, err := ParseMatchRule(tt.rule)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseMatchRule_Invalid(t *testing.T) {
	tests := []string{
		"type",
		"type='sig",
		"type='broadcast'",
		"color='red'",
		"interface='nodots'",
		"member='9lives'",
		"path='relative'",
		"sender='not a name'",
		"arg64='x'",
		"arg1namespace='x'",
		"argfoo='x'",
		"eavesdrop='maybe'",
		"type='signal',type='error'",
	}

	for _, rule := range tests {
		t.Run(rule, func(t *testing.T) {
			_, err := ParseMatchRule(rule)
			assert.Error(t, err)
		})
	}
}
