package redact

import (
	"net/netip"
	"testing"

	"github.com/c2trail/c2trail/internal/config"
	"github.com/c2trail/c2trail/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFilter(t *testing.T) *Filter {
	t.Helper()
	cfg := &config.Config{Exclusions: config.ExclusionConfig{
		Internal:  []string{"10.10.0.0/16"},
		External:  []string{"203.0.113.7"},
		Hostnames: []string{"JUMPBOX"},
		Commands: []any{
			"sleep",
			map[string]any{"and": []any{"net", "group"}, "type": "input"},
		},
	}}
	f, err := NewFilter(cfg, []netip.Prefix{netip.MustParsePrefix("192.168.1.0/24")})
	require.NoError(t, err)
	return f
}

func TestFilterIsNoise(t *testing.T) {
	f := newFilter(t)

	tests := []struct {
		name  string
		entry model.Entry
		want  bool
	}{
		{"substring", model.Entry{Type: model.TypeInput, Content: "sleep 10"}, true},
		{"conjunctive", model.Entry{Type: model.TypeInput, Content: `net group "Domain Admins" /domain`}, true},
		{"conjunctive wrong type", model.Entry{Type: model.TypeOutput, Content: "net group output"}, false},
		{"conjunctive partial", model.Entry{Type: model.TypeInput, Content: "net user"}, false},
		{"clean", model.Entry{Type: model.TypeInput, Content: "whoami"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, f.IsNoise(&tt.entry))
		})
	}
}

func TestFilterDefaultRules(t *testing.T) {
	f, err := NewFilter(&config.Config{}, nil)
	require.NoError(t, err)

	assert.True(t, f.IsNoise(&model.Entry{Type: model.TypeInput, Content: "sleep 5"}))
	assert.True(t, f.IsNoise(&model.Entry{Type: model.TypeTask, Content: "Tasked beacon to sleep for 5s"}))
	assert.False(t, f.IsNoise(&model.Entry{Type: model.TypeOutput, Content: "sleep 5"}))
}

func TestFilterDefaultRulesMatchVerb(t *testing.T) {
	f, err := NewFilter(&config.Config{}, nil)
	require.NoError(t, err)

	tests := []struct {
		content string
		want    bool
	}{
		{"clear", true},
		{"sleep 60", true},
		{"jobs", true},
		{"jobkill 2", true},
		{"  exit", true},
		{`shell wevtutil clear-log Security`, false},
		{`powershell Remove-Item C:\exit_codes.txt`, false},
		{`shell type C:\scheduled\jobs.xml`, false},
		{"sleeper", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.content, func(t *testing.T) {
			e := &model.Entry{Type: model.TypeInput, Content: tt.content}
			assert.Equal(t, tt.want, f.IsNoise(e))
		})
	}
}

func TestFilterCommandRule(t *testing.T) {
	cfg := &config.Config{Exclusions: config.ExclusionConfig{
		Commands: []any{
			map[string]any{"command": []any{"ls", "pwd"}, "type": "input"},
			map[string]any{"command": "shell", "and": []any{"ipconfig"}},
		},
	}}
	f, err := NewFilter(cfg, nil)
	require.NoError(t, err)

	assert.True(t, f.IsNoise(&model.Entry{Type: model.TypeInput, Content: "ls C:\\Users"}))
	assert.True(t, f.IsNoise(&model.Entry{Type: model.TypeInput, Content: "pwd"}))
	assert.False(t, f.IsNoise(&model.Entry{Type: model.TypeOutput, Content: "ls"}))
	assert.False(t, f.IsNoise(&model.Entry{Type: model.TypeInput, Content: "shell dir pwd"}))
	assert.True(t, f.IsNoise(&model.Entry{Type: model.TypeInput, Content: "shell ipconfig /all"}))
	assert.False(t, f.IsNoise(&model.Entry{Type: model.TypeInput, Content: "run ipconfig"}))
}

func TestFilterSessionExcluded(t *testing.T) {
	f := newFilter(t)

	tests := []struct {
		name    string
		session model.Session
		want    bool
	}{
		{"internal range", model.Session{IP: "10.10.4.2"}, true},
		{"hostname", model.Session{IP: "172.16.0.1", Hostname: "jumpbox"}, true},
		{"external", model.Session{IP: "172.16.0.1", ExternalIP: "203.0.113.7"}, true},
		{"exclude file", model.Session{IP: "192.168.1.5"}, true},
		{"kept", model.Session{IP: "172.16.0.1", Hostname: "WS01"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, f.SessionExcluded(&tt.session))
		})
	}
	assert.True(t, f.IPExcluded("192.168.1.200"))
	assert.False(t, f.IPExcluded("10.10.4.2"))
}

func TestCSVSafe(t *testing.T) {
	assert.Equal(t, `a;b 'c'`, CSVSafe(`a,b "c"`, ","))
	assert.Equal(t, `a,b 'c'`, CSVSafe(`a;b "c"`, ";"))
	assert.Equal(t, "a\tb", CSVSafe("a\tb", ","))
	assert.Equal(t, "x;y", CSVSafe("x,y", ""))
}
