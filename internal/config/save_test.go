package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestSaveMembers_NewFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	members := []MemberConfig{
		{Address: "10.0.0.1:9100", Local: true},
		{Address: "10.0.0.2:9100"},
	}
	require.NoError(t, SaveMembers(path, members))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var cfg Config
	require.NoError(t, yaml.Unmarshal(data, &cfg))
	require.Len(t, cfg.Members, 2)
	require.Equal(t, "10.0.0.1:9100", cfg.Members[0].Address)
	require.True(t, cfg.Members[0].Local)
	require.False(t, cfg.Members[1].Local)
}

func TestSaveMembers_PreservesOtherSections(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(DefaultConfigTemplate()), 0o600))

	members := []MemberConfig{{Address: "10.0.0.9:9100", Local: true}}
	require.NoError(t, SaveMembers(path, members))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var cfg Config
	require.NoError(t, yaml.Unmarshal(data, &cfg))
	require.Len(t, cfg.Members, 1)
	require.Equal(t, "10.0.0.9:9100", cfg.Members[0].Address)
	require.Equal(t, "rules.yaml", cfg.RulesFile)
	require.Equal(t, "config", cfg.Placement.Strategy)
}

func TestSaveMembers_Overwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	require.NoError(t, SaveMembers(path, []MemberConfig{{Address: "10.0.0.1:9100", Local: true}}))
	require.NoError(t, SaveMembers(path, []MemberConfig{{Address: "10.0.0.2:9100", Local: true}}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var cfg Config
	require.NoError(t, yaml.Unmarshal(data, &cfg))
	require.Len(t, cfg.Members, 1)
	require.Equal(t, "10.0.0.2:9100", cfg.Members[0].Address)
}

func TestReloadRuleSet_NoChange(t *testing.T) {
	path := writeRuleFile(t, sampleRules)
	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	rs, diff, err := ReloadRuleSet(path, string(raw))
	require.NoError(t, err)
	require.Empty(t, diff)
	require.Len(t, rs.Applications, 2)
}

func TestReloadRuleSet_Changed(t *testing.T) {
	path := writeRuleFile(t, sampleRules)
	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	updated := sampleRules + "\n  # a trailing comment\n"
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o600))

	rs, diff, err := ReloadRuleSet(path, string(raw))
	require.NoError(t, err)
	require.NotEmpty(t, diff)
	require.Len(t, rs.Applications, 2)
}

func TestReloadRuleSet_MissingFile(t *testing.T) {
	_, _, err := ReloadRuleSet(filepath.Join(t.TempDir(), "missing.yaml"), "")
	require.Error(t, err)
}

func TestReloadRuleSet_InvalidYAML(t *testing.T) {
	path := writeRuleFile(t, "applications: [not valid")
	_, _, err := ReloadRuleSet(path, "")
	require.Error(t, err)
}
