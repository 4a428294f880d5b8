package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ProcessRuleConfig is one process entry of an ApplicationRuleConfig.
type ProcessRuleConfig struct {
	Name              string   `yaml:"name" mapstructure:"name"`
	Required          bool     `yaml:"required" mapstructure:"required"`
	WaitExit          bool     `yaml:"wait_exit" mapstructure:"wait_exit"`
	ExpectedLoading   int      `yaml:"expected_loading" mapstructure:"expected_loading"`
	StartRank         int      `yaml:"start_rank" mapstructure:"start_rank"`
	StopRank          int      `yaml:"stop_rank" mapstructure:"stop_rank"`
	StartingAddresses []string `yaml:"starting_addresses,omitempty" mapstructure:"starting_addresses"`
}

// ApplicationRuleConfig is one application entry of a RuleSet.
type ApplicationRuleConfig struct {
	Name                    string              `yaml:"name" mapstructure:"name"`
	StartSequenceRank       int                 `yaml:"start_sequence_rank" mapstructure:"start_sequence_rank"`
	StopSequenceRank        int                 `yaml:"stop_sequence_rank" mapstructure:"stop_sequence_rank"`
	StartingFailureStrategy string              `yaml:"starting_failure_strategy" mapstructure:"starting_failure_strategy"`
	RunningFailureStrategy  string              `yaml:"running_failure_strategy" mapstructure:"running_failure_strategy"`
	Processes               []ProcessRuleConfig `yaml:"processes" mapstructure:"processes"`
}

// RuleSet is the parsed contents of the rules file (spec.md §4.5 Parser's
// backing data, out of scope at the core but required by any real
// implementation of load_application_rules/load_process_rules).
type RuleSet struct {
	Applications []ApplicationRuleConfig `yaml:"applications" mapstructure:"applications"`
}

// LoadRuleSet reads and parses the rule file at path.
func LoadRuleSet(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading rule file: %w", err)
	}
	var rs RuleSet
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return nil, fmt.Errorf("parsing rule file: %w", err)
	}
	return &rs, nil
}

// Application finds the rule config for name, if present.
func (rs *RuleSet) Application(name string) (ApplicationRuleConfig, bool) {
	for _, app := range rs.Applications {
		if app.Name == name {
			return app, true
		}
	}
	return ApplicationRuleConfig{}, false
}

// Process finds the rule config for (appName, procName), if present.
func (rs *RuleSet) Process(appName, procName string) (ProcessRuleConfig, bool) {
	app, ok := rs.Application(appName)
	if !ok {
		return ProcessRuleConfig{}, false
	}
	for _, proc := range app.Processes {
		if proc.Name == procName {
			return proc, true
		}
	}
	return ProcessRuleConfig{}, false
}
