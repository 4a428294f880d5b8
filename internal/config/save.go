package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/zjrosen/clusterd/internal/diffutil"
)

// SaveMembers updates the members section of the config file in place,
// preserving comments and formatting elsewhere via yaml.Node (the same
// technique the upstream config package uses for its own list sections).
func SaveMembers(configPath string, members []MemberConfig) error {
	data, err := os.ReadFile(configPath)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("reading config: %w", err)
	}

	var doc yaml.Node
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("parsing config: %w", err)
		}
	}

	membersNode, err := buildMembersNode(members)
	if err != nil {
		return fmt.Errorf("building members node: %w", err)
	}

	if doc.Kind == 0 {
		doc = yaml.Node{
			Kind: yaml.DocumentNode,
			Content: []*yaml.Node{
				{
					Kind: yaml.MappingNode,
					Content: []*yaml.Node{
						{Kind: yaml.ScalarNode, Value: "members"},
						membersNode,
					},
				},
			},
		}
	} else if doc.Kind == yaml.DocumentNode && len(doc.Content) > 0 {
		root := doc.Content[0]
		if root.Kind == yaml.MappingNode {
			found := false
			for i := 0; i < len(root.Content)-1; i += 2 {
				if root.Content[i].Value == "members" {
					root.Content[i+1] = membersNode
					found = true
					break
				}
			}
			if !found {
				root.Content = append(root.Content,
					&yaml.Node{Kind: yaml.ScalarNode, Value: "members"},
					membersNode,
				)
			}
		}
	}

	var buf bytes.Buffer
	encoder := yaml.NewEncoder(&buf)
	encoder.SetIndent(2)
	if err := encoder.Encode(&doc); err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	_ = encoder.Close()

	return atomicWrite(configPath, buf.Bytes())
}

func buildMembersNode(members []MemberConfig) (*yaml.Node, error) {
	node := &yaml.Node{Kind: yaml.SequenceNode, Content: make([]*yaml.Node, 0, len(members))}
	for _, m := range members {
		memberNode := &yaml.Node{Kind: yaml.MappingNode}
		memberNode.Content = append(memberNode.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Value: "address"},
			&yaml.Node{Kind: yaml.ScalarNode, Value: m.Address},
		)
		if m.Local {
			memberNode.Content = append(memberNode.Content,
				&yaml.Node{Kind: yaml.ScalarNode, Value: "local"},
				&yaml.Node{Kind: yaml.ScalarNode, Value: "true", Tag: "!!bool"},
			)
		}
		node.Content = append(node.Content, memberNode)
	}
	return node, nil
}

func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	temp, err := os.CreateTemp(dir, ".clusterd.yaml.tmp.*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tempPath := temp.Name()

	if _, err := temp.Write(data); err != nil {
		_ = temp.Close()
		_ = os.Remove(tempPath)
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := temp.Close(); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("renaming temp file: %w", err)
	}
	return nil
}

// ReloadRuleSet re-reads path, diffs it against the previously loaded raw
// text, and returns the new RuleSet plus a human-readable summary of what
// changed (empty if nothing did). Callers log the summary so an operator
// can see exactly what a hot rule-file reload picked up.
func ReloadRuleSet(path string, previousRaw string) (*RuleSet, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("reading rule file: %w", err)
	}
	var rs RuleSet
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return nil, "", fmt.Errorf("parsing rule file: %w", err)
	}
	return &rs, diffutil.Unified(previousRaw, string(data)), nil
}
