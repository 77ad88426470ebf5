package coreapi

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"corenexus/internal/shared/types"
)

// Profile holds the controller-related keys of a core configuration file.
type Profile struct {
	Mode               string `yaml:"mode"`
	MixedPort          int    `yaml:"mixed-port"`
	SocksPort          int    `yaml:"socks-port"`
	ExternalController string `yaml:"external-controller"`
	ExternalUnix       string `yaml:"external-controller-unix"`
	Secret             string `yaml:"secret"`
}

// ReadProfile 解析核心配置文件中与控制面相关的字段，其余字段忽略。
func ReadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	p := &Profile{}
	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("failed to parse core config %s: %w", path, err)
	}
	return p, nil
}

// ProxyPort returns the port a local client should dial, preferring the mixed port.
func (p *Profile) ProxyPort() int {
	if p.MixedPort > 0 {
		return p.MixedPort
	}
	return p.SocksPort
}

// WriteMode 在不改变其余内容的前提下改写配置文件顶层的 mode 键。
// 键不存在时追加到文档末尾。
func WriteMode(path string, mode types.OutboundMode) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to parse core config %s: %w", path, err)
	}
	if doc.Kind == 0 {
		doc = yaml.Node{Kind: yaml.DocumentNode, Content: []*yaml.Node{{Kind: yaml.MappingNode, Tag: "!!map"}}}
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 || doc.Content[0].Kind != yaml.MappingNode {
		return fmt.Errorf("core config %s: top level is not a mapping", path)
	}

	root := doc.Content[0]
	updated := false
	for i := 0; i+1 < len(root.Content); i += 2 {
		if root.Content[i].Value == "mode" {
			root.Content[i+1].Kind = yaml.ScalarNode
			root.Content[i+1].Tag = "!!str"
			root.Content[i+1].Value = string(mode)
			updated = true
			break
		}
	}
	if !updated {
		root.Content = append(root.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: "mode"},
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: string(mode)},
		)
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&doc); err != nil {
		return err
	}
	if err := enc.Close(); err != nil {
		return err
	}

	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	return os.WriteFile(path, buf.Bytes(), info.Mode().Perm())
}
