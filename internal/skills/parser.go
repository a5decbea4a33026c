// Package skills loads markdown-defined behavior profiles. A skill is a
// directory containing a SKILL.md with YAML frontmatter (name, description,
// variables, optional MCP launch spec) followed by a markdown body that is
// appended to the system prompt while the skill is active.
package skills

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/relay-ai/relay/pkg/models"
)

const (
	// SkillFilename is the definition file expected in each skill directory.
	SkillFilename = "SKILL.md"

	frontmatterDelimiter = "---"
)

var skillNameRe = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)

type launchSpec struct {
	Command        string            `yaml:"command"`
	Args           []string          `yaml:"args,omitempty"`
	Env            map[string]string `yaml:"env,omitempty"`
	StartupTimeout time.Duration     `yaml:"startup_timeout,omitempty"`
	IdleTimeout    time.Duration     `yaml:"idle_timeout,omitempty"`
}

type frontmatter struct {
	Name        string            `yaml:"name"`
	Description string            `yaml:"description"`
	Variables   map[string]string `yaml:"variables,omitempty"`
	MCP         *launchSpec       `yaml:"mcp,omitempty"`
}

// ParseFile reads and parses one SKILL.md.
func ParseFile(path string) (*models.Skill, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read skill: %w", err)
	}
	return Parse(data)
}

// Parse parses SKILL.md content into a skill. The name must be lowercase
// alphanumeric with hyphens so it can double as a command argument.
func Parse(data []byte) (*models.Skill, error) {
	front, body, err := splitFrontmatter(data)
	if err != nil {
		return nil, err
	}

	var fm frontmatter
	if err := yaml.Unmarshal(front, &fm); err != nil {
		return nil, fmt.Errorf("parse frontmatter: %w", err)
	}
	if fm.Name == "" {
		return nil, fmt.Errorf("skill name is required")
	}
	if !skillNameRe.MatchString(fm.Name) {
		return nil, fmt.Errorf("skill name must be lowercase alphanumeric with hyphens: %q", fm.Name)
	}
	if fm.Description == "" {
		return nil, fmt.Errorf("skill description is required")
	}

	skill := &models.Skill{
		Name:        fm.Name,
		Description: fm.Description,
		Variables:   fm.Variables,
		Body:        strings.TrimSpace(string(body)),
	}
	if fm.MCP != nil {
		if fm.MCP.Command == "" {
			return nil, fmt.Errorf("skill %s: mcp.command is required", fm.Name)
		}
		skill.MCP = &models.MCPLaunchSpec{
			Command:        fm.MCP.Command,
			Args:           fm.MCP.Args,
			Env:            fm.MCP.Env,
			StartupTimeout: fm.MCP.StartupTimeout,
			IdleTimeout:    fm.MCP.IdleTimeout,
		}
	}
	return skill, nil
}

func splitFrontmatter(data []byte) (front, body []byte, err error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	if !scanner.Scan() {
		return nil, nil, fmt.Errorf("empty skill file")
	}
	if strings.TrimSpace(scanner.Text()) != frontmatterDelimiter {
		return nil, nil, fmt.Errorf("missing opening frontmatter delimiter")
	}

	var frontLines []string
	closed := false
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == frontmatterDelimiter {
			closed = true
			break
		}
		frontLines = append(frontLines, line)
	}
	if !closed {
		return nil, nil, fmt.Errorf("missing closing frontmatter delimiter")
	}

	var bodyLines []string
	for scanner.Scan() {
		bodyLines = append(bodyLines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, err
	}
	return []byte(strings.Join(frontLines, "\n")), []byte(strings.Join(bodyLines, "\n")), nil
}
