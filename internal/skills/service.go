package skills

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"

	"github.com/relay-ai/relay/pkg/models"
)

var varRefRe = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Service holds the loaded skill set. Reload replaces the set atomically so a
// turn in flight keeps the skills it resolved at its start.
type Service struct {
	dir    string
	logger *slog.Logger

	mu     sync.RWMutex
	skills map[string]*models.Skill
}

// NewService builds a service over a skills directory. An empty dir yields an
// empty, valid service.
func NewService(dir string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{dir: dir, logger: logger, skills: map[string]*models.Skill{}}
}

// Load scans the directory for */SKILL.md definitions. Individual parse
// failures are logged and skipped so one broken skill never hides the rest.
func (s *Service) Load() error {
	if s.dir == "" {
		return nil
	}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read skills dir: %w", err)
	}

	loaded := map[string]*models.Skill{}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(s.dir, entry.Name(), SkillFilename)
		skill, err := ParseFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			s.logger.Warn("skipping invalid skill", "dir", entry.Name(), "error", err)
			continue
		}
		skill.Available = available(skill)
		loaded[skill.Name] = skill
	}

	s.mu.Lock()
	s.skills = loaded
	s.mu.Unlock()
	s.logger.Info("skills loaded", "count", len(loaded))
	return nil
}

// available reports whether every ${VAR} referenced by the launch spec
// resolves from the skill's variables or the process environment.
func available(skill *models.Skill) bool {
	if skill.MCP == nil {
		return true
	}
	check := func(value string) bool {
		for _, m := range varRefRe.FindAllStringSubmatch(value, -1) {
			name := m[1]
			if _, ok := skill.Variables[name]; ok {
				continue
			}
			if os.Getenv(name) == "" {
				return false
			}
		}
		return true
	}
	for _, arg := range skill.MCP.Args {
		if !check(arg) {
			return false
		}
	}
	for _, v := range skill.MCP.Env {
		if !check(v) {
			return false
		}
	}
	return true
}

// Get returns the named skill, or nil when unknown.
func (s *Service) Get(name string) *models.Skill {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.skills[name]
}

// List returns all skills sorted by name.
func (s *Service) List() []*models.Skill {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Skill, 0, len(s.skills))
	for _, skill := range s.skills {
		out = append(out, skill)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ResolveVars expands ${VAR} references in a launch spec string, consulting
// the skill's variables first and the process environment second. Unresolved
// references expand to the empty string.
func ResolveVars(skill *models.Skill, value string) string {
	return varRefRe.ReplaceAllStringFunc(value, func(ref string) string {
		name := varRefRe.FindStringSubmatch(ref)[1]
		if skill != nil {
			if v, ok := skill.Variables[name]; ok {
				return v
			}
		}
		return os.Getenv(name)
	})
}
