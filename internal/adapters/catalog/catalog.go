package catalog

import (
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"agentfleet.manager/internal/core/domain"
)

const mb = 1 << 20

// Builtin is the catalog every deployment starts from.
var Builtin = []domain.Template{
	{
		Name:        "coordinator",
		Type:        domain.AgentTypeCoordinator,
		Description: "Plans work and delegates it to other agents",
		Config:      domain.AgentConfig{AutonomyLevel: 0.8, MaxConcurrentTasks: 5, TimeoutThreshold: 10 * time.Minute},
		Environment: domain.Environment{MaxMemoryUsage: 512 * mb, Runtime: "process"},
	},
	{
		Name:        "researcher",
		Type:        domain.AgentTypeResearcher,
		Description: "Gathers and summarizes information",
		Config:      domain.AgentConfig{AutonomyLevel: 0.7, MaxConcurrentTasks: 3, TimeoutThreshold: 5 * time.Minute},
		Environment: domain.Environment{MaxMemoryUsage: 1024 * mb, Runtime: "process"},
	},
	{
		Name:        "implementer",
		Type:        domain.AgentTypeImplementer,
		Description: "Writes and changes code",
		Config:      domain.AgentConfig{AutonomyLevel: 0.6, MaxConcurrentTasks: 2, TimeoutThreshold: 15 * time.Minute},
		Environment: domain.Environment{MaxMemoryUsage: 2048 * mb, Runtime: "process"},
	},
	{
		Name:        "analyst",
		Type:        domain.AgentTypeAnalyst,
		Description: "Reviews results and reports on quality",
		Config:      domain.AgentConfig{AutonomyLevel: 0.5, MaxConcurrentTasks: 4, TimeoutThreshold: 5 * time.Minute},
		Environment: domain.Environment{MaxMemoryUsage: 1024 * mb, Runtime: "process"},
	},
}

// Catalog is a read-only set of templates keyed by name.
type Catalog struct {
	mu        sync.RWMutex
	templates map[string]domain.Template
}

// New builds a catalog; later templates replace earlier ones with the same name.
func New(templates ...domain.Template) *Catalog {
	c := &Catalog{templates: make(map[string]domain.Template, len(templates))}
	for _, t := range templates {
		c.templates[t.Name] = t
	}
	return c
}

// Load returns the built-in catalog overlaid with the templates in path.
// An empty path yields the built-ins alone.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return New(Builtin...), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read templates: %w", err)
	}
	extra, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return New(append(append([]domain.Template{}, Builtin...), extra...)...), nil
}

func (c *Catalog) Get(name string) (domain.Template, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.templates[name]
	return t, ok
}

// List returns templates sorted by name.
func (c *Catalog) List() []domain.Template {
	c.mu.RLock()
	out := make([]domain.Template, 0, len(c.templates))
	for _, t := range c.templates {
		out = append(out, t)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

type fileFormat struct {
	Templates []fileTemplate `yaml:"templates"`
}

type fileTemplate struct {
	domain.Template `yaml:",inline"`
	Config          struct {
		AutonomyLevel      float64 `yaml:"autonomy_level"`
		MaxConcurrentTasks int     `yaml:"max_concurrent_tasks"`
		TimeoutThreshold   string  `yaml:"timeout_threshold"`
	} `yaml:"config"`
	Environment struct {
		MaxMemoryMB      int64  `yaml:"max_memory_mb"`
		Runtime          string `yaml:"runtime"`
		WorkingDirectory string `yaml:"working_directory"`
	} `yaml:"environment"`
}

// Parse reads a YAML template file:
//
//	templates:
//	  - name: scraper
//	    type: researcher
//	    config: {autonomy_level: 0.4, max_concurrent_tasks: 2, timeout_threshold: 2m}
//	    environment: {max_memory_mb: 256, runtime: docker}
func Parse(data []byte) ([]domain.Template, error) {
	var f fileFormat
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, err
	}

	out := make([]domain.Template, 0, len(f.Templates))
	for i, ft := range f.Templates {
		t := ft.Template
		if t.Name == "" {
			return nil, fmt.Errorf("template %d: name is required", i)
		}
		if t.Type == "" {
			t.Type = domain.AgentTypeCustom
		}
		if !t.Type.Valid() {
			return nil, fmt.Errorf("template %q: unknown type %q", t.Name, t.Type)
		}

		t.Config = domain.AgentConfig{
			AutonomyLevel:      ft.Config.AutonomyLevel,
			MaxConcurrentTasks: ft.Config.MaxConcurrentTasks,
		}
		if ft.Config.TimeoutThreshold != "" {
			d, err := time.ParseDuration(ft.Config.TimeoutThreshold)
			if err != nil {
				return nil, fmt.Errorf("template %q: timeout_threshold: %w", t.Name, err)
			}
			t.Config.TimeoutThreshold = d
		}
		if t.Config.MaxConcurrentTasks == 0 {
			t.Config.MaxConcurrentTasks = 1
		}
		if t.Config.TimeoutThreshold == 0 {
			t.Config.TimeoutThreshold = 5 * time.Minute
		}

		t.Environment = domain.Environment{
			MaxMemoryUsage:   ft.Environment.MaxMemoryMB * mb,
			Runtime:          ft.Environment.Runtime,
			WorkingDirectory: ft.Environment.WorkingDirectory,
		}
		if t.Environment.Runtime == "" {
			t.Environment.Runtime = "process"
		}
		out = append(out, t)
	}
	return out, nil
}
