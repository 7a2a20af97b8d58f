package domain

// Template is the named default configuration new agents are built from.
type Template struct {
	Name        string      `json:"name" yaml:"name"`
	Type        AgentType   `json:"type" yaml:"type"`
	Description string      `json:"description,omitempty" yaml:"description"`
	Config      AgentConfig `json:"config" yaml:"-"`
	Environment Environment `json:"environment" yaml:"-"`
}
