package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Caller is one entry in the caller table, keyed by caller ID (E.164
// number or SIP username).
type Caller struct {
	Name    string  `yaml:"name"`
	PIN     *string `yaml:"pin"`     // nil when no PIN is configured
	Profile string  `yaml:"profile"` // named profile; empty falls back to default
}

// Profile groups the assistant settings shared by a class of callers.
type Profile struct {
	Language       string   `yaml:"language"`
	Welcome        string   `yaml:"welcome"`
	Instructions   string   `yaml:"instructions"`
	AvailableTools []string `yaml:"available_tools"`
}

// Tool describes one action the assistant may invoke. Service is the
// Home Assistant service in "domain.service" form.
type Tool struct {
	Description string               `yaml:"description"`
	Service     string               `yaml:"ha_service"`
	RequiresPIN bool                 `yaml:"requires_pin"`
	Parameters  map[string]ToolParam `yaml:"parameters"`
}

// ToolParam is the JSON-schema fragment for one tool parameter.
type ToolParam struct {
	Type        string   `yaml:"type" json:"type"`
	Description string   `yaml:"description" json:"description,omitempty"`
	Enum        []string `yaml:"enum" json:"enum,omitempty"`
	Required    bool     `yaml:"required" json:"-"`
}

// CallerSettings is the resolved per-call assistant configuration after
// profile lookup and instruction rendering.
type CallerSettings struct {
	CallerName     string
	Language       string
	Welcome        string
	Instructions   string
	AvailableTools []string
}

const (
	defaultProfileName    = "default"
	defaultCallerName     = "Guest"
	defaultLanguage       = "en"
	defaultInstructions   = "You are a helpful assistant."
	namePlaceholder       = "{{ name }}"
	namePlaceholderSquash = "{{name}}"
)

// Tables holds the caller and tool tables loaded from YAML. Read-only
// after Load, so safe for concurrent use.
type Tables struct {
	Callers  map[string]Caller
	Profiles map[string]Profile
	Tools    map[string]Tool
}

type callerFile struct {
	Callers  map[string]Caller  `yaml:"callers"`
	Profiles map[string]Profile `yaml:"profiles"`
}

type toolFile struct {
	Tools map[string]Tool `yaml:"tools"`
}

// LoadTables reads the caller and tool YAML files. A missing file is not
// an error; the corresponding table is just empty.
func LoadTables(callerPath, toolPath string) (*Tables, error) {
	t := &Tables{
		Callers:  make(map[string]Caller),
		Profiles: make(map[string]Profile),
		Tools:    make(map[string]Tool),
	}

	if data, err := os.ReadFile(callerPath); err == nil {
		var cf callerFile
		if err := yaml.Unmarshal(data, &cf); err != nil {
			return nil, fmt.Errorf("parsing caller table %s: %w", callerPath, err)
		}
		if cf.Callers != nil {
			t.Callers = cf.Callers
		}
		if cf.Profiles != nil {
			t.Profiles = cf.Profiles
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading caller table: %w", err)
	}

	if data, err := os.ReadFile(toolPath); err == nil {
		var tf toolFile
		if err := yaml.Unmarshal(data, &tf); err != nil {
			return nil, fmt.Errorf("parsing tool table %s: %w", toolPath, err)
		}
		if tf.Tools != nil {
			t.Tools = tf.Tools
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading tool table: %w", err)
	}

	for name, tool := range t.Tools {
		if tool.Service == "" || !strings.Contains(tool.Service, ".") {
			return nil, fmt.Errorf("tool %q: ha_service must be in domain.service form, got %q", name, tool.Service)
		}
	}

	return t, nil
}

// Caller looks up a caller entry, tolerating a leading "+" mismatch
// between the signaled caller ID and the table key.
func (t *Tables) Caller(callerID string) (Caller, bool) {
	if c, ok := t.Callers[callerID]; ok {
		return c, true
	}
	trimmed := strings.TrimPrefix(callerID, "+")
	if c, ok := t.Callers[trimmed]; ok {
		return c, true
	}
	if !strings.HasPrefix(callerID, "+") {
		if c, ok := t.Callers["+"+callerID]; ok {
			return c, true
		}
	}
	return Caller{}, false
}

// PIN returns the configured PIN for a caller, or ok=false when the
// caller is unknown or has no PIN.
func (t *Tables) PIN(callerID string) (string, bool) {
	c, ok := t.Caller(callerID)
	if !ok || c.PIN == nil || *c.PIN == "" {
		return "", false
	}
	return *c.PIN, true
}

// Tool looks up a tool definition by name.
func (t *Tables) Tool(name string) (Tool, bool) {
	tool, ok := t.Tools[name]
	return tool, ok
}

// Resolve produces the assistant settings for a caller. Resolution
// order: the caller's named profile, then the "default" profile, then
// built-in defaults. Unknown callers get the default profile with the
// Guest name.
func (t *Tables) Resolve(callerID string) CallerSettings {
	name := defaultCallerName
	profileName := ""

	if c, ok := t.Caller(callerID); ok {
		if c.Name != "" {
			name = c.Name
		}
		profileName = c.Profile
	}

	if profileName != "" {
		if p, ok := t.Profiles[profileName]; ok {
			return settingsFromProfile(p, name)
		}
	}
	if p, ok := t.Profiles[defaultProfileName]; ok {
		return settingsFromProfile(p, name)
	}

	return CallerSettings{
		CallerName:   name,
		Language:     defaultLanguage,
		Instructions: defaultInstructions,
	}
}

func settingsFromProfile(p Profile, name string) CallerSettings {
	lang := p.Language
	if lang == "" {
		lang = defaultLanguage
	}
	return CallerSettings{
		CallerName:     name,
		Language:       lang,
		Welcome:        renderTemplate(p.Welcome, name),
		Instructions:   renderInstructions(p.Instructions, name),
		AvailableTools: p.AvailableTools,
	}
}

// renderInstructions substitutes the caller name into the instruction
// template, falling back to the built-in instructions when empty.
func renderInstructions(template, name string) string {
	rendered := renderTemplate(template, name)
	if strings.TrimSpace(rendered) == "" {
		return defaultInstructions
	}
	return rendered
}

// renderTemplate substitutes the caller name into a template string.
func renderTemplate(template, name string) string {
	r := strings.NewReplacer(namePlaceholder, name, namePlaceholderSquash, name)
	return r.Replace(template)
}
