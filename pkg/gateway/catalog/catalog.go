// Package catalog holds the avatars, voices, agents and tools a client may
// choose from. Catalogs are loaded from YAML or built in code; the live
// session only reads immutable snapshots.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/vango-go/vai-relay/pkg/gateway/live/output"
)

type Avatar struct {
	Key         string `json:"key" yaml:"key"`
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description"`
	PreviewURL  string `json:"preview_url,omitempty" yaml:"preview_url"`
}

type Voice struct {
	Key      string `json:"key" yaml:"key"`
	Name     string `json:"name" yaml:"name"`
	Language string `json:"language,omitempty" yaml:"language"`
	Provider string `json:"provider,omitempty" yaml:"provider"`
	// Model is the provider-side voice model, e.g. "aura-2-thalia-en".
	Model string `json:"model,omitempty" yaml:"model"`
}

type Agent struct {
	Key         string `json:"key" yaml:"key"`
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description"`
	// ModelFamily decides the vendor format of stored messages.
	ModelFamily string   `json:"model_family" yaml:"model_family"`
	Model       string   `json:"model,omitempty" yaml:"model"`
	Default     bool     `json:"default,omitempty" yaml:"default"`
	Tools       []string `json:"tools,omitempty" yaml:"tools"`
}

type Tool struct {
	Name        string         `json:"name" yaml:"name"`
	Description string         `json:"description,omitempty" yaml:"description"`
	InputSchema map[string]any `json:"input_schema,omitempty" yaml:"input_schema"`
}

type Catalog struct {
	Avatars []Avatar `json:"avatars" yaml:"avatars"`
	Voices  []Voice  `json:"voices" yaml:"voices"`
	Agents  []Agent  `json:"agents" yaml:"agents"`
	Tools   []Tool   `json:"tools" yaml:"tools"`
}

// Source supplies catalog snapshots. Implementations must be safe for
// concurrent use.
type Source interface {
	Snapshot(ctx context.Context) (Catalog, error)
}

var ErrInvalidCatalog = errors.New("invalid catalog")

func (c Catalog) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalidCatalog}, args...)...))
	}

	seen := make(map[string]struct{})
	for i, a := range c.Avatars {
		key := strings.ToLower(strings.TrimSpace(a.Key))
		if key == "" {
			fail("avatars[%d].key is required", i)
			continue
		}
		if _, dup := seen[key]; dup {
			fail("duplicate avatar %q", a.Key)
		}
		seen[key] = struct{}{}
	}

	clear(seen)
	for i, v := range c.Voices {
		key := strings.ToLower(strings.TrimSpace(v.Key))
		switch {
		case key == "":
			fail("voices[%d].key is required", i)
			continue
		case key == output.AvatarVoice:
			fail("voice key %q is reserved", v.Key)
		}
		if _, dup := seen[key]; dup {
			fail("duplicate voice %q", v.Key)
		}
		seen[key] = struct{}{}
	}

	clear(seen)
	defaults := 0
	for i, a := range c.Agents {
		key := strings.ToLower(strings.TrimSpace(a.Key))
		if key == "" {
			fail("agents[%d].key is required", i)
			continue
		}
		if strings.TrimSpace(a.ModelFamily) == "" {
			fail("agent %q model_family is required", a.Key)
		}
		if _, dup := seen[key]; dup {
			fail("duplicate agent %q", a.Key)
		}
		seen[key] = struct{}{}
		if a.Default {
			defaults++
		}
	}
	if len(c.Agents) == 0 {
		fail("at least one agent is required")
	} else if defaults != 1 {
		fail("exactly one default agent is required, found %d", defaults)
	}

	tools := make(map[string]struct{}, len(c.Tools))
	for i, t := range c.Tools {
		name := strings.TrimSpace(t.Name)
		if name == "" {
			fail("tools[%d].name is required", i)
			continue
		}
		if _, dup := tools[name]; dup {
			fail("duplicate tool %q", t.Name)
		}
		tools[name] = struct{}{}
	}
	for _, a := range c.Agents {
		for _, name := range a.Tools {
			if _, ok := tools[name]; !ok {
				fail("agent %q references unknown tool %q", a.Key, name)
			}
		}
	}

	return errors.Join(errs...)
}

func (c Catalog) Agent(key string) (Agent, bool) {
	for _, a := range c.Agents {
		if strings.EqualFold(a.Key, strings.TrimSpace(key)) {
			return a, true
		}
	}
	return Agent{}, false
}

func (c Catalog) DefaultAgent() (Agent, bool) {
	for _, a := range c.Agents {
		if a.Default {
			return a, true
		}
	}
	if len(c.Agents) > 0 {
		return c.Agents[0], true
	}
	return Agent{}, false
}

func (c Catalog) Voice(key string) (Voice, bool) {
	for _, v := range c.Voices {
		if strings.EqualFold(v.Key, strings.TrimSpace(key)) {
			return v, true
		}
	}
	return Voice{}, false
}

func (c Catalog) clone() Catalog {
	out := Catalog{
		Avatars: append([]Avatar(nil), c.Avatars...),
		Voices:  append([]Voice(nil), c.Voices...),
		Agents:  make([]Agent, len(c.Agents)),
		Tools:   append([]Tool(nil), c.Tools...),
	}
	for i, a := range c.Agents {
		a.Tools = append([]string(nil), a.Tools...)
		out.Agents[i] = a
	}
	return out
}

// Static serves a fixed catalog.
type Static struct {
	Catalog Catalog
}

func (s Static) Snapshot(ctx context.Context) (Catalog, error) {
	if err := ctx.Err(); err != nil {
		return Catalog{}, err
	}
	return s.Catalog.clone(), nil
}

// Default is the built-in development catalog used when no file is configured.
func Default() Catalog {
	return Catalog{
		Avatars: []Avatar{
			{Key: "nova", Name: "Nova", Description: "Rendered by the configured avatar service"},
		},
		Voices: []Voice{
			{Key: "thalia", Name: "Thalia", Language: "en", Provider: "deepgram", Model: "aura-2-thalia-en"},
			{Key: "orion", Name: "Orion", Language: "en", Provider: "deepgram", Model: "aura-orion-en"},
		},
		Agents: []Agent{
			{Key: "echo", Name: "Echo", Description: "Repeats what it hears", ModelFamily: "anthropic", Default: true},
			{Key: "echo-openai", Name: "Echo (OpenAI format)", ModelFamily: "openai"},
		},
	}
}
