// Package prompt implements PromptAssembler: four context_assemble
// handlers that append bracketed sections to the running system message
// describing available tools, available skills, runtime facts, and
// bootstrap file contents, gated by a configured prompt mode.
package prompt

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/meridianhq/agentrt/internal/convctx"
	"github.com/meridianhq/agentrt/internal/hooks"
	"github.com/meridianhq/agentrt/internal/infra"
	"github.com/meridianhq/agentrt/pkg/models"
)

// Mode controls which of the four sections a handler is willing to emit.
type Mode string

const (
	ModeNone    Mode = "none"
	ModeMinimal Mode = "minimal"
	ModeFull    Mode = "full"
)

// priorities fixed by the component design: tools runs first, then
// skills, then runtime facts, then bootstrap file contents last.
const (
	PriorityTools    hooks.Priority = 20
	PrioritySkills   hooks.Priority = 30
	PriorityRuntime  hooks.Priority = 40
	PriorityBootstrap hooks.Priority = 50
)

// ToolDescriptor is the minimal shape the tools handler needs per tool.
type ToolDescriptor struct {
	Name        string
	Description string
}

// SkillDescriptor describes one loaded skill for the skills section.
type SkillDescriptor struct {
	Name        string
	Description string
}

// BootstrapFile configures one candidate file the bootstrap handler may
// inline, in the order it should be checked.
type BootstrapFile struct {
	Path string
}

// Config wires one Assembler's four handlers to their data sources.
type Config struct {
	Mode Mode

	Tools  func() []ToolDescriptor
	Skills func() []SkillDescriptor

	Agent      models.Agent
	RepoRoot   string

	BootstrapFiles    []BootstrapFile
	MaxCharsPerFile   int
	MaxTotalBootstrapChars int
}

const (
	defaultMaxCharsPerFile      = 8000
	defaultMaxTotalBootstrapChars = 24000
)

// runtimeInfo is computed once at registration time, per the component
// design ("formatted once at registration").
type runtimeInfo struct {
	OS       string
	Model    string
	Timezone string
	RepoRoot string
	AgentID  string
	AgentName string
}

func (r runtimeInfo) section() string {
	return fmt.Sprintf(
		"[Runtime]\nOS: %s\nModel: %s\nTimezone: %s\nRepo root: %s\nAgent: %s (%s)",
		r.OS, r.Model, r.Timezone, r.RepoRoot, r.AgentName, r.AgentID,
	)
}

// RegisterPromptHandlers registers the four context_assemble handlers
// against registry and returns their registration ids in registration
// order (tools, skills, runtime, bootstrap).
func RegisterPromptHandlers(registry *hooks.Registry, cfg Config) ([]string, error) {
	if cfg.Mode == "" {
		cfg.Mode = ModeFull
	}
	if cfg.MaxCharsPerFile <= 0 {
		cfg.MaxCharsPerFile = defaultMaxCharsPerFile
	}
	if cfg.MaxTotalBootstrapChars <= 0 {
		cfg.MaxTotalBootstrapChars = defaultMaxTotalBootstrapChars
	}
	if registry == nil {
		return nil, nil
	}

	rt := runtimeInfo{
		OS:        infra.ResolveOSSummary().Label,
		Model:     cfg.Agent.Model,
		Timezone:  localTimezoneName(),
		RepoRoot:  cfg.RepoRoot,
		AgentID:   cfg.Agent.ID,
		AgentName: cfg.Agent.Name,
	}

	bootstrap := loadBootstrapFiles(cfg.BootstrapFiles, cfg.MaxCharsPerFile, cfg.MaxTotalBootstrapChars)

	var ids []string
	ids = append(ids, registry.Register(hooks.EventContextAssemble, toolsHandler(cfg), hooks.WithPriority(PriorityTools), hooks.WithName("prompt-tools")))
	ids = append(ids, registry.Register(hooks.EventContextAssemble, skillsHandler(cfg), hooks.WithPriority(PrioritySkills), hooks.WithName("prompt-skills")))
	ids = append(ids, registry.Register(hooks.EventContextAssemble, runtimeHandler(cfg, rt), hooks.WithPriority(PriorityRuntime), hooks.WithName("prompt-runtime")))
	ids = append(ids, registry.Register(hooks.EventContextAssemble, bootstrapHandler(cfg, bootstrap), hooks.WithPriority(PriorityBootstrap), hooks.WithName("prompt-bootstrap")))
	return ids, nil
}

func localTimezoneName() string {
	name, _ := time.Now().Zone()
	return name
}

// appendSystemSection clones the system message (index 0) and appends
// section to its content, leaving every other message untouched
// (clone-on-write: the caller's slice backing array is never mutated).
func appendSystemSection(messages []models.Message, section string) []models.Message {
	if len(messages) == 0 || section == "" {
		return messages
	}
	out := make([]models.Message, len(messages))
	copy(out, messages)
	sys := out[0]
	if sys.Content != "" {
		sys.Content += "\n\n"
	}
	sys.Content += section
	out[0] = sys
	return out
}

func toolsHandler(cfg Config) hooks.Handler {
	return func(ctx context.Context, acc hooks.Accumulator) (hooks.Accumulator, error) {
		data, ok := acc.Data.(convctx.Assembled)
		if !ok || cfg.Mode == ModeNone || cfg.Tools == nil {
			return acc, nil
		}
		tools := cfg.Tools()
		if len(tools) == 0 {
			return acc, nil
		}
		var b strings.Builder
		b.WriteString("[Available tools]\n")
		for _, t := range tools {
			if cfg.Mode == ModeMinimal {
				fmt.Fprintf(&b, "- %s\n", t.Name)
			} else {
				fmt.Fprintf(&b, "- %s: %s\n", t.Name, t.Description)
			}
		}
		data.Messages = appendSystemSection(data.Messages, strings.TrimRight(b.String(), "\n"))
		acc.Data = data
		return acc, nil
	}
}

func skillsHandler(cfg Config) hooks.Handler {
	return func(ctx context.Context, acc hooks.Accumulator) (hooks.Accumulator, error) {
		data, ok := acc.Data.(convctx.Assembled)
		if !ok || cfg.Mode == ModeNone || cfg.Skills == nil {
			return acc, nil
		}
		skills := cfg.Skills()
		if len(skills) == 0 {
			return acc, nil
		}
		var b strings.Builder
		b.WriteString("[Available skills]\n")
		for _, s := range skills {
			if cfg.Mode == ModeMinimal {
				fmt.Fprintf(&b, "- %s\n", s.Name)
			} else {
				fmt.Fprintf(&b, "- %s: %s\n", s.Name, s.Description)
			}
		}
		data.Messages = appendSystemSection(data.Messages, strings.TrimRight(b.String(), "\n"))
		acc.Data = data
		return acc, nil
	}
}

func runtimeHandler(cfg Config, rt runtimeInfo) hooks.Handler {
	return func(ctx context.Context, acc hooks.Accumulator) (hooks.Accumulator, error) {
		data, ok := acc.Data.(convctx.Assembled)
		if !ok || cfg.Mode == ModeNone {
			return acc, nil
		}
		data.Messages = appendSystemSection(data.Messages, rt.section())
		acc.Data = data
		return acc, nil
	}
}

func bootstrapHandler(cfg Config, files []loadedFile) hooks.Handler {
	return func(ctx context.Context, acc hooks.Accumulator) (hooks.Accumulator, error) {
		data, ok := acc.Data.(convctx.Assembled)
		if !ok || cfg.Mode != ModeFull || len(files) == 0 {
			return acc, nil
		}
		var b strings.Builder
		b.WriteString("[Bootstrap files]\n")
		for _, f := range files {
			fmt.Fprintf(&b, "--- %s", f.Path)
			if f.Truncated {
				fmt.Fprintf(&b, " (truncated from %d chars)", f.OriginalLength)
			}
			b.WriteString(" ---\n")
			b.WriteString(f.Content)
			b.WriteString("\n")
		}
		data.Messages = appendSystemSection(data.Messages, strings.TrimRight(b.String(), "\n"))
		acc.Data = data
		return acc, nil
	}
}

type loadedFile struct {
	Path           string
	Content        string
	OriginalLength int
	Truncated      bool
}

// loadBootstrapFiles reads each configured file in order, skipping ones
// that don't exist, truncating any individual file at maxCharsPerFile,
// and stopping once the running total would exceed maxTotalChars.
func loadBootstrapFiles(files []BootstrapFile, maxCharsPerFile, maxTotalChars int) []loadedFile {
	var out []loadedFile
	total := 0
	for _, f := range files {
		raw, err := os.ReadFile(f.Path)
		if err != nil {
			continue
		}
		content := string(raw)
		originalLen := len(content)
		truncated := false
		if len(content) > maxCharsPerFile {
			content = content[:maxCharsPerFile]
			truncated = true
		}
		if total+len(content) > maxTotalChars {
			remaining := maxTotalChars - total
			if remaining <= 0 {
				break
			}
			content = content[:remaining]
			truncated = true
		}
		total += len(content)
		out = append(out, loadedFile{Path: f.Path, Content: content, OriginalLength: originalLen, Truncated: truncated})
		if total >= maxTotalChars {
			break
		}
	}
	return out
}
