package agentrt

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"
	"text/template"
	"unicode"

	"github.com/agentmesh/conductor/pkg/blackboard"
	"github.com/agentmesh/conductor/pkg/logger"
)

var collapseBlankRuns = regexp.MustCompile(`\n{3,}`)

// renderTemplate executes a text/template source against data, where
// fields are referenced as {{.key}}. Templates are a restricted,
// safe subset: variable interpolation plus the built-in if/range
// control structures, never arbitrary code.
func renderTemplate(name, src string, data map[string]any) (string, error) {
	tmpl, err := template.New(name).Parse(src)
	if err != nil {
		return "", fmt.Errorf("agentrt: parsing %s template: %w", name, err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("agentrt: executing %s template: %w", name, err)
	}
	return buf.String(), nil
}

// constructPrompt renders the system and user prompts for msg,
// collapsing excess blank lines and normalizing to ASCII so provider
// payloads stay well-formed regardless of what the blackboard context
// contains.
func (a *Agent) constructPrompt(msg *blackboard.Message) (system, user string) {
	system = a.getSystemPrompt(msg)
	user = a.getUserPrompt(msg)

	system = strings.ReplaceAll(system, "\n\n", "\n")
	user = strings.ReplaceAll(user, "\n\n", "\n")

	system = collapseBlankRuns.ReplaceAllString(system, "\n\n")
	user = collapseBlankRuns.ReplaceAllString(user, "\n\n")

	system = normalizeToASCII(system)
	user = normalizeToASCII(user)

	if system == "" {
		logger.Get().Error("agentrt: error forming system prompt", "agent", a.Name)
		system = fmt.Sprintf("[%s] Error forming system prompt.", a.Name)
	}
	if user == "" {
		logger.Get().Error("agentrt: error forming user prompt", "agent", a.Name)
		user = fmt.Sprintf("[%s] Error forming user prompt.", a.Name)
	}
	return system, user
}

func (a *Agent) getSystemPrompt(msg *blackboard.Message) string {
	if a.Config.Prompts.System == "" {
		fatalNoSystemPrompt(a.Name)
		return fmt.Sprintf("No system prompt available for %s.", a.Name)
	}

	ctx, err := a.generateInjectionsBlock(a.Config.SystemContextItems, msg)
	if err != nil {
		logger.Get().Error("agentrt: building system prompt context", "agent", a.Name, "error", err)
		return ""
	}

	out, err := renderTemplate(a.Name+".system", a.Config.Prompts.System, ctx)
	if err != nil {
		logger.Get().Error("agentrt: rendering system prompt", "agent", a.Name, "error", err)
		return ""
	}
	return strings.ReplaceAll(out, "\n\n", "\n")
}

func (a *Agent) getUserPrompt(msg *blackboard.Message) string {
	if a.Config.Prompts.User == "" {
		logger.Get().Error("agentrt: no user prompt configured", "agent", a.Name)
		return fmt.Sprintf("No user prompt available for %s.", a.Name)
	}

	ctx, err := a.generateInjectionsBlock(a.Config.UserContextItems, msg)
	if err != nil {
		logger.Get().Error("agentrt: building user prompt context", "agent", a.Name, "error", err)
		return ""
	}

	out, err := renderTemplate(a.Name+".user", a.Config.Prompts.User, ctx)
	if err != nil {
		logger.Get().Error("agentrt: rendering user prompt", "agent", a.Name, "error", err)
		return ""
	}
	return strings.ReplaceAll(out, "\n\n", "\n")
}

// normalizeToASCII drops characters outside printable ASCII rather
// than attempting transliteration, so a provider payload never carries
// bytes a strict downstream consumer would choke on.
func normalizeToASCII(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r == '\n' || r == '\t' {
			b.WriteRune(r)
			continue
		}
		if r > unicode.MaxASCII || !unicode.IsPrint(r) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
