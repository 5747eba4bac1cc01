package agentrt

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/agentmesh/conductor/pkg/blackboard"
	"github.com/agentmesh/conductor/pkg/logger"
)

// resourcePrefix marks a context item that is read from the global
// blackboard and re-rendered as a template if its value itself looks
// like one, rather than a value computed fresh every turn.
const resourcePrefix = "resource_"

// entityPrefix marks a context item whose value is populated from the
// entity detector/store rather than directly from the blackboard.
const entityPrefix = "entity_"

// resourceTemplateContextKeys are the other resource_* values, looked
// up with the normal scope-then-global state lookup, that serve as
// template context when a resolved resource value is itself a
// template string.
var resourceTemplateContextKeys = []string{
	"resource_user_data",
	"resource_assistant_personality_data",
	"resource_relationship_config",
	"resource_chat_guidelines_data",
}

// generateInjectionsBlock builds the context map an agent's system or
// user prompt template renders against. It runs non-entity context
// items first, then (only if any entity_* item was requested) a
// single entity-detection pass over the assembled context to populate
// entity_info and per-field entity keys.
func (a *Agent) generateInjectionsBlock(items []string, msg *blackboard.Message) (map[string]any, error) {
	var entityKeys, nonEntityKeys []string
	for _, key := range items {
		if strings.HasPrefix(key, entityPrefix) {
			entityKeys = append(entityKeys, key)
		} else {
			nonEntityKeys = append(nonEntityKeys, key)
		}
	}
	entityFieldKeys := make([]string, 0, len(entityKeys))
	for _, key := range entityKeys {
		entityFieldKeys = append(entityFieldKeys, strings.TrimPrefix(key, entityPrefix))
	}

	ctx := map[string]any{
		"date_time":    a.Now().Format("2006-01-02 15:04:05"),
		"action_count": a.Blackboard.GetStateValue(a.Name+"_action_count", 0),
		"rag":          "",
	}
	if msg != nil && strings.TrimSpace(msg.Content) != "" {
		ctx["incoming_message"] = strings.TrimSpace(msg.Content)
	}

	for _, key := range nonEntityKeys {
		if _, already := ctx[key]; already {
			continue
		}

		switch {
		case strings.HasPrefix(key, resourcePrefix):
			ctx[key] = a.resolveResource(key)
		case key == "tool_descriptions":
			ctx[key] = a.getToolDescriptions()
		case key == "allowed_nodes":
			ctx[key] = a.getAllowedNodeDescriptions()
		case key == "recent_history":
			scopeID := a.Blackboard.GetCurrentScopeID()
			messages := a.Blackboard.GetMessagesForScope(scopeID)
			if a.Config.FinalAnswerHistory {
				ctx[key] = buildFinalAnswerHistory(messages)
			} else {
				ctx[key] = buildRecentHistory(messages)
			}
		default:
			value := a.Blackboard.GetStateValue(key, nil)
			if scopes, ok := a.Config.RAGFields[key]; ok {
				if ragText := a.retrieveRAGContext(value, scopes); ragText != "" {
					ctx["rag"] = ctx["rag"].(string) + ragText + "\n"
				}
			}
			ctx[key] = value
		}
	}

	if len(entityKeys) == 0 {
		return ctx, nil
	}
	return a.populateEntityContext(ctx, entityFieldKeys)
}

// populateEntityContext runs a single entity-detection pass over the
// serialized phase-1 context and fills entity_info (and zeroes every
// individual entity_* key, since fields are always grouped under one
// block rather than emitted one key per field).
func (a *Agent) populateEntityContext(ctx map[string]any, fieldKeys []string) (map[string]any, error) {
	serialized, err := json.Marshal(ctx)
	if err != nil {
		logger.Get().Error("agentrt: failed to serialize context for entity detection", "agent", a.Name, "error", err)
		serialized = []byte(flattenContext(ctx))
	}

	var detected []string
	if a.Entities != nil && strings.TrimSpace(string(serialized)) != "" {
		found, err := a.Entities.DetectEntitiesInText(string(serialized))
		if err != nil {
			logger.Get().Error("agentrt: entity detection failed", "agent", a.Name, "error", err)
		} else {
			detected = dedupeKeepOrder(found)
		}
	}

	for _, fieldKey := range fieldKeys {
		ctx[entityPrefix+fieldKey] = ""
	}

	if len(detected) == 0 {
		if len(fieldKeys) > 0 {
			ctx["entity_info"] = ""
		}
		return ctx, nil
	}

	if len(fieldKeys) == 0 || a.Cards == nil {
		return ctx, nil
	}

	info, err := a.Cards.FormatMultiField(detected, fieldKeys)
	if err != nil {
		logger.Get().Error("agentrt: formatting entity fields failed", "agent", a.Name, "error", err)
		info = ""
	}
	ctx["entity_info"] = info
	return ctx, nil
}

func flattenContext(ctx map[string]any) string {
	var b strings.Builder
	for _, v := range ctx {
		if v == nil {
			continue
		}
		fmt.Fprintf(&b, "%v ", v)
	}
	return b.String()
}

func dedupeKeepOrder(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

// resolveResource reads a resource_* key with the normal state lookup
// (current scope, ancestor scopes, then global state), so a scope value
// of the same key takes precedence over the global one, and re-renders
// it as a template if its value itself looks like one.
func (a *Agent) resolveResource(key string) any {
	value := a.Blackboard.GetStateValue(key, nil)
	if value == nil {
		logger.Get().Info("agentrt: resource not found", "agent", a.Name, "resource", key)
		return ""
	}

	str, ok := value.(string)
	if !ok || (!strings.Contains(str, "{{") && !strings.Contains(str, "{%")) {
		return value
	}

	templateCtx := map[string]any{}
	for _, k := range resourceTemplateContextKeys {
		if v := a.Blackboard.GetStateValue(k, nil); v != nil {
			templateCtx[k] = v
		}
	}
	rendered, err := renderTemplate("resource."+key, str, templateCtx)
	if err != nil {
		logger.Get().Error("agentrt: rendering resource template", "agent", a.Name, "resource", key, "error", err)
		return str
	}
	return rendered
}

// getAllowedNodes returns the agent's configured successor agents,
// filtered against except_nodes and the set of agents actually known
// to the registry. allowed_nodes is already expanded from "all" into a
// concrete name list at load time, so no sentinel handling is needed
// here.
func (a *Agent) getAllowedNodes() []string {
	known := make(map[string]struct{})
	for _, n := range a.Agents.AgentNames() {
		known[n] = struct{}{}
	}
	except := make(map[string]struct{}, len(a.Config.ExceptNodes))
	for _, n := range a.Config.ExceptNodes {
		except[n] = struct{}{}
	}

	valid := make([]string, 0, len(a.Config.AllowedNodes))
	for _, n := range a.Config.AllowedNodes {
		if _, ok := known[n]; !ok {
			logger.Get().Warn("agentrt: references unavailable agent", "agent", a.Name, "target", n)
			continue
		}
		if _, ok := except[n]; ok {
			continue
		}
		valid = append(valid, n)
	}
	sort.Strings(valid)
	return valid
}

// getTools mirrors getAllowedNodes for the tool namespace.
func (a *Agent) getTools() []string {
	known := make(map[string]struct{})
	for _, n := range a.Tools.ToolNames() {
		known[n] = struct{}{}
	}
	except := make(map[string]struct{}, len(a.Config.ExceptTools))
	for _, n := range a.Config.ExceptTools {
		except[n] = struct{}{}
	}

	valid := make([]string, 0, len(a.Config.AllowedTools))
	for _, n := range a.Config.AllowedTools {
		if _, ok := known[n]; !ok {
			logger.Get().Warn("agentrt: references unavailable tool", "agent", a.Name, "target", n)
			continue
		}
		if _, ok := except[n]; ok {
			continue
		}
		valid = append(valid, n)
	}
	sort.Strings(valid)
	return valid
}

func (a *Agent) getToolDescriptions() map[string]string {
	out := make(map[string]string)
	for _, name := range a.getTools() {
		cfg, ok := a.Tools.GetTool(name)
		if !ok || cfg.DescriptionTmpl == "" {
			continue
		}
		rendered, err := renderTemplate("tool."+name+".description", cfg.DescriptionTmpl, map[string]any{"tool_name": name})
		if err != nil {
			logger.Get().Error("agentrt: rendering tool description", "agent", a.Name, "tool", name, "error", err)
			rendered = cfg.DescriptionTmpl
		}
		out[name] = rendered
	}
	return out
}

// agentDescription is one entry of the allowed_nodes context value:
// an agent's canonical name plus its rendered self-description.
type agentDescription struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

func (a *Agent) getAllowedNodeDescriptions() []agentDescription {
	allowed := a.getAllowedNodes()
	out := make([]agentDescription, 0, len(allowed))
	for _, name := range allowed {
		cfg, ok := a.Agents.GetAgentConfig(name)
		raw := ""
		if ok {
			raw = cfg.Prompts.Description
		}
		shortName := name
		if idx := strings.LastIndex(name, "::"); idx >= 0 {
			shortName = name[idx+2:]
		}
		rendered, err := renderTemplate("agent."+name+".description", raw, map[string]any{
			"self_name":       name,
			"self_short_name": shortName,
		})
		if err != nil {
			logger.Get().Error("agentrt: rendering agent description", "agent", a.Name, "target", name, "error", err)
			rendered = raw
		}
		out = append(out, agentDescription{Name: name, Description: rendered})
	}
	return out
}
