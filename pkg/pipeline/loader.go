package pipeline

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ruleFile is the on-disk shape a pipeline.yaml decodes into. Field
// names mirror Rule/Action directly rather than introducing a second
// vocabulary, since the original's rule tables
// (playwright_manager/pipeline_conditions.py's condition handlers,
// wired up by name from the owning control node) are plain
// when/tools/guard_key/condition_handler/action records, just
// expressed as Python dicts instead of YAML.
type ruleFile struct {
	Rules []struct {
		When             string   `yaml:"when"`
		Tools            []string `yaml:"tools"`
		UnlessTools      []string `yaml:"unless_tools"`
		GuardKey         string   `yaml:"guard_key"`
		ConditionHandler string   `yaml:"condition_handler"`
		Action           struct {
			Kind        string         `yaml:"kind"`
			ControlNode string         `yaml:"control_node"`
			ToolName    string         `yaml:"tool_name"`
			Arguments   map[string]any `yaml:"arguments"`
			SetFlags    map[string]bool `yaml:"set_flags"`
		} `yaml:"action"`
	} `yaml:"rules"`
}

// LoadRules reads an after-tool pipeline rule file. A missing file is
// not an error: a manager with no after-tool hooks simply runs with no
// rules configured, the same way an agent directory with no flow.yaml
// runs with an empty flow map.
func LoadRules(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pipeline: reading %s: %w", path, err)
	}

	var raw ruleFile
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("pipeline: parsing %s: %w", path, err)
	}

	rules := make([]Rule, 0, len(raw.Rules))
	for i, r := range raw.Rules {
		kind := ActionKind(r.Action.Kind)
		if kind != ActionControlNode && kind != ActionToolCall {
			return nil, fmt.Errorf("pipeline: rule %d: unknown action kind %q", i, r.Action.Kind)
		}
		rules = append(rules, Rule{
			When:             r.When,
			Tools:            r.Tools,
			UnlessTools:      r.UnlessTools,
			GuardKey:         r.GuardKey,
			ConditionHandler: r.ConditionHandler,
			Action: Action{
				Kind:        kind,
				ControlNode: r.Action.ControlNode,
				ToolName:    r.Action.ToolName,
				Arguments:   r.Action.Arguments,
				SetFlags:    r.Action.SetFlags,
			},
		})
	}
	return rules, nil
}
