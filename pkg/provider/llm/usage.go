package llm

import "github.com/MrWong99/flowexec/pkg/types"

// ToolChoice is the provider-neutral tool_choice.
type ToolChoice struct {
	// Mode is "auto" or "function". Empty means no tool choice is sent.
	Mode string

	// Name is the forced function when Mode is "function".
	Name string
}

// ApplyUsageControl filters tools according to control and derives the tool
// choice. Tools marked [UsageNone] are dropped; the first tool marked
// [UsageForce] becomes the named choice, otherwise the choice is "auto". When
// no tools remain, neither tools nor a choice are returned.
func ApplyUsageControl(tools []types.ToolDefinition, control map[string]UsageControl) ([]types.ToolDefinition, ToolChoice) {
	if len(tools) == 0 {
		return nil, ToolChoice{}
	}
	kept := make([]types.ToolDefinition, 0, len(tools))
	var forced string
	for _, t := range tools {
		switch control[t.Name] {
		case UsageNone:
			continue
		case UsageForce:
			if forced == "" {
				forced = t.Name
			}
		}
		kept = append(kept, t)
	}
	if len(kept) == 0 {
		return nil, ToolChoice{}
	}
	if forced != "" {
		return kept, ToolChoice{Mode: "function", Name: forced}
	}
	return kept, ToolChoice{Mode: "auto"}
}
