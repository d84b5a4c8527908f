package session

import (
	"sort"

	"github.com/havoice/havoice/internal/ai"
	"github.com/havoice/havoice/internal/config"
)

// toolDescriptors builds the realtime session tool list from the
// caller's allowed tools. Tools named in the profile but missing from
// the tool table are skipped.
func toolDescriptors(tables *config.Tables, allowed []string) []ai.Tool {
	descriptors := make([]ai.Tool, 0, len(allowed))
	for _, name := range allowed {
		tool, ok := tables.Tool(name)
		if !ok {
			continue
		}

		props := make(map[string]ai.ToolParam, len(tool.Parameters))
		var required []string
		for pname, p := range tool.Parameters {
			props[pname] = ai.ToolParam{
				Type:        p.Type,
				Description: p.Description,
				Enum:        p.Enum,
			}
			if p.Required {
				required = append(required, pname)
			}
		}
		// Map iteration order is random; keep the schema stable.
		sort.Strings(required)

		descriptors = append(descriptors, ai.Tool{
			Type:        "function",
			Name:        name,
			Description: tool.Description,
			Parameters: ai.ToolParameters{
				Type:       "object",
				Properties: props,
				Required:   required,
			},
		})
	}
	return descriptors
}

// filterArguments keeps only the arguments declared in the tool table.
// The model sometimes invents extra fields; those never reach the
// executor.
func filterArguments(tool config.Tool, args map[string]any) map[string]any {
	filtered := make(map[string]any, len(args))
	for name, value := range args {
		if _, ok := tool.Parameters[name]; ok {
			filtered[name] = value
		}
	}
	return filtered
}

// allowsTool reports whether the caller's profile includes the tool.
func allowsTool(allowed []string, name string) bool {
	for _, t := range allowed {
		if t == name {
			return true
		}
	}
	return false
}
