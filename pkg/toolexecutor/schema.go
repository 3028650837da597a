package toolexecutor

// Style selects a tool schema wire shape
type Style string

const (
	StyleOpenAI    Style = "openai"
	StyleAnthropic Style = "anthropic"
	StyleGoogle    Style = "google"
)

// Describe exports active tool schemas in the given style. OpenAI and
// Anthropic styles return []map[string]any, Google returns map[string]any.
func (s *Snapshot) Describe(style Style) any {
	switch style {
	case StyleAnthropic:
		return s.AnthropicTools()
	case StyleGoogle:
		return s.GoogleTools()
	default:
		return s.OpenAITools(false)
	}
}

// OpenAITools renders function-call tool entries. With omitEmpty the
// parameters field is dropped for tools without properties.
func (s *Snapshot) OpenAITools(omitEmpty bool) []map[string]any {
	tools := []map[string]any{}
	for _, d := range s.Active() {
		fn := map[string]any{
			"name":        d.Name,
			"description": d.Description,
			"parameters":  d.Parameters,
		}
		if omitEmpty && !hasProperties(d.Parameters) {
			delete(fn, "parameters")
		}
		tools = append(tools, map[string]any{
			"type":     "function",
			"function": fn,
		})
	}
	return tools
}

// AnthropicTools renders tool entries with an input_schema object.
func (s *Snapshot) AnthropicTools() []map[string]any {
	tools := []map[string]any{}
	for _, d := range s.Active() {
		properties, _ := d.Parameters["properties"].(map[string]any)
		if properties == nil {
			properties = map[string]any{}
		}
		required := d.Parameters["required"]
		if required == nil {
			required = []string{}
		}
		tools = append(tools, map[string]any{
			"name":        d.Name,
			"description": d.Description,
			"input_schema": map[string]any{
				"type":       "object",
				"properties": properties,
				"required":   required,
			},
		})
	}
	return tools
}

var googleTypes = map[string]bool{
	"string": true, "number": true, "integer": true, "boolean": true,
	"array": true, "object": true, "null": true,
}

var googleFormats = map[string]map[string]bool{
	"string":  {"enum": true, "date-time": true},
	"integer": {"int32": true, "int64": true},
	"number":  {"float": true, "double": true},
}

var googleFields = []string{
	"title", "description", "enum", "minimum", "maximum",
	"maxItems", "minItems", "nullable", "required",
}

// GoogleTools renders a function_declarations object. It is empty when no
// tool is active.
func (s *Snapshot) GoogleTools() map[string]any {
	decls := []map[string]any{}
	for _, d := range s.Active() {
		decls = append(decls, map[string]any{
			"name":        d.Name,
			"description": d.Description,
			"parameters":  googleSchema(d.Parameters),
		})
	}
	out := map[string]any{}
	if len(decls) > 0 {
		out["function_declarations"] = decls
	}
	return out
}

func googleSchema(schema map[string]any) map[string]any {
	if anyOf, ok := schema["anyOf"].([]any); ok {
		converted := make([]any, 0, len(anyOf))
		for _, sub := range anyOf {
			if m, ok := sub.(map[string]any); ok {
				converted = append(converted, googleSchema(m))
			}
		}
		return map[string]any{"anyOf": converted}
	}

	result := map[string]any{}
	if typ, ok := schema["type"].(string); ok && googleTypes[typ] {
		result["type"] = typ
		if format, ok := schema["format"].(string); ok && googleFormats[typ][format] {
			result["format"] = format
		}
	} else {
		result["type"] = "null"
	}

	for _, field := range googleFields {
		if v, ok := schema[field]; ok {
			result[field] = v
		}
	}

	if props, ok := schema["properties"].(map[string]any); ok {
		converted := map[string]any{}
		for key, value := range props {
			m, ok := value.(map[string]any)
			if !ok {
				continue
			}
			converted[key] = googleSchema(m)
		}
		if len(converted) > 0 {
			result["properties"] = converted
		}
	}

	if items, ok := schema["items"].(map[string]any); ok {
		result["items"] = googleSchema(items)
	}
	return result
}

func hasProperties(schema map[string]any) bool {
	props, ok := schema["properties"].(map[string]any)
	return ok && len(props) > 0
}
