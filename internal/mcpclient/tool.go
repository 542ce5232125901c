package mcpclient

import (
	"context"
	"encoding/json"

	einotool "github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"
)

// EinoTools wraps every tool of the connected servers for the chat models.
func (c *Client) EinoTools() []einotool.InvokableTool {
	tools := c.Tools()
	out := make([]einotool.InvokableTool, 0, len(tools))
	for _, t := range tools {
		out = append(out, &einoTool{tool: t, client: c})
	}
	return out
}

type einoTool struct {
	tool   Tool
	client *Client
}

func (e *einoTool) Info(ctx context.Context) (*schema.ToolInfo, error) {
	return &schema.ToolInfo{
		Name:        e.tool.Name,
		Desc:        e.tool.Description,
		ParamsOneOf: schema.NewParamsOneOfByParams(parseInputSchema(e.tool.InputSchema)),
	}, nil
}

func (e *einoTool) InvokableRun(ctx context.Context, argsJSON string, opts ...einotool.Option) (string, error) {
	return e.client.ExecuteTool(ctx, e.tool.Name, json.RawMessage(argsJSON))
}

// parseInputSchema converts the top level of a JSON Schema object into eino
// parameters. Nested schemas collapse to their declared type.
func parseInputSchema(schemaJSON json.RawMessage) map[string]*schema.ParameterInfo {
	var jsonSchema struct {
		Properties map[string]struct {
			Type        string   `json:"type"`
			Description string   `json:"description"`
			Enum        []string `json:"enum"`
		} `json:"properties"`
		Required []string `json:"required"`
	}
	params := make(map[string]*schema.ParameterInfo)
	if err := json.Unmarshal(schemaJSON, &jsonSchema); err != nil {
		return params
	}

	required := make(map[string]bool)
	for _, r := range jsonSchema.Required {
		required[r] = true
	}

	for name, prop := range jsonSchema.Properties {
		paramType := schema.String
		switch prop.Type {
		case "integer":
			paramType = schema.Integer
		case "number":
			paramType = schema.Number
		case "boolean":
			paramType = schema.Boolean
		case "array":
			paramType = schema.Array
		case "object":
			paramType = schema.Object
		}
		params[name] = &schema.ParameterInfo{
			Type:     paramType,
			Desc:     prop.Description,
			Enum:     prop.Enum,
			Required: required[name],
		}
	}
	return params
}
