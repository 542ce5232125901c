package llm

import (
	"context"

	einotool "github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"
)

// FuncTool is an InvokableTool backed by a function.
type FuncTool struct {
	Name   string
	Desc   string
	Params map[string]*schema.ParameterInfo
	Fn     func(ctx context.Context, argsJSON string) (string, error)
}

var _ einotool.InvokableTool = (*FuncTool)(nil)

func (t *FuncTool) Info(ctx context.Context) (*schema.ToolInfo, error) {
	params := t.Params
	if params == nil {
		params = map[string]*schema.ParameterInfo{}
	}
	return &schema.ToolInfo{
		Name:        t.Name,
		Desc:        t.Desc,
		ParamsOneOf: schema.NewParamsOneOfByParams(params),
	}, nil
}

func (t *FuncTool) InvokableRun(ctx context.Context, argsJSON string, opts ...einotool.Option) (string, error) {
	return t.Fn(ctx, argsJSON)
}
