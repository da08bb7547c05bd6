package tools

import "context"

// FuncTool adapts a function to Tool. Set IsVolatile for functions whose
// answer changes while a run is in progress.
type FuncTool struct {
	ToolName   string
	Desc       string
	ParamList  []Param
	IsVolatile bool
	Fn         func(ctx context.Context, args map[string]any) (data any, rows int, err error)
}

func (f *FuncTool) Name() string        { return f.ToolName }
func (f *FuncTool) Description() string { return f.Desc }
func (f *FuncTool) Params() []Param     { return f.ParamList }
func (f *FuncTool) Volatile() bool      { return f.IsVolatile }

func (f *FuncTool) Run(ctx context.Context, args map[string]any) (any, int, error) {
	return f.Fn(ctx, args)
}
