package toolexecutor

import "context"

// CallInfo identifies the tool call being executed
type CallInfo struct {
	SessionID string
	CallID    string
	ToolName  string
}

type callInfoKey struct{}

// ContextWithCall attaches call information for tool handlers.
func ContextWithCall(ctx context.Context, info CallInfo) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, callInfoKey{}, info)
}

// CallFromContext extracts call information, if any.
func CallFromContext(ctx context.Context) (CallInfo, bool) {
	if ctx == nil {
		return CallInfo{}, false
	}
	info, ok := ctx.Value(callInfoKey{}).(CallInfo)
	return info, ok
}
