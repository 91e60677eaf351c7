package ctxkeys

import "context"

// contextKey 用于在 context 中存储值的键类型
type contextKey string

const (
	traceIDKey     contextKey = "trace_id"
	executionIDKey contextKey = "execution_id"
	flowIDKey      contextKey = "flow_id"
	targetIDKey    contextKey = "target_id"
)

func withString(ctx context.Context, key contextKey, v string) context.Context {
	return context.WithValue(ctx, key, v)
}

func getString(ctx context.Context, key contextKey) (string, bool) {
	v, ok := ctx.Value(key).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// WithTraceID 设置 TraceID
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return withString(ctx, traceIDKey, traceID)
}

// TraceID 获取 TraceID
func TraceID(ctx context.Context) (string, bool) {
	return getString(ctx, traceIDKey)
}

// WithExecutionID 设置执行 ID
func WithExecutionID(ctx context.Context, id string) context.Context {
	return withString(ctx, executionIDKey, id)
}

// ExecutionID 获取执行 ID
func ExecutionID(ctx context.Context) (string, bool) {
	return getString(ctx, executionIDKey)
}

// WithFlowID 设置流程 ID
func WithFlowID(ctx context.Context, id string) context.Context {
	return withString(ctx, flowIDKey, id)
}

// FlowID 获取流程 ID
func FlowID(ctx context.Context) (string, bool) {
	return getString(ctx, flowIDKey)
}

// WithTargetID 设置目标（晶圆）ID
func WithTargetID(ctx context.Context, id string) context.Context {
	return withString(ctx, targetIDKey, id)
}

// TargetID 获取目标（晶圆）ID
func TargetID(ctx context.Context) (string, bool) {
	return getString(ctx, targetIDKey)
}
