package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const pipelineTracerName = "taskforge-pipeline"

func pipelineTracer() trace.Tracer {
	return Tracer(pipelineTracerName)
}

// TraceTaskRun creates the root span for one end-to-end task execution,
// spanning admission through cleanup.
func TraceTaskRun(ctx context.Context, taskID, projectID, agent string) (context.Context, trace.Span) {
	ctx, span := pipelineTracer().Start(ctx, "task.run", trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(
		attribute.String("task_id", taskID),
		attribute.String("project_id", projectID),
		attribute.String("agent", agent),
	)
	return ctx, span
}

// TraceWorktreeCreate creates a span for worktree provisioning.
func TraceWorktreeCreate(ctx context.Context, taskID, projectDirectory string) (context.Context, trace.Span) {
	ctx, span := pipelineTracer().Start(ctx, "task.worktree.create", trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(
		attribute.String("task_id", taskID),
		attribute.String("project_directory", projectDirectory),
	)
	return ctx, span
}

// TraceSessionCreate creates a span for AR session creation.
func TraceSessionCreate(ctx context.Context, taskID, agent string) (context.Context, trace.Span) {
	ctx, span := pipelineTracer().Start(ctx, "task.session.create", trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(
		attribute.String("task_id", taskID),
		attribute.String("agent", agent),
	)
	return ctx, span
}

// TracePromptAwait creates a span covering the prompt-submit-and-await
// protocol for one turn (initial prompt or follow-up).
func TracePromptAwait(ctx context.Context, taskID, sessionID string, followUp bool) (context.Context, trace.Span) {
	ctx, span := pipelineTracer().Start(ctx, "task.prompt.await", trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(
		attribute.String("task_id", taskID),
		attribute.String("session_id", sessionID),
		attribute.Bool("follow_up", followUp),
	)
	return ctx, span
}

// TraceCleanup creates a span for worktree cleanup at the end of a run.
func TraceCleanup(ctx context.Context, taskID, policy string) (context.Context, trace.Span) {
	ctx, span := pipelineTracer().Start(ctx, "task.cleanup", trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(
		attribute.String("task_id", taskID),
		attribute.String("policy", policy),
	)
	return ctx, span
}

// TraceMerge creates a span for a worktree merge-back.
func TraceMerge(ctx context.Context, taskID, worktreeDirectory string) (context.Context, trace.Span) {
	ctx, span := pipelineTracer().Start(ctx, "task.merge", trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(
		attribute.String("task_id", taskID),
		attribute.String("worktree_directory", worktreeDirectory),
	)
	return ctx, span
}

// EndSpan records err (if any) on span and closes it, the common
// finish step shared by every span this package opens.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
