package context

import (
	"context"
	"strings"
)

type actorKey struct{}
type jobKey struct{}

type actor struct {
	actorType string
	actorID   string
}

type job struct {
	name  string
	runID string
}

// WithActor records who is acting for log and audit enrichment.
func WithActor(ctx context.Context, actorType, actorID string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, actorKey{}, actor{
		actorType: strings.TrimSpace(actorType),
		actorID:   strings.TrimSpace(actorID),
	})
}

func ActorFromContext(ctx context.Context) (string, string) {
	if ctx == nil {
		return "", ""
	}
	if a, ok := ctx.Value(actorKey{}).(actor); ok {
		return a.actorType, a.actorID
	}
	return "", ""
}

// WithJob tags the context with the running batch job.
func WithJob(ctx context.Context, name, runID string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, jobKey{}, job{name: name, runID: runID})
}

func JobFromContext(ctx context.Context) (string, string) {
	if ctx == nil {
		return "", ""
	}
	if j, ok := ctx.Value(jobKey{}).(job); ok {
		return j.name, j.runID
	}
	return "", ""
}
