package models

import (
	"context"
	"time"
)

type jobContextKey struct{}

// JobContext describes the scheduler job a task body runs under.
type JobContext struct {
	JobId    string
	Name     string
	Arg      string
	Attempt  int
	Deadline time.Time
}

// WithJobContext attaches the running job to a context.
func WithJobContext(ctx context.Context, jc *JobContext) context.Context {
	return context.WithValue(ctx, jobContextKey{}, jc)
}

// GetJobContext returns the running job, or nil outside the scheduler.
func GetJobContext(ctx context.Context) *JobContext {
	jc, _ := ctx.Value(jobContextKey{}).(*JobContext)
	return jc
}
