package logger

import "context"

// context.go carries per-operation logging scope through context. The job
// runner tags the context with the compaction job it is driving before
// calling into the tree, so anything the tree logs through L(ctx) —
// including paths with no access to the job object, like capped trimming —
// comes out attributed to the right job.

type ctxKey int

const (
	loggerKey ctxKey = iota
	jobKey
)

type jobTag struct {
	id     uint64
	action string
}

// WithLogger attaches an explicit logger to ctx, overriding Default for
// everything downstream that logs via L.
func WithLogger(ctx context.Context, l Logger) context.Context {
	return context.WithValue(ctx, loggerKey, l)
}

// WithJob tags ctx with the compaction job it is executing on behalf of.
func WithJob(ctx context.Context, id uint64, action string) context.Context {
	return context.WithValue(ctx, jobKey, jobTag{id: id, action: action})
}

// JobFromContext returns the job tag set by WithJob, if any.
func JobFromContext(ctx context.Context) (id uint64, action string, ok bool) {
	tag, ok := ctx.Value(jobKey).(jobTag)
	return tag.id, tag.action, ok
}

// L resolves the logger for ctx: the attached logger or Default, scoped to
// the context's job tag when one is present.
func L(ctx context.Context) Logger {
	l, ok := ctx.Value(loggerKey).(Logger)
	if !ok {
		l = Default()
	}
	if id, action, ok := JobFromContext(ctx); ok {
		l = l.WithJob(id, action)
	}
	return l
}
