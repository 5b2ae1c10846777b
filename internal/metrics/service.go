package metrics

import "context"

// serviceHolder lets the routing stage, which runs after the metrics
// middleware, report which service the request resolved to.
type serviceHolder struct {
	name string
}

type serviceHolderKey struct{}

func withServiceHolder(ctx context.Context, h *serviceHolder) context.Context {
	return context.WithValue(ctx, serviceHolderKey{}, h)
}

// LabelService records the resolved service name for the in-flight request.
// A no-op when the metrics middleware is not installed.
func LabelService(ctx context.Context, name string) {
	if h, ok := ctx.Value(serviceHolderKey{}).(*serviceHolder); ok {
		h.name = name
	}
}
