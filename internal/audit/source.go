package audit

import "context"

type sourceKey struct{}

// Source describes where a request came from. The HTTP layer attaches it to
// the request context; the trail copies its fields into each event's detail.
type Source struct {
	Origin    string
	Route     string
	RequestID string
}

// WithSource returns a copy of ctx carrying src.
func WithSource(ctx context.Context, src Source) context.Context {
	return context.WithValue(ctx, sourceKey{}, src)
}

// SourceFrom returns the Source attached to ctx, if any.
func SourceFrom(ctx context.Context) (Source, bool) {
	src, ok := ctx.Value(sourceKey{}).(Source)
	return src, ok
}

// withSourceDetail merges the request source into detail without overwriting
// keys the caller set explicitly. detail is never mutated.
func withSourceDetail(ctx context.Context, detail map[string]interface{}) map[string]interface{} {
	src, ok := SourceFrom(ctx)
	if !ok {
		return detail
	}
	out := make(map[string]interface{}, len(detail)+3)
	if src.Origin != "" {
		out["origin"] = src.Origin
	}
	if src.Route != "" {
		out["route"] = src.Route
	}
	if src.RequestID != "" {
		out["request_id"] = src.RequestID
	}
	for k, v := range detail {
		out[k] = v
	}
	return out
}
