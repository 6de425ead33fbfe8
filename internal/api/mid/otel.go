package mid

import (
	"context"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/anomaly-armada/pkg/web"
)

// Otel starts a span named after the matched route for every handler call.
func Otel(tracer trace.Tracer) web.MidFunc {
	m := func(next web.HandlerFunc) web.HandlerFunc {
		h := func(ctx context.Context, r *http.Request) web.Encoder {
			ctx, span := tracer.Start(ctx, "api."+r.Pattern,
				trace.WithAttributes(attribute.String("http.route", r.Pattern)))
			defer span.End()

			resp := next(ctx, r)
			if err, ok := resp.(error); ok {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			return resp
		}

		return h
	}

	return m
}
