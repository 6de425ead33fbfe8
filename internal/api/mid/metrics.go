package mid

import (
	"context"
	"net/http"
	"time"

	"github.com/ahrav/anomaly-armada/internal/api"
	"github.com/ahrav/anomaly-armada/internal/api/errs"
	"github.com/ahrav/anomaly-armada/pkg/web"
)

// Metrics counts requests and their latency by route. It must run outside
// Errors so the codes it sees are final.
func Metrics(m api.APIMetrics) web.MidFunc {
	mw := func(next web.HandlerFunc) web.HandlerFunc {
		h := func(ctx context.Context, r *http.Request) web.Encoder {
			start := time.Now()
			resp := next(ctx, r)

			status := http.StatusOK
			if sc, ok := resp.(web.HTTPStatusSetter); ok {
				status = sc.HTTPStatus()
			} else if resp == nil {
				status = http.StatusNoContent
			}
			if e, ok := resp.(*errs.Error); ok {
				m.IncRequestErrors(ctx, e.Code.String())
			}

			m.IncRequestsTotal(ctx, r.Method, r.Pattern, status)
			m.ObserveRequestDuration(ctx, r.Method, r.Pattern, time.Since(start))
			return resp
		}

		return h
	}

	return mw
}
