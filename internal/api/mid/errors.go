package mid

import (
	"context"
	"net/http"
	"path"

	"github.com/ahrav/anomaly-armada/internal/api/errs"
	"github.com/ahrav/anomaly-armada/pkg/common/logger"
	"github.com/ahrav/anomaly-armada/pkg/web"
)

// Errors handles errors coming out of the call chain. Any error that is not
// already an errs.Error is mapped by its domain sentinel.
func Errors(log *logger.Logger) web.MidFunc {
	m := func(next web.HandlerFunc) web.HandlerFunc {
		h := func(ctx context.Context, r *http.Request) web.Encoder {
			resp := next(ctx, r)
			err, ok := resp.(error)
			if !ok {
				return resp
			}

			appErr := errs.FromDomain(err)

			level := log.Warn
			if appErr.HTTPStatus() >= http.StatusInternalServerError {
				level = log.Error
			}
			level(ctx, "handled error during request",
				"err", err,
				"code", appErr.Code.String(),
				"source_err_file", path.Base(appErr.FileName),
				"source_err_func", path.Base(appErr.FuncName))

			return appErr
		}

		return h
	}

	return m
}
