// Package jobs binds the job lifecycle and data endpoints.
package jobs

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/ahrav/anomaly-armada/internal/api/errs"
	"github.com/ahrav/anomaly-armada/internal/api/params"
	"github.com/ahrav/anomaly-armada/internal/domain/job"
	"github.com/ahrav/anomaly-armada/internal/domain/process"
	"github.com/ahrav/anomaly-armada/internal/domain/shared"
	"github.com/ahrav/anomaly-armada/pkg/common/logger"
	"github.com/ahrav/anomaly-armada/pkg/web"
)

// Service is the part of the engine these routes drive.
type Service interface {
	CreateJob(ctx context.Context, cfg job.Config, overwrite bool) (*job.Job, error)
	GetJob(ctx context.Context, jobID string) (*job.Job, bool, error)
	ListJobs(ctx context.Context, skip, take int) (shared.Page[*job.Job], error)
	DeleteJob(ctx context.Context, jobID string, force bool) error
	ProcessData(ctx context.Context, jobID string, r io.Reader, params process.DataLoadParams) (job.DataCounts, error)
	Flush(ctx context.Context, jobID string, params process.FlushParams) (process.FlushAck, error)
	Close(ctx context.Context, jobID string) error
}

// Config contains the dependencies needed by the job handlers.
type Config struct {
	Log     *logger.Logger
	Service Service
}

// Routes binds all the job endpoints.
func Routes(app *web.App, cfg Config) {
	const version = "v1"

	app.HandlerFunc(http.MethodPost, version, "/jobs", create(cfg))
	app.HandlerFunc(http.MethodGet, version, "/jobs", list(cfg))
	app.HandlerFunc(http.MethodGet, version, "/jobs/{id}", get(cfg))
	app.HandlerFunc(http.MethodDelete, version, "/jobs/{id}", remove(cfg))
	app.HandlerFunc(http.MethodPost, version, "/jobs/{id}/data", postData(cfg))
	app.HandlerFunc(http.MethodPost, version, "/jobs/{id}/flush", flush(cfg))
	app.HandlerFunc(http.MethodPost, version, "/jobs/{id}/close", closeJob(cfg))
}

// createRequest is the job definition accepted on create.
type createRequest struct {
	job.Config
}

// Decode implements the web.Decoder interface.
func (c *createRequest) Decode(data []byte) error { return json.Unmarshal(data, &c.Config) }

type jobResponse struct {
	job    *job.Job
	status int
}

// Encode implements the web.Encoder interface.
func (jr jobResponse) Encode() ([]byte, string, error) {
	data, err := json.Marshal(jr.job)
	if err != nil {
		return nil, "", err
	}
	return data, "application/json", nil
}

// HTTPStatus implements the httpStatus interface to set the response status code.
func (jr jobResponse) HTTPStatus() int {
	if jr.status == 0 {
		return http.StatusOK
	}
	return jr.status
}

func create(cfg Config) web.HandlerFunc {
	return func(ctx context.Context, r *http.Request) web.Encoder {
		p := params.New(r)
		overwrite := p.Bool("overwrite", false)
		if err := p.Err(); err != nil {
			return err
		}

		var req createRequest
		if err := web.Decode(r, &req); err != nil {
			return errs.New(errs.InvalidArgument, err)
		}

		j, err := cfg.Service.CreateJob(ctx, req.Config, overwrite)
		if err != nil {
			return errs.FromDomain(err)
		}
		return jobResponse{job: j, status: http.StatusCreated}
	}
}

type listResponse struct {
	Count int64      `json:"count"`
	Jobs  []*job.Job `json:"jobs"`
}

// Encode implements the web.Encoder interface.
func (lr listResponse) Encode() ([]byte, string, error) {
	data, err := json.Marshal(lr)
	if err != nil {
		return nil, "", err
	}
	return data, "application/json", nil
}

func list(cfg Config) web.HandlerFunc {
	return func(ctx context.Context, r *http.Request) web.Encoder {
		p := params.New(r)
		skip := p.Int("skip", 0)
		take := p.Int("take", shared.DefaultTake)
		if err := p.Err(); err != nil {
			return err
		}

		page, err := cfg.Service.ListJobs(ctx, skip, take)
		if err != nil {
			return errs.FromDomain(err)
		}
		return listResponse{Count: page.Count, Jobs: page.Items}
	}
}

func get(cfg Config) web.HandlerFunc {
	return func(ctx context.Context, r *http.Request) web.Encoder {
		jobID := web.Param(r, "id")

		j, found, err := cfg.Service.GetJob(ctx, jobID)
		if err != nil {
			return errs.FromDomain(err)
		}
		if !found {
			return errs.New(errs.NotFound, shared.NewError("get_job", jobID, job.ErrJobNotFound))
		}
		return jobResponse{job: j}
	}
}

type ackResponse struct {
	Acknowledged bool `json:"acknowledged"`
}

// Encode implements the web.Encoder interface.
func (ar ackResponse) Encode() ([]byte, string, error) {
	data, err := json.Marshal(ar)
	if err != nil {
		return nil, "", err
	}
	return data, "application/json", nil
}

func remove(cfg Config) web.HandlerFunc {
	return func(ctx context.Context, r *http.Request) web.Encoder {
		p := params.New(r)
		force := p.Bool("force", false)
		if err := p.Err(); err != nil {
			return err
		}

		if err := cfg.Service.DeleteJob(ctx, web.Param(r, "id"), force); err != nil {
			return errs.FromDomain(err)
		}
		return ackResponse{Acknowledged: true}
	}
}

type countsResponse struct {
	job.DataCounts
	InputRecords int64 `json:"input_record_count"`
}

// Encode implements the web.Encoder interface.
func (cr countsResponse) Encode() ([]byte, string, error) {
	data, err := json.Marshal(cr)
	if err != nil {
		return nil, "", err
	}
	return data, "application/json", nil
}

// postData streams the request body into the job's analysis process. The
// body is read until the client finishes sending it.
func postData(cfg Config) web.HandlerFunc {
	return func(ctx context.Context, r *http.Request) web.Encoder {
		p := params.New(r)
		load := process.DataLoadParams{
			ResetRange: process.TimeRange{
				Start: p.Time("reset_start"),
				End:   p.Time("reset_end"),
			},
			IgnoreDowntime: p.Bool("ignore_downtime", false),
		}
		if err := p.Err(); err != nil {
			return err
		}

		jobID := web.Param(r, "id")
		start := time.Now()
		counts, err := cfg.Service.ProcessData(ctx, jobID, r.Body, load)
		if err != nil {
			return errs.FromDomain(err)
		}

		cfg.Log.Debug(ctx, "Data upload complete",
			"job_id", jobID,
			"processed_records", counts.ProcessedRecordCount,
			"duration", time.Since(start))
		return countsResponse{DataCounts: counts, InputRecords: counts.InputRecordCount()}
	}
}

type flushResponse struct {
	Flushed bool `json:"flushed"`
	process.FlushAck
}

// Encode implements the web.Encoder interface.
func (fr flushResponse) Encode() ([]byte, string, error) {
	data, err := json.Marshal(fr)
	if err != nil {
		return nil, "", err
	}
	return data, "application/json", nil
}

func flush(cfg Config) web.HandlerFunc {
	return func(ctx context.Context, r *http.Request) web.Encoder {
		p := params.New(r)
		fp := process.FlushParams{
			CalcInterim: p.Bool("calc_interim", false),
			Start:       p.Time("start"),
			End:         p.Time("end"),
			AdvanceTime: p.Time("advance_time"),
		}
		if err := p.Err(); err != nil {
			return err
		}

		ack, err := cfg.Service.Flush(ctx, web.Param(r, "id"), fp)
		if err != nil {
			return errs.FromDomain(err)
		}
		return flushResponse{Flushed: true, FlushAck: ack}
	}
}

type closeResponse struct {
	Closed bool `json:"closed"`
}

// Encode implements the web.Encoder interface.
func (cr closeResponse) Encode() ([]byte, string, error) {
	data, err := json.Marshal(cr)
	if err != nil {
		return nil, "", err
	}
	return data, "application/json", nil
}

func closeJob(cfg Config) web.HandlerFunc {
	return func(ctx context.Context, r *http.Request) web.Encoder {
		if err := cfg.Service.Close(ctx, web.Param(r, "id")); err != nil {
			return errs.FromDomain(err)
		}
		return closeResponse{Closed: true}
	}
}
