package results

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ahrav/anomaly-armada/internal/api/errs"
	"github.com/ahrav/anomaly-armada/internal/api/params"
	resultsapp "github.com/ahrav/anomaly-armada/internal/app/results"
	"github.com/ahrav/anomaly-armada/internal/app/snapshots"
	"github.com/ahrav/anomaly-armada/internal/domain/results"
	"github.com/ahrav/anomaly-armada/internal/domain/shared"
	"github.com/ahrav/anomaly-armada/pkg/common/logger"
	"github.com/ahrav/anomaly-armada/pkg/web"
)

// SnapshotService lists and mutates model snapshots.
type SnapshotService interface {
	GetModelSnapshots(ctx context.Context, jobID string, q resultsapp.SnapshotQuery) (shared.Page[*results.ModelSnapshot], error)
	RevertSnapshot(ctx context.Context, req snapshots.RevertRequest) (*results.ModelSnapshot, error)
	UpdateSnapshotDescription(ctx context.Context, jobID, snapshotID, description string) (*results.ModelSnapshot, error)
}

// SnapshotConfig contains the dependencies needed by the snapshot handlers.
type SnapshotConfig struct {
	Log     *logger.Logger
	Service SnapshotService
}

// SnapshotRoutes binds the model snapshot endpoints.
func SnapshotRoutes(app *web.App, cfg SnapshotConfig) {
	const version = "v1"

	app.HandlerFunc(http.MethodGet, version, "/jobs/{id}/model_snapshots", listSnapshots(cfg))
	app.HandlerFunc(http.MethodPost, version, "/jobs/{id}/model_snapshots/revert", revert(cfg))
	app.HandlerFunc(http.MethodPatch, version, "/jobs/{id}/model_snapshots/{snapshotId}", updateSnapshot(cfg))
}

func listSnapshots(cfg SnapshotConfig) web.HandlerFunc {
	return func(ctx context.Context, r *http.Request) web.Encoder {
		p := params.New(r)
		q := resultsapp.SnapshotQuery{
			Start:       p.Time("start"),
			End:         p.Time("end"),
			Skip:        p.Int("skip", 0),
			Take:        p.Int("take", shared.DefaultTake),
			Descending:  p.Bool("desc", false),
			SnapshotID:  p.String("snapshot_id"),
			Description: p.String("description"),
		}
		sort, ok := results.ParseSortField(p.String("sort"), results.SortByTimestamp)
		if !ok {
			p.Fail("sort", fmt.Errorf("unknown sort field %q", p.String("sort")))
		}
		q.Sort = sort
		if err := p.Err(); err != nil {
			return err
		}

		page, err := cfg.Service.GetModelSnapshots(ctx, web.Param(r, "id"), q)
		if err != nil {
			return errs.FromDomain(err)
		}
		return toPage(page)
	}
}

// revertRequest selects the snapshot to revert to. Exactly one of the
// selectors must be set.
type revertRequest struct {
	Time                     string `json:"time,omitempty"`
	SnapshotID               string `json:"snapshot_id,omitempty"`
	Description              string `json:"description,omitempty"`
	DeleteInterveningResults bool   `json:"delete_intervening_results,omitempty"`
}

// Decode implements the web.Decoder interface.
func (rr *revertRequest) Decode(data []byte) error { return json.Unmarshal(data, rr) }

type revertResponse struct {
	Acknowledged  bool                   `json:"acknowledged"`
	ModelSnapshot *results.ModelSnapshot `json:"model"`
}

// Encode implements the web.Encoder interface.
func (rr revertResponse) Encode() ([]byte, string, error) {
	data, err := json.Marshal(rr)
	if err != nil {
		return nil, "", err
	}
	return data, "application/json", nil
}

func revert(cfg SnapshotConfig) web.HandlerFunc {
	return func(ctx context.Context, r *http.Request) web.Encoder {
		var req revertRequest
		if err := web.Decode(r, &req); err != nil {
			return errs.New(errs.InvalidArgument, err)
		}

		var at time.Time
		if req.Time != "" {
			t, err := web.ParseTime(req.Time)
			if err != nil {
				return errs.NewFieldErrors("time", err)
			}
			at = t
		}

		snap, err := cfg.Service.RevertSnapshot(ctx, snapshots.RevertRequest{
			JobID:                    web.Param(r, "id"),
			Time:                     at,
			SnapshotID:               req.SnapshotID,
			Description:              req.Description,
			DeleteInterveningResults: req.DeleteInterveningResults,
		})
		if err != nil {
			return errs.FromDomain(err)
		}
		return revertResponse{Acknowledged: true, ModelSnapshot: snap}
	}
}

type updateRequest struct {
	Description string `json:"description" validate:"required,max=1024"`
}

// Decode implements the web.Decoder interface.
func (ur *updateRequest) Decode(data []byte) error { return json.Unmarshal(data, ur) }

// Validate checks the request using the validator package.
func (ur *updateRequest) Validate() error { return errs.Check(ur) }

func updateSnapshot(cfg SnapshotConfig) web.HandlerFunc {
	return func(ctx context.Context, r *http.Request) web.Encoder {
		var req updateRequest
		if err := web.Decode(r, &req); err != nil {
			var fe errs.FieldErrors
			if errors.As(err, &fe) {
				return fe.ToError()
			}
			return errs.New(errs.InvalidArgument, err)
		}

		snap, err := cfg.Service.UpdateSnapshotDescription(ctx, web.Param(r, "id"), web.Param(r, "snapshotId"), req.Description)
		if err != nil {
			return errs.FromDomain(err)
		}
		return docResponse{Doc: snap}
	}
}
