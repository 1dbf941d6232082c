package http_server

import (
	"context"
	"net/http"
	"time"

	"github.com/danthegoodman1/icepart/utils"
	"github.com/rs/zerolog"
)

type (
	MergeReqBody struct {
		// Parts to merge, all in one partition.
		Parts []string `json:"parts" validate:"omitempty,min=2"`
		// Merge every active part of the partition instead.
		Partition *string `json:"partition"`
		// How many seconds before the merge will time out.
		//
		// Default `60`.
		MaxRuntimeSec *int64 `json:"max_runtime_sec"`
	}

	MergeStats struct {
		Part   string `json:"part"`
		TimeMS int64  `json:"time_ms"`
	}
)

func (s *HTTPServer) MergeHandler(c *CustomContext) error {
	tbl, err := s.DB.GetTable(c.Param("table"))
	if err != nil {
		return c.Fail(err, "error getting table")
	}

	var reqBody MergeReqBody
	if err := ValidateRequest(c, &reqBody); err != nil {
		return c.String(http.StatusBadRequest, err.Error())
	}

	if (reqBody.Partition == nil) == (len(reqBody.Parts) == 0) {
		return c.String(http.StatusBadRequest, "exactly one of parts and partition is required")
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), time.Second*time.Duration(utils.Deref(reqBody.MaxRuntimeSec, 60)))
	defer cancel()

	logger := zerolog.Ctx(ctx)
	logger.Debug().Msg("running merge handler")
	start := time.Now()

	var merged string
	if reqBody.Partition != nil {
		merged, err = tbl.MergePartition(ctx, *reqBody.Partition)
	} else {
		merged, err = tbl.Merge(ctx, reqBody.Parts)
	}
	if err != nil {
		return c.Fail(err, "error merging parts")
	}

	res := MergeStats{Part: merged, TimeMS: time.Since(start).Milliseconds()}
	logger.Debug().Interface("response", res).Msg("merged parts")
	return c.JSON(http.StatusOK, res)
}
