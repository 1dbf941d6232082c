package http_server

import (
	"net/http"
	"strconv"

	"github.com/danthegoodman1/icepart/partitioner"
	"github.com/danthegoodman1/icepart/table"
	"github.com/danthegoodman1/icepart/utils"
)

type (
	FreezeReqBody struct {
		// Partition predicate, empty or ALL freezes every partition.
		Partition string `json:"partition"`
	}

	// AttachReqBody names either one detached part or a partition predicate.
	AttachReqBody struct {
		Part      *string `json:"part" validate:"required_without=Partition,excluded_with=Partition"`
		Partition *string `json:"partition"`

		LegacyMetadataFix    bool `json:"legacy_metadata_fix"`
		PreserveBlockNumbers bool `json:"preserve_block_numbers"`
	}

	DetachReqBody struct {
		Part      *string `json:"part" validate:"required_without=Partition,excluded_with=Partition"`
		Partition *string `json:"partition"`
	}
)

func (s *HTTPServer) FreezeHandler(c *CustomContext) error {
	var reqBody FreezeReqBody
	if err := ValidateRequest(c, &reqBody); err != nil {
		return c.String(http.StatusBadRequest, err.Error())
	}
	pred, err := partitioner.ParsePredicate(reqBody.Partition)
	if err != nil {
		return c.String(http.StatusBadRequest, err.Error())
	}
	res, err := s.DB.FreezePartition(c.Request().Context(), c.Param("table"), pred)
	if err != nil {
		return c.Fail(err, "error freezing partition")
	}
	res.Parts = utils.ArrayOrEmpty(res.Parts)
	return c.JSON(http.StatusOK, res)
}

func (s *HTTPServer) AttachHandler(c *CustomContext) error {
	var reqBody AttachReqBody
	if err := ValidateRequest(c, &reqBody); err != nil {
		return c.String(http.StatusBadRequest, err.Error())
	}
	opts := table.AttachOptions{
		LegacyMetadataFix:    reqBody.LegacyMetadataFix,
		PreserveBlockNumbers: reqBody.PreserveBlockNumbers,
	}
	ctx := c.Request().Context()

	var (
		res table.AttachResult
		err error
	)
	if reqBody.Part != nil {
		res, err = s.DB.AttachPart(ctx, c.Param("table"), *reqBody.Part, opts)
	} else {
		pred, perr := partitioner.ParsePredicate(*reqBody.Partition)
		if perr != nil {
			return c.String(http.StatusBadRequest, perr.Error())
		}
		res, err = s.DB.AttachPartition(ctx, c.Param("table"), pred, opts)
	}
	if err != nil {
		return c.Fail(err, "error attaching")
	}
	return c.JSON(http.StatusOK, res)
}

func (s *HTTPServer) DetachHandler(c *CustomContext) error {
	var reqBody DetachReqBody
	if err := ValidateRequest(c, &reqBody); err != nil {
		return c.String(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()

	var (
		res table.DetachedResult
		err error
	)
	if reqBody.Part != nil {
		res, err = s.DB.DetachPart(ctx, c.Param("table"), *reqBody.Part)
	} else {
		pred, perr := partitioner.ParsePredicate(*reqBody.Partition)
		if perr != nil {
			return c.String(http.StatusBadRequest, perr.Error())
		}
		res, err = s.DB.DetachPartition(ctx, c.Param("table"), pred)
	}
	if err != nil {
		return c.Fail(err, "error detaching")
	}
	return c.JSON(http.StatusOK, res)
}

func (s *HTTPServer) ListEpochs(c *CustomContext) error {
	epochs, err := s.DB.Freezer.ListEpochs(c.Request().Context())
	if err != nil {
		return c.InternalError(err, "error listing epochs")
	}
	return c.JSON(http.StatusOK, utils.ArrayOrEmpty(epochs))
}

func (s *HTTPServer) UnfreezeHandler(c *CustomContext) error {
	epoch, err := strconv.ParseUint(c.Param("epoch"), 10, 64)
	if err != nil {
		return c.String(http.StatusBadRequest, "epoch must be a positive number")
	}
	if err := s.DB.Unfreeze(c.Request().Context(), epoch); err != nil {
		return c.Fail(err, "error removing epoch")
	}
	return c.NoContent(http.StatusNoContent)
}
