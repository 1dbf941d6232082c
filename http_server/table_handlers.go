package http_server

import (
	"net/http"

	"github.com/danthegoodman1/icepart/metastore"
	"github.com/danthegoodman1/icepart/table"
	"github.com/danthegoodman1/icepart/utils"
)

type (
	CreateTableReqBody struct {
		Name    string             `json:"name" validate:"required"`
		Columns []metastore.Column `json:"columns" validate:"required,min=1"`
		// Defaults to metastore.DefaultSettings
		Settings *metastore.Settings `json:"settings"`
	}

	AlterReqBody struct {
		Commands []table.AlterCommand `json:"commands" validate:"required,min=1,dive"`
	}
)

func (s *HTTPServer) CreateTable(c *CustomContext) error {
	var reqBody CreateTableReqBody
	if err := ValidateRequest(c, &reqBody); err != nil {
		return c.String(http.StatusBadRequest, err.Error())
	}
	settings := utils.Deref(reqBody.Settings, metastore.DefaultSettings())
	if settings.IndexGranularity == 0 {
		settings.IndexGranularity = metastore.DefaultIndexGranularity
	}

	tbl, err := s.DB.CreateTable(c.Request().Context(), metastore.TableSchema{
		Name:     reqBody.Name,
		Columns:  reqBody.Columns,
		Settings: settings,
	})
	if err != nil {
		return c.Fail(err, "error creating table")
	}
	return c.JSON(http.StatusCreated, tbl.Schema())
}

func (s *HTTPServer) ListTables(c *CustomContext) error {
	return c.JSON(http.StatusOK, s.DB.ListTables())
}

func (s *HTTPServer) GetTable(c *CustomContext) error {
	tbl, err := s.DB.GetTable(c.Param("table"))
	if err != nil {
		return c.Fail(err, "error getting table")
	}
	return c.JSON(http.StatusOK, tbl.Schema())
}

func (s *HTTPServer) DropTable(c *CustomContext) error {
	if err := s.DB.DropTable(c.Request().Context(), c.Param("table")); err != nil {
		return c.Fail(err, "error dropping table")
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *HTTPServer) AlterTable(c *CustomContext) error {
	tbl, err := s.DB.GetTable(c.Param("table"))
	if err != nil {
		return c.Fail(err, "error getting table")
	}
	var reqBody AlterReqBody
	if err := ValidateRequest(c, &reqBody); err != nil {
		return c.String(http.StatusBadRequest, err.Error())
	}
	schema, err := tbl.Alter(c.Request().Context(), reqBody.Commands...)
	if err != nil {
		return c.Fail(err, "error altering table")
	}
	return c.JSON(http.StatusOK, schema)
}

func (s *HTTPServer) ListParts(c *CustomContext) error {
	tbl, err := s.DB.GetTable(c.Param("table"))
	if err != nil {
		return c.Fail(err, "error getting table")
	}
	return c.JSON(http.StatusOK, utils.ArrayOrEmpty(tbl.Parts()))
}

func (s *HTTPServer) ListDetached(c *CustomContext) error {
	tbl, err := s.DB.GetTable(c.Param("table"))
	if err != nil {
		return c.Fail(err, "error getting table")
	}
	detached, err := tbl.DetachedParts(c.Request().Context())
	if err != nil {
		return c.InternalError(err, "error listing detached parts")
	}
	return c.JSON(http.StatusOK, utils.ArrayOrEmpty(detached))
}

// CheckTable answers 200 with the per part results even when a part fails.
func (s *HTTPServer) CheckTable(c *CustomContext) error {
	res, err := s.DB.CheckTable(c.Request().Context(), c.Param("table"), c.QueryParam("part"))
	if err != nil {
		return c.Fail(err, "error checking table")
	}
	return c.JSON(http.StatusOK, res)
}
