package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ishenli/investment-agent/ai/registry"
)

type Operation struct {
	Class string   `json:"class"`
	IDs   []string `json:"ids"`
}

type CancelResponse struct {
	Class    string `json:"class"`
	Canceled bool   `json:"canceled"`
}

// ListOperations returns the operation classes that are loading.
func (s *APIV1Service) ListOperations(c echo.Context) error {
	reg := s.Assistant.Registry()
	operations := []*Operation{}
	for _, class := range registry.Classes {
		if ids := reg.IDs(class); len(ids) > 0 {
			operations = append(operations, &Operation{Class: string(class), IDs: ids})
		}
	}
	return c.JSON(http.StatusOK, operations)
}

// CancelOperation aborts every operation of one class. Other classes keep
// running.
func (s *APIV1Service) CancelOperation(c echo.Context) error {
	class, err := registry.ParseClass(c.Param("class"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error()).SetInternal(err)
	}
	canceled := s.Assistant.Cancel(class)
	return c.JSON(http.StatusOK, &CancelResponse{Class: string(class), Canceled: canceled})
}
