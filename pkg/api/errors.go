package api

import (
	"errors"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/skyfence/skyfence/pkg/detect"
	"github.com/skyfence/skyfence/pkg/token"
)

// mapCoreError maps component errors to the boundary's stable HTTP statuses:
// 400 invalid input, 410 missing/expired handle, 500 detector timeout,
// 503 token backend unavailable.
func mapCoreError(err error) *echo.HTTPError {
	if errors.Is(err, detect.ErrInvalidInput) {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if errors.Is(err, detect.ErrTimeout) {
		slog.Error("Detector exceeded its scan budget", "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "detector timeout")
	}
	if errors.Is(err, token.ErrHandleMissing) {
		return echo.NewHTTPError(http.StatusGone, "token handle unknown or expired")
	}
	if errors.Is(err, token.ErrBackendUnavailable) {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "token backend unavailable")
	}

	// Unexpected error
	slog.Error("Unexpected core error", "error", err)
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
}
