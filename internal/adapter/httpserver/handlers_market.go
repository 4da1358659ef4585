package httpserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/rupneel/crypto-tracker/internal/domain"
	apperrors "github.com/rupneel/crypto-tracker/internal/platform/errors"
)

type listingResponse struct {
	Data    []json.RawMessage `json:"data"`
	Page    int               `json:"page"`
	PerPage int               `json:"per_page"`
	Count   int               `json:"count"`
}

func (s *Server) registerMarketRoutes() {
	api := s.echo.Group("/api/v1/cryptos", newRateLimiter(s.config.RateLimitPerMinute))

	api.GET("", s.handleListing)
	api.GET("/", s.handleListing)
	api.GET("/search", s.handleSearch)
	api.GET("/trending", s.handleTrending)
	api.GET("/market/global", s.handleGlobalStats)
	api.GET("/:crypto_id", s.handleCoin)
	api.GET("/:crypto_id/history", s.handleHistory)
}

func (s *Server) handleListing(c echo.Context) error {
	page, err := intParam(c, "page", 1)
	if err != nil {
		return err
	}
	perPage, err := intParam(c, "per_page", domain.DefaultPerPage)
	if err != nil {
		return err
	}
	if page < 1 {
		return apperrors.ValidationError("page must be at least 1").WithContext("page", page)
	}
	if perPage < 1 || perPage > domain.MaxPerPage {
		return apperrors.ValidationError(fmt.Sprintf("per_page must be between 1 and %d", domain.MaxPerPage)).
			WithContext("per_page", perPage)
	}

	q := domain.ListingQuery{
		Currency: stringParam(c, "vs_currency", domain.DefaultCurrency),
		Page:     page,
		PerPage:  perPage,
		Order:    stringParam(c, "order", domain.DefaultOrder),
	}

	payload, err := s.market.Listing(c.Request().Context(), q)
	if err != nil {
		return err
	}

	var rows []json.RawMessage
	if err := json.Unmarshal(payload, &rows); err != nil {
		return apperrors.ExternalError("unexpected market listing format", err)
	}
	if rows == nil {
		rows = []json.RawMessage{}
	}

	return writeJSON(c, listingResponse{Data: rows, Page: page, PerPage: perPage, Count: len(rows)})
}

func (s *Server) handleSearch(c echo.Context) error {
	query := strings.TrimSpace(c.QueryParam("query"))
	if query == "" {
		return apperrors.ValidationError("query is required")
	}

	payload, err := s.market.Search(c.Request().Context(), query)
	if err != nil {
		return err
	}
	return writeRaw(c, payload)
}

func (s *Server) handleTrending(c echo.Context) error {
	payload, err := s.market.Trending(c.Request().Context())
	if err != nil {
		return err
	}
	return writeRaw(c, payload)
}

func (s *Server) handleGlobalStats(c echo.Context) error {
	payload, err := s.market.GlobalStats(c.Request().Context())
	if err != nil {
		return err
	}
	return writeRaw(c, payload)
}

func (s *Server) handleCoin(c echo.Context) error {
	coinID := c.Param("crypto_id")

	payload, err := s.market.Coin(c.Request().Context(), coinID)
	if err != nil {
		return err
	}
	return writeRaw(c, payload)
}

func (s *Server) handleHistory(c echo.Context) error {
	days := stringParam(c, "days", domain.DefaultDays)
	if !validDays(days) {
		return apperrors.ValidationError("days must be a positive integer or \"max\"").WithContext("days", days)
	}

	q := domain.HistoryQuery{
		CoinID:   c.Param("crypto_id"),
		Currency: stringParam(c, "vs_currency", domain.DefaultCurrency),
		Days:     days,
		Interval: c.QueryParam("interval"),
	}

	payload, err := s.market.History(c.Request().Context(), q)
	if err != nil {
		return err
	}
	return writeRaw(c, payload)
}

func stringParam(c echo.Context, name, fallback string) string {
	if v := strings.TrimSpace(c.QueryParam(name)); v != "" {
		return v
	}
	return fallback
}

func intParam(c echo.Context, name string, fallback int) (int, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apperrors.ValidationError(name+" must be an integer").WithContext(name, raw)
	}
	return n, nil
}

func validDays(days string) bool {
	if days == "max" {
		return true
	}
	n, err := strconv.Atoi(days)
	return err == nil && n > 0
}

func writeRaw(c echo.Context, payload json.RawMessage) error {
	if err := c.JSONBlob(http.StatusOK, payload); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

func writeJSON(c echo.Context, v any) error {
	if err := c.JSON(http.StatusOK, v); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}
