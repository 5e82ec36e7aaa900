package handler

import (
	"encoding/json"
	"iter"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/use-agent/portalscrape/cache"
	"github.com/use-agent/portalscrape/guard"
	"github.com/use-agent/portalscrape/models"
)

// Extract returns a handler for GET /api/v1/{call_history,voicemails,messages}.
//
// Flow:
//  1. Bind & validate the query, apply defaults.
//  2. json with max_age: serve a cached document when one is fresh enough.
//  3. Guard.Run → frame sequence (the slot is tried on first pull).
//  4. ndjson streams frames as they arrive; json collects them first.
func Extract(g *guard.Guard, cc *cache.Cache, source models.Source, defaultLimit int) gin.HandlerFunc {
	return func(c *gin.Context) {
		// ── 1. Parse request ────────────────────────────────────────
		var req models.ExtractRequest
		if err := c.ShouldBindQuery(&req); err != nil {
			c.JSON(http.StatusBadRequest, models.ErrorResponse{
				Success: false,
				Error: &models.ErrorDetail{
					Code:    models.ErrCodeValidation,
					Message: err.Error(),
				},
			})
			return
		}
		req.Defaults(defaultLimit)
		limit := *req.Limit

		frames := g.Run(c.Request.Context(), source, limit)

		if req.Format == models.FormatNDJSON {
			stream(c, frames)
			return
		}

		// ── 2. Cache lookup ────────────────────────────────────────
		useCache := cc != nil && req.MaxAge > 0
		key := cache.Key(source, limit)
		if useCache {
			if cached, hit := cc.Get(key, req.MaxAge); hit {
				doc := *cached
				doc.CacheStatus = "hit"
				c.JSON(http.StatusOK, doc)
				return
			}
		}

		// ── 3. Collect ─────────────────────────────────────────────
		doc, err := guard.Collect(source, frames)
		if err != nil {
			respondError(c, err)
			return
		}

		// ── 4. Cache store ─────────────────────────────────────────
		if useCache {
			cc.Set(key, doc)
			out := *doc
			out.CacheStatus = "miss"
			c.JSON(http.StatusOK, out)
			return
		}
		c.JSON(http.StatusOK, doc)
	}
}

// stream writes one JSON frame per line and flushes after each, so the
// client sees records while later pages are still being read. A failed
// write stops iteration, which ends the run and frees the slot.
func stream(c *gin.Context, frames iter.Seq[models.Frame]) {
	c.Header("Content-Type", "application/x-ndjson")
	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	enc := json.NewEncoder(c.Writer)
	for f := range frames {
		if err := enc.Encode(f); err != nil {
			slog.Warn("ndjson write failed, abandoning run", "frame", f.Kind.String(), "error", err)
			return
		}
		c.Writer.Flush()
	}
}

// respondError maps an ExtractError to the correct HTTP status code and
// writes a structured JSON error response.
func respondError(c *gin.Context, err error) {
	extractErr := models.AsExtractError(err)
	c.JSON(mapErrorToStatus(extractErr), models.ErrorResponse{
		Success: false,
		Error:   extractErr.ToDetail(),
	})
}

// mapErrorToStatus translates error codes to HTTP status codes.
func mapErrorToStatus(e *models.ExtractError) int {
	switch e.Code {
	case models.ErrCodeBusy:
		return http.StatusServiceUnavailable // 503
	case models.ErrCodeTimeout:
		return http.StatusGatewayTimeout // 504
	case models.ErrCodeNetwork, models.ErrCodeElementNotFound:
		return http.StatusBadGateway // 502
	case models.ErrCodeValidation:
		return http.StatusBadRequest // 400
	case models.ErrCodeRateLimited:
		return http.StatusTooManyRequests // 429
	case models.ErrCodeUnauthorized:
		return http.StatusUnauthorized // 401
	default:
		return http.StatusInternalServerError // 500
	}
}
