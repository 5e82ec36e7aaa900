package models

// DefaultLimit is the result-count limit applied when the caller omits one.
const DefaultLimit = 50

// Output formats for extraction requests.
const (
	FormatNDJSON = "ndjson"
	FormatJSON   = "json"
)

// ExtractRequest is the query for GET /api/v1/{call_history,voicemails,messages}.
type ExtractRequest struct {
	// Limit caps the number of emitted records. Default: 50.
	Limit *int `form:"limit" binding:"omitempty,min=0"`

	// Format selects the response shape.
	// "ndjson" (default): one frame per line, streamed as records are extracted.
	// "json": a single aggregated document once the run completes.
	Format string `form:"format" binding:"omitempty,oneof=ndjson json"`

	// MaxAge, in milliseconds, allows the aggregated form to be served from a
	// document cached within that window. Ignored for ndjson.
	MaxAge int `form:"max_age" binding:"omitempty,min=0"`
}

// Defaults applies default values to unset fields.
func (r *ExtractRequest) Defaults(defaultLimit int) {
	if r.Limit == nil {
		l := defaultLimit
		if l < 0 {
			l = DefaultLimit
		}
		r.Limit = &l
	}
	if r.Format == "" {
		r.Format = FormatNDJSON
	}
}
