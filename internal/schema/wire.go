package schema

import "encoding/json"

// PullRequest asks for every row changed after Since in the given tables.
type PullRequest struct {
	UserID string  `json:"user_id"`
	Since  int64   `json:"since"`
	Tables []Table `json:"tables"`
}

// Envelope is the pull response, also sent as-is on the event stream.
// ServerTimeMs is safe to use as the next Since once Diffs are applied.
type Envelope struct {
	ServerTimeMs int64 `json:"server_time_ms"`
	Diffs        Batch `json:"diffs"`
}

// PushRequest submits row upserts and tombstones in one request.
type PushRequest struct {
	UserID   string `json:"user_id"`
	DeviceID string `json:"device_id"`
	Changes  Batch  `json:"changes"`
}

// PushResponse reports how many rows the authority kept.
// Rows dominated by what the authority already holds are not counted.
type PushResponse struct {
	ServerTimeMs int64 `json:"server_time_ms"`
	Accepted     int   `json:"accepted"`
}

// DocumentBody is the JSON shape of a single-document read or write.
// The freshness token normally travels in the ETag header; ETag here is a
// fallback for proxies that strip headers.
type DocumentBody struct {
	Data      json.RawMessage `json:"data"`
	UpdatedAt int64           `json:"updated_at,omitempty"`
	ETag      string          `json:"etag,omitempty"`
}
