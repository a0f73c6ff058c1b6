package model

// HealthResponse is returned by GET /api/health.
type HealthResponse struct {
	Status string `json:"status"`
}

// FileTypeCount is one row of GET /api/file-types.
type FileTypeCount struct {
	Extension  string `json:"extension"`
	Count      int64  `json:"count"`
	LastUpdate string `json:"last_update"`
}

// RecentFile is one row of GET /api/recent-files.
type RecentFile struct {
	Key           string `json:"key"`
	Size          int64  `json:"size"`
	FileExtension string `json:"file_extension"`
	Timestamp     string `json:"timestamp"`
}

// ErrorResponse is returned for any failed API request.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
