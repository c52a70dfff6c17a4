// Package api defines the JSON wire types of the feedgate HTTP surface.
package api

// DownloadRequest models the JSON payload for POST /download.
type DownloadRequest struct {
	// ApplicationName selects the application profile and with it the
	// resolution strategy.
	ApplicationName string `json:"application_name"`
	// CompanyID identifies the client whose artifacts are requested.
	CompanyID string `json:"company_id"`
}

// MatchedFile is one resolved object together with its scoped download link.
type MatchedFile struct {
	// File is the object name within its container.
	File string `json:"file"`
	// Container is the storage container holding the object.
	Container string `json:"container"`
	// DownloadURL is a short-lived read-only link to the object.
	DownloadURL string `json:"download_url"`
}

// DownloadResponse is returned for every successful resolution, including
// strategies that legitimately resolve to zero files.
type DownloadResponse struct {
	// Message summarizes the outcome for human readers.
	Message string `json:"message"`
	// Strategy names the resolution algorithm that produced the files.
	Strategy string `json:"strategy"`
	// Files lists the resolved objects with their links. Empty means the
	// scan completed without a match.
	Files []MatchedFile `json:"files"`
	// CorrelationID links the response to request/response logs.
	CorrelationID string `json:"correlation_id,omitempty"`
}

// ErrorResponse is the canonical error envelope for API errors.
type ErrorResponse struct {
	// ErrorCode is the stable feedgate error identifier.
	ErrorCode string `json:"error"`
	// Detail provides human-readable diagnostic context for the error.
	Detail string `json:"detail,omitempty"`
	// CorrelationID links the error to request/response logs.
	CorrelationID string `json:"correlation_id,omitempty"`
}

// ApplicationList is returned by GET /applications.
type ApplicationList struct {
	// Applications are the configured application names.
	Applications []string `json:"applications"`
}
