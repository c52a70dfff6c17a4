package resolve

import (
	"errors"
	"fmt"
)

// Kind is the stable identifier for a resolution failure class. The HTTP
// layer maps kinds to status codes; the engine never maps to HTTP itself.
type Kind string

const (
	// KindInvalidRequest flags missing required inputs.
	KindInvalidRequest Kind = "invalid_request"
	// KindUnknownApplication flags an application with no configured profile.
	KindUnknownApplication Kind = "unknown_application"
	// KindNoUploadRecord flags a client with no usable upload-tracking record.
	KindNoUploadRecord Kind = "no_upload_record"
	// KindNoClientRecord flags a client with no integration record.
	KindNoClientRecord Kind = "no_client_record"
	// KindNoFilenamesConfigured flags an integration record whose workbook
	// filename fields are all empty or absent.
	KindNoFilenamesConfigured Kind = "no_filenames_configured"
	// KindNoAccountNameConfigured flags an integration record without a
	// usable account name in its connection details.
	KindNoAccountNameConfigured Kind = "no_account_name_configured"
	// KindNoMatchingObject flags a completed scan that matched nothing.
	// Only the upload-tracking and processed-workbook strategies raise it;
	// content-match and recency report empty scans as success.
	KindNoMatchingObject Kind = "no_matching_object"
	// KindLinkIssuance flags a credential-delegation or signing failure.
	KindLinkIssuance Kind = "link_issuance_failed"
)

// Error is the typed failure returned by Resolve.
type Error struct {
	Kind   Kind
	Detail string
	Err    error
}

func (e *Error) Error() string {
	switch {
	case e.Detail != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.Err)
	case e.Detail != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the failure kind from err, when err carries one.
func KindOf(err error) (Kind, bool) {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind, true
	}
	return "", false
}
