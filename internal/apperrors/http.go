package apperrors

import "net/http"

// FromStatus maps a manager HTTP response status to the matching
// sentinel classification. 2xx statuses map to nil.
func FromStatus(status int, op, jobID string) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusNotFound:
		return NotFound(jobID)
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return &Error{
			Sentinel: ErrValidation,
			Message:  op + ": request rejected by manager",
			Op:       op,
		}
	default:
		return &Error{
			Sentinel: ErrManagerUnavailable,
			Message:  op + ": unexpected manager status " + http.StatusText(status),
			Op:       op,
		}
	}
}
