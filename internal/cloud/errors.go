package cloud

import "codeberg.org/mutker/greenhousectl/internal/errors"

const (
	// Transport errors
	ErrResolveFailed = errors.ErrorCode("cloud_resolve_failed")
	ErrConnectFailed = errors.ErrorCode("cloud_connect_failed")
	ErrTLSHandshake  = errors.ErrorCode("cloud_tls_handshake_failed")
	ErrWriteFailed   = errors.ErrorCode("cloud_write_failed")
	ErrRemoteClosed  = errors.ErrorCode("cloud_remote_closed")

	// Session errors
	ErrRequestTimeout   = errors.ErrorCode("cloud_request_timeout")
	ErrRequestCanceled  = errors.ErrorCode("cloud_request_canceled")
	ErrSessionBusy      = errors.ErrorCode("cloud_session_busy")
	ErrResponseTooLarge = errors.ErrorCode("cloud_response_too_large")

	// Encoding errors
	ErrRequestTooLarge = errors.ErrorCode("cloud_request_too_large")
)

// coded passes through errors that already carry a code and wraps the
// rest with the given fallback.
func coded(err error, fallback errors.ErrorCode) error {
	var appErr errors.Error
	if errors.As(err, &appErr) {
		return err
	}
	return errors.New().Wrap(fallback, err)
}
