package enroll

import "errors"

var (
	// ErrFingerprintMismatch is fatal: the engine is not who the node was told to trust.
	ErrFingerprintMismatch = errors.New("engine certificate fingerprint mismatch")

	ErrCertificateUnavailable = errors.New("engine certificate unavailable")
	ErrEmptyKeyPayload        = errors.New("engine returned no ssh key")
	ErrEngineUnreachable      = errors.New("engine unreachable")
)

// IsFatal reports whether err must stop the registration loop.
func IsFatal(err error) bool {
	return errors.Is(err, ErrFingerprintMismatch)
}
