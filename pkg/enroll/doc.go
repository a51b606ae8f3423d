// Package enroll registers a hypervisor node with its management engine.
//
// One registration attempt is a pipeline over an immutable Context: trust the
// engine certificate, install the engine's SSH key, send the registration
// request, then sync the clock from the engine's reply. Driver repeats attempts
// with a jittered interval until the node is registered, spending a small
// budget of tries on a one-time ticket before dropping it.
//
// Failures inside a stage end that attempt and are retried on the next one.
// The exception is ErrFingerprintMismatch: an engine presenting a certificate
// other than the configured one stops the driver.
package enroll
