package service

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"

	"github.com/sony/gobreaker"
)

// ErrRouteNotFound is returned in restrictive mode for paths that match no route.
var ErrRouteNotFound = errors.New("route not found")

// Cause classifies why an upstream call failed.
type Cause string

const (
	CauseInvalidTarget Cause = "invalid_target"
	CauseDNS           Cause = "dns"
	CauseConnect       Cause = "connect"
	CauseTLS           Cause = "tls"
	CauseTimeout       Cause = "timeout"
	CauseCanceled      Cause = "canceled"
	CauseCircuitOpen   Cause = "circuit_open"
	CauseOther         Cause = "other"
)

// UpstreamError is the single failure type produced by the forwarding boundary.
// Every UpstreamError is answered with the same generic 500 response; Cause
// keeps the reason available to logs and metrics.
type UpstreamError struct {
	// Route is the matched route prefix, empty for permissive targets.
	Route  string
	Target string
	Cause  Cause
	Err    error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("forward to %s (%s): %v", e.Target, e.Cause, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// Classify maps a transport error to a Cause.
func Classify(err error) Cause {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return CauseCircuitOpen
	}
	if errors.Is(err, context.Canceled) {
		return CauseCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CauseTimeout
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return CauseDNS
	}

	var (
		certErr     *tls.CertificateVerificationError
		recordErr   tls.RecordHeaderError
		alertErr    tls.AlertError
		authErr     x509.UnknownAuthorityError
		hostErr     x509.HostnameError
		invalidCert x509.CertificateInvalidError
	)
	if errors.As(err, &certErr) || errors.As(err, &recordErr) || errors.As(err, &alertErr) ||
		errors.As(err, &authErr) || errors.As(err, &hostErr) || errors.As(err, &invalidCert) {
		return CauseTLS
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return CauseTimeout
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return CauseConnect
	}

	return CauseOther
}
