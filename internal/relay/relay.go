// Package relay delivers rendered messages to one recipient at a time
// through a configured SMTP relay server.
package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
)

var (
	// ErrUnavailable means the relay could not be used at all: no server,
	// connection or TLS failure, greeting or authentication rejected
	ErrUnavailable = errors.New("relay unavailable")

	// ErrNoServers is returned when no relay server is configured
	ErrNoServers = fmt.Errorf("%w: no relay servers configured", ErrUnavailable)
)

// TLSMode selects how the connection to a relay server is secured
type TLSMode string

const (
	TLSNone     TLSMode = "none"
	TLSStartTLS TLSMode = "starttls"
	TLSImplicit TLSMode = "tls"
)

// Valid reports whether m is a known mode. Empty means starttls.
func (m TLSMode) Valid() bool {
	switch m {
	case "", TLSNone, TLSStartTLS, TLSImplicit:
		return true
	}
	return false
}

// Server is a relay server emails are sent through
type Server struct {
	ID       string  `json:"id" yaml:"-"`
	Hostname string  `json:"hostname" yaml:"hostname"`
	Port     int     `json:"port" yaml:"port"`
	Username string  `json:"username" yaml:"username"`
	Password string  `json:"password" yaml:"password"`
	TLS      TLSMode `json:"tls" yaml:"tls"`
}

// Addr returns host:port
func (s Server) Addr() string {
	return net.JoinHostPort(s.Hostname, strconv.Itoa(s.Port))
}

// ServerSource lists the relay servers available for delivery
type ServerSource interface {
	ListServers(ctx context.Context) ([]Server, error)
}

// DeliveryError represents a delivery error with type information
type DeliveryError struct {
	// Code is the SMTP reply code, 0 when the server gave none
	Code      int
	Temporary bool
	Message   string
	Err       error
}

func (e *DeliveryError) Error() string {
	return e.Message
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// IsTemporaryError checks if the error is temporary
func IsTemporaryError(err error) bool {
	var de *DeliveryError
	if errors.As(err, &de) {
		return de.Temporary
	}
	return true // Assume temporary if unknown
}

// IsUnavailable reports whether err means the relay could not be used
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// StatusCode returns the SMTP reply code carried by err, or 0
func StatusCode(err error) int {
	var de *DeliveryError
	if errors.As(err, &de) {
		return de.Code
	}
	return 0
}

func unavailable(format string, args ...any) *DeliveryError {
	return &DeliveryError{
		Temporary: true,
		Message:   fmt.Sprintf(format, args...),
		Err:       ErrUnavailable,
	}
}
