// Package errors provides the error kinds shared by the server and the client
// library, and helpers to wrap them. It mirrors the standard errors package so
// callers need a single import.
package errors

import (
	"errors"
	"fmt"
)

// Error kinds. Wrap them with context and test with Is.
var (
	// ErrInvalidVersion is returned when a requested version is outside the log.
	ErrInvalidVersion = errors.New("invalid version")
	// ErrTransportTimeout is returned when a round trip exceeds its deadline.
	ErrTransportTimeout = errors.New("transport timeout")
	// ErrMalformedMessage is returned for wire messages that fail validation.
	ErrMalformedMessage = errors.New("malformed message")
	// ErrDocumentLoad is returned when the initial document cannot be fetched.
	ErrDocumentLoad = errors.New("document failed to load")
	// ErrVersionConflict is returned by storage when another writer appended first.
	ErrVersionConflict = errors.New("version conflict")
	// ErrClosed is returned by components used after Close.
	ErrClosed = errors.New("closed")
)

// Wire codes carried by error messages.
const (
	CodeInvalidVersion   = "InvalidVersion"
	CodeTransportTimeout = "TransportTimeout"
	CodeMalformedMessage = "MalformedMessage"
	CodeDocumentLoad     = "DocumentLoad"
	CodeInternal         = "Internal"
)

var codes = []struct {
	err  error
	code string
}{
	{ErrInvalidVersion, CodeInvalidVersion},
	{ErrTransportTimeout, CodeTransportTimeout},
	{ErrMalformedMessage, CodeMalformedMessage},
	{ErrDocumentLoad, CodeDocumentLoad},
}

// Code returns the wire code for err.
func Code(err error) string {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeInternal
}

// FromCode rebuilds an error received on the wire, wrapping the matching kind.
func FromCode(code, msg string) error {
	for _, c := range codes {
		if c.code == code {
			return fmt.Errorf("%s: %w", msg, c.err)
		}
	}
	return errors.New(msg)
}

// Wrap annotates err with msg. It returns nil if err is nil.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// Wrapf is Wrap with a format string.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

func New(text string) error { return errors.New(text) }

func Errorf(format string, args ...interface{}) error { return fmt.Errorf(format, args...) }

func Is(err, target error) bool { return errors.Is(err, target) }

func As(err error, target interface{}) bool { return errors.As(err, target) }
