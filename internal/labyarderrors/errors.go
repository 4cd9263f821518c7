// Package labyarderrors contains the error types shared by the registries,
// the allocation engine and the lease manager. Callers match them with
// errors.As; the API maps them onto HTTP status codes.
package labyarderrors

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
)

// ErrNotFound is returned when a machine, site or job does not exist.
type ErrNotFound struct {
	Type  string // "machine", "site", "job"
	Value string
}

func (err *ErrNotFound) Error() string {
	if err.Type != "" {
		return fmt.Sprintf("%s %q not found", err.Type, err.Value)
	}
	return fmt.Sprintf("%q not found", err.Value)
}

// ErrInsufficientCapacity is returned when an allocation cannot be satisfied.
// Either too few machines matched, or a shared resource claim exceeds what is
// left at the site.
type ErrInsufficientCapacity struct {
	Site      string
	Wanted    int
	Found     int
	Resource  string // exhausted shared resource, empty for a machine shortage
	Claimed   int
	Remaining int
	// Attempts holds the per-site reasons when several sites were tried.
	Attempts map[string]string
}

func (err *ErrInsufficientCapacity) Error() string {
	var s string
	switch {
	case err.Resource != "":
		s = fmt.Sprintf("site %s: shared resource %s exhausted (claimed %d, remaining %d)", err.Site, err.Resource, err.Claimed, err.Remaining)
	case err.Site != "":
		s = fmt.Sprintf("site %s: %d machines wanted, %d available", err.Site, err.Wanted, err.Found)
	default:
		s = fmt.Sprintf("%d machines wanted, no site can satisfy the request", err.Wanted)
	}
	if len(err.Attempts) > 0 {
		sites := make([]string, 0, len(err.Attempts))
		for site := range err.Attempts {
			sites = append(sites, site)
		}
		sort.Strings(sites)
		parts := make([]string, len(sites))
		for i, site := range sites {
			parts[i] = site + ": " + err.Attempts[site]
		}
		s += " [" + strings.Join(parts, "; ") + "]"
	}
	return s
}

// ErrConflict is returned when the request collides with existing state, such
// as a lease held by another party or a job that already holds machines.
type ErrConflict struct {
	Type    string
	Value   string
	Message string
}

func (err *ErrConflict) Error() string {
	s := fmt.Sprintf("%s %q conflict", err.Type, err.Value)
	if err.Message != "" {
		s += ": " + err.Message
	}
	return s
}

// ErrValidation is returned for malformed filters, statuses or fields.
type ErrValidation struct {
	Field   string
	Value   string
	Message string
}

func (err *ErrValidation) Error() string {
	if err.Message == "" {
		return fmt.Sprintf("value %q is invalid for field %q", err.Value, err.Field)
	}
	return fmt.Sprintf("value %q is invalid for field %q; %s", err.Value, err.Field, err.Message)
}

// Kinds reported to API clients.
const (
	KindNotFound             = "not_found"
	KindInsufficientCapacity = "insufficient_capacity"
	KindConflict             = "conflict"
	KindValidation           = "validation"
	KindInternal             = "internal"
)

// Kind classifies err by looking through its whole chain.
func Kind(err error) string {
	{
		var e *ErrNotFound
		if errors.As(err, &e) {
			return KindNotFound
		}
	}
	{
		var e *ErrInsufficientCapacity
		if errors.As(err, &e) {
			return KindInsufficientCapacity
		}
	}
	{
		var e *ErrConflict
		if errors.As(err, &e) {
			return KindConflict
		}
	}
	{
		var e *ErrValidation
		if errors.As(err, &e) {
			return KindValidation
		}
	}
	return KindInternal
}

// HTTPStatus maps err onto a response status code.
func HTTPStatus(err error) int {
	switch Kind(err) {
	case KindNotFound:
		return http.StatusNotFound
	case KindInsufficientCapacity, KindConflict:
		return http.StatusConflict
	case KindValidation:
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// NotFound is shorthand for &ErrNotFound{Type: typ, Value: value}.
func NotFound(typ, value string) error {
	return &ErrNotFound{Type: typ, Value: value}
}

// Invalid is shorthand for &ErrValidation{...}.
func Invalid(field, value, message string) error {
	return &ErrValidation{Field: field, Value: value, Message: message}
}
