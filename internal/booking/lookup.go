// ABOUTME: Existence checks against the booking subsystem
// ABOUTME: HTTPLookup asks the booking API; AllowAll accepts every reference

package booking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// ErrUnavailable wraps failures talking to the booking subsystem
var ErrUnavailable = errors.New("booking subsystem unavailable")

// Lookup reports whether a booking reference exists. References are opaque.
type Lookup interface {
	Exists(ctx context.Context, ref string) (bool, error)
}

// AllowAll treats every non-empty reference as existing. Used when no
// booking API is configured.
type AllowAll struct{}

// Exists implements Lookup
func (AllowAll) Exists(_ context.Context, ref string) (bool, error) {
	return strings.TrimSpace(ref) != "", nil
}

// HTTPLookup checks references with GET {baseURL}/bookings/{ref}.
// 200 means the booking exists and 404 means it does not.
type HTTPLookup struct {
	client *resty.Client
	logger *slog.Logger
}

// NewHTTPLookup creates a lookup client. Pass nil logger for default.
func NewHTTPLookup(baseURL string, timeout time.Duration, logger *slog.Logger) *HTTPLookup {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	client := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", "studio-chat/1.0").
		SetTimeout(timeout)

	return &HTTPLookup{
		client: client,
		logger: logger.With("component", "booking"),
	}
}

// Exists implements Lookup
func (l *HTTPLookup) Exists(ctx context.Context, ref string) (bool, error) {
	resp, err := l.client.R().
		SetContext(ctx).
		SetPathParam("ref", ref).
		Get("/bookings/{ref}")
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	switch resp.StatusCode() {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		l.logger.Debug("booking not found", "booking_ref", ref)
		return false, nil
	default:
		return false, fmt.Errorf("%w: unexpected status %d", ErrUnavailable, resp.StatusCode())
	}
}

// New returns an HTTPLookup for baseURL, or AllowAll when baseURL is empty
func New(baseURL string, timeout time.Duration, logger *slog.Logger) Lookup {
	if strings.TrimSpace(baseURL) == "" {
		return AllowAll{}
	}
	return NewHTTPLookup(baseURL, timeout, logger)
}
