// Package errs provides structured error types shared across execd services.
package errs

import (
	"errors"
	"sort"
	"strconv"
	"strings"
)

// Kind identifies a caller-visible failure category.
type Kind string

const (
	// KindMalformed indicates a request schema or canonical-ID parse failure.
	KindMalformed Kind = "MALFORMED"
	// KindDuplicateOperation marks an idempotency hit returning an existing record.
	KindDuplicateOperation Kind = "DUPLICATE_OPERATION"
	// KindRiskDenied indicates a pre-trade risk rejection.
	KindRiskDenied Kind = "RISK_DENIED"
	// KindRouteUnavailable indicates no eligible venue for the instrument.
	KindRouteUnavailable Kind = "ROUTE_UNAVAILABLE"
	// KindVenueUnreachable indicates a transport failure after retries.
	KindVenueUnreachable Kind = "VENUE_UNREACHABLE"
	// KindVenueRejected indicates the venue rejected the order.
	KindVenueRejected Kind = "VENUE_REJECTED"
	// KindVenueBackpressure indicates the adapter submit queue is saturated.
	KindVenueBackpressure Kind = "VENUE_BACKPRESSURE"
	// KindTimeout indicates a deadline expired on a downstream call.
	KindTimeout Kind = "TIMEOUT"
	// KindShutdown indicates the call was cancelled by supervisor shutdown.
	KindShutdown Kind = "SHUTDOWN"
	// KindNotFound indicates a missing resource.
	KindNotFound Kind = "NOT_FOUND"
	// KindInternal indicates an invariant violation.
	KindInternal Kind = "INTERNAL"
)

// RiskReason identifies the sub-reason for a risk denial.
type RiskReason string

const (
	// RiskVelocity marks a per-strategy order-rate breach.
	RiskVelocity RiskReason = "VELOCITY"
	// RiskPositionCap marks a per-instrument notional cap breach.
	RiskPositionCap RiskReason = "POSITION_CAP"
	// RiskExposureCap marks a total-notional cap breach.
	RiskExposureCap RiskReason = "EXPOSURE_CAP"
	// RiskPriceTolerance marks a limit price outside the mark tolerance band.
	RiskPriceTolerance RiskReason = "PRICE_TOLERANCE"
	// RiskOrderShape marks a structurally invalid order.
	RiskOrderShape RiskReason = "ORDER_SHAPE"
	// RiskNotPermitted marks an operation outside the strategy whitelist.
	RiskNotPermitted RiskReason = "NOT_PERMITTED"
	// RiskTimeout marks a risk evaluation that exceeded its hard budget.
	RiskTimeout RiskReason = "RISK_TIMEOUT"
)

// E captures structured error information produced across the execd stack.
type E struct {
	Venue         string
	Kind          Kind
	Reason        RiskReason
	HTTP          int
	RawCode       string
	RawMsg        string
	Message       string
	VenueMetadata map[string]string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the venue and failure kind.
func New(venue string, kind Kind, opts ...Option) *E {
	e := &E{
		Venue: strings.TrimSpace(venue),
		Kind:  kind,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithReason records the risk denial sub-reason.
func WithReason(reason RiskReason) Option {
	return func(e *E) {
		e.Reason = reason
	}
}

// WithHTTP records the associated HTTP status code.
func WithHTTP(status int) Option {
	return func(e *E) {
		e.HTTP = status
	}
}

// WithRawCode captures the raw venue error code.
func WithRawCode(code string) Option {
	trimmed := strings.TrimSpace(code)
	return func(e *E) {
		e.RawCode = trimmed
	}
}

// WithRawMessage captures the raw venue error message.
func WithRawMessage(msg string) Option {
	return func(e *E) {
		e.RawMsg = msg
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithVenueMetadata merges the provided venue metadata into the error envelope.
func WithVenueMetadata(meta map[string]string) Option {
	return func(e *E) {
		if len(meta) == 0 {
			return
		}
		if e.VenueMetadata == nil {
			e.VenueMetadata = make(map[string]string, len(meta))
		}
		for k, v := range meta {
			key := strings.TrimSpace(k)
			if key == "" {
				continue
			}
			e.VenueMetadata[key] = strings.TrimSpace(v)
		}
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	venue := strings.TrimSpace(e.Venue)
	if venue == "" {
		venue = "unknown"
	}
	parts = append(parts, "venue="+venue)

	kind := strings.TrimSpace(string(e.Kind))
	if kind == "" {
		kind = "unknown"
	}
	parts = append(parts, "kind="+kind)

	if reason := strings.TrimSpace(string(e.Reason)); reason != "" {
		parts = append(parts, "reason="+reason)
	}
	if e.HTTP > 0 {
		parts = append(parts, "http="+strconv.Itoa(e.HTTP))
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.RawCode != "" {
		parts = append(parts, "raw_code="+strconv.Quote(e.RawCode))
	}
	if e.RawMsg != "" {
		parts = append(parts, "raw_msg="+strconv.Quote(e.RawMsg))
	}
	if len(e.VenueMetadata) > 0 {
		keys := make([]string, 0, len(e.VenueMetadata))
		for k := range e.VenueMetadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+strconv.Quote(e.VenueMetadata[k]))
		}
		parts = append(parts, "meta="+strings.Join(pairs, ","))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// KindOf extracts the failure kind from err, unwrapping as needed.
func KindOf(err error) Kind {
	var e *E
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries the given failure kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// ReasonOf extracts the risk denial sub-reason from err, if any.
func ReasonOf(err error) RiskReason {
	var e *E
	if errors.As(err, &e) {
		return e.Reason
	}
	return ""
}

// Malformed returns a standardized error for schema and parse failures.
func Malformed(msg string) *E {
	return New("", KindMalformed, WithMessage(msg))
}

// Internal wraps an invariant violation with full context.
func Internal(msg string, cause error) *E {
	return New("", KindInternal, WithMessage(msg), WithCause(cause))
}
