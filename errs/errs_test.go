package errs_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tradefab/execd/errs"
)

func TestErrorStringIncludesStructuredFields(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := errs.New("DERIBIT", errs.KindVenueUnreachable,
		errs.WithMessage("submit failed"),
		errs.WithHTTP(503),
		errs.WithRawCode("10028"),
		errs.WithCause(cause),
		errs.WithVenueMetadata(map[string]string{"endpoint": "private/buy"}),
	)

	msg := err.Error()
	require.Contains(t, msg, "venue=DERIBIT")
	require.Contains(t, msg, "kind=VENUE_UNREACHABLE")
	require.Contains(t, msg, "http=503")
	require.Contains(t, msg, `raw_code="10028"`)
	require.Contains(t, msg, `endpoint="private/buy"`)
	require.ErrorIs(t, err, cause)
}

func TestKindOfUnwrapsWrappedErrors(t *testing.T) {
	inner := errs.New("BINANCE-SPOT", errs.KindVenueRejected, errs.WithRawMessage("insufficient balance"))
	wrapped := fmt.Errorf("orchestrator submit: %w", inner)

	require.Equal(t, errs.KindVenueRejected, errs.KindOf(wrapped))
	require.True(t, errs.IsKind(wrapped, errs.KindVenueRejected))
	require.False(t, errs.IsKind(wrapped, errs.KindTimeout))
	require.Equal(t, errs.Kind(""), errs.KindOf(errors.New("plain")))
}

func TestRiskDenialCarriesReason(t *testing.T) {
	err := errs.New("", errs.KindRiskDenied, errs.WithReason(errs.RiskVelocity))
	require.Equal(t, errs.RiskVelocity, errs.ReasonOf(err))
	require.Contains(t, err.Error(), "reason=VELOCITY")
}

func TestNilErrorString(t *testing.T) {
	var err *errs.E
	require.Equal(t, "<nil>", err.Error())
}
