package deribit

import (
	"strings"
	"time"

	"github.com/tradefab/execd/errs"
	"github.com/tradefab/execd/internal/instrument"
)

const deribitExpiryLayout = "2Jan06"

// instrumentName maps a canonical identifier to Deribit's instrument name.
// Perpetuals become BASE-PERPETUAL, futures BASE-DMMMYY, options
// BASE-DMMMYY-STRIKE-C|P, and spot pairs BASE_QUOTE.
func instrumentName(id instrument.ID) (string, error) {
	switch id.Type {
	case instrument.TypePerpetual:
		base, _, err := id.Pair()
		if err != nil {
			return "", err
		}
		return base + "-PERPETUAL", nil
	case instrument.TypeFuture:
		parts := strings.Split(id.Payload, "-")
		expiry, err := deribitExpiry(parts[2])
		if err != nil {
			return "", err
		}
		return parts[0] + "-" + expiry, nil
	case instrument.TypeOption:
		opt, err := id.Option()
		if err != nil {
			return "", err
		}
		expiry, err := deribitExpiry(opt.Expiry)
		if err != nil {
			return "", err
		}
		marker := "C"
		if opt.Kind == instrument.OptionPut {
			marker = "P"
		}
		return opt.Base + "-" + expiry + "-" + opt.Strike + "-" + marker, nil
	case instrument.TypeSpotPair:
		base, quote, err := id.Pair()
		if err != nil {
			return "", err
		}
		return base + "_" + quote, nil
	default:
		return "", errs.New("DERIBIT", errs.KindMalformed,
			errs.WithMessage("instrument type "+string(id.Type)+" not tradable on deribit"))
	}
}

func deribitExpiry(yymmdd string) (string, error) {
	t, err := time.Parse("060102", yymmdd)
	if err != nil {
		return "", errs.New("DERIBIT", errs.KindMalformed,
			errs.WithMessage("bad expiry segment "+yymmdd))
	}
	return strings.ToUpper(t.Format(deribitExpiryLayout)), nil
}

// canonicalFor reverses instrumentName for adapter-reported instruments. The
// quote currency is not recoverable from derivative names, so futures and
// perpetuals assume USD settlement as Deribit does.
func canonicalFor(venueName, deribitName string) (instrument.ID, error) {
	if strings.Contains(deribitName, "_") {
		parts := strings.SplitN(deribitName, "_", 2)
		return instrument.Parse(venueName + ":SPOT_PAIR:" + parts[0] + "-" + parts[1])
	}
	parts := strings.Split(deribitName, "-")
	switch {
	case len(parts) == 2 && parts[1] == "PERPETUAL":
		return instrument.Parse(venueName + ":PERPETUAL:" + parts[0] + "-USD")
	case len(parts) == 2:
		expiry, err := canonicalExpiry(parts[1])
		if err != nil {
			return instrument.ID{}, err
		}
		return instrument.Parse(venueName + ":FUTURE:" + parts[0] + "-USD-" + expiry)
	case len(parts) == 4:
		expiry, err := canonicalExpiry(parts[1])
		if err != nil {
			return instrument.ID{}, err
		}
		marker := "CALL"
		if parts[3] == "P" {
			marker = "PUT"
		}
		return instrument.Parse(venueName + ":OPTION:" + parts[0] + "-USD-" + expiry + "-" + parts[2] + "-" + marker)
	default:
		return instrument.ID{}, errs.New(venueName, errs.KindMalformed,
			errs.WithMessage("unrecognised deribit instrument "+deribitName))
	}
}

func canonicalExpiry(dmmmYY string) (string, error) {
	t, err := time.Parse(deribitExpiryLayout, titleMonth(dmmmYY))
	if err != nil {
		return "", errs.New("DERIBIT", errs.KindMalformed,
			errs.WithMessage("bad deribit expiry "+dmmmYY))
	}
	return t.Format("060102"), nil
}

// titleMonth rewrites 27JUN25 as 27Jun25 so the month matches Go's layout.
func titleMonth(s string) string {
	out := []byte(s)
	inLetters := false
	for i, c := range out {
		isLetter := (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z')
		if !isLetter {
			inLetters = false
			continue
		}
		if inLetters {
			out[i] = c | 0x20
		} else {
			out[i] = c &^ 0x20
			inLetters = true
		}
	}
	return string(out)
}
