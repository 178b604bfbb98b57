// Package instrument implements the canonical instrument identifier model
// shared by routing, execution, and position accounting.
package instrument

import (
	"strconv"
	"strings"
	"time"

	"github.com/tradefab/execd/errs"
)

const (
	segmentSeparator  = ":"
	payloadSeparator  = "-"
	chainSeparator    = "@"
	expiryLayout      = "060102"
	minCodeLength     = 2
	maxCodeLength     = 20
	maxPayloadLength  = 64
	optionSegments    = 5
	futurePayloadSegs = 3
)

// Type identifies the market structure addressed by a canonical ID.
type Type string

const (
	// TypeSpotPair is a routable spot pair; the venue segment is advisory.
	TypeSpotPair Type = "SPOT_PAIR"
	// TypeSpotAsset is a venue-bound holding of a single asset.
	TypeSpotAsset Type = "SPOT_ASSET"
	// TypePerpetual is a venue-bound perpetual swap.
	TypePerpetual Type = "PERPETUAL"
	// TypeFuture is a venue-bound dated future.
	TypeFuture Type = "FUTURE"
	// TypeOption is a venue-bound option contract.
	TypeOption Type = "OPTION"
	// TypePool is a venue-bound liquidity pool share.
	TypePool Type = "POOL"
	// TypeLST is a venue-bound liquid staking token.
	TypeLST Type = "LST"
	// TypeAToken is a venue-bound interest-bearing deposit token.
	TypeAToken Type = "A_TOKEN"
	// TypeDebtToken is a venue-bound borrow obligation token.
	TypeDebtToken Type = "DEBT_TOKEN"
	// TypeEquity is a venue-bound listed equity.
	TypeEquity Type = "EQUITY"
	// TypeIndex is a venue-bound index product.
	TypeIndex Type = "INDEX"
	// TypeMatchWinner is a betting market on the winner of a match.
	TypeMatchWinner Type = "MATCH_WINNER"
	// TypeTotalGoalsOU25 is a betting market on total goals over/under 2.5.
	TypeTotalGoalsOU25 Type = "TOTAL_GOALS_OU_2_5"
	// TypeBTTS is a betting market on both teams to score.
	TypeBTTS Type = "BTTS"
)

// Valid reports whether the instrument type is recognised.
func (t Type) Valid() bool {
	switch t {
	case TypeSpotPair, TypeSpotAsset, TypePerpetual, TypeFuture, TypeOption,
		TypePool, TypeLST, TypeAToken, TypeDebtToken, TypeEquity, TypeIndex,
		TypeMatchWinner, TypeTotalGoalsOU25, TypeBTTS:
		return true
	default:
		return false
	}
}

// Betting reports whether the type addresses a betting market.
func (t Type) Betting() bool {
	switch t {
	case TypeMatchWinner, TypeTotalGoalsOU25, TypeBTTS:
		return true
	default:
		return false
	}
}

// Routing reports whether the venue segment is advisory rather than identity.
func (t Type) Routing() bool {
	return t == TypeSpotPair
}

// OptionKind distinguishes calls from puts in option payloads.
type OptionKind string

const (
	// OptionCall marks a call option.
	OptionCall OptionKind = "CALL"
	// OptionPut marks a put option.
	OptionPut OptionKind = "PUT"
)

// ID is a parsed canonical instrument identifier. Render with String;
// Parse(String()) round-trips for every valid ID.
type ID struct {
	AssetClass string
	Venue      string
	Type       Type
	Payload    string
	Chain      string
}

// Option payload fields decoded from an OPTION canonical ID.
type OptionPayload struct {
	Base   string
	Quote  string
	Expiry string
	Strike string
	Kind   OptionKind
}

// Parse decodes a canonical instrument identifier string.
// The grammar is [<asset-class>:]<venue>:<type>:<payload>[@<chain>], where a
// routable SPOT_PAIR may omit the venue segment entirely.
func Parse(raw string) (ID, error) {
	var id ID
	s := strings.TrimSpace(raw)
	if s == "" {
		return id, parseError("canonical id required")
	}
	if at := strings.IndexByte(s, '@'); at >= 0 {
		chain := s[at+1:]
		if chain == "" || !isCode(chain) {
			return id, parseError("chain segment must be 2-20 uppercase alphanumeric characters")
		}
		id.Chain = chain
		s = s[:at]
	}

	segs := strings.Split(s, segmentSeparator)
	switch len(segs) {
	case 2:
		// Venue-less routing form: <type>:<payload>.
		id.Type = Type(segs[0])
		id.Payload = segs[1]
		if !id.Type.Routing() {
			return id, parseError("venue segment required for non-routing instruments")
		}
	case 3:
		id.Venue = segs[0]
		id.Type = Type(segs[1])
		id.Payload = segs[2]
	case 4:
		id.AssetClass = segs[0]
		id.Venue = segs[1]
		id.Type = Type(segs[2])
		id.Payload = segs[3]
	default:
		return id, parseError("canonical id must contain 2-4 colon segments")
	}

	if id.AssetClass != "" && !isCode(id.AssetClass) {
		return id, parseError("asset-class segment must be 2-20 uppercase alphanumeric characters")
	}
	if id.Venue != "" && !isVenueCode(id.Venue) {
		return id, parseError("venue segment must be 2-20 uppercase alphanumeric characters or dash")
	}
	if !id.Type.Valid() {
		return id, parseError("unknown instrument type " + strconv.Quote(string(id.Type)))
	}
	if err := validatePayload(id.Type, id.Payload); err != nil {
		return id, err
	}
	return id, nil
}

// MustParse parses raw and panics on failure. Test fixtures only.
func MustParse(raw string) ID {
	id, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return id
}

// String renders the canonical identifier. render(parse(s)) == s holds for
// every string Parse accepts.
func (id ID) String() string {
	var b strings.Builder
	if id.AssetClass != "" {
		b.WriteString(id.AssetClass)
		b.WriteString(segmentSeparator)
	}
	if id.Venue != "" {
		b.WriteString(id.Venue)
		b.WriteString(segmentSeparator)
	}
	b.WriteString(string(id.Type))
	b.WriteString(segmentSeparator)
	b.WriteString(id.Payload)
	if id.Chain != "" {
		b.WriteString(chainSeparator)
		b.WriteString(id.Chain)
	}
	return b.String()
}

// Routing reports whether the router may substitute the venue.
func (id ID) Routing() bool {
	return id.Type.Routing()
}

// Pair returns the base and quote assets for pair-shaped payloads.
func (id ID) Pair() (string, string, error) {
	switch id.Type {
	case TypeSpotPair, TypePerpetual, TypeFuture, TypeOption, TypePool:
		parts := strings.Split(id.Payload, payloadSeparator)
		if len(parts) < 2 {
			return "", "", parseError("payload does not carry a base-quote pair")
		}
		return parts[0], parts[1], nil
	default:
		return "", "", parseError("instrument type " + string(id.Type) + " has no pair payload")
	}
}

// BaseAsset returns the asset accrued when trading this instrument.
func (id ID) BaseAsset() string {
	switch id.Type {
	case TypeSpotAsset, TypeLST, TypeAToken, TypeDebtToken, TypeEquity, TypeIndex:
		return id.Payload
	default:
		parts := strings.Split(id.Payload, payloadSeparator)
		return parts[0]
	}
}

// Option decodes the OPTION payload fields.
func (id ID) Option() (OptionPayload, error) {
	var out OptionPayload
	if id.Type != TypeOption {
		return out, parseError("not an option instrument")
	}
	parts := strings.Split(id.Payload, payloadSeparator)
	if len(parts) != optionSegments {
		return out, parseError("option payload must follow BASE-QUOTE-YYMMDD-STRIKE-CALL|PUT")
	}
	out.Base = parts[0]
	out.Quote = parts[1]
	out.Expiry = parts[2]
	out.Strike = parts[3]
	out.Kind = OptionKind(parts[4])
	return out, nil
}

func validatePayload(typ Type, payload string) error {
	if payload == "" {
		return parseError("payload segment required")
	}
	if len(payload) > maxPayloadLength {
		return parseError("payload segment too long")
	}
	parts := strings.Split(payload, payloadSeparator)
	for _, part := range parts {
		if part == "" {
			return parseError("payload contains an empty dash segment")
		}
	}

	switch typ {
	case TypeSpotPair, TypePerpetual:
		if len(parts) != 2 || !isCode(parts[0]) || !isCode(parts[1]) {
			return parseError(string(typ) + " payload must follow BASE-QUOTE")
		}
	case TypeSpotAsset, TypeLST, TypeAToken, TypeDebtToken, TypeEquity, TypeIndex:
		if len(parts) != 1 || !isCode(parts[0]) {
			return parseError(string(typ) + " payload must be a single asset code")
		}
	case TypeFuture:
		if len(parts) != futurePayloadSegs || !isCode(parts[0]) || !isCode(parts[1]) {
			return parseError("FUTURE payload must follow BASE-QUOTE-YYMMDD")
		}
		if !isExpiry(parts[2]) {
			return parseError("FUTURE payload expiry must be YYMMDD")
		}
	case TypeOption:
		if len(parts) != optionSegments || !isCode(parts[0]) || !isCode(parts[1]) {
			return parseError("OPTION payload must follow BASE-QUOTE-YYMMDD-STRIKE-CALL|PUT")
		}
		if !isExpiry(parts[2]) {
			return parseError("OPTION payload expiry must be YYMMDD")
		}
		if _, err := strconv.ParseFloat(parts[3], 64); err != nil {
			return parseError("OPTION payload strike must be numeric")
		}
		if kind := OptionKind(parts[4]); kind != OptionCall && kind != OptionPut {
			return parseError("OPTION payload marker must be CALL or PUT")
		}
	case TypePool:
		if len(parts) < 2 {
			return parseError("POOL payload must name at least two pooled assets")
		}
		for _, part := range parts {
			if !isCode(part) {
				return parseError("POOL payload segments must be asset codes")
			}
		}
	case TypeMatchWinner, TypeTotalGoalsOU25, TypeBTTS:
		for _, part := range parts {
			if !isEventCode(part) {
				return parseError("betting market payload segments must be uppercase alphanumeric")
			}
		}
	}
	return nil
}

func isCode(s string) bool {
	if len(s) < minCodeLength || len(s) > maxCodeLength {
		return false
	}
	for _, r := range s {
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}

func isVenueCode(s string) bool {
	if len(s) < minCodeLength || len(s) > maxCodeLength {
		return false
	}
	for _, r := range s {
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') && r != '-' && r != '_' {
			return false
		}
	}
	return true
}

func isEventCode(s string) bool {
	if s == "" || len(s) > maxCodeLength {
		return false
	}
	for _, r := range s {
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}

func isExpiry(segment string) bool {
	if len(segment) != len(expiryLayout) {
		return false
	}
	_, err := time.Parse(expiryLayout, segment)
	return err == nil
}

func parseError(msg string) error {
	return errs.New("instrument", errs.KindMalformed, errs.WithMessage(msg))
}
