package instrument

import "strings"

// PositionKey returns the canonical key under which a holding from trading id
// accrues.
//
// SPOT_PAIR trades accrue into the base asset on the executing venue:
// buying BTC-USDT on V accrues under V:SPOT_ASSET:BTC. Venue-bound
// derivatives accrue under the instrument itself. Betting markets accrue
// under the instrument plus the backed selection.
func PositionKey(id ID, venue, selection string) string {
	switch {
	case id.Type == TypeSpotPair:
		resolved := strings.TrimSpace(venue)
		if resolved == "" {
			resolved = id.Venue
		}
		base, _, err := id.Pair()
		if err != nil {
			return id.String()
		}
		key := ID{Venue: resolved, Type: TypeSpotAsset, Payload: base}
		return key.String()
	case id.Type.Betting():
		sel := strings.TrimSpace(selection)
		if sel == "" {
			return id.String()
		}
		return id.String() + segmentSeparator + sel
	default:
		return id.String()
	}
}
