package router

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradefab/execd/config"
	"github.com/tradefab/execd/errs"
	"github.com/tradefab/execd/internal/instrument"
	"github.com/tradefab/execd/internal/schema"
)

// latencyBpsPer100ms converts venue latency into a cost: one basis point of
// notional per 100ms of expected round trip.
var latencyBpsPer100ms = decimal.RequireFromString("0.0001")

// VenueProfile carries the static cost inputs for one venue.
type VenueProfile struct {
	Kind    schema.VenueKind
	FeeBps  decimal.Decimal
	Latency time.Duration
	GasCost decimal.Decimal
}

// ProfileFromSettings maps venue configuration into a routing profile.
func ProfileFromSettings(cfg config.VenueSettings) VenueProfile {
	return VenueProfile{
		Kind:    schema.VenueKind(cfg.Kind),
		FeeBps:  decimal.NewFromFloat(cfg.FeeBps),
		Latency: cfg.LatencyEstimate,
		GasCost: decimal.NewFromFloat(cfg.GasCostEstimate),
	}
}

// Leg is one venue assignment of a routing plan.
type Leg struct {
	Venue    string
	Kind     schema.VenueKind
	Quantity decimal.Decimal
	Price    decimal.Decimal
	Depth    decimal.Decimal
	Cost     decimal.Decimal
}

// Plan is the routing decision for one order: a single leg, or several legs
// executed as child orders under the parent operation.
type Plan struct {
	Legs []Leg
}

// Split reports whether the plan spans more than one venue.
func (p Plan) Split() bool { return len(p.Legs) > 1 }

// Router scores eligible venues by effective execution cost.
type Router struct {
	cfg      config.RouterSettings
	profiles map[string]VenueProfile
	prober   DepthProber
	cache    *quoteCache
	clock    func() time.Time

	eligible       map[string]struct{}
	splitThreshold decimal.Decimal
	slippageBps    decimal.Decimal
}

// New constructs a router over the profiled venues.
func New(cfg config.RouterSettings, profiles map[string]VenueProfile, prober DepthProber) (*Router, error) {
	r := new(Router)
	r.cfg = cfg
	r.profiles = profiles
	r.prober = prober
	r.clock = func() time.Time { return time.Now().UTC() }
	r.cache = newQuoteCache(cfg.DepthCacheTTL, r.clock)

	var err error
	threshold := cfg.SplitThreshold
	if threshold == "" {
		threshold = "100000"
	}
	if r.splitThreshold, err = decimal.NewFromString(threshold); err != nil {
		return nil, errs.Malformed("split_threshold: " + err.Error())
	}
	r.slippageBps = decimal.NewFromFloat(cfg.SlippageModelBps)
	if len(cfg.VenuesEnabled) > 0 {
		r.eligible = make(map[string]struct{}, len(cfg.VenuesEnabled))
		for _, name := range cfg.VenuesEnabled {
			r.eligible[name] = struct{}{}
		}
	}
	return r, nil
}

// venueEligible reports whether a venue may receive routed orders. An empty
// venues_enabled list leaves every profiled venue in play.
func (r *Router) venueEligible(name string) bool {
	if r.eligible == nil {
		return true
	}
	_, ok := r.eligible[name]
	return ok
}

// WithClock overrides the time source. Intended for tests.
func (r *Router) WithClock(clock func() time.Time) *Router {
	if clock != nil {
		r.clock = clock
		r.cache.clock = clock
	}
	return r
}

// Route picks the venue assignment for an order. Venue-bound instruments go
// to their home venue without scoring; routable instruments are scored by
// fee, modeled slippage, latency, and gas, with ties broken by venue name.
func (r *Router) Route(ctx context.Context, order *schema.Order, id instrument.ID) (Plan, error) {
	if !id.Type.Routing() {
		return r.routeBound(order, id)
	}
	if r.cfg.SmartExecutionEnabled != nil && !*r.cfg.SmartExecutionEnabled {
		return r.routeStatic(order)
	}

	candidates := r.score(ctx, order, id)
	if len(candidates) == 0 {
		return Plan{}, errs.New("", errs.KindRouteUnavailable,
			errs.WithMessage("no venue can serve "+order.CanonicalID))
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Cost.Equal(candidates[j].Cost) {
			return candidates[i].Venue < candidates[j].Venue
		}
		return candidates[i].Cost.LessThan(candidates[j].Cost)
	})

	best := candidates[0]
	notional := best.Price.Mul(order.Quantity)
	if notional.GreaterThan(r.splitThreshold) && len(candidates) > 1 {
		if plan, ok := r.splitPlan(order, candidates); ok {
			return plan, nil
		}
	}
	if best.Depth.LessThan(order.Quantity) && len(candidates) > 1 {
		if plan, ok := r.splitPlan(order, candidates); ok {
			return plan, nil
		}
	}
	best.Quantity = order.Quantity
	return Plan{Legs: []Leg{best}}, nil
}

// routeStatic assigns the whole order to one venue by static fee profile,
// without depth probes or splits. Used when smart execution is switched off.
func (r *Router) routeStatic(order *schema.Order) (Plan, error) {
	var (
		chosen string
		best   VenueProfile
		found  bool
	)
	for venueName, profile := range r.profiles {
		if !r.venueEligible(venueName) {
			continue
		}
		if !found || profile.FeeBps.LessThan(best.FeeBps) ||
			(profile.FeeBps.Equal(best.FeeBps) && venueName < chosen) {
			chosen = venueName
			best = profile
			found = true
		}
	}
	if !found {
		return Plan{}, errs.New("", errs.KindRouteUnavailable,
			errs.WithMessage("no venue can serve "+order.CanonicalID))
	}
	return Plan{Legs: []Leg{{
		Venue:    chosen,
		Kind:     best.Kind,
		Quantity: order.Quantity,
	}}}, nil
}

func (r *Router) routeBound(order *schema.Order, id instrument.ID) (Plan, error) {
	profile, ok := r.profiles[id.Venue]
	if !ok {
		return Plan{}, errs.New(id.Venue, errs.KindRouteUnavailable,
			errs.WithMessage("venue not configured: "+id.Venue))
	}
	return Plan{Legs: []Leg{{
		Venue:    id.Venue,
		Kind:     profile.Kind,
		Quantity: order.Quantity,
	}}}, nil
}

func (r *Router) score(ctx context.Context, order *schema.Order, id instrument.ID) []Leg {
	legs := make([]Leg, 0, len(r.profiles))
	for venueName, profile := range r.profiles {
		if !r.venueEligible(venueName) {
			continue
		}
		quote, err := r.probe(ctx, venueName, id, string(order.Side))
		if err != nil {
			continue
		}
		if quote.Depth.IsZero() || quote.Price.IsZero() {
			continue
		}
		legs = append(legs, Leg{
			Venue: venueName,
			Kind:  profile.Kind,
			Price: quote.Price,
			Depth: quote.Depth,
			Cost:  r.cost(order.Quantity, quote, profile),
		})
	}
	return legs
}

// cost models the all-in expense of sending the full quantity to one venue.
func (r *Router) cost(quantity decimal.Decimal, quote Quote, profile VenueProfile) decimal.Decimal {
	notional := quote.Price.Mul(quantity)
	bps := decimal.NewFromInt(10000)

	fee := notional.Mul(profile.FeeBps).Div(bps)

	slippage := decimal.Zero
	if quote.Depth.IsPositive() {
		consumed := quantity.Div(quote.Depth)
		slippage = notional.Mul(r.slippageBps).Div(bps).Mul(consumed)
		if quantity.GreaterThan(quote.Depth) {
			// Walking past visible depth is charged quadratically.
			slippage = slippage.Mul(consumed)
		}
	}

	latencyUnits := decimal.NewFromFloat(profile.Latency.Seconds() * 10)
	latency := notional.Mul(latencyBpsPer100ms).Mul(latencyUnits)

	return fee.Add(slippage).Add(latency).Add(profile.GasCost)
}

// splitPlan distributes the quantity across the cheapest venues proportional
// to their quoted depth, capped at MaxSplitLegs.
func (r *Router) splitPlan(order *schema.Order, candidates []Leg) (Plan, bool) {
	maxLegs := r.cfg.MaxSplitLegs
	if maxLegs <= 1 {
		return Plan{}, false
	}
	if maxLegs > len(candidates) {
		maxLegs = len(candidates)
	}
	chosen := candidates[:maxLegs]

	totalDepth := decimal.Zero
	for _, leg := range chosen {
		totalDepth = totalDepth.Add(leg.Depth)
	}
	if totalDepth.IsZero() {
		return Plan{}, false
	}

	legs := make([]Leg, 0, len(chosen))
	assigned := decimal.Zero
	for i, leg := range chosen {
		var qty decimal.Decimal
		if i == len(chosen)-1 {
			qty = order.Quantity.Sub(assigned)
		} else {
			qty = order.Quantity.Mul(leg.Depth).Div(totalDepth).Round(18)
		}
		if !qty.IsPositive() {
			continue
		}
		leg.Quantity = qty
		assigned = assigned.Add(qty)
		legs = append(legs, leg)
	}
	if len(legs) < 2 {
		return Plan{}, false
	}
	return Plan{Legs: legs}, true
}

func (r *Router) probe(ctx context.Context, venueName string, id instrument.ID, side string) (Quote, error) {
	key := venueName + "|" + id.String() + "|" + side
	if quote, ok := r.cache.get(key); ok {
		return quote, nil
	}
	quote, err := r.prober.ProbeDepth(ctx, venueName, id, side)
	if err != nil {
		return Quote{}, err
	}
	r.cache.put(key, quote)
	return quote, nil
}
