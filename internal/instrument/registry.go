package instrument

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/tradefab/execd/errs"
)

// Metadata carries the precision and sizing rules for one instrument.
type Metadata struct {
	PricePrecision int
	SizePrecision  int
	MinSize        decimal.Decimal
	TickSize       decimal.Decimal
	ContractSize   decimal.Decimal
	Inverse        bool
	MarkPrice      *decimal.Decimal
}

// Registry resolves instrument metadata by canonical ID. The registry is an
// external collaborator; the core only requires the read interface.
type Registry interface {
	Lookup(ctx context.Context, id ID) (Metadata, error)
}

// StaticRegistry is an in-memory Registry seeded from configuration. Lookup
// misses fall back to the default metadata when one is configured.
type StaticRegistry struct {
	mu       sync.RWMutex
	entries  map[string]Metadata
	fallback *Metadata
}

// NewStaticRegistry constructs an empty static registry.
func NewStaticRegistry() *StaticRegistry {
	return &StaticRegistry{entries: make(map[string]Metadata)}
}

// SetFallback installs default metadata returned on lookup misses.
func (r *StaticRegistry) SetFallback(meta Metadata) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = &meta
}

// Put registers metadata for the given canonical ID.
func (r *StaticRegistry) Put(id ID, meta Metadata) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[id.String()] = meta
}

// SetMark updates the mark price for the given canonical ID.
func (r *StaticRegistry) SetMark(id ID, mark decimal.Decimal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	meta := r.entries[id.String()]
	meta.MarkPrice = &mark
	r.entries[id.String()] = meta
}

// Lookup resolves metadata for the given canonical ID.
func (r *StaticRegistry) Lookup(_ context.Context, id ID) (Metadata, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if meta, ok := r.entries[id.String()]; ok {
		return meta, nil
	}
	if r.fallback != nil {
		return *r.fallback, nil
	}
	return Metadata{}, errs.New("instrument", errs.KindNotFound,
		errs.WithMessage("no metadata for "+id.String()))
}

// DefaultMetadata returns permissive metadata used when no registry entry
// exists and precision enforcement is disabled.
func DefaultMetadata() Metadata {
	return Metadata{
		PricePrecision: 18,
		SizePrecision:  18,
		MinSize:        decimal.Zero,
		TickSize:       decimal.Zero,
		ContractSize:   decimal.NewFromInt(1),
	}
}
