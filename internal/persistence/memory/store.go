// Package memory provides an in-memory order store for tests and single
// process deployments without Postgres.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/tradefab/execd/errs"
	"github.com/tradefab/execd/internal/oms"
	"github.com/tradefab/execd/internal/schema"
)

// OrderStore keeps orders in maps guarded by one RW mutex.
type OrderStore struct {
	mu         sync.RWMutex
	byOp       map[string]*schema.Order
	byVenueRef map[string]string
}

// NewOrderStore constructs an empty in-memory order store.
func NewOrderStore() *OrderStore {
	s := new(OrderStore)
	s.byOp = make(map[string]*schema.Order)
	s.byVenueRef = make(map[string]string)
	return s
}

var _ oms.Store = (*OrderStore)(nil)

// Insert stores a new order, refusing duplicate operation IDs.
func (s *OrderStore) Insert(_ context.Context, order *schema.Order) error {
	if order == nil || order.OperationID == "" {
		return errs.Malformed("order requires an operation_id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byOp[order.OperationID]; exists {
		return errs.New(order.Venue, errs.KindDuplicateOperation,
			errs.WithMessage("operation already stored: "+order.OperationID))
	}
	s.put(order)
	return nil
}

// Update replaces the stored record for the order's operation ID.
func (s *OrderStore) Update(_ context.Context, order *schema.Order) error {
	if order == nil || order.OperationID == "" {
		return errs.Malformed("order requires an operation_id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byOp[order.OperationID]; !exists {
		return errs.New(order.Venue, errs.KindNotFound,
			errs.WithMessage("unknown operation: "+order.OperationID))
	}
	s.put(order)
	return nil
}

// Get returns a deep copy of the order for the operation ID.
func (s *OrderStore) Get(_ context.Context, operationID string) (*schema.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	order, ok := s.byOp[operationID]
	if !ok {
		return nil, errs.New("", errs.KindNotFound,
			errs.WithMessage("unknown operation: "+operationID))
	}
	return order.Clone(), nil
}

// GetByVenueOrder resolves an order from its venue assignment.
func (s *OrderStore) GetByVenueOrder(_ context.Context, venueName, venueOrderID string) (*schema.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	opID, ok := s.byVenueRef[venueKey(venueName, venueOrderID)]
	if !ok {
		return nil, errs.New(venueName, errs.KindNotFound,
			errs.WithMessage("unknown venue order: "+venueOrderID))
	}
	return s.byOp[opID].Clone(), nil
}

// List returns matching orders, newest first.
func (s *OrderStore) List(_ context.Context, filter oms.Filter) ([]*schema.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*schema.Order, 0)
	for _, order := range s.byOp {
		if !matches(order, filter) {
			continue
		}
		out = append(out, order.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].OperationID > out[j].OperationID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// CountSince counts orders a strategy created at or after the cutoff.
func (s *OrderStore) CountSince(_ context.Context, strategyID string, cutoff time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, order := range s.byOp {
		if order.StrategyID == strategyID && !order.CreatedAt.Before(cutoff) {
			count++
		}
	}
	return count, nil
}

func (s *OrderStore) put(order *schema.Order) {
	clone := order.Clone()
	s.byOp[clone.OperationID] = clone
	if clone.Venue != "" && clone.VenueOrderID != "" {
		s.byVenueRef[venueKey(clone.Venue, clone.VenueOrderID)] = clone.OperationID
	}
}

func matches(order *schema.Order, filter oms.Filter) bool {
	if len(filter.Statuses) > 0 {
		hit := false
		for _, status := range filter.Statuses {
			if order.Status == status {
				hit = true
				break
			}
		}
		if !hit {
			return false
		}
	}
	if filter.StrategyID != "" && order.StrategyID != filter.StrategyID {
		return false
	}
	if filter.Venue != "" && order.Venue != filter.Venue {
		return false
	}
	if filter.Instrument != "" && order.CanonicalID != filter.Instrument {
		return false
	}
	return true
}

func venueKey(venueName, venueOrderID string) string {
	return venueName + "|" + venueOrderID
}
