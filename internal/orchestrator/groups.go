package orchestrator

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/tradefab/execd/errs"
	"github.com/tradefab/execd/internal/instrument"
	"github.com/tradefab/execd/internal/observability"
	"github.com/tradefab/execd/internal/schema"
)

// groupTable tracks split parents, atomic groups, and atomic members held
// while the rest of their group arrives, by member operation IDs.
type groupTable struct {
	mu      sync.Mutex
	parents map[string][]string
	atomics map[string][]string
	pending map[string][]*schema.Order
}

func newGroupTable() *groupTable {
	t := new(groupTable)
	t.parents = make(map[string][]string)
	t.atomics = make(map[string][]string)
	t.pending = make(map[string][]*schema.Order)
	return t
}

func (t *groupTable) addParent(parentID string, children []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.parents[parentID] = append([]string(nil), children...)
}

func (t *groupTable) children(parentID string) ([]string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	children, ok := t.parents[parentID]
	if !ok {
		return nil, false
	}
	return append([]string(nil), children...), true
}

func (t *groupTable) removeParent(parentID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.parents, parentID)
}

func (t *groupTable) addAtomic(groupID string, members []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.atomics[groupID] = append([]string(nil), members...)
}

func (t *groupTable) atomicMembers(groupID string) ([]string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	members, ok := t.atomics[groupID]
	if !ok {
		return nil, false
	}
	return append([]string(nil), members...), true
}

func (t *groupTable) removeAtomic(groupID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.atomics, groupID)
}

// holdPending parks an atomic member until its group completes and returns a
// snapshot of every member held so far. A resubmitted operation ID replaces
// the earlier copy, so replays cannot complete a group early.
func (t *groupTable) holdPending(groupID string, member *schema.Order) []*schema.Order {
	t.mu.Lock()
	defer t.mu.Unlock()
	held := t.pending[groupID]
	replaced := false
	for i, existing := range held {
		if existing.OperationID == member.OperationID {
			held[i] = member
			replaced = true
			break
		}
	}
	if !replaced {
		held = append(held, member)
	}
	t.pending[groupID] = held
	return append([]*schema.Order(nil), held...)
}

func (t *groupTable) removePending(groupID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.pending, groupID)
}

// groupComplete reports whether every member of an atomic group has arrived.
// A declared group_size is authoritative. Without one, the group counts as
// complete once sequence numbers run contiguously from 1 with no gaps and at
// least two members are present.
func groupComplete(members []*schema.Order) bool {
	declared := 0
	for _, member := range members {
		if member.GroupSize > declared {
			declared = member.GroupSize
		}
	}
	if declared > 0 {
		return len(members) >= declared
	}
	maxSeq := 0
	seen := make(map[int]bool, len(members))
	for _, member := range members {
		if member.SequenceInGroup > maxSeq {
			maxSeq = member.SequenceInGroup
		}
		seen[member.SequenceInGroup] = true
	}
	if maxSeq < 2 || len(members) != maxSeq {
		return false
	}
	for seq := 1; seq <= maxSeq; seq++ {
		if !seen[seq] {
			return false
		}
	}
	return true
}

// onChildTerminal recomputes a split parent's status from its children. The
// parent finishes FILLED only when every child filled; a parent with any
// fills that cannot complete ends CANCELLED, and one with no fills at all
// ends REJECTED.
func (o *Orchestrator) onChildTerminal(ctx context.Context, parentID string) {
	children, ok := o.groups.children(parentID)
	if !ok {
		return
	}

	allTerminal := true
	allFilled := true
	anyFill := false
	for _, childID := range children {
		child, err := o.orders.Get(ctx, childID)
		if err != nil {
			return
		}
		if !child.Status.Terminal() {
			allTerminal = false
		}
		if child.Status != schema.StatusFilled {
			allFilled = false
		}
		if len(child.Fills) > 0 {
			anyFill = true
		}
	}

	parent, err := o.orders.Get(ctx, parentID)
	if err != nil || parent.Status.Terminal() {
		return
	}

	if !allTerminal {
		if anyFill && parent.Status != schema.StatusPartiallyFilled {
			_, _ = o.orders.Transition(ctx, parentID, schema.StatusPartiallyFilled, "")
		}
		return
	}

	target := schema.StatusRejected
	switch {
	case allFilled:
		target = schema.StatusFilled
	case anyFill:
		target = schema.StatusCancelled
	case parent.Status == schema.StatusPartiallyFilled:
		target = schema.StatusCancelled
	}
	if _, err := o.orders.Transition(ctx, parentID, target, "derived from child orders"); err != nil {
		observability.Log().Error("parent aggregation failed",
			observability.F("operation_id", parentID),
			observability.F("error", err.Error()))
		return
	}
	o.groups.removeParent(parentID)

	if parent.AtomicGroupID != "" {
		o.onAtomicMemberTerminal(ctx, parent.AtomicGroupID)
	}
}

// SubmitGroup executes an atomic group: every member passes risk before any
// venue traffic, members submit in sequence, and the first failure rolls the
// whole group back so no member is left half-standing.
func (o *Orchestrator) SubmitGroup(ctx context.Context, members []*schema.Order) ([]*schema.Order, error) {
	if len(members) == 0 {
		return nil, errs.Malformed("atomic group requires at least one order")
	}
	groupID := members[0].AtomicGroupID
	if groupID == "" {
		groupID = uuid.NewString()
	}

	ids := make([]instrument.ID, len(members))
	memberIDs := make([]string, len(members))
	for i, member := range members {
		if !member.Operation.Atomic() {
			return nil, errs.Malformed("operation " + string(member.Operation) + " cannot join an atomic group")
		}
		id, err := o.validate(member)
		if err != nil {
			return nil, err
		}
		ids[i] = id
		member.AtomicGroupID = groupID
		member.SequenceInGroup = i + 1
		memberIDs[i] = member.OperationID
	}

	accepted := make([]*schema.Order, 0, len(members))
	for _, member := range members {
		stored, err := o.orders.Create(ctx, member)
		if errs.IsKind(err, errs.KindDuplicateOperation) {
			accepted = append(accepted, stored)
			continue
		}
		if err != nil {
			return nil, err
		}
		accepted = append(accepted, stored)
	}
	o.groups.addAtomic(groupID, memberIDs)

	// Admission is all-or-nothing: one denial rejects every member before
	// anything reaches a venue.
	for _, member := range accepted {
		if err := o.risk.Evaluate(ctx, member); err != nil {
			o.rejectGroup(ctx, memberIDs, "atomic group denied: "+err.Error())
			o.groups.removeAtomic(groupID)
			return o.loadAll(ctx, memberIDs), err
		}
	}

	for i, member := range accepted {
		plan, err := o.routes.Route(ctx, member, ids[i])
		if err == nil && plan.Split() {
			err = errs.New("", errs.KindRouteUnavailable,
				errs.WithMessage("atomic group legs cannot split venues"))
		}
		if err == nil {
			err = o.submitLeg(ctx, member, plan.Legs[0])
		}
		if err != nil {
			o.rollbackGroup(ctx, memberIDs, i)
			o.groups.removeAtomic(groupID)
			return o.loadAll(ctx, memberIDs), err
		}
	}
	return o.loadAll(ctx, memberIDs), nil
}

// submitGroupMember handles an atomic member posted on its own through the
// single-order path. The member is held in PENDING until the whole group has
// arrived, then the group dispatches through SubmitGroup in sequence order.
func (o *Orchestrator) submitGroupMember(ctx context.Context, member *schema.Order) (*schema.Order, error) {
	if !member.Operation.Atomic() {
		err := errs.Malformed("operation " + string(member.Operation) + " cannot join an atomic group")
		_, _ = o.orders.Transition(ctx, member.OperationID, schema.StatusRejected, err.Error())
		return nil, err
	}

	held := o.groups.holdPending(member.AtomicGroupID, member)
	if !groupComplete(held) {
		observability.Log().Info("atomic group member held",
			observability.F("operation_id", member.OperationID),
			observability.F("atomic_group_id", member.AtomicGroupID),
			observability.F("members_held", len(held)))
		return o.orders.Get(ctx, member.OperationID)
	}
	o.groups.removePending(member.AtomicGroupID)

	sort.Slice(held, func(i, j int) bool {
		return held[i].SequenceInGroup < held[j].SequenceInGroup
	})
	results, err := o.SubmitGroup(ctx, held)
	for _, result := range results {
		if result.OperationID == member.OperationID {
			return result, err
		}
	}
	return o.currentWithErr(ctx, member.OperationID, err)
}

// onAtomicMemberTerminal enforces group convergence: once any member lands in
// a terminal non-filled state, every still-open member is cancelled.
func (o *Orchestrator) onAtomicMemberTerminal(ctx context.Context, groupID string) {
	members, ok := o.groups.atomicMembers(groupID)
	if !ok {
		return
	}
	broken := false
	allDone := true
	for _, memberID := range members {
		member, err := o.orders.Get(ctx, memberID)
		if err != nil {
			return
		}
		if member.Status.Terminal() && member.Status != schema.StatusFilled {
			broken = true
		}
		if !member.Status.Terminal() {
			allDone = false
		}
	}
	if broken {
		for _, memberID := range members {
			member, err := o.orders.Get(ctx, memberID)
			if err != nil || member.Status.Terminal() {
				continue
			}
			if _, err := o.Cancel(ctx, memberID); err != nil {
				observability.Log().Error("atomic rollback cancel failed",
					observability.F("operation_id", memberID),
					observability.F("error", err.Error()))
			}
		}
		o.groups.removeAtomic(groupID)
		if o.bus != nil {
			_ = o.bus.Publish(ctx, observability.TelemetryEvent{
				Type:     observability.TelemetryEventAtomicGroupRolledBack,
				Severity: observability.TelemetrySeverityWarn,
				Metadata: map[string]any{"atomic_group_id": groupID},
			})
		}
		return
	}
	if allDone {
		o.groups.removeAtomic(groupID)
	}
}

func (o *Orchestrator) rejectGroup(ctx context.Context, memberIDs []string, reason string) {
	for _, memberID := range memberIDs {
		if _, err := o.orders.Transition(ctx, memberID, schema.StatusRejected, reason); err != nil {
			observability.Log().Error("group reject failed",
				observability.F("operation_id", memberID),
				observability.F("error", err.Error()))
		}
	}
}

// rollbackGroup cancels members already at a venue and rejects the rest after
// member at index failed.
func (o *Orchestrator) rollbackGroup(ctx context.Context, memberIDs []string, failedIndex int) {
	for i, memberID := range memberIDs {
		member, err := o.orders.Get(ctx, memberID)
		if err != nil || member.Status.Terminal() {
			continue
		}
		if i < failedIndex && member.VenueOrderID != "" {
			if _, err := o.Cancel(ctx, memberID); err != nil {
				observability.Log().Error("atomic rollback cancel failed",
					observability.F("operation_id", memberID),
					observability.F("error", err.Error()))
			}
			continue
		}
		if _, err := o.orders.Transition(ctx, memberID, schema.StatusRejected, "atomic group rolled back"); err != nil {
			observability.Log().Error("atomic rollback reject failed",
				observability.F("operation_id", memberID),
				observability.F("error", err.Error()))
		}
	}
	if o.bus != nil {
		_ = o.bus.Publish(ctx, observability.TelemetryEvent{
			Type:     observability.TelemetryEventAtomicGroupRolledBack,
			Severity: observability.TelemetrySeverityWarn,
			Metadata: map[string]any{"failed_member": memberIDs[failedIndex]},
		})
	}
}

func (o *Orchestrator) loadAll(ctx context.Context, memberIDs []string) []*schema.Order {
	out := make([]*schema.Order, 0, len(memberIDs))
	for _, memberID := range memberIDs {
		if order, err := o.orders.Get(ctx, memberID); err == nil {
			out = append(out, order)
		}
	}
	return out
}
