package responder

import (
	"time"

	"github.com/songzhibin97/steward/internal/types"
)

// reservation is an instance parked in the offered set while a work-stealing
// offer to a peer router is outstanding.
type reservation struct {
	cid      string
	instance types.ServiceInstance
	expiry   time.Time

	// dead marks a reservation whose instance turned unhealthy or vanished
	// while offered; it must not rejoin the selectable pool on revert.
	dead bool
}

// slotState is the slot accounting for one service. It is owned by the
// service's responder loop and does no locking of its own.
//
// An instance id lives in at most one of {order, offered}. An id may be both
// in-use and selectable when the service's concurrency level is greater than
// one. Blacklist checks happen at selection time via the blocked predicate.
type slotState struct {
	concurrency int

	// instances holds the healthy instances currently assigned to this
	// router. order keeps their ids least-recently-used first; selection
	// walks from the front and moves the pick to the back.
	instances map[string]types.ServiceInstance
	order     []string

	// inUse counts in-flight requests per instance id. Entries survive an
	// instance turning unhealthy so releases still balance.
	inUse map[string]int

	// offered maps correlation id -> outstanding reservation.
	offered map[string]reservation
}

func newSlotState(concurrency int) *slotState {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &slotState{
		concurrency: concurrency,
		instances:   make(map[string]types.ServiceInstance),
		order:       make([]string, 0, 4),
		inUse:       make(map[string]int),
		offered:     make(map[string]reservation),
	}
}

// add registers a healthy instance, keeping order stable for known ids.
func (s *slotState) add(inst types.ServiceInstance) {
	if _, ok := s.instances[inst.ID]; ok {
		s.instances[inst.ID] = inst
		return
	}
	// An instance currently offered away is not re-added locally.
	for _, res := range s.offered {
		if res.instance.ID == inst.ID {
			return
		}
	}
	s.instances[inst.ID] = inst
	s.order = append(s.order, inst.ID)
}

// remove purges an instance id from every set, reservations included.
func (s *slotState) remove(instanceID string) {
	delete(s.instances, instanceID)
	delete(s.inUse, instanceID)
	s.dropFromOrder(instanceID)
	for cid, res := range s.offered {
		if res.instance.ID == instanceID {
			delete(s.offered, cid)
		}
	}
}

// retire drops an instance from the selectable pool but keeps its in-flight
// count, for instances reported unhealthy while requests are still running.
func (s *slotState) retire(instanceID string) {
	delete(s.instances, instanceID)
	s.dropFromOrder(instanceID)
}

func (s *slotState) dropFromOrder(instanceID string) {
	for i, id := range s.order {
		if id == instanceID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			return
		}
	}
}

// selectable reports whether some instance could be handed out right now.
func (s *slotState) selectable(blocked func(string) bool) bool {
	for _, id := range s.order {
		if s.inUse[id] < s.concurrency && !blocked(id) {
			return true
		}
	}
	return false
}

// selectInstance picks the least-recently-used instance with free capacity
// that the blocked predicate allows, marks one slot in use, and moves the id
// to the back of the order.
func (s *slotState) selectInstance(blocked func(string) bool) (types.ServiceInstance, bool) {
	for i, id := range s.order {
		if s.inUse[id] >= s.concurrency || blocked(id) {
			continue
		}
		s.order = append(s.order[:i], s.order[i+1:]...)
		s.order = append(s.order, id)
		s.inUse[id]++
		return s.instances[id], true
	}
	return types.ServiceInstance{}, false
}

// release returns one slot of the instance. Unknown ids are a no-op.
func (s *slotState) release(instanceID string) {
	if n := s.inUse[instanceID]; n > 1 {
		s.inUse[instanceID] = n - 1
	} else {
		delete(s.inUse, instanceID)
	}
}

// reserve parks an idle instance for a work-stealing offer. Only instances
// with zero in-flight requests qualify so the peer receives a clean slot.
func (s *slotState) reserve(cid string, expiry time.Time, blocked func(string) bool) (types.ServiceInstance, bool) {
	for _, id := range s.order {
		if s.inUse[id] > 0 || blocked(id) {
			continue
		}
		inst := s.instances[id]
		s.retire(id)
		s.offered[cid] = reservation{cid: cid, instance: inst, expiry: expiry}
		return inst, true
	}
	return types.ServiceInstance{}, false
}

// revert returns a reserved instance to the selectable pool. It reports
// whether the instance was re-added; dead reservations are dropped without
// rejoining the pool.
func (s *slotState) revert(cid string) bool {
	res, ok := s.offered[cid]
	if !ok {
		return false
	}
	delete(s.offered, cid)
	if res.dead {
		return false
	}
	s.add(res.instance)
	return true
}

// invalidate marks every reservation holding instanceID dead.
func (s *slotState) invalidate(instanceID string) {
	for cid, res := range s.offered {
		if res.instance.ID == instanceID {
			res.dead = true
			s.offered[cid] = res
		}
	}
}

// offeredInstanceIDs returns the instance ids of live reservations.
func (s *slotState) offeredInstanceIDs() []string {
	out := make([]string, 0, len(s.offered))
	for _, res := range s.offered {
		if !res.dead {
			out = append(out, res.instance.ID)
		}
	}
	return out
}

// concede drops a reservation whose offer a peer accepted; the instance now
// belongs to the peer router.
func (s *slotState) concede(cid string) bool {
	if _, ok := s.offered[cid]; !ok {
		return false
	}
	delete(s.offered, cid)
	return true
}

// availableIDs returns the ids selectable right now, in LRU order.
func (s *slotState) availableIDs(blocked func(string) bool) []string {
	out := make([]string, 0, len(s.order))
	for _, id := range s.order {
		if s.inUse[id] < s.concurrency && !blocked(id) {
			out = append(out, id)
		}
	}
	return out
}

// idleCount returns the number of instances with no in-flight requests.
func (s *slotState) idleCount(blocked func(string) bool) int {
	n := 0
	for _, id := range s.order {
		if s.inUse[id] == 0 && !blocked(id) {
			n++
		}
	}
	return n
}

func (s *slotState) knows(instanceID string) bool {
	if _, ok := s.instances[instanceID]; ok {
		return true
	}
	if _, ok := s.inUse[instanceID]; ok {
		return true
	}
	for _, res := range s.offered {
		if res.instance.ID == instanceID {
			return true
		}
	}
	return false
}
