package instance

import (
	"github.com/docker/poolkit/pkg/spi/instance"
)

// record tracks the progress of one virtual id through the session.  Fields
// only ever advance: reconciliation and polling fill gaps, they never revert
// a more advanced state.
type record struct {
	virtualID  instance.VirtualID
	requestID  string
	instanceID string

	// requestTagged is set once the spot request carries the identifying
	// tags; tagged once the instance itself does.
	requestTagged bool
	tagged        bool

	privateIP string

	// abandoned: stop polling the request, but it still needs cancelling.
	// terminal: the request reached a terminal remote state on its own;
	// nothing left to cancel.
	abandoned bool
	terminal  bool

	// gone: the instance died while we waited for its address; it does not
	// count toward the minimum and will be reconciled away.
	gone bool
}

func (r *record) assignRequest(id string) {
	if id == "" {
		return
	}
	if r.requestID == "" {
		r.requestID = id
		return
	}
	if r.requestID != id {
		log.WithField("virtualID", r.virtualID).Warnf("ignoring second request id %s, keeping %s", id, r.requestID)
	}
}

func (r *record) assignInstance(id string) {
	if id == "" {
		return
	}
	if r.instanceID == "" {
		r.instanceID = id
		return
	}
	if r.instanceID != id {
		log.WithField("virtualID", r.virtualID).Warnf("ignoring second instance id %s, keeping %s", id, r.instanceID)
	}
}

func (r *record) markRequestTagged() {
	if r.requestID != "" {
		r.requestTagged = true
	}
}

func (r *record) markTagged() {
	if r.instanceID != "" {
		r.tagged = true
	}
}

func (r *record) assignAddress(ip string) {
	if r.instanceID == "" || ip == "" {
		return
	}
	if r.privateIP == "" {
		r.privateIP = ip
	}
}

func (r *record) markGone() {
	r.gone = true
}

// ready reports whether this record counts toward the session minimum.
func (r *record) ready() bool {
	return r.privateIP != "" && !r.gone
}

// recordStore holds the per-id progress of one allocation session.  It is
// owned by exactly one session and never shared, so it needs no locking.
type recordStore struct {
	order   []instance.VirtualID
	records map[instance.VirtualID]*record
}

func newRecordStore(ids []instance.VirtualID) *recordStore {
	s := &recordStore{records: map[instance.VirtualID]*record{}}
	for _, id := range ids {
		if _, exists := s.records[id]; exists {
			continue
		}
		s.order = append(s.order, id)
		s.records[id] = &record{virtualID: id}
	}
	return s
}

func (s *recordStore) get(id instance.VirtualID) *record {
	return s.records[id]
}

func (s *recordStore) all() []*record {
	out := make([]*record, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.records[id])
	}
	return out
}

func (s *recordStore) virtualIDs() []instance.VirtualID {
	return append([]instance.VirtualID{}, s.order...)
}

// unrequested returns the ids that still need a create request after
// reconciliation.
func (s *recordStore) unrequested() []instance.VirtualID {
	out := []instance.VirtualID{}
	for _, rec := range s.all() {
		if rec.requestID == "" && rec.instanceID == "" {
			out = append(out, rec.virtualID)
		}
	}
	return out
}

// unresolvedRequestIDs returns every request that never produced an instance
// and did not reach a terminal state on its own; these must be cancelled.
func (s *recordStore) unresolvedRequestIDs() []string {
	out := []string{}
	for _, rec := range s.all() {
		if rec.requestID != "" && rec.instanceID == "" && !rec.terminal {
			out = append(out, rec.requestID)
		}
	}
	return out
}

// pollableRequestIDs returns the unresolved requests still worth polling.
func (s *recordStore) pollableRequestIDs() []string {
	out := []string{}
	for _, rec := range s.all() {
		if rec.requestID != "" && rec.instanceID == "" && !rec.terminal && !rec.abandoned {
			out = append(out, rec.requestID)
		}
	}
	return out
}

// instanceIDs returns every provider instance id known to the session.
func (s *recordStore) instanceIDs() []string {
	out := []string{}
	for _, rec := range s.all() {
		if rec.instanceID != "" {
			out = append(out, rec.instanceID)
		}
	}
	return out
}

// awaitingAddress returns the tagged, live instances with no address yet.
func (s *recordStore) awaitingAddress() []string {
	out := []string{}
	for _, rec := range s.all() {
		if rec.instanceID != "" && rec.tagged && !rec.gone && rec.privateIP == "" {
			out = append(out, rec.instanceID)
		}
	}
	return out
}

func (s *recordStore) byRequest(id string) *record {
	for _, rec := range s.all() {
		if rec.requestID == id {
			return rec
		}
	}
	return nil
}

func (s *recordStore) byInstance(id string) *record {
	for _, rec := range s.all() {
		if rec.instanceID == id {
			return rec
		}
	}
	return nil
}

// ready returns the records that count toward the minimum.
func (s *recordStore) ready() []*record {
	out := []*record{}
	for _, rec := range s.all() {
		if rec.ready() {
			out = append(out, rec)
		}
	}
	return out
}
