package instance

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	provider "github.com/docker/poolkit/pkg/provider/aws"
	"github.com/docker/poolkit/pkg/spi/instance"
)

// InsufficientResourcesError reports that fewer instances became ready than
// the caller's minimum before the deadline.  It is an expected outcome of
// partial fulfillment, not an internal failure.
type InsufficientResourcesError struct {
	Ready   int
	Minimum int
}

func (e *InsufficientResourcesError) Error() string {
	return fmt.Sprintf("only %d of the minimum %d instances became ready before the deadline", e.Ready, e.Minimum)
}

// session holds all mutable state of one Allocate call.  It is constructed
// fresh per call and discarded when the call returns; a later call for the
// same ids re-derives equivalent state by reconciling against the provider.
type session struct {
	alloc *allocator
	log   *logrus.Entry

	request  CreateInstancesRequest
	userTags map[string]string
	group    string
	minCount int

	expiration         time.Time
	softRejectDeadline time.Time

	records *recordStore

	// untagged collects instances that are provably billing but carry no
	// virtual id association (the cancel/fulfill race); cleanup must sweep
	// them since reconciliation will never find them again.
	untagged []string
}

func (a *allocator) newSession(group string, request CreateInstancesRequest, userTags map[string]string, ids []instance.VirtualID, minCount int) *session {
	now := a.clock.Now()
	return &session{
		alloc:              a,
		log:                log.WithFields(logrus.Fields{"session": uuid.New().String()[:8], "group": group}),
		request:            request,
		userTags:           userTags,
		group:              group,
		minCount:           minCount,
		expiration:         now.Add(a.options.RequestExpiration),
		softRejectDeadline: now.Add(a.options.SoftRejectGrace),
		records:            newRecordStore(ids),
	}
}

func (s *session) run(ctx context.Context) ([]instance.Description, error) {
	s.log.WithFields(logrus.Fields{"count": len(s.records.all()), "min": s.minCount}).Info("Allocating instances")

	if err := s.reconcile(ctx); err != nil {
		return nil, s.abort(err)
	}

	fresh := s.records.unrequested()
	if err := s.submit(ctx, fresh); err != nil {
		if s.minCount == 0 && len(fresh) == len(s.records.all()) && provider.IsCapacity(err) {
			// The caller accepts zero instances; capacity exhaustion on the
			// very first attempt is a benign empty result.
			s.log.WithError(err).Info("No capacity and the minimum is zero, returning empty")
			return []instance.Description{}, nil
		}
		return nil, s.abort(err)
	}

	if err := s.tagRequests(ctx); err != nil {
		return nil, s.abort(err)
	}
	if err := s.poll(ctx); err != nil {
		return nil, s.abort(err)
	}
	if err := s.tagInstances(ctx); err != nil {
		return nil, s.abort(err)
	}
	if err := s.awaitNetwork(ctx); err != nil {
		return nil, s.abort(err)
	}

	ready := s.records.ready()
	if len(ready) < s.minCount {
		return nil, s.abort(&InsufficientResourcesError{Ready: len(ready), Minimum: s.minCount})
	}

	s.finish()

	descriptions := make([]instance.Description, 0, len(ready))
	for _, rec := range ready {
		_, tags := mergeTags(s.userTags, s.identityTags(rec.virtualID), s.alloc.namespaceTags)
		descriptions = append(descriptions, instance.Description{
			ID:               instance.ID(rec.instanceID),
			VirtualID:        rec.virtualID,
			PrivateIPAddress: rec.privateIP,
			Tags:             tags,
		})
	}
	s.log.WithField("ready", len(descriptions)).Info("Allocation complete")
	return descriptions, nil
}

// abort rolls back everything this session provisioned and attaches any
// cleanup failures to the triggering error, so the caller sees one composite
// failure instead of a cascade.
func (s *session) abort(cause error) error {
	s.log.WithError(cause).Warn("Allocation failed, rolling back")
	if cleanup := s.rollback(); len(cleanup) > 0 {
		return &provider.CleanupError{Primary: cause, Cleanup: cleanup}
	}
	return cause
}

// identityTags are the tags that make an object discoverable by
// reconciliation.
func (s *session) identityTags(vid instance.VirtualID) map[string]string {
	return map[string]string{
		s.alloc.options.VirtualIDTagKey: string(vid),
		s.alloc.options.GroupTagKey:     s.group,
	}
}

// sleep blocks for one poll interval, or returns early if the caller's
// context is cancelled.  Cancellation propagates out of every wait loop; it
// is never swallowed.
func (s *session) sleep(ctx context.Context) error {
	timer := s.alloc.clock.NewTimer(s.alloc.options.PollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C():
		return nil
	}
}

func (s *session) expired() bool {
	return s.alloc.clock.Now().After(s.expiration)
}
