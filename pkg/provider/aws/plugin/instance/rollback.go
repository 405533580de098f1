package instance

import (
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/ec2"
	"github.com/pkg/errors"

	provider "github.com/docker/poolkit/pkg/provider/aws"
)

// rollback compensates for a session that cannot meet its minimum: it cancels
// every outstanding request and terminates every instance provisioned during
// this session, including the untagged side-set.  Each compensation is
// attempted regardless of the others failing; errors are accumulated, never
// thrown individually.  Best effort only: a sustained outage here leaves
// billable orphans for the next session's reconciliation to find.
func (s *session) rollback() []error {
	raced, errs := s.cancelUnresolved()

	targets := s.records.instanceIDs()
	targets = append(targets, s.untagged...)
	targets = append(targets, raced...)
	if targets = dedupe(targets); len(targets) > 0 {
		errs = append(errs, s.terminate(targets)...)
	}
	return errs
}

// finish cleans up after a successful allocation: requests that never
// resolved are cancelled and instances that never gained a virtual id
// association are terminated.  Fulfilled instances are untouched.  Failures
// here do not fail the allocation; they are logged and left for
// reconciliation.
func (s *session) finish() {
	raced, errs := s.cancelUnresolved()

	targets := append(raced, s.untagged...)
	if targets = dedupe(targets); len(targets) > 0 {
		errs = append(errs, s.terminate(targets)...)
	}
	for _, err := range errs {
		s.log.WithError(err).Warn("Cleanup after allocation")
	}
}

// cancelUnresolved cancels every request that never produced an instance.  A
// request can resolve to a running instance in the same window it is being
// cancelled, so after the cancellation settles the requests are described
// once more; any instance found behind them is returned for termination.
func (s *session) cancelUnresolved() (raced []string, errs []error) {
	ids := s.records.unresolvedRequestIDs()
	if len(ids) == 0 {
		return nil, nil
	}

	s.log.WithField("count", len(ids)).Info("Cancelling unresolved spot requests")
	_, err := s.alloc.client.CancelSpotInstanceRequests(&ec2.CancelSpotInstanceRequestsInput{
		SpotInstanceRequestIds: aws.StringSlice(ids),
	})
	if err != nil {
		errs = append(errs, errors.Wrap(err, "cancelling spot requests"))
	}

	s.alloc.clock.Sleep(s.alloc.options.CancelSettle)

	out, err := s.alloc.client.DescribeSpotInstanceRequests(&ec2.DescribeSpotInstanceRequestsInput{
		SpotInstanceRequestIds: aws.StringSlice(ids),
	})
	if err != nil {
		if !provider.IsNotFound(err) {
			errs = append(errs, errors.Wrap(err, "checking cancelled spot requests"))
		}
		return nil, errs
	}
	for _, r := range out.SpotInstanceRequests {
		if r.InstanceId != nil {
			raced = append(raced, aws.StringValue(r.InstanceId))
		}
	}
	return raced, errs
}

func (s *session) terminate(ids []string) []error {
	s.log.WithField("count", len(ids)).Info("Terminating instances")
	_, err := s.alloc.client.TerminateInstances(&ec2.TerminateInstancesInput{
		InstanceIds: aws.StringSlice(ids),
	})
	if err != nil {
		return []error{errors.Wrapf(err, "terminating %d instances", len(ids))}
	}
	return nil
}
