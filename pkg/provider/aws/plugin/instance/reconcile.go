package instance

import (
	"context"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/ec2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// reconcile folds remote objects already tagged with this session's virtual
// ids into the record store, so that a crash-and-restart of the same logical
// operation reuses billed resources and in-flight requests instead of
// duplicating them.  It runs exactly once per session, before anything new is
// submitted; transient lookup failures are retried by the SDK's retry layer,
// not here.
func (s *session) reconcile(ctx context.Context) error {
	out, err := s.alloc.client.DescribeSpotInstanceRequests(&ec2.DescribeSpotInstanceRequestsInput{
		Filters: s.alloc.matchFilters(s.group, s.records.virtualIDs(), false),
	})
	if err != nil {
		return errors.Wrap(err, "reconciling spot requests")
	}

	requests := 0
	for _, r := range out.SpotInstanceRequests {
		vid, ok := s.alloc.ownedVirtualID(r.Tags, s.group)
		if !ok {
			continue
		}
		rec := s.records.get(vid)
		if rec == nil {
			// Tagged for an id outside this allocation: it belongs to a
			// different logical operation, leave it alone.
			s.log.WithField("virtualID", vid).Warn("Skipping remote request tagged with an unknown virtual id")
			continue
		}

		switch aws.StringValue(r.State) {
		case ec2.SpotInstanceStateActive:
			rec.assignRequest(aws.StringValue(r.SpotInstanceRequestId))
			rec.markRequestTagged()
			if r.InstanceId != nil {
				rec.assignInstance(aws.StringValue(r.InstanceId))
			}
			requests++
		case ec2.SpotInstanceStateOpen:
			if r.ValidUntil != nil && s.alloc.clock.Now().After(*r.ValidUntil) {
				// Past its own expiry; the provider will close it.
				continue
			}
			rec.assignRequest(aws.StringValue(r.SpotInstanceRequestId))
			rec.markRequestTagged()
			requests++
		default:
			// closed, cancelled or failed requests are treated as if they
			// never existed; the id is free to be re-requested.
		}
	}

	descriptions, err := s.alloc.describeTagged(s.group, s.records.virtualIDs())
	if err != nil {
		return errors.Wrap(err, "reconciling instances")
	}

	instances := 0
	for _, d := range descriptions {
		rec := s.records.get(d.VirtualID)
		if rec == nil {
			s.log.WithField("virtualID", d.VirtualID).Warn("Skipping remote instance tagged with an unknown virtual id")
			continue
		}
		rec.assignInstance(string(d.ID))
		rec.markTagged()
		rec.assignAddress(d.PrivateIPAddress)
		instances++
	}

	if requests > 0 || instances > 0 {
		s.log.WithFields(logrus.Fields{"requests": requests, "instances": instances}).
			Info("Reconciled remote state from a previous invocation")
	}
	return nil
}
