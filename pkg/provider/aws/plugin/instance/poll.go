package instance

import (
	"context"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/ec2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	provider "github.com/docker/poolkit/pkg/provider/aws"
)

const (
	// spotStatusPriceTooLow is the provider's soft reject: the request stays
	// open but is unlikely to ever fulfill at the offered price.
	spotStatusPriceTooLow = "price-too-low"

	// spotStatusCancelledRunning marks the narrow race where a cancellation
	// crossed fulfillment and a real, billing instance exists behind a
	// cancelled request.
	spotStatusCancelledRunning = "request-canceled-and-instance-running"
)

// poll drives the outstanding requests to resolution.  Every round describes
// all of them in one batched call; the loop ends when nothing pollable
// remains or the request expiration is reached, whichever is first.  Running
// out of time is not an error - the shortfall is judged against the minimum
// count afterwards.
func (s *session) poll(ctx context.Context) error {
	for {
		ids := s.records.pollableRequestIDs()
		if len(ids) == 0 || s.expired() {
			return nil
		}

		out, err := s.alloc.client.DescribeSpotInstanceRequests(&ec2.DescribeSpotInstanceRequestsInput{
			SpotInstanceRequestIds: aws.StringSlice(ids),
		})
		if err != nil {
			if provider.Classify(err) != provider.Transient {
				return errors.Wrap(err, "describing spot requests")
			}
			// Includes the freshly-submitted-but-not-yet-describable case.
			if err := s.sleep(ctx); err != nil {
				return err
			}
			continue
		}

		for _, r := range out.SpotInstanceRequests {
			s.observeRequest(r)
		}

		if len(s.records.pollableRequestIDs()) == 0 {
			return nil
		}
		if err := s.sleep(ctx); err != nil {
			return err
		}
	}
}

// observeRequest applies one described spot request to the session's records.
func (s *session) observeRequest(r *ec2.SpotInstanceRequest) {
	rec := s.records.byRequest(aws.StringValue(r.SpotInstanceRequestId))
	if rec == nil {
		return
	}
	state := aws.StringValue(r.State)
	status := ""
	if r.Status != nil {
		status = aws.StringValue(r.Status.Code)
	}

	switch {
	case state == ec2.SpotInstanceStateActive && r.InstanceId != nil:
		// Fulfilled.  The match back to a virtual id goes through the tag
		// written earlier; if the tag is not visible yet, the request stays
		// pending this round.
		vid, ok := s.alloc.ownedVirtualID(r.Tags, s.group)
		if !ok || vid != rec.virtualID {
			return
		}
		rec.assignInstance(aws.StringValue(r.InstanceId))
		s.log.WithFields(logrus.Fields{
			"virtualID":  rec.virtualID,
			"instanceID": rec.instanceID,
		}).Info("Spot request fulfilled")

	case status == spotStatusCancelledRunning && r.InstanceId != nil:
		vid, ok := s.alloc.ownedVirtualID(r.Tags, s.group)
		if ok && vid == rec.virtualID {
			// Cancellation and fulfillment crossed but the tag is there:
			// treat as fulfilled.
			rec.assignInstance(aws.StringValue(r.InstanceId))
			return
		}
		// A billing instance with no virtual id association; only this
		// session knows about it, so cleanup must sweep it.
		s.untagged = append(s.untagged, aws.StringValue(r.InstanceId))
		rec.abandoned = true
		s.log.WithField("instanceID", aws.StringValue(r.InstanceId)).
			Warn("Cancelled request left a running instance with no tags")

	case state == ec2.SpotInstanceStateClosed,
		state == ec2.SpotInstanceStateCancelled,
		state == ec2.SpotInstanceStateFailed:
		rec.terminal = true
		s.log.WithFields(logrus.Fields{
			"virtualID": rec.virtualID,
			"state":     state,
			"status":    status,
		}).Debug("Spot request reached a terminal state")

	case status == spotStatusPriceTooLow:
		if s.alloc.clock.Now().After(s.softRejectDeadline) {
			rec.abandoned = true
			s.log.WithField("virtualID", rec.virtualID).
				Warn("Bid below current price, abandoning request")
		}

	default:
		// Still pending evaluation or fulfillment.
	}
}
