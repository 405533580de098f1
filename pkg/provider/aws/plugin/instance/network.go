package instance

import (
	"context"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/ec2"
	"github.com/pkg/errors"

	provider "github.com/docker/poolkit/pkg/provider/aws"
)

// awaitNetwork waits for every resolved, tagged instance to report a private
// IP address.  This phase is fast relative to request fulfillment and has no
// deadline of its own beyond the caller's context; instances that die while
// we wait are dropped from consideration rather than failing the session.
func (s *session) awaitNetwork(ctx context.Context) error {
	for {
		ids := s.records.awaitingAddress()
		if len(ids) == 0 {
			return nil
		}

		out, err := s.alloc.client.DescribeInstances(&ec2.DescribeInstancesInput{
			InstanceIds: aws.StringSlice(ids),
		})
		if err != nil {
			if provider.Classify(err) != provider.Transient {
				return errors.Wrap(err, "describing instances")
			}
		} else {
			for _, reservation := range out.Reservations {
				for _, ec2Instance := range reservation.Instances {
					s.observeInstance(ec2Instance)
				}
			}
		}

		if len(s.records.awaitingAddress()) == 0 {
			return nil
		}
		if err := s.sleep(ctx); err != nil {
			return err
		}
	}
}

func (s *session) observeInstance(ec2Instance *ec2.Instance) {
	rec := s.records.byInstance(aws.StringValue(ec2Instance.InstanceId))
	if rec == nil {
		return
	}

	if ec2Instance.State != nil {
		switch aws.StringValue(ec2Instance.State.Name) {
		case ec2.InstanceStateNameShuttingDown,
			ec2.InstanceStateNameTerminated,
			ec2.InstanceStateNameStopping,
			ec2.InstanceStateNameStopped:
			rec.markGone()
			s.log.WithField("instanceID", rec.instanceID).
				Warn("Instance left while waiting for its address")
			return
		}
	}

	rec.assignAddress(aws.StringValue(ec2Instance.PrivateIpAddress))
}
