package instance

import (
	"context"
	"encoding/base64"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/pkg/errors"

	"github.com/docker/poolkit/pkg/spi/instance"
)

// submit issues one batched create call for the virtual ids that
// reconciliation left without a request or an instance.  The mapping from
// provider request id back to virtual id is positional - the id list and the
// returned request list are both order-preserving - and stays speculative
// until the tags land on the requests.
func (s *session) submit(ctx context.Context, pending []instance.VirtualID) error {
	if len(pending) == 0 {
		s.log.Debug("Nothing to submit, every id has remote state")
		return nil
	}

	input := s.request.RequestSpotInstancesInput
	input.InstanceCount = aws.Int64(int64(len(pending)))
	input.ValidUntil = aws.Time(s.expiration)
	input.ClientToken = aws.String(idempotencyToken(pending, s.expiration))
	if input.LaunchSpecification != nil && input.LaunchSpecification.UserData != nil {
		input.LaunchSpecification.UserData = aws.String(
			base64.StdEncoding.EncodeToString([]byte(*input.LaunchSpecification.UserData)))
	}

	out, err := s.alloc.client.RequestSpotInstances(&input)
	if err != nil {
		return errors.Wrap(err, "requesting spot instances")
	}
	if len(out.SpotInstanceRequests) != len(pending) {
		return errors.Errorf("unexpected AWS API response: %d spot requests for %d ids",
			len(out.SpotInstanceRequests), len(pending))
	}

	for i, vid := range pending {
		s.records.get(vid).assignRequest(aws.StringValue(out.SpotInstanceRequests[i].SpotInstanceRequestId))
	}
	s.log.WithField("count", len(pending)).Info("Submitted spot instance requests")
	return nil
}
