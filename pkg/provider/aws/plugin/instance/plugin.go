package instance

import (
	"context"
	"encoding/json"
	"fmt"

	"code.cloudfoundry.org/clock"
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/ec2"
	"github.com/pkg/errors"

	provider "github.com/docker/poolkit/pkg/provider/aws"
	"github.com/docker/poolkit/pkg/spi/instance"
)

// CreateInstancesRequest is the concrete launch description decoded from
// Spec.Properties.
type CreateInstancesRequest struct {
	Tags                      map[string]string
	RequestSpotInstancesInput ec2.RequestSpotInstancesInput
}

type allocator struct {
	client        API
	namespaceTags map[string]string
	options       Options
	clock         clock.Clock
}

// NewAllocator returns an Allocator that provisions pools of EC2 spot
// instances.  namespaceTags are written to every object the allocator creates
// and required on every object it claims during reconciliation, so that
// separate deployments sharing an account never touch each other's instances.
func NewAllocator(client API, namespaceTags map[string]string, options Options) instance.Allocator {
	return &allocator{
		client:        client,
		namespaceTags: namespaceTags,
		options:       options.withDefaults(),
		clock:         clock.NewClock(),
	}
}

// Allocate provisions one spot instance per virtual id, reusing any remote
// state a previous, possibly crashed, invocation left behind for the same
// ids.  It blocks until at least minCount instances are network-ready or the
// request expiration elapses, at which point everything provisioned is rolled
// back and an error describing the shortfall is returned.
func (a *allocator) Allocate(ctx context.Context, spec instance.Spec, ids []instance.VirtualID, minCount int) ([]instance.Description, error) {
	if len(ids) == 0 {
		return []instance.Description{}, nil
	}
	if minCount > len(ids) {
		return nil, errors.Errorf("minimum count %d exceeds the %d requested ids", minCount, len(ids))
	}
	if spec.GroupName == "" {
		return nil, errors.New("'GroupName' field must not be blank")
	}
	seen := map[instance.VirtualID]bool{}
	for _, id := range ids {
		if id == "" {
			return nil, errors.New("virtual ids must not be blank")
		}
		if seen[id] {
			return nil, errors.Errorf("duplicate virtual id %s", id)
		}
		seen[id] = true
	}

	if len(spec.Properties) == 0 {
		return nil, errors.New("Properties must be set")
	}
	request := CreateInstancesRequest{}
	if err := json.Unmarshal(spec.Properties, &request); err != nil {
		return nil, errors.Errorf("Invalid input formatting: %s", err)
	}

	_, userTags := mergeTags(request.Tags, spec.Tags)

	return a.newSession(spec.GroupName, request, userTags, ids, minCount).run(ctx)
}

// Deallocate cancels any outstanding spot requests and terminates any
// instances tagged with the given virtual ids.  Both compensations are
// attempted regardless of each other's outcome and failures are aggregated.
func (a *allocator) Deallocate(ctx context.Context, ids []instance.VirtualID) error {
	if len(ids) == 0 {
		return nil
	}
	errs := []error{}
	terminate := []string{}

	out, err := a.client.DescribeSpotInstanceRequests(&ec2.DescribeSpotInstanceRequestsInput{
		Filters: a.matchFilters("", ids, false),
	})
	if err != nil {
		errs = append(errs, errors.Wrap(err, "describing spot requests"))
	} else {
		cancel := []string{}
		for _, r := range out.SpotInstanceRequests {
			switch aws.StringValue(r.State) {
			case ec2.SpotInstanceStateOpen, ec2.SpotInstanceStateActive:
				cancel = append(cancel, aws.StringValue(r.SpotInstanceRequestId))
			}
			if r.InstanceId != nil {
				terminate = append(terminate, aws.StringValue(r.InstanceId))
			}
		}
		if len(cancel) > 0 {
			_, err := a.client.CancelSpotInstanceRequests(&ec2.CancelSpotInstanceRequestsInput{
				SpotInstanceRequestIds: aws.StringSlice(cancel),
			})
			if err != nil {
				errs = append(errs, errors.Wrap(err, "cancelling spot requests"))
			}
		}
	}

	descriptions, err := a.describeTagged("", ids)
	if err != nil {
		errs = append(errs, errors.Wrap(err, "describing instances"))
	} else {
		for _, d := range descriptions {
			terminate = append(terminate, string(d.ID))
		}
	}

	if targets := dedupe(terminate); len(targets) > 0 {
		_, err := a.client.TerminateInstances(&ec2.TerminateInstancesInput{
			InstanceIds: aws.StringSlice(targets),
		})
		if err != nil {
			errs = append(errs, errors.Wrap(err, "terminating instances"))
		}
	}

	return provider.Join(errs)
}

// DescribeAllocated returns the instances currently tagged with the given
// virtual ids.
func (a *allocator) DescribeAllocated(ctx context.Context, ids []instance.VirtualID) ([]instance.Description, error) {
	return a.describeTagged("", ids)
}

// matchFilters builds the tag filters used to find objects owned by these
// virtual ids.  The group name, when known, and every namespace tag are
// required as well, so objects belonging to a different logical operation are
// never matched.  When requestState is set the provider-side state filter
// restricts results to live objects.
func (a *allocator) matchFilters(group string, ids []instance.VirtualID, requestState bool) []*ec2.Filter {
	values := make([]*string, len(ids))
	for i, id := range ids {
		values[i] = aws.String(string(id))
	}
	filters := []*ec2.Filter{
		{
			Name:   aws.String(fmt.Sprintf("tag:%s", a.options.VirtualIDTagKey)),
			Values: values,
		},
	}
	if group != "" {
		filters = append(filters, &ec2.Filter{
			Name:   aws.String(fmt.Sprintf("tag:%s", a.options.GroupTagKey)),
			Values: []*string{aws.String(group)},
		})
	}
	keys, allTags := mergeTags(a.namespaceTags)
	for _, key := range keys {
		filters = append(filters, &ec2.Filter{
			Name:   aws.String(fmt.Sprintf("tag:%s", key)),
			Values: []*string{aws.String(allTags[key])},
		})
	}
	if requestState {
		filters = append(filters, &ec2.Filter{
			Name: aws.String("state"),
			Values: []*string{
				aws.String(ec2.SpotInstanceStateOpen),
				aws.String(ec2.SpotInstanceStateActive),
			},
		})
	}
	return filters
}

// describeTagged pages through the instances carrying the given virtual ids
// in pending or running state.
func (a *allocator) describeTagged(group string, ids []instance.VirtualID) ([]instance.Description, error) {
	filters := append(a.matchFilters(group, ids, false), &ec2.Filter{
		Name: aws.String("instance-state-name"),
		Values: []*string{
			aws.String(ec2.InstanceStateNamePending),
			aws.String(ec2.InstanceStateNameRunning),
		},
	})

	descriptions := []instance.Description{}
	var nextToken *string
	for {
		result, err := a.client.DescribeInstances(&ec2.DescribeInstancesInput{
			Filters:   filters,
			NextToken: nextToken,
		})
		if err != nil {
			return nil, err
		}
		for _, reservation := range result.Reservations {
			for _, ec2Instance := range reservation.Instances {
				tags := map[string]string{}
				for _, tag := range ec2Instance.Tags {
					if tag.Key != nil && tag.Value != nil {
						tags[*tag.Key] = *tag.Value
					}
				}
				descriptions = append(descriptions, instance.Description{
					ID:               instance.ID(aws.StringValue(ec2Instance.InstanceId)),
					VirtualID:        instance.VirtualID(tags[a.options.VirtualIDTagKey]),
					PrivateIPAddress: aws.StringValue(ec2Instance.PrivateIpAddress),
					Tags:             tags,
				})
			}
		}
		nextToken = result.NextToken
		if nextToken == nil {
			return descriptions, nil
		}
	}
}

// ownedVirtualID extracts the virtual id from an object's tags, requiring the
// group tag to match as well.
func (a *allocator) ownedVirtualID(tags []*ec2.Tag, group string) (instance.VirtualID, bool) {
	var vid instance.VirtualID
	groupOK := false
	for _, tag := range tags {
		if tag.Key == nil || tag.Value == nil {
			continue
		}
		switch *tag.Key {
		case a.options.VirtualIDTagKey:
			vid = instance.VirtualID(*tag.Value)
		case a.options.GroupTagKey:
			groupOK = *tag.Value == group
		}
	}
	if vid == "" || !groupOK {
		return "", false
	}
	return vid, true
}

func dedupe(ids []string) []string {
	seen := map[string]bool{}
	out := []string{}
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
