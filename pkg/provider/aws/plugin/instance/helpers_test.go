package instance

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/ec2"
)

// fakeEC2 is a small in-memory EC2: spot requests and instances live in maps,
// and tests drive fulfillment through the beforeDescribeRequests hook.
type fakeEC2 struct {
	requests  map[string]*ec2.SpotInstanceRequest
	instances map[string]*ec2.Instance
	seq       int

	requestSpotErr error
	createTagsErr  error
	cancelErr      error
	terminateErr   error

	// beforeDescribeRequests runs at the top of every
	// DescribeSpotInstanceRequests call, letting a test advance the world.
	beforeDescribeRequests func(*fakeEC2)

	// onCancel runs when CancelSpotInstanceRequests is called, before any
	// error injection, to simulate fulfillment racing the cancellation.
	onCancel func(*fakeEC2)

	runCalls       int
	cancelCalls    int
	terminateCalls int
	lastRunInput   *ec2.RequestSpotInstancesInput
	cancelled      []string
	terminated     []string
}

func newFakeEC2() *fakeEC2 {
	return &fakeEC2{
		requests:  map[string]*ec2.SpotInstanceRequest{},
		instances: map[string]*ec2.Instance{},
	}
}

func (f *fakeEC2) RequestSpotInstances(in *ec2.RequestSpotInstancesInput) (*ec2.RequestSpotInstancesOutput, error) {
	f.runCalls++
	f.lastRunInput = in
	if f.requestSpotErr != nil {
		return nil, f.requestSpotErr
	}
	out := &ec2.RequestSpotInstancesOutput{}
	for i := int64(0); i < aws.Int64Value(in.InstanceCount); i++ {
		f.seq++
		id := fmt.Sprintf("sir-%04d", f.seq)
		r := &ec2.SpotInstanceRequest{
			SpotInstanceRequestId: aws.String(id),
			State:                 aws.String(ec2.SpotInstanceStateOpen),
			Status:                &ec2.SpotInstanceStatus{Code: aws.String("pending-evaluation")},
			ValidUntil:            in.ValidUntil,
		}
		f.requests[id] = r
		out.SpotInstanceRequests = append(out.SpotInstanceRequests, r)
	}
	return out, nil
}

func (f *fakeEC2) DescribeSpotInstanceRequests(in *ec2.DescribeSpotInstanceRequestsInput) (*ec2.DescribeSpotInstanceRequestsOutput, error) {
	if f.beforeDescribeRequests != nil {
		f.beforeDescribeRequests(f)
	}
	out := &ec2.DescribeSpotInstanceRequestsOutput{}
	if len(in.SpotInstanceRequestIds) > 0 {
		for _, id := range aws.StringValueSlice(in.SpotInstanceRequestIds) {
			if r, ok := f.requests[id]; ok {
				out.SpotInstanceRequests = append(out.SpotInstanceRequests, r)
			}
		}
		if len(out.SpotInstanceRequests) == 0 {
			return nil, awserr.New("InvalidSpotInstanceRequestID.NotFound", "request does not exist", nil)
		}
		return out, nil
	}
	for _, id := range f.requestIDs() {
		r := f.requests[id]
		if matchFilters(in.Filters, tagMap(r.Tags), aws.StringValue(r.State), "state") {
			out.SpotInstanceRequests = append(out.SpotInstanceRequests, r)
		}
	}
	return out, nil
}

func (f *fakeEC2) CancelSpotInstanceRequests(in *ec2.CancelSpotInstanceRequestsInput) (*ec2.CancelSpotInstanceRequestsOutput, error) {
	f.cancelCalls++
	f.cancelled = append(f.cancelled, aws.StringValueSlice(in.SpotInstanceRequestIds)...)
	if f.onCancel != nil {
		f.onCancel(f)
	}
	if f.cancelErr != nil {
		return nil, f.cancelErr
	}
	for _, id := range aws.StringValueSlice(in.SpotInstanceRequestIds) {
		if r, ok := f.requests[id]; ok && aws.StringValue(r.State) == ec2.SpotInstanceStateOpen {
			r.State = aws.String(ec2.SpotInstanceStateCancelled)
			r.Status = &ec2.SpotInstanceStatus{Code: aws.String("canceled-before-fulfillment")}
		}
	}
	return &ec2.CancelSpotInstanceRequestsOutput{}, nil
}

func (f *fakeEC2) DescribeInstances(in *ec2.DescribeInstancesInput) (*ec2.DescribeInstancesOutput, error) {
	out := &ec2.DescribeInstancesOutput{}
	reservation := &ec2.Reservation{}
	if len(in.InstanceIds) > 0 {
		for _, id := range aws.StringValueSlice(in.InstanceIds) {
			if inst, ok := f.instances[id]; ok {
				reservation.Instances = append(reservation.Instances, inst)
			}
		}
		if len(reservation.Instances) == 0 {
			return nil, awserr.New("InvalidInstanceID.NotFound", "instance does not exist", nil)
		}
		out.Reservations = []*ec2.Reservation{reservation}
		return out, nil
	}
	for _, id := range f.instanceIDs() {
		inst := f.instances[id]
		state := ""
		if inst.State != nil {
			state = aws.StringValue(inst.State.Name)
		}
		if matchFilters(in.Filters, tagMap(inst.Tags), state, "instance-state-name") {
			reservation.Instances = append(reservation.Instances, inst)
		}
	}
	if len(reservation.Instances) > 0 {
		out.Reservations = []*ec2.Reservation{reservation}
	}
	return out, nil
}

func (f *fakeEC2) TerminateInstances(in *ec2.TerminateInstancesInput) (*ec2.TerminateInstancesOutput, error) {
	f.terminateCalls++
	f.terminated = append(f.terminated, aws.StringValueSlice(in.InstanceIds)...)
	if f.terminateErr != nil {
		return nil, f.terminateErr
	}
	for _, id := range aws.StringValueSlice(in.InstanceIds) {
		if inst, ok := f.instances[id]; ok {
			inst.State = &ec2.InstanceState{Name: aws.String(ec2.InstanceStateNameTerminated)}
		}
	}
	return &ec2.TerminateInstancesOutput{}, nil
}

func (f *fakeEC2) CreateTags(in *ec2.CreateTagsInput) (*ec2.CreateTagsOutput, error) {
	if f.createTagsErr != nil {
		return nil, f.createTagsErr
	}
	for _, res := range aws.StringValueSlice(in.Resources) {
		if r, ok := f.requests[res]; ok {
			r.Tags = upsertTags(r.Tags, in.Tags)
			continue
		}
		if inst, ok := f.instances[res]; ok {
			inst.Tags = upsertTags(inst.Tags, in.Tags)
			continue
		}
		return nil, awserr.New("InvalidSpotInstanceRequestID.NotFound", "resource does not exist", nil)
	}
	return &ec2.CreateTagsOutput{}, nil
}

// fulfill flips one request to active and backs it with a running instance.
func (f *fakeEC2) fulfill(requestID, ip string) string {
	r := f.requests[requestID]
	f.seq++
	id := fmt.Sprintf("i-%04d", f.seq)
	r.State = aws.String(ec2.SpotInstanceStateActive)
	r.Status = &ec2.SpotInstanceStatus{Code: aws.String("fulfilled")}
	r.InstanceId = aws.String(id)
	f.instances[id] = &ec2.Instance{
		InstanceId:       aws.String(id),
		PrivateIpAddress: aws.String(ip),
		State:            &ec2.InstanceState{Name: aws.String(ec2.InstanceStateNameRunning)},
	}
	return id
}

// seedInstance plants a running, tagged instance as if a previous invocation
// had provisioned it.
func (f *fakeEC2) seedInstance(id, ip string, tags map[string]string) {
	ec2Tags := []*ec2.Tag{}
	for k, v := range tags {
		ec2Tags = append(ec2Tags, &ec2.Tag{Key: aws.String(k), Value: aws.String(v)})
	}
	f.instances[id] = &ec2.Instance{
		InstanceId:       aws.String(id),
		PrivateIpAddress: aws.String(ip),
		State:            &ec2.InstanceState{Name: aws.String(ec2.InstanceStateNameRunning)},
		Tags:             ec2Tags,
	}
}

// seedRequest plants a spot request as if a previous invocation had
// submitted and tagged it.
func (f *fakeEC2) seedRequest(id, state string, tags map[string]string) {
	ec2Tags := []*ec2.Tag{}
	for k, v := range tags {
		ec2Tags = append(ec2Tags, &ec2.Tag{Key: aws.String(k), Value: aws.String(v)})
	}
	f.requests[id] = &ec2.SpotInstanceRequest{
		SpotInstanceRequestId: aws.String(id),
		State:                 aws.String(state),
		Status:                &ec2.SpotInstanceStatus{Code: aws.String("pending-fulfillment")},
		Tags:                  ec2Tags,
	}
}

func (f *fakeEC2) requestIDs() []string {
	ids := []string{}
	for id := range f.requests {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (f *fakeEC2) instanceIDs() []string {
	ids := []string{}
	for id := range f.instances {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// taggedOpen returns the open requests that already carry the virtual id tag,
// in id order.
func (f *fakeEC2) taggedOpen() []string {
	ids := []string{}
	for _, id := range f.requestIDs() {
		r := f.requests[id]
		if aws.StringValue(r.State) != ec2.SpotInstanceStateOpen {
			continue
		}
		if _, ok := tagMap(r.Tags)[VirtualIDTag]; ok {
			ids = append(ids, id)
		}
	}
	return ids
}

func tagMap(tags []*ec2.Tag) map[string]string {
	out := map[string]string{}
	for _, tag := range tags {
		if tag.Key != nil && tag.Value != nil {
			out[*tag.Key] = *tag.Value
		}
	}
	return out
}

func upsertTags(existing []*ec2.Tag, updates []*ec2.Tag) []*ec2.Tag {
	merged := tagMap(existing)
	for _, tag := range updates {
		merged[aws.StringValue(tag.Key)] = aws.StringValue(tag.Value)
	}
	out := []*ec2.Tag{}
	for k, v := range merged {
		out = append(out, &ec2.Tag{Key: aws.String(k), Value: aws.String(v)})
	}
	return out
}

func matchFilters(filters []*ec2.Filter, tags map[string]string, state, stateFilterName string) bool {
	for _, filter := range filters {
		name := aws.StringValue(filter.Name)
		values := aws.StringValueSlice(filter.Values)
		switch {
		case name == stateFilterName:
			if !contains(values, state) {
				return false
			}
		case strings.HasPrefix(name, "tag:"):
			if !contains(values, tags[strings.TrimPrefix(name, "tag:")]) {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func contains(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}

var testNamespace = map[string]string{"poolkit.scope": "test"}

// testAllocator returns an allocator with deadlines compressed so that poll
// loops run in milliseconds.
func testAllocator(client API) *allocator {
	return &allocator{
		client:        client,
		namespaceTags: testNamespace,
		options: Options{
			RequestExpiration: 250 * time.Millisecond,
			PollInterval:      time.Millisecond,
			CancelSettle:      time.Millisecond,
		}.withDefaults(),
		clock: clock.NewClock(),
	}
}

const testProperties = `{
  "Tags": {"cluster": "test-cluster"},
  "RequestSpotInstancesInput": {
    "SpotPrice": "0.50",
    "LaunchSpecification": {
      "ImageId": "ami-1234abcd",
      "InstanceType": "t2.micro"
    }
  }
}`
