package instance

import (
	"context"
	"sort"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/ec2"
	"github.com/pkg/errors"

	provider "github.com/docker/poolkit/pkg/provider/aws"
	"github.com/docker/poolkit/pkg/spi/instance"
)

// errTagDeadline means the session deadline elapsed before the tags were
// written.  The object stays untagged - a bounded inconsistency: it will not
// be reconciled by a later session, and cleanup at the end of this one
// accounts for it.
var errTagDeadline = errors.New("deadline elapsed before tags were written")

// tagRequests writes the identifying tags onto the requests submitted this
// session.  Requests adopted by reconciliation were found by tag and already
// carry them.
func (s *session) tagRequests(ctx context.Context) error {
	for _, rec := range s.records.all() {
		if rec.requestID == "" || rec.requestTagged {
			continue
		}
		err := s.tagObject(ctx, rec.requestID, rec.virtualID, s.requestVisible)
		switch {
		case err == nil:
			rec.markRequestTagged()
		case err == errTagDeadline:
			s.log.WithField("requestID", rec.requestID).Warn("Spot request left untagged past the deadline")
		default:
			return err
		}
	}
	return nil
}

// tagInstances writes the identifying tags onto resolved instances that do
// not carry them yet.
func (s *session) tagInstances(ctx context.Context) error {
	for _, rec := range s.records.all() {
		if rec.instanceID == "" || rec.tagged || rec.gone {
			continue
		}
		err := s.tagObject(ctx, rec.instanceID, rec.virtualID, s.instanceVisible)
		switch {
		case err == nil:
			rec.markTagged()
		case err == errTagDeadline:
			s.log.WithField("instanceID", rec.instanceID).Warn("Instance left untagged past the deadline")
		default:
			return err
		}
	}
	return nil
}

// tagObject attaches the virtual id, group name and user tags to one remote
// object.  Providers exhibit a visibility lag between acknowledging creation
// and the object becoming queryable, so the existence probe and the tag write
// itself are both retried until the session deadline.
func (s *session) tagObject(ctx context.Context, id string, vid instance.VirtualID, visible func(string) (bool, error)) error {
	keys, allTags := mergeTags(s.userTags, s.identityTags(vid), s.alloc.namespaceTags)
	ec2Tags := []*ec2.Tag{}
	for _, k := range keys {
		key := k
		ec2Tags = append(ec2Tags, &ec2.Tag{Key: aws.String(key), Value: aws.String(allTags[key])})
	}

	for {
		ok, err := visible(id)
		if err != nil && provider.Classify(err) != provider.Transient {
			return errors.Wrapf(err, "checking for %s", id)
		}
		if ok {
			break
		}
		if s.expired() {
			return errTagDeadline
		}
		if err := s.sleep(ctx); err != nil {
			return err
		}
	}

	for {
		_, err := s.alloc.client.CreateTags(&ec2.CreateTagsInput{
			Resources: []*string{aws.String(id)},
			Tags:      ec2Tags,
		})
		if err == nil {
			return nil
		}
		// A NotFound here is a second visibility race, distinct from the
		// existence probe above: retry the write itself.
		if provider.Classify(err) != provider.Transient {
			return errors.Wrapf(err, "tagging %s", id)
		}
		if s.expired() {
			return errTagDeadline
		}
		if err := s.sleep(ctx); err != nil {
			return err
		}
	}
}

func (s *session) requestVisible(id string) (bool, error) {
	out, err := s.alloc.client.DescribeSpotInstanceRequests(&ec2.DescribeSpotInstanceRequestsInput{
		SpotInstanceRequestIds: []*string{aws.String(id)},
	})
	if err != nil {
		if provider.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return len(out.SpotInstanceRequests) > 0, nil
}

func (s *session) instanceVisible(id string) (bool, error) {
	out, err := s.alloc.client.DescribeInstances(&ec2.DescribeInstancesInput{
		InstanceIds: []*string{aws.String(id)},
	})
	if err != nil {
		if provider.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	for _, reservation := range out.Reservations {
		if len(reservation.Instances) > 0 {
			return true, nil
		}
	}
	return false, nil
}

// mergeTags merges multiple maps of tags, implementing 'last write wins' for
// colliding keys.
//
// Returns a sorted slice of all keys, and the map of merged tags.  Sorted
// keys are particularly useful to assist in preparing predictable output such
// as for tests.
func mergeTags(tagMaps ...map[string]string) ([]string, map[string]string) {
	keys := []string{}
	tags := map[string]string{}

	for _, tagMap := range tagMaps {
		for k, v := range tagMap {
			if _, exists := tags[k]; !exists {
				keys = append(keys, k)
			}
			tags[k] = v
		}
	}

	sort.Strings(keys)
	return keys, tags
}
