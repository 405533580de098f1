package group

import (
	"context"
	"encoding/json"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/autoscaling"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	logutil "github.com/docker/poolkit/pkg/log"
	provider "github.com/docker/poolkit/pkg/provider/aws"
	"github.com/docker/poolkit/pkg/spi/instance"
)

var log = logutil.New("provider/aws/group")

// API is the subset of the Auto Scaling API the group allocator calls.  It is
// satisfied by *autoscaling.AutoScaling and by autoscalingiface.AutoScalingAPI.
type API interface {
	CreateLaunchConfiguration(*autoscaling.CreateLaunchConfigurationInput) (*autoscaling.CreateLaunchConfigurationOutput, error)
	DeleteLaunchConfiguration(*autoscaling.DeleteLaunchConfigurationInput) (*autoscaling.DeleteLaunchConfigurationOutput, error)
	CreateAutoScalingGroup(*autoscaling.CreateAutoScalingGroupInput) (*autoscaling.CreateAutoScalingGroupOutput, error)
	UpdateAutoScalingGroup(*autoscaling.UpdateAutoScalingGroupInput) (*autoscaling.UpdateAutoScalingGroupOutput, error)
	DeleteAutoScalingGroup(*autoscaling.DeleteAutoScalingGroupInput) (*autoscaling.DeleteAutoScalingGroupOutput, error)
	DescribeAutoScalingGroups(*autoscaling.DescribeAutoScalingGroupsInput) (*autoscaling.DescribeAutoScalingGroupsOutput, error)
}

// CreateGroupRequest is the concrete configuration decoded from
// GroupSpec.Properties.
type CreateGroupRequest struct {
	CreateLaunchConfigurationInput autoscaling.CreateLaunchConfigurationInput
	CreateAutoScalingGroupInput    autoscaling.CreateAutoScalingGroupInput
}

type groupAllocator struct {
	client        API
	namespaceTags map[string]string
}

// NewGroupAllocator returns a GroupAllocator backed by one Auto Scaling group
// per allocation instead of individually tracked requests.
func NewGroupAllocator(client API, namespaceTags map[string]string) instance.GroupAllocator {
	return &groupAllocator{client: client, namespaceTags: namespaceTags}
}

// AllocateGroup creates the launch configuration - idempotent by name - and
// then the group referencing it.  A failure creating the group rolls the
// launch configuration back, with the rollback failure, if any, carried
// alongside the primary one.
func (g *groupAllocator) AllocateGroup(ctx context.Context, spec instance.GroupSpec) (instance.GroupHandle, error) {
	if spec.Name == "" || spec.TemplateName == "" {
		return "", errors.New("'Name' and 'TemplateName' fields must not be blank")
	}
	request := CreateGroupRequest{}
	if len(spec.Properties) > 0 {
		if err := json.Unmarshal(spec.Properties, &request); err != nil {
			return "", errors.Errorf("Invalid input formatting: %s", err)
		}
	}

	entry := log.WithFields(logrus.Fields{"group": spec.Name, "template": spec.TemplateName})

	lc := request.CreateLaunchConfigurationInput
	lc.LaunchConfigurationName = aws.String(spec.TemplateName)
	if _, err := g.client.CreateLaunchConfiguration(&lc); err != nil {
		if !isAlreadyExists(err) {
			return "", errors.Wrap(err, "creating launch configuration")
		}
		entry.Debug("Launch configuration already exists, reusing it")
	}

	asg := request.CreateAutoScalingGroupInput
	asg.AutoScalingGroupName = aws.String(spec.Name)
	asg.LaunchConfigurationName = aws.String(spec.TemplateName)
	asg.MinSize = aws.Int64(int64(spec.MinSize))
	asg.MaxSize = aws.Int64(int64(spec.Size))
	asg.DesiredCapacity = aws.Int64(int64(spec.Size))
	asg.Tags = g.groupTags(spec)

	if _, err := g.client.CreateAutoScalingGroup(&asg); err != nil {
		if isAlreadyExists(err) {
			entry.Debug("Group already exists, reusing it")
			return instance.GroupHandle(spec.Name), nil
		}
		primary := errors.Wrap(err, "creating group")
		entry.WithError(primary).Warn("Rolling back launch configuration")
		if _, cleanupErr := g.client.DeleteLaunchConfiguration(&autoscaling.DeleteLaunchConfigurationInput{
			LaunchConfigurationName: aws.String(spec.TemplateName),
		}); cleanupErr != nil && !isMissing(cleanupErr) {
			return "", &provider.CleanupError{Primary: primary, Cleanup: []error{cleanupErr}}
		}
		return "", primary
	}

	entry.WithField("size", spec.Size).Info("Created group")
	return instance.GroupHandle(spec.Name), nil
}

// ResizeGroup changes the desired size of an existing group.
func (g *groupAllocator) ResizeGroup(ctx context.Context, handle instance.GroupHandle, size int) error {
	_, err := g.client.UpdateAutoScalingGroup(&autoscaling.UpdateAutoScalingGroupInput{
		AutoScalingGroupName: aws.String(string(handle)),
		DesiredCapacity:      aws.Int64(int64(size)),
	})
	return errors.Wrap(err, "resizing group")
}

// DeallocateGroup deletes the group and then its launch configuration.  Both
// deletions are attempted even when one fails: a failure tearing down the
// group must not suppress a failure tearing down the template, or the other
// way around.  Deleting objects that are already gone is a success.
func (g *groupAllocator) DeallocateGroup(ctx context.Context, handle instance.GroupHandle, templateName string) error {
	errs := []error{}

	if _, err := g.client.DeleteAutoScalingGroup(&autoscaling.DeleteAutoScalingGroupInput{
		AutoScalingGroupName: aws.String(string(handle)),
		ForceDelete:          aws.Bool(true),
	}); err != nil && !isMissing(err) {
		errs = append(errs, errors.Wrap(err, "deleting group"))
	}

	if templateName != "" {
		if _, err := g.client.DeleteLaunchConfiguration(&autoscaling.DeleteLaunchConfigurationInput{
			LaunchConfigurationName: aws.String(templateName),
		}); err != nil && !isMissing(err) {
			errs = append(errs, errors.Wrap(err, "deleting launch configuration"))
		}
	}

	return provider.Join(errs)
}

func (g *groupAllocator) groupTags(spec instance.GroupSpec) []*autoscaling.Tag {
	all := map[string]string{}
	for k, v := range spec.Tags {
		all[k] = v
	}
	for k, v := range g.namespaceTags {
		all[k] = v
	}

	keys := []string{}
	for k := range all {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	tags := []*autoscaling.Tag{}
	for _, k := range keys {
		tags = append(tags, &autoscaling.Tag{
			Key:               aws.String(k),
			Value:             aws.String(all[k]),
			PropagateAtLaunch: aws.Bool(true),
		})
	}
	return tags
}

func isAlreadyExists(err error) bool {
	aerr, ok := errors.Cause(err).(awserr.Error)
	return ok && aerr.Code() == autoscaling.ErrCodeAlreadyExistsFault
}

// isMissing reports whether a delete failed only because the object is
// already gone.  The Auto Scaling API reports this as a ValidationError.
func isMissing(err error) bool {
	aerr, ok := errors.Cause(err).(awserr.Error)
	if !ok {
		return false
	}
	return aerr.Code() == "ValidationError" && strings.Contains(strings.ToLower(aerr.Message()), "not found")
}
