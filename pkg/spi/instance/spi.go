package instance

import (
	"context"
	"encoding/json"
)

// VirtualID is a caller-assigned, stable identifier for one logical instance.
// It is the only identifier a caller references across process restarts; the
// provider-assigned ID is not known until provisioning completes.
type VirtualID string

// ID is a provider-assigned instance identifier.
type ID string

// GroupHandle identifies one managed group of instances as a single opaque
// provider object.
type GroupHandle string

// Spec describes what an allocated instance should look like.  Properties is
// an opaque, provider-specific launch description; the allocator decodes it.
type Spec struct {
	// Properties is the opaque configuration for the provider.
	Properties json.RawMessage

	// Tags are user-defined key/value pairs attached to every object the
	// allocator creates, in addition to the identifying tags it writes itself.
	Tags map[string]string

	// GroupName names the logical pool the instances belong to.  It is written
	// as a tag and double-checked during reconciliation so that concurrent
	// allocations for different pools never claim each other's objects.
	GroupName string
}

// GroupSpec describes one managed group standing in for many instances.
type GroupSpec struct {
	// Name of the group object at the provider.
	Name string

	// TemplateName names the launch template object created before the group.
	// Creation of the template is idempotent by this name.
	TemplateName string

	// Size is the desired number of instances in the group.
	Size int

	// MinSize is the smallest group size that constitutes success.
	MinSize int

	// Properties is the opaque provider-specific template configuration.
	Properties json.RawMessage

	// Tags are user-defined key/value pairs attached to the group.
	Tags map[string]string
}

// Description describes one allocated instance.
type Description struct {
	ID               ID
	VirtualID        VirtualID
	PrivateIPAddress string
	Tags             map[string]string
}

// Allocator provisions and tears down pools of instances identified by
// virtual ids.  Allocate and Deallocate are long-running, blocking calls,
// bounded by the allocator's configured request expiration; cancelling the
// context aborts the call and rolls back work in flight.  Both are idempotent
// with respect to repeated invocation for the same id set.
type Allocator interface {
	// Allocate provisions one instance per virtual id and returns the
	// descriptions of the instances that became network-ready.  It succeeds
	// when at least minCount instances are ready; anything it provisioned
	// beyond what it returns has been rolled back.
	Allocate(ctx context.Context, spec Spec, ids []VirtualID, minCount int) ([]Description, error)

	// Deallocate cancels any outstanding create requests and terminates any
	// instances tagged with the given virtual ids.
	Deallocate(ctx context.Context, ids []VirtualID) error

	// DescribeAllocated returns descriptions of the instances currently
	// tagged with the given virtual ids.
	DescribeAllocated(ctx context.Context, ids []VirtualID) ([]Description, error)
}

// GroupAllocator applies the same allocate/reconcile/rollback discipline to a
// single managed group object instead of individually-tracked instances.
type GroupAllocator interface {
	// AllocateGroup creates the launch template and then the group
	// referencing it.  A failure creating the group rolls the template back.
	AllocateGroup(ctx context.Context, spec GroupSpec) (GroupHandle, error)

	// ResizeGroup changes the desired size of an existing group.
	ResizeGroup(ctx context.Context, handle GroupHandle, size int) error

	// DeallocateGroup deletes the group and its launch template.  Both
	// deletions are attempted even if one fails; failures are aggregated.
	DeallocateGroup(ctx context.Context, handle GroupHandle, templateName string) error
}
