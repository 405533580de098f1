package instance

import (
	"time"
)

const (
	// VirtualIDTag is the default tag key that carries the caller-assigned
	// virtual instance id.
	VirtualIDTag = "poolkit.virtual_id"

	// GroupTag is the default tag key that carries the pool name.
	GroupTag = "poolkit.group"
)

// Options carry the deadlines and tag keys the allocator operates with.  The
// zero value of a duration selects its documented default; loops never embed
// their own constants.
type Options struct {
	// RequestExpiration bounds the whole allocation: spot requests are
	// submitted with this as their ValidUntil, and every wait loop in the
	// session ends when it elapses.  Default 10 minutes.
	RequestExpiration time.Duration

	// SoftRejectGrace bounds how long a request that the provider reports as
	// priced below the market keeps being polled.  Such a request is still
	// "open" but unlikely to ever fulfill.  Default 0: abandon on first
	// observation.
	SoftRejectGrace time.Duration

	// PollInterval is the sleep between remote calls in every wait loop.
	// Default 5 seconds.
	PollInterval time.Duration

	// CancelSettle is how long to wait after cancelling requests before
	// re-checking them for instances that raced into existence.  Default
	// 15 seconds.
	CancelSettle time.Duration

	// VirtualIDTagKey and GroupTagKey override the tag keys the allocator
	// writes and matches on.  Defaults are VirtualIDTag and GroupTag.
	VirtualIDTagKey string
	GroupTagKey     string
}

func (o Options) withDefaults() Options {
	if o.RequestExpiration == 0 {
		o.RequestExpiration = 10 * time.Minute
	}
	if o.PollInterval == 0 {
		o.PollInterval = 5 * time.Second
	}
	if o.CancelSettle == 0 {
		o.CancelSettle = 15 * time.Second
	}
	if o.VirtualIDTagKey == "" {
		o.VirtualIDTagKey = VirtualIDTag
	}
	if o.GroupTagKey == "" {
		o.GroupTagKey = GroupTag
	}
	return o
}
