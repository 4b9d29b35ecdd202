package chatsync

import "github.com/masomo/campus/core/pagination"

type options struct {
	pageSize      int
	leaveOnSwitch bool
	resyncPages   int
}

func defaultOptions() options {
	return options{
		pageSize:    pagination.DefaultLimit,
		resyncPages: 5,
	}
}

// Option configures a Store.
type Option func(*options)

// WithPageSize sets how many messages are fetched per request, clamped to [1, pagination.MaxLimit].
func WithPageSize(n int) Option {
	return func(o *options) {
		switch {
		case n < 1:
			n = 1
		case n > pagination.MaxLimit:
			n = pagination.MaxLimit
		}
		o.pageSize = n
	}
}

// WithLeaveOnSwitch makes the store emit leaveConversation for the previous room when the active
// conversation changes. Off by default: rooms stay joined until the socket closes.
func WithLeaveOnSwitch(leave bool) Option {
	return func(o *options) { o.leaveOnSwitch = leave }
}

// WithResyncPages bounds the number of pages fetched to fill the gap left by a disconnection.
func WithResyncPages(n int) Option {
	return func(o *options) {
		if n < 1 {
			n = 1
		}
		o.resyncPages = n
	}
}
