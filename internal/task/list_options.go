package task

import (
	"strings"
)

// SortOrder defines how results should be ordered when listing tasks.
type SortOrder int

const (
	// SortByCreatedDesc orders tasks by CreatedAt descending (newest first).
	SortByCreatedDesc SortOrder = iota
	// SortByNextExecutionAsc orders tasks by NextExecutionTime ascending (soonest first).
	SortByNextExecutionAsc
	// SortByUpdatedDesc orders tasks by UpdatedAt descending.
	SortByUpdatedDesc
)

// ListOptions controls how tasks are selected when querying the store.
type ListOptions struct {
	Limit     int
	Offset    int
	Owner     string
	AgentID   string
	Active    *bool
	Recurring *bool
	Statuses  []ExecutionStatus
	Tag       string
	Order     SortOrder
	Query     string
}

// applyDefaults sanitizes the options and fills in default values.
func (opts *ListOptions) applyDefaults() {
	if opts.Limit <= 0 {
		opts.Limit = 20
	}
	if opts.Limit > 100 {
		opts.Limit = 100
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}
	if opts.Statuses != nil {
		opts.Statuses = normalizeStatuses(opts.Statuses)
	}
	switch opts.Order {
	case SortByNextExecutionAsc, SortByUpdatedDesc:
	default:
		opts.Order = SortByCreatedDesc
	}
	opts.Owner = strings.TrimSpace(opts.Owner)
	opts.AgentID = strings.TrimSpace(opts.AgentID)
	opts.Tag = strings.TrimSpace(opts.Tag)
	opts.Query = strings.TrimSpace(opts.Query)
}

// ListOption mutates ListOptions.
type ListOption func(*ListOptions)

// WithLimit limits the number of tasks returned.
func WithLimit(limit int) ListOption {
	return func(opts *ListOptions) {
		opts.Limit = limit
	}
}

// WithOffset skips the first n matching tasks before returning results.
func WithOffset(offset int) ListOption {
	return func(opts *ListOptions) {
		opts.Offset = offset
	}
}

// WithOwner restricts results to tasks owned by the given account.
func WithOwner(owner string) ListOption {
	return func(opts *ListOptions) {
		opts.Owner = owner
	}
}

// WithAgent restricts results to tasks bound to the given agent.
func WithAgent(agentID string) ListOption {
	return func(opts *ListOptions) {
		opts.AgentID = agentID
	}
}

// WithActive filters tasks by their active flag.
func WithActive(active bool) ListOption {
	return func(opts *ListOptions) {
		opts.Active = &active
	}
}

// WithRecurring filters recurring (true) or one-shot (false) tasks.
func WithRecurring(recurring bool) ListOption {
	return func(opts *ListOptions) {
		opts.Recurring = &recurring
	}
}

// WithStatuses filters tasks by their last execution status.
func WithStatuses(statuses ...ExecutionStatus) ListOption {
	return func(opts *ListOptions) {
		opts.Statuses = append(opts.Statuses[:0], statuses...)
	}
}

// WithTag keeps tasks carrying the given tag.
func WithTag(tag string) ListOption {
	return func(opts *ListOptions) {
		opts.Tag = tag
	}
}

// WithSortOrder changes the returned order of tasks.
func WithSortOrder(order SortOrder) ListOption {
	return func(opts *ListOptions) {
		opts.Order = order
	}
}

// WithQuery filters tasks by fuzzy matching across id, name, description and result.
func WithQuery(query string) ListOption {
	return func(opts *ListOptions) {
		opts.Query = query
	}
}

// buildListOptions applies option functions on top of defaults.
func buildListOptions(opts []ListOption) ListOptions {
	options := ListOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	options.applyDefaults()
	return options
}

func normalizeStatuses(input []ExecutionStatus) []ExecutionStatus {
	if len(input) == 0 {
		return nil
	}
	seen := make(map[ExecutionStatus]struct{}, len(input))
	result := make([]ExecutionStatus, 0, len(input))
	for _, status := range input {
		if !IsValidStatus(status) {
			continue
		}
		if _, ok := seen[status]; ok {
			continue
		}
		seen[status] = struct{}{}
		result = append(result, status)
	}
	if len(result) == 0 {
		return nil
	}
	return result
}
