package reconcile

import (
	"context"

	"github.com/samber/lo"

	"github.com/warp/billing-engine/generic"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 500
)

type QueryRequest struct {
	Filter   generic.EntryFilter
	Page     int // 1-based
	PageSize int
}

type QueryResult struct {
	Items      []EntryView
	Total      int
	Page       int
	PageSize   int
	TotalPages int
	Statistics Statistics // over the whole filtered set, not just the page
}

// Query serves filtered, sorted and paged entry views.
type Query struct {
	store generic.EntryStore
	clock generic.Clock
}

func NewQuery(store generic.EntryStore, clock generic.Clock) *Query {
	return &Query{store: store, clock: clock}
}

func (q *Query) Run(ctx context.Context, req QueryRequest) (*QueryResult, error) {
	if err := req.Filter.Validate(); err != nil {
		return nil, err
	}
	if req.Page < 1 {
		req.Page = 1
	}
	switch {
	case req.PageSize <= 0:
		req.PageSize = DefaultPageSize
	case req.PageSize > MaxPageSize:
		req.PageSize = MaxPageSize
	}
	if req.Filter.Sort.Field == "" {
		req.Filter.Sort.Field = generic.SortByDueDate
	}

	entries, err := q.store.ListEntries(ctx, req.Filter)
	if err != nil {
		return nil, generic.NewStorageError("list entries", req.Filter, err)
	}

	netting, err := q.netting(ctx, entries)
	if err != nil {
		return nil, err
	}

	today := generic.Today(ctx, q.clock)
	page := lo.Subset(entries, (req.Page-1)*req.PageSize, uint(req.PageSize))

	return &QueryResult{
		Items:      lo.Map(page, func(e generic.BillingEntry, _ int) EntryView { return netting.View(e, today) }),
		Total:      len(entries),
		Page:       req.Page,
		PageSize:   req.PageSize,
		TotalPages: (len(entries) + req.PageSize - 1) / req.PageSize,
		Statistics: computeStatistics(entries, netting, today),
	}, nil
}

// netting loads every entry of the members in entries, so corrections left
// out by the filter still apply to the charges they reference.
func (q *Query) netting(ctx context.Context, entries []generic.BillingEntry) (Netting, error) {
	members := lo.Uniq(lo.Map(entries, func(e generic.BillingEntry, _ int) generic.MemberID { return e.MemberID }))
	if len(members) == 0 {
		return NewNetting(nil), nil
	}
	all, err := q.store.ListEntries(ctx, generic.EntryFilter{
		MemberIDs: members,
		Sort:      generic.Sort{Field: generic.SortByDueDate},
	})
	if err != nil {
		return Netting{}, generic.NewStorageError("list member entries", members, err)
	}
	return NewNetting(all), nil
}
