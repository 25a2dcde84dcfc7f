package lifecycle

import (
	"context"
	"time"

	"github.com/samber/lo"
	"github.com/sourcegraph/conc/iter"
	"go.uber.org/zap"

	"github.com/warp/billing-engine/generic"
	"github.com/warp/billing-engine/metrics"
)

// BulkResult reports a best-effort bulk operation item by item.
type BulkResult struct {
	Succeeded []generic.EntryID
	Failed    []generic.ItemFailure
}

func (r BulkResult) Success() bool { return len(r.Failed) == 0 }

// BulkSetStatus sets the stored status of every listed entry. Entries are
// written independently: a failure on one id does not roll back the others.
// Voided entries are reported as failures. Cancelling goes through Void,
// which requires a reason, so StatusCancelled is rejected here.
func (m *Manager) BulkSetStatus(ctx context.Context, ids []generic.EntryID, status generic.StoredStatus, actor generic.Actor) (BulkResult, error) {
	defer metrics.Track("bulk_status")()

	if !status.Valid() {
		return BulkResult{}, generic.NewValidationError("status", "unknown status "+string(status))
	}
	if status == generic.StatusCancelled {
		return BulkResult{}, generic.NewValidationErrorWithHint("status", "entries cannot be cancelled in bulk",
			"Einträge einzeln mit Stornogrund stornieren.")
	}
	ids = lo.Uniq(lo.Compact(ids))
	if len(ids) == 0 {
		return BulkResult{}, generic.NewValidationError("entry_ids", "at least one entry id is required")
	}

	mapper := iter.Mapper[generic.EntryID, error]{MaxGoroutines: max(1, m.BulkConcurrency)}
	errs := mapper.Map(ids, func(id *generic.EntryID) error {
		_, err := m.mutate(ctx, "bulk_status", *id, func(e *generic.BillingEntry, now time.Time) error {
			e.StoredStatus = status
			e.Audit = append(e.Audit, generic.NewAudit(generic.AuditEdit, "status "+string(status), e.Amount, actor, now))
			return nil
		})
		return err
	})

	var res BulkResult
	for i, id := range ids {
		if errs[i] != nil {
			res.Failed = append(res.Failed, generic.ItemFailure{EntryID: id, Error: errs[i].Error()})
			continue
		}
		res.Succeeded = append(res.Succeeded, id)
	}

	metrics.ObserveBulk("bulk_status", len(res.Succeeded), len(res.Failed))
	m.log.Info("bulk status update",
		zap.String("status", string(status)),
		zap.Int("succeeded", len(res.Succeeded)),
		zap.Int("failed", len(res.Failed)))
	return res, nil
}
