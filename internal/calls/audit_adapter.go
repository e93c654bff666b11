package calls

import (
	"context"

	"clinic-paging/internal/audit"
)

// AuditAdapter bridges the lifecycle hook to the shared audit.Service.
type AuditAdapter struct {
	Audit *audit.Service
}

func (a AuditAdapter) LogLifecycle(ctx context.Context, e LifecycleEvent) error {
	if a.Audit == nil {
		return nil
	}
	return a.Audit.Append(ctx, audit.Event{
		Type:           audit.EventType(e.Kind),
		CallID:         e.CallID,
		AnnouncementID: e.AnnouncementID,
		SectorID:       e.SectorID,
		Attempt:        e.Attempt,
		Status:         string(e.Status),
		Message:        e.Message,
	})
}
