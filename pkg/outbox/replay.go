package outbox

import (
	"context"
	"fmt"
)

// ReplayStore 是重放需要的 outbox 操作
type ReplayStore interface {
	Store
	GetEventByID(ctx context.Context, eventID int64) (*Event, error)
	GetFailedEvents(ctx context.Context, limit int) ([]*Event, error)
}

// ReplayService 手动重放 outbox 事件
type ReplayService struct {
	store      ReplayStore
	publisher  Publisher
	maxRetries int
}

// NewReplayService 创建新的 ReplayService
func NewReplayService(store ReplayStore, publisher Publisher) *ReplayService {
	return &ReplayService{
		store:      store,
		publisher:  publisher,
		maxRetries: 5,
	}
}

// ReplayEvent 立即重新发布指定事件
func (s *ReplayService) ReplayEvent(ctx context.Context, eventID int64) error {
	event, err := s.store.GetEventByID(ctx, eventID)
	if err != nil {
		return err
	}

	ctx = contextFromPayload(ctx, event.Payload)
	if err := s.publisher.PublishWithContext(ctx, event.RoutingKey, event.Payload); err != nil {
		if markErr := s.store.MarkAsFailed(ctx, eventID, s.maxRetries); markErr != nil {
			return fmt.Errorf("failed to publish and mark as failed: %w (mark error: %v)", err, markErr)
		}
		return fmt.Errorf("failed to publish: %w", err)
	}

	if err := s.store.MarkAsSent(ctx, eventID); err != nil {
		return fmt.Errorf("failed to mark as sent: %w", err)
	}
	return nil
}

// ReplayFailedEvents 重放所有 failed 事件，返回成功数量；单个失败不中断
func (s *ReplayService) ReplayFailedEvents(ctx context.Context, limit int) (int, error) {
	events, err := s.store.GetFailedEvents(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to get failed events: %w", err)
	}

	successCount := 0
	for _, event := range events {
		if err := s.ReplayEvent(ctx, event.ID); err != nil {
			continue
		}
		successCount++
	}
	return successCount, nil
}
