// Package webhook は同期結果のイベントをプロジェクトの購読先へ配信する。
// イベントはアウトボックス（webhook_deliveries）に積み、Dispatcherが非同期に送信する。
package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/syncman/internal/model"
	"github.com/hitoshi/syncman/internal/repository"
)

// Notifier はイベントを購読先ごとの配信としてアウトボックスに積む。
type Notifier struct {
	endpoints  repository.WebhookEndpointRepository
	deliveries repository.WebhookDeliveryRepository
	now        func() time.Time
}

// NewNotifier はNotifierを生成する。
func NewNotifier(endpoints repository.WebhookEndpointRepository, deliveries repository.WebhookDeliveryRepository) *Notifier {
	return &Notifier{endpoints: endpoints, deliveries: deliveries, now: time.Now}
}

// Notify はイベントを購読している有効な購読先ごとに配信を1件積む。
// 購読先がない場合は何もしない。
func (n *Notifier) Notify(ctx context.Context, event *model.WebhookEvent) error {
	endpoints, err := n.endpoints.ListActiveByProject(ctx, event.ProjectID)
	if err != nil {
		return fmt.Errorf("Webhook購読先の取得に失敗しました: %w", err)
	}

	var targets []*model.WebhookEndpoint
	for _, e := range endpoints {
		if e.Accepts(event.Event) {
			targets = append(targets, e)
		}
	}
	if len(targets) == 0 {
		return nil
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("Webhookペイロードのエンコードに失敗しました: %w", err)
	}

	now := n.now().UTC()
	deliveries := make([]*model.WebhookDelivery, 0, len(targets))
	for _, e := range targets {
		deliveries = append(deliveries, &model.WebhookDelivery{
			ID:          uuid.New().String(),
			EndpointID:  e.ID,
			Event:       event.Event,
			Payload:     payload,
			Status:      model.DeliveryPending,
			NextRetryAt: now,
			CreatedAt:   now,
		})
	}
	return n.deliveries.Enqueue(ctx, deliveries)
}
