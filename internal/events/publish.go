package events

import (
	"time"

	"dashboard-stream/internal/notification"
	"dashboard-stream/internal/quotes"
	"dashboard-stream/internal/stream"
)

// PublishQuoteUpdate publishes a quote after a tick was applied
func (eb *EventBus) PublishQuoteUpdate(q quotes.Quote) {
	eb.Publish(Event{
		Type: EventQuoteUpdate,
		Data: map[string]interface{}{
			"market":              q.Market,
			"symbol":              q.Symbol,
			"tradePrice":          q.TradePrice,
			"signedChangeRatePct": q.SignedChangeRatePct,
			"change":              q.Change,
			"accTradeVolume24h":   q.AccTradeVolume24h,
			"updatedAt":           q.UpdatedAt,
		},
	})
}

// PublishQuoteFlash publishes the start of a price flash
func (eb *EventBus) PublishQuoteFlash(f quotes.FlashState) {
	eb.Publish(Event{
		Type: EventQuoteFlash,
		Data: map[string]interface{}{
			"market":    f.Key,
			"direction": f.Direction,
			"expiresAt": f.ExpiresAt,
		},
	})
}

// PublishQuoteFlashExpired publishes the end of a price flash
func (eb *EventBus) PublishQuoteFlashExpired(market string) {
	eb.Publish(Event{
		Type: EventQuoteFlashExpired,
		Data: map[string]interface{}{
			"market": market,
		},
	})
}

// PublishNotification forwards one notification to the view layer
func (eb *EventBus) PublishNotification(userID string, n notification.Event) {
	data := map[string]interface{}{
		"userId":  userID,
		"kind":    n.Kind,
		"message": n.Message,
	}
	if n.ActorName != "" {
		data["actorName"] = n.ActorName
	}
	if n.TargetType != "" {
		data["targetType"] = n.TargetType
		data["targetId"] = n.TargetID
	}
	eb.Publish(Event{Type: EventNotification, Data: data})
}

// PublishChannelStatus publishes a connection state transition
func (eb *EventBus) PublishChannelStatus(s stream.State) {
	data := map[string]interface{}{
		"channel": s.Channel,
		"status":  s.Status,
		"attempt": s.Attempt,
		"since":   s.Since,
	}
	if len(s.WatchedKeys) > 0 {
		data["watchedKeys"] = s.WatchedKeys
	}
	if s.LastError != "" {
		data["lastError"] = s.LastError
	}
	eb.Publish(Event{Type: EventChannelStatus, Data: data})
}

// PublishSnapshotRefreshed publishes the outcome of a REST refresh
func (eb *EventBus) PublishSnapshotRefreshed(markets int, failed []string, fetchedAt time.Time) {
	eb.Publish(Event{
		Type: EventSnapshotRefreshed,
		Data: map[string]interface{}{
			"markets":   markets,
			"failed":    failed,
			"fetchedAt": fetchedAt,
		},
	})
}

// PublishSessionChanged publishes a sign-in or sign-out
func (eb *EventBus) PublishSessionChanged(userID string, active bool) {
	eb.Publish(Event{
		Type: EventSessionChanged,
		Data: map[string]interface{}{
			"userId": userID,
			"active": active,
		},
	})
}
