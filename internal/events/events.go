// Package events publishes committed bill and stock changes to a broker.
package events

import (
	"context"
	"time"

	"billdesk/backend/internal/domain"
	"billdesk/backend/internal/xid"
)

const (
	TypeBillCreated       = "bill.created"
	TypeBillStatusChanged = "bill.status_changed"
	TypeBillVoided        = "bill.voided"
	TypeStockAdjusted     = "stock.adjusted"
)

type Event struct {
	ID         string             `json:"id"`
	Type       string             `json:"type"`
	OccurredAt time.Time          `json:"occurred_at"`
	Actor      string             `json:"actor,omitempty"`
	Bill       *domain.Bill       `json:"bill,omitempty"`
	Stock      *domain.StockLevel `json:"stock,omitempty"`
	Reason     string             `json:"reason,omitempty"`
}

// Key partitions events so everything about one bill or item stays ordered.
func (e Event) Key() string {
	switch {
	case e.Bill != nil:
		return e.Bill.Number
	case e.Stock != nil:
		return e.Stock.ItemID
	default:
		return e.ID
	}
}

func NewBillEvent(eventType string, bill domain.Bill, actor string) Event {
	return Event{
		ID:         xid.New("evt"),
		Type:       eventType,
		OccurredAt: time.Now().UTC(),
		Actor:      actor,
		Bill:       &bill,
	}
}

func NewStockEvent(level domain.StockLevel, actor string, reason string) Event {
	return Event{
		ID:         xid.New("evt"),
		Type:       TypeStockAdjusted,
		OccurredAt: time.Now().UTC(),
		Actor:      actor,
		Stock:      &level,
		Reason:     reason,
	}
}

type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, Event) error { return nil }
func (NoopPublisher) Close() error                         { return nil }
