package models

import "fmt"

type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "pending"
	OrderStatusProcessing OrderStatus = "processing"
	OrderStatusShipped    OrderStatus = "shipped"
	OrderStatusDelivered  OrderStatus = "delivered"
	OrderStatusCancelled  OrderStatus = "cancelled"
)

var transitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending:    {OrderStatusProcessing, OrderStatusCancelled},
	OrderStatusProcessing: {OrderStatusShipped, OrderStatusCancelled},
	OrderStatusShipped:    {OrderStatusDelivered},
	OrderStatusDelivered:  nil,
	OrderStatusCancelled:  nil,
}

func OrderStatuses() []OrderStatus {
	return []OrderStatus{
		OrderStatusPending,
		OrderStatusProcessing,
		OrderStatusShipped,
		OrderStatusDelivered,
		OrderStatusCancelled,
	}
}

func ParseOrderStatus(s string) (OrderStatus, error) {
	status := OrderStatus(s)
	if _, ok := transitions[status]; !ok {
		return "", fmt.Errorf("invalid order status %q", s)
	}
	return status, nil
}

// CanTransitionTo reports whether an order in s may move to next.
// A self-transition is always allowed, terminal states included.
func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	if s == next {
		_, known := transitions[s]
		return known
	}
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsPaid reports whether an order in s has already been through payment.
func (s OrderStatus) IsPaid() bool {
	return s == OrderStatusProcessing || s == OrderStatusShipped || s == OrderStatusDelivered
}

func (s OrderStatus) String() string {
	return string(s)
}
