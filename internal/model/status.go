package model

// OrderStatus описывает статус заказа в жизненном цикле выполнения.
type OrderStatus string

const (
	OrderStatusAwaitingPayment OrderStatus = "awaiting_payment"
	OrderStatusPending         OrderStatus = "pending"
	OrderStatusPaid            OrderStatus = "paid"
	OrderStatusInProgress      OrderStatus = "in_progress"
	OrderStatusDelivering      OrderStatus = "delivering"
	OrderStatusCompleted       OrderStatus = "completed"
	OrderStatusCancelled       OrderStatus = "cancelled"
)

// transitions задаёт таблицу допустимых переходов статуса заказа.
// Из completed и cancelled переходов нет.
var transitions = map[OrderStatus][]OrderStatus{
	OrderStatusAwaitingPayment: {OrderStatusPending, OrderStatusPaid, OrderStatusCancelled},
	OrderStatusPending:         {OrderStatusPaid, OrderStatusCancelled},
	OrderStatusPaid:            {OrderStatusInProgress, OrderStatusCancelled},
	OrderStatusInProgress:      {OrderStatusDelivering},
	OrderStatusDelivering:      {OrderStatusCompleted},
}

// CanTransition сообщает, допустим ли переход заказа из статуса from в to.
func CanTransition(from, to OrderStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal сообщает, является ли статус терминальным.
func IsTerminal(s OrderStatus) bool {
	return s == OrderStatusCompleted || s == OrderStatusCancelled
}

// ValidStatus сообщает, известен ли статус системе.
func ValidStatus(s OrderStatus) bool {
	switch s {
	case OrderStatusAwaitingPayment, OrderStatusPending, OrderStatusPaid,
		OrderStatusInProgress, OrderStatusDelivering, OrderStatusCompleted, OrderStatusCancelled:
		return true
	}
	return false
}
