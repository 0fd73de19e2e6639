// Package model содержит доменные сущности магазина.
package model

import "time"

// User представляет покупателя магазина.
// Баланс хранится в копейках и изменяется только репозиторием.
type User struct {
	ID            int64
	TgID          int64
	Username      string
	Balance       int64
	ReferredBy    *int64
	ReferralCount int
	Banned        bool
	VIPUntil      *time.Time
	RegisteredAt  time.Time
}

// Product описывает товар каталога. Для ядра заказов каталог доступен
// только на чтение; stock = -1 означает неограниченный остаток.
type Product struct {
	ID        int64
	Name      string
	Price     int64
	Stock     int
	IsActive  bool
	SoldCount int
}

// CartLine представляет позицию корзины пользователя с текущей ценой каталога.
type CartLine struct {
	ProductID int64
	Name      string
	UnitPrice int64
	Quantity  int
}

// OrderItem описывает позицию заказа, зафиксированную на момент оформления.
// После оформления позиции никогда не пересчитываются по живому каталогу.
type OrderItem struct {
	ProductID int64  `json:"product_id"`
	Name      string `json:"name"`
	UnitPrice int64  `json:"unit_price"`
	Quantity  int    `json:"quantity"`
}

// Order описывает заказ пользователя.
// Инвариант: Total = Subtotal - DiscountAmount - BalanceUsed, все суммы >= 0.
type Order struct {
	ID             int64
	Number         string
	UserID         int64
	Items          []OrderItem
	Subtotal       int64
	DiscountAmount int64
	BalanceUsed    int64
	Total          int64
	Status         OrderStatus
	PromoCode      string
	PaymentProof   string
	CreatedAt      time.Time
	PaidAt         *time.Time
	StartedAt      *time.Time
	CompletedAt    *time.Time
	CancelledAt    *time.Time
}

// PromoKind описывает вид скидки промокода.
type PromoKind string

const (
	PromoKindPercent PromoKind = "percent"
	PromoKindFixed   PromoKind = "fixed"
)

// PromoCode описывает промокод. UsesTotal = -1 означает отсутствие общего лимита;
// MaxDiscount применяется только к процентным промокодам.
type PromoCode struct {
	ID          int64
	Code        string
	Kind        PromoKind
	Value       int64
	MinOrder    int64
	MaxDiscount *int64
	UsesTotal   int
	UsesPerUser int
	UsesCount   int
	ValidFrom   *time.Time
	ValidUntil  *time.Time
	IsActive    bool
}

// PromoUse фиксирует факт применения промокода к заказу.
type PromoUse struct {
	ID             int64
	PromoID        int64
	UserID         int64
	OrderID        int64
	DiscountAmount int64
	UsedAt         time.Time
}

// AssignmentStatus описывает состояние назначения исполнителя на заказ.
type AssignmentStatus string

const (
	AssignmentStatusActive    AssignmentStatus = "active"
	AssignmentStatusCompleted AssignmentStatus = "completed"
)

// WorkerAssignment представляет назначение исполнителя на оплаченный заказ.
type WorkerAssignment struct {
	ID       int64
	OrderID  int64
	WorkerID int64
	Status   AssignmentStatus
	Earnings int64
	TakenAt  time.Time
}

// PayoutStatus описывает состояние выплаты исполнителю.
type PayoutStatus string

const (
	PayoutStatusPending  PayoutStatus = "pending"
	PayoutStatusPaid     PayoutStatus = "paid"
	PayoutStatusRejected PayoutStatus = "rejected"
)

// Payout описывает начисленную исполнителю выплату за выполненный заказ.
type Payout struct {
	ID         int64
	WorkerID   int64
	OrderID    int64
	Amount     int64
	Status     PayoutStatus
	CreatedAt  time.Time
	ResolvedAt *time.Time
}

// Profile содержит сводку по пользователю для отображения.
type Profile struct {
	UserID        int64
	Username      string
	Balance       int64
	ReferralCount int
	OrdersTotal   int
	OrdersActive  int
	TotalSpent    int64
	VIPActive     bool
	RegisteredAt  time.Time
}
