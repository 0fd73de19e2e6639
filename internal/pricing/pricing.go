// Package pricing содержит чистые вычисления стоимости заказа и скидок.
// Функции пакета не имеют побочных эффектов: списание баланса и фиксация
// применения промокода выполняются только при сохранении заказа.
package pricing

import (
	"errors"
	"time"

	"github.com/ndmitriev/metroshop-system/internal/model"
)

// Ошибки валидации промокода.
var (
	ErrPromoInactive  = errors.New("promo code is not active")
	ErrPromoExpired   = errors.New("promo code is outside its validity window")
	ErrPromoExhausted = errors.New("promo code usage limit reached")
	ErrPromoMinOrder  = errors.New("order subtotal below promo minimum")
)

// Quote содержит расчёт стоимости заказа.
// Инвариант: Total = Subtotal - Discount - BalanceUsed, все поля >= 0.
type Quote struct {
	Subtotal    int64
	Discount    int64
	BalanceUsed int64
	Total       int64
}

// Subtotal возвращает сумму позиций корзины по зафиксированным ценам.
func Subtotal(lines []model.CartLine) int64 {
	var sum int64
	for _, l := range lines {
		sum += l.UnitPrice * int64(l.Quantity)
	}
	return sum
}

// ValidatePromo проверяет применимость промокода: активность, окно действия,
// общий лимит, лимит на пользователя и минимальную сумму заказа.
// userUses — число успешных применений кода этим пользователем.
func ValidatePromo(p *model.PromoCode, now time.Time, userUses int, subtotal int64) error {
	if !p.IsActive {
		return ErrPromoInactive
	}
	if p.ValidFrom != nil && now.Before(*p.ValidFrom) {
		return ErrPromoExpired
	}
	if p.ValidUntil != nil && now.After(*p.ValidUntil) {
		return ErrPromoExpired
	}
	if p.UsesTotal >= 0 && p.UsesCount >= p.UsesTotal {
		return ErrPromoExhausted
	}
	if p.UsesPerUser > 0 && userUses >= p.UsesPerUser {
		return ErrPromoExhausted
	}
	if subtotal < p.MinOrder {
		return ErrPromoMinOrder
	}
	return nil
}

// Discount вычисляет размер скидки промокода для указанной суммы заказа.
// Процентная скидка ограничивается MaxDiscount, любая скидка — суммой заказа.
func Discount(p *model.PromoCode, subtotal int64) int64 {
	var d int64
	switch p.Kind {
	case model.PromoKindPercent:
		d = subtotal * p.Value / 100
		if p.MaxDiscount != nil && d > *p.MaxDiscount {
			d = *p.MaxDiscount
		}
	case model.PromoKindFixed:
		d = p.Value
	}
	if d > subtotal {
		d = subtotal
	}
	if d < 0 {
		d = 0
	}
	return d
}

// BuildQuote собирает итоговый расчёт: списываемая с баланса часть
// не превышает ни баланс, ни остаток к оплате после скидки.
func BuildQuote(subtotal, discount, balance int64) Quote {
	if discount > subtotal {
		discount = subtotal
	}
	need := subtotal - discount
	used := balance
	if used > need {
		used = need
	}
	if used < 0 {
		used = 0
	}
	return Quote{
		Subtotal:    subtotal,
		Discount:    discount,
		BalanceUsed: used,
		Total:       need - used,
	}
}

// ReferralCredit вычисляет комиссию реферера с фактически оплаченной
// деньгами суммы заказа. Часть, покрытая балансом, комиссию не приносит.
func ReferralCredit(total int64, percent float64) int64 {
	if total <= 0 || percent <= 0 {
		return 0
	}
	return int64(float64(total)*percent + 0.5)
}

// WorkerShares делит вознаграждение исполнителей поровну между активными
// назначениями; остаток копеек достаётся первому (самому раннему) исполнителю.
func WorkerShares(total int64, percent float64, workers int) []int64 {
	if workers <= 0 {
		return nil
	}
	fund := int64(float64(total)*percent + 0.5)
	if fund < 0 {
		fund = 0
	}
	shares := make([]int64, workers)
	base := fund / int64(workers)
	rem := fund - base*int64(workers)
	for i := range shares {
		shares[i] = base
	}
	shares[0] += rem
	return shares
}
