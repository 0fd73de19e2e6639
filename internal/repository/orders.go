package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ndmitriev/metroshop-system/internal/model"
	"github.com/ndmitriev/metroshop-system/internal/pricing"
)

const orderColumns = `id, order_number, user_id, items, subtotal, discount_amount, balance_used, total,
	status, promo_code, payment_proof, created_at, paid_at, started_at, completed_at, cancelled_at`

// numberAttempts ограничивает число попыток подобрать свободный номер заказа.
const numberAttempts = 5

// Checkout атомарно оформляет заказ: фиксирует снимок корзины с текущими
// ценами, валидирует промокод, списывает баланс, создаёт заказ и очищает
// корзину. Всё выполняется в одной транзакции: частичное применение
// (списанный баланс без заказа) невозможно.
//
// Строка пользователя блокируется на всю транзакцию, поэтому два
// параллельных оформления одного пользователя сериализуются и не могут
// дважды потратить баланс или лимит промокода.
func (r *PostgresRepository) Checkout(ctx context.Context, userID int64, promoCode string) (*model.Order, error) {
	var order *model.Order

	err := r.withRetry(ctx, func(ctx context.Context) error {
		var txErr error
		order, txErr = r.checkoutTx(ctx, userID, promoCode)
		return txErr
	})
	if err != nil {
		return nil, err
	}

	return order, nil
}

func (r *PostgresRepository) checkoutTx(ctx context.Context, userID int64, promoCode string) (*model.Order, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// Блокируем строку пользователя: сериализует оформления и списания баланса.
	var balance int64
	var banned bool
	err = tx.QueryRow(ctx,
		`SELECT balance, banned FROM users WHERE id = $1 FOR UPDATE`,
		userID,
	).Scan(&balance, &banned)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("lock user: %w", err)
	}
	if banned {
		return nil, ErrUserBanned
	}

	items, subtotal, err := snapshotCart(ctx, tx, userID)
	if err != nil {
		return nil, err
	}

	var promoID int64
	var discount int64
	if promoCode != "" {
		promoID, discount, err = applyPromo(ctx, tx, userID, promoCode, subtotal)
		if err != nil {
			return nil, err
		}
	}

	quote := pricing.BuildQuote(subtotal, discount, balance)

	// Списание не может превысить баланс: quote.BalanceUsed ограничен им.
	// Нулевая затронутая строка означает нарушение этого контракта.
	if quote.BalanceUsed > 0 {
		cmdTag, err := tx.Exec(ctx,
			`UPDATE users SET balance = balance - $1 WHERE id = $2 AND balance >= $1`,
			quote.BalanceUsed, userID,
		)
		if err != nil {
			return nil, fmt.Errorf("debit balance: %w", err)
		}
		if cmdTag.RowsAffected() == 0 {
			return nil, fmt.Errorf("%w: debit %d", ErrInsufficientBalance, quote.BalanceUsed)
		}
	}

	order, err := r.insertOrder(ctx, tx, userID, items, quote, promoCode)
	if err != nil {
		return nil, err
	}

	if promoID != 0 {
		if err := recordPromoUse(ctx, tx, promoID, userID, order.ID, quote.Discount); err != nil {
			return nil, err
		}
	}

	if _, err := tx.Exec(ctx, `DELETE FROM cart WHERE user_id = $1`, userID); err != nil {
		return nil, fmt.Errorf("clear cart: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}

	return order, nil
}

// snapshotCart читает корзину с авторитетными ценами каталога и возвращает
// упорядоченный снимок позиций. Позиции с неактивным или закончившимся
// товаром приводят к отказу оформления.
func snapshotCart(ctx context.Context, tx pgx.Tx, userID int64) ([]model.OrderItem, int64, error) {
	rows, err := tx.Query(ctx,
		`SELECT c.product_id, p.name, p.price, c.quantity, p.stock, p.is_active
		 FROM cart c
		 JOIN products p ON p.id = c.product_id
		 WHERE c.user_id = $1
		 ORDER BY c.product_id`,
		userID,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("select cart: %w", err)
	}
	defer rows.Close()

	var items []model.OrderItem
	for rows.Next() {
		var (
			item     model.OrderItem
			stock    int
			isActive bool
		)
		if err := rows.Scan(&item.ProductID, &item.Name, &item.UnitPrice, &item.Quantity, &stock, &isActive); err != nil {
			return nil, 0, fmt.Errorf("scan cart line: %w", err)
		}
		if !isActive || stock == 0 || (stock > 0 && item.Quantity > stock) {
			return nil, 0, fmt.Errorf("%w: %s", ErrProductUnavailable, item.Name)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("rows error: %w", err)
	}

	if len(items) == 0 {
		return nil, 0, ErrEmptyCart
	}

	var subtotal int64
	for _, it := range items {
		subtotal += it.UnitPrice * int64(it.Quantity)
	}

	return items, subtotal, nil
}

// applyPromo блокирует строку промокода, валидирует его и резервирует
// использование (инкремент общего счётчика). Блокировка сериализует
// конкурентные применения одного кода разными пользователями.
func applyPromo(ctx context.Context, tx pgx.Tx, userID int64, code string, subtotal int64) (int64, int64, error) {
	var p model.PromoCode
	err := tx.QueryRow(ctx,
		`SELECT id, code, kind, value, min_order, max_discount, uses_total, uses_per_user, uses_count,
		        valid_from, valid_until, is_active
		 FROM promocodes WHERE code = $1 FOR UPDATE`,
		code,
	).Scan(&p.ID, &p.Code, &p.Kind, &p.Value, &p.MinOrder, &p.MaxDiscount,
		&p.UsesTotal, &p.UsesPerUser, &p.UsesCount, &p.ValidFrom, &p.ValidUntil, &p.IsActive)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, 0, ErrPromoNotFound
		}
		return 0, 0, fmt.Errorf("lock promo: %w", err)
	}

	var userUses int
	err = tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM promo_uses WHERE promo_id = $1 AND user_id = $2`,
		p.ID, userID,
	).Scan(&userUses)
	if err != nil {
		return 0, 0, fmt.Errorf("count promo uses: %w", err)
	}

	if err := pricing.ValidatePromo(&p, time.Now(), userUses, subtotal); err != nil {
		return 0, 0, err
	}

	if _, err := tx.Exec(ctx,
		`UPDATE promocodes SET uses_count = uses_count + 1 WHERE id = $1`,
		p.ID,
	); err != nil {
		return 0, 0, fmt.Errorf("increment promo uses: %w", err)
	}

	return p.ID, pricing.Discount(&p, subtotal), nil
}

func recordPromoUse(ctx context.Context, tx pgx.Tx, promoID, userID, orderID, discount int64) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO promo_uses (promo_id, user_id, order_id, discount_amount) VALUES ($1, $2, $3, $4)`,
		promoID, userID, orderID, discount,
	)
	if err != nil {
		return fmt.Errorf("insert promo use: %w", err)
	}
	return nil
}

// insertOrder сохраняет заказ, подбирая свободный номер. Коллизия номера
// гасится через ON CONFLICT DO NOTHING и приводит к повторной генерации,
// а не к отказу оформления: ошибка уникальности прервала бы транзакцию,
// внутри которой уже списан баланс.
func (r *PostgresRepository) insertOrder(ctx context.Context, tx pgx.Tx, userID int64, items []model.OrderItem, quote pricing.Quote, promoCode string) (*model.Order, error) {
	itemsJSON, err := json.Marshal(items)
	if err != nil {
		return nil, fmt.Errorf("marshal items: %w", err)
	}

	now := time.Now()
	status := model.OrderStatusAwaitingPayment
	var paidAt *time.Time
	if quote.Total == 0 {
		// Заказ полностью покрыт балансом: подтверждение оплаты не требуется.
		status = model.OrderStatusPaid
		paidAt = &now
	}

	for attempt := 0; attempt < numberAttempts; attempt++ {
		number := r.genNumber(now)

		var id int64
		var createdAt time.Time
		err := tx.QueryRow(ctx,
			`INSERT INTO orders (order_number, user_id, items, subtotal, discount_amount, balance_used, total, status, promo_code, paid_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			 ON CONFLICT (order_number) DO NOTHING
			 RETURNING id, created_at`,
			number, userID, itemsJSON, quote.Subtotal, quote.Discount, quote.BalanceUsed, quote.Total,
			string(status), nullIfEmpty(promoCode), paidAt,
		).Scan(&id, &createdAt)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				// Номер занят, транзакция жива — пробуем следующий.
				continue
			}
			return nil, fmt.Errorf("insert order: %w", err)
		}

		return &model.Order{
			ID:             id,
			Number:         number,
			UserID:         userID,
			Items:          items,
			Subtotal:       quote.Subtotal,
			DiscountAmount: quote.Discount,
			BalanceUsed:    quote.BalanceUsed,
			Total:          quote.Total,
			Status:         status,
			PromoCode:      promoCode,
			CreatedAt:      createdAt,
			PaidAt:         paidAt,
		}, nil
	}

	return nil, fmt.Errorf("order number collision not resolved after %d attempts", numberAttempts)
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// SubmitPaymentProof привязывает подтверждение оплаты к последнему заказу
// пользователя в статусе awaiting_payment и переводит его в pending.
// Если такого заказа нет, подтверждение молча игнорируется: оно могло
// прийти вне сценария оплаты.
func (r *PostgresRepository) SubmitPaymentProof(ctx context.Context, userID int64, proofRef string) (*model.Order, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var orderID int64
	err = tx.QueryRow(ctx,
		`SELECT id FROM orders
		 WHERE user_id = $1 AND status = $2
		 ORDER BY id DESC LIMIT 1
		 FOR UPDATE`,
		userID, string(model.OrderStatusAwaitingPayment),
	).Scan(&orderID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find awaiting order: %w", err)
	}

	_, err = tx.Exec(ctx,
		`UPDATE orders SET status = $2, payment_proof = $3 WHERE id = $1`,
		orderID, string(model.OrderStatusPending), proofRef,
	)
	if err != nil {
		return nil, fmt.Errorf("attach proof: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}

	return r.GetOrder(ctx, orderID)
}

// ConfirmOrder подтверждает оплату заказа и начисляет комиссию рефереру
// с оплаченной деньгами суммы. Повторное подтверждение уже оплаченного
// заказа — no-op: комиссия не начисляется дважды.
// Возвращает заказ, размер начисленной комиссии и признак того, что
// подтверждение оказалось повторным.
func (r *PostgresRepository) ConfirmOrder(ctx context.Context, orderID int64, referralPercent float64) (*model.Order, int64, bool, error) {
	var (
		order    *model.Order
		credited int64
		already  bool
	)

	err := r.withRetry(ctx, func(ctx context.Context) error {
		var txErr error
		order, credited, already, txErr = r.confirmTx(ctx, orderID, referralPercent)
		return txErr
	})
	if err != nil {
		return nil, 0, false, err
	}

	return order, credited, already, nil
}

func (r *PostgresRepository) confirmTx(ctx context.Context, orderID int64, referralPercent float64) (*model.Order, int64, bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, 0, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	order, err := lockOrder(ctx, tx, orderID)
	if err != nil {
		return nil, 0, false, err
	}

	switch order.Status {
	case model.OrderStatusPaid, model.OrderStatusInProgress, model.OrderStatusDelivering, model.OrderStatusCompleted:
		// Уже подтверждён (возможно, вторым оператором) — no-op.
		return order, 0, true, nil
	case model.OrderStatusAwaitingPayment, model.OrderStatusPending:
	default:
		return nil, 0, false, fmt.Errorf("%w: confirm from %s", ErrInvalidTransition, order.Status)
	}

	now := time.Now()
	_, err = tx.Exec(ctx,
		`UPDATE orders SET status = $2, paid_at = $3 WHERE id = $1`,
		orderID, string(model.OrderStatusPaid), now,
	)
	if err != nil {
		return nil, 0, false, fmt.Errorf("mark paid: %w", err)
	}
	order.Status = model.OrderStatusPaid
	order.PaidAt = &now

	var credited int64
	var referrerID *int64
	err = tx.QueryRow(ctx,
		`SELECT referred_by FROM users WHERE id = $1`,
		order.UserID,
	).Scan(&referrerID)
	if err != nil {
		return nil, 0, false, fmt.Errorf("get referrer: %w", err)
	}

	if referrerID != nil {
		credited = pricing.ReferralCredit(order.Total, referralPercent)
		if credited > 0 {
			_, err = tx.Exec(ctx,
				`UPDATE users SET balance = balance + $1 WHERE id = $2`,
				credited, *referrerID,
			)
			if err != nil {
				return nil, 0, false, fmt.Errorf("credit referrer: %w", err)
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, 0, false, fmt.Errorf("commit tx: %w", err)
	}

	return order, credited, false, nil
}

// RejectOrder отклоняет заказ и возвращает пользователю списанный при
// оформлении баланс. Повторное отклонение уже отменённого заказа — no-op.
// Возврат — это компенсирующий переход, а не откат подтверждения.
func (r *PostgresRepository) RejectOrder(ctx context.Context, orderID int64) (*model.Order, bool, error) {
	var (
		order   *model.Order
		already bool
	)

	err := r.withRetry(ctx, func(ctx context.Context) error {
		var txErr error
		order, already, txErr = r.rejectTx(ctx, orderID)
		return txErr
	})
	if err != nil {
		return nil, false, err
	}

	return order, already, nil
}

func (r *PostgresRepository) rejectTx(ctx context.Context, orderID int64) (*model.Order, bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	order, err := lockOrder(ctx, tx, orderID)
	if err != nil {
		return nil, false, err
	}

	switch order.Status {
	case model.OrderStatusCancelled:
		return order, true, nil
	case model.OrderStatusAwaitingPayment, model.OrderStatusPending, model.OrderStatusPaid:
	default:
		return nil, false, fmt.Errorf("%w: reject from %s", ErrInvalidTransition, order.Status)
	}

	if order.BalanceUsed > 0 {
		_, err = tx.Exec(ctx,
			`UPDATE users SET balance = balance + $1 WHERE id = $2`,
			order.BalanceUsed, order.UserID,
		)
		if err != nil {
			return nil, false, fmt.Errorf("refund balance: %w", err)
		}
	}

	now := time.Now()
	_, err = tx.Exec(ctx,
		`UPDATE orders SET status = $2, cancelled_at = $3 WHERE id = $1`,
		orderID, string(model.OrderStatusCancelled), now,
	)
	if err != nil {
		return nil, false, fmt.Errorf("mark cancelled: %w", err)
	}
	order.Status = model.OrderStatusCancelled
	order.CancelledAt = &now

	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("commit tx: %w", err)
	}

	return order, false, nil
}

func lockOrder(ctx context.Context, tx pgx.Tx, orderID int64) (*model.Order, error) {
	row := tx.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`,
		orderID,
	)
	return scanOrder(row)
}

func scanOrder(row pgx.Row) (*model.Order, error) {
	var (
		o         model.Order
		itemsJSON []byte
		promoCode *string
		proof     *string
	)
	err := row.Scan(&o.ID, &o.Number, &o.UserID, &itemsJSON, &o.Subtotal, &o.DiscountAmount,
		&o.BalanceUsed, &o.Total, &o.Status, &promoCode, &proof,
		&o.CreatedAt, &o.PaidAt, &o.StartedAt, &o.CompletedAt, &o.CancelledAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("scan order: %w", err)
	}

	// Снимок позиций хранится как непрозрачный jsonb и никогда не
	// пересчитывается по каталогу.
	if err := json.Unmarshal(itemsJSON, &o.Items); err != nil {
		return nil, fmt.Errorf("unmarshal items: %w", err)
	}
	if promoCode != nil {
		o.PromoCode = *promoCode
	}
	if proof != nil {
		o.PaymentProof = *proof
	}

	return &o, nil
}

// GetOrder возвращает заказ по идентификатору.
func (r *PostgresRepository) GetOrder(ctx context.Context, orderID int64) (*model.Order, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1`,
		orderID,
	)
	return scanOrder(row)
}

// GetOrdersByStatus возвращает заказы в указанном статусе от старых к новым:
// очередь оператора обрабатывается в порядке поступления. Пустой статус
// возвращает все заказы от новых к старым.
func (r *PostgresRepository) GetOrdersByStatus(ctx context.Context, status model.OrderStatus) ([]model.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders ORDER BY created_at DESC`
	args := []any{}
	if status != "" {
		query = `SELECT ` + orderColumns + ` FROM orders WHERE status = $1 ORDER BY created_at, id`
		args = append(args, string(status))
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select orders: %w", err)
	}
	defer rows.Close()

	var orders []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return orders, nil
}

// GetOrdersByUser возвращает заказы пользователя от новых к старым.
func (r *PostgresRepository) GetOrdersByUser(ctx context.Context, userID int64) ([]model.Order, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE user_id = $1 ORDER BY created_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("select orders: %w", err)
	}
	defer rows.Close()

	var orders []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return orders, nil
}
