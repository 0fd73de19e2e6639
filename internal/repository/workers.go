package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ndmitriev/metroshop-system/internal/model"
	"github.com/ndmitriev/metroshop-system/internal/pricing"
)

// ClaimOrder записывает назначение исполнителя на оплаченный заказ.
// Назначение уникально по (order_id, worker_id): повторная заявка того же
// исполнителя — no-op, о котором сообщается вызывающему, а не ошибка.
// Возвращает true, если заказ уже был взят этим исполнителем ранее.
func (r *PostgresRepository) ClaimOrder(ctx context.Context, orderID, workerID int64, maxWorkers int) (bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	order, err := lockOrder(ctx, tx, orderID)
	if err != nil {
		return false, err
	}

	switch order.Status {
	case model.OrderStatusPaid, model.OrderStatusInProgress, model.OrderStatusDelivering:
	default:
		return false, fmt.Errorf("%w: claim on %s", ErrInvalidTransition, order.Status)
	}

	var active int
	err = tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM order_workers WHERE order_id = $1 AND status = $2`,
		orderID, string(model.AssignmentStatusActive),
	).Scan(&active)
	if err != nil {
		return false, fmt.Errorf("count assignments: %w", err)
	}

	cmdTag, err := tx.Exec(ctx,
		`INSERT INTO order_workers (order_id, worker_id) VALUES ($1, $2)
		 ON CONFLICT (order_id, worker_id) DO NOTHING`,
		orderID, workerID,
	)
	if err != nil {
		return false, fmt.Errorf("insert assignment: %w", err)
	}

	if cmdTag.RowsAffected() == 0 {
		// Первый успевший выигрывает; повторная заявка идемпотентна.
		return true, nil
	}

	if active >= maxWorkers {
		// Лимит проверяется после вставки, чтобы повторная заявка
		// существующего исполнителя не упиралась в него.
		return false, ErrWorkerLimit
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit tx: %w", err)
	}

	return false, nil
}

// AdvanceStatus переводит оплаченный заказ по цепочке выполнения:
// in_progress -> delivering -> completed. Перевод в текущий статус — no-op.
// При завершении заказа формируются выплаты исполнителям.
func (r *PostgresRepository) AdvanceStatus(ctx context.Context, orderID int64, target model.OrderStatus, workerPercent float64) (*model.Order, error) {
	switch target {
	case model.OrderStatusInProgress, model.OrderStatusDelivering, model.OrderStatusCompleted:
	default:
		return nil, fmt.Errorf("%w: advance to %s", ErrInvalidTransition, target)
	}

	var order *model.Order

	err := r.withRetry(ctx, func(ctx context.Context) error {
		var txErr error
		order, txErr = r.advanceTx(ctx, orderID, target, workerPercent)
		return txErr
	})
	if err != nil {
		return nil, err
	}

	return order, nil
}

func (r *PostgresRepository) advanceTx(ctx context.Context, orderID int64, target model.OrderStatus, workerPercent float64) (*model.Order, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	order, err := lockOrder(ctx, tx, orderID)
	if err != nil {
		return nil, err
	}

	if order.Status == target {
		return order, nil
	}
	if !model.CanTransition(order.Status, target) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, order.Status, target)
	}

	now := time.Now()
	var stampCol string
	switch target {
	case model.OrderStatusInProgress:
		stampCol = "started_at"
		order.StartedAt = &now
	case model.OrderStatusCompleted:
		stampCol = "completed_at"
		order.CompletedAt = &now
	}

	query := `UPDATE orders SET status = $2 WHERE id = $1`
	args := []any{orderID, string(target)}
	if stampCol != "" {
		query = `UPDATE orders SET status = $2, ` + stampCol + ` = $3 WHERE id = $1`
		args = append(args, now)
	}
	if _, err := tx.Exec(ctx, query, args...); err != nil {
		return nil, fmt.Errorf("update status: %w", err)
	}
	order.Status = target

	if target == model.OrderStatusCompleted {
		if err := settlePayouts(ctx, tx, order, workerPercent); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}

	return order, nil
}

// settlePayouts формирует выплаты по завершённому заказу: доля исполнителей
// делится поровну между активными назначениями, остаток копеек достаётся
// взявшему заказ первым. Вставка идемпотентна по (order_id, worker_id).
func settlePayouts(ctx context.Context, tx pgx.Tx, order *model.Order, workerPercent float64) error {
	rows, err := tx.Query(ctx,
		`SELECT id, worker_id FROM order_workers
		 WHERE order_id = $1 AND status = $2
		 ORDER BY taken_at, id`,
		order.ID, string(model.AssignmentStatusActive),
	)
	if err != nil {
		return fmt.Errorf("select assignments: %w", err)
	}

	type assignment struct {
		id       int64
		workerID int64
	}
	var assignments []assignment
	for rows.Next() {
		var a assignment
		if err := rows.Scan(&a.id, &a.workerID); err != nil {
			rows.Close()
			return fmt.Errorf("scan assignment: %w", err)
		}
		assignments = append(assignments, a)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("rows error: %w", err)
	}

	if len(assignments) == 0 {
		return nil
	}

	shares := pricing.WorkerShares(order.Total, workerPercent, len(assignments))

	for i, a := range assignments {
		_, err := tx.Exec(ctx,
			`UPDATE order_workers SET status = $2, earnings = $3 WHERE id = $1`,
			a.id, string(model.AssignmentStatusCompleted), shares[i],
		)
		if err != nil {
			return fmt.Errorf("complete assignment: %w", err)
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO payouts (worker_id, order_id, amount) VALUES ($1, $2, $3)
			 ON CONFLICT (order_id, worker_id) DO NOTHING`,
			a.workerID, order.ID, shares[i],
		)
		if err != nil {
			return fmt.Errorf("insert payout: %w", err)
		}
	}

	return nil
}

// GetPayoutsByWorker возвращает выплаты исполнителя от новых к старым.
func (r *PostgresRepository) GetPayoutsByWorker(ctx context.Context, workerID int64) ([]model.Payout, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, worker_id, order_id, amount, status, created_at, resolved_at
		 FROM payouts WHERE worker_id = $1 ORDER BY created_at DESC`,
		workerID,
	)
	if err != nil {
		return nil, fmt.Errorf("select payouts: %w", err)
	}
	defer rows.Close()

	var payouts []model.Payout
	for rows.Next() {
		var p model.Payout
		if err := rows.Scan(&p.ID, &p.WorkerID, &p.OrderID, &p.Amount, &p.Status, &p.CreatedAt, &p.ResolvedAt); err != nil {
			return nil, fmt.Errorf("scan payout: %w", err)
		}
		payouts = append(payouts, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return payouts, nil
}

// ResolvePayout закрывает ожидающую выплату решением оператора.
// Повторное решение с тем же результатом — no-op.
func (r *PostgresRepository) ResolvePayout(ctx context.Context, payoutID int64, status model.PayoutStatus) (*model.Payout, error) {
	if status != model.PayoutStatusPaid && status != model.PayoutStatusRejected {
		return nil, fmt.Errorf("%w: resolve to %s", ErrInvalidTransition, status)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var p model.Payout
	err = tx.QueryRow(ctx,
		`SELECT id, worker_id, order_id, amount, status, created_at, resolved_at
		 FROM payouts WHERE id = $1 FOR UPDATE`,
		payoutID,
	).Scan(&p.ID, &p.WorkerID, &p.OrderID, &p.Amount, &p.Status, &p.CreatedAt, &p.ResolvedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPayoutNotFound
		}
		return nil, fmt.Errorf("lock payout: %w", err)
	}

	if p.Status == status {
		return &p, nil
	}
	if p.Status != model.PayoutStatusPending {
		return nil, fmt.Errorf("%w: %s", ErrPayoutResolved, p.Status)
	}

	now := time.Now()
	_, err = tx.Exec(ctx,
		`UPDATE payouts SET status = $2, resolved_at = $3 WHERE id = $1`,
		payoutID, string(status), now,
	)
	if err != nil {
		return nil, fmt.Errorf("resolve payout: %w", err)
	}
	p.Status = status
	p.ResolvedAt = &now

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}

	return &p, nil
}
