package repository

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/ndmitriev/metroshop-system/internal/model"
	"github.com/ndmitriev/metroshop-system/internal/pricing"
)

// newTestRepo подключается к базе из TEST_DATABASE_URI и очищает её.
// Без заданной переменной окружения тесты пропускаются.
func newTestRepo(t *testing.T) *PostgresRepository {
	t.Helper()

	dsn := os.Getenv("TEST_DATABASE_URI")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URI is not set")
	}

	repo, err := NewPostgresRepository(dsn)
	if err != nil {
		t.Fatalf("new repository: %v", err)
	}
	t.Cleanup(func() {
		repo.Close()
	})

	_, err = repo.pool.Exec(context.Background(),
		`TRUNCATE payouts, order_workers, promo_uses, promocodes, orders, cart, products, users RESTART IDENTITY CASCADE`)
	if err != nil {
		t.Fatalf("truncate tables: %v", err)
	}

	return repo
}

func createTestUser(t *testing.T, repo *PostgresRepository, tgID, balance int64) *model.User {
	t.Helper()

	u, err := repo.EnsureUser(context.Background(), tgID, "user", nil)
	if err != nil {
		t.Fatalf("ensure user: %v", err)
	}

	if balance != 0 {
		if _, err := repo.pool.Exec(context.Background(),
			`UPDATE users SET balance = $1 WHERE id = $2`, balance, u.ID); err != nil {
			t.Fatalf("set balance: %v", err)
		}
		u.Balance = balance
	}

	return u
}

func createTestProduct(t *testing.T, repo *PostgresRepository, name string, price int64, stock int) int64 {
	t.Helper()

	var id int64
	err := repo.pool.QueryRow(context.Background(),
		`INSERT INTO products (name, price, stock, is_active) VALUES ($1, $2, $3, true) RETURNING id`,
		name, price, stock,
	).Scan(&id)
	if err != nil {
		t.Fatalf("insert product: %v", err)
	}
	return id
}

func userBalance(t *testing.T, repo *PostgresRepository, userID int64) int64 {
	t.Helper()

	var balance int64
	err := repo.pool.QueryRow(context.Background(),
		`SELECT balance FROM users WHERE id = $1`, userID,
	).Scan(&balance)
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	return balance
}

func TestCheckout_PartialBalance(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	u := createTestUser(t, repo, 100, 5000)
	productID := createTestProduct(t, repo, "Карта метро", 10000, -1)

	if _, err := repo.AddCartLine(ctx, u.ID, productID, 2); err != nil {
		t.Fatalf("add cart line: %v", err)
	}

	order, err := repo.Checkout(ctx, u.ID, "")
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}

	if order.Subtotal != 20000 || order.BalanceUsed != 5000 || order.Total != 15000 {
		t.Fatalf("unexpected amounts: subtotal %d, balance used %d, total %d",
			order.Subtotal, order.BalanceUsed, order.Total)
	}
	if order.Status != model.OrderStatusAwaitingPayment {
		t.Fatalf("status = %s, want awaiting_payment", order.Status)
	}
	if got := userBalance(t, repo, u.ID); got != 0 {
		t.Fatalf("balance after checkout = %d, want 0", got)
	}

	lines, err := repo.GetCartLines(ctx, u.ID)
	if err != nil {
		t.Fatalf("get cart lines: %v", err)
	}
	if len(lines) != 0 {
		t.Fatalf("cart must be cleared after checkout, got %d lines", len(lines))
	}
}

func TestCheckout_FullyCoveredByBalance(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	u := createTestUser(t, repo, 100, 30000)
	productID := createTestProduct(t, repo, "Карта метро", 10000, -1)

	if _, err := repo.AddCartLine(ctx, u.ID, productID, 2); err != nil {
		t.Fatalf("add cart line: %v", err)
	}

	order, err := repo.Checkout(ctx, u.ID, "")
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}

	if order.Total != 0 {
		t.Fatalf("total = %d, want 0", order.Total)
	}
	if order.Status != model.OrderStatusPaid {
		t.Fatalf("status = %s, want paid", order.Status)
	}
	if order.PaidAt == nil {
		t.Fatalf("paid_at not set for fully covered order")
	}
	if got := userBalance(t, repo, u.ID); got != 10000 {
		t.Fatalf("balance after checkout = %d, want 10000", got)
	}
}

func TestCheckout_FailureRollsBackDebit(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	u := createTestUser(t, repo, 100, 5000)
	productID := createTestProduct(t, repo, "Карта метро", 10000, -1)

	if _, err := repo.AddCartLine(ctx, u.ID, productID, 1); err != nil {
		t.Fatalf("add cart line: %v", err)
	}

	// Все попытки генерации номера дают один и тот же занятый номер:
	// вставка заказа гарантированно падает после списания баланса.
	const stuck = "MS0000000000"
	repo.genNumber = func(time.Time) string { return stuck }

	other := createTestUser(t, repo, 200, 0)
	if _, err := repo.pool.Exec(ctx,
		`INSERT INTO orders (order_number, user_id, items, subtotal, discount_amount, balance_used, total, status)
		 VALUES ($1, $2, '[]', 0, 0, 0, 0, 'cancelled')`,
		stuck, other.ID); err != nil {
		t.Fatalf("insert conflicting order: %v", err)
	}

	if _, err := repo.Checkout(ctx, u.ID, ""); err == nil {
		t.Fatalf("expected checkout failure on number collision")
	}

	if got := userBalance(t, repo, u.ID); got != 5000 {
		t.Fatalf("balance after failed checkout = %d, want 5000 (rollback)", got)
	}

	lines, err := repo.GetCartLines(ctx, u.ID)
	if err != nil {
		t.Fatalf("get cart lines: %v", err)
	}
	if len(lines) != 1 {
		t.Fatalf("cart must survive failed checkout, got %d lines", len(lines))
	}
}

func TestCheckout_NumberCollisionRetries(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	u := createTestUser(t, repo, 100, 0)
	productID := createTestProduct(t, repo, "Карта метро", 10000, -1)

	if _, err := repo.AddCartLine(ctx, u.ID, productID, 1); err != nil {
		t.Fatalf("add cart line: %v", err)
	}

	const taken = "MS0000000000"
	const fresh = "MS9912319999"

	other := createTestUser(t, repo, 200, 0)
	if _, err := repo.pool.Exec(ctx,
		`INSERT INTO orders (order_number, user_id, items, subtotal, discount_amount, balance_used, total, status)
		 VALUES ($1, $2, '[]', 0, 0, 0, 0, 'cancelled')`,
		taken, other.ID); err != nil {
		t.Fatalf("insert conflicting order: %v", err)
	}

	// Первая попытка попадает на занятый номер, вторая — на свободный.
	calls := 0
	repo.genNumber = func(time.Time) string {
		calls++
		if calls == 1 {
			return taken
		}
		return fresh
	}

	order, err := repo.Checkout(ctx, u.ID, "")
	if err != nil {
		t.Fatalf("checkout after collision: %v", err)
	}
	if order.Number != fresh {
		t.Fatalf("order number = %s, want %s", order.Number, fresh)
	}
	if calls != 2 {
		t.Fatalf("number generator called %d times, want 2", calls)
	}
}

func TestCheckout_PromoTotalCap(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	first := createTestUser(t, repo, 100, 0)
	second := createTestUser(t, repo, 200, 0)
	productID := createTestProduct(t, repo, "Карта метро", 10000, -1)

	if _, err := repo.pool.Exec(ctx,
		`INSERT INTO promocodes (code, kind, value, uses_total, uses_per_user, is_active)
		 VALUES ('LAST1', 'percent', 10, 1, 1, true)`); err != nil {
		t.Fatalf("insert promo: %v", err)
	}

	if _, err := repo.AddCartLine(ctx, first.ID, productID, 1); err != nil {
		t.Fatalf("add cart line: %v", err)
	}
	if _, err := repo.AddCartLine(ctx, second.ID, productID, 1); err != nil {
		t.Fatalf("add cart line: %v", err)
	}

	order, err := repo.Checkout(ctx, first.ID, "LAST1")
	if err != nil {
		t.Fatalf("first checkout: %v", err)
	}
	if order.DiscountAmount != 1000 {
		t.Fatalf("discount = %d, want 1000", order.DiscountAmount)
	}

	_, err = repo.Checkout(ctx, second.ID, "LAST1")
	if !errors.Is(err, pricing.ErrPromoExhausted) {
		t.Fatalf("expected ErrPromoExhausted for exhausted promo, got %v", err)
	}
}

func TestCheckout_PromoPerUserCapUnderRace(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	u := createTestUser(t, repo, 100, 0)
	productID := createTestProduct(t, repo, "Карта метро", 10000, -1)

	if _, err := repo.pool.Exec(ctx,
		`INSERT INTO promocodes (code, kind, value, uses_total, uses_per_user, is_active)
		 VALUES ('ONCE', 'percent', 10, 0, 1, true)`); err != nil {
		t.Fatalf("insert promo: %v", err)
	}

	if _, err := repo.AddCartLine(ctx, u.ID, productID, 1); err != nil {
		t.Fatalf("add cart line: %v", err)
	}

	// Два одновременных оформления с одним промокодом: блокировки по
	// пользователю и промо сериализуют их, выиграть должно ровно одно.
	errs := make(chan error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repo.Checkout(ctx, u.ID, "ONCE")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var succeeded, failed int
	for err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		failed++
		if !errors.Is(err, pricing.ErrPromoExhausted) && !errors.Is(err, ErrEmptyCart) {
			t.Fatalf("unexpected loser error: %v", err)
		}
	}
	if succeeded != 1 || failed != 1 {
		t.Fatalf("got %d successes and %d failures, want exactly one of each", succeeded, failed)
	}

	var uses int
	if err := repo.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM promo_uses`).Scan(&uses); err != nil {
		t.Fatalf("count promo uses: %v", err)
	}
	if uses != 1 {
		t.Fatalf("promo_uses rows = %d, want 1", uses)
	}

	var usesCount int
	if err := repo.pool.QueryRow(ctx,
		`SELECT uses_count FROM promocodes WHERE code = 'ONCE'`).Scan(&usesCount); err != nil {
		t.Fatalf("get uses_count: %v", err)
	}
	if usesCount != 1 {
		t.Fatalf("uses_count = %d, want 1", usesCount)
	}
}

func TestConfirmOrder_ReferralCreditedOnce(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	referrer := createTestUser(t, repo, 100, 0)

	referrerTg := referrer.TgID
	buyer, err := repo.EnsureUser(ctx, 200, "buyer", &referrerTg)
	if err != nil {
		t.Fatalf("ensure buyer: %v", err)
	}

	productID := createTestProduct(t, repo, "Карта метро", 15000, -1)
	if _, err := repo.AddCartLine(ctx, buyer.ID, productID, 1); err != nil {
		t.Fatalf("add cart line: %v", err)
	}

	order, err := repo.Checkout(ctx, buyer.ID, "")
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}

	confirmed, credited, already, err := repo.ConfirmOrder(ctx, order.ID, 0.05)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if already {
		t.Fatalf("first confirm reported as repeated")
	}
	if confirmed.Status != model.OrderStatusPaid {
		t.Fatalf("status = %s, want paid", confirmed.Status)
	}
	if credited != 750 {
		t.Fatalf("credited = %d, want 750", credited)
	}
	if got := userBalance(t, repo, referrer.ID); got != 750 {
		t.Fatalf("referrer balance = %d, want 750", got)
	}

	_, credited, already, err = repo.ConfirmOrder(ctx, order.ID, 0.05)
	if err != nil {
		t.Fatalf("repeated confirm: %v", err)
	}
	if !already || credited != 0 {
		t.Fatalf("repeated confirm must be no-op, got already=%v credited=%d", already, credited)
	}
	if got := userBalance(t, repo, referrer.ID); got != 750 {
		t.Fatalf("referrer balance after repeat = %d, want 750", got)
	}
}

func TestRejectOrder_RefundsBalanceUsed(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	u := createTestUser(t, repo, 100, 5000)
	productID := createTestProduct(t, repo, "Карта метро", 10000, -1)

	if _, err := repo.AddCartLine(ctx, u.ID, productID, 1); err != nil {
		t.Fatalf("add cart line: %v", err)
	}

	order, err := repo.Checkout(ctx, u.ID, "")
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	if got := userBalance(t, repo, u.ID); got != 0 {
		t.Fatalf("balance after checkout = %d, want 0", got)
	}

	rejected, already, err := repo.RejectOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if already {
		t.Fatalf("first reject reported as repeated")
	}
	if rejected.Status != model.OrderStatusCancelled {
		t.Fatalf("status = %s, want cancelled", rejected.Status)
	}
	if got := userBalance(t, repo, u.ID); got != 5000 {
		t.Fatalf("balance after reject = %d, want 5000 (refund)", got)
	}

	// Повторное отклонение не возвращает баланс второй раз.
	_, already, err = repo.RejectOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("repeated reject: %v", err)
	}
	if !already {
		t.Fatalf("repeated reject must be no-op")
	}
	if got := userBalance(t, repo, u.ID); got != 5000 {
		t.Fatalf("balance after repeated reject = %d, want 5000", got)
	}
}

func TestClaimOrder_DuplicateAndLimit(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	buyer := createTestUser(t, repo, 100, 20000)
	productID := createTestProduct(t, repo, "Карта метро", 10000, -1)
	if _, err := repo.AddCartLine(ctx, buyer.ID, productID, 1); err != nil {
		t.Fatalf("add cart line: %v", err)
	}

	order, err := repo.Checkout(ctx, buyer.ID, "")
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	if order.Status != model.OrderStatusPaid {
		t.Fatalf("expected paid order, got %s", order.Status)
	}

	w1 := createTestUser(t, repo, 201, 0)
	w2 := createTestUser(t, repo, 202, 0)
	w3 := createTestUser(t, repo, 203, 0)

	already, err := repo.ClaimOrder(ctx, order.ID, w1.ID, 2)
	if err != nil || already {
		t.Fatalf("first claim: already=%v err=%v", already, err)
	}

	already, err = repo.ClaimOrder(ctx, order.ID, w1.ID, 2)
	if err != nil {
		t.Fatalf("duplicate claim: %v", err)
	}
	if !already {
		t.Fatalf("duplicate claim must report existing assignment")
	}

	if already, err = repo.ClaimOrder(ctx, order.ID, w2.ID, 2); err != nil || already {
		t.Fatalf("second claim: already=%v err=%v", already, err)
	}

	if _, err = repo.ClaimOrder(ctx, order.ID, w3.ID, 2); !errors.Is(err, ErrWorkerLimit) {
		t.Fatalf("expected ErrWorkerLimit for third worker, got %v", err)
	}
}

func TestAdvanceStatus_SettlesPayouts(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	buyer := createTestUser(t, repo, 100, 10000)
	productID := createTestProduct(t, repo, "Карта метро", 10000, -1)
	if _, err := repo.AddCartLine(ctx, buyer.ID, productID, 1); err != nil {
		t.Fatalf("add cart line: %v", err)
	}

	order, err := repo.Checkout(ctx, buyer.ID, "")
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}

	workers := make([]*model.User, 0, 3)
	for i, tg := range []int64{201, 202, 203} {
		w := createTestUser(t, repo, tg, 0)
		workers = append(workers, w)
		if _, err := repo.ClaimOrder(ctx, order.ID, w.ID, 3); err != nil {
			t.Fatalf("claim %d: %v", i, err)
		}
	}

	if _, err := repo.AdvanceStatus(ctx, order.ID, model.OrderStatusInProgress, 0.7); err != nil {
		t.Fatalf("advance to in_progress: %v", err)
	}
	if _, err := repo.AdvanceStatus(ctx, order.ID, model.OrderStatusDelivering, 0.7); err != nil {
		t.Fatalf("advance to delivering: %v", err)
	}

	completed, err := repo.AdvanceStatus(ctx, order.ID, model.OrderStatusCompleted, 0.7)
	if err != nil {
		t.Fatalf("advance to completed: %v", err)
	}
	if completed.Status != model.OrderStatusCompleted || completed.CompletedAt == nil {
		t.Fatalf("unexpected completed order: %+v", completed)
	}

	// Пропуск статуса из completed запрещён.
	if _, err := repo.AdvanceStatus(ctx, order.ID, model.OrderStatusInProgress, 0.7); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}

	var total int64
	for i, w := range workers {
		payouts, err := repo.GetPayoutsByWorker(ctx, w.ID)
		if err != nil {
			t.Fatalf("get payouts %d: %v", i, err)
		}
		if len(payouts) != 1 {
			t.Fatalf("worker %d: %d payouts, want 1", i, len(payouts))
		}
		if payouts[0].Status != model.PayoutStatusPending {
			t.Fatalf("payout status = %s, want pending", payouts[0].Status)
		}
		total += payouts[0].Amount
	}

	// 70% от 10000 делится между тремя исполнителями без потери копеек.
	if total != 7000 {
		t.Fatalf("payout total = %d, want 7000", total)
	}

	// Повторное завершение не создаёт вторую волну выплат.
	if _, err := repo.AdvanceStatus(ctx, order.ID, model.OrderStatusCompleted, 0.7); err != nil {
		t.Fatalf("repeated completion: %v", err)
	}
	payouts, err := repo.GetPayoutsByWorker(ctx, workers[0].ID)
	if err != nil {
		t.Fatalf("get payouts: %v", err)
	}
	if len(payouts) != 1 {
		t.Fatalf("repeated completion duplicated payouts: %d", len(payouts))
	}
}

func TestResolvePayout_Transitions(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	worker := createTestUser(t, repo, 201, 0)

	var payoutID int64
	err := repo.pool.QueryRow(ctx,
		`WITH o AS (
		     INSERT INTO orders (order_number, user_id, items, subtotal, discount_amount, balance_used, total, status)
		     VALUES ('MS0000000001', $1, '[]', 10000, 0, 0, 10000, 'completed')
		     RETURNING id
		 )
		 INSERT INTO payouts (order_id, worker_id, amount, status)
		 SELECT o.id, $1, 7000, 'pending' FROM o
		 RETURNING id`,
		worker.ID,
	).Scan(&payoutID)
	if err != nil {
		t.Fatalf("insert payout: %v", err)
	}

	p, err := repo.ResolvePayout(ctx, payoutID, model.PayoutStatusPaid)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if p.Status != model.PayoutStatusPaid || p.ResolvedAt == nil {
		t.Fatalf("unexpected payout after resolve: %+v", p)
	}

	// Повторное решение с тем же статусом — no-op.
	if _, err := repo.ResolvePayout(ctx, payoutID, model.PayoutStatusPaid); err != nil {
		t.Fatalf("repeated resolve: %v", err)
	}

	// Смена уже принятого решения запрещена.
	if _, err := repo.ResolvePayout(ctx, payoutID, model.PayoutStatusRejected); !errors.Is(err, ErrPayoutResolved) {
		t.Fatalf("expected ErrPayoutResolved, got %v", err)
	}
}

func TestEnsureUser_Idempotent(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	referrer := createTestUser(t, repo, 100, 0)
	referrerTg := referrer.TgID

	first, err := repo.EnsureUser(ctx, 200, "buyer", &referrerTg)
	if err != nil {
		t.Fatalf("ensure user: %v", err)
	}
	second, err := repo.EnsureUser(ctx, 200, "buyer", &referrerTg)
	if err != nil {
		t.Fatalf("repeated ensure user: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("repeated registration created a new user: %d vs %d", first.ID, second.ID)
	}

	u, err := repo.GetUserByID(ctx, referrer.ID)
	if err != nil {
		t.Fatalf("get referrer: %v", err)
	}
	if u.ReferralCount != 1 {
		t.Fatalf("referral count = %d, want 1 (no double count)", u.ReferralCount)
	}
}
