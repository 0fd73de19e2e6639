// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/sethvargo/go-retry"

	"github.com/ndmitriev/metroshop-system/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Ошибки уровня хранилища.
var (
	// ErrUserNotFound возвращается, если пользователь не найден.
	ErrUserNotFound = errors.New("user not found")
	// ErrUserBanned возвращается при операции от заблокированного пользователя.
	ErrUserBanned = errors.New("user is banned")
	// ErrProductUnavailable возвращается, если товар неактивен или закончился.
	ErrProductUnavailable = errors.New("product unavailable")
	// ErrEmptyCart возвращается при оформлении заказа с пустой корзиной.
	ErrEmptyCart = errors.New("cart is empty")
	// ErrPromoNotFound возвращается, если промокод не существует.
	ErrPromoNotFound = errors.New("promo code not found")
	// ErrInsufficientBalance возвращается при попытке списания суммы, превышающей баланс.
	// Публичные операции никогда не запрашивают больше доступного, поэтому
	// эта ошибка означает нарушение контракта и не должна гаситься.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrOrderNotFound возвращается, если заказ не найден.
	ErrOrderNotFound = errors.New("order not found")
	// ErrInvalidTransition возвращается при переходе, отсутствующем в таблице статусов.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrWorkerLimit возвращается, когда лимит исполнителей на заказ исчерпан.
	ErrWorkerLimit = errors.New("worker limit reached")
	// ErrPayoutNotFound возвращается, если выплата не найдена.
	ErrPayoutNotFound = errors.New("payout not found")
	// ErrPayoutResolved возвращается при повторном решении по уже закрытой выплате.
	ErrPayoutResolved = errors.New("payout already resolved")
)

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool

	// genNumber генерирует человекочитаемый номер заказа; заменяется в тестах.
	genNumber func(t time.Time) string
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{
		pool:      pool,
		genNumber: genOrderNumber,
	}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// withRetry повторяет fn при конфликтах сериализации и дедлоках.
// Обычные ошибки (валидация, нарушение уникальности) не повторяются.
func (r *PostgresRepository) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	backoff := retry.WithMaxRetries(3, retry.NewFibonacci(500*time.Millisecond))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn(ctx)
		if err == nil {
			return nil
		}

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				return retry.RetryableError(err)
			}
		}

		return err
	})
}

// genOrderNumber генерирует номер заказа: префикс MS, дата и случайный суффикс.
func genOrderNumber(t time.Time) string {
	return fmt.Sprintf("MS%s%04d", t.Format("060102"), rand.IntN(9000)+1000)
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// EnsureUser создаёт пользователя по внешнему идентификатору, если его ещё нет,
// и привязывает реферера. Самоприглашение игнорируется; счётчик рефералов
// увеличивается только при фактическом создании пользователя.
func (r *PostgresRepository) EnsureUser(ctx context.Context, tgID int64, username string, referrerTgID *int64) (*model.User, error) {
	if u, err := r.GetUserByTgID(ctx, tgID); err == nil {
		return u, nil
	} else if !errors.Is(err, ErrUserNotFound) {
		return nil, err
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var referrerID *int64
	if referrerTgID != nil && *referrerTgID != tgID {
		var id int64
		err := tx.QueryRow(ctx, `SELECT id FROM users WHERE tg_id = $1`, *referrerTgID).Scan(&id)
		switch {
		case err == nil:
			referrerID = &id
		case errors.Is(err, pgx.ErrNoRows):
			// Неизвестный реферер просто не привязывается.
		default:
			return nil, fmt.Errorf("resolve referrer: %w", err)
		}
	}

	cmdTag, err := tx.Exec(ctx,
		`INSERT INTO users (tg_id, username, referred_by) VALUES ($1, $2, $3)
		 ON CONFLICT (tg_id) DO NOTHING`,
		tgID, username, referrerID,
	)
	if err != nil {
		return nil, fmt.Errorf("insert user: %w", err)
	}

	if cmdTag.RowsAffected() == 1 && referrerID != nil {
		_, err = tx.Exec(ctx,
			`UPDATE users SET referral_count = referral_count + 1 WHERE id = $1`,
			*referrerID,
		)
		if err != nil {
			return nil, fmt.Errorf("increment referral count: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}

	return r.GetUserByTgID(ctx, tgID)
}

// GetUserByTgID возвращает пользователя по внешнему идентификатору.
func (r *PostgresRepository) GetUserByTgID(ctx context.Context, tgID int64) (*model.User, error) {
	return r.scanUser(r.pool.QueryRow(ctx,
		`SELECT id, tg_id, username, balance, referred_by, referral_count, banned, vip_until, registered_at
		 FROM users WHERE tg_id = $1`,
		tgID,
	))
}

// GetUserByID возвращает пользователя по внутреннему идентификатору.
func (r *PostgresRepository) GetUserByID(ctx context.Context, id int64) (*model.User, error) {
	return r.scanUser(r.pool.QueryRow(ctx,
		`SELECT id, tg_id, username, balance, referred_by, referral_count, banned, vip_until, registered_at
		 FROM users WHERE id = $1`,
		id,
	))
}

func (r *PostgresRepository) scanUser(row pgx.Row) (*model.User, error) {
	var u model.User
	err := row.Scan(&u.ID, &u.TgID, &u.Username, &u.Balance, &u.ReferredBy,
		&u.ReferralCount, &u.Banned, &u.VIPUntil, &u.RegisteredAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &u, nil
}

// GetProfile возвращает сводку по пользователю.
func (r *PostgresRepository) GetProfile(ctx context.Context, userID int64) (*model.Profile, error) {
	u, err := r.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	var (
		ordersTotal  int
		ordersActive int
		totalSpent   int64
	)
	err = r.pool.QueryRow(ctx,
		`SELECT COUNT(*),
		        COUNT(*) FILTER (WHERE status NOT IN ('completed', 'cancelled')),
		        COALESCE(SUM(total) FILTER (WHERE status NOT IN ('awaiting_payment', 'pending', 'cancelled')), 0)
		 FROM orders WHERE user_id = $1`,
		userID,
	).Scan(&ordersTotal, &ordersActive, &totalSpent)
	if err != nil {
		return nil, fmt.Errorf("count orders: %w", err)
	}

	return &model.Profile{
		UserID:        u.ID,
		Username:      u.Username,
		Balance:       u.Balance,
		ReferralCount: u.ReferralCount,
		OrdersTotal:   ordersTotal,
		OrdersActive:  ordersActive,
		TotalSpent:    totalSpent,
		VIPActive:     u.VIPUntil != nil && u.VIPUntil.After(time.Now()),
		RegisteredAt:  u.RegisteredAt,
	}, nil
}

// GetProduct возвращает товар каталога по идентификатору.
func (r *PostgresRepository) GetProduct(ctx context.Context, productID int64) (*model.Product, error) {
	var p model.Product
	err := r.pool.QueryRow(ctx,
		`SELECT id, name, price, stock, is_active, sold_count FROM products WHERE id = $1`,
		productID,
	).Scan(&p.ID, &p.Name, &p.Price, &p.Stock, &p.IsActive, &p.SoldCount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrProductUnavailable
		}
		return nil, fmt.Errorf("get product: %w", err)
	}
	return &p, nil
}
