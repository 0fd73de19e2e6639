package repository

import (
	"context"
	"fmt"

	"github.com/ndmitriev/metroshop-system/internal/model"
)

// AddCartLine добавляет товар в корзину или увеличивает количество
// существующей позиции. Позиция корзины уникальна по (user_id, product_id),
// поэтому параллельные добавления одного товара сходятся в одну строку.
func (r *PostgresRepository) AddCartLine(ctx context.Context, userID, productID int64, qty int) (*model.CartLine, error) {
	u, err := r.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if u.Banned {
		return nil, ErrUserBanned
	}

	p, err := r.GetProduct(ctx, productID)
	if err != nil {
		return nil, err
	}
	if !p.IsActive || p.Stock == 0 {
		return nil, fmt.Errorf("%w: %s", ErrProductUnavailable, p.Name)
	}

	var quantity int
	err = r.pool.QueryRow(ctx,
		`INSERT INTO cart (user_id, product_id, quantity) VALUES ($1, $2, $3)
		 ON CONFLICT (user_id, product_id) DO UPDATE SET quantity = cart.quantity + EXCLUDED.quantity
		 RETURNING quantity`,
		userID, productID, qty,
	).Scan(&quantity)
	if err != nil {
		return nil, fmt.Errorf("upsert cart line: %w", err)
	}

	return &model.CartLine{
		ProductID: productID,
		Name:      p.Name,
		UnitPrice: p.Price,
		Quantity:  quantity,
	}, nil
}

// SetCartQuantity устанавливает количество позиции; ноль и меньше удаляет её.
func (r *PostgresRepository) SetCartQuantity(ctx context.Context, userID, productID int64, qty int) error {
	if qty <= 0 {
		_, err := r.pool.Exec(ctx,
			`DELETE FROM cart WHERE user_id = $1 AND product_id = $2`,
			userID, productID,
		)
		if err != nil {
			return fmt.Errorf("delete cart line: %w", err)
		}
		return nil
	}

	_, err := r.pool.Exec(ctx,
		`INSERT INTO cart (user_id, product_id, quantity) VALUES ($1, $2, $3)
		 ON CONFLICT (user_id, product_id) DO UPDATE SET quantity = EXCLUDED.quantity`,
		userID, productID, qty,
	)
	if err != nil {
		return fmt.Errorf("set cart quantity: %w", err)
	}
	return nil
}

// ClearCart удаляет все позиции корзины пользователя.
func (r *PostgresRepository) ClearCart(ctx context.Context, userID int64) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM cart WHERE user_id = $1`, userID)
	if err != nil {
		return fmt.Errorf("clear cart: %w", err)
	}
	return nil
}

// GetCartLines возвращает позиции корзины с текущими ценами каталога.
// Цены здесь только для отображения: авторитетная цена фиксируется
// заново в момент оформления заказа.
func (r *PostgresRepository) GetCartLines(ctx context.Context, userID int64) ([]model.CartLine, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT c.product_id, p.name, p.price, c.quantity
		 FROM cart c
		 JOIN products p ON p.id = c.product_id
		 WHERE c.user_id = $1
		 ORDER BY c.product_id`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("select cart: %w", err)
	}
	defer rows.Close()

	var lines []model.CartLine
	for rows.Next() {
		var l model.CartLine
		if err := rows.Scan(&l.ProductID, &l.Name, &l.UnitPrice, &l.Quantity); err != nil {
			return nil, fmt.Errorf("scan cart line: %w", err)
		}
		lines = append(lines, l)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return lines, nil
}
