// Package service реализует бизнес-логику магазина.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/ndmitriev/metroshop-system/internal/config"
	"github.com/ndmitriev/metroshop-system/internal/model"
	"github.com/ndmitriev/metroshop-system/internal/repository"
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	EnsureUser(ctx context.Context, tgID int64, username string, referrerTgID *int64) (*model.User, error)
	GetUserByTgID(ctx context.Context, tgID int64) (*model.User, error)
	GetUserByID(ctx context.Context, id int64) (*model.User, error)
	GetProfile(ctx context.Context, userID int64) (*model.Profile, error)
	GetProduct(ctx context.Context, productID int64) (*model.Product, error)
	AddCartLine(ctx context.Context, userID, productID int64, qty int) (*model.CartLine, error)
	SetCartQuantity(ctx context.Context, userID, productID int64, qty int) error
	ClearCart(ctx context.Context, userID int64) error
	GetCartLines(ctx context.Context, userID int64) ([]model.CartLine, error)
	Checkout(ctx context.Context, userID int64, promoCode string) (*model.Order, error)
	SubmitPaymentProof(ctx context.Context, userID int64, proofRef string) (*model.Order, error)
	ConfirmOrder(ctx context.Context, orderID int64, referralPercent float64) (*model.Order, int64, bool, error)
	RejectOrder(ctx context.Context, orderID int64) (*model.Order, bool, error)
	ClaimOrder(ctx context.Context, orderID, workerID int64, maxWorkers int) (bool, error)
	AdvanceStatus(ctx context.Context, orderID int64, target model.OrderStatus, workerPercent float64) (*model.Order, error)
	GetOrder(ctx context.Context, orderID int64) (*model.Order, error)
	GetOrdersByUser(ctx context.Context, userID int64) ([]model.Order, error)
	GetOrdersByStatus(ctx context.Context, status model.OrderStatus) ([]model.Order, error)
	GetPayoutsByWorker(ctx context.Context, workerID int64) ([]model.Payout, error)
	ResolvePayout(ctx context.Context, payoutID int64, status model.PayoutStatus) (*model.Payout, error)
}

// SaleCounter отправляет событие продажи в каталожный сервис.
type SaleCounter interface {
	CountSale(ctx context.Context, order *model.Order) error
}

// Notifier доставляет сообщение в канал взаимодействия.
type Notifier interface {
	Send(ctx context.Context, chatID int64, text string) error
}

// Service содержит бизнес-логику магазина. Побочные эффекты (учёт продаж,
// уведомления) выполняются после фиксации транзакции и никогда не
// отменяют уже состоявшийся переход: их ошибки только логируются.
type Service struct {
	repo     Repository
	sales    SaleCounter
	notifier Notifier
	cfg      *config.Config
	logger   *zap.SugaredLogger
}

// NewService создаёт новый сервис магазина.
func NewService(repo Repository, sales SaleCounter, notifier Notifier, cfg *config.Config, logger *zap.SugaredLogger) *Service {
	return &Service{
		repo:     repo,
		sales:    sales,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// RegisterUser регистрирует пользователя по идентификатору чата. Повторная
// регистрация возвращает существующего пользователя. Если пользователь
// новый и пришёл по реферальной ссылке, реферер получает уведомление.
func (s *Service) RegisterUser(ctx context.Context, tgID int64, username string, referrerTgID *int64) (*model.User, error) {
	existing, err := s.repo.GetUserByTgID(ctx, tgID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, repository.ErrUserNotFound) {
		return nil, err
	}

	u, err := s.repo.EnsureUser(ctx, tgID, username, referrerTgID)
	if err != nil {
		return nil, err
	}

	if u.ReferredBy != nil {
		s.notifyUserID(ctx, *u.ReferredBy,
			fmt.Sprintf("По вашей ссылке зарегистрировался новый пользователь: %s", username))
	}

	return u, nil
}

// GetUser возвращает пользователя по идентификатору чата.
func (s *Service) GetUser(ctx context.Context, tgID int64) (*model.User, error) {
	return s.repo.GetUserByTgID(ctx, tgID)
}

// GetProfile возвращает профиль пользователя со счётчиками заказов.
func (s *Service) GetProfile(ctx context.Context, userID int64) (*model.Profile, error) {
	return s.repo.GetProfile(ctx, userID)
}

// AddToCart добавляет товар в корзину пользователя.
func (s *Service) AddToCart(ctx context.Context, userID, productID int64, qty int) (*model.CartLine, error) {
	if qty < 1 {
		qty = 1
	}
	return s.repo.AddCartLine(ctx, userID, productID, qty)
}

// SetQuantity устанавливает количество товара в корзине. Нулевое или
// отрицательное количество удаляет позицию.
func (s *Service) SetQuantity(ctx context.Context, userID, productID int64, qty int) error {
	return s.repo.SetCartQuantity(ctx, userID, productID, qty)
}

// ClearCart очищает корзину пользователя.
func (s *Service) ClearCart(ctx context.Context, userID int64) error {
	return s.repo.ClearCart(ctx, userID)
}

// GetCart возвращает содержимое корзины с актуальными ценами каталога.
func (s *Service) GetCart(ctx context.Context, userID int64) ([]model.CartLine, error) {
	return s.repo.GetCartLines(ctx, userID)
}

// Checkout оформляет заказ из корзины. Если баланс покрыл всю сумму,
// заказ сразу считается оплаченным: продажа учитывается, оператор
// уведомляется, подтверждение оплаты не требуется.
func (s *Service) Checkout(ctx context.Context, userID int64, promoCode string) (*model.Order, error) {
	promoCode = strings.ToUpper(strings.TrimSpace(promoCode))

	order, err := s.repo.Checkout(ctx, userID, promoCode)
	if err != nil {
		return nil, err
	}

	if order.Status == model.OrderStatusPaid {
		s.countSale(ctx, order)
		s.notifyOperator(ctx,
			fmt.Sprintf("Заказ %s оплачен балансом на сумму %.2f ₽, можно брать в работу", order.Number, rubles(order.Total)))
	} else {
		s.notifyOperator(ctx,
			fmt.Sprintf("Новый заказ %s на сумму %.2f ₽, ожидает оплату", order.Number, rubles(order.Total)))
	}

	return order, nil
}

// PaymentInstructions возвращает текст с реквизитами для оплаты заказа.
func (s *Service) PaymentInstructions(order *model.Order) string {
	return fmt.Sprintf(
		"Заказ %s на сумму %.2f ₽.\nПереведите сумму на карту %s (%s, %s) и отправьте подтверждение оплаты.",
		order.Number, rubles(order.Total), s.cfg.PaymentCard, s.cfg.PaymentHolder, s.cfg.PaymentBank)
}

// SubmitPaymentProof привязывает подтверждение оплаты к ожидающему заказу
// и уведомляет оператора. Без ожидающего заказа подтверждение молча
// игнорируется и возвращает nil-заказ.
func (s *Service) SubmitPaymentProof(ctx context.Context, userID int64, proofRef string) (*model.Order, error) {
	order, err := s.repo.SubmitPaymentProof(ctx, userID, proofRef)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, nil
	}

	s.notifyOperator(ctx,
		fmt.Sprintf("Заказ %s: получено подтверждение оплаты (%s), требуется проверка", order.Number, proofRef))

	return order, nil
}

// ConfirmOrder подтверждает оплату заказа оператором. Повторное
// подтверждение — no-op: продажа не учитывается и комиссия не
// начисляется второй раз.
func (s *Service) ConfirmOrder(ctx context.Context, orderID int64) (*model.Order, error) {
	order, credited, already, err := s.repo.ConfirmOrder(ctx, orderID, s.cfg.ReferralPercent)
	if err != nil {
		return nil, err
	}
	if already {
		return order, nil
	}

	s.countSale(ctx, order)
	s.notifyUserID(ctx, order.UserID,
		fmt.Sprintf("Оплата заказа %s подтверждена, заказ передан в работу", order.Number))

	if credited > 0 {
		buyer, err := s.repo.GetUserByID(ctx, order.UserID)
		if err != nil {
			s.logger.Errorw("get buyer for referral notice", "order", order.Number, "error", err)
		} else if buyer.ReferredBy != nil {
			s.notifyUserID(ctx, *buyer.ReferredBy,
				fmt.Sprintf("Реферальное начисление %.2f ₽ за заказ вашего приглашённого", rubles(credited)))
		}
	}

	return order, nil
}

// RejectOrder отклоняет заказ оператором и возвращает пользователю
// использованный баланс. Повторное отклонение — no-op.
func (s *Service) RejectOrder(ctx context.Context, orderID int64) (*model.Order, error) {
	order, already, err := s.repo.RejectOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if already {
		return order, nil
	}

	msg := fmt.Sprintf("Заказ %s отклонён", order.Number)
	if order.BalanceUsed > 0 {
		msg = fmt.Sprintf("%s, %.2f ₽ возвращено на баланс", msg, rubles(order.BalanceUsed))
	}
	s.notifyUserID(ctx, order.UserID, msg)

	return order, nil
}

// ClaimOrder закрепляет исполнителя за заказом. Повторная заявка того же
// исполнителя возвращает признак уже существующего закрепления.
func (s *Service) ClaimOrder(ctx context.Context, orderID, workerID int64) (bool, error) {
	return s.repo.ClaimOrder(ctx, orderID, workerID, s.cfg.MaxWorkersPerOrder)
}

// AdvanceStatus продвигает заказ по жизненному циклу исполнения и
// уведомляет покупателя о смене статуса.
func (s *Service) AdvanceStatus(ctx context.Context, orderID int64, target model.OrderStatus) (*model.Order, error) {
	order, err := s.repo.AdvanceStatus(ctx, orderID, target, s.cfg.WorkerPercent)
	if err != nil {
		return nil, err
	}

	var msg string
	switch order.Status {
	case model.OrderStatusInProgress:
		msg = fmt.Sprintf("Заказ %s взят в работу", order.Number)
	case model.OrderStatusDelivering:
		msg = fmt.Sprintf("Заказ %s передан в доставку", order.Number)
	case model.OrderStatusCompleted:
		msg = fmt.Sprintf("Заказ %s выполнен, спасибо за покупку!", order.Number)
	}
	if msg != "" {
		s.notifyUserID(ctx, order.UserID, msg)
	}

	return order, nil
}

// GetOrder возвращает заказ по идентификатору.
func (s *Service) GetOrder(ctx context.Context, orderID int64) (*model.Order, error) {
	return s.repo.GetOrder(ctx, orderID)
}

// GetOrders возвращает заказы пользователя от новых к старым.
func (s *Service) GetOrders(ctx context.Context, userID int64) ([]model.Order, error) {
	return s.repo.GetOrdersByUser(ctx, userID)
}

// ListOrders возвращает очередь заказов для оператора, при необходимости
// отфильтрованную по статусу.
func (s *Service) ListOrders(ctx context.Context, status model.OrderStatus) ([]model.Order, error) {
	return s.repo.GetOrdersByStatus(ctx, status)
}

// GetPayouts возвращает выплаты исполнителя.
func (s *Service) GetPayouts(ctx context.Context, workerID int64) ([]model.Payout, error) {
	return s.repo.GetPayoutsByWorker(ctx, workerID)
}

// ResolvePayout помечает выплату выплаченной или отклонённой.
func (s *Service) ResolvePayout(ctx context.Context, payoutID int64, status model.PayoutStatus) (*model.Payout, error) {
	p, err := s.repo.ResolvePayout(ctx, payoutID, status)
	if err != nil {
		return nil, err
	}

	worker, uerr := s.repo.GetUserByID(ctx, p.WorkerID)
	if uerr != nil {
		s.logger.Errorw("get worker for payout notice", "payout", p.ID, "error", uerr)
		return p, nil
	}
	switch p.Status {
	case model.PayoutStatusPaid:
		s.notifyChat(ctx, worker.TgID, fmt.Sprintf("Выплата %.2f ₽ по заказу отправлена", rubles(p.Amount)))
	case model.PayoutStatusRejected:
		s.notifyChat(ctx, worker.TgID, fmt.Sprintf("Выплата %.2f ₽ по заказу отклонена", rubles(p.Amount)))
	}

	return p, nil
}

// countSale учитывает продажу в каталожном сервисе. Ошибка логируется:
// продажа уже состоялась и не может быть отменена из-за сбоя учёта.
func (s *Service) countSale(ctx context.Context, order *model.Order) {
	if s.sales == nil {
		return
	}
	if err := s.sales.CountSale(ctx, order); err != nil {
		s.logger.Errorw("count sale", "order", order.Number, "error", err)
	}
}

// notifyUserID отправляет уведомление пользователю по его внутреннему
// идентификатору.
func (s *Service) notifyUserID(ctx context.Context, userID int64, text string) {
	u, err := s.repo.GetUserByID(ctx, userID)
	if err != nil {
		s.logger.Errorw("get user for notice", "user", userID, "error", err)
		return
	}
	s.notifyChat(ctx, u.TgID, text)
}

func (s *Service) notifyOperator(ctx context.Context, text string) {
	if s.cfg.OperatorChat == 0 {
		return
	}
	s.notifyChat(ctx, s.cfg.OperatorChat, text)
}

func (s *Service) notifyChat(ctx context.Context, chatID int64, text string) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Send(ctx, chatID, text); err != nil {
		s.logger.Errorw("send notice", "chat", chatID, "error", err)
	}
}

func rubles(cents int64) float64 {
	return float64(cents) / 100
}
