// Package handler содержит HTTP-обработчики API магазина.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ndmitriev/metroshop-system/internal/config"
	"github.com/ndmitriev/metroshop-system/internal/middleware"
	"github.com/ndmitriev/metroshop-system/internal/model"
	"github.com/ndmitriev/metroshop-system/internal/pricing"
	"github.com/ndmitriev/metroshop-system/internal/repository"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	RegisterUser(ctx context.Context, tgID int64, username string, referrerTgID *int64) (*model.User, error)
	GetProfile(ctx context.Context, userID int64) (*model.Profile, error)
	GetCart(ctx context.Context, userID int64) ([]model.CartLine, error)
	AddToCart(ctx context.Context, userID, productID int64, qty int) (*model.CartLine, error)
	SetQuantity(ctx context.Context, userID, productID int64, qty int) error
	ClearCart(ctx context.Context, userID int64) error
	Checkout(ctx context.Context, userID int64, promoCode string) (*model.Order, error)
	PaymentInstructions(order *model.Order) string
	SubmitPaymentProof(ctx context.Context, userID int64, proofRef string) (*model.Order, error)
	GetOrders(ctx context.Context, userID int64) ([]model.Order, error)
	GetOrder(ctx context.Context, orderID int64) (*model.Order, error)
	ListOrders(ctx context.Context, status model.OrderStatus) ([]model.Order, error)
	ConfirmOrder(ctx context.Context, orderID int64) (*model.Order, error)
	RejectOrder(ctx context.Context, orderID int64) (*model.Order, error)
	ClaimOrder(ctx context.Context, orderID, workerID int64) (bool, error)
	AdvanceStatus(ctx context.Context, orderID int64, target model.OrderStatus) (*model.Order, error)
	GetPayouts(ctx context.Context, workerID int64) ([]model.Payout, error)
	ResolvePayout(ctx context.Context, payoutID int64, status model.PayoutStatus) (*model.Payout, error)
}

// Handler реализует HTTP-обработчики API магазина.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
	cfg            *config.Config
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware, cfg *config.Config) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
		cfg:            cfg,
	}
}

type registerRequest struct {
	TgID         int64  `json:"tg_id"`
	Username     string `json:"username"`
	ReferrerTgID *int64 `json:"referrer_tg_id,omitempty"`
}

type userResponse struct {
	ID       int64   `json:"id"`
	TgID     int64   `json:"tg_id"`
	Username string  `json:"username"`
	Balance  float64 `json:"balance"`
}

// Register регистрирует пользователя по идентификатору чата и
// устанавливает cookie авторизации. Повторная регистрация идемпотентна.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.TgID == 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	u, err := h.service.RegisterUser(r.Context(), req.TgID, req.Username, req.ReferrerTgID)
	if err != nil {
		h.logger.Error("register user error", zap.Error(err), zap.Int64("tgID", req.TgID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.authMiddleware.SetAuthCookie(w, middleware.Identity{UserID: u.ID, TgID: u.TgID})
	h.writeJSON(w, userResponse{
		ID:       u.ID,
		TgID:     u.TgID,
		Username: u.Username,
		Balance:  rubles(u.Balance),
	})
}

type cartLineResponse struct {
	ProductID int64   `json:"product_id"`
	Name      string  `json:"name"`
	Price     float64 `json:"price"`
	Quantity  int     `json:"quantity"`
	LineTotal float64 `json:"line_total"`
}

// GetCart возвращает содержимое корзины текущего пользователя.
func (h *Handler) GetCart(w http.ResponseWriter, r *http.Request) {
	id, ok := middleware.GetIdentity(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	lines, err := h.service.GetCart(r.Context(), id.UserID)
	if err != nil {
		h.logger.Error("get cart error", zap.Error(err), zap.Int64("userID", id.UserID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if len(lines) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]cartLineResponse, 0, len(lines))
	for _, l := range lines {
		resp = append(resp, cartLineResponse{
			ProductID: l.ProductID,
			Name:      l.Name,
			Price:     rubles(l.UnitPrice),
			Quantity:  l.Quantity,
			LineTotal: rubles(l.UnitPrice * int64(l.Quantity)),
		})
	}

	h.writeJSON(w, resp)
}

type cartRequest struct {
	ProductID int64 `json:"product_id"`
	Quantity  int   `json:"quantity"`
}

// AddToCart добавляет товар в корзину текущего пользователя.
func (h *Handler) AddToCart(w http.ResponseWriter, r *http.Request) {
	id, ok := middleware.GetIdentity(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req cartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	if req.ProductID == 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	line, err := h.service.AddToCart(r.Context(), id.UserID, req.ProductID, req.Quantity)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrProductUnavailable):
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		case errors.Is(err, repository.ErrUserBanned):
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		default:
			h.logger.Error("add to cart error", zap.Error(err), zap.Int64("userID", id.UserID))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	h.writeJSON(w, cartLineResponse{
		ProductID: line.ProductID,
		Name:      line.Name,
		Price:     rubles(line.UnitPrice),
		Quantity:  line.Quantity,
		LineTotal: rubles(line.UnitPrice * int64(line.Quantity)),
	})
}

// SetQuantity устанавливает количество товара в корзине. Нулевое
// количество удаляет позицию.
func (h *Handler) SetQuantity(w http.ResponseWriter, r *http.Request) {
	id, ok := middleware.GetIdentity(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req cartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	if req.ProductID == 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.SetQuantity(r.Context(), id.UserID, req.ProductID, req.Quantity); err != nil {
		h.logger.Error("set quantity error", zap.Error(err), zap.Int64("userID", id.UserID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// ClearCart очищает корзину текущего пользователя.
func (h *Handler) ClearCart(w http.ResponseWriter, r *http.Request) {
	id, ok := middleware.GetIdentity(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	if err := h.service.ClearCart(r.Context(), id.UserID); err != nil {
		h.logger.Error("clear cart error", zap.Error(err), zap.Int64("userID", id.UserID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
}

type checkoutRequest struct {
	PromoCode string `json:"promo_code,omitempty"`
}

type orderItemResponse struct {
	ProductID int64   `json:"product_id"`
	Name      string  `json:"name"`
	UnitPrice float64 `json:"unit_price"`
	Quantity  int     `json:"quantity"`
}

type orderResponse struct {
	Number      string              `json:"number"`
	Status      string              `json:"status"`
	Items       []orderItemResponse `json:"items"`
	Subtotal    float64             `json:"subtotal"`
	Discount    float64             `json:"discount"`
	BalanceUsed float64             `json:"balance_used"`
	Total       float64             `json:"total"`
	PromoCode   string              `json:"promo_code,omitempty"`
	Payment     string              `json:"payment,omitempty"`
	CreatedAt   string              `json:"created_at"`
	PaidAt      *string             `json:"paid_at,omitempty"`
	CompletedAt *string             `json:"completed_at,omitempty"`
	CancelledAt *string             `json:"cancelled_at,omitempty"`
}

func orderToResponse(o *model.Order) orderResponse {
	items := make([]orderItemResponse, 0, len(o.Items))
	for _, it := range o.Items {
		items = append(items, orderItemResponse{
			ProductID: it.ProductID,
			Name:      it.Name,
			UnitPrice: rubles(it.UnitPrice),
			Quantity:  it.Quantity,
		})
	}

	return orderResponse{
		Number:      o.Number,
		Status:      string(o.Status),
		Items:       items,
		Subtotal:    rubles(o.Subtotal),
		Discount:    rubles(o.DiscountAmount),
		BalanceUsed: rubles(o.BalanceUsed),
		Total:       rubles(o.Total),
		PromoCode:   o.PromoCode,
		CreatedAt:   o.CreatedAt.Format(time.RFC3339),
		PaidAt:      formatTime(o.PaidAt),
		CompletedAt: formatTime(o.CompletedAt),
		CancelledAt: formatTime(o.CancelledAt),
	}
}

// Checkout оформляет заказ из корзины текущего пользователя. Для заказа,
// ожидающего оплату, в ответ включаются платёжные реквизиты.
func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	id, ok := middleware.GetIdentity(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req checkoutRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
	}

	order, err := h.service.Checkout(r.Context(), id.UserID, req.PromoCode)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrEmptyCart),
			errors.Is(err, repository.ErrProductUnavailable),
			errors.Is(err, repository.ErrPromoNotFound),
			errors.Is(err, pricing.ErrPromoInactive),
			errors.Is(err, pricing.ErrPromoExpired),
			errors.Is(err, pricing.ErrPromoExhausted),
			errors.Is(err, pricing.ErrPromoMinOrder):
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		case errors.Is(err, repository.ErrUserBanned):
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		case errors.Is(err, repository.ErrInsufficientBalance):
			http.Error(w, http.StatusText(http.StatusPaymentRequired), http.StatusPaymentRequired)
		default:
			h.logger.Error("checkout error", zap.Error(err), zap.Int64("userID", id.UserID))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	resp := orderToResponse(order)
	if order.Status == model.OrderStatusAwaitingPayment {
		resp.Payment = h.service.PaymentInstructions(order)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Error("encode checkout response", zap.Error(err))
	}
}

type paymentProofRequest struct {
	Proof string `json:"proof"`
}

// SubmitPaymentProof принимает подтверждение оплаты от текущего
// пользователя. Без заказа в статусе awaiting_payment возвращает 204.
func (h *Handler) SubmitPaymentProof(w http.ResponseWriter, r *http.Request) {
	id, ok := middleware.GetIdentity(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req paymentProofRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	if req.Proof == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	order, err := h.service.SubmitPaymentProof(r.Context(), id.UserID, req.Proof)
	if err != nil {
		h.logger.Error("submit payment proof error", zap.Error(err), zap.Int64("userID", id.UserID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if order == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	h.writeJSON(w, orderToResponse(order))
}

// GetOrders возвращает заказы текущего пользователя от новых к старым.
func (h *Handler) GetOrders(w http.ResponseWriter, r *http.Request) {
	id, ok := middleware.GetIdentity(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	orders, err := h.service.GetOrders(r.Context(), id.UserID)
	if err != nil {
		h.logger.Error("get orders error", zap.Error(err), zap.Int64("userID", id.UserID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if len(orders) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]orderResponse, 0, len(orders))
	for i := range orders {
		resp = append(resp, orderToResponse(&orders[i]))
	}

	h.writeJSON(w, resp)
}

type profileResponse struct {
	Username      string  `json:"username"`
	Balance       float64 `json:"balance"`
	ReferralCount int     `json:"referral_count"`
	OrdersTotal   int     `json:"orders_total"`
	OrdersActive  int     `json:"orders_active"`
	TotalSpent    float64 `json:"total_spent"`
	VIP           bool    `json:"vip"`
	RegisteredAt  string  `json:"registered_at"`
}

// GetProfile возвращает профиль текущего пользователя.
func (h *Handler) GetProfile(w http.ResponseWriter, r *http.Request) {
	id, ok := middleware.GetIdentity(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	p, err := h.service.GetProfile(r.Context(), id.UserID)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("get profile error", zap.Error(err), zap.Int64("userID", id.UserID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, profileResponse{
		Username:      p.Username,
		Balance:       rubles(p.Balance),
		ReferralCount: p.ReferralCount,
		OrdersTotal:   p.OrdersTotal,
		OrdersActive:  p.OrdersActive,
		TotalSpent:    rubles(p.TotalSpent),
		VIP:           p.VIPActive,
		RegisteredAt:  p.RegisteredAt.Format(time.RFC3339),
	})
}

// ListOrders возвращает оператору очередь заказов, опционально
// отфильтрованную параметром status.
func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	status := model.OrderStatus(r.URL.Query().Get("status"))
	if status != "" && !model.ValidStatus(status) {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	orders, err := h.service.ListOrders(r.Context(), status)
	if err != nil {
		h.logger.Error("list orders error", zap.Error(err), zap.String("status", string(status)))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if len(orders) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]orderResponse, 0, len(orders))
	for i := range orders {
		resp = append(resp, orderToResponse(&orders[i]))
	}

	h.writeJSON(w, resp)
}

// GetOrder возвращает оператору заказ по идентификатору.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	orderID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	order, err := h.service.GetOrder(r.Context(), orderID)
	if err != nil {
		h.writeOrderError(w, err, orderID, "get order error")
		return
	}

	h.writeJSON(w, orderToResponse(order))
}

// ConfirmOrder подтверждает оплату заказа оператором.
func (h *Handler) ConfirmOrder(w http.ResponseWriter, r *http.Request) {
	orderID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	order, err := h.service.ConfirmOrder(r.Context(), orderID)
	if err != nil {
		h.writeOrderError(w, err, orderID, "confirm order error")
		return
	}

	h.writeJSON(w, orderToResponse(order))
}

// RejectOrder отклоняет заказ оператором.
func (h *Handler) RejectOrder(w http.ResponseWriter, r *http.Request) {
	orderID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	order, err := h.service.RejectOrder(r.Context(), orderID)
	if err != nil {
		h.writeOrderError(w, err, orderID, "reject order error")
		return
	}

	h.writeJSON(w, orderToResponse(order))
}

// ClaimOrder закрепляет текущего пользователя исполнителем заказа.
// Повторная заявка возвращает 200, новая — 202.
func (h *Handler) ClaimOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := middleware.GetIdentity(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	orderID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	already, err := h.service.ClaimOrder(r.Context(), orderID, id.UserID)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrOrderNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		case errors.Is(err, repository.ErrWorkerLimit), errors.Is(err, repository.ErrInvalidTransition):
			http.Error(w, err.Error(), http.StatusConflict)
		default:
			h.logger.Error("claim order error", zap.Error(err), zap.Int64("orderID", orderID))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	if already {
		w.WriteHeader(http.StatusOK)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

type advanceRequest struct {
	Status string `json:"status"`
}

// AdvanceStatus продвигает заказ по жизненному циклу исполнения.
func (h *Handler) AdvanceStatus(w http.ResponseWriter, r *http.Request) {
	orderID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var req advanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	target := model.OrderStatus(req.Status)
	if !model.ValidStatus(target) {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	order, err := h.service.AdvanceStatus(r.Context(), orderID, target)
	if err != nil {
		h.writeOrderError(w, err, orderID, "advance status error")
		return
	}

	h.writeJSON(w, orderToResponse(order))
}

type payoutResponse struct {
	ID        int64   `json:"id"`
	OrderID   int64   `json:"order_id"`
	Amount    float64 `json:"amount"`
	Status    string  `json:"status"`
	CreatedAt string  `json:"created_at"`
}

// GetPayouts возвращает выплаты текущего исполнителя.
func (h *Handler) GetPayouts(w http.ResponseWriter, r *http.Request) {
	id, ok := middleware.GetIdentity(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	payouts, err := h.service.GetPayouts(r.Context(), id.UserID)
	if err != nil {
		h.logger.Error("get payouts error", zap.Error(err), zap.Int64("workerID", id.UserID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if len(payouts) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]payoutResponse, 0, len(payouts))
	for _, p := range payouts {
		resp = append(resp, payoutResponse{
			ID:        p.ID,
			OrderID:   p.OrderID,
			Amount:    rubles(p.Amount),
			Status:    string(p.Status),
			CreatedAt: p.CreatedAt.Format(time.RFC3339),
		})
	}

	h.writeJSON(w, resp)
}

type resolvePayoutRequest struct {
	Status string `json:"status"`
}

// ResolvePayout помечает выплату выплаченной или отклонённой.
func (h *Handler) ResolvePayout(w http.ResponseWriter, r *http.Request) {
	payoutID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var req resolvePayoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	status := model.PayoutStatus(req.Status)
	if status != model.PayoutStatusPaid && status != model.PayoutStatusRejected {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	p, err := h.service.ResolvePayout(r.Context(), payoutID, status)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrPayoutNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		case errors.Is(err, repository.ErrPayoutResolved):
			http.Error(w, err.Error(), http.StatusConflict)
		default:
			h.logger.Error("resolve payout error", zap.Error(err), zap.Int64("payoutID", payoutID))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	h.writeJSON(w, payoutResponse{
		ID:        p.ID,
		OrderID:   p.OrderID,
		Amount:    rubles(p.Amount),
		Status:    string(p.Status),
		CreatedAt: p.CreatedAt.Format(time.RFC3339),
	})
}

func (h *Handler) writeOrderError(w http.ResponseWriter, err error, orderID int64, msg string) {
	switch {
	case errors.Is(err, repository.ErrOrderNotFound):
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	case errors.Is(err, repository.ErrInvalidTransition):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		h.logger.Error(msg, zap.Error(err), zap.Int64("orderID", orderID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(time.RFC3339)
	return &s
}

func rubles(cents int64) float64 {
	return float64(cents) / 100
}
