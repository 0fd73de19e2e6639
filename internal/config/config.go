// Package config содержит логику чтения конфигурации магазина.
package config

import (
	"flag"
	"fmt"
	"strconv"
	"strings"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации магазина. Все бизнес-параметры
// (проценты, реквизиты, администраторы) передаются компонентам явно,
// глобального изменяемого состояния нет.
type Config struct {
	RunAddress     string  `env:"RUN_ADDRESS"`
	DatabaseURI    string  `env:"DATABASE_URI"`
	CatalogAddress string  `env:"CATALOG_ADDRESS"`
	NotifyAddress  string  `env:"NOTIFY_ADDRESS"`
	AuthSecret     string  `env:"AUTH_SECRET"`
	AdminIDs       []int64 `env:"ADMIN_IDS"`
	OperatorChat   int64   `env:"OPERATOR_CHAT_ID"`

	ReferralPercent    float64 `env:"REFERRAL_PERCENT"`
	WorkerPercent      float64 `env:"WORKER_PERCENT"`
	MaxWorkersPerOrder int     `env:"MAX_WORKERS_PER_ORDER"`

	PaymentCard   string `env:"PAYMENT_CARD"`
	PaymentHolder string `env:"PAYMENT_HOLDER"`
	PaymentBank   string `env:"PAYMENT_BANK"`
}

// IsAdmin сообщает, входит ли идентификатор в список администраторов.
func (c *Config) IsAdmin(tgID int64) bool {
	for _, id := range c.AdminIDs {
		if id == tgID {
			return true
		}
	}
	return false
}

// Parse считывает конфигурацию из флагов командной строки и переменных
// окружения. Значения из окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envCfg := *cfg
	envAdminIDs := append([]int64(nil), cfg.AdminIDs...)

	var adminsFlag string
	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.CatalogAddress, "c", "", "catalog service address")
	flag.StringVar(&cfg.NotifyAddress, "n", "", "interaction channel address")
	flag.StringVar(&cfg.AuthSecret, "s", "", "secret for signed identity cookies")
	flag.StringVar(&adminsFlag, "admins", "", "comma-separated admin ids")
	flag.Int64Var(&cfg.OperatorChat, "operator-chat", 0, "chat id for operator notifications")
	flag.Float64Var(&cfg.ReferralPercent, "referral-percent", 0.05, "referrer commission share of cash-paid total")
	flag.Float64Var(&cfg.WorkerPercent, "worker-percent", 0.7, "worker payout share of order total")
	flag.IntVar(&cfg.MaxWorkersPerOrder, "max-workers", 3, "maximum workers per order")
	flag.StringVar(&cfg.PaymentCard, "payment-card", "", "payment requisites: card number")
	flag.StringVar(&cfg.PaymentHolder, "payment-holder", "", "payment requisites: card holder")
	flag.StringVar(&cfg.PaymentBank, "payment-bank", "", "payment requisites: bank name")

	flag.Parse()

	if adminsFlag != "" && len(cfg.AdminIDs) == 0 {
		ids, err := parseAdminIDs(adminsFlag)
		if err != nil {
			return nil, err
		}
		cfg.AdminIDs = ids
	}

	if envCfg.RunAddress != "" {
		cfg.RunAddress = envCfg.RunAddress
	}
	if envCfg.DatabaseURI != "" {
		cfg.DatabaseURI = envCfg.DatabaseURI
	}
	if envCfg.CatalogAddress != "" {
		cfg.CatalogAddress = envCfg.CatalogAddress
	}
	if envCfg.NotifyAddress != "" {
		cfg.NotifyAddress = envCfg.NotifyAddress
	}
	if envCfg.AuthSecret != "" {
		cfg.AuthSecret = envCfg.AuthSecret
	}
	if len(envAdminIDs) > 0 {
		cfg.AdminIDs = envAdminIDs
	}
	if envCfg.OperatorChat != 0 {
		cfg.OperatorChat = envCfg.OperatorChat
	}
	if envCfg.ReferralPercent != 0 {
		cfg.ReferralPercent = envCfg.ReferralPercent
	}
	if envCfg.WorkerPercent != 0 {
		cfg.WorkerPercent = envCfg.WorkerPercent
	}
	if envCfg.MaxWorkersPerOrder != 0 {
		cfg.MaxWorkersPerOrder = envCfg.MaxWorkersPerOrder
	}
	if envCfg.PaymentCard != "" {
		cfg.PaymentCard = envCfg.PaymentCard
	}
	if envCfg.PaymentHolder != "" {
		cfg.PaymentHolder = envCfg.PaymentHolder
	}
	if envCfg.PaymentBank != "" {
		cfg.PaymentBank = envCfg.PaymentBank
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}

	return cfg, nil
}

func parseAdminIDs(s string) ([]int64, error) {
	parts := strings.Split(s, ",")
	ids := make([]int64, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		id, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse admin id %q: %w", p, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
