package execution

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"execledger/internal/adapters/alpaca"
	"execledger/internal/adapters/simulation"
	"execledger/internal/ledger"
	"execledger/internal/ports"
	"execledger/internal/risk"
)

// Execution modes.
const (
	ModeSimulation = "simulation"
	ModePaper      = "paper"
	ModeLive       = "live"
)

// BrokerConfig carries broker credentials and retry settings.
type BrokerConfig struct {
	KeyID      string
	SecretKey  string
	PaperURL   string
	LiveURL    string
	Timeout    time.Duration // Per HTTP attempt
	MaxRetries int
	RetryMin   time.Duration
	RetryMax   time.Duration
	HTTPClient *http.Client // Optional
}

func (c BrokerConfig) hasCredentials() bool {
	return c.KeyID != "" && c.SecretKey != ""
}

// FactoryConfig selects and builds a backend.
type FactoryConfig struct {
	Mode        string
	ConfirmLive bool // Live trading must be confirmed explicitly
	Broker      BrokerConfig
	Ledger      *ledger.Ledger
	Risk        *risk.RiskManager // Simulation only
	Logger      ports.Logger
	Now         func() time.Time
}

// NewBackend builds the backend for cfg.Mode. Paper mode without credentials
// falls back to simulation; live mode never does.
func NewBackend(ctx context.Context, cfg FactoryConfig) (ports.ExecutionAdapter, error) {
	if cfg.Logger == nil || cfg.Ledger == nil {
		return nil, fmt.Errorf("backend factory requires a ledger and a logger: %w", ports.ErrConfiguration)
	}
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = ModeSimulation
	}

	switch mode {
	case ModeSimulation:
		return newSimulation(ctx, cfg)

	case ModePaper:
		if !cfg.Broker.hasCredentials() {
			cfg.Logger.Warn(ctx, "newBackend: Paper mode requested but broker credentials are missing, falling back to simulation")
			return newSimulation(ctx, cfg)
		}
		return newBroker(ctx, cfg, ModePaper, cfg.Broker.PaperURL, alpaca.PaperURL)

	case ModeLive:
		if !cfg.Broker.hasCredentials() {
			return nil, fmt.Errorf("live mode requires broker credentials: %w", ports.ErrConfiguration)
		}
		if !cfg.ConfirmLive {
			return nil, fmt.Errorf("live mode requires CONFIRM_LIVE_TRADING=true: %w", ports.ErrConfiguration)
		}
		cfg.Logger.Warn(ctx, "newBackend: LIVE TRADING ENABLED, orders will reach the real broker")
		return newBroker(ctx, cfg, ModeLive, cfg.Broker.LiveURL, alpaca.LiveURL)

	default:
		return nil, fmt.Errorf("unknown execution mode %q: %w", cfg.Mode, ports.ErrConfiguration)
	}
}

func newSimulation(ctx context.Context, cfg FactoryConfig) (ports.ExecutionAdapter, error) {
	cfg.Logger.Info(ctx, "newBackend: Using simulation backend")
	b, err := simulation.New(simulation.Config{
		Ledger: cfg.Ledger,
		Risk:   cfg.Risk,
		Logger: cfg.Logger,
		Now:    cfg.Now,
	})
	if err != nil {
		return nil, err
	}
	return b, nil
}

func newBroker(ctx context.Context, cfg FactoryConfig, name, url, fallback string) (ports.ExecutionAdapter, error) {
	if url == "" {
		url = fallback
	}
	httpClient := cfg.Broker.HTTPClient
	if httpClient == nil {
		timeout := cfg.Broker.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	client, err := alpaca.NewClient(alpaca.ClientConfig{
		BaseURL:    url,
		KeyID:      cfg.Broker.KeyID,
		SecretKey:  cfg.Broker.SecretKey,
		HTTPClient: httpClient,
		MaxRetries: cfg.Broker.MaxRetries,
		RetryMin:   cfg.Broker.RetryMin,
		RetryMax:   cfg.Broker.RetryMax,
		Logger:     cfg.Logger,
	})
	if err != nil {
		return nil, err
	}
	cfg.Logger.Info(ctx, "newBackend: Using broker backend", map[string]interface{}{
		"mode": name,
		"url":  url,
	})
	b, err := alpaca.New(alpaca.Config{
		Client: client,
		Ledger: cfg.Ledger,
		Logger: cfg.Logger,
		Name:   name,
		Now:    cfg.Now,
	})
	if err != nil {
		return nil, err
	}
	return b, nil
}
