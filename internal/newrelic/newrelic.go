// Package newrelic provides New Relic APM integration for monitoring.
package newrelic

import (
	"context"
	"sync"
	"time"

	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/tos-network/tos-ledger/internal/config"
	"github.com/tos-network/tos-ledger/internal/util"
)

// Agent wraps New Relic APM functionality. A nil or disabled agent records nothing.
type Agent struct {
	cfg config.NewRelicConfig
	app *newrelic.Application
	mu  sync.RWMutex
}

// NewAgent creates a new New Relic agent
func NewAgent(cfg config.NewRelicConfig) *Agent {
	return &Agent{
		cfg: cfg,
	}
}

// Start initializes the New Relic agent
func (a *Agent) Start() error {
	if !a.cfg.Enabled {
		util.Info("New Relic APM disabled")
		return nil
	}

	if a.cfg.LicenseKey == "" {
		util.Warn("New Relic license key not configured, APM disabled")
		return nil
	}

	app, err := newrelic.NewApplication(
		newrelic.ConfigAppName(a.cfg.AppName),
		newrelic.ConfigLicense(a.cfg.LicenseKey),
		newrelic.ConfigDistributedTracerEnabled(true),
	)
	if err != nil {
		return err
	}

	// Wait for connection (up to 5 seconds)
	if err := app.WaitForConnection(5 * time.Second); err != nil {
		util.Warnf("New Relic connection timeout: %v (will retry in background)", err)
	}

	a.mu.Lock()
	a.app = app
	a.mu.Unlock()

	util.Infof("New Relic APM enabled for app: %s", a.cfg.AppName)
	return nil
}

// Stop shuts down the New Relic agent
func (a *Agent) Stop() {
	app := a.application()
	if app != nil {
		util.Info("Shutting down New Relic agent")
		app.Shutdown(10 * time.Second)
	}
}

func (a *Agent) application() *newrelic.Application {
	if a == nil {
		return nil
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.app
}

// Application returns the underlying New Relic application (for middleware)
func (a *Agent) Application() *newrelic.Application {
	return a.application()
}

// IsEnabled returns true if New Relic is enabled and connected
func (a *Agent) IsEnabled() bool {
	return a.application() != nil
}

// StartTransaction starts a new New Relic transaction, nil when disabled
func (a *Agent) StartTransaction(name string) *newrelic.Transaction {
	app := a.application()
	if app == nil {
		return nil
	}
	return app.StartTransaction(name)
}

// Cycle runs fn inside a transaction named after the component and pool.
// The transaction travels in the context so daemon calls can add segments.
func (a *Agent) Cycle(ctx context.Context, component, pool string, fn func(ctx context.Context) error) error {
	txn := a.StartTransaction(component + "/" + pool)
	if txn == nil {
		return fn(ctx)
	}
	defer txn.End()

	err := fn(newrelic.NewContext(ctx, txn))
	if err != nil {
		txn.NoticeError(err)
	}
	return err
}

// RecordCustomEvent records a custom event
func (a *Agent) RecordCustomEvent(eventType string, params map[string]interface{}) {
	if app := a.application(); app != nil {
		app.RecordCustomEvent(eventType, params)
	}
}

// RecordCustomMetric records a custom metric
func (a *Agent) RecordCustomMetric(name string, value float64) {
	if app := a.application(); app != nil {
		app.RecordCustomMetric(name, value)
	}
}

// RecordMaturation records the outcome counts of one maturation cycle
func (a *Agent) RecordMaturation(pool string, generate, orphan, kicked int) {
	a.RecordCustomEvent("Maturation", map[string]interface{}{
		"pool":     pool,
		"generate": generate,
		"orphan":   orphan,
		"kicked":   kicked,
	})
}

// RecordPayment records a payment event
func (a *Agent) RecordPayment(pool, txID string, total int64, miners int) {
	a.RecordCustomEvent("Payment", map[string]interface{}{
		"pool":   pool,
		"txId":   txID,
		"total":  total,
		"miners": miners,
	})
}

// UpdatePoolMetrics updates pool-wide metrics
func (a *Agent) UpdatePoolMetrics(pool string, hashrate float64, miners int) {
	a.RecordCustomMetric("Custom/Pool/"+pool+"/Hashrate", hashrate)
	a.RecordCustomMetric("Custom/Pool/"+pool+"/Miners", float64(miners))
}

// UpdateNetworkMetrics updates network metrics
func (a *Agent) UpdateNetworkMetrics(pool string, height uint64, difficulty float64) {
	a.RecordCustomMetric("Custom/Network/"+pool+"/Height", float64(height))
	a.RecordCustomMetric("Custom/Network/"+pool+"/Difficulty", difficulty)
}
