package risk

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/VictorVVedtion/delta-terminal-sub000/internal/alerts"
	"github.com/VictorVVedtion/delta-terminal-sub000/internal/config"
	"github.com/VictorVVedtion/delta-terminal-sub000/internal/domain"
	"github.com/VictorVVedtion/delta-terminal-sub000/internal/kv"
	"github.com/VictorVVedtion/delta-terminal-sub000/internal/positions"
)

// OrderStopper cancels every open order during an emergency stop and
// returns the ids it acted on.
type OrderStopper interface {
	CancelAllOpen(ctx context.Context) ([]string, error)
}

// Manager is the risk service: pre-trade gate, monitor, emergency stop.
type Manager struct {
	cache   kv.Store
	tracker *positions.Tracker
	alerts  *alerts.Service
	stopper OrderStopper
	cfg     config.RiskConfig
	userID  string
	log     zerolog.Logger
}

// NewManager wires the risk service. stopper may be set later via
// SetStopper to break the construction cycle with the order service.
func NewManager(cache kv.Store, tracker *positions.Tracker, alertSvc *alerts.Service, cfg config.RiskConfig, userID string, log zerolog.Logger) *Manager {
	return &Manager{
		cache:   cache,
		tracker: tracker,
		alerts:  alertSvc,
		cfg:     cfg,
		userID:  userID,
		log:     log.With().Str("component", "risk").Logger(),
	}
}

// SetStopper installs the emergency-stop fan-out target.
func (m *Manager) SetStopper(s OrderStopper) { m.stopper = s }

// CheckOrder runs the rule chain over an intent. The chain short-circuits
// on the first hard failure; warnings from rules that passed are carried
// either way.
func (m *Manager) CheckOrder(ctx context.Context, intent *domain.Intent) (*domain.RiskAssessment, error) {
	stopped, err := m.Stopped(ctx)
	if err != nil {
		return nil, fmt.Errorf("read emergency stop flag: %w", err)
	}

	in := &ruleInput{
		intent:   intent,
		notional: intent.Notional(m.referencePrice(ctx, intent)),
		symbol:   m.tracker.Exposure(intent.Symbol),
		total:    m.tracker.TotalExposure(),
		pnl:      m.tracker.PnL(),
		stopped:  stopped,
		cfg:      m.cfg,
	}

	assessment := &domain.RiskAssessment{Approved: true, Level: domain.RiskLow}
	if !in.notional.IsPositive() && intent.Type == domain.OrderTypeMarket {
		assessment.Warnings = append(assessment.Warnings,
			fmt.Sprintf("no reference price for %s on %s, notional rules skipped", intent.Symbol, intent.Venue))
	}

	for _, r := range chain() {
		res := r.check(in)
		assessment.Level = domain.MaxRiskLevel(assessment.Level, res.level)
		if res.warning != "" {
			assessment.Warnings = append(assessment.Warnings, res.warning)
		}
		if res.reason != "" {
			assessment.Approved = false
			assessment.Reasons = append(assessment.Reasons, res.reason)
			m.log.Warn().
				Str("rule", r.name()).
				Str("symbol", intent.Symbol).
				Str("reason", res.reason).
				Msg("Order rejected by risk rule")
			break
		}
	}
	return assessment, nil
}

// referencePrice reads the cached ticker for the intent's market. Limit
// prices are handled inside Intent.Notional; this is the market-order
// fallback.
func (m *Manager) referencePrice(ctx context.Context, intent *domain.Intent) decimal.Decimal {
	raw, err := m.cache.Get(ctx, kv.KeyTicker(intent.Venue, intent.Symbol))
	if err != nil {
		return decimal.Zero
	}
	var ticker domain.Ticker
	if err := json.Unmarshal([]byte(raw), &ticker); err != nil {
		return decimal.Zero
	}
	return ticker.Last
}

// Stopped reports whether the emergency stop flag is armed.
func (m *Manager) Stopped(ctx context.Context) (bool, error) {
	return m.cache.Exists(ctx, kv.KeyEmergencyStop(m.userID))
}

// stopFlag is the payload stored under the emergency stop key.
type stopFlag struct {
	Reason    string    `json:"reason"`
	UserID    string    `json:"user_id"`
	StoppedAt time.Time `json:"stopped_at"`
}

// EmergencyStop arms the stop flag, cancels every open order, flattens
// every open position, and raises a critical alert. Arming is idempotent:
// a second call refreshes the flag TTL and re-runs the fan-out, which
// no-ops on orders already terminal and on an empty book. Returns the
// canceled order ids and the closed position keys.
func (m *Manager) EmergencyStop(ctx context.Context, reason string) ([]string, []string, error) {
	ttl := m.cfg.EmergencyStopTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	flag, err := json.Marshal(stopFlag{
		Reason:    reason,
		UserID:    m.userID,
		StoppedAt: time.Now().UTC(),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("encode emergency stop flag: %w", err)
	}
	if err := m.cache.Set(ctx, kv.KeyEmergencyStop(m.userID), string(flag), ttl); err != nil {
		return nil, nil, fmt.Errorf("arm emergency stop: %w", err)
	}

	var canceled []string
	if m.stopper != nil {
		ids, err := m.stopper.CancelAllOpen(ctx)
		canceled = ids
		if err != nil {
			// The flag is armed even when some cancels fail; the gate is
			// what actually stops new orders.
			m.log.Error().Err(err).Msg("Emergency cancel fan-out incomplete")
		}
	}

	closed, err := m.tracker.CloseAll(ctx)
	if err != nil {
		m.log.Error().Err(err).Msg("Emergency position flatten incomplete")
	}

	_, _, err = m.alerts.Create(ctx, m.userID, domain.AlertEmergencyStop, domain.SeverityCritical,
		"emergency stop activated: "+reason,
		map[string]interface{}{"canceled_orders": len(canceled), "closed_positions": len(closed)})
	if err != nil {
		m.log.Error().Err(err).Msg("Emergency stop alert failed")
	}

	m.log.Warn().
		Str("reason", reason).
		Int("canceled", len(canceled)).
		Int("closed", len(closed)).
		Msg("Emergency stop activated")
	return canceled, closed, nil
}

// Resume clears the stop flag.
func (m *Manager) Resume(ctx context.Context) error {
	if err := m.cache.Delete(ctx, kv.KeyEmergencyStop(m.userID)); err != nil {
		return err
	}
	m.log.Info().Msg("Emergency stop cleared")
	return nil
}

// RunMonitor is the background loop: mark the book to market, snapshot,
// raise alerts, and trip the emergency stop when a hard limit breaks.
func (m *Manager) RunMonitor(ctx context.Context) {
	interval := m.cfg.MonitorInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.log.Info().Dur("interval", interval).Msg("Risk monitor started")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

func (m *Manager) sweep(ctx context.Context) {
	m.tracker.MarkToMarket(ctx)
	m.tracker.Snapshot(ctx)

	pnl := m.tracker.PnL()
	m.checkConcentration(ctx, pnl)
	m.checkConsecutiveLosses(ctx, pnl)
	m.checkDailyLoss(ctx, pnl)
	m.checkDrawdown(ctx, pnl)
}

// checkConcentration alerts when one position's share of equity passes
// the configured percentage.
func (m *Manager) checkConcentration(ctx context.Context, pnl domain.PnLSnapshot) {
	if m.cfg.ConcentrationPct <= 0 || !pnl.Equity.IsPositive() {
		return
	}
	limit := decimal.NewFromFloat(m.cfg.ConcentrationPct)
	for _, pos := range m.tracker.All() {
		share := pos.Notional().Div(pnl.Equity).Mul(decimal.NewFromInt(100))
		if share.GreaterThan(limit) {
			// The dedup identity buckets the share to 5% bands so a ticking
			// mark price cannot re-fire the same situation every sweep.
			band := share.Div(decimal.NewFromInt(5)).Floor().Mul(decimal.NewFromInt(5))
			_, _, _ = m.alerts.Create(ctx, m.userID, domain.AlertConcentration, domain.SeverityWarning,
				fmt.Sprintf("%s is %s%% of equity (limit %s%%)", pos.Symbol, share.StringFixed(1), limit.StringFixed(0)),
				map[string]interface{}{"symbol": pos.Symbol, "share_band_pct": band.String()})
		}
	}
}

// checkConsecutiveLosses warns at 80% of the streak cap and escalates to
// critical at the cap.
func (m *Manager) checkConsecutiveLosses(ctx context.Context, pnl domain.PnLSnapshot) {
	max := m.cfg.MaxConsecutiveLoss
	if max <= 0 {
		return
	}
	n := pnl.ConsecutiveLosses
	switch {
	case n >= max:
		_, _, _ = m.alerts.Create(ctx, m.userID, domain.AlertConsecutiveLoss, domain.SeverityCritical,
			fmt.Sprintf("%d consecutive losing trades (limit %d)", n, max),
			map[string]interface{}{"consecutive_losses": n})
	case float64(n) >= float64(max)*0.8:
		_, _, _ = m.alerts.Create(ctx, m.userID, domain.AlertConsecutiveLoss, domain.SeverityWarning,
			fmt.Sprintf("%d consecutive losing trades, approaching limit %d", n, max),
			map[string]interface{}{"consecutive_losses": n})
	}
}

// checkDailyLoss and checkDrawdown run the same graded rules the pre-trade
// gate uses: band warnings surface as alerts, a breach arms the stop.
func (m *Manager) checkDailyLoss(ctx context.Context, pnl domain.PnLSnapshot) {
	res := dailyLossRule{}.check(&ruleInput{pnl: pnl, cfg: m.cfg})
	m.applyMonitorGrade(ctx, domain.AlertDailyLoss, res)
}

func (m *Manager) checkDrawdown(ctx context.Context, pnl domain.PnLSnapshot) {
	res := drawdownRule{}.check(&ruleInput{pnl: pnl, cfg: m.cfg})
	m.applyMonitorGrade(ctx, domain.AlertDrawdown, res)
}

// applyMonitorGrade turns a rule verdict into monitor action. Re-arming
// while a breach persists is avoided by checking the flag first; the
// alert dedup window absorbs repeated band warnings.
func (m *Manager) applyMonitorGrade(ctx context.Context, typ domain.AlertType, res ruleResult) {
	switch {
	case res.reason != "":
		if stopped, _ := m.Stopped(ctx); !stopped {
			_, _, _ = m.EmergencyStop(ctx, res.reason)
		}
	case res.warning != "":
		_, _, _ = m.alerts.Create(ctx, m.userID, typ, severityFor(res.level), res.warning,
			map[string]interface{}{"risk_level": string(res.level)})
	}
}

// severityFor maps rule grading onto alert severities: the medium band
// warns, the high band is critical.
func severityFor(level domain.RiskLevel) domain.Severity {
	if level == domain.RiskHigh || level == domain.RiskCritical {
		return domain.SeverityCritical
	}
	return domain.SeverityWarning
}
