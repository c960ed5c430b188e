package domain

import "time"

// AlertType classifies risk alerts.
type AlertType string

const (
	AlertPositionLimit   AlertType = "position_limit"
	AlertConcentration   AlertType = "concentration"
	AlertDailyLoss       AlertType = "daily_loss"
	AlertDrawdown        AlertType = "drawdown"
	AlertConsecutiveLoss AlertType = "consecutive_loss"
	AlertEmergencyStop   AlertType = "emergency_stop"
)

// Severity ranks alerts and risk results.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is a user-facing risk notification. Acknowledged is monotone: once
// set it never returns to false.
type Alert struct {
	ID           string                 `json:"id"`
	UserID       string                 `json:"user_id"`
	Type         AlertType              `json:"type"`
	Severity     Severity               `json:"severity"`
	Message      string                 `json:"message"`
	Details      map[string]interface{} `json:"details,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
	Acknowledged bool                   `json:"acknowledged"`
}

// RiskLevel grades rule-chain results.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// rank orders risk levels for max-aggregation across rules.
var riskRank = map[RiskLevel]int{
	RiskLow:      0,
	RiskMedium:   1,
	RiskHigh:     2,
	RiskCritical: 3,
}

// MaxRiskLevel returns the higher of two levels.
func MaxRiskLevel(a, b RiskLevel) RiskLevel {
	if riskRank[b] > riskRank[a] {
		return b
	}
	return a
}

// RiskAssessment is the rule-chain verdict for one order intent. Reasons
// are hard failures; Warnings passed but are close to a limit.
type RiskAssessment struct {
	Approved bool      `json:"approved"`
	Level    RiskLevel `json:"level"`
	Reasons  []string  `json:"reasons,omitempty"`
	Warnings []string  `json:"warnings,omitempty"`
}
