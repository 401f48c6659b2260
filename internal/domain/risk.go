package domain

// RiskLevel уровень риска операции по оценке редактора
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// RiskAssessment агрегированная оценка: любой "high" сигнал поднимает итог до high,
// иначе любой "medium" — до medium, иначе low.
type RiskAssessment struct {
	Level   RiskLevel `json:"risk_level"`
	Reasons []string  `json:"reasons,omitempty"`
}

// Raise поднимает уровень, если кандидат строже текущего (понижения не бывает)
func (r *RiskAssessment) Raise(level RiskLevel, reason string) {
	if rank(level) > rank(r.Level) {
		r.Level = level
	}
	r.Reasons = append(r.Reasons, reason)
}

func rank(l RiskLevel) int {
	switch l {
	case RiskHigh:
		return 2
	case RiskMedium:
		return 1
	default:
		return 0
	}
}
