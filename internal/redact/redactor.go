// Package redact — чистые функции обнаружения и маскирования чувствительных данных.
// Никаких зависимостей от остального ядра: редактор используется и движком политик,
// и аудитом, и логированием.
package redact

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/xela07ax/browsergate/internal/domain"
)

const (
	// Marker ставится вместо значения целиком, когда чувствителен сам ключ
	Marker = "[REDACTED]"

	maskRune = '*'

	// LargeBodyThreshold порог «большого тела» запроса (байты)
	LargeBodyThreshold = 8 * 1024

	// largeCodeThreshold эвристика «подозрительно много кода» для eval_js
	largeCodeThreshold = 2 * 1024
)

// defaultFieldPatterns подстроки имен полей, сигнализирующие о секретах.
// Сравнение регистронезависимое.
var defaultFieldPatterns = []string{
	"password", "passwd", "pwd",
	"secret", "token", "apikey", "api_key", "auth",
	"card", "cvv", "cvc", "pan",
	"ssn", "iban", "swift",
	"phone", "email",
	"credential", "private_key",
}

// valueShapePatterns формы значений: номера карт, SSN, телефоны, email, IBAN,
// длинные токены и вендорные префиксы секретных ключей.
var valueShapePatterns = []*regexp.Regexp{
	regexp.MustCompile(`\b(?:\d[ -]?){13,19}\b`),                            // Credit-card-like
	regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),                            // SSN
	regexp.MustCompile(`\+?\d{1,3}[ .-]?\(?\d{2,4}\)?[ .-]?\d{3}[ .-]?\d{2,4}\b`), // Phone
	regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`),      // Email
	regexp.MustCompile(`\b[A-Z]{2}\d{2}[A-Z0-9]{11,30}\b`),                 // IBAN-like
	regexp.MustCompile(`\b(?:sk|pk)[-_](?:live|test)[-_][A-Za-z0-9]{16,}\b`), // Stripe-style keys
	regexp.MustCompile(`\b(?:ghp|gho|xoxb|xoxp)[-_][A-Za-z0-9-]{16,}\b`),   // GitHub/Slack tokens
	regexp.MustCompile(`\bAKIA[A-Z0-9]{16}\b`),                             // AWS access key
	regexp.MustCompile(`\b[A-Za-z0-9]{32,}\b`),                             // Длинный alnum токен
}

// Ключевые слова URL для оценки риска
var (
	checkoutKeywords  = []string{"checkout", "payment", "billing", "cart", "order", "pay"}
	financialKeywords = []string{"bank", "banking", "finance", "invest", "trading", "wallet", "paypal"}
	adminKeywords     = []string{"admin", "settings", "account", "manage"}
)

// Redactor компилирует пользовательские паттерны один раз при конструировании.
type Redactor struct {
	fieldPatterns []string
	custom        []*regexp.Regexp
}

// New создает редактор с дефолтным набором и пользовательскими паттернами.
// Битый паттерн не валит конструктор — он просто пропускается (fail closed:
// несматчившийся паттерн ничего не разрешает, только не детектит).
func New(customPatterns []string) *Redactor {
	r := &Redactor{fieldPatterns: defaultFieldPatterns}
	for _, p := range customPatterns {
		if p == "" {
			continue
		}
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			continue
		}
		r.custom = append(r.custom, re)
	}
	return r
}

// IsSensitiveField true, если имя поля содержит любую из известных подстрок
func (r *Redactor) IsSensitiveField(name string) bool {
	lower := strings.ToLower(name)
	for _, p := range r.fieldPatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	for _, re := range r.custom {
		if re.MatchString(name) {
			return true
		}
	}
	return false
}

// ContainsSensitiveData true, если текст содержит значение секретной формы
func (r *Redactor) ContainsSensitiveData(text string) bool {
	for _, re := range valueShapePatterns {
		if re.MatchString(text) {
			return true
		}
	}
	for _, re := range r.custom {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

// RedactString маскирует внутренние символы каждого совпадения.
// Первый и последний символ сохраняются для контекста, если длина > 4,
// иначе маскируется целиком.
func (r *Redactor) RedactString(text string) string {
	res := text
	for _, re := range valueShapePatterns {
		res = re.ReplaceAllStringFunc(res, maskMatch)
	}
	for _, re := range r.custom {
		res = re.ReplaceAllStringFunc(res, maskMatch)
	}
	return res
}

func maskMatch(m string) string {
	runes := []rune(m)
	if len(runes) <= 4 {
		return strings.Repeat(string(maskRune), len(runes))
	}
	masked := make([]rune, len(runes))
	masked[0] = runes[0]
	masked[len(runes)-1] = runes[len(runes)-1]
	for i := 1; i < len(runes)-1; i++ {
		masked[i] = maskRune
	}
	return string(masked)
}

// RedactObject рекурсивно обходит map/slice структуру.
// Чувствительный ключ — значение заменяется маркером целиком.
// Строка — прогоняется через RedactString. Вложенность — рекурсия.
// Циклические структуры не поддерживаются (вход предполагается ацикличным).
func (r *Redactor) RedactObject(obj any) any {
	switch v := obj.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, val := range v {
			if r.IsSensitiveField(k) {
				out[k] = Marker
				continue
			}
			out[k] = r.RedactObject(val)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = r.RedactObject(item)
		}
		return out
	case string:
		return r.RedactString(v)
	default:
		return v
	}
}

// RedactMap удобная обертка для аргументов инструментов
func (r *Redactor) RedactMap(m map[string]any) map[string]any {
	out, _ := r.RedactObject(m).(map[string]any)
	return out
}

// IsLargePostBody true, если строка или сериализованный объект больше порога
func (r *Redactor) IsLargePostBody(data any) bool {
	switch v := data.(type) {
	case string:
		return len(v) > LargeBodyThreshold
	case []byte:
		return len(v) > LargeBodyThreshold
	default:
		raw, err := json.Marshal(data)
		if err != nil {
			return false
		}
		return len(raw) > LargeBodyThreshold
	}
}

// AssessRisk сводит сигналы в одну оценку: поля/значения, ключевые слова URL,
// объем кода и write-инструменты на финансовых доменах.
// Tie-break: любой high-сигнал — итог high; иначе любой medium; иначе low.
func (r *Redactor) AssessRisk(toolName string, args map[string]any, url string) domain.RiskAssessment {
	assessment := domain.RiskAssessment{Level: domain.RiskLow}

	for k, v := range args {
		if r.IsSensitiveField(k) {
			assessment.Raise(domain.RiskHigh, "sensitive field name: "+k)
			continue
		}
		if s, ok := v.(string); ok && r.ContainsSensitiveData(s) {
			assessment.Raise(domain.RiskHigh, "sensitive value pattern in field: "+k)
		}
	}

	lowerURL := strings.ToLower(url)
	if lowerURL != "" {
		if containsAny(lowerURL, checkoutKeywords) {
			assessment.Raise(domain.RiskHigh, "checkout/payment page")
		}
		if containsAny(lowerURL, financialKeywords) {
			if isWriteTool(toolName) {
				assessment.Raise(domain.RiskHigh, "write action on financial domain")
			} else {
				assessment.Raise(domain.RiskMedium, "financial domain")
			}
		}
		if containsAny(lowerURL, adminKeywords) {
			assessment.Raise(domain.RiskMedium, "admin/settings page")
		}
	}

	if code, ok := args["code"].(string); ok && len(code) > largeCodeThreshold {
		assessment.Raise(domain.RiskMedium, "oversized script payload")
	}

	if assessment.Level == domain.RiskLow {
		assessment.Reasons = nil
	}
	return assessment
}

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}

// isWriteTool грубая классификация по имени (детальная — в реестре инструментов)
func isWriteTool(name string) bool {
	switch name {
	case "click", "type_text", "eval_js", "navigate", "open_tab", "download_current":
		return true
	}
	return false
}
