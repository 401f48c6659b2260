// Package tools — реестр браузерных инструментов и диспетчер их выполнения.
// Реестр знает каждый инструмент: имя, класс операции (read/write) и
// JSON-схему входа. Валидация перечисляет ВСЕ нарушения разом — агент
// чинит аргументы за одну итерацию, а не по одному полю за вызов.
package tools

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/xela07ax/browsergate/internal/domain"
)

// Definition описание инструмента в реестре
type Definition struct {
	Name        string
	Description string

	// Op класс операции для доменной политики
	Op domain.Operation

	// NavigatesURL true для инструментов, принимающих целевой URL —
	// для них включается доменная проверка allowlist
	NavigatesURL bool

	schema *jsonschema.Schema
}

// Registry неизменяемый после конструирования набор инструментов
type Registry struct {
	defs map[string]*Definition
}

// схемы входа; числовые id вкладок строго положительные,
// строки-цели (url, selector, code) непустые
const (
	schemaEmpty = `{"type":"object","additionalProperties":true}`

	schemaTabID = `{
		"type": "object",
		"properties": {"tabId": {"type": "integer", "minimum": 1}},
		"required": ["tabId"],
		"additionalProperties": true
	}`

	schemaTabIDOptional = `{
		"type": "object",
		"properties": {"tabId": {"type": "integer", "minimum": 1}},
		"additionalProperties": true
	}`

	schemaURL = `{
		"type": "object",
		"properties": {
			"url":   {"type": "string", "minLength": 1},
			"tabId": {"type": "integer", "minimum": 1}
		},
		"required": ["url"],
		"additionalProperties": true
	}`

	// navigate без url — переход в рамках текущего документа вкладки;
	// доменная политика для такого вызова не применяется
	schemaURLOptional = `{
		"type": "object",
		"properties": {
			"url":   {"type": "string", "minLength": 1},
			"tabId": {"type": "integer", "minimum": 1}
		},
		"additionalProperties": true
	}`

	schemaSelector = `{
		"type": "object",
		"properties": {
			"selector": {"type": "string", "minLength": 1},
			"tabId":    {"type": "integer", "minimum": 1}
		},
		"required": ["selector"],
		"additionalProperties": true
	}`

	schemaTypeText = `{
		"type": "object",
		"properties": {
			"selector": {"type": "string", "minLength": 1},
			"text":     {"type": "string"},
			"tabId":    {"type": "integer", "minimum": 1}
		},
		"required": ["selector", "text"],
		"additionalProperties": true
	}`

	schemaWaitFor = `{
		"type": "object",
		"properties": {
			"selector":   {"type": "string", "minLength": 1},
			"timeout_ms": {"type": "integer", "minimum": 1},
			"tabId":      {"type": "integer", "minimum": 1}
		},
		"required": ["selector"],
		"additionalProperties": true
	}`

	schemaEvalJS = `{
		"type": "object",
		"properties": {
			"code":  {"type": "string", "minLength": 1},
			"tabId": {"type": "integer", "minimum": 1}
		},
		"required": ["code"],
		"additionalProperties": true
	}`
)

// NewRegistry собирает каталог из 16 инструментов браузерного исполнителя
func NewRegistry() (*Registry, error) {
	specs := []struct {
		name, desc, schema string
		op                 domain.Operation
		navigates          bool
	}{
		{"open_tab", "Открыть новую вкладку по URL", schemaURL, domain.OpWrite, true},
		{"navigate", "Перейти по URL в текущей (или указанной) вкладке", schemaURLOptional, domain.OpWrite, true},
		{"get_url", "Текущий URL вкладки", schemaTabIDOptional, domain.OpRead, false},
		{"go_back", "Назад по истории вкладки", schemaTabIDOptional, domain.OpWrite, false},
		{"go_forward", "Вперед по истории вкладки", schemaTabIDOptional, domain.OpWrite, false},
		{"reload", "Перезагрузить вкладку", schemaTabIDOptional, domain.OpWrite, false},
		{"tabs_list", "Список открытых вкладок", schemaEmpty, domain.OpRead, false},
		{"tab_activate", "Переключить фокус на вкладку", schemaTabID, domain.OpWrite, false},
		{"click", "Клик по элементу (CSS-селектор)", schemaSelector, domain.OpWrite, false},
		{"type_text", "Ввод текста в элемент", schemaTypeText, domain.OpWrite, false},
		{"read_text", "Видимый текст страницы или элемента", schemaTabIDOptional, domain.OpRead, false},
		{"read_dom", "Сериализованный DOM страницы или элемента", schemaTabIDOptional, domain.OpRead, false},
		{"wait_for", "Ждать появления элемента", schemaWaitFor, domain.OpRead, false},
		{"eval_js", "Выполнить JavaScript на странице", schemaEvalJS, domain.OpWrite, false},
		{"screenshot", "Снимок видимой области вкладки", schemaTabIDOptional, domain.OpRead, false},
		{"download_current", "Скачать текущий документ вкладки", schemaTabIDOptional, domain.OpWrite, false},
	}

	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020

	defs := make(map[string]*Definition, len(specs))
	for _, s := range specs {
		res := s.name + ".schema.json"
		if err := compiler.AddResource(res, strings.NewReader(s.schema)); err != nil {
			return nil, fmt.Errorf("tools: add schema %s: %w", s.name, err)
		}
		sch, err := compiler.Compile(res)
		if err != nil {
			return nil, fmt.Errorf("tools: compile schema %s: %w", s.name, err)
		}
		defs[s.name] = &Definition{
			Name:         s.name,
			Description:  s.desc,
			Op:           s.op,
			NavigatesURL: s.navigates,
			schema:       sch,
		}
	}
	return &Registry{defs: defs}, nil
}

// Lookup определение по имени
func (r *Registry) Lookup(name string) (*Definition, bool) {
	d, ok := r.defs[name]
	return d, ok
}

// Names отсортированный по вставке не гарантируем — каталог для консоли
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.defs))
	for name := range r.defs {
		out = append(out, name)
	}
	return out
}

// Validate прогоняет аргументы через схему и возвращает ПОЛНЫЙ список
// нарушений. Пустой срез — вход валиден.
func (d *Definition) Validate(args map[string]any) []string {
	if args == nil {
		args = map[string]any{}
	}
	v := normalizeJSON(args)

	var violations []string
	if err := d.schema.Validate(v); err != nil {
		var ve *jsonschema.ValidationError
		if ok := asValidationError(err, &ve); ok {
			violations = flattenCauses(ve, violations)
		} else {
			violations = append(violations, err.Error())
		}
	}

	// Схема проверяет форму; абсолютность URL — отдельное правило
	if d.NavigatesURL {
		if raw, ok := v.(map[string]any); ok {
			if s, ok := raw["url"].(string); ok && s != "" {
				if u, err := url.Parse(s); err != nil || !u.IsAbs() {
					violations = append(violations, fmt.Sprintf("url: %q is not an absolute URL", s))
				}
			}
		}
	}
	return violations
}

func asValidationError(err error, target **jsonschema.ValidationError) bool {
	ve, ok := err.(*jsonschema.ValidationError)
	if ok {
		*target = ve
	}
	return ok
}

// flattenCauses собирает листовые сообщения дерева ошибок схемы
func flattenCauses(ve *jsonschema.ValidationError, acc []string) []string {
	if len(ve.Causes) == 0 {
		loc := ve.InstanceLocation
		if loc == "" {
			loc = "/"
		}
		return append(acc, fmt.Sprintf("%s: %s", loc, ve.Message))
	}
	for _, c := range ve.Causes {
		acc = flattenCauses(c, acc)
	}
	return acc
}

// normalizeJSON приводит Go-значения к канонным JSON-типам (int -> float64
// и т.п.), чтобы валидатор видел тот же вход, что пришел бы с провода
func normalizeJSON(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalizeJSON(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalizeJSON(val)
		}
		return out
	case int:
		return float64(t)
	case int32:
		return float64(t)
	case int64:
		return float64(t)
	case float32:
		return float64(t)
	default:
		return v
	}
}
