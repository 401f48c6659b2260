package domain

import (
	"errors"
	"time"
)

// Статусы State Machine
type ApprovalStatus string

const (
	StatusPending  ApprovalStatus = "PENDING"
	StatusApproved ApprovalStatus = "APPROVED"
	StatusRejected ApprovalStatus = "REJECTED"
	StatusExpired  ApprovalStatus = "EXPIRED" // Оператор не успел — blocking-режим снял запрос по таймауту
)

var (
	ErrInvalidTransition = errors.New("invalid approval status transition")
	ErrAlreadyProcessed  = errors.New("approval request already processed")
)

// ApprovalRequest запрос на ручное подтверждение рискованного действия (HITL).
// Несет достаточно контекста, чтобы оператор принял решение, не восстанавливая его сам.
type ApprovalRequest struct {
	ID        string         `json:"id"`
	Tool      string         `json:"tool"`      // Какой инструмент хотел выполниться
	Domain    string         `json:"domain"`    // На каком домене (если известен)
	RiskLevel RiskLevel      `json:"risk_level"`
	Reason    string         `json:"reason"`  // Почему потребовался апрув
	Payload   map[string]any `json:"payload"` // Редактированные аргументы (без секретов)
	Status    ApprovalStatus `json:"status"`

	ReviewerID *string `json:"reviewer_id,omitempty"`
	Comment    *string `json:"comment,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CanTransitionTo проверяет правила конечного автомата
func (a *ApprovalRequest) CanTransitionTo(next ApprovalStatus) error {
	if a.Status != StatusPending {
		return ErrAlreadyProcessed
	}
	if next == StatusPending {
		return ErrInvalidTransition
	}
	return nil
}
