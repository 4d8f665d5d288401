package models

import "time"

type SessionState string

const (
	StateIdle                        SessionState = "idle"
	StateAwaitingName                SessionState = "awaiting_name"
	StateAwaitingGender              SessionState = "awaiting_gender"
	StateAwaitingConfirmation        SessionState = "awaiting_confirmation"
	StateGenerating                  SessionState = "generating"
	StateChoosingPaymentMethod       SessionState = "choosing_payment_method"
	StateAwaitingPaymentDetails      SessionState = "awaiting_payment_details"
	StateAwaitingPaymentConfirmation SessionState = "awaiting_payment_confirmation"
)

// Session is the persisted per-user conversation state.
type Session struct {
	UserID     int64
	State      SessionState
	TemplateID string
	Name       string
	Gender     Gender
	Package    PackageID
	Email      string
	OrderID    string
	UpdatedAt  time.Time
}

// Reset drops every pending input and returns the session to idle.
func (s *Session) Reset() {
	*s = Session{UserID: s.UserID, State: StateIdle}
}
