package alerts

import "time"

// Task type constants
const (
	TaskAdminAlert   = "alert:admin"
	TaskPayoutSweep  = "settlement:payout_sweep"
	TaskEscrowResume = "settlement:escrow_resume"
	TaskKeyPurge     = "settlement:idempotency_purge"
)

const (
	QueueAlerts = "alerts"
	QueueSweeps = "sweeps"
)

// Common envelope for email-like notifications
type EmailEnvelope struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// Admin alert payload
type AdminAlertPayload struct {
	Severity string        `json:"severity"` // info|warning|critical
	Message  string        `json:"message"`
	Envelope EmailEnvelope `json:"envelope"`
	SentAt   time.Time     `json:"sent_at"`
}
