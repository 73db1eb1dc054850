package alerts

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/hibiken/asynq"
)

// NewAdminAlertTask builds the task that mails an operator alert.
func NewAdminAlertTask(to, severity, message string, at time.Time) (*asynq.Task, error) {
	env := EmailEnvelope{
		To:      to,
		Subject: fmt.Sprintf("[settlement][%s] %s", strings.ToUpper(severity), summary(message)),
		Body:    message,
	}
	payload := AdminAlertPayload{Severity: severity, Message: message, Envelope: env, SentAt: at}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskAdminAlert, b), nil
}

func summary(msg string) string {
	if i := strings.IndexByte(msg, ':'); i > 0 && i < 80 {
		return msg[:i]
	}
	if len(msg) > 80 {
		return msg[:80]
	}
	return msg
}

// Enqueuer hands admin alerts to the worker through Redis. It satisfies the
// alerter the ledger and payout services report through.
type Enqueuer struct {
	client  *asynq.Client
	adminTo string
}

func NewEnqueuer(client *asynq.Client, adminEmail string) *Enqueuer {
	return &Enqueuer{client: client, adminTo: adminEmail}
}

func (e *Enqueuer) AdminAlert(ctx context.Context, severity, message string) error {
	task, err := NewAdminAlertTask(e.adminTo, severity, message, time.Now())
	if err != nil {
		return err
	}
	_, err = e.client.EnqueueContext(ctx, task, asynq.Queue(QueueAlerts), asynq.MaxRetry(10))
	if err != nil {
		return fmt.Errorf("enqueue admin alert: %w", err)
	}
	return nil
}

// Close releases the underlying Redis connection.
func (e *Enqueuer) Close() error {
	return e.client.Close()
}
