package alerts

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingMailer struct {
	to, subject, body string
	err               error
}

func (m *recordingMailer) Send(_ context.Context, to, subject, body string) error {
	m.to, m.subject, m.body = to, subject, body
	return m.err
}

type sweeper struct {
	calls int
	n     int
	err   error
}

func (s *sweeper) RequeryStale(context.Context) (int, error) {
	s.calls++
	return s.n, s.err
}

func (s *sweeper) ResumePending(_ context.Context, limit int) (int, error) {
	s.calls++
	return s.n, s.err
}

func TestAdminAlertIsMailed(t *testing.T) {
	mailer := &recordingMailer{}
	mux := NewServeMux(Handlers{Mailer: mailer})

	task, err := NewAdminAlertTask("ops@example.com", "critical", "wallet w1 frozen: balances disagree", time.Now())
	require.NoError(t, err)
	require.NoError(t, mux.ProcessTask(context.Background(), task))

	assert.Equal(t, "ops@example.com", mailer.to)
	assert.Equal(t, "[settlement][CRITICAL] wallet w1 frozen", mailer.subject)
	assert.Equal(t, "wallet w1 frozen: balances disagree", mailer.body)
}

func TestAdminAlertWithoutRecipientIsLogged(t *testing.T) {
	mailer := &recordingMailer{}
	mux := NewServeMux(Handlers{Mailer: mailer})

	task, err := NewAdminAlertTask("", "warning", "payout failed", time.Now())
	require.NoError(t, err)
	require.NoError(t, mux.ProcessTask(context.Background(), task))
	assert.Empty(t, mailer.to)
}

func TestAdminAlertFailures(t *testing.T) {
	mailer := &recordingMailer{err: errors.New("smtp down")}
	mux := NewServeMux(Handlers{Mailer: mailer})

	task, err := NewAdminAlertTask("ops@example.com", "warning", "payout failed", time.Now())
	require.NoError(t, err)
	require.Error(t, mux.ProcessTask(context.Background(), task))

	err = mux.ProcessTask(context.Background(), asynq.NewTask(TaskAdminAlert, []byte("{")))
	require.ErrorIs(t, err, asynq.SkipRetry)
}

type purger struct{ n int64 }

func (p *purger) Purge(context.Context) (int64, error) { return p.n, nil }

func TestSweepTasks(t *testing.T) {
	payouts := &sweeper{n: 2}
	holds := &sweeper{err: errors.New("db down")}
	mux := NewServeMux(Handlers{Payouts: payouts, Escrow: holds})
	ctx := context.Background()

	require.NoError(t, mux.ProcessTask(ctx, asynq.NewTask(TaskPayoutSweep, nil)))
	assert.Equal(t, 1, payouts.calls)

	err := mux.ProcessTask(ctx, asynq.NewTask(TaskEscrowResume, nil))
	require.Error(t, err)
	assert.Equal(t, 1, holds.calls)

	require.NoError(t, mux.ProcessTask(ctx, asynq.NewTask(TaskKeyPurge, nil)))
	require.NoError(t, NewServeMux(Handlers{Keys: &purger{n: 3}}).ProcessTask(ctx, asynq.NewTask(TaskKeyPurge, nil)))
}

func TestPlunkMailer(t *testing.T) {
	var got plunkSendBody
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer pk_test", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		if got.To == "bounce@example.com" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid recipient"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := NewPlunkMailer("pk_test", "alerts@example.com")
	m.APIURL = srv.URL

	require.NoError(t, m.Send(context.Background(), "ops@example.com", "subj", "body"))
	assert.Equal(t, "alerts@example.com", got.From)
	assert.Equal(t, "subj", got.Subject)

	err := m.Send(context.Background(), "bounce@example.com", "subj", "body")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid recipient")

	require.Error(t, (&PlunkMailer{}).Send(context.Background(), "a@b.c", "s", "b"))
}
