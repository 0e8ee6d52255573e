package steps

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/workflow-orchestrator/types"
)

type fakePublisher struct {
	exchange string
	key      string
	msg      amqp.Publishing
	err      error
}

func (p *fakePublisher) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	p.exchange = exchange
	p.key = key
	p.msg = msg
	return p.err
}

type fakeQuerier struct {
	sql  string
	args []any
	tag  pgconn.CommandTag
	err  error
}

func (q *fakeQuerier) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	q.sql = sql
	q.args = args
	return nil, errors.New("query not supported by fake")
}

func (q *fakeQuerier) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	q.sql = sql
	q.args = args
	return q.tag, q.err
}

func runTemplate(t *testing.T, f *Factory, name string, input any) *types.ExecutionResult {
	t.Helper()
	def, err := f.CreateFromTemplate(name, types.StepMetadata{})
	require.NoError(t, err)
	step, err := f.CreateExecutableStep(def)
	require.NoError(t, err)
	return step.Execute(context.Background(), ExecutionRequest{Input: input})
}

func TestHTTPTemplate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"method": r.Method,
			"token":  r.Header.Get("X-Token"),
			"body":   string(body),
		})
	}))
	defer server.Close()

	f := newTestFactory(t, WithTemplateDeps(TemplateDeps{HTTPClient: server.Client()}))
	result := runTemplate(t, f, TemplateHTTP, map[string]any{
		"url":     server.URL,
		"method":  "POST",
		"headers": map[string]any{"X-Token": "secret"},
		"body":    map[string]any{"id": 7},
	})

	require.True(t, result.Success, "%+v", result.Error)
	out := result.Output.(map[string]any)
	assert.Equal(t, http.StatusOK, out["status_code"])
	body := out["body"].(map[string]any)
	assert.Equal(t, "POST", body["method"])
	assert.Equal(t, "secret", body["token"])
	assert.JSONEq(t, `{"id":7}`, body["body"].(string))
}

func TestHTTPTemplate_ServerErrorIsRetried(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte("done"))
	}))
	defer server.Close()

	f := newTestFactory(t, WithTemplateDeps(TemplateDeps{HTTPClient: server.Client()}))
	def, err := f.CreateFromTemplate(TemplateHTTP, types.StepMetadata{},
		WithRetry(types.RetryConfig{Backoff: types.BackoffFixed, Delay: time.Millisecond, MaxAttempts: 3}))
	require.NoError(t, err)
	step, err := f.CreateExecutableStep(def)
	require.NoError(t, err)

	result := step.Execute(context.Background(), ExecutionRequest{
		Input: map[string]any{"url": server.URL, "method": "GET"},
	})

	require.True(t, result.Success)
	assert.Equal(t, 2, result.Performance.Attempts)
	assert.Equal(t, "done", result.Output.(map[string]any)["body"])
}

func TestHTTPTemplate_InputValidation(t *testing.T) {
	f := newTestFactory(t)
	result := runTemplate(t, f, TemplateHTTP, map[string]any{"url": "ftp://example.com", "method": "FETCH"})

	require.False(t, result.Success)
	assert.Equal(t, types.CodeValidation, result.Error.Code)
	paths := make([]string, 0, len(result.Error.Issues))
	for _, issue := range result.Error.Issues {
		paths = append(paths, issue.Path)
	}
	assert.ElementsMatch(t, []string{"url", "method"}, paths)
}

func TestDatabaseTemplate_Exec(t *testing.T) {
	q := &fakeQuerier{tag: pgconn.NewCommandTag("UPDATE 3")}
	f := newTestFactory(t, WithTemplateDeps(TemplateDeps{Querier: q}))

	result := runTemplate(t, f, TemplateDatabase, map[string]any{
		"query": "UPDATE users SET active = $1",
		"args":  []any{true},
		"exec":  true,
	})

	require.True(t, result.Success, "%+v", result.Error)
	assert.Equal(t, map[string]any{"rows_affected": int64(3)}, result.Output)
	assert.Equal(t, "UPDATE users SET active = $1", q.sql)
	assert.Equal(t, []any{true}, q.args)
}

func TestDatabaseTemplate_NotConfigured(t *testing.T) {
	f := newTestFactory(t)
	result := runTemplate(t, f, TemplateDatabase, map[string]any{"query": "SELECT 1"})

	require.False(t, result.Success)
	assert.Equal(t, types.CodeStepExecution, result.Error.Code)
	assert.Contains(t, result.Error.Message, ErrTemplateNotConfigured.Error())
}

func TestDatabaseTemplate_EmptyQuery(t *testing.T) {
	f := newTestFactory(t, WithTemplateDeps(TemplateDeps{Querier: &fakeQuerier{}}))
	result := runTemplate(t, f, TemplateDatabase, map[string]any{"query": "   "})

	require.False(t, result.Success)
	assert.Equal(t, types.CodeValidation, result.Error.Code)
}

func TestNotificationTemplate_AMQP(t *testing.T) {
	pub := &fakePublisher{}
	f := newTestFactory(t, WithTemplateDeps(TemplateDeps{Notifier: NewAMQPNotifier(pub, "notifications")}))

	result := runTemplate(t, f, TemplateNotification, map[string]any{
		"channel":   "email",
		"recipient": "ops@example.com",
		"message":   "deploy finished",
	})

	require.True(t, result.Success, "%+v", result.Error)
	assert.Equal(t, "notifications", pub.exchange)
	assert.Equal(t, "notification.email", pub.key)
	assert.Equal(t, "application/json", pub.msg.ContentType)

	var sent Notification
	require.NoError(t, json.Unmarshal(pub.msg.Body, &sent))
	assert.Equal(t, "ops@example.com", sent.Recipient)
	assert.Equal(t, "deploy finished", sent.Message)
}

func TestNotificationTemplate_MissingFields(t *testing.T) {
	f := newTestFactory(t)
	result := runTemplate(t, f, TemplateNotification, map[string]any{"channel": "sms"})

	require.False(t, result.Success)
	assert.Len(t, result.Error.Issues, 2)
}

func TestDelayTemplate(t *testing.T) {
	f := newTestFactory(t)
	start := time.Now()
	result := runTemplate(t, f, TemplateDelay, map[string]any{"duration_ms": 20})

	require.True(t, result.Success)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	assert.Equal(t, map[string]any{"duration_ms": int64(20)}, result.Output)
}

func TestDelayTemplate_Cancelled(t *testing.T) {
	f := newTestFactory(t)
	def, err := f.CreateFromTemplate(TemplateDelay, types.StepMetadata{})
	require.NoError(t, err)
	step, err := f.CreateExecutableStep(def)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	result := step.Execute(ctx, ExecutionRequest{Input: map[string]any{"duration_ms": 5000}})

	require.False(t, result.Success)
	assert.Equal(t, types.CodeStepCancelled, result.Error.Code)
}

func TestTemplateNames(t *testing.T) {
	assert.Equal(t, []string{"database", "delay", "http", "notification"}, TemplateNames())
}
