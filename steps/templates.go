package steps

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/songzhibin97/workflow-orchestrator/rules"
	"github.com/songzhibin97/workflow-orchestrator/types"
)

// Template names.
const (
	TemplateHTTP         = "http"
	TemplateDatabase     = "database"
	TemplateNotification = "notification"
	TemplateDelay        = "delay"
)

const maxResponseBody = 10 * 1024 * 1024

// ErrTemplateNotConfigured is returned by a template step whose client was
// not supplied through TemplateDeps.
var ErrTemplateNotConfigured = errors.New("template dependency not configured")

// Querier is the part of *pgxpool.Pool and *pgx.Conn used by the database
// template.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Notification is the message sent by the notification template.
type Notification struct {
	Channel   string         `json:"channel"`
	Recipient string         `json:"recipient"`
	Subject   string         `json:"subject,omitempty"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
}

// Notifier delivers notifications.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Publisher is satisfied by *amqp.Channel.
type Publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// AMQPNotifier publishes notifications as JSON to an exchange, routed by
// "notification.<channel>".
type AMQPNotifier struct {
	publisher Publisher
	exchange  string
}

// NewAMQPNotifier creates an AMQPNotifier.
func NewAMQPNotifier(publisher Publisher, exchange string) *AMQPNotifier {
	return &AMQPNotifier{publisher: publisher, exchange: exchange}
}

// Notify implements Notifier.
func (n *AMQPNotifier) Notify(ctx context.Context, msg Notification) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	key := "notification." + msg.Channel
	err = n.publisher.PublishWithContext(ctx, n.exchange, key, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish to %s/%s: %w", n.exchange, key, err)
	}
	return nil
}

// TemplateDeps holds the clients template steps talk to. Missing clients
// only fail the templates that need them, at execution time.
type TemplateDeps struct {
	HTTPClient *http.Client
	Querier    Querier
	Notifier   Notifier
	Evaluator  rules.Evaluator
}

type templateBuilder func(deps TemplateDeps) types.StepDefinition

var templates = map[string]templateBuilder{
	TemplateHTTP:         httpTemplate,
	TemplateDatabase:     databaseTemplate,
	TemplateNotification: notificationTemplate,
	TemplateDelay:        delayTemplate,
}

// TemplateNames returns the available template names, sorted.
func TemplateNames() []string {
	names := make([]string, 0, len(templates))
	for name := range templates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// TemplateStepID is the id under which a Factory registers a template.
func TemplateStepID(name string) string {
	return "template." + name
}

// httpTemplate input:
//
//	{"url": "https://...", "method": "POST", "headers": {...}, "body": ...}
//
// Output: {"status_code": 200, "headers": {...}, "body": ...}
func httpTemplate(deps TemplateDeps) types.StepDefinition {
	client := deps.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	schema := rules.NewSchema(deps.Evaluator).
		Require("url", "method").
		Check("url", `url != nil && url matches "^https?://"`, "url must be an http(s) address").
		Check("method", `method in ["GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS"]`, "unsupported HTTP method")

	return types.StepDefinition{
		Metadata: types.StepMetadata{
			Name:        "HTTP Request",
			Version:     "1.0.0",
			Category:    "integration",
			Description: "Performs an HTTP request and returns the status, headers and body.",
			Tags:        []string{"http", "network"},
		},
		ExecutionConfig: &types.ExecutionConfig{
			Retry:   &types.RetryConfig{Backoff: types.BackoffExponential, Delay: 500 * time.Millisecond, MaxAttempts: 3},
			Timeout: &types.TimeoutConfig{Execution: 30 * time.Second},
		},
		ValidationConfig: &types.ValidationConfig{ValidateInput: true, Input: schema},
		Execute: func(ctx context.Context, sc *types.StepContext) (any, error) {
			in, _ := sc.Input.(map[string]any)
			return doHTTP(ctx, client, in)
		},
	}
}

func doHTTP(ctx context.Context, client *http.Client, in map[string]any) (any, error) {
	url, _ := in["url"].(string)
	method, _ := in["method"].(string)

	var body io.Reader
	headers := map[string]string{}
	if h, ok := in["headers"].(map[string]any); ok {
		for k, v := range h {
			headers[k] = fmt.Sprint(v)
		}
	}
	if raw, ok := in["body"]; ok && raw != nil {
		switch v := raw.(type) {
		case string:
			body = strings.NewReader(v)
		case []byte:
			body = bytes.NewReader(v)
		default:
			b, err := json.Marshal(v)
			if err != nil {
				return nil, fmt.Errorf("serialize body: %w", err)
			}
			body = bytes.NewReader(b)
			if _, set := headers["Content-Type"]; !set {
				headers["Content-Type"] = "application/json"
			}
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, fmt.Errorf("http request failed: status %d", resp.StatusCode)
	}

	var parsed any = string(raw)
	if strings.Contains(resp.Header.Get("Content-Type"), "application/json") {
		var v any
		if err := json.Unmarshal(raw, &v); err == nil {
			parsed = v
		}
	}
	respHeaders := make(map[string]any, len(resp.Header))
	for k := range resp.Header {
		respHeaders[k] = resp.Header.Get(k)
	}
	return map[string]any{
		"status_code": resp.StatusCode,
		"headers":     respHeaders,
		"body":        parsed,
	}, nil
}

// databaseTemplate input: {"query": "SELECT ...", "args": [...], "exec": false}.
// Queries return {"rows": [...], "count": n}; statements run with exec
// return {"rows_affected": n}.
func databaseTemplate(deps TemplateDeps) types.StepDefinition {
	schema := rules.NewSchema(deps.Evaluator).
		Require("query").
		Check("query", `query != nil && not (query matches "^\\s*$")`, "query must not be empty")

	return types.StepDefinition{
		Metadata: types.StepMetadata{
			Name:        "Database Query",
			Version:     "1.0.0",
			Category:    "data",
			Description: "Runs a SQL statement against PostgreSQL.",
			Tags:        []string{"database", "sql"},
		},
		ExecutionConfig: &types.ExecutionConfig{
			Timeout: &types.TimeoutConfig{Execution: 30 * time.Second},
		},
		ValidationConfig: &types.ValidationConfig{ValidateInput: true, Input: schema},
		Execute: func(ctx context.Context, sc *types.StepContext) (any, error) {
			if deps.Querier == nil {
				return nil, fmt.Errorf("%w: database querier", ErrTemplateNotConfigured)
			}
			in, _ := sc.Input.(map[string]any)
			query, _ := in["query"].(string)
			args, _ := in["args"].([]any)

			if exec, _ := in["exec"].(bool); exec {
				tag, err := deps.Querier.Exec(ctx, query, args...)
				if err != nil {
					return nil, fmt.Errorf("exec: %w", err)
				}
				return map[string]any{"rows_affected": tag.RowsAffected()}, nil
			}

			rows, err := deps.Querier.Query(ctx, query, args...)
			if err != nil {
				return nil, fmt.Errorf("query: %w", err)
			}
			records, err := pgx.CollectRows(rows, pgx.RowToMap)
			if err != nil {
				return nil, fmt.Errorf("collect rows: %w", err)
			}
			return map[string]any{"rows": records, "count": len(records)}, nil
		},
	}
}

// notificationTemplate input: {"channel": "email", "recipient": "...",
// "subject": "...", "message": "...", "data": {...}}.
func notificationTemplate(deps TemplateDeps) types.StepDefinition {
	schema := rules.NewSchema(deps.Evaluator).
		Require("channel", "recipient", "message")

	return types.StepDefinition{
		Metadata: types.StepMetadata{
			Name:        "Send Notification",
			Version:     "1.0.0",
			Category:    "communication",
			Description: "Sends a notification through the configured notifier.",
			Tags:        []string{"notification", "messaging"},
		},
		ExecutionConfig: &types.ExecutionConfig{
			Retry: &types.RetryConfig{Backoff: types.BackoffLinear, Delay: time.Second, MaxAttempts: 3},
		},
		ValidationConfig: &types.ValidationConfig{ValidateInput: true, Input: schema},
		Execute: func(ctx context.Context, sc *types.StepContext) (any, error) {
			if deps.Notifier == nil {
				return nil, fmt.Errorf("%w: notifier", ErrTemplateNotConfigured)
			}
			in, _ := sc.Input.(map[string]any)
			n := Notification{
				Channel:   stringField(in, "channel"),
				Recipient: stringField(in, "recipient"),
				Subject:   stringField(in, "subject"),
				Message:   stringField(in, "message"),
			}
			if data, ok := in["data"].(map[string]any); ok {
				n.Data = data
			}
			if err := deps.Notifier.Notify(ctx, n); err != nil {
				return nil, err
			}
			return map[string]any{
				"sent":      true,
				"channel":   n.Channel,
				"recipient": n.Recipient,
			}, nil
		},
	}
}

// delayTemplate input: {"duration_ms": 1500}.
func delayTemplate(deps TemplateDeps) types.StepDefinition {
	schema := rules.NewSchema(deps.Evaluator).
		Require("duration_ms").
		Check("duration_ms", `duration_ms >= 0`, "duration_ms must not be negative")

	return types.StepDefinition{
		Metadata: types.StepMetadata{
			Name:        "Delay",
			Version:     "1.0.0",
			Category:    "utility",
			Description: "Waits for the given duration.",
			Tags:        []string{"delay", "timer"},
		},
		ValidationConfig: &types.ValidationConfig{ValidateInput: true, Input: schema},
		Execute: func(ctx context.Context, sc *types.StepContext) (any, error) {
			in, _ := sc.Input.(map[string]any)
			d := time.Duration(intField(in, "duration_ms")) * time.Millisecond

			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-timer.C:
				return map[string]any{"duration_ms": d.Milliseconds()}, nil
			}
		},
	}
}

func stringField(m map[string]any, key string) string {
	if v, ok := m[key]; ok && v != nil {
		if s, ok := v.(string); ok {
			return s
		}
		return fmt.Sprint(v)
	}
	return ""
}

func intField(m map[string]any, key string) int64 {
	switch v := m[key].(type) {
	case int:
		return int64(v)
	case int32:
		return int64(v)
	case int64:
		return v
	case float64:
		return int64(v)
	case json.Number:
		n, _ := v.Int64()
		return n
	}
	return 0
}
