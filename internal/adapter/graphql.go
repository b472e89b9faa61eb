package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bindrun/bindrun/pkg/schema"
)

const (
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
	defaultRequestTimeout  = 30 * time.Second
)

// GraphQLConfig configures the GraphQL adapter.
type GraphQLConfig struct {
	Endpoint        string            `json:"endpoint"`
	Headers         map[string]string `json:"headers,omitempty"`
	BearerToken     string            `json:"bearer_token,omitempty"`
	Timeout         string            `json:"timeout,omitempty"`
	MaxResponseBody int64             `json:"max_response_body,omitempty"`

	// Operations maps operation names to GraphQL documents. A step's
	// resolved inputs become the document's variables.
	Operations map[string]string `json:"operations"`
}

// GraphQLAdapter executes named operations against a single GraphQL
// endpoint over HTTP POST.
type GraphQLAdapter struct {
	config GraphQLConfig
	client *http.Client
}

// NewGraphQLAdapter creates an adapter from config. The endpoint and at
// least one operation are required.
func NewGraphQLAdapter(cfg GraphQLConfig) (*GraphQLAdapter, error) {
	if cfg.Endpoint == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "graphql adapter: endpoint is required")
	}
	if len(cfg.Operations) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "graphql adapter: no operations configured")
	}
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}

	timeout := defaultRequestTimeout
	if cfg.Timeout != "" {
		d, err := time.ParseDuration(cfg.Timeout)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"graphql adapter: invalid timeout %q", cfg.Timeout)
		}
		timeout = d
	}

	return &GraphQLAdapter{
		config: cfg,
		client: &http.Client{Timeout: timeout},
	}, nil
}

// Execute posts the named operation's document with the resolved inputs as
// variables. The kind is checked against the document: sending a query step
// at a mutation document is a spec bug worth failing loudly on.
func (a *GraphQLAdapter) Execute(ctx context.Context, kind schema.OperationKind, operation string, inputs map[string]any) (json.RawMessage, error) {
	document, ok := a.config.Operations[operation]
	if !ok {
		return nil, Permanent(operation, "operation is not configured", nil)
	}
	if err := checkKind(kind, document); err != nil {
		return nil, err
	}

	payload, err := json.Marshal(map[string]any{
		"query":     document,
		"variables": inputs,
	})
	if err != nil {
		return nil, Permanent(operation, "marshal request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.config.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, Permanent(operation, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range a.config.Headers {
		req.Header.Set(k, v)
	}
	if a.config.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+a.config.BearerToken)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		// Network faults and client timeouts are worth retrying.
		return nil, Transient(operation, fmt.Sprintf("request failed: %v", err), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, a.config.MaxResponseBody))
	if err != nil {
		return nil, Transient(operation, "read response body", err)
	}

	if err := classifyStatus(operation, resp.StatusCode, body); err != nil {
		return nil, err
	}

	return checkGraphQLErrors(operation, body)
}

// checkKind verifies the document's top-level operation type matches the
// step's declared kind. An unparseable document passes; the backend will
// reject it with a clearer message.
func checkKind(kind schema.OperationKind, document string) error {
	doc := strings.TrimSpace(document)
	isMutation := strings.HasPrefix(doc, "mutation")
	if kind == schema.KindQuery && isMutation {
		return schema.NewError(schema.ErrCodeAdapterPermanent,
			"step declared kind query but the operation document is a mutation")
	}
	if kind == schema.KindMutation && !isMutation {
		return schema.NewError(schema.ErrCodeAdapterPermanent,
			"step declared kind mutation but the operation document is not a mutation")
	}
	return nil
}

// classifyStatus maps HTTP status codes to transient or permanent failures.
// 429 and 5xx may clear on retry; other 4xx will not.
func classifyStatus(operation string, status int, body []byte) error {
	switch {
	case status == http.StatusOK:
		return nil
	case status == http.StatusTooManyRequests || status >= 500:
		return Transient(operation, fmt.Sprintf("server returned %d", status), nil).
			WithDetails(map[string]any{"status": status, "body": truncate(body, 512)})
	default:
		return Permanent(operation, fmt.Sprintf("server returned %d", status), nil).
			WithDetails(map[string]any{"status": status, "body": truncate(body, 512)})
	}
}

// checkGraphQLErrors rejects responses carrying a non-empty errors array.
// GraphQL reports execution failures in-band with HTTP 200, so a status
// check alone is not enough.
func checkGraphQLErrors(operation string, body []byte) (json.RawMessage, error) {
	var envelope struct {
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, Permanent(operation, "response is not valid JSON", err)
	}
	if len(envelope.Errors) > 0 {
		messages := make([]string, 0, len(envelope.Errors))
		for _, e := range envelope.Errors {
			messages = append(messages, e.Message)
		}
		return nil, Permanent(operation, strings.Join(messages, "; "), nil).
			WithDetails(map[string]any{"errors": messages})
	}
	return json.RawMessage(body), nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
