// Package gateway turns one user utterance into one final textual answer by
// running a conversational agent against the remote analytics service's MCP
// tools. It is strictly request/response: the underlying runtime may stream
// internally, but no partial result ever escapes this package.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"

	"github.com/askbird/askbird/internal/config"
)

const (
	clientName    = "askbird"
	clientVersion = "0.1.0"

	// maxSteps bounds the tool-call loop so a misbehaving model cannot spin
	// the agent forever.
	maxSteps = 8
)

// ToolSession is the slice of the MCP client session the gateway uses.
type ToolSession interface {
	ListTools(ctx context.Context, params *mcp.ListToolsParams) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, params *mcp.CallToolParams) (*mcp.CallToolResult, error)
	Close() error
}

// DialFunc opens a session to the tool-providing service.
type DialFunc func(ctx context.Context) (ToolSession, error)

// CompleteFunc submits one chat-completion request to the agent runtime.
type CompleteFunc func(ctx context.Context, params openai.ChatCompletionNewParams) (*openai.ChatCompletion, error)

type Options struct {
	Config     config.Config
	Logger     *slog.Logger
	HTTPClient *http.Client

	// Dial and Complete default to the real MCP and OpenAI clients.
	Dial     DialFunc
	Complete CompleteFunc
}

// Gateway holds read-only credentials and endpoints. Concurrent Answer calls
// are independent; there is no shared mutable state.
type Gateway struct {
	model    string
	logger   *slog.Logger
	dial     DialFunc
	complete CompleteFunc
}

func New(opts Options) (*Gateway, error) {
	cfg := opts.Config
	if strings.TrimSpace(cfg.LLM.Model) == "" {
		return nil, fmt.Errorf("llm.model is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	dial := opts.Dial
	if dial == nil {
		if strings.TrimSpace(cfg.Tinybird.Token) == "" {
			return nil, fmt.Errorf("tinybird.token is required")
		}
		endpoint, err := mcpEndpoint(cfg.Tinybird.MCPBaseURL, cfg.Tinybird.Token)
		if err != nil {
			return nil, err
		}
		httpClient := opts.HTTPClient
		if httpClient == nil {
			httpClient = http.DefaultClient
		}
		dial = func(ctx context.Context) (ToolSession, error) {
			client := mcp.NewClient(&mcp.Implementation{Name: clientName, Version: clientVersion}, nil)
			transport := mcp.NewStreamableClientTransport(endpoint, &mcp.StreamableClientTransportOptions{
				HTTPClient: httpClient,
			})
			return client.Connect(ctx, transport)
		}
	}

	complete := opts.Complete
	if complete == nil {
		if strings.TrimSpace(cfg.LLM.APIKey) == "" {
			return nil, fmt.Errorf("llm.api_key is required")
		}
		clientOpts := []option.RequestOption{option.WithAPIKey(cfg.LLM.APIKey)}
		if cfg.LLM.BaseURL != "" {
			clientOpts = append(clientOpts, option.WithBaseURL(cfg.LLM.BaseURL))
		}
		client := openai.NewClient(clientOpts...)
		complete = func(ctx context.Context, params openai.ChatCompletionNewParams) (*openai.ChatCompletion, error) {
			return client.Chat.Completions.New(ctx, params)
		}
	}

	return &Gateway{
		model:    cfg.LLM.Model,
		logger:   logger,
		dial:     dial,
		complete: complete,
	}, nil
}

// Answer submits one utterance and blocks until the agent's run completes.
// The tool-service session is released on every exit path. Any failure in
// connection setup, agent execution, or a remote tool call surfaces as a
// single opaque error.
func (g *Gateway) Answer(ctx context.Context, utterance string) (string, error) {
	if g == nil {
		return "", fmt.Errorf("gateway is not initialized")
	}
	utterance = strings.TrimSpace(utterance)
	if utterance == "" {
		return "", fmt.Errorf("utterance is required")
	}

	runID := uuid.NewString()
	started := time.Now()

	session, err := g.dial(ctx)
	if err != nil {
		return "", fmt.Errorf("connect tool service: %w", err)
	}
	defer func() { _ = session.Close() }()

	toolDefs, err := collectToolDefinitions(ctx, session)
	if err != nil {
		return "", fmt.Errorf("list tools: %w", err)
	}
	g.logger.Debug("gateway_run_start", "run_id", runID, "tools", len(toolDefs))

	messages := []openai.ChatCompletionMessageParamUnion{
		openai.UserMessage(utterance),
	}
	for step := 1; step <= maxSteps; step++ {
		completion, err := g.complete(ctx, openai.ChatCompletionNewParams{
			Model:    openai.ChatModel(g.model),
			Messages: messages,
			Tools:    toolDefs,
		})
		if err != nil {
			return "", fmt.Errorf("agent completion: %w", err)
		}
		if len(completion.Choices) == 0 {
			return "", fmt.Errorf("agent returned no choices")
		}
		message := completion.Choices[0].Message
		if len(message.ToolCalls) == 0 {
			final := strings.TrimSpace(message.Content)
			if final == "" {
				return "", fmt.Errorf("agent returned an empty answer")
			}
			g.logger.Debug("gateway_run_done",
				"run_id", runID,
				"steps", step,
				"elapsed", time.Since(started).String(),
			)
			return final, nil
		}

		messages = append(messages, message.ToParam())
		for _, call := range message.ToolCalls {
			result, err := invokeTool(ctx, session, call.Function.Name, call.Function.Arguments)
			if err != nil {
				return "", fmt.Errorf("tool %s: %w", call.Function.Name, err)
			}
			g.logger.Debug("gateway_tool_called", "run_id", runID, "tool", call.Function.Name, "step", step)
			messages = append(messages, openai.ToolMessage(result, call.ID))
		}
	}
	return "", fmt.Errorf("agent exceeded %d steps without a final answer", maxSteps)
}

func collectToolDefinitions(ctx context.Context, session ToolSession) ([]openai.ChatCompletionToolUnionParam, error) {
	var defs []openai.ChatCompletionToolUnionParam
	params := &mcp.ListToolsParams{}
	for {
		page, err := session.ListTools(ctx, params)
		if err != nil {
			return nil, err
		}
		for _, tool := range page.Tools {
			schema, err := toolParameters(tool)
			if err != nil {
				return nil, fmt.Errorf("tool %s schema: %w", tool.Name, err)
			}
			defs = append(defs, openai.ChatCompletionFunctionTool(openai.FunctionDefinitionParam{
				Name:        tool.Name,
				Description: openai.String(tool.Description),
				Parameters:  schema,
			}))
		}
		if page.NextCursor == "" {
			return defs, nil
		}
		params.Cursor = page.NextCursor
	}
}

func toolParameters(tool *mcp.Tool) (openai.FunctionParameters, error) {
	if tool == nil || tool.InputSchema == nil {
		return openai.FunctionParameters{
			"type":       "object",
			"properties": map[string]any{},
		}, nil
	}
	raw, err := json.Marshal(tool.InputSchema)
	if err != nil {
		return nil, err
	}
	var params openai.FunctionParameters
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, err
	}
	return params, nil
}

func invokeTool(ctx context.Context, session ToolSession, name, rawArgs string) (string, error) {
	args := map[string]any{}
	if strings.TrimSpace(rawArgs) != "" {
		if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
			return "", fmt.Errorf("decode arguments: %w", err)
		}
	}
	result, err := session.CallTool(ctx, &mcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	if err != nil {
		return "", err
	}
	text := joinTextContent(result.Content)
	if result.IsError {
		if text == "" {
			text = "tool reported an error"
		}
		return "", fmt.Errorf("%s", text)
	}
	return text, nil
}

func joinTextContent(content []mcp.Content) string {
	var sb strings.Builder
	for _, item := range content {
		if tc, ok := item.(*mcp.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}
	return sb.String()
}

// mcpEndpoint templates the tool-service URL as <base-url>?token=<token>.
func mcpEndpoint(baseURL, token string) (string, error) {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		return "", fmt.Errorf("tinybird.mcp_base_url is required")
	}
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("parse tinybird.mcp_base_url: %w", err)
	}
	query := parsed.Query()
	query.Set("token", strings.TrimSpace(token))
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}
