package hugface

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/lmittmann/tint"
	openai "github.com/sashabaranov/go-openai"
)

const (
	inferenceTemperature float32 = 0.8
	inferenceTopP        float32 = 0.5

	inferenceEmptyReply = "The message from model was empty."
)

type outcome string

const (
	outcomeOK              outcome = "ok"
	outcomeEmpty           outcome = "empty"
	outcomeConnectionError outcome = "connection_error"
	outcomeRateLimited     outcome = "rate_limited"
	outcomeAuthError       outcome = "auth_error"
	outcomeAPIError        outcome = "api_error"

	// relay-level outcomes, where no completion was attempted (or the
	// reply couldn't be delivered)
	outcomeMissingAPIKey  outcome = "missing_api_key"
	outcomeMissingConfig  outcome = "missing_config"
	outcomeSettingsError  outcome = "settings_error"
	outcomeDeliveryFailed outcome = "delivery_failed"
)

// ChatCompletionStreamer is the subset of [openai.Client] used for
// completions
type ChatCompletionStreamer interface {
	CreateChatCompletionStream(
		ctx context.Context,
		request openai.ChatCompletionRequest,
	) (stream *openai.ChatCompletionStream, err error)
}

// Inference sends transcripts to an OpenAI-compatible chat completion
// endpoint and buffers the streamed reply.
//
// The underlying client is bound to an API key. When a call is made with a
// different key than the last one, the client is rebuilt, so a key change
// takes effect on the next completion.
type Inference struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics

	// newClient builds the client for a key. Replaced in tests.
	newClient func(apiKey string) ChatCompletionStreamer

	mu        sync.Mutex
	client    ChatCompletionStreamer
	clientKey string
}

func newInference(
	config *InferenceConfig,
	httpClient *http.Client,
	logger *slog.Logger,
	m *metrics,
) *Inference {
	if logger == nil {
		logger = slog.Default()
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if config.Timeout > 0 {
		httpClient = &http.Client{
			Transport:     httpClient.Transport,
			CheckRedirect: httpClient.CheckRedirect,
			Jar:           httpClient.Jar,
			Timeout:       config.Timeout,
		}
	}
	inf := &Inference{
		baseURL:    strings.TrimSuffix(config.BaseURL, "/"),
		httpClient: httpClient,
		logger:     logger,
		metrics:    m,
	}
	inf.newClient = inf.openAIClient
	return inf
}

func (inf *Inference) openAIClient(apiKey string) ChatCompletionStreamer {
	clientCfg := openai.DefaultConfig(apiKey)
	clientCfg.BaseURL = inf.baseURL
	clientCfg.HTTPClient = inf.httpClient
	return openai.NewClientWithConfig(clientCfg)
}

// clientFor returns the client bound to apiKey, rebuilding it if the key
// changed since the last call
func (inf *Inference) clientFor(apiKey string) ChatCompletionStreamer {
	inf.mu.Lock()
	defer inf.mu.Unlock()
	if inf.client == nil || inf.clientKey != apiKey {
		if inf.client != nil {
			inf.logger.Info("api key changed, rebuilding inference client")
		}
		inf.client = inf.newClient(apiKey)
		inf.clientKey = apiKey
	}
	return inf.client
}

// completion is the result of a single completion attempt. Reply is
// always set: either the model's output, or a user-facing description of
// what went wrong.
type completion struct {
	Request openai.ChatCompletionRequest
	Reply   string
	Outcome outcome
	Err     error
	Elapsed time.Duration
}

// Complete sends the transcript to the model and returns the full reply.
// Failures are returned as user-facing text rather than an error.
func (inf *Inference) Complete(
	ctx context.Context,
	entries []TranscriptEntry,
	model string,
	apiKey string,
	maxTokens int,
) string {
	return inf.complete(ctx, entries, model, apiKey, maxTokens).Reply
}

func (inf *Inference) complete(
	ctx context.Context,
	entries []TranscriptEntry,
	model string,
	apiKey string,
	maxTokens int,
) completion {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = inf.logger
	}

	req := chatCompletionRequest(entries, model, maxTokens)
	result := completion{Request: req}

	logger.DebugContext(
		ctx,
		"sending completion request",
		"model", req.Model,
		"max_tokens", req.MaxTokens,
		"messages", len(req.Messages),
	)

	start := time.Now()
	reply, err := streamCompletion(ctx, inf.clientFor(apiKey), req)
	result.Elapsed = time.Since(start)

	switch {
	case err != nil:
		result.Outcome, result.Reply = describeInferenceError(err)
		result.Err = err
		logger.WarnContext(
			ctx,
			"completion failed",
			tint.Err(err),
			"outcome", result.Outcome,
			"elapsed", result.Elapsed,
		)
	case reply == "":
		result.Outcome = outcomeEmpty
		result.Reply = inferenceEmptyReply
		logger.WarnContext(ctx, "model returned an empty reply", "elapsed", result.Elapsed)
	default:
		result.Outcome = outcomeOK
		result.Reply = reply
		logger.InfoContext(
			ctx,
			"completion finished",
			"elapsed", result.Elapsed,
			"reply_length", len(reply),
		)
	}
	inf.metrics.observeInference(result.Outcome, result.Elapsed, len(entries))
	return result
}

func chatCompletionRequest(
	entries []TranscriptEntry,
	model string,
	maxTokens int,
) openai.ChatCompletionRequest {
	messages := make([]openai.ChatCompletionMessage, 0, len(entries))
	for _, e := range entries {
		messages = append(
			messages,
			openai.ChatCompletionMessage{Role: e.Role, Content: e.Content},
		)
	}
	return openai.ChatCompletionRequest{
		Model:       model,
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: inferenceTemperature,
		TopP:        inferenceTopP,
		Stream:      true,
	}
}

// streamCompletion concatenates the content deltas of the first choice
// of each streamed chunk, in arrival order
func streamCompletion(
	ctx context.Context,
	client ChatCompletionStreamer,
	req openai.ChatCompletionRequest,
) (string, error) {
	stream, err := client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return "", err
	}
	defer stream.Close()

	var reply strings.Builder
	for {
		chunk, recvErr := stream.Recv()
		if errors.Is(recvErr, io.EOF) {
			return reply.String(), nil
		}
		if recvErr != nil {
			return "", recvErr
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		reply.WriteString(chunk.Choices[0].Delta.Content)
	}
}

// describeInferenceError classifies err and returns the message posted
// in place of a reply.
//
// Connection failures are checked first, then rate limiting, then
// authentication. Anything else is reported as a generic API error.
func describeInferenceError(err error) (outcome, string) {
	cause := inferenceErrorCause(err)
	switch o := classifyInferenceError(err); o {
	case outcomeConnectionError:
		return o, fmt.Sprintf("Failed to connect to HF API: %s", cause)
	case outcomeRateLimited:
		return o, fmt.Sprintf("HF API request exceeded rate limit: %s", cause)
	case outcomeAuthError:
		return o, fmt.Sprintf("HF API returned an Authentication Error: %s", cause)
	default:
		return outcomeAPIError, fmt.Sprintf("HF API returned an API Error: %s", cause)
	}
}

func classifyInferenceError(err error) outcome {
	var urlErr *url.Error
	var netErr net.Error
	if errors.As(err, &urlErr) || errors.As(err, &netErr) {
		return outcomeConnectionError
	}

	switch inferenceErrorStatus(err) {
	case http.StatusTooManyRequests:
		return outcomeRateLimited
	case http.StatusUnauthorized:
		return outcomeAuthError
	default:
		return outcomeAPIError
	}
}

// inferenceErrorStatus returns the HTTP status code of a failed request,
// or 0 if there isn't one. Endpoints that return a plain string "error"
// field surface as a RequestError wrapping an empty APIError, so the
// RequestError's status wins.
func inferenceErrorStatus(err error) int {
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		return reqErr.HTTPStatusCode
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode
	}
	return 0
}

// inferenceErrorCause renders err for the reply. A RequestError with no
// usable message is rendered from its status code instead.
func inferenceErrorCause(err error) string {
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && (reqErr.Err == nil || reqErr.Err.Error() == "") {
		code := reqErr.HTTPStatusCode
		return fmt.Sprintf("status code: %d, %s", code, http.StatusText(code))
	}
	return err.Error()
}
