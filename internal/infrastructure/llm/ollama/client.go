package ollama

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/kirillkom/admissions-assistant/internal/infrastructure/resilience"
)

type Options struct {
	HTTPTimeout time.Duration
	// KeepAlive is forwarded to Ollama so the model stays loaded between turns.
	KeepAlive string
	Executor  *resilience.Executor
}

// Client is the shared Ollama HTTP client. One instance is built at startup and
// reused by the chat model and the embedder.
type Client struct {
	baseURL    string
	chatModel  string
	embedModel string
	keepAlive  string
	httpClient *http.Client
	executor   *resilience.Executor
}

func New(baseURL, chatModel, embedModel string) *Client {
	return NewWithOptions(baseURL, chatModel, embedModel, Options{})
}

func NewWithOptions(baseURL, chatModel, embedModel string, opts Options) *Client {
	if opts.HTTPTimeout <= 0 {
		opts.HTTPTimeout = 120 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		chatModel:  chatModel,
		embedModel: embedModel,
		keepAlive:  opts.KeepAlive,
		httpClient: &http.Client{Timeout: opts.HTTPTimeout},
		executor:   opts.Executor,
	}
}

func (c *Client) ChatModelName() string {
	return c.chatModel
}

// Ping checks that Ollama answers and has both configured models pulled.
func (c *Client) Ping(ctx context.Context) error {
	var tags struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := c.getJSON(ctx, "/api/tags", &tags, "tags"); err != nil {
		return err
	}
	pulled := make(map[string]bool, len(tags.Models))
	for _, m := range tags.Models {
		pulled[m.Name] = true
		pulled[strings.TrimSuffix(m.Name, ":latest")] = true
	}
	for _, model := range []string{c.chatModel, c.embedModel} {
		if model != "" && !pulled[model] {
			return fmt.Errorf("ollama model %q is not pulled", model)
		}
	}
	return nil
}

func (c *Client) call(ctx context.Context, operation string, fn func(context.Context) error) error {
	if c.executor == nil {
		return wrapTemporaryIfNeeded("ollama "+operation, fn(ctx))
	}
	err := c.executor.Execute(ctx, "ollama."+operation, fn, classifyOllamaError)
	return wrapTemporaryIfNeeded("ollama "+operation, err)
}
