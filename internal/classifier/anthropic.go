package classifier

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicOptions configure the Anthropic vision adapter.
type AnthropicOptions struct {
	Model   anthropic.Model
	APIKey  string
	BaseURL string
}

// Anthropic classifies images with the Messages API.
type Anthropic struct {
	client *anthropic.Client
	opts   AnthropicOptions
}

// NewAnthropic creates the adapter with its own client and retries disabled.
func NewAnthropic(optFns ...func(o *AnthropicOptions)) *Anthropic {
	opts := defaultAnthropicOptions()
	for _, fn := range optFns {
		fn(&opts)
	}

	clientOpts := []option.RequestOption{option.WithMaxRetries(0)}
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}
	if opts.BaseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(opts.BaseURL))
	}

	client := anthropic.NewClient(clientOpts...)
	return NewAnthropicFromClient(&client, func(o *AnthropicOptions) { *o = opts })
}

// NewAnthropicFromClient wraps an existing client.
func NewAnthropicFromClient(client *anthropic.Client, optFns ...func(o *AnthropicOptions)) *Anthropic {
	opts := defaultAnthropicOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Anthropic{client: client, opts: opts}
}

// Classify sends the image as a base64 block and parses the one-word answer.
func (a *Anthropic) Classify(ctx context.Context, image []byte) (Label, error) {
	mime, err := Sniff(image)
	if err != nil {
		return "", err
	}

	params := anthropic.MessageNewParams{
		Model:     a.opts.Model,
		MaxTokens: 8,
		System:    []anthropic.TextBlockParam{{Text: prompt}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(
				anthropic.NewImageBlockBase64(mime, base64.StdEncoding.EncodeToString(image)),
				anthropic.NewTextBlock("Human or Crocodile?"),
			),
		},
	}

	resp, err := a.client.Messages.New(ctx, params)
	if err != nil {
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			return "", statusError("anthropic classify", apiErr.StatusCode)
		}
		return "", transportError(ctx, "anthropic classify", err)
	}

	var answer strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			answer.WriteString(block.Text)
		}
	}

	return ParseLabel(answer.String())
}

// Info describes the adapter for logs.
func (a *Anthropic) Info() string {
	return "anthropic:" + string(a.opts.Model)
}

func defaultAnthropicOptions() AnthropicOptions {
	return AnthropicOptions{Model: anthropic.ModelClaude3_5Sonnet20241022}
}
