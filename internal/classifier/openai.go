package classifier

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"tg_classifier_bot/internal/domain"
)

// OpenAIOptions configure the OpenAI vision adapter.
type OpenAIOptions struct {
	Model   string
	APIKey  string
	BaseURL string
}

// OpenAI classifies images with a vision capable chat completion model.
type OpenAI struct {
	client *openai.Client
	opts   OpenAIOptions
}

// NewOpenAI creates the adapter with its own client. Retries are disabled so a
// timed out call is reported instead of silently repeated.
func NewOpenAI(optFns ...func(o *OpenAIOptions)) *OpenAI {
	opts := defaultOpenAIOptions()
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

	client := openai.NewClient(clientOpts...)
	return NewOpenAIFromClient(&client, func(o *OpenAIOptions) { *o = opts })
}

// NewOpenAIFromClient wraps an existing client.
func NewOpenAIFromClient(client *openai.Client, optFns ...func(o *OpenAIOptions)) *OpenAI {
	opts := defaultOpenAIOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	return &OpenAI{client: client, opts: opts}
}

// Classify sends the image as a data URL and parses the one-word answer.
func (o *OpenAI) Classify(ctx context.Context, image []byte) (Label, error) {
	mime, err := Sniff(image)
	if err != nil {
		return "", err
	}

	dataURL := "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(image)

	params := openai.ChatCompletionNewParams{
		Model:               o.opts.Model,
		MaxCompletionTokens: openai.Int(8),
		Temperature:         openai.Float(0),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(prompt),
			openai.UserMessage([]openai.ChatCompletionContentPartUnionParam{
				openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{URL: dataURL}),
			}),
		},
	}

	resp, err := o.client.Chat.Completions.New(ctx, params)
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			return "", statusError("openai classify", apiErr.StatusCode)
		}
		return "", transportError(ctx, "openai classify", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai classify: %w: no choices returned", domain.ErrClassificationUnavailable)
	}

	return ParseLabel(resp.Choices[0].Message.Content)
}

// Info describes the adapter for logs.
func (o *OpenAI) Info() string {
	return "openai:" + o.opts.Model
}

func defaultOpenAIOptions() OpenAIOptions {
	return OpenAIOptions{Model: openai.ChatModelGPT4oMini}
}
