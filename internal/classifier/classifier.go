// Package classifier adapts external inference models to a two-label image
// classification contract.
package classifier

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"tg_classifier_bot/internal/domain"
)

// Label is the model's verdict for one image.
type Label string

const (
	LabelHuman     Label = "Human"
	LabelCrocodile Label = "Crocodile"
)

// DefaultThreshold splits model scores: below is Human, at or above is Crocodile.
const DefaultThreshold = 0.5

// Classifier maps raw image bytes to a label. Errors are
// domain.ErrClassificationTimeout, domain.ErrClassificationUnavailable or
// domain.ErrInvalidImage, possibly wrapped.
type Classifier interface {
	Classify(ctx context.Context, image []byte) (Label, error)
}

// Func adapts a plain function to Classifier.
type Func func(ctx context.Context, image []byte) (Label, error)

// Classify calls f.
func (f Func) Classify(ctx context.Context, image []byte) (Label, error) {
	return f(ctx, image)
}

// Decide applies threshold to a sigmoid score.
func Decide(score, threshold float64) Label {
	if score < threshold {
		return LabelHuman
	}
	return LabelCrocodile
}

// Sniff returns the detected image MIME type or domain.ErrInvalidImage.
func Sniff(image []byte) (string, error) {
	if len(image) == 0 {
		return "", fmt.Errorf("%w: empty payload", domain.ErrInvalidImage)
	}

	mime := http.DetectContentType(image)
	if !strings.HasPrefix(mime, "image/") {
		return "", fmt.Errorf("%w: detected %s", domain.ErrInvalidImage, mime)
	}
	return mime, nil
}

// ParseLabel reads a free-form model answer that must name exactly one label.
func ParseLabel(answer string) (Label, error) {
	normalized := strings.ToLower(answer)
	human := strings.Contains(normalized, strings.ToLower(string(LabelHuman)))
	crocodile := strings.Contains(normalized, strings.ToLower(string(LabelCrocodile)))

	switch {
	case human && !crocodile:
		return LabelHuman, nil
	case crocodile && !human:
		return LabelCrocodile, nil
	default:
		return "", fmt.Errorf("%w: unexpected model answer %q", domain.ErrClassificationUnavailable, truncate(answer, 64))
	}
}

// transportError maps a failed call to the classification error taxonomy.
func transportError(ctx context.Context, op string, err error) error {
	if IsTimeout(ctx, err) {
		return fmt.Errorf("%s: %w: %w", op, domain.ErrClassificationTimeout, err)
	}
	return fmt.Errorf("%s: %w: %w", op, domain.ErrClassificationUnavailable, err)
}

// statusError maps an HTTP status from a model endpoint.
func statusError(op string, status int) error {
	switch {
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return fmt.Errorf("%s: %w: status %d", op, domain.ErrInvalidImage, status)
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return fmt.Errorf("%s: %w: status %d", op, domain.ErrClassificationTimeout, status)
	default:
		return fmt.Errorf("%s: %w: status %d", op, domain.ErrClassificationUnavailable, status)
	}
}

// IsTimeout reports whether err stems from a deadline, either the caller's
// context or a transport timeout.
func IsTimeout(ctx context.Context, err error) bool {
	if ctx != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, domain.ErrClassificationTimeout) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

const prompt = "You are an image classifier. Decide whether the image shows a human or a crocodile. " +
	"Answer with exactly one word: Human or Crocodile."
