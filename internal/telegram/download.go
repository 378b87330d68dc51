package telegram

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
)

var errImageTooLarge = errors.New("image exceeds size limit")

func (c *Client) downloadImage(ctx context.Context, msg *models.Message) ([]byte, error) {
	fileID, size := imageFile(msg)
	if fileID == "" {
		return nil, errors.New("message carries no image")
	}
	if size > c.maxImageBytes {
		return nil, fmt.Errorf("%w: %d bytes", errImageTooLarge, size)
	}

	file, err := c.bot.GetFile(ctx, &bot.GetFileParams{FileID: fileID})
	if err != nil {
		return nil, fmt.Errorf("get file: %w", err)
	}
	if file == nil || file.FilePath == "" {
		return nil, errors.New("get file: empty file path")
	}
	if int64(file.FileSize) > c.maxImageBytes {
		return nil, fmt.Errorf("%w: %d bytes", errImageTooLarge, file.FileSize)
	}

	resp, err := c.http.R().
		SetContext(ctx).
		Get(c.bot.FileDownloadLink(file))
	if err != nil {
		return nil, fmt.Errorf("download file: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("download file: unexpected status %d", resp.StatusCode())
	}

	body := resp.Body()
	if int64(len(body)) > c.maxImageBytes {
		return nil, fmt.Errorf("%w: %d bytes", errImageTooLarge, len(body))
	}
	return body, nil
}

func imageFile(msg *models.Message) (string, int64) {
	if len(msg.Photo) > 0 {
		p := largestPhoto(msg.Photo)
		return p.FileID, int64(p.FileSize)
	}
	if isImageDocument(msg.Document) {
		return msg.Document.FileID, int64(msg.Document.FileSize)
	}
	return "", 0
}
