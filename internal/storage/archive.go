package storage

import (
	"context"
	"fmt"
)

type Fetcher interface {
	Download(ctx context.Context, uri string) ([]byte, string, error)
}

type ObjectUploader interface {
	Upload(ctx context.Context, name string, data []byte, contentType string) (string, error)
}

// VideoArchiver copies finished provider videos into our bucket so links outlive the provider's retention.
type VideoArchiver struct {
	fetcher  Fetcher
	uploader ObjectUploader
}

func NewVideoArchiver(fetcher Fetcher, uploader ObjectUploader) *VideoArchiver {
	return &VideoArchiver{fetcher: fetcher, uploader: uploader}
}

func (a *VideoArchiver) Archive(ctx context.Context, generationID, sourceURL string) (string, error) {
	data, contentType, err := a.fetcher.Download(ctx, sourceURL)
	if err != nil {
		return "", fmt.Errorf("fetch video: %w", err)
	}
	url, err := a.uploader.Upload(ctx, generationID, data, contentType)
	if err != nil {
		return "", fmt.Errorf("archive video: %w", err)
	}
	return url, nil
}
