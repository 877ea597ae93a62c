package assets

import (
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"

	"github.com/jogardn/sticker-storefront/internal/circuitbreaker"
)

const MaxUploadBytes = 10 << 20

var allowedContentTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/gif":  true,
	"image/webp": true,
}

var (
	ErrUnsupportedType = errors.New("unsupported image type")
	ErrTooLarge        = errors.New("image exceeds 10MB")
	ErrEmpty           = errors.New("image is empty")
)

// Store keeps uploaded artwork on an external host.
type Store interface {
	Store(ctx context.Context, filename string, body io.Reader) (string, error)
	// Delete reports false without error when the host refused or did not
	// know the asset.
	Delete(ctx context.Context, url string) (bool, error)
}

func ValidateUpload(contentType string, size int64) error {
	if !allowedContentTypes[contentType] {
		return fmt.Errorf("%w: %q", ErrUnsupportedType, contentType)
	}
	if size <= 0 {
		return ErrEmpty
	}
	if size > MaxUploadBytes {
		return ErrTooLarge
	}
	return nil
}

var publicIDPattern = regexp.MustCompile(`/v\d+/([^/]+/[^.]+)`)

// PublicID extracts "<folder>/<name>" from a delivery URL such as
// https://res.cloudinary.com/demo/image/upload/v1712/stickers/cat.png.
func PublicID(url string) (string, bool) {
	match := publicIDPattern.FindStringSubmatch(url)
	if match == nil {
		return "", false
	}
	return match[1], true
}

type Guarded struct {
	next    Store
	breaker *circuitbreaker.CircuitBreaker
}

func NewGuarded(next Store, manager *circuitbreaker.Manager) *Guarded {
	return &Guarded{next: next, breaker: manager.GetOrCreate("assets", nil)}
}

func (g *Guarded) Store(ctx context.Context, filename string, body io.Reader) (string, error) {
	var url string
	err := g.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		url, err = g.next.Store(ctx, filename, body)
		return err
	})
	return url, err
}

func (g *Guarded) Delete(ctx context.Context, url string) (bool, error) {
	var deleted bool
	err := g.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		deleted, err = g.next.Delete(ctx, url)
		return err
	})
	return deleted, err
}
