package assets

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/cloudinary/cloudinary-go/v2"
	"github.com/cloudinary/cloudinary-go/v2/api/uploader"
	"github.com/sirupsen/logrus"
)

type CloudinaryStore struct {
	cld    *cloudinary.Cloudinary
	folder string
	logger *logrus.Logger
}

func NewCloudinaryStore(cloudName, apiKey, apiSecret, folder string, logger *logrus.Logger) (*CloudinaryStore, error) {
	cld, err := cloudinary.NewFromParams(cloudName, apiKey, apiSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to configure cloudinary: %w", err)
	}
	cld.Config.URL.Secure = true

	return &CloudinaryStore{cld: cld, folder: folder, logger: logger}, nil
}

func (s *CloudinaryStore) Store(ctx context.Context, filename string, body io.Reader) (string, error) {
	result, err := s.cld.Upload.Upload(ctx, body, uploadParams(s.folder, filename))
	if err != nil {
		return "", fmt.Errorf("failed to upload image: %w", err)
	}
	if result.Error.Message != "" {
		return "", fmt.Errorf("cloudinary rejected upload: %s", result.Error.Message)
	}

	s.logger.WithFields(logrus.Fields{
		"public_id": result.PublicID,
		"bytes":     result.Bytes,
	}).Info("Image uploaded")

	return result.SecureURL, nil
}

func (s *CloudinaryStore) Delete(ctx context.Context, url string) (bool, error) {
	if url == "" {
		return false, errors.New("no image URL provided")
	}

	publicID, ok := PublicID(url)
	if !ok {
		s.logger.WithField("image_url", url).Warn("Could not extract public ID from image URL")
		return false, nil
	}

	result, err := s.cld.Upload.Destroy(ctx, uploader.DestroyParams{PublicID: publicID})
	if err != nil {
		return false, fmt.Errorf("failed to delete image %s: %w", publicID, err)
	}
	if result.Result != "ok" {
		s.logger.WithFields(logrus.Fields{
			"public_id": publicID,
			"result":    result.Result,
			"error":     result.Error.Message,
		}).Warn("Cloudinary deletion did not succeed")
		return false, nil
	}
	return true, nil
}

// uploadParams names the asset after the client's filename when there is
// one. A reader carries no name of its own, so it is passed as an override.
func uploadParams(folder, filename string) uploader.UploadParams {
	params := uploader.UploadParams{
		Folder:         folder,
		UniqueFilename: boolPtr(true),
		ResourceType:   "image",
	}
	base := strings.TrimSuffix(path.Base(filename), path.Ext(filename))
	if base != "" && base != "." && base != "/" {
		params.UseFilename = boolPtr(true)
		params.FilenameOverride = base
	}
	return params
}

func boolPtr(b bool) *bool {
	return &b
}
