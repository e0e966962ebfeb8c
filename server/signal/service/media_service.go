package service

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"net/url"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/minio/minio-go/v7"

	commonlog "rtc_server/server/common/log"
	"rtc_server/server/signal/domain"
)

const (
	presignExpiry   = 15 * time.Minute
	thumbnailSize   = 320
	mediaRootPrefix = "users/"
)

// MediaService hands out presigned URLs for chat attachments and derives
// thumbnails for uploaded images. Objects are namespaced per uploader.
type MediaService struct {
	client *minio.Client
	bucket string
}

func NewMediaService(client *minio.Client, bucket string) *MediaService {
	return &MediaService{client: client, bucket: bucket}
}

// PresignUpload returns a PUT URL for objectKey under the user's namespace
// together with the resolved key the client must reference when sending.
func (s *MediaService) PresignUpload(ctx context.Context, userID, objectKey string) (string, string, error) {
	key, err := userObjectKey(userID, objectKey)
	if err != nil {
		return "", "", err
	}
	u, err := s.client.PresignedPutObject(ctx, s.bucket, key, presignExpiry)
	if err != nil {
		return "", "", fmt.Errorf("%w: presign upload: %v", domain.ErrTransport, err)
	}
	return u.String(), key, nil
}

func (s *MediaService) PresignDownload(ctx context.Context, objectKey string) (string, error) {
	key, err := cleanObjectKey(objectKey)
	if err != nil {
		return "", err
	}
	if !strings.HasPrefix(key, mediaRootPrefix) {
		return "", fmt.Errorf("%w: object key outside media namespace", domain.ErrInvalidArgument)
	}
	u, err := s.client.PresignedGetObject(ctx, s.bucket, key, presignExpiry, url.Values{})
	if err != nil {
		return "", fmt.Errorf("%w: presign download: %v", domain.ErrTransport, err)
	}
	return u.String(), nil
}

// Prepare checks that the attachment was uploaded by userID, fills in its
// size and content type and adds a thumbnail for images.
func (s *MediaService) Prepare(ctx context.Context, userID string, media domain.Media) (domain.Media, error) {
	key, err := cleanObjectKey(media.ObjectKey)
	if err != nil {
		return media, err
	}
	if !strings.HasPrefix(key, userPrefixFor(userID)) {
		return media, fmt.Errorf("%w: attachment %s not owned by sender", domain.ErrInvalidArgument, key)
	}
	media.ObjectKey = key

	info, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return media, fmt.Errorf("%w: stat attachment: %v", domain.ErrNotFound, err)
	}
	media.SizeBytes = info.Size
	if media.ContentType == "" {
		media.ContentType = info.ContentType
	}
	if strings.HasPrefix(media.ContentType, "image/") {
		thumbKey, err := s.makeThumbnail(ctx, key)
		if err != nil {
			commonlog.Warnf("event=media action=thumbnail status=failed object_key=%s error=%v", key, err)
		} else {
			media.ThumbnailKey = thumbKey
		}
	}
	return media, nil
}

func (s *MediaService) makeThumbnail(ctx context.Context, objectKey string) (string, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, objectKey, minio.GetObjectOptions{})
	if err != nil {
		return "", err
	}
	defer obj.Close()

	img, err := imaging.Decode(obj, imaging.AutoOrientation(true))
	if err != nil {
		return "", err
	}
	buf, err := encodeThumbnail(img)
	if err != nil {
		return "", err
	}

	thumbKey := thumbnailKey(objectKey)
	reader := bytes.NewReader(buf)
	_, err = s.client.PutObject(ctx, s.bucket, thumbKey, reader, int64(reader.Len()), minio.PutObjectOptions{ContentType: "image/jpeg"})
	if err != nil {
		return "", fmt.Errorf("upload thumb: %w", err)
	}
	return thumbKey, nil
}

func encodeThumbnail(img image.Image) ([]byte, error) {
	thumb := imaging.Thumbnail(img, thumbnailSize, thumbnailSize, imaging.Lanczos)
	buf := bytes.NewBuffer(nil)
	if err := imaging.Encode(buf, thumb, imaging.JPEG); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func thumbnailKey(objectKey string) string {
	ext := filepath.Ext(objectKey)
	return strings.TrimSuffix(objectKey, ext) + "_thumb.jpg"
}

func userPrefixFor(userID string) string {
	return mediaRootPrefix + url.PathEscape(userID) + "/"
}

// userObjectKey places objectKey under the user's namespace unless it is
// already there.
func userObjectKey(userID, objectKey string) (string, error) {
	if strings.TrimSpace(userID) == "" {
		return "", fmt.Errorf("%w: user required", domain.ErrInvalidArgument)
	}
	cleaned, err := cleanObjectKey(objectKey)
	if err != nil {
		return "", err
	}
	prefix := userPrefixFor(userID)
	if strings.HasPrefix(cleaned, prefix) {
		return cleaned, nil
	}
	return prefix + cleaned, nil
}

func cleanObjectKey(objectKey string) (string, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(objectKey), "/")
	if trimmed == "" {
		return "", fmt.Errorf("%w: objectKey required", domain.ErrInvalidArgument)
	}
	cleaned := path.Clean(trimmed)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("%w: objectKey is invalid", domain.ErrInvalidArgument)
	}
	return cleaned, nil
}
