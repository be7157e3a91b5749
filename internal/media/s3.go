package media

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/nfnt/resize"
	"github.com/rs/zerolog/log"
	"github.com/vincent-petithory/dataurl"

	_ "image/gif"
	_ "image/png"
)

const thumbnailMaxWidth = 320

// Config holds S3 settings for outbound media storage.
type Config struct {
	Enabled   bool
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	PathStyle bool
	PublicURL string
}

// Store uploads outbound message media to S3-compatible storage. A nil
// *Store is a valid disabled store: data-URL media refs pass through to the
// gateway untouched.
type Store struct {
	client *s3.Client
	cfg    Config
}

// NewStore creates an S3 media store. Returns nil without error when
// disabled by configuration.
func NewStore(cfg Config) (*Store, error) {
	if !cfg.Enabled {
		log.Info().Msg("S3 media storage disabled; media refs pass through to the gateway")
		return nil, nil
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("S3 credentials not available - set S3_ACCESS_KEY and S3_SECRET_KEY")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("S3 bucket cannot be empty")
	}

	awsCfg := aws.Config{
		Region:      cfg.Region,
		Credentials: credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
	}

	if cfg.Endpoint != "" {
		endpoint := cfg.Endpoint
		customResolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, options ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               endpoint,
					HostnameImmutable: cfg.PathStyle,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		awsCfg.EndpointResolverWithOptions = customResolver
	}

	// Buckets with dots break virtual-hosted TLS; force path-style for them.
	usePathStyle := cfg.PathStyle
	if strings.Contains(cfg.Bucket, ".") {
		usePathStyle = true
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = usePathStyle
	})

	log.Info().
		Str("bucket", cfg.Bucket).
		Str("region", cfg.Region).
		Str("endpoint", cfg.Endpoint).
		Msg("S3 media store initialized")

	return &Store{client: client, cfg: cfg}, nil
}

// ProcessOutboundMedia resolves a submit-time media reference. A data URL is
// decoded, uploaded (with a JPEG thumbnail for images) and replaced by the
// stored object's public URL; any other reference is returned unchanged.
func (s *Store) ProcessOutboundMedia(ctx context.Context, conversationID, messageID, mediaRef string) (string, error) {
	if s == nil || !strings.HasPrefix(mediaRef, "data:") {
		return mediaRef, nil
	}

	du, err := dataurl.DecodeString(mediaRef)
	if err != nil {
		return "", fmt.Errorf("failed to decode media data URL: %w", err)
	}
	mimeType := du.MediaType.ContentType()
	data := du.Data

	key := s.objectKey(conversationID, messageID, mimeType)
	if err := s.upload(ctx, key, data, mimeType); err != nil {
		return "", err
	}

	if strings.HasPrefix(mimeType, "image/") {
		if thumb, err := makeThumbnail(data); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("Thumbnail generation failed; storing original only")
		} else if err := s.upload(ctx, thumbKey(key), thumb, "image/jpeg"); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("Thumbnail upload failed; storing original only")
		}
	}

	url := s.publicURL(key)
	log.Info().
		Str("conversationID", conversationID).
		Str("messageID", messageID).
		Str("key", key).
		Int("size", len(data)).
		Msg("Outbound media stored")
	return url, nil
}

// objectKey builds the object path from message metadata, grouped by
// conversation and upload date.
func (s *Store) objectKey(conversationID, messageID, mimeType string) string {
	mediaType := "documents"
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		mediaType = "images"
	case strings.HasPrefix(mimeType, "video/"):
		mediaType = "videos"
	case strings.HasPrefix(mimeType, "audio/"):
		mediaType = "audio"
	}

	ext := ".bin"
	switch {
	case strings.Contains(mimeType, "jpeg"), strings.Contains(mimeType, "jpg"):
		ext = ".jpg"
	case strings.Contains(mimeType, "png"):
		ext = ".png"
	case strings.Contains(mimeType, "gif"):
		ext = ".gif"
	case strings.Contains(mimeType, "webp"):
		ext = ".webp"
	case strings.Contains(mimeType, "mp4"):
		ext = ".mp4"
	case strings.Contains(mimeType, "ogg"):
		ext = ".ogg"
	case strings.Contains(mimeType, "pdf"):
		ext = ".pdf"
	}

	now := time.Now()
	return fmt.Sprintf("conversations/%s/outbox/%s/%s/%s%s",
		conversationID, now.Format("2006/01/02"), mediaType, messageID, ext)
}

func thumbKey(key string) string {
	if i := strings.LastIndex(key, "."); i > 0 {
		key = key[:i]
	}
	return key + "_thumb.jpg"
}

func (s *Store) upload(ctx context.Context, key string, data []byte, mimeType string) error {
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	input := &s3.PutObjectInput{
		Bucket:       aws.String(s.cfg.Bucket),
		Key:          aws.String(key),
		Body:         bytes.NewReader(data),
		ContentType:  aws.String(mimeType),
		CacheControl: aws.String("public, max-age=3600"),
	}
	if strings.HasPrefix(mimeType, "image/") || strings.HasPrefix(mimeType, "video/") || mimeType == "application/pdf" {
		input.ContentDisposition = aws.String("inline")
	}

	if _, err := s.client.PutObject(ctx, input); err != nil {
		log.Error().Err(err).
			Str("key", key).
			Str("bucket", s.cfg.Bucket).
			Str("mimeType", mimeType).
			Int("size", len(data)).
			Msg("Failed to upload media to S3")
		return fmt.Errorf("failed to upload to S3: %w", err)
	}
	return nil
}

// publicURL generates the object's public URL, preferring a configured CDN
// base, then the custom endpoint, then standard AWS S3 URL forms.
func (s *Store) publicURL(key string) string {
	if s.cfg.PublicURL != "" {
		return fmt.Sprintf("%s/%s/%s", strings.TrimRight(s.cfg.PublicURL, "/"), s.cfg.Bucket, key)
	}
	if s.cfg.Endpoint != "" && !strings.Contains(s.cfg.Endpoint, "amazonaws.com") {
		if s.cfg.PathStyle || strings.Contains(s.cfg.Bucket, ".") {
			return fmt.Sprintf("%s/%s/%s", strings.TrimRight(s.cfg.Endpoint, "/"), s.cfg.Bucket, key)
		}
		endpoint := strings.TrimPrefix(s.cfg.Endpoint, "https://")
		endpoint = strings.TrimPrefix(endpoint, "http://")
		return fmt.Sprintf("https://%s.%s/%s", s.cfg.Bucket, endpoint, key)
	}
	if s.cfg.PathStyle || strings.Contains(s.cfg.Bucket, ".") {
		return fmt.Sprintf("https://s3.%s.amazonaws.com/%s/%s", s.cfg.Region, s.cfg.Bucket, key)
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", s.cfg.Bucket, s.cfg.Region, key)
}

// makeThumbnail decodes an image and produces a bounded-width JPEG preview.
func makeThumbnail(data []byte) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	thumb := resize.Thumbnail(thumbnailMaxWidth, thumbnailMaxWidth, img, resize.Lanczos3)
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, thumb, &jpeg.Options{Quality: 80}); err != nil {
		return nil, fmt.Errorf("failed to encode thumbnail: %w", err)
	}
	return buf.Bytes(), nil
}
