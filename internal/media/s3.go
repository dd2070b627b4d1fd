package media

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/dmsync/internal/logger"
	"github.com/dustin/go-humanize"
)

// S3Config параметры бакета. Endpoint задаётся для MinIO и других S3-совместимых хранилищ.
type S3Config struct {
	Bucket        string
	Region        string
	Endpoint      string
	PublicRead    bool
	PresignTTL    time.Duration
	MaxUploadSize int64
	MaxImageWidth int
}

// S3 загружает вложения в бакет; ссылка публичная или подписанная.
type S3 struct {
	cfg      S3Config
	client   *s3.Client
	uploader *manager.Uploader
	presign  *s3.PresignClient
}

var _ Processor = (*S3)(nil)

func NewS3(ctx context.Context, cfg S3Config) (*S3, error) {
	awsCfg, err := awscfg.LoadDefaultConfig(ctx, awscfg.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	if cfg.PresignTTL <= 0 {
		cfg.PresignTTL = 10 * time.Minute
	}
	return &S3{
		cfg:      cfg,
		client:   client,
		uploader: manager.NewUploader(client),
		presign:  s3.NewPresignClient(client),
	}, nil
}

// ObjectKey ключ объекта вложения в бакете.
func ObjectKey(chatID, messageID, ext string) string {
	return path.Join("chats", chatID, messageID+ext)
}

func (s *S3) Process(ctx context.Context, localURI, chatID, messageID string) (Descriptor, error) {
	defer logger.DeferLogDuration("media.S3.Process", time.Now())()
	a, err := prepare(localURI, s.cfg.MaxUploadSize, s.cfg.MaxImageWidth)
	if err != nil {
		return Descriptor{}, err
	}
	key := ObjectKey(chatID, messageID, a.ext)
	_, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(a.data),
		ContentType: aws.String(a.contentType),
	})
	if err != nil {
		return Descriptor{}, fmt.Errorf("s3 upload %s: %w", key, err)
	}
	link, err := s.downloadURL(ctx, key)
	if err != nil {
		return Descriptor{}, err
	}
	logger.Infof("media uploaded key=%s size=%s", key, humanize.Bytes(uint64(len(a.data))))
	return a.descriptor(localURI, link), nil
}

func (s *S3) downloadURL(ctx context.Context, key string) (string, error) {
	if s.cfg.PublicRead {
		return PublicURL(s.cfg, key), nil
	}
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(s.cfg.PresignTTL))
	if err != nil {
		return "", fmt.Errorf("s3 presign %s: %w", key, err)
	}
	return req.URL, nil
}

// PublicURL адрес объекта при публичном чтении бакета.
func PublicURL(cfg S3Config, key string) string {
	escaped := (&url.URL{Path: key}).EscapedPath()
	if cfg.Endpoint != "" {
		return fmt.Sprintf("%s/%s/%s", cfg.Endpoint, cfg.Bucket, escaped)
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", cfg.Bucket, cfg.Region, escaped)
}
