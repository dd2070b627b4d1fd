// Package media превращает локальный файл вложения в сохранённый объект с URL и метаданными.
package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/dmsync/internal/model"
)

var (
	ErrBlocked  = errors.New("media: file type not allowed")
	ErrMismatch = errors.New("media: file content does not match type")
	ErrTooLarge = errors.New("media: file too large")
)

// Descriptor сохранённый объект.
type Descriptor struct {
	Kind        model.MessageType
	URI         string
	DownloadURL string
	Width       int
	Height      int
	Size        int64
	Duration    float64 // секунды, только для видео
	Name        string
	ContentType string
}

type Processor interface {
	Process(ctx context.Context, localURI, chatID, messageID string) (Descriptor, error)
}

// Блокируем только опасные расширения (исполняемые/скрипты). Остальные: разрешены.
var BlockedExt = map[string]bool{
	".exe": true, ".sh": true, ".js": true, ".bat": true, ".cmd": true,
	".php": true, ".py": true, ".rb": true,
}

var imageExt = map[string]bool{".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".webp": true, ".heic": true}

var videoExt = map[string]bool{".mp4": true, ".mov": true, ".webm": true, ".m4v": true}

// KindOf определяет тип сообщения по расширению.
func KindOf(name string) model.MessageType {
	ext := strings.ToLower(filepath.Ext(name))
	switch {
	case imageExt[ext]:
		return model.MessageTypeImage
	case videoExt[ext]:
		return model.MessageTypeVideo
	}
	return model.MessageTypeFile
}

// Apply раскладывает дескриптор по медиа-полям сообщения согласно его типу.
func Apply(m *model.Message, d Descriptor) {
	m.Type = d.Kind
	m.Image, m.Video, m.File = nil, nil, nil
	switch d.Kind {
	case model.MessageTypeImage:
		m.Image = &model.ImageData{URI: d.URI, DownloadURL: d.DownloadURL, Width: d.Width, Height: d.Height, Size: d.Size}
	case model.MessageTypeVideo:
		m.Video = &model.VideoData{URI: d.URI, DownloadURL: d.DownloadURL, Width: d.Width, Height: d.Height, Size: d.Size, Duration: d.Duration}
	default:
		m.Type = model.MessageTypeFile
		m.File = &model.FileData{URI: d.URI, DownloadURL: d.DownloadURL, Name: d.Name, Size: d.Size}
	}
}

// asset прочитанный и при необходимости сжатый файл, готовый к сохранению.
type asset struct {
	data        []byte
	ext         string
	name        string
	kind        model.MessageType
	contentType string
	width       int
	height      int
}

// localPath принимает file:// URI или обычный путь.
func localPath(uri string) (string, error) {
	if strings.HasPrefix(uri, "file://") {
		u, err := url.Parse(uri)
		if err != nil {
			return "", fmt.Errorf("media uri: %w", err)
		}
		return u.Path, nil
	}
	if uri == "" {
		return "", errors.New("media uri is empty")
	}
	return uri, nil
}

// prepare читает файл, проверяет тип и сжимает изображения шире maxWidth.
func prepare(localURI string, maxSize int64, maxWidth int) (*asset, error) {
	path, err := localPath(localURI)
	if err != nil {
		return nil, err
	}
	name := safeFilename(filepath.Base(path))
	ext := strings.ToLower(filepath.Ext(name))
	if BlockedExt[ext] {
		return nil, ErrBlocked
	}
	st, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("media stat: %w", err)
	}
	if maxSize > 0 && st.Size() > maxSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, st.Size())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("media read: %w", err)
	}
	if !matchMagic(ext, data) {
		return nil, ErrMismatch
	}
	a := &asset{data: data, ext: ext, name: name, kind: KindOf(name), contentType: contentTypeByExt(ext)}
	if a.contentType == "" {
		a.contentType = "application/octet-stream"
	}
	if a.kind == model.MessageTypeImage && (ext == ".jpg" || ext == ".jpeg" || ext == ".png" || ext == ".gif") {
		if err := a.compress(maxWidth); err != nil {
			return nil, err
		}
	}
	return a, nil
}

func (a *asset) compress(maxWidth int) error {
	img, err := imaging.Decode(bytes.NewReader(a.data), imaging.AutoOrientation(true))
	if err != nil {
		return fmt.Errorf("media decode image: %w", err)
	}
	if maxWidth > 0 && img.Bounds().Dx() > maxWidth {
		resized := imaging.Resize(img, maxWidth, 0, imaging.Lanczos)
		var buf bytes.Buffer
		if err := imaging.Encode(&buf, resized, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
			return fmt.Errorf("media encode image: %w", err)
		}
		img = resized
		a.data = buf.Bytes()
		a.ext = ".jpg"
		a.contentType = "image/jpeg"
	}
	a.width = img.Bounds().Dx()
	a.height = img.Bounds().Dy()
	return nil
}

func (a *asset) descriptor(uri, downloadURL string) Descriptor {
	return Descriptor{
		Kind:        a.kind,
		URI:         uri,
		DownloadURL: downloadURL,
		Width:       a.width,
		Height:      a.height,
		Size:        int64(len(a.data)),
		Name:        a.name,
		ContentType: a.contentType,
	}
}

func matchMagic(ext string, head []byte) bool {
	switch ext {
	case ".jpg", ".jpeg":
		return len(head) >= 3 && head[0] == 0xFF && head[1] == 0xD8 && head[2] == 0xFF
	case ".png":
		return len(head) >= 8 && bytes.Equal(head[:8], []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A})
	case ".gif":
		return len(head) >= 6 && (bytes.Equal(head[:6], []byte("GIF87a")) || bytes.Equal(head[:6], []byte("GIF89a")))
	case ".webp":
		return len(head) >= 12 && bytes.Equal(head[8:12], []byte("WEBP"))
	case ".mp4", ".mov", ".m4v":
		return len(head) >= 8 && bytes.Equal(head[4:8], []byte("ftyp"))
	case ".pdf":
		return len(head) >= 5 && bytes.Equal(head[:5], []byte("%PDF-"))
	}
	return true
}

func contentTypeByExt(ext string) string {
	switch strings.ToLower(ext) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	case ".heic":
		return "image/heic"
	case ".mp4", ".m4v":
		return "video/mp4"
	case ".mov":
		return "video/quicktime"
	case ".webm":
		return "video/webm"
	case ".pdf":
		return "application/pdf"
	case ".txt":
		return "text/plain"
	}
	return ""
}
