package media

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"github.com/dmsync/internal/logger"
	"github.com/dustin/go-humanize"
)

// Local сохраняет вложения в каталог (в сжатом виде .gz) и раздаёт их через Serve.
type Local struct {
	UploadDir     string
	PublicBaseURL string
	MaxUploadSize int64
	MaxImageWidth int
}

// NewLocal создаёт процессор с заданным каталогом и базовым URL для ссылок на скачивание.
func NewLocal(uploadDir, publicBaseURL string, maxUploadSize int64, maxImageWidth int) *Local {
	return &Local{
		UploadDir:     uploadDir,
		PublicBaseURL: strings.TrimRight(publicBaseURL, "/"),
		MaxUploadSize: maxUploadSize,
		MaxImageWidth: maxImageWidth,
	}
}

var _ Processor = (*Local)(nil)

func (s *Local) Process(ctx context.Context, localURI, chatID, messageID string) (Descriptor, error) {
	defer logger.DeferLogDuration("media.Local.Process", time.Now())()
	a, err := prepare(localURI, s.MaxUploadSize, s.MaxImageWidth)
	if err != nil {
		return Descriptor{}, err
	}
	dir := filepath.Join(s.UploadDir, filepath.Base(chatID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Descriptor{}, fmt.Errorf("failed to create upload dir: %w", err)
	}
	newName := filepath.Base(messageID) + a.ext
	dstPath := filepath.Join(dir, newName+".gz")
	if err := writeGzip(ctx, dstPath, a.data); err != nil {
		return Descriptor{}, err
	}
	rel := "/media/" + url.PathEscape(filepath.Base(chatID)) + "/" + url.PathEscape(newName)
	logger.Infof("media stored chat=%s msg=%s size=%s", chatID, messageID, humanize.Bytes(uint64(len(a.data))))
	return a.descriptor(localURI, s.PublicBaseURL+rel), nil
}

// Сохраняем в сжатом виде (.gz) для экономии места.
func writeGzip(ctx context.Context, dstPath string, data []byte) error {
	dst, err := os.Create(dstPath)
	if err != nil {
		return fmt.Errorf("failed to save file: %w", err)
	}
	gz := gzip.NewWriter(dst)
	if err := copyWithContext(ctx, gz, bytes.NewReader(data)); err != nil {
		gz.Close()
		dst.Close()
		os.Remove(dstPath)
		return err
	}
	if err := gz.Close(); err != nil {
		dst.Close()
		os.Remove(dstPath)
		return fmt.Errorf("failed to save file: %w", err)
	}
	if err := dst.Close(); err != nil {
		os.Remove(dstPath)
		return fmt.Errorf("failed to save file: %w", err)
	}
	return nil
}

func (s *Local) writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]string{"error": msg}); err != nil {
		logger.Errorf("media writeError: %v", err)
	}
}

// Serve отдаёт файл чата (разархивирует при отдаче); query name=: оригинальное имя для Content-Disposition.
func (s *Local) Serve(w http.ResponseWriter, r *http.Request, chatID, filename string) {
	filename = filepath.Base(filename)
	gzPath := filepath.Join(s.UploadDir, filepath.Base(chatID), filename+".gz")

	if ct := contentTypeByExt(filepath.Ext(filename)); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	if origName := r.URL.Query().Get("name"); origName != "" {
		// В URL пробел может приходить как "+"; нормализуем для сохранения имени при скачивании (UTF-8).
		safe := safeFilename(strings.ReplaceAll(origName, "+", " "))
		if safe != "" {
			w.Header().Set("Content-Disposition", "attachment; filename*=UTF-8''"+url.QueryEscape(safe))
		}
	}

	f, err := os.Open(gzPath)
	if err != nil {
		s.writeError(w, http.StatusNotFound, "file not found")
		return
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to read file")
		return
	}
	defer gz.Close()
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, gz); err != nil {
		logger.Errorf("media serve %s: %v", gzPath, err)
	}
}

// safeFilename оставляет имя файла безопасным для Content-Disposition (без управляющих символов и кавычек).
func safeFilename(s string) string {
	s = strings.TrimSpace(s)
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '\r', '\n', '"', '\\', '/', '\x00':
			continue
		}
		if unicode.IsPrint(r) {
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) error {
	buf := make([]byte, 32*1024)
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("upload cancelled: %w", ctx.Err())
		default:
		}
		n, readErr := src.Read(buf)
		if n > 0 {
			if _, err := dst.Write(buf[:n]); err != nil {
				return fmt.Errorf("write: %w", err)
			}
		}
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return fmt.Errorf("read: %w", readErr)
		}
	}
}
