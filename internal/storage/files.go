package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Xisisrefliel/skribly-sub000/internal/domain"
)

var ErrTooLarge = errors.New("file exceeds maximum size")

// URLSigner issues time-limited retrieval URLs for a path.
type URLSigner interface {
	Generate(path string) (string, time.Time, error)
}

// BlobStore keeps binary objects on the local filesystem under slash-separated keys.
type BlobStore struct {
	blobDir        string
	maxUploadBytes int64
	signer         URLSigner
}

var mimeExtensionFallback = map[string]string{
	"audio/mpeg":      ".mp3",
	"audio/mp3":       ".mp3",
	"audio/mp4":       ".m4a",
	"audio/x-m4a":     ".m4a",
	"audio/wav":       ".wav",
	"audio/x-wav":     ".wav",
	"audio/wave":      ".wav",
	"audio/webm":      ".webm",
	"audio/ogg":       ".ogg",
	"video/mp4":       ".mp4",
	"video/webm":      ".webm",
	"video/quicktime": ".mov",
	"text/plain":      ".txt",
	"text/markdown":   ".md",
}

func NewBlobStore(baseDir string, maxUploadBytes int64, signer URLSigner) (*BlobStore, error) {
	bs := &BlobStore{
		blobDir:        filepath.Join(baseDir, "blobs"),
		maxUploadBytes: maxUploadBytes,
		signer:         signer,
	}
	if err := os.MkdirAll(bs.blobDir, 0o755); err != nil {
		return nil, fmt.Errorf("create dir %s: %w", bs.blobDir, err)
	}
	return bs, nil
}

// SaveUpload stores an uploaded source file for owner and describes it.
func (bs *BlobStore) SaveUpload(ctx context.Context, ownerID, filename string, r io.Reader) (domain.SourceRef, error) {
	sample := make([]byte, 512)
	n, err := io.ReadFull(r, sample)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return domain.SourceRef{}, fmt.Errorf("read upload sample: %w", err)
	}
	sample = sample[:n]
	if len(sample) == 0 {
		return domain.SourceRef{}, errors.New("uploaded file is empty")
	}

	contentType := detectContentType(filename, sample)
	ext := normalizeExtension(filename)
	if ext == "" {
		ext = fallbackExtension(contentType)
	}
	if ext == "" {
		ext = ".bin"
	}

	key := path.Join("sources", safeSegment(ownerID), uuid.NewString()+ext)
	size, err := bs.Put(ctx, key, io.MultiReader(bytes.NewReader(sample), r))
	if err != nil {
		return domain.SourceRef{}, err
	}

	return domain.SourceRef{
		Key:      key,
		Filename: filepath.Base(filename),
		MimeType: contentType,
		Size:     size,
	}, nil
}

// Put writes r under key, replacing any previous object, and returns the byte count.
func (bs *BlobStore) Put(ctx context.Context, key string, r io.Reader) (int64, error) {
	target, err := bs.resolve(key)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return 0, fmt.Errorf("create blob directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), ".upload-*")
	if err != nil {
		return 0, fmt.Errorf("create blob file: %w", err)
	}

	cleanup := func(err error) (int64, error) {
		tmp.Close()
		os.Remove(tmp.Name())
		return 0, err
	}

	total := int64(0)
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return cleanup(err)
		}

		n, err := r.Read(buf)
		if n > 0 {
			total += int64(n)
			if bs.maxUploadBytes > 0 && total > bs.maxUploadBytes {
				return cleanup(ErrTooLarge)
			}
			if _, werr := tmp.Write(buf[:n]); werr != nil {
				return cleanup(fmt.Errorf("write blob: %w", werr))
			}
		}

		if err == io.EOF {
			break
		}
		if err != nil {
			return cleanup(fmt.Errorf("read blob content: %w", err))
		}
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return 0, fmt.Errorf("close blob: %w", err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		os.Remove(tmp.Name())
		return 0, fmt.Errorf("replace blob: %w", err)
	}

	return total, nil
}

func (bs *BlobStore) Get(_ context.Context, key string) ([]byte, error) {
	target, err := bs.resolve(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(target)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("blob %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read blob %s: %w", key, err)
	}
	return data, nil
}

func (bs *BlobStore) Delete(_ context.Context, key string) error {
	target, err := bs.resolve(key)
	if err != nil {
		return err
	}
	if err := os.Remove(target); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete blob %s: %w", key, err)
	}
	return nil
}

// Path returns the local file backing key, for streaming responses.
func (bs *BlobStore) Path(key string) (string, error) {
	return bs.resolve(key)
}

// SignedURL issues a fresh time-limited retrieval URL for key.
func (bs *BlobStore) SignedURL(key string) (string, time.Time, error) {
	if _, err := bs.resolve(key); err != nil {
		return "", time.Time{}, err
	}
	if bs.signer == nil {
		return "", time.Time{}, errors.New("no url signer configured")
	}
	return bs.signer.Generate("/files/" + key)
}

func (bs *BlobStore) resolve(key string) (string, error) {
	clean := path.Clean("/" + strings.TrimSpace(key))
	if clean == "/" || clean != "/"+key {
		return "", fmt.Errorf("invalid blob key %q", key)
	}
	return filepath.Join(bs.blobDir, filepath.FromSlash(strings.TrimPrefix(clean, "/"))), nil
}

func safeSegment(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return "anonymous"
	}
	return strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(value)
}

func detectContentType(filename string, sample []byte) string {
	switch normalizeExtension(filename) {
	case ".md", ".markdown":
		return "text/markdown"
	case ".txt":
		return "text/plain"
	}

	contentType := strings.ToLower(http.DetectContentType(sample))
	if idx := strings.Index(contentType, ";"); idx >= 0 {
		contentType = strings.TrimSpace(contentType[:idx])
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	// sniffing short binary headers can yield text/plain; trust a known media extension then
	if contentType == "application/octet-stream" || strings.HasPrefix(contentType, "text/") {
		if byExt := mime.TypeByExtension(normalizeExtension(filename)); byExt != "" {
			contentType = strings.TrimSpace(strings.SplitN(byExt, ";", 2)[0])
		}
	}
	return contentType
}

func normalizeExtension(filename string) string {
	ext := strings.ToLower(strings.TrimSpace(filepath.Ext(filename)))
	if ext == "" {
		return ext
	}
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return ext
}

func fallbackExtension(contentType string) string {
	if ext, ok := mimeExtensionFallback[contentType]; ok {
		return ext
	}
	exts, err := mime.ExtensionsByType(contentType)
	if err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ""
}
