package logcapture

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/yungbote/invocation-scheduler/internal/platform/gcp"
	"github.com/yungbote/invocation-scheduler/internal/platform/logger"
)

// BlobStore is the single-bucket object store Capture uploads/downloads
// invocation log artifacts through. Collapsed from the bucket service's
// multi-category interface down to the one category this domain needs.
type BlobStore interface {
	Upload(ctx context.Context, key string, data io.Reader) error
	Download(ctx context.Context, key string) (io.ReadCloser, error)
	Exists(ctx context.Context, key string) (bool, error)
	PublicURL(key string) string
}

type gcsBlobStore struct {
	log           *logger.Logger
	client        *storage.Client
	bucket        string
	mode          gcp.ObjectStorageMode
	emulatorHost  string
	publicBaseURL string
}

// NewGCSBlobStore builds the BlobStore Log Capture uses for the
// blob-backed variant, reusing the shared GCS/emulator resolution logic.
func NewGCSBlobStore(log *logger.Logger, bucketName string) (BlobStore, error) {
	if strings.TrimSpace(bucketName) == "" {
		return nil, fmt.Errorf("invocation log bucket name must be non-empty")
	}
	storageCfg, err := gcp.ResolveObjectStorageConfigFromEnv()
	if err != nil {
		return nil, fmt.Errorf("resolve object storage config: %w", err)
	}
	if err := gcp.ValidateObjectStorageConfig(storageCfg); err != nil {
		return nil, fmt.Errorf("validate object storage config: %w", err)
	}

	ctx := context.Background()
	client, err := newStorageClientForMode(ctx, storageCfg)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}

	publicBaseURL := strings.TrimRight(strings.TrimSpace(os.Getenv("OBJECT_STORAGE_PUBLIC_BASE_URL")), "/")
	if publicBaseURL == "" && storageCfg.IsEmulatorMode() {
		publicBaseURL = strings.TrimRight(strings.TrimSpace(storageCfg.EmulatorHost), "/")
	}

	serviceLog := log.With("component", "LogCapture.BlobStore")
	serviceLog.Info("invocation log blob store initialized",
		"mode", storageCfg.Mode,
		"bucket", bucketName,
		"public_base_url", publicBaseURL,
	)

	return &gcsBlobStore{
		log:           serviceLog,
		client:        client,
		bucket:        bucketName,
		mode:          storageCfg.Mode,
		emulatorHost:  strings.TrimRight(strings.TrimSpace(storageCfg.EmulatorHost), "/"),
		publicBaseURL: publicBaseURL,
	}, nil
}

func newStorageClientForMode(ctx context.Context, storageCfg gcp.ObjectStorageConfig) (*storage.Client, error) {
	switch storageCfg.Mode {
	case gcp.ObjectStorageModeGCS:
		opts := gcp.ClientOptionsFromEnv()
		opts = append(opts, option.WithScopes(storage.ScopeReadWrite))
		return storage.NewClient(ctx, opts...)
	case gcp.ObjectStorageModeGCSEmulator:
		endpoint := strings.TrimRight(strings.TrimSpace(storageCfg.EmulatorHost), "/")
		_ = os.Setenv("STORAGE_EMULATOR_HOST", endpoint)
		return storage.NewClient(ctx, option.WithoutAuthentication())
	default:
		return nil, &gcp.ObjectStorageConfigError{Code: gcp.ObjectStorageConfigErrorInvalidMode, Mode: string(storageCfg.Mode)}
	}
}

func (s *gcsBlobStore) isEmulatorMode() bool {
	return gcp.IsEmulatorObjectStorageMode(s.mode) && s.emulatorHost != ""
}

func (s *gcsBlobStore) Upload(ctx context.Context, key string, data io.Reader) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()
	w := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := io.Copy(w, data); err != nil {
		_ = w.Close()
		return fmt.Errorf("write invocation log blob %q: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close invocation log blob writer %q: %w", key, err)
	}
	return nil
}

// readCloserWithCancel keeps the download context alive until the caller
// closes the reader; cancelling eagerly would truncate the read.
type readCloserWithCancel struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (r *readCloserWithCancel) Close() error {
	err := r.ReadCloser.Close()
	if r.cancel != nil {
		r.cancel()
	}
	return err
}

func (s *gcsBlobStore) Download(ctx context.Context, key string) (io.ReadCloser, error) {
	if s.isEmulatorMode() {
		ctx2, cancel := context.WithTimeout(ctx, 2*time.Minute)
		req, err := http.NewRequestWithContext(ctx2, http.MethodGet, s.emulatorObjectMediaURL(key), nil)
		if err != nil {
			cancel()
			return nil, err
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			cancel()
			return nil, err
		}
		if resp.StatusCode != http.StatusOK {
			_ = resp.Body.Close()
			cancel()
			return nil, fmt.Errorf("emulator download %q: status=%d", key, resp.StatusCode)
		}
		return &readCloserWithCancel{ReadCloser: resp.Body, cancel: cancel}, nil
	}
	ctx2, cancel := context.WithTimeout(ctx, 2*time.Minute)
	r, err := s.client.Bucket(s.bucket).Object(key).NewReader(ctx2)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("open invocation log blob reader %q: %w", key, err)
	}
	return &readCloserWithCancel{ReadCloser: r, cancel: cancel}, nil
}

func (s *gcsBlobStore) Exists(ctx context.Context, key string) (bool, error) {
	ctx2, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	_, err := s.client.Bucket(s.bucket).Object(key).Attrs(ctx2)
	if err == storage.ErrObjectNotExist {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *gcsBlobStore) emulatorObjectMediaURL(key string) string {
	base := s.publicBaseURL
	if base == "" {
		base = s.emulatorHost
	}
	return fmt.Sprintf("%s/storage/v1/b/%s/o/%s?alt=media", base, url.PathEscape(s.bucket), url.PathEscape(key))
}

func (s *gcsBlobStore) PublicURL(key string) string {
	key = strings.TrimLeft(strings.TrimSpace(key), "/")
	if s.isEmulatorMode() {
		if u := s.emulatorObjectMediaURL(key); u != "" {
			return u
		}
	}
	if s.publicBaseURL != "" {
		return fmt.Sprintf("%s/%s/%s", s.publicBaseURL, s.bucket, key)
	}
	return fmt.Sprintf("https://storage.googleapis.com/%s/%s", s.bucket, key)
}
