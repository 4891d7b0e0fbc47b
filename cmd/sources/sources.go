package sources

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/jlaffaye/ftp"
)

// ErrSourceUnavailable is returned when a dump cannot be fetched
var ErrSourceUnavailable = errors.New("source unavailable")

// ErrUnsupportedScheme is returned for URIs no fetcher understands
var ErrUnsupportedScheme = errors.New("unsupported source scheme")

// S3Config holds object storage credentials
type S3Config struct {
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
}

// Fetcher materializes remote dumps as local files
type Fetcher struct {
	s3     S3Config
	client *http.Client
	logger *slog.Logger
}

// NewFetcher creates a fetcher. A nil client uses http.DefaultClient.
func NewFetcher(s3cfg S3Config, client *http.Client, logger *slog.Logger) *Fetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &Fetcher{s3: s3cfg, client: client, logger: logger}
}

// IsRemote reports whether uri names a source that must be downloaded
func IsRemote(uri string) bool {
	switch scheme(uri) {
	case "s3", "ftp", "http", "https":
		return true
	default:
		return false
	}
}

// Validate checks that uri is a local path or a supported remote URI
func Validate(uri string) error {
	if uri == "" {
		return fmt.Errorf("%w: empty source", ErrUnsupportedScheme)
	}
	switch s := scheme(uri); s {
	case "", "file", "s3", "ftp", "http", "https":
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedScheme, s)
	}
	if !IsRemote(uri) {
		return nil
	}
	u, err := url.Parse(uri)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnsupportedScheme, err)
	}
	if u.Host == "" || strings.Trim(u.Path, "/") == "" {
		return fmt.Errorf("%w: %s needs a host and a path", ErrUnsupportedScheme, uri)
	}
	return nil
}

// Fetch returns a local path holding the dump named by uri. Local paths are
// returned unchanged; remote objects are downloaded into dir.
func (f *Fetcher) Fetch(ctx context.Context, uri, dir string) (string, error) {
	if err := Validate(uri); err != nil {
		return "", err
	}

	if !IsRemote(uri) {
		local := strings.TrimPrefix(uri, "file://")
		info, err := os.Stat(local)
		if err != nil {
			return "", fmt.Errorf("%w: %w", ErrSourceUnavailable, err)
		}
		if !info.Mode().IsRegular() {
			return "", fmt.Errorf("%w: %s is not a regular file", ErrSourceUnavailable, local)
		}
		return local, nil
	}

	u, _ := url.Parse(uri)
	out, err := os.CreateTemp(dir, fmt.Sprintf("fetch-%d-*-%s", time.Now().UnixMilli(), path.Base(u.Path)))
	if err != nil {
		return "", fmt.Errorf("failed to create download file: %w", err)
	}

	f.logger.Info(fmt.Sprintf("⬇️  Fetching %s", redact(u)))
	start := time.Now()

	var n int64
	switch u.Scheme {
	case "s3":
		n, err = f.fetchS3(ctx, u, out)
	case "ftp":
		n, err = f.fetchFTP(ctx, u, out)
	default:
		n, err = f.fetchHTTP(ctx, uri, out)
	}
	closeErr := out.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(out.Name())
		return "", fmt.Errorf("%w: %s: %w", ErrSourceUnavailable, redact(u), err)
	}

	f.logger.Info(fmt.Sprintf("✅ Fetched %d bytes in %s", n, time.Since(start).Round(time.Millisecond)))
	return out.Name(), nil
}

func (f *Fetcher) fetchS3(ctx context.Context, u *url.URL, out *os.File) (int64, error) {
	region := f.s3.Region
	if region == "" {
		region = "auto"
	}
	cfg := &aws.Config{
		Region:           aws.String(region),
		S3ForcePathStyle: aws.Bool(true),
	}
	if f.s3.Endpoint != "" {
		cfg.Endpoint = aws.String(f.s3.Endpoint)
	}
	if f.s3.AccessKey != "" {
		cfg.Credentials = credentials.NewStaticCredentials(f.s3.AccessKey, f.s3.SecretKey, "")
	}

	sess, err := session.NewSession(cfg)
	if err != nil {
		return 0, fmt.Errorf("failed to create S3 session: %w", err)
	}
	downloader := s3manager.NewDownloader(sess)
	return downloader.DownloadWithContext(ctx, out, &s3.GetObjectInput{
		Bucket: aws.String(u.Host),
		Key:    aws.String(strings.TrimPrefix(u.Path, "/")),
	})
}

func (f *Fetcher) fetchFTP(ctx context.Context, u *url.URL, out io.Writer) (int64, error) {
	addr := u.Host
	if u.Port() == "" {
		addr += ":21"
	}

	conn, err := ftp.Dial(addr, ftp.DialWithContext(ctx), ftp.DialWithTimeout(30*time.Second))
	if err != nil {
		return 0, fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.Quit()

	user, pass := "anonymous", "anonymous"
	if u.User != nil {
		user = u.User.Username()
		if p, ok := u.User.Password(); ok {
			pass = p
		}
	}
	if err := conn.Login(user, pass); err != nil {
		return 0, fmt.Errorf("failed to log in: %w", err)
	}

	resp, err := conn.Retr(u.Path)
	if err != nil {
		return 0, fmt.Errorf("failed to retrieve %s: %w", u.Path, err)
	}
	defer resp.Close()
	return io.Copy(out, resp)
}

func (f *Fetcher) fetchHTTP(ctx context.Context, uri string, out io.Writer) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return 0, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("unexpected status %s", resp.Status)
	}
	return io.Copy(out, resp.Body)
}

// DisplayName is the file name shown for a source in job listings
func DisplayName(uri string) string {
	if IsRemote(uri) {
		if u, err := url.Parse(uri); err == nil {
			return path.Base(u.Path)
		}
	}
	return filepath.Base(strings.TrimPrefix(uri, "file://"))
}

// Redact hides credentials embedded in a source URI
func Redact(uri string) string {
	u, err := url.Parse(uri)
	if err != nil || u.User == nil {
		return uri
	}
	return redact(u)
}

func redact(u *url.URL) string {
	if u.User == nil {
		return u.String()
	}
	c := *u
	c.User = url.User(u.User.Username())
	return c.String()
}

func scheme(uri string) string {
	i := strings.Index(uri, "://")
	if i <= 0 {
		return ""
	}
	return strings.ToLower(uri[:i])
}
