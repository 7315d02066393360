package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/dunamismax/zyncut/internal/codec"
	"github.com/dunamismax/zyncut/internal/domain"
)

// MaxSourceBytes caps how much a single source may read.
const MaxSourceBytes = 25 << 20

// Source produces the binary input for one invocation.
type Source interface {
	Load(ctx context.Context) (domain.ImageAsset, error)
}

// FileSource reads an image from the local filesystem.
type FileSource struct {
	Path string
}

func (s FileSource) Load(ctx context.Context) (domain.ImageAsset, error) {
	if err := ctx.Err(); err != nil {
		return domain.ImageAsset{}, err
	}

	path := strings.TrimSpace(s.Path)
	if path == "" {
		return domain.ImageAsset{}, fmt.Errorf("%w: file path is required", domain.ErrDecoding)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return domain.ImageAsset{}, fmt.Errorf("%w: read input file %s: %v", domain.ErrDecoding, path, err)
	}

	return normalizeAsset(domain.ImageAsset{
		Bytes:    data,
		MIMEType: mime.TypeByExtension(strings.ToLower(filepath.Ext(path))),
		Filename: filepath.Base(path),
	})
}

// ReaderSource wraps an upload stream, e.g. a multipart file part.
type ReaderSource struct {
	Reader   io.Reader
	Filename string
	MIMEType string
}

func (s ReaderSource) Load(ctx context.Context) (domain.ImageAsset, error) {
	if err := ctx.Err(); err != nil {
		return domain.ImageAsset{}, err
	}
	if s.Reader == nil {
		return domain.ImageAsset{}, fmt.Errorf("%w: no upload provided", domain.ErrDecoding)
	}

	data, err := readLimited(s.Reader)
	if err != nil {
		return domain.ImageAsset{}, err
	}

	mimeType := s.MIMEType
	filename := ""
	if s.Filename != "" {
		filename = filepath.Base(s.Filename)
		if mimeType == "" {
			mimeType = mime.TypeByExtension(strings.ToLower(filepath.Ext(s.Filename)))
		}
	}

	return normalizeAsset(domain.ImageAsset{
		Bytes:    data,
		MIMEType: mimeType,
		Filename: filename,
	})
}

type DataURISource struct {
	URI string
}

func (s DataURISource) Load(ctx context.Context) (domain.ImageAsset, error) {
	if err := ctx.Err(); err != nil {
		return domain.ImageAsset{}, err
	}
	data, mimeType, err := codec.ToBinary(strings.TrimSpace(s.URI))
	if err != nil {
		return domain.ImageAsset{}, err
	}
	return normalizeAsset(domain.ImageAsset{Bytes: data, MIMEType: mimeType})
}

// URLSource downloads a remote image, e.g. one of the demo samples.
type URLSource struct {
	URL    string
	Client *http.Client
}

func (s URLSource) Load(ctx context.Context) (domain.ImageAsset, error) {
	client := s.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSpace(s.URL), nil)
	if err != nil {
		return domain.ImageAsset{}, fmt.Errorf("%w: invalid source url: %v", domain.ErrDecoding, err)
	}
	req.Header.Set("Accept", "image/*")

	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return domain.ImageAsset{}, ctx.Err()
		}
		return domain.ImageAsset{}, fmt.Errorf("%w: fetch source url: %w", domain.ErrDecoding, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return domain.ImageAsset{}, fmt.Errorf("%w: fetch source url: status %d", domain.ErrDecoding, resp.StatusCode)
	}

	data, err := readLimited(resp.Body)
	if err != nil {
		return domain.ImageAsset{}, err
	}

	mimeType := codec.BaseMediaType(resp.Header.Get("Content-Type"))
	if !strings.HasPrefix(mimeType, "image/") {
		mimeType = ""
	}

	return normalizeAsset(domain.ImageAsset{
		Bytes:    data,
		MIMEType: mimeType,
		Filename: filepath.Base(req.URL.Path),
		Source:   req.URL.String(),
	})
}

// ErrNonPublicAddress is returned when a public source client is asked to
// dial a loopback, private or link-local address.
var ErrNonPublicAddress = errors.New("source address is not public")

// NewPublicSourceClient returns a client for URLs named by remote callers.
// Every dial, redirects included, is checked after DNS resolution and refused
// unless the address is publicly routable.
func NewPublicSourceClient(timeout time.Duration) *http.Client {
	dialer := &net.Dialer{
		Timeout: 10 * time.Second,
		Control: func(_, address string, _ syscall.RawConn) error {
			return checkPublicAddress(address)
		},
	}
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			DialContext:         dialer.DialContext,
			TLSHandshakeTimeout: 10 * time.Second,
			MaxIdleConns:        10,
			IdleConnTimeout:     60 * time.Second,
		},
	}
}

var sharedAddressSpace = netip.MustParsePrefix("100.64.0.0/10")

func checkPublicAddress(address string) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		host = address
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrNonPublicAddress, address)
	}
	addr = addr.Unmap()
	if addr.IsLoopback() || addr.IsPrivate() || addr.IsUnspecified() ||
		addr.IsLinkLocalUnicast() || addr.IsLinkLocalMulticast() ||
		addr.IsInterfaceLocalMulticast() || addr.IsMulticast() ||
		sharedAddressSpace.Contains(addr) {
		return fmt.Errorf("%w: %s", ErrNonPublicAddress, addr)
	}
	return nil
}

// ParseSource picks a Source for a user-supplied reference: a data URI, an
// http(s) URL, or otherwise a file path.
func ParseSource(ref string, client *http.Client) Source {
	ref = strings.TrimSpace(ref)
	lower := strings.ToLower(ref)
	switch {
	case codec.IsDataURI(ref):
		return DataURISource{URI: ref}
	case strings.HasPrefix(lower, "http://"), strings.HasPrefix(lower, "https://"):
		return URLSource{URL: ref, Client: client}
	default:
		return FileSource{Path: ref}
	}
}

func readLimited(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, MaxSourceBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read input: %v", domain.ErrDecoding, err)
	}
	if len(data) > MaxSourceBytes {
		return nil, fmt.Errorf("%w: input exceeds %d bytes", domain.ErrDecoding, MaxSourceBytes)
	}
	return data, nil
}

var (
	errEmptyInput = errors.New("input is empty")
	errNotImage   = errors.New("input is not a recognised image")
)

// normalizeAsset settles the MIME type. A declared image type wins, otherwise
// the magic bytes must identify an image.
func normalizeAsset(asset domain.ImageAsset) (domain.ImageAsset, error) {
	if len(asset.Bytes) == 0 {
		return domain.ImageAsset{}, fmt.Errorf("%w: %v", domain.ErrDecoding, errEmptyInput)
	}

	mimeType := codec.BaseMediaType(asset.MIMEType)
	if !strings.HasPrefix(mimeType, "image/") {
		mimeType = codec.SniffFormat(asset.Bytes).MIMEType()
	}
	if mimeType == "" {
		return domain.ImageAsset{}, fmt.Errorf("%w: %v", domain.ErrDecoding, errNotImage)
	}
	asset.MIMEType = mimeType

	if asset.Filename == "." || asset.Filename == "/" {
		asset.Filename = ""
	}
	return asset, nil
}
