package pipeline

import (
	"context"
	"errors"
	"image/color"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dunamismax/zyncut/internal/codec"
	"github.com/dunamismax/zyncut/internal/domain"
	"github.com/stretchr/testify/require"
)

func TestFileSourceLoadsAndSniffs(t *testing.T) {
	dir := t.TempDir()
	data := solidPNG(t, 2, 2, color.NRGBA{R: 1, G: 2, B: 3, A: 255})
	path := filepath.Join(dir, "portrait")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	asset, err := FileSource{Path: path}.Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, data, asset.Bytes)
	require.Equal(t, "image/png", asset.MIMEType)
	require.Equal(t, "portrait", asset.Filename)
}

func TestFileSourceMissingFileIsDecodingError(t *testing.T) {
	_, err := FileSource{Path: filepath.Join(t.TempDir(), "missing.png")}.Load(context.Background())
	require.ErrorIs(t, err, domain.ErrDecoding)
}

func TestReaderSourceUsesDeclaredType(t *testing.T) {
	asset, err := ReaderSource{
		Reader:   strings.NewReader("opaque bytes"),
		Filename: "upload.jpg",
	}.Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, "image/jpeg", asset.MIMEType)
	require.Equal(t, "upload.jpg", asset.Filename)
}

func TestReaderSourceRejectsEmptyUpload(t *testing.T) {
	_, err := ReaderSource{Reader: strings.NewReader("")}.Load(context.Background())
	require.ErrorIs(t, err, domain.ErrDecoding)
}

func TestDataURISource(t *testing.T) {
	data := solidPNG(t, 1, 1, color.NRGBA{A: 255})

	asset, err := DataURISource{URI: codec.ToDataURI(data, "image/png")}.Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, data, asset.Bytes)
	require.Equal(t, "image/png", asset.MIMEType)

	_, err = DataURISource{URI: "data:image/png;base64"}.Load(context.Background())
	require.ErrorIs(t, err, domain.ErrDecoding)
}

func TestURLSourceDownloads(t *testing.T) {
	data := solidPNG(t, 2, 1, color.NRGBA{R: 9, A: 255})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/samples/cat.png" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "binary/octet-stream")
		_, _ = w.Write(data)
	}))
	defer srv.Close()

	asset, err := URLSource{URL: srv.URL + "/samples/cat.png", Client: srv.Client()}.Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, data, asset.Bytes)
	require.Equal(t, "image/png", asset.MIMEType)
	require.Equal(t, "cat.png", asset.Filename)
	require.Equal(t, srv.URL+"/samples/cat.png", asset.Source)

	_, err = URLSource{URL: srv.URL + "/missing", Client: srv.Client()}.Load(context.Background())
	require.ErrorIs(t, err, domain.ErrDecoding)
}

func TestParseSource(t *testing.T) {
	cases := []struct {
		ref  string
		want string
	}{
		{ref: "data:image/png;base64,AAAA", want: "DataURISource"},
		{ref: "https://example.com/a.png", want: "URLSource"},
		{ref: "HTTP://example.com/a.png", want: "URLSource"},
		{ref: "./photos/a.png", want: "FileSource"},
	}

	for _, tc := range cases {
		var got string
		switch ParseSource(tc.ref, nil).(type) {
		case DataURISource:
			got = "DataURISource"
		case URLSource:
			got = "URLSource"
		case FileSource:
			got = "FileSource"
		}
		require.Equal(t, tc.want, got, tc.ref)
	}
}

func TestSourceHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := ReaderSource{Reader: strings.NewReader("x")}.Load(ctx)
	require.True(t, errors.Is(err, context.Canceled))
}

func TestURLSourceRejectsNonImageBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("aws_secret_access_key=not-an-image"))
	}))
	defer srv.Close()

	_, err := URLSource{URL: srv.URL + "/config", Client: srv.Client()}.Load(context.Background())
	require.ErrorIs(t, err, domain.ErrDecoding)
}

func TestReaderSourceRejectsUnrecognisedBytes(t *testing.T) {
	_, err := ReaderSource{
		Reader:   strings.NewReader("plain text"),
		MIMEType: domain.MIMETypeOctetStream,
	}.Load(context.Background())
	require.ErrorIs(t, err, domain.ErrDecoding)
}

func TestPublicSourceClientRefusesLoopback(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits++
		_, _ = w.Write(solidPNG(t, 1, 1, color.NRGBA{A: 255}))
	}))
	defer srv.Close()

	client := NewPublicSourceClient(5 * time.Second)
	_, err := URLSource{URL: srv.URL + "/cat.png", Client: client}.Load(context.Background())
	require.ErrorIs(t, err, domain.ErrDecoding)
	require.ErrorIs(t, err, ErrNonPublicAddress)
	require.Zero(t, hits)
}

func TestCheckPublicAddress(t *testing.T) {
	cases := []struct {
		address string
		public  bool
	}{
		{address: "127.0.0.1:80", public: false},
		{address: "[::1]:443", public: false},
		{address: "10.1.2.3:80", public: false},
		{address: "192.168.0.10:8080", public: false},
		{address: "169.254.169.254:80", public: false},
		{address: "100.64.0.1:80", public: false},
		{address: "0.0.0.0:80", public: false},
		{address: "[::ffff:127.0.0.1]:80", public: false},
		{address: "[fe80::1]:80", public: false},
		{address: "93.184.216.34:443", public: true},
		{address: "[2606:4700::1111]:443", public: true},
	}

	for _, tc := range cases {
		err := checkPublicAddress(tc.address)
		if tc.public && err != nil {
			t.Fatalf("%s: unexpected error %v", tc.address, err)
		}
		if !tc.public && !errors.Is(err, ErrNonPublicAddress) {
			t.Fatalf("%s: expected ErrNonPublicAddress, got %v", tc.address, err)
		}
	}
}
