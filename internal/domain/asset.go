package domain

const (
	MIMETypePNG         = "image/png"
	MIMETypeOctetStream = "application/octet-stream"

	DownloadFilename = "zyncut-removed-bg.png"
)

type ImageAsset struct {
	Bytes    []byte
	MIMEType string
	Filename string
	// Source is the URL the bytes were fetched from, if any.
	Source string
}
