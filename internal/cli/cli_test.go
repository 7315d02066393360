package cli

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func writePNG(t *testing.T, path string, c color.NRGBA) {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 4, 4))
	for y := range 4 {
		for x := range 4 {
			img.SetNRGBA(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestCommandsRegistered(t *testing.T) {
	names := map[string]bool{}
	for _, cmd := range NewRootCommand().Commands() {
		names[cmd.Name()] = true
	}
	for _, want := range []string{"remove", "sniff", "decloak", "usage"} {
		if !names[want] {
			t.Errorf("command %q not registered", want)
		}
	}
}

func TestSniffReportsFormats(t *testing.T) {
	dir := t.TempDir()
	pngPath := filepath.Join(dir, "a.png")
	writePNG(t, pngPath, color.NRGBA{R: 1, G: 2, B: 3, A: 255})
	junkPath := filepath.Join(dir, "b.bin")
	require.NoError(t, os.WriteFile(junkPath, []byte("definitely not an image"), 0o644))

	out, err := run(t, "sniff", pngPath, junkPath)
	require.NoError(t, err)
	require.Contains(t, out, "png (image/png)")
	require.Contains(t, out, "unknown (application/octet-stream)")
}

func TestDecloakWritesTransparentPNG(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "green.png")
	outPath := filepath.Join(dir, "keyed.png")
	writePNG(t, in, color.NRGBA{G: 255, A: 255})

	out, err := run(t, "decloak", in, "-o", outPath)
	require.NoError(t, err)
	require.Contains(t, out, "Green screen removed")

	data, err := os.ReadFile(outPath)
	require.NoError(t, err)
	img, err := png.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	_, _, _, a := img.At(1, 1).RGBA()
	require.Zero(t, a)
}

func TestDecloakRejectsNonImage(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(in, []byte(strings.Repeat("text ", 10)), 0o644))

	_, err := run(t, "decloak", in, "-o", filepath.Join(dir, "out.png"))
	require.Error(t, err)
	_, statErr := os.Stat(filepath.Join(dir, "out.png"))
	require.True(t, os.IsNotExist(statErr))
}

func TestRemoveRequiresSource(t *testing.T) {
	_, err := run(t, "remove")
	require.Error(t, err)
}
