package zip

import (
	"archive/zip"
	"bytes"
	"fmt"
	"time"
)

// Asset is one file placed into an archive. Modified is optional; a zero
// value falls back to the archive epoch so output stays reproducible.
type Asset struct {
	Filename string
	MIME     string
	Data     []byte
	Modified time.Time
}

var archiveEpoch = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

// ArchiveAssets bundles assets in order. Frames are JPEG already, so they are
// stored rather than deflated.
func ArchiveAssets(assets []Asset) ([]byte, error) {
	buf := &bytes.Buffer{}
	zw := zip.NewWriter(buf)
	for _, asset := range assets {
		modified := asset.Modified
		if modified.IsZero() {
			modified = archiveEpoch
		}
		method := zip.Deflate
		if asset.MIME == "image/jpeg" || asset.MIME == "image/png" {
			method = zip.Store
		}
		w, err := zw.CreateHeader(&zip.FileHeader{
			Name:     asset.Filename,
			Method:   method,
			Modified: modified,
		})
		if err != nil {
			return nil, fmt.Errorf("zip: create %s: %w", asset.Filename, err)
		}
		if _, err := w.Write(asset.Data); err != nil {
			return nil, fmt.Errorf("zip: write %s: %w", asset.Filename, err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("zip: close: %w", err)
	}
	return buf.Bytes(), nil
}
