package browser

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"renewer/pkg/zip"
)

// frameRecorder buffers screencast frames and writes them as one zip
// archive with a timing manifest.
type frameRecorder struct {
	mu      sync.Mutex
	path    string
	started time.Time
	frames  []recordedFrame
	running bool
}

type recordedFrame struct {
	at   time.Duration
	data []byte
}

func newFrameRecorder() *frameRecorder {
	return &frameRecorder{}
}

func (r *frameRecorder) start(path string) error {
	if strings.TrimSpace(path) == "" {
		return errors.New("browser: recording path is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return errors.New("browser: recording already active")
	}
	r.path = path
	r.started = time.Now()
	r.frames = nil
	r.running = true
	return nil
}

func (r *frameRecorder) active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

func (r *frameRecorder) abort() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.running = false
	r.frames = nil
}

// add ignores frames that arrive while no recording is active.
func (r *frameRecorder) add(encoded string, at time.Time) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil || len(data) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return
	}
	r.frames = append(r.frames, recordedFrame{at: at.Sub(r.started), data: data})
}

func (r *frameRecorder) finish() (string, error) {
	r.mu.Lock()
	path := r.path
	frames := r.frames
	started := r.started
	r.running = false
	r.frames = nil
	r.mu.Unlock()

	archive, err := archiveFrames(frames, started)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("browser: ensure recording directory: %w", err)
	}
	if err := os.WriteFile(path, archive, 0o644); err != nil {
		return "", fmt.Errorf("browser: write recording: %w", err)
	}
	return path, nil
}

func archiveFrames(frames []recordedFrame, started time.Time) ([]byte, error) {
	assets := make([]zip.Asset, 0, len(frames)+1)
	manifest := &strings.Builder{}
	manifest.WriteString("frame\toffset_ms\n")
	for i, f := range frames {
		name := fmt.Sprintf("frame-%05d.jpg", i)
		fmt.Fprintf(manifest, "%s\t%d\n", name, f.at.Milliseconds())
		assets = append(assets, zip.Asset{
			Filename: name,
			MIME:     "image/jpeg",
			Data:     f.data,
			Modified: started.Add(f.at),
		})
	}
	assets = append(assets, zip.Asset{
		Filename: "frames.tsv",
		MIME:     "text/tab-separated-values",
		Data:     []byte(manifest.String()),
		Modified: started,
	})
	return zip.ArchiveAssets(assets)
}
