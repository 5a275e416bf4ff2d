// Package notify fans workflow events out to an optional external sink.
// Every delivery is best effort: failures are logged and swallowed.
package notify

import (
	"context"
	"sync"
	"time"

	"renewer/internal/infra"
	"renewer/internal/storage"
)

// Sink is the outbound message and file channel.
type Sink interface {
	SendMessage(ctx context.Context, text string) error
	SendFile(ctx context.Context, path, caption string) error
}

const defaultSendTimeout = 30 * time.Second

// Notifier is safe for concurrent use. The zero sink disables delivery but
// images are still spooled when a store is configured.
type Notifier struct {
	sink        Sink
	spool       *storage.FileStore
	prefix      string
	logger      *infra.Logger
	sendTimeout time.Duration

	wg sync.WaitGroup
}

type Options struct {
	Sink Sink
	// Spool receives diagnostic images before upload.
	Spool *storage.FileStore
	// Prefix namespaces spooled files, usually the attempt id.
	Prefix      string
	Logger      *infra.Logger
	SendTimeout time.Duration
}

func New(opts Options) *Notifier {
	logger := opts.Logger
	if logger == nil {
		logger = infra.NopLogger()
	}
	timeout := opts.SendTimeout
	if timeout <= 0 {
		timeout = defaultSendTimeout
	}
	return &Notifier{
		sink:        opts.Sink,
		spool:       opts.Spool,
		prefix:      opts.Prefix,
		logger:      logger,
		sendTimeout: timeout,
	}
}

// Enabled reports whether a sink is configured.
func (n *Notifier) Enabled() bool {
	return n != nil && n.sink != nil
}

// Message delivers text synchronously.
func (n *Notifier) Message(ctx context.Context, text string) {
	if !n.Enabled() {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), n.sendTimeout)
	defer cancel()
	if err := n.sink.SendMessage(ctx, text); err != nil {
		n.logger.Warn().Err(err).Msg("notify: send message failed")
	}
}

// File delivers a file synchronously.
func (n *Notifier) File(ctx context.Context, path, caption string) {
	if !n.Enabled() {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), n.sendTimeout)
	defer cancel()
	if err := n.sink.SendFile(ctx, path, caption); err != nil {
		n.logger.Warn().Err(err).Str("path", path).Msg("notify: send file failed")
	}
}

// Image spools data under name and uploads it in the background. It never
// blocks on the sink.
func (n *Notifier) Image(name string, data []byte, caption string) {
	if n == nil || n.spool == nil {
		return
	}
	key := name
	if n.prefix != "" {
		key = n.prefix + "/" + name
	}
	path, err := n.spool.Write(context.Background(), key, data)
	if err != nil {
		n.logger.Warn().Err(err).Str("key", key).Msg("notify: spool image failed")
		return
	}
	if !n.Enabled() {
		return
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.File(context.Background(), path, caption)
	}()
}

// Flush waits for background uploads until ctx is done.
func (n *Notifier) Flush(ctx context.Context) {
	if n == nil {
		return
	}
	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		n.logger.Warn().Err(ctx.Err()).Msg("notify: flush abandoned pending uploads")
	}
}
