package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/polisai/packetflow/pkg/domain"
)

// ProviderOptions configures a FileFlowProvider.
type ProviderOptions struct {
	// Debounce delays reloads after a change; defaults to DefaultDebounce.
	Debounce time.Duration
	Logger   *slog.Logger
}

// FileFlowProvider loads a flow descriptor from a local file and republishes it
// whenever the file changes.
type FileFlowProvider struct {
	path     string
	debounce time.Duration
	logger   *slog.Logger

	loadMu      sync.Mutex
	mu          sync.RWMutex
	current     domain.FlowDescriptor
	subscribers []chan domain.FlowDescriptor
	closed      bool

	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewFileFlowProvider loads path and starts watching its directory. The initial
// load must succeed; later reload failures are logged and keep the last good flow.
func NewFileFlowProvider(path string, opts ProviderOptions) (*FileFlowProvider, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path: %w", err)
	}
	if _, err := FormatFromPath(absPath); err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	p := &FileFlowProvider{
		path:     absPath,
		debounce: debounce,
		logger:   logger.With("flow_file", absPath),
		done:     make(chan struct{}),
	}

	if err := p.load(); err != nil {
		return nil, fmt.Errorf("initial flow load failed: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(absPath)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("failed to watch directory: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.watcher = watcher
	p.cancel = cancel

	go p.watchLoop(ctx)

	return p, nil
}

// Path returns the absolute path of the watched file.
func (p *FileFlowProvider) Path() string {
	return p.path
}

// Current returns the last successfully loaded descriptor.
func (p *FileFlowProvider) Current() domain.FlowDescriptor {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current
}

// Subscribe returns a channel that receives the current descriptor immediately and
// every reloaded descriptor afterwards. A slow subscriber only ever sees the latest
// one. The channel is closed by Close.
func (p *FileFlowProvider) Subscribe() <-chan domain.FlowDescriptor {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch := make(chan domain.FlowDescriptor, 1)
	if p.closed {
		close(ch)
		return ch
	}
	ch <- p.current
	p.subscribers = append(p.subscribers, ch)
	return ch
}

// Close stops the watcher and closes every subscriber channel.
func (p *FileFlowProvider) Close() error {
	p.cancel()
	err := p.watcher.Close()
	<-p.done

	p.loadMu.Lock()
	defer p.loadMu.Unlock()
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		for _, ch := range p.subscribers {
			close(ch)
		}
		p.subscribers = nil
	}
	return err
}

func (p *FileFlowProvider) watchLoop(ctx context.Context) {
	defer close(p.done)

	var debounceTimer *time.Timer
	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-p.watcher.Events:
			if !ok {
				return
			}

			if filepath.Clean(event.Name) != p.path {
				continue
			}

			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Chmod) {
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.AfterFunc(p.debounce, p.reload)
			}
		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			p.logger.Warn("flow watcher error", "error", err)
		}
	}
}

func (p *FileFlowProvider) reload() {
	if err := p.load(); err != nil {
		p.logger.Warn("flow reload failed, keeping previous flow", "error", err)
		return
	}
	p.logger.Info("flow reloaded")
}

func (p *FileFlowProvider) load() error {
	p.loadMu.Lock()
	defer p.loadMu.Unlock()

	desc, err := LoadFlowFile(p.path)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.current = desc

	for _, ch := range p.subscribers {
		select {
		case ch <- desc:
		default:
			// Replace the unread descriptor with the newer one.
			select {
			case <-ch:
			default:
			}
			ch <- desc
		}
	}

	return nil
}
