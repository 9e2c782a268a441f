package interp

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

// Runtime owns a wazero runtime and caches compiled interpreter modules.
// A single Runtime can host many interpreters.
type Runtime struct {
	runtime  wazero.Runtime
	cache    wazero.CompilationCache
	compiled map[string]wazero.CompiledModule
	logger   *slog.Logger
	mu       sync.RWMutex
	closed   bool
}

// NewRuntime creates a Runtime with WASI preview1 instantiated.
func NewRuntime(opts ...RuntimeOption) (*Runtime, error) {
	cfg := defaultRuntimeConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	ctx := context.Background()

	var cache wazero.CompilationCache
	var err error

	if cfg.diskCache {
		cacheDir := cfg.cacheDir
		if cacheDir == "" {
			cacheDir = defaultCacheDir()
		}
		cache, err = wazero.NewCompilationCacheWithDir(cacheDir)
		if err != nil {
			return nil, fmt.Errorf("create disk cache: %w", err)
		}
	}

	rtConfig := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if cache != nil {
		rtConfig = rtConfig.WithCompilationCache(cache)
	}
	if cfg.memoryLimitPages > 0 {
		rtConfig = rtConfig.WithMemoryLimitPages(cfg.memoryLimitPages)
	}

	rt := wazero.NewRuntimeWithConfig(ctx, rtConfig)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		if cache != nil {
			cache.Close(ctx)
		}
		rt.Close(ctx)
		return nil, fmt.Errorf("instantiate WASI: %w", err)
	}

	r := &Runtime{
		runtime:  rt,
		cache:    cache,
		compiled: make(map[string]wazero.CompiledModule),
		logger:   cfg.logger,
	}

	for _, lang := range cfg.precompile {
		if _, err := r.compile(ctx, lang); err != nil {
			r.Close()
			return nil, fmt.Errorf("precompile %s: %w", lang.Name(), err)
		}
	}

	return r, nil
}

// compile returns a cached compiled module, compiling if necessary.
func (r *Runtime) compile(ctx context.Context, lang Language) (wazero.CompiledModule, error) {
	name := lang.Name()

	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return nil, ErrClosed
	}
	if compiled, ok := r.compiled[name]; ok {
		r.mu.RUnlock()
		return compiled, nil
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	if compiled, ok := r.compiled[name]; ok {
		return compiled, nil
	}

	bin, err := lang.Module()
	if err != nil {
		return nil, fmt.Errorf("load %s module: %w", name, err)
	}

	compiled, err := r.runtime.CompileModule(ctx, bin)
	if err != nil {
		return nil, fmt.Errorf("compile %s: %w", name, err)
	}

	r.logger.Debug("compiled interpreter module",
		slog.String("language", name),
		slog.Int("bytes", len(bin)),
	)
	r.compiled[name] = compiled
	return compiled, nil
}

// Close releases the runtime, every interpreter started from it, and the
// compilation cache.
func (r *Runtime) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true

	ctx := context.Background()

	var errs []error
	if err := r.runtime.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if r.cache != nil {
		if err := r.cache.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

func defaultCacheDir() string {
	if dir := os.Getenv("XDG_CACHE_HOME"); dir != "" {
		return filepath.Join(dir, "pyedit")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".cache", "pyedit")
	}
	return filepath.Join(os.TempDir(), "pyedit-cache")
}
