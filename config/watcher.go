// 配置文件变更监听与重载。
//
// 以轮询方式检测文件修改时间，防抖后重新加载并校验配置，
// 校验通过才通知订阅者；失败时保留旧配置。
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultPollInterval 默认轮询间隔
const DefaultPollInterval = time.Second

// ReloadFunc 在新配置生效后调用
type ReloadFunc func(oldConfig, newConfig *Config)

// Reloader 监听配置文件并在变更时重新加载
type Reloader struct {
	loader   *Loader
	interval time.Duration
	debounce time.Duration
	logger   *zap.Logger

	mu        sync.RWMutex
	current   *Config
	lastMod   time.Time
	callbacks []ReloadFunc
	running   bool
}

// ReloaderOption 配置 Reloader
type ReloaderOption func(*Reloader)

// WithPollInterval 设置轮询间隔
func WithPollInterval(d time.Duration) ReloaderOption {
	return func(r *Reloader) { r.interval = d }
}

// WithDebounceDelay 设置防抖延迟，用于合并编辑器的多次写入
func WithDebounceDelay(d time.Duration) ReloaderOption {
	return func(r *Reloader) { r.debounce = d }
}

// WithReloaderLogger 设置日志
func WithReloaderLogger(logger *zap.Logger) ReloaderOption {
	return func(r *Reloader) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewReloader 创建 Reloader，current 为已加载的配置
func NewReloader(loader *Loader, current *Config, opts ...ReloaderOption) (*Reloader, error) {
	if loader.Path() == "" {
		return nil, errors.New("config: reloader needs a config path")
	}
	r := &Reloader{
		loader:   loader,
		interval: DefaultPollInterval,
		debounce: 100 * time.Millisecond,
		logger:   zap.NewNop(),
		current:  current,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With(zap.String("component", "config_reloader"))
	if info, err := os.Stat(loader.Path()); err == nil {
		r.lastMod = info.ModTime()
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("stat %s: %w", loader.Path(), err)
	}
	return r, nil
}

// OnReload 注册重载回调
func (r *Reloader) OnReload(fn ReloadFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callbacks = append(r.callbacks, fn)
}

// Config 返回当前生效的配置
func (r *Reloader) Config() *Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// Run 阻塞轮询直到 ctx 结束
func (r *Reloader) Run(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return errors.New("config: reloader already running")
	}
	r.running = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
	}()

	r.logger.Info("watching config file",
		zap.String("path", r.loader.Path()),
		zap.Duration("interval", r.interval))

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if r.changed() {
				pending = time.After(r.debounce)
			}
		case <-pending:
			pending = nil
			if err := r.Reload(); err != nil {
				r.logger.Warn("config reload rejected, keeping previous config", zap.Error(err))
			}
		}
	}
}

// changed 检查文件修改时间是否前进
func (r *Reloader) changed() bool {
	info, err := os.Stat(r.loader.Path())
	if err != nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !info.ModTime().After(r.lastMod) {
		return false
	}
	r.lastMod = info.ModTime()
	return true
}

// Reload 立即重新加载配置文件
func (r *Reloader) Reload() error {
	next, err := r.loader.Load()
	if err != nil {
		return err
	}

	r.mu.Lock()
	prev := r.current
	r.current = next
	callbacks := append([]ReloadFunc(nil), r.callbacks...)
	r.mu.Unlock()

	r.logger.Info("config reloaded", zap.String("path", r.loader.Path()))
	for _, fn := range callbacks {
		r.notify(fn, prev, next)
	}
	return nil
}

func (r *Reloader) notify(fn ReloadFunc, prev, next *Config) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("config reload callback panicked", zap.Any("panic", rec))
		}
	}()
	fn(prev, next)
}
