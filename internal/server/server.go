// Package server wires the provisioning components together and serves them
// over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"sync"
	"time"

	"vncprov/internal/config"
	"vncprov/internal/executor"
	"vncprov/internal/notify"
	"vncprov/internal/provision"
	"vncprov/internal/session"
	"vncprov/internal/vault"
	"vncprov/pkg/protocol"

	"github.com/redis/go-redis/v9"
)

// Config holds the configuration for the provisioning server.
type Config struct {
	Settings *config.Config
	// ConfigPath enables hot reload of the allow-list when set.
	ConfigPath string

	// Optional overrides; built from Settings when nil.
	Executor executor.Executor
	Locker   provision.Locker
	Notifier notify.Notifier

	Logger *log.Logger
}

// Server is the provisioning service.
type Server struct {
	config   Config
	settings *config.Config
	logger   *log.Logger

	naming        *session.Naming
	directory     *session.Directory
	provisioner   *provision.Provisioner
	deprovisioner *provision.Deprovisioner
	audit         *AuditLogger
	notifier      notify.Notifier
	origins       *originList
	watcher       *config.Watcher
	redis         *redis.Client

	handler    http.Handler
	httpServer *http.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer builds a server from cfg.Settings.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stdout, "[provisioner] ", log.LstdFlags|log.Lmsgprefix)
	}
	if cfg.Settings == nil {
		return nil, fmt.Errorf("settings are required")
	}
	st := cfg.Settings

	naming, err := st.Naming()
	if err != nil {
		return nil, fmt.Errorf("session naming: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:   cfg,
		settings: st,
		logger:   cfg.Logger,
		naming:   naming,
		origins:  newOriginList(st.AllowedOrigins),
		ctx:      ctx,
		cancel:   cancel,
	}

	if err := s.init(); err != nil {
		cancel()
		s.closeResources()
		return nil, err
	}
	return s, nil
}

func (s *Server) init() error {
	st := s.settings

	exec := s.config.Executor
	if exec == nil {
		var err error
		exec, err = newExecutor(st.Commands, s.logger)
		if err != nil {
			return err
		}
	}

	locker := s.config.Locker
	if locker == nil {
		var err error
		locker, err = s.newLocker(st.Lock)
		if err != nil {
			return err
		}
	}

	var v *vault.Vault
	if st.Vault.Enabled() {
		var err error
		v, err = vault.New(vault.Config{
			Dir:        st.Vault.Dir,
			Recipients: st.Vault.Recipients,
			Logger:     subLogger(s.logger, "vault"),
		})
		if err != nil {
			return fmt.Errorf("open vault: %w", err)
		}
	}

	s.directory = session.NewDirectory(exec, s.naming, st.Session.Order, subLogger(s.logger, "directory"))

	p, err := provision.New(provision.Config{
		Executor:       exec,
		Naming:         s.naming,
		Directory:      s.directory,
		Locker:         locker,
		Vault:          v,
		SharedPassword: st.Provision.SharedPassword,
		HomeRoot:       st.Paths.HomeRoot,
		UnitDir:        st.Paths.UnitDir,
		TempDir:        st.Paths.TempDir,
		LoginShell:     st.Provision.Shell,
		Desktop:        st.Provision.Desktop,
		Geometry:       st.Provision.Geometry,
		Depth:          st.Provision.Depth,
		SettleDelay:    st.Commands.SettleDelay,
		LockWait:       st.Lock.Wait,
		Rollback:       st.Provision.Rollback,
		Logger:         s.logger,
	})
	if err != nil {
		return fmt.Errorf("create provisioner: %w", err)
	}
	s.provisioner = p

	d, err := provision.NewDeprovisioner(provision.DeprovisionConfig{
		Executor: exec,
		Naming:   s.naming,
		Locker:   locker,
		Vault:    v,
		UnitDir:  st.Paths.UnitDir,
		LockWait: st.Lock.Wait,
		Logger:   s.logger,
	})
	if err != nil {
		return fmt.Errorf("create deprovisioner: %w", err)
	}
	s.deprovisioner = d

	audit, err := NewAuditLogger(st.Audit.Path)
	if err != nil {
		return fmt.Errorf("create audit logger: %w", err)
	}
	s.audit = audit

	s.notifier = s.config.Notifier
	if s.notifier == nil {
		if st.Notify.WebhookURL != "" {
			s.notifier = notify.NewWebhook(st.Notify.WebhookURL, st.Notify.Timeout)
		} else {
			s.notifier = notify.Nop{}
		}
	}

	if s.config.ConfigPath != "" {
		w, err := config.NewWatcher(s.config.ConfigPath, st, subLogger(s.logger, "config"))
		if err != nil {
			s.logger.Printf("warning: failed to create config watcher: %v (hot-reload disabled)", err)
		} else {
			s.watcher = w
			s.watcher.OnReload(func(next *config.Config) {
				s.origins.Set(next.AllowedOrigins)
				s.logger.Printf("allowed origins updated: %v", next.AllowedOrigins)
			})
		}
	}

	s.handler = s.routes()
	return nil
}

func newExecutor(cfg config.CommandsConfig, logger *log.Logger) (executor.Executor, error) {
	execLogger := subLogger(logger, "exec")
	switch cfg.Executor {
	case config.ExecutorDocker:
		d, err := executor.NewDockerExecutor(cfg.Container, cfg.Shell, cfg.Timeout, execLogger)
		if err != nil {
			return nil, fmt.Errorf("create docker executor: %w", err)
		}
		return d, nil
	default:
		return executor.NewShellExecutor(cfg.Shell, cfg.Timeout, execLogger), nil
	}
}

func (s *Server) newLocker(cfg config.LockConfig) (provision.Locker, error) {
	if cfg.Backend != config.LockRedis {
		return provision.NewMutexLocker(), nil
	}

	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	s.redis = client
	s.logger.Printf("allocation lock in redis at %s (key %s)", cfg.RedisAddr, cfg.Key)
	return provision.NewRedisLocker(client, cfg.Key, cfg.TTL, subLogger(s.logger, "lock")), nil
}

// Handler returns the HTTP handler serving the API.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ListenAndServe serves the API until Shutdown is called.
func (s *Server) ListenAndServe() error {
	if s.watcher != nil {
		if err := s.watcher.Start(s.ctx); err != nil {
			s.logger.Printf("warning: config watcher: %v (hot-reload disabled)", err)
			s.watcher = nil
		}
	}

	s.httpServer = &http.Server{
		Addr:         s.settings.Listen,
		Handler:      s.handler,
		ReadTimeout:  s.settings.HTTP.ReadTimeout,
		WriteTimeout: s.settings.HTTP.WriteTimeout,
	}
	s.logger.Printf("HTTP API listening on %s", s.settings.Listen)

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve http: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests, waits for in-flight ones until ctx is
// done, then releases resources.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}
	s.wg.Wait()
	s.cancel()
	s.closeResources()
	return err
}

func (s *Server) closeResources() {
	if s.watcher != nil {
		s.watcher.Stop()
	}
	if s.audit != nil {
		s.audit.Close()
	}
	if s.redis != nil {
		s.redis.Close()
	}
}

// record journals an operation and announces it in the background.
func (s *Server) record(entry protocol.HistoryEntry) {
	if err := s.audit.Log(entry); err != nil {
		s.logger.Printf("warning: audit: %v", err)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, 10*time.Second)
		defer cancel()
		if err := s.notifier.Notify(ctx, entry); err != nil {
			s.logger.Printf("warning: notify: %v", err)
		}
	}()
}

func subLogger(parent *log.Logger, name string) *log.Logger {
	return log.New(parent.Writer(), "["+name+"] ", parent.Flags())
}
