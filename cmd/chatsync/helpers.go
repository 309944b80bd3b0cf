package main

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/playhub-io/chatsync"
	"go.uber.org/zap"
)

// runtime bundles what a command needs to talk to the server.
type runtime struct {
	cfg     *Config
	log     *zap.Logger
	client  *chatsync.Client
	session *chatsync.Session
	store   *chatsync.PebbleStore
	engine  *chatsync.Engine
}

func (r *runtime) Close() {
	if r.engine != nil {
		r.engine.Close()
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.log.Warn("store_close_failed", zap.Error(err))
		}
	}
	_ = r.log.Sync()
}

func newLogger(cfg *Config) (*zap.Logger, error) {
	mode := cfg.Default.LogMode
	if mode == "" {
		mode = chatsync.ProductionMode
	}
	return chatsync.NewLogger(mode)
}

func dataDir(cfg *Config) (string, error) {
	if cfg.Default.DataDir != "" {
		return cfg.Default.DataDir, nil
	}
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "data"), nil
}

// openStore opens only the local queue store; no session is needed.
func openStore() (*runtime, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	log, err := newLogger(cfg)
	if err != nil {
		return nil, err
	}
	dir, err := dataDir(cfg)
	if err != nil {
		return nil, err
	}
	store, err := chatsync.OpenPebbleStore(dir, log)
	if err != nil {
		return nil, err
	}
	return &runtime{cfg: cfg, log: log, store: store}, nil
}

// openRuntime opens the store and builds an engine for the configured
// session.
func openRuntime(opts ...chatsync.Option) (*runtime, error) {
	rt, err := openStore()
	if err != nil {
		return nil, err
	}
	cfg := rt.cfg
	if cfg.Auth.SessionToken == "" {
		rt.Close()
		return nil, errors.New("no session token: run 'chatsync config set auth.session_token <token>' first")
	}
	session, err := chatsync.ParseSession(cfg.Auth.SessionToken)
	if err != nil {
		rt.Close()
		return nil, err
	}
	if session.Expired(time.Now()) {
		rt.Close()
		return nil, fmt.Errorf("session expired at %s", session.ExpiresAt.Format(time.RFC3339))
	}

	var copts []chatsync.ClientOption
	if cfg.Default.BaseURL != "" {
		copts = append(copts, chatsync.WithBaseURL(cfg.Default.BaseURL))
	}
	rt.client = chatsync.NewClient(session.Token, copts...)
	rt.session = session

	opts = append([]chatsync.Option{chatsync.WithLogger(rt.log)}, opts...)
	rt.engine = chatsync.NewEngine(rt.client, rt.store, session, opts...)
	return rt, nil
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}

// maskToken shows the first 12 and last 4 characters of a token.
func maskToken(token string) string {
	if len(token) <= 16 {
		return "****"
	}
	return token[:12] + "..." + token[len(token)-4:]
}
