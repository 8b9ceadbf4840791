// Package bootstrap opens the storage backends selected by configuration.
package bootstrap

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"github.com/civita/formation/internal/config"
	"github.com/civita/formation/internal/domain/activity"
	"github.com/civita/formation/internal/domain/timer"
	"github.com/civita/formation/internal/infrastructure/postgres"
	"github.com/civita/formation/internal/infrastructure/raftlog"
	"github.com/civita/formation/internal/infrastructure/sqlite"
)

// Stores holds the repositories for one process.
type Stores struct {
	Activities activity.Repository
	Timers     timer.Repository
	Raft       *raftlog.Node

	closers []func() error
}

// Close releases every backend in reverse order of opening.
func (s *Stores) Close() error {
	var first error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Open connects the activity store and the timer store. Postgres schemas are
// migrated before use.
func Open(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*Stores, error) {
	s := &Stores{}
	switch cfg.Store {
	case config.StorePostgres:
		if err := postgres.RunMigrations(cfg.DatabaseURL); err != nil {
			return nil, fmt.Errorf("migrate postgres: %w", err)
		}
		pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, func() error { pool.Close(); return nil })
		s.Activities = postgres.NewActivityRepository(pool)
		s.Timers = postgres.NewTimerRepository(pool)
		logger.Info().Str("store", cfg.Store).Msg("postgres store ready")
	default:
		store, err := sqlite.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, store.Close)
		s.Activities = sqlite.NewActivityRepository(store)
		s.Timers = sqlite.NewTimerRepository(store)
		logger.Info().Str("store", cfg.Store).Str("path", cfg.SQLitePath).Msg("sqlite store ready")
	}

	if cfg.TimerStore == config.TimerStoreRaft {
		node, err := raftlog.NewNode(raftlog.Config{
			NodeID:    cfg.RaftNodeID,
			RaftAddr:  cfg.RaftBind,
			DataDir:   cfg.RaftDir,
			Bootstrap: cfg.RaftBootstrap,
			LogOutput: logger.With().Str("component", "raft").Logger(),
		})
		if err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("start raft node: %w", err)
		}
		s.closers = append(s.closers, node.Shutdown)
		waitCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		if cfg.RaftJoin != "" {
			if err := joinCluster(waitCtx, cfg, node, logger); err != nil {
				cancel()
				_ = s.Close()
				return nil, fmt.Errorf("join raft cluster: %w", err)
			}
		}
		leader, err := node.WaitForLeader(waitCtx, 200*time.Millisecond)
		cancel()
		if err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("wait for raft leader: %w", err)
		}
		s.Raft = node
		s.Timers = raftlog.NewTimerRepository(node)
		logger.Info().Str("node_id", node.ID()).Str("leader", leader).Msg("raft timer log ready")
	}
	return s, nil
}

// joinCluster asks the node at RAFT_JOIN to add this node as a voter,
// retrying while that node is unreachable or not yet leader.
func joinCluster(ctx context.Context, cfg *config.Config, node *raftlog.Node, logger zerolog.Logger) error {
	client := &http.Client{Timeout: 10 * time.Second}
	req := raftlog.VoterRequest{NodeID: node.ID(), RaftAddr: node.RaftAddr()}
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := raftlog.RequestJoin(ctx, client, cfg.RaftJoin, cfg.RaftJoinKey, req)
		if err != nil {
			logger.Warn().Err(err).Str("join", cfg.RaftJoin).Msg("raft join attempt failed")
		}
		return struct{}{}, err
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()))
	if err != nil {
		return err
	}
	logger.Info().Str("node_id", req.NodeID).Str("join", cfg.RaftJoin).Msg("joined raft cluster")
	return nil
}
