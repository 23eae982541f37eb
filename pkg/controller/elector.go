package controller

import (
	"context"
	"errors"
	"time"

	"codeberg.org/rostersync/rostersync/pkg/config"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
	"go.uber.org/zap"
)

const sessionTTL = 15

var ErrNoEtcdEndpoints = errors.New("no etcd endpoints configured")

// Elector runs a function only while this process holds leadership, so
// replicas never reconcile the same directory at once.
type Elector struct {
	client *clientv3.Client
	prefix string
	node   string
	logger *zap.Logger
}

func NewElector(cfg config.EtcdConfig, logger *zap.Logger) (*Elector, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, ErrNoEtcdEndpoints
	}

	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
		Logger:      logger.Named("etcd"),
	})
	if err != nil {
		return nil, err
	}

	return &Elector{
		client: client,
		prefix: cfg.ElectionPrefix,
		node:   cfg.NodeName,
		logger: logger,
	}, nil
}

func (e *Elector) Close() error {
	return e.client.Close()
}

// Run campaigns for leadership and calls fn with a context that is cancelled
// when leadership is lost. It returns when ctx is done.
func (e *Elector) Run(ctx context.Context, fn func(ctx context.Context) error) {
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("Leader election stopping")
			return
		default:
		}

		session, err := concurrency.NewSession(e.client, concurrency.WithTTL(sessionTTL), concurrency.WithContext(ctx))
		if err != nil {
			e.logger.Error("Election session failed", zap.Error(err))
			sleep(ctx, 5*time.Second)
			continue
		}

		election := concurrency.NewElection(session, e.prefix)
		if err := election.Campaign(ctx, e.node); err != nil {
			e.logger.Debug("Campaign failed, retrying", zap.Error(err))
			session.Close()
			sleep(ctx, time.Second)
			continue
		}

		e.logger.Info("Node acquired leadership", zap.String("node", e.node))

		runCtx, cancel := context.WithCancel(ctx)
		go func() {
			select {
			case <-session.Done():
				e.logger.Warn("Leader session expired, stopping cycles")
				cancel()
			case <-runCtx.Done():
			}
		}()

		if err := fn(runCtx); err != nil {
			e.logger.Error("Leader work stopped with error", zap.Error(err))
		}

		cancel()
		resignCtx, resignCancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = election.Resign(resignCtx)
		resignCancel()
		session.Close()

		e.logger.Info("Leadership released")
		sleep(ctx, time.Second)
	}
}

func sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
