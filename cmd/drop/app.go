package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/1ureka/drop/internal/config"
	"github.com/1ureka/drop/internal/integrity"
	"github.com/1ureka/drop/internal/signaling"
	"github.com/1ureka/drop/internal/storage"
	"github.com/1ureka/drop/internal/transfer"
	"github.com/1ureka/drop/internal/transport"
	"github.com/1ureka/drop/internal/util"
)

// app wires the signaling client, the negotiator and the transfer engine of
// one CLI run.
type app struct {
	cfg      config.Config
	sig      *signaling.Client
	manager  *transfer.Manager
	bars     *progressBars
	incoming chan transfer.IncomingTransfer
	cancel   context.CancelFunc
}

func startApp(ctx context.Context, cfg config.Config, caps storage.Capabilities) (*app, error) {
	if cfg.UserID == "" {
		return nil, errors.New("missing user id: pass -user or set DROP_USER")
	}
	if err := cfg.Normalize(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	negotiator, err := transport.NewNegotiator(transport.OptionsFromConfig(cfg), nil)
	if err != nil {
		return nil, err
	}

	util.LogInfo("connecting to %s as %q", cfg.SignalURL, cfg.UserID)
	sig, err := signaling.Connect(ctx, cfg.SignalURL, cfg.UserID, signaling.ClientOptions{})
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:      cfg,
		sig:      sig,
		bars:     newProgressBars(),
		incoming: make(chan transfer.IncomingTransfer, 32),
	}

	m, err := transfer.NewManager(transfer.Options{
		Config:    cfg,
		Connector: negotiator,
		Storage:   caps,
		Callbacks: transfer.Callbacks{
			OnIncoming:     a.onIncoming,
			OnStatus:       a.onStatus,
			OnProgress:     a.bars.update,
			OnHashProgress: a.bars.hashing,
			OnComplete:     a.onComplete,
			OnError:        a.onError,
		},
	})
	if err != nil {
		sig.Close()
		return nil, err
	}
	a.manager = m
	m.Bind(sig)

	statsCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	util.StartStatsReporter(statsCtx, 5*time.Second)

	// Pick up transfers interrupted by an earlier run.
	m.HandleReconnect()
	return a, nil
}

// send opens path and offers it to receiver.
func (a *app) send(ctx context.Context, path, receiver string) (string, error) {
	src, err := transfer.OpenFile(path)
	if err != nil {
		return "", err
	}
	id, err := a.manager.SendFile(ctx, src, receiver)
	if err != nil {
		src.Close()
		return "", err
	}
	return id, nil
}

// waitAll blocks until every id is terminal and returns how many did not
// complete. Cancelling ctx cancels the outstanding ones.
func (a *app) waitAll(ctx context.Context, ids []string) int {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	pending := make(map[string]bool, len(ids))
	for _, id := range ids {
		pending[id] = true
	}
	failed := 0

	for len(pending) > 0 {
		for id := range pending {
			snap, ok := a.manager.Get(id)
			if ok && !snap.Status.Terminal() {
				continue
			}
			if ok && snap.Status != transfer.StatusCompleted {
				failed++
			}
			delete(pending, id)
		}
		if len(pending) == 0 {
			break
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			for id := range pending {
				a.manager.CancelTransfer(id)
			}
			return failed + len(pending)
		}
	}
	return failed
}

func (a *app) close() {
	a.cancel()
	a.manager.Close()
	a.sig.Close()
	a.bars.stop()
}

// ---------------------------------------------------------------------------
// Engine callbacks
// ---------------------------------------------------------------------------

func (a *app) onIncoming(in transfer.IncomingTransfer) {
	select {
	case a.incoming <- in:
	default:
		util.LogWarning("too many pending offers, rejecting %s", in.FileName)
		go a.manager.RejectTransfer(in.TransferID)
	}
}

func (a *app) onStatus(s transfer.Snapshot) {
	util.LogDebug("[%s] %s", util.ShortID(s.ID), s.Status)
	if s.Status.Terminal() {
		a.bars.finish(s)
	}
}

func (a *app) onComplete(s transfer.Snapshot) {
	a.bars.finish(s)
	where := s.Location
	if where == "" {
		where = string(s.Strategy)
	}

	switch {
	case !s.IsReceiver:
		util.LogSuccess("%s delivered to %s (hash %s)", s.FileName, s.PeerID, s.HashVerified)
	case s.HashVerified == integrity.VerdictMismatch:
		util.LogWarning("%s saved to %s but its hash does not match", s.FileName, where)
	default:
		util.LogSuccess("%s saved to %s (hash %s)", s.FileName, where, s.HashVerified)
	}
}

func (a *app) onError(s transfer.Snapshot, err error) {
	a.bars.finish(s)
	if s.FailReason != "" {
		util.LogError("%s failed (%s): %v", s.FileName, s.FailReason, err)
		return
	}
	util.LogError("%s: %v", s.FileName, err)
}
