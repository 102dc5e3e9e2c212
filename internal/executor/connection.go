package executor

import (
	"context"
	"errors"

	"github.com/trilogy-data/trilogy-studio-core-sub000/pkg/core"
)

var errNoConnection = errors.New("no connection selected")

// EnsureConnection makes sure the executor's connection is established.
// Concurrent callers share one attempt. When it fails, every queued query is
// failed with the connection error and the next call tries again.
func (e *Executor) EnsureConnection(ctx context.Context) error {
	e.mu.Lock()
	if e.connChecked {
		e.mu.Unlock()
		return nil
	}
	name := e.connection
	e.mu.Unlock()

	_, err, _ := e.connGroup.Do(name, func() (any, error) {
		return nil, e.connect(ctx, name)
	})

	e.mu.Lock()
	if err != nil {
		e.connChecked = false
		var deferred callbackList
		for _, q := range e.queue {
			deferred = append(deferred, e.deliverLocked(q, nil, err)...)
		}
		e.mu.Unlock()

		e.logger.Error("connection failed", "connection", name, "error", err)
		deferred.run()
		return err
	}
	if e.connection == name {
		e.connChecked = true
	}
	e.mu.Unlock()
	return nil
}

func (e *Executor) connect(ctx context.Context, name string) error {
	if name == "" {
		return &core.ConnectionError{Err: errNoConnection}
	}
	st, err := e.conns.Status(name)
	if err != nil {
		if core.IsConnectionError(err) {
			return err
		}
		return &core.ConnectionError{Connection: name, Err: err}
	}
	if st.Connected {
		return nil
	}

	e.logger.Info("connecting", "connection", name)
	if err := e.conns.Connect(ctx, name); err != nil {
		if core.IsConnectionError(err) {
			return err
		}
		return &core.ConnectionError{Connection: name, Err: err}
	}
	return nil
}
