package remote

import (
	"context"
	"sync"
	"time"

	"propsync/internal/model"
	"propsync/internal/propsync"
)

// pollListener turns a fingerprint function into a change feed for
// backends without native push. It delivers the first snapshot before
// returning and then polls every interval, delivering a fresh snapshot
// whenever the fingerprint changes.
type pollListener struct {
	interval    time.Duration
	fingerprint func(ctx context.Context) (string, error)
	list        func(ctx context.Context) ([]model.WireEntity, error)
}

func (p pollListener) start(ctx context.Context, onSnapshot propsync.SnapshotFunc, onError func(error)) (func(), error) {
	fp, err := p.fingerprint(ctx)
	if err != nil {
		return nil, err
	}
	docs, err := p.list(ctx)
	if err != nil {
		return nil, err
	}
	onSnapshot(docs)

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		last := fp
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			fp, err := p.fingerprint(ctx)
			if err == nil && fp != last {
				var docs []model.WireEntity
				if docs, err = p.list(ctx); err == nil {
					last = fp
					onSnapshot(docs)
					continue
				}
			}
			if err != nil {
				if ctx.Err() == nil {
					onError(err)
				}
				return
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}, nil
}
