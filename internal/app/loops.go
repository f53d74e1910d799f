package app

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net/url"
	"time"

	"github.com/1ureka/huddle/internal/correlator"
	"github.com/1ureka/huddle/internal/signaling"
)

// dispatch routes every inbound message: pending replies first, then session
// events, reactions and snapshot frames. When the channel ends it fails the
// pending requests and cancels the session.
func (a *App) dispatch(ctx context.Context, cancel context.CancelCauseFunc, conn *signaling.Conn, corr *correlator.Correlator) {
	for msg := range conn.Messages() {
		a.route(msg, corr)
	}

	if ctx.Err() == nil {
		log.Warn("signaling channel closed")
		cancel(errors.Join(ErrChannelClosed, correlator.ErrClosed))
	}
	corr.Close(conn.Err())
}

func (a *App) route(msg signaling.Message, corr *correlator.Correlator) {
	a.mu.Lock()
	neg, bus, recv := a.neg, a.bus, a.recv
	a.mu.Unlock()

	switch {
	case corr.Deliver(msg):
	case neg != nil && neg.HandleEvent(msg):
	case bus != nil && bus.HandleRemote(msg):
	case recv != nil && recv.Handle(msg):
	default:
		log.Debug("unhandled %s from %q", msg.Type, msg.From)
	}
}

// render advances the animator once per frame.
func (a *App) render(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.FrameInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			sprites := a.animator.Tick()
			if a.deps.Render != nil {
				a.deps.Render(sprites)
			}
		case <-ctx.Done():
			return
		}
	}
}

// readInput emits one reaction per input line until r ends or ctx is done.
func (a *App) readInput(ctx context.Context, r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		in, err := ParseReaction(scanner.Text())
		if err != nil {
			if !errors.Is(err, errBlankLine) {
				log.Warn("%v", err)
			}
			continue
		}
		if !a.React(in.Symbol, in.Target, in.OX, in.OY) {
			log.Debug("reaction %s dropped", in.Symbol)
		}
	}
}

// redact hides the admission token in logged URLs.
func redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	if q.Has("token") {
		q.Set("token", "***")
		u.RawQuery = q.Encode()
	}
	return u.String()
}
