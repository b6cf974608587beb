package usecase

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/wargame-ctf/instancer/ctf-instancer/domain"
)

// Session relays bytes between one client and one sandbox shell. It is not
// persisted and ends with the instance.
type Session struct {
	ID       string
	Instance *domain.Instance

	relay       *Relay
	stream      domain.Stream
	events      <-chan domain.Event
	unsubscribe func()
	releaseOnce sync.Once
}

type pumpResult struct {
	clientGone bool
	err        error
}

// Serve copies bytes in both directions until either side closes, the
// instance leaves running, its lifetime ends, ctx is done or the relay
// shuts down. The client is always closed with the returned code.
func (s *Session) Serve(ctx context.Context, client TerminalClient) CloseCode {
	defer s.release()

	log := s.relay.logger.With(
		slog.String("session_id", s.ID),
		slog.String("instance_id", s.Instance.ID),
		slog.String("owner_id", s.Instance.OwnerID),
	)

	if !s.relay.register() {
		_ = s.stream.Close()
		_ = client.Close(CloseGoingAway, CloseGoingAway.Reason())
		return CloseGoingAway
	}
	defer s.relay.active.Done()

	log.Info("terminal session opened")

	expiry := time.NewTimer(max(s.Instance.ExpiresAt.Sub(s.relay.now()), 0))
	defer expiry.Stop()

	output := make(chan pumpResult, 1)
	input := make(chan pumpResult, 1)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		output <- s.pumpOutput(client)
	}()
	go func() {
		defer wg.Done()
		input <- s.pumpInput(client)
	}()

	code := s.wait(ctx, log, output, input, expiry.C)

	_ = s.stream.CloseWrite()
	_ = s.stream.Close()
	_ = client.Close(code, code.Reason())
	wg.Wait()

	log.Info("terminal session closed", slog.Int("code", int(code)))
	return code
}

func (s *Session) wait(ctx context.Context, log *slog.Logger, output, input <-chan pumpResult, expired <-chan time.Time) CloseCode {
	events := s.events
	for {
		select {
		case res := <-output:
			if res.err != nil && !res.clientGone {
				log.Warn("sandbox stream failed", slog.Any("error", res.err))
				return CloseServerError
			}
			return CloseNormal
		case res := <-input:
			if res.err != nil && !res.clientGone {
				log.Warn("sandbox input failed", slog.Any("error", res.err))
				return CloseServerError
			}
			return CloseNormal
		case ev, ok := <-events:
			if !ok {
				// Without events the expiry timer still bounds the session.
				events = nil
				continue
			}
			if code, end := closeCodeForEvent(ev); end {
				return code
			}
		case <-expired:
			return CloseInstanceExpired
		case <-s.relay.closing:
			return CloseGoingAway
		case <-ctx.Done():
			return CloseGoingAway
		}
	}
}

// pumpOutput moves sandbox output to the client through a single buffer.
// A slow client blocks the next sandbox read until WriteTimeout.
func (s *Session) pumpOutput(client TerminalClient) pumpResult {
	buf := make([]byte, s.relay.config.BufferSize)
	for {
		n, err := s.stream.Read(buf)
		if n > 0 {
			deadline := s.relay.now().Add(s.relay.config.WriteTimeout)
			if werr := client.WriteMessage(buf[:n], deadline); werr != nil {
				return pumpResult{clientGone: true, err: werr}
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return pumpResult{}
			}
			return pumpResult{err: err}
		}
	}
}

func (s *Session) pumpInput(client TerminalClient) pumpResult {
	for {
		data, err := client.ReadMessage()
		if err != nil {
			return pumpResult{clientGone: true, err: err}
		}
		if len(data) == 0 {
			continue
		}
		if _, err := s.stream.Write(data); err != nil {
			return pumpResult{err: err}
		}
	}
}

// Abort releases a session that will never be served.
func (s *Session) Abort() {
	_ = s.stream.Close()
	s.release()
}

func (s *Session) release() {
	s.releaseOnce.Do(s.unsubscribe)
}

func closeCodeForEvent(ev domain.Event) (CloseCode, bool) {
	switch ev.Type {
	case domain.EventInstanceExpired:
		return CloseInstanceExpired, true
	case domain.EventInstanceStopping, domain.EventInstanceStopped, domain.EventInstanceFailed:
		if ev.Reason == domain.StopReasonExpired {
			return CloseInstanceExpired, true
		}
		return CloseInstanceStopped, true
	default:
		return 0, false
	}
}
