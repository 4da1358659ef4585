package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rupneel/crypto-tracker/internal/domain"
)

var errBrokenPipe = errors.New("broken pipe")

// fakeTransport records every delivered message.
type fakeTransport struct {
	mu      sync.Mutex
	msgs    [][]byte
	sendErr error
	closes  int
	onClose func()
}

func (f *fakeTransport) Send(msg []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.msgs = append(f.msgs, msg)
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closes++
	first := f.closes == 1
	f.mu.Unlock()

	if first && f.onClose != nil {
		f.onClose()
	}
	return nil
}

func (f *fakeTransport) failWith(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendErr = err
}

func (f *fakeTransport) closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes > 0
}

func (f *fakeTransport) decoded(t *testing.T) []map[string]any {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]map[string]any, 0, len(f.msgs))
	for _, raw := range f.msgs {
		var m map[string]any
		require.NoError(t, json.Unmarshal(raw, &m))
		out = append(out, m)
	}
	return out
}

func (f *fakeTransport) ofType(t *testing.T, typ string) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, m := range f.decoded(t) {
		if m["type"] == typ {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeTransport) count(t *testing.T, typ string) int {
	t.Helper()
	return len(f.ofType(t, typ))
}

// waitForCount blocks until the transport has received n messages of typ.
func waitForCount(t *testing.T, f *fakeTransport, typ string, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return f.count(t, typ) >= n }, 2*time.Second, 5*time.Millisecond,
		"expected %d %q messages", n, typ)
}

// fakeReceiver feeds frames to a session. Closing frames ends the session.
type fakeReceiver struct {
	frames chan []byte
	errs   chan error
}

func newFakeReceiver() *fakeReceiver {
	return &fakeReceiver{frames: make(chan []byte, 16), errs: make(chan error, 1)}
}

func (r *fakeReceiver) Receive() ([]byte, error) {
	select {
	case f, ok := <-r.frames:
		if !ok {
			return nil, io.EOF
		}
		return f, nil
	case err := <-r.errs:
		return nil, err
	}
}

func (r *fakeReceiver) send(frame string) { r.frames <- []byte(frame) }

// fakeSource returns a fixed listing, or an error for the next failures calls.
type fakeSource struct {
	mu       sync.Mutex
	coins    []domain.Coin
	failures int
	calls    int
}

func (s *fakeSource) TopMarkets(_ context.Context, _ string, n int) ([]domain.Coin, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.failures > 0 {
		s.failures--
		return nil, domain.ErrUpstreamUnavailable
	}
	if n < len(s.coins) {
		return s.coins[:n], nil
	}
	return s.coins, nil
}

func (s *fakeSource) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *fakeSource) failNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = n
}

func coin(id, symbol string, price float64) domain.Coin {
	change := 1.5
	mcap := price * 1e6
	return domain.Coin{ID: id, Symbol: symbol, Name: id, CurrentPrice: &price, PriceChangePercentage24h: &change, MarketCap: &mcap}
}

func testListing() []domain.Coin {
	return []domain.Coin{
		coin("bitcoin", "btc", 50000),
		coin("ethereum", "eth", 3000),
		coin("solana", "sol", 150),
	}
}
