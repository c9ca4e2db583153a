// Package pushstream receives push payloads from the remote over a websocket
// and hands each frame to the agent's push handler.
package pushstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"nhooyr.io/websocket"
)

const (
	defaultMinBackoff = 500 * time.Millisecond
	defaultMaxBackoff = 30 * time.Second
	defaultReadLimit  = 64 << 10
)

// Handler processes one push payload.
type Handler func(ctx context.Context, payload []byte) error

type Options struct {
	URL        string
	APIKey     string
	Handler    Handler
	MinBackoff time.Duration
	MaxBackoff time.Duration
	ReadLimit  int64
	HTTPClient *http.Client
	Logger     *slog.Logger
}

type Subscriber struct {
	opts   Options
	logger *slog.Logger
	rng    *rand.Rand
}

func NewSubscriber(opts Options) (*Subscriber, error) {
	opts.URL = strings.TrimSpace(opts.URL)
	if opts.URL == "" {
		return nil, errors.New("push stream url is required")
	}
	if opts.Handler == nil {
		return nil, errors.New("push stream handler is required")
	}
	if opts.MinBackoff <= 0 {
		opts.MinBackoff = defaultMinBackoff
	}
	if opts.MaxBackoff < opts.MinBackoff {
		opts.MaxBackoff = defaultMaxBackoff
		if opts.MaxBackoff < opts.MinBackoff {
			opts.MaxBackoff = opts.MinBackoff
		}
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = defaultReadLimit
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Subscriber{
		opts:   opts,
		logger: logger,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// Run keeps a stream connection open until ctx is cancelled, reconnecting
// with exponential backoff. Handler errors are logged and do not drop the
// connection.
func (s *Subscriber) Run(ctx context.Context) error {
	attempt := 0
	for {
		received, err := s.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if received > 0 {
			attempt = 0
		}
		delay := s.backoff(attempt)
		attempt++
		s.logger.Warn("push stream disconnected", "error", err, "frames", received, "retry_in", delay)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func (s *Subscriber) session(ctx context.Context) (int, error) {
	header := http.Header{}
	if s.opts.APIKey != "" {
		header.Set("apikey", s.opts.APIKey)
		header.Set("Authorization", "Bearer "+s.opts.APIKey)
	}
	conn, _, err := websocket.Dial(ctx, s.opts.URL, &websocket.DialOptions{
		HTTPClient: s.opts.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		return 0, fmt.Errorf("dial push stream: %w", err)
	}
	defer conn.CloseNow()
	conn.SetReadLimit(s.opts.ReadLimit)
	s.logger.Info("push stream connected", "url", s.opts.URL)

	received := 0
	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return received, errors.New("push stream closed by remote")
			}
			return received, err
		}
		received++
		if msgType != websocket.MessageText && msgType != websocket.MessageBinary {
			continue
		}
		if err := s.opts.Handler(ctx, data); err != nil {
			s.logger.Warn("push payload rejected", "error", err)
		}
	}
}

func (s *Subscriber) backoff(attempt int) time.Duration {
	delay := s.opts.MinBackoff
	for i := 0; i < attempt && delay < s.opts.MaxBackoff; i++ {
		delay *= 2
	}
	if delay > s.opts.MaxBackoff {
		delay = s.opts.MaxBackoff
	}
	// up to 20% jitter below the computed delay
	jitter := time.Duration(s.rng.Float64() * 0.2 * float64(delay))
	return delay - jitter
}
