package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"go-chat-rooms/internal/chat"
	"go-chat-rooms/internal/event"
	"go-chat-rooms/internal/session"
)

var (
	baseURL   = flag.String("base", "http://localhost:8080", "HTTP base URL")
	wsURL     = flag.String("ws", "ws://localhost:8080/ws", "websocket URL")
	pairCount = flag.Int("pairs", 50, "number of user pairs") // Start small, the database may choke on 1000 immediately.
	msgCount  = flag.Int("messages", 20, "messages per user")
	settle    = flag.Duration("settle", 15*time.Second, "how long to wait for echoes")
)

type stats struct {
	sent      atomic.Int64
	failed    atomic.Int64
	delivered atomic.Int64
}

func main() {
	flag.Parse()
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()

	logger.Info().Int("users", *pairCount*2).Int("messages", *msgCount).Msg("starting stress test")
	start := time.Now()

	var (
		wg sync.WaitGroup
		st stats
	)
	// We create pairs: user 0a talks to 0b, 1a to 1b...
	for i := 0; i < *pairCount; i++ {
		wg.Add(1)
		go func(pairID int) {
			defer wg.Done()
			runPair(context.Background(), logger, pairID, &st)
		}(i)
	}
	wg.Wait()

	logger.Info().
		Int64("sent", st.sent.Load()).
		Int64("failed", st.failed.Load()).
		Int64("delivered", st.delivered.Load()).
		Dur("elapsed", time.Since(start)).
		Msg("load test complete")
}

type participant struct {
	api  *session.HTTPClient
	conn *session.WSConn
	self event.User
}

// login registers (ignoring conflicts) and logs in.
func login(ctx context.Context, username string) (*participant, error) {
	api := session.NewHTTPClient(*baseURL)
	_ = api.Register(ctx, username, "password123")

	res, err := api.Login(ctx, username, "password123")
	if err != nil {
		return nil, err
	}
	conn, err := session.DialWS(ctx, *wsURL, res.AccessToken, zerolog.Nop())
	if err != nil {
		return nil, err
	}
	return &participant{api: api, conn: conn, self: event.User{ID: res.ID, Username: res.Username}}, nil
}

func runPair(ctx context.Context, logger zerolog.Logger, pairID int, st *stats) {
	a, err := login(ctx, fmt.Sprintf("u_%d_a", pairID))
	if err != nil {
		logger.Error().Err(err).Int("pair", pairID).Msg("login failed")
		return
	}
	defer a.conn.Close()
	b, err := login(ctx, fmt.Sprintf("u_%d_b", pairID))
	if err != nil {
		logger.Error().Err(err).Int("pair", pairID).Msg("login failed")
		return
	}
	defer b.conn.Close()

	// Both sides resolve the same direct room.
	roomA, err := a.api.CreateDirectChat(ctx, b.self.ID)
	if err != nil {
		logger.Error().Err(err).Int("pair", pairID).Msg("create chat failed")
		return
	}
	roomB, err := b.api.CreateDirectChat(ctx, a.self.ID)
	if err != nil || roomB.ID != roomA.ID {
		logger.Error().Err(err).Int("pair", pairID).Msg("direct chat not shared")
		return
	}

	var wg sync.WaitGroup
	for _, p := range []*participant{a, b} {
		wg.Add(1)
		go func(p *participant) {
			defer wg.Done()
			spam(ctx, logger, p, roomA, st)
		}(p)
	}
	wg.Wait()
}

func spam(ctx context.Context, logger zerolog.Logger, p *participant, room *chat.Room, st *stats) {
	sess := session.New(p.api, p.conn, p.self, logger, session.Options{})
	defer sess.Close()
	p.conn.OnReconnect(func() {
		if err := sess.Reconnected(ctx); err != nil {
			logger.Warn().Err(err).Str("user", p.self.Username).Msg("resync failed")
		}
	})

	if err := sess.Open(ctx, room); err != nil {
		logger.Error().Err(err).Str("user", p.self.Username).Msg("open room failed")
		return
	}

	for i := 0; i < *msgCount; i++ {
		body := fmt.Sprintf("LoadTest Msg %d from %s", i, p.self.Username)
		if _, err := sess.Send(ctx, session.Draft{Body: body}); err != nil {
			st.failed.Add(1)
			logger.Warn().Err(err).Str("user", p.self.Username).Msg("send failed")
			continue
		}
		st.sent.Add(1)
		// Simulate real network spacing.
		time.Sleep(10 * time.Millisecond)
	}

	// Wait for the other side's messages to arrive over the socket.
	deadline := time.Now().Add(*settle)
	for time.Now().Before(deadline) && len(sess.Messages()) < 2*(*msgCount) {
		time.Sleep(100 * time.Millisecond)
	}
	st.delivered.Add(int64(len(sess.Messages())))
	logger.Info().Str("user", p.self.Username).Int("seen", len(sess.Messages())).Msg("finished")
}
