package analytics

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/you/pong/backend/internal/logutil"
)

type writerMock struct {
	mu       sync.Mutex
	msgs     []kafka.Message
	writeErr error
	closed   bool
}

func (w *writerMock) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.writeErr != nil {
		return w.writeErr
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *writerMock) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func TestEmitter_Emit(t *testing.T) {
	t.Parallel()

	w := &writerMock{}
	e := newEmitter(logutil.NewNoop(), w)
	e.now = func() time.Time { return time.Date(2024, 3, 1, 10, 0, 0, 0, time.FixedZone("X", 3600)) }

	payload := map[string]any{"matchId": "m-1", "left": "p1", "right": "p2"}
	e.Emit(MatchStart, payload)

	require.Len(t, w.msgs, 1)
	assert.Equal(t, "m-1", string(w.msgs[0].Key))
	assert.NotContains(t, payload, "event", "caller payload is not modified")

	var got map[string]any
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &got))
	assert.Equal(t, "match.start", got["event"])
	assert.Equal(t, "p1", got["left"])
	assert.Equal(t, "2024-03-01T09:00:00Z", got["ts"])

	_, err := ulid.Parse(got["id"].(string))
	assert.NoError(t, err)

	require.NoError(t, e.Close())
	assert.True(t, w.closed)
}

func TestEmitter_WriteErrorIsSwallowed(t *testing.T) {
	t.Parallel()

	w := &writerMock{writeErr: assert.AnError}
	e := newEmitter(logutil.NewNoop(), w)

	assert.NotPanics(t, func() { e.Emit(MatchEnd, map[string]any{"matchId": "m-1"}) })
	assert.Empty(t, w.msgs)
}

func TestEmitter_Nil(t *testing.T) {
	t.Parallel()

	e := New(logutil.NewNoop(), nil, "pong.analytics")
	assert.Nil(t, e)
	assert.NotPanics(t, func() { e.Emit(MatchStart, map[string]any{}) })
	assert.NoError(t, e.Close())
}

func TestTotals_Apply(t *testing.T) {
	t.Parallel()

	events := []string{
		`{"event":"match.start","matchId":"a","left":"p1","right":"p2","ts":"2024-03-01T09:15:00Z"}`,
		`{"event":"match.point","matchId":"a","side":"left"}`,
		`{"event":"match.point","matchId":"a","side":"right"}`,
		`{"event":"match.end","matchId":"a","left":"p1","right":"p2","winner":"left","durationMs":60000}`,
		`{"event":"match.start","matchId":"b","left":"p3","right":"p1","ts":"2024-03-01T09:45:00Z"}`,
		`{"event":"match.end","matchId":"b","left":"p3","right":"p1","winner":"right","durationMs":30000}`,
		`{"event":"match.start","matchId":"c","left":"p4","right":"p5","ts":"2024-03-01T21:00:00Z"}`,
		`{"event":"match.end","matchId":"c","left":"p4","right":"p5","abandoned":true,"durationMs":1000}`,
		`{"event":"something.else"}`,
	}

	var totals Totals
	for _, ev := range events {
		require.NoError(t, totals.Apply([]byte(ev)))
	}

	assert.Equal(t, int64(3), totals.Started)
	assert.Equal(t, int64(2), totals.Finished)
	assert.Equal(t, int64(1), totals.Abandoned)
	assert.Equal(t, int64(2), totals.Points)
	assert.Equal(t, int64(1), totals.LeftWins)
	assert.Equal(t, int64(1), totals.RightWins)
	assert.Equal(t, 45*time.Second, totals.AverageDuration())
	assert.Equal(t, int64(2), totals.StartsByHour[9])
	assert.Equal(t, int64(1), totals.StartsByHour[21])

	assert.Equal(t, PlayerTotals{Matches: 2, Wins: 2}, totals.Players["p1"])
	assert.Equal(t, PlayerTotals{Matches: 1}, totals.Players["p2"])
	assert.Equal(t, []string{"p1", "p2"}, totals.TopPlayers(2))

	assert.Error(t, totals.Apply([]byte(`not json`)))
	assert.Equal(t, time.Duration(0), (&Totals{}).AverageDuration())
}
