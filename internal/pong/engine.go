// Package pong implements the authoritative pong simulation for one match.
package pong

import (
	"errors"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/you/pong/backend/internal/protocol"
)

const (
	DefaultFrameRate    = 30
	DefaultWinningScore = 11
	DefaultRoundPause   = 2 * time.Second

	TableWidth   = 600
	TableHeight  = 370
	BallSize     = 10
	PaddleWidth  = 20
	PaddleHeight = 100
	PaddleSpeed  = 10

	leftPaddleX  = 30
	rightPaddleX = TableWidth - 50

	// The ball reflects off the top and bottom this close to the edge.
	edgeMargin = 5
	// Horizontal reach in front of a paddle face that still counts as a hit.
	paddleReach = 10

	serveVX       = 12
	serveVY       = 2
	bounceXFactor = -1.03
	bounceYJitter = 0.2
)

// Side identifies a paddle. Left is paddle 0, Right is paddle 1.
type Side int

const (
	Left  Side = 0
	Right Side = 1
)

var ErrInvalidPaddle = errors.New("pong: invalid paddle id")

// Listener receives every snapshot the engine emits. It is called from the
// tick goroutine and must not block.
type Listener interface {
	OnUpdate(u protocol.Update)
}

type ListenerFunc func(u protocol.Update)

func (f ListenerFunc) OnUpdate(u protocol.Update) { f(u) }

// Config tunes an Engine. Zero values fall back to the defaults.
type Config struct {
	FrameRate    int
	WinningScore int
	RoundPause   time.Duration
	Rand         *rand.Rand
	Now          func() time.Time
}

type element struct {
	x, y          float64
	width, height float64
	vx, vy        float64
}

// Engine owns the simulation state of one match. Ball and score are mutated
// only by Step, which the tick goroutine started by Start calls at the frame
// rate; paddles move under the same lock.
type Engine struct {
	logger *slog.Logger
	cfg    Config
	rng    *rand.Rand
	now    func() time.Time

	mu         sync.Mutex
	state      protocol.GameState
	table      element
	ball       element
	paddle1    element
	paddle2    element
	leftScore  int
	rightScore int
	pauseUntil time.Time
	listeners  []Listener

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
}

func NewEngine(logger *slog.Logger, cfg Config) *Engine {
	if cfg.FrameRate <= 0 {
		cfg.FrameRate = DefaultFrameRate
	}
	if cfg.WinningScore <= 0 {
		cfg.WinningScore = DefaultWinningScore
	}
	if cfg.RoundPause <= 0 {
		cfg.RoundPause = DefaultRoundPause
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	rng := cfg.Rand
	if rng == nil {
		seed := uint64(time.Now().UnixNano())
		rng = rand.New(rand.NewPCG(seed, seed>>1|1))
	}

	e := &Engine{
		logger: logger.WithGroup("engine"),
		cfg:    cfg,
		rng:    rng,
		now:    cfg.Now,
		state:  protocol.StateInitial,
		table:  element{width: TableWidth, height: TableHeight},
		ball:   element{width: BallSize, height: BallSize},
		paddle1: element{
			x: leftPaddleX, width: PaddleWidth, height: PaddleHeight, vy: PaddleSpeed,
		},
		paddle2: element{
			x: rightPaddleX, width: PaddleWidth, height: PaddleHeight, vy: PaddleSpeed,
		},
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	e.paddle1.y = (e.table.height - e.paddle1.height) / 2
	e.paddle2.y = (e.table.height - e.paddle2.height) / 2
	return e
}

// AddListener registers l for every subsequent snapshot. Listeners live as
// long as the engine.
func (e *Engine) AddListener(l Listener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = append(e.listeners, l)
}

// Start serves the ball and begins ticking. Calling Start again is a no-op.
func (e *Engine) Start() {
	e.startOnce.Do(func() {
		e.mu.Lock()
		e.state = protocol.StateNewGame
		e.leftScore, e.rightScore = 0, 0
		e.serveBall()
		e.state = protocol.StateInPlay
		e.mu.Unlock()

		e.logger.Debug("Engine started", slog.Int("frame_rate", e.cfg.FrameRate))
		go e.run()
	})
}

// Stop cancels ticking. It does not emit a final snapshot.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stop) })
}

// Done is closed once the tick goroutine has exited.
func (e *Engine) Done() <-chan struct{} {
	return e.done
}

func (e *Engine) run() {
	defer close(e.done)

	ticker := time.NewTicker(time.Second / time.Duration(e.cfg.FrameRate))
	defer ticker.Stop()

	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
			if !e.Step() {
				e.Stop()
				return
			}
		}
	}
}

// MovePaddle moves a paddle by delta*PaddleSpeed, clamped to the table.
// Unknown paddles are rejected without touching state.
func (e *Engine) MovePaddle(side int, delta float64) error {
	if side != int(Left) && side != int(Right) {
		e.logger.Warn("Invalid paddle id", slog.Int("paddle_id", side))
		return ErrInvalidPaddle
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	p := &e.paddle1
	if Side(side) == Right {
		p = &e.paddle2
	}
	p.y += p.vy * delta
	e.constrainPaddle(p)
	return nil
}

// Step advances the simulation by one tick and emits exactly one snapshot.
// It returns false once the game is over; later calls do nothing.
func (e *Engine) Step() bool {
	e.mu.Lock()
	if e.state == protocol.StateGameOver {
		e.mu.Unlock()
		return false
	}
	over := e.update()
	u := e.snapshotLocked()
	listeners := e.listeners
	e.mu.Unlock()

	for _, l := range listeners {
		l.OnUpdate(u)
	}
	return !over
}

// Snapshot returns the current state without advancing it.
func (e *Engine) Snapshot() protocol.Update {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

func (e *Engine) snapshotLocked() protocol.Update {
	return protocol.Update{
		State:      e.state,
		X:          e.ball.x,
		Y:          e.ball.y,
		VX:         e.ball.vx,
		VY:         e.ball.vy,
		Paddle1Y:   e.paddle1.y,
		Paddle2Y:   e.paddle2.y,
		LeftScore:  e.leftScore,
		RightScore: e.rightScore,
	}
}

func (e *Engine) constrainPaddle(p *element) {
	if p.y < 0 {
		p.y = 0
	}
	if maxY := e.table.height - p.height; p.y > maxY {
		p.y = maxY
	}
}

// update runs the physics for one tick and reports whether the game ended.
func (e *Engine) update() bool {
	ball := &e.ball

	if (ball.y < edgeMargin && ball.vy < 0) || (ball.y > e.table.height-edgeMargin && ball.vy > 0) {
		ball.vy = -ball.vy
	}

	if e.state == protocol.StateInPlay && (ball.x < 0 || ball.x > e.table.width) {
		if ball.x < 0 {
			e.rightScore++
		} else {
			e.leftScore++
		}

		if e.leftScore >= e.cfg.WinningScore || e.rightScore >= e.cfg.WinningScore {
			e.gameOver()
			return true
		}
		e.newRound()
	}

	if e.state == protocol.StateNewRound && !e.now().Before(e.pauseUntil) {
		e.state = protocol.StateInPlay
		e.serveBall()
	}

	if e.state == protocol.StateInPlay {
		if e.hitsLeftPaddle() || e.hitsRightPaddle() {
			ball.vx *= bounceXFactor
			ball.vy *= 1 + e.rng.Float64()*bounceYJitter
		}
		ball.x += ball.vx
		ball.y += ball.vy
	}
	return false
}

// A paddle only reflects a ball travelling toward it; without the direction
// check a ball still inside the reach on the next tick bounces twice.
func (e *Engine) hitsLeftPaddle() bool {
	p := &e.paddle1
	return e.ball.vx < 0 && e.ball.x < p.x+p.width+paddleReach && e.overlapsVertically(p)
}

func (e *Engine) hitsRightPaddle() bool {
	p := &e.paddle2
	return e.ball.vx > 0 && e.ball.x > p.x-paddleReach && e.overlapsVertically(p)
}

func (e *Engine) overlapsVertically(p *element) bool {
	return e.ball.y+e.ball.height > p.y && e.ball.y < p.y+p.height
}

func (e *Engine) serveBall() {
	e.ball.x = e.table.width / 2
	e.ball.y = e.table.height / 2
	e.ball.vx = serveVX * e.randomSign()
	e.ball.vy = serveVY * e.randomSign()
}

func (e *Engine) randomSign() float64 {
	return float64(e.rng.IntN(2)*2 - 1)
}

func (e *Engine) hideBall() {
	e.ball.x = -e.ball.width
	e.ball.y = -e.ball.height
	e.ball.vx = 0
	e.ball.vy = 0
}

func (e *Engine) newRound() {
	e.state = protocol.StateNewRound
	e.hideBall()
	e.pauseUntil = e.now().Add(e.cfg.RoundPause)
}

func (e *Engine) gameOver() {
	e.state = protocol.StateGameOver
	e.hideBall()
	e.logger.Debug("Game over", slog.Int("left_score", e.leftScore), slog.Int("right_score", e.rightScore))
}
