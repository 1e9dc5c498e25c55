package matchmaking

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

type State string

const (
	StateWaiting  State = "WAITING"
	StateMatching State = "MATCHING"
	StateReady    State = "READY"
	StatePlaying  State = "PLAYING"
	StateGameOver State = "GAMEOVER"
)

var ErrInvalidPlayer = errors.New("matchmaking: invalid player record")

// Player is the matchmaking view of one connected client. Its identity is the
// connection id; the opponent is referenced by id only.
type Player struct {
	id     string
	server string
	joined time.Time

	mu       sync.Mutex
	state    State
	opponent string
	messages int64
}

func NewPlayer(id, server string) *Player {
	return &Player{id: id, server: server, joined: time.Now(), state: StateWaiting}
}

func (p *Player) ID() string     { return p.id }
func (p *Player) Server() string { return p.server }

// Joined is when this process created the player. Decoded players report the
// time they were decoded.
func (p *Player) Joined() time.Time { return p.joined }

func (p *Player) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Player) SetState(s State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = s
}

func (p *Player) Opponent() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.opponent
}

func (p *Player) SetOpponent(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.opponent = id
}

// IncrMessages counts one message received from the client.
func (p *Player) IncrMessages() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages++
	return p.messages
}

func (p *Player) Messages() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.messages
}

type playerRecord struct {
	ID       *string `json:"id"`
	Server   *string `json:"server"`
	State    *State  `json:"state"`
	Opponent string  `json:"opponent"`
	Messages int64   `json:"messages"`
}

// MarshalJSON serializes the player as a value so other processes can
// rebuild it.
func (p *Player) MarshalJSON() ([]byte, error) {
	p.mu.Lock()
	state, opponent, messages := p.state, p.opponent, p.messages
	p.mu.Unlock()

	return json.Marshal(playerRecord{
		ID:       &p.id,
		Server:   &p.server,
		State:    &state,
		Opponent: opponent,
		Messages: messages,
	})
}

// DecodePlayer rebuilds a player from its queue record. Unknown fields and a
// missing id, server or state are rejected.
func DecodePlayer(data []byte) (*Player, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var rec playerRecord
	if err := dec.Decode(&rec); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPlayer, err)
	}

	switch {
	case rec.ID == nil || *rec.ID == "":
		return nil, fmt.Errorf("%w: missing id", ErrInvalidPlayer)
	case rec.Server == nil || *rec.Server == "":
		return nil, fmt.Errorf("%w: missing server", ErrInvalidPlayer)
	case rec.State == nil:
		return nil, fmt.Errorf("%w: missing state", ErrInvalidPlayer)
	}

	switch *rec.State {
	case StateWaiting, StateMatching, StateReady, StatePlaying, StateGameOver:
	default:
		return nil, fmt.Errorf("%w: unknown state %q", ErrInvalidPlayer, *rec.State)
	}

	return &Player{
		id:       *rec.ID,
		server:   *rec.Server,
		joined:   time.Now(),
		state:    *rec.State,
		opponent: rec.Opponent,
		messages: rec.Messages,
	}, nil
}
