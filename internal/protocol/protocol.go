// Package protocol defines the messages exchanged between the pong server,
// its clients and its peer processes.
//
// Outbound messages are JSON objects tagged with a "type" discriminant:
//
//	{"type":"Update","state":"INPLAY","x":300,"y":185,...}
//
// Inbound paddle commands are untagged: {"id":0,"y":-1}.
package protocol

// Type is the wire discriminant of a tagged message.
type Type string

const (
	TypeUpdate         Type = "Update"
	TypeStatsUpdate    Type = "StatsUpdate"
	TypeWebSocketError Type = "WebSocketError"
)

// Message is implemented by every tagged message.
type Message interface {
	Type() Type
}

// GameState is the simulation state tag carried by Update.
type GameState string

const (
	StateInitial  GameState = "INITIAL"
	StateNewGame  GameState = "NEWGAME"
	StateNewRound GameState = "NEWROUND"
	StateInPlay   GameState = "INPLAY"
	StateGameOver GameState = "GAMEOVER"
)

func (s GameState) valid() bool {
	switch s {
	case StateInitial, StateNewGame, StateNewRound, StateInPlay, StateGameOver:
		return true
	}
	return false
}

// Update is a full snapshot of one match's simulation.
type Update struct {
	State      GameState `json:"state"`
	X          float64   `json:"x"`
	Y          float64   `json:"y"`
	VX         float64   `json:"vx"`
	VY         float64   `json:"vy"`
	Paddle1Y   float64   `json:"paddle1y"`
	Paddle2Y   float64   `json:"paddle2y"`
	LeftScore  int       `json:"leftScore"`
	RightScore int       `json:"rightScore"`
}

func (Update) Type() Type { return TypeUpdate }

// GlobalStats are instance-wide counters read from the shared store.
type GlobalStats struct {
	CurrentInstanceCount int64 `json:"currentInstanceCount"`
	PeakInstanceCount    int64 `json:"peakInstanceCount"`
	TotalInstanceCount   int64 `json:"totalInstanceCount"`
	CurrentGameCount     int64 `json:"currentGameCount"`
	PeakGameCount        int64 `json:"peakGameCount"`
	TotalGameCount       int64 `json:"totalGameCount"`
	CurrentPlayerCount   int64 `json:"currentPlayerCount"`
	PeakPlayerCount      int64 `json:"peakPlayerCount"`
	TotalPlayerCount     int64 `json:"totalPlayerCount"`
	CurrentQueueCount    int64 `json:"currentQueueCount"`
	PeakQueueCount       int64 `json:"peakQueueCount"`
	TotalQueueCount      int64 `json:"totalQueueCount"`
}

// ServerStats are local to one server process. Times are unix milliseconds,
// durations are milliseconds.
type ServerStats struct {
	ServerID               string  `json:"serverId"`
	RunningSince           int64   `json:"runningSince"`
	Uptime                 int64   `json:"uptime"`
	CurrentConnectionCount int64   `json:"currentConnectionCount"`
	PeakConnectionCount    int64   `json:"peakConnectionCount"`
	TotalConnectionCount   int64   `json:"totalConnectionCount"`
	Messages               int64   `json:"messages"`
	MPS                    float64 `json:"mps"`
}

// PlayerStats describe the player on the receiving socket.
type PlayerStats struct {
	PlayerID   string  `json:"playerId"`
	OpponentID string  `json:"opponentId"`
	State      string  `json:"state"`
	Messages   int64   `json:"messages"`
	MPS        float64 `json:"mps"`
}

type StatsUpdate struct {
	Global GlobalStats `json:"global"`
	Server ServerStats `json:"server"`
	Player PlayerStats `json:"player"`
}

func (StatsUpdate) Type() Type { return TypeStatsUpdate }

// WebSocketError is synthesized locally when a transport fails. It is never
// produced by the simulation.
type WebSocketError struct {
	Message string `json:"message"`
}

func (WebSocketError) Type() Type { return TypeWebSocketError }

// PaddleCommand is the untagged inbound client message: move paddle ID by Y
// units of paddle speed.
type PaddleCommand struct {
	ID int     `json:"id"`
	Y  float64 `json:"y"`
}
