package analytics

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"
)

type record struct {
	Event      Event     `json:"event"`
	MatchID    string    `json:"matchId"`
	Left       string    `json:"left"`
	Right      string    `json:"right"`
	Winner     string    `json:"winner"`
	Abandoned  bool      `json:"abandoned"`
	DurationMS int64     `json:"durationMs"`
	TS         time.Time `json:"ts"`
}

type PlayerTotals struct {
	Matches int64
	Wins    int64
}

// Totals aggregates the event stream read back by the analytics consumer.
type Totals struct {
	Started       int64
	Finished      int64
	Abandoned     int64
	Points        int64
	LeftWins      int64
	RightWins     int64
	TotalDuration time.Duration
	// StartsByHour counts match starts per UTC hour of day.
	StartsByHour [24]int64
	Players      map[string]PlayerTotals
}

// Apply folds one raw event into t. Unknown events are ignored.
func (t *Totals) Apply(raw []byte) error {
	var r record
	if err := json.Unmarshal(raw, &r); err != nil {
		return fmt.Errorf("could not unmarshal event: %w", err)
	}
	if t.Players == nil {
		t.Players = make(map[string]PlayerTotals)
	}

	switch r.Event {
	case MatchStart:
		t.Started++
		if !r.TS.IsZero() {
			t.StartsByHour[r.TS.UTC().Hour()]++
		}
		for _, id := range []string{r.Left, r.Right} {
			if id == "" {
				continue
			}
			p := t.Players[id]
			p.Matches++
			t.Players[id] = p
		}
	case MatchPoint:
		t.Points++
	case MatchEnd:
		if r.Abandoned {
			t.Abandoned++
			return nil
		}
		t.Finished++
		t.TotalDuration += time.Duration(r.DurationMS) * time.Millisecond

		var winner string
		switch r.Winner {
		case "left":
			t.LeftWins++
			winner = r.Left
		case "right":
			t.RightWins++
			winner = r.Right
		}
		if winner != "" {
			p := t.Players[winner]
			p.Wins++
			t.Players[winner] = p
		}
	}
	return nil
}

func (t *Totals) AverageDuration() time.Duration {
	if t.Finished == 0 {
		return 0
	}
	return t.TotalDuration / time.Duration(t.Finished)
}

// TopPlayers returns up to n player ids ordered by wins, then matches.
func (t *Totals) TopPlayers(n int) []string {
	ids := make([]string, 0, len(t.Players))
	for id := range t.Players {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := t.Players[ids[i]], t.Players[ids[j]]
		if a.Wins != b.Wins {
			return a.Wins > b.Wins
		}
		if a.Matches != b.Matches {
			return a.Matches > b.Matches
		}
		return ids[i] < ids[j]
	})
	if len(ids) > n {
		ids = ids[:n]
	}
	return ids
}

func (t *Totals) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int64("started", t.Started),
		slog.Int64("finished", t.Finished),
		slog.Int64("abandoned", t.Abandoned),
		slog.Int64("points", t.Points),
		slog.Int64("left_wins", t.LeftWins),
		slog.Int64("right_wins", t.RightWins),
		slog.Duration("average_duration", t.AverageDuration()),
		slog.Any("top_players", t.TopPlayers(5)),
	)
}
