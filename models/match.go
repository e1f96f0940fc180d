package models

import (
	"time"
)

const (
	ModeSingles = "singles"
	ModeDoubles = "doubles"
)

// DateLayout is the calendar date format used in match records and keys.
const DateLayout = "2006-01-02"

// MaxGames is the longest match: best of three.
const MaxGames = 3

// Side identifies one half of a match. SideNone means "not decided".
type Side int

const (
	SideNone Side = 0
	SideA    Side = 1
	SideB    Side = 2
)

// GameScore is one played game: points scored by side A and side B.
type GameScore struct {
	A int `json:"a" yaml:"a"`
	B int `json:"b" yaml:"b"`
}

// Blank reports whether the game is an empty form row rather than a played game.
func (g GameScore) Blank() bool {
	return g.A == 0 && g.B == 0
}

// Winner returns the side with the strictly higher score, or SideNone for a tie.
func (g GameScore) Winner() Side {
	switch {
	case g.A > g.B:
		return SideA
	case g.B > g.A:
		return SideB
	default:
		return SideNone
	}
}

// MatchRecord is a single submitted match. Records are immutable once stored.
type MatchRecord struct {
	ID    string      `json:"id"`
	Date  time.Time   `json:"date"`
	Mode  string      `json:"mode"` // singles | doubles
	SideA []string    `json:"side_a"`
	SideB []string    `json:"side_b"`
	Games []GameScore `json:"games"`

	// DeclaredWinner is what the submission form recorded. Only consulted when
	// the played games have no majority.
	DeclaredWinner Side `json:"declared_winner,omitempty"`

	RecordedAt time.Time `json:"recorded_at"`
	ModifiedAt time.Time `json:"modified_at"` // filled from the store on read
}

// PlayersPerSide is 1 for singles and 2 for doubles.
func (m *MatchRecord) PlayersPerSide() int {
	if m.Mode == ModeDoubles {
		return 2
	}
	return 1
}

// PlayedGames drops blank rows; it never pads.
func (m *MatchRecord) PlayedGames() []GameScore {
	played := make([]GameScore, 0, len(m.Games))
	for _, g := range m.Games {
		if !g.Blank() {
			played = append(played, g)
		}
	}
	return played
}

// Winner derives the match winner from the majority of played games, falling
// back to the declared winner when the games are level.
func (m *MatchRecord) Winner() Side {
	var a, b int
	for _, g := range m.PlayedGames() {
		switch g.Winner() {
		case SideA:
			a++
		case SideB:
			b++
		}
	}
	switch {
	case a > b:
		return SideA
	case b > a:
		return SideB
	}
	if m.DeclaredWinner == SideA || m.DeclaredWinner == SideB {
		return m.DeclaredWinner
	}
	return SideNone
}

// Players returns every participant, side A first.
func (m *MatchRecord) Players() []string {
	out := make([]string, 0, len(m.SideA)+len(m.SideB))
	out = append(out, m.SideA...)
	return append(out, m.SideB...)
}
