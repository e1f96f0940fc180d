package services

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"league-rankings/models"

	"github.com/gosimple/unidecode"
	"golang.org/x/text/unicode/norm"
)

const (
	DefaultKFactor = 32.0
	DefaultRating  = 1200.0
)

// MalformedPolicy decides what a bad record does to a generation.
type MalformedPolicy string

const (
	MalformedSkip MalformedPolicy = "skip"
	MalformedFail MalformedPolicy = "fail"
)

var ErrMalformedRecord = errors.New("malformed match record")

// Expected is the logistic expectation of a side rated ra against one rated rb.
func Expected(ra, rb float64) float64 {
	return 1.0 / (1.0 + math.Pow(10, (rb-ra)/400.0))
}

// Ladder maps an identifier (player or team) to its rating.
type Ladder map[string]*models.PlayerRating

func (l Ladder) get(id string, seed float64) *models.PlayerRating {
	r, ok := l[id]
	if !ok {
		r = &models.PlayerRating{Player: id, Rating: seed}
		l[id] = r
	}
	return r
}

// EngineResult is the full output of one pass.
type EngineResult struct {
	Singles      Ladder
	Doubles      Ladder // individual players, team strength = average of teammates
	DoublesTeams Ladder // each distinct pairing rated as its own entity
	Processed    int
	Skipped      []models.SkippedRecord
}

// RatingEngine turns match history into ratings. It does no I/O.
type RatingEngine struct {
	K             float64
	DefaultRating float64
	Policy        MalformedPolicy
}

func NewRatingEngine(k, seed float64, policy MalformedPolicy) *RatingEngine {
	if k <= 0 {
		k = DefaultKFactor
	}
	if seed == 0 {
		seed = DefaultRating
	}
	if policy == "" {
		policy = MalformedSkip
	}
	return &RatingEngine{K: k, DefaultRating: seed, Policy: policy}
}

// SortMatches orders records by date of play, then submission time, then ID.
// Same-day matches are therefore replayed in the order they were recorded.
func SortMatches(records []models.MatchRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		a, b := records[i], records[j]
		if !a.Date.Equal(b.Date) {
			return a.Date.Before(b.Date)
		}
		if !a.RecordedAt.Equal(b.RecordedAt) {
			return a.RecordedAt.Before(b.RecordedAt)
		}
		return a.ID < b.ID
	})
}

// Compute replays records in chronological order. The input slice is not modified.
func (e *RatingEngine) Compute(records []models.MatchRecord) (*EngineResult, error) {
	ordered := make([]models.MatchRecord, len(records))
	copy(ordered, records)
	SortMatches(ordered)

	res := &EngineResult{
		Singles:      Ladder{},
		Doubles:      Ladder{},
		DoublesTeams: Ladder{},
	}

	for i := range ordered {
		m := &ordered[i]
		prepared, err := prepareMatch(m)
		if err != nil {
			if e.Policy == MalformedFail {
				return nil, fmt.Errorf("%w: %s: %v", ErrMalformedRecord, m.ID, err)
			}
			res.Skipped = append(res.Skipped, models.SkippedRecord{ID: m.ID, Reason: err.Error()})
			continue
		}

		switch prepared.mode {
		case models.ModeSingles:
			e.applySingles(res.Singles, prepared)
		case models.ModeDoubles:
			e.applyDoublesIndividual(res.Doubles, prepared)
			e.applyDoublesTeam(res.DoublesTeams, prepared)
		}
		res.Processed++
	}
	return res, nil
}

type preparedMatch struct {
	mode        string
	winners     []string
	losers      []string
	winnerGames int
	loserGames  int
}

// NormalizePlayer trims and NFC-normalizes an identifier so the same name
// typed on different devices maps to one player.
func NormalizePlayer(name string) string {
	return norm.NFC.String(strings.Join(strings.Fields(name), " "))
}

// TeamID joins teammates in sorted order: "Ana & Bob".
func TeamID(players []string) string {
	sorted := append([]string(nil), players...)
	sort.Strings(sorted)
	return strings.Join(sorted, " & ")
}

func prepareMatch(m *models.MatchRecord) (*preparedMatch, error) {
	if m.Mode != models.ModeSingles && m.Mode != models.ModeDoubles {
		return nil, fmt.Errorf("unknown mode %q", m.Mode)
	}
	per := m.PlayersPerSide()
	if len(m.SideA) != per || len(m.SideB) != per {
		return nil, fmt.Errorf("%s match needs %d player(s) per side, got %d and %d", m.Mode, per, len(m.SideA), len(m.SideB))
	}

	seen := make(map[string]bool, 2*per)
	a := make([]string, 0, per)
	b := make([]string, 0, per)
	for i, p := range m.Players() {
		id := NormalizePlayer(p)
		if id == "" {
			return nil, errors.New("missing player")
		}
		if seen[id] {
			return nil, fmt.Errorf("player %q appears twice", id)
		}
		seen[id] = true
		if i < per {
			a = append(a, id)
		} else {
			b = append(b, id)
		}
	}

	if len(m.Games) > models.MaxGames {
		return nil, fmt.Errorf("%d games recorded, at most %d allowed", len(m.Games), models.MaxGames)
	}
	played := m.PlayedGames()
	if len(played) == 0 {
		return nil, errors.New("no games played")
	}
	for _, g := range played {
		if g.A < 0 || g.B < 0 {
			return nil, errors.New("negative score")
		}
	}

	var gamesA, gamesB int
	for _, g := range played {
		switch g.Winner() {
		case models.SideA:
			gamesA++
		case models.SideB:
			gamesB++
		}
	}

	p := &preparedMatch{mode: m.Mode}
	switch m.Winner() {
	case models.SideA:
		p.winners, p.losers = a, b
		p.winnerGames, p.loserGames = gamesA, gamesB
	case models.SideB:
		p.winners, p.losers = b, a
		p.winnerGames, p.loserGames = gamesB, gamesA
	default:
		return nil, errors.New("no winner: games are level and none was declared")
	}
	return p, nil
}

// applySingles: both players read pre-match ratings, then receive opposite deltas.
func (e *RatingEngine) applySingles(l Ladder, p *preparedMatch) {
	w := l.get(p.winners[0], e.DefaultRating)
	lo := l.get(p.losers[0], e.DefaultRating)

	delta := e.K * (1 - Expected(w.Rating, lo.Rating))
	w.Rating += delta
	lo.Rating -= delta

	tally(w, true, p.winnerGames, p.loserGames)
	tally(lo, false, p.loserGames, p.winnerGames)
}

// applyDoublesIndividual rates each side at the mean of its players' ratings
// and moves every teammate by the same amount.
func (e *RatingEngine) applyDoublesIndividual(l Ladder, p *preparedMatch) {
	winners := make([]*models.PlayerRating, len(p.winners))
	losers := make([]*models.PlayerRating, len(p.losers))
	for i, id := range p.winners {
		winners[i] = l.get(id, e.DefaultRating)
	}
	for i, id := range p.losers {
		losers[i] = l.get(id, e.DefaultRating)
	}

	delta := e.K * (1 - Expected(mean(winners), mean(losers)))
	for _, r := range winners {
		r.Rating += delta
		tally(r, true, p.winnerGames, p.loserGames)
	}
	for _, r := range losers {
		r.Rating -= delta
		tally(r, false, p.loserGames, p.winnerGames)
	}
}

func (e *RatingEngine) applyDoublesTeam(l Ladder, p *preparedMatch) {
	w := l.get(TeamID(p.winners), e.DefaultRating)
	lo := l.get(TeamID(p.losers), e.DefaultRating)

	delta := e.K * (1 - Expected(w.Rating, lo.Rating))
	w.Rating += delta
	lo.Rating -= delta

	tally(w, true, p.winnerGames, p.loserGames)
	tally(lo, false, p.loserGames, p.winnerGames)
}

func mean(rs []*models.PlayerRating) float64 {
	var sum float64
	for _, r := range rs {
		sum += r.Rating
	}
	return sum / float64(len(rs))
}

func tally(r *models.PlayerRating, won bool, gamesWon, gamesLost int) {
	if won {
		r.Wins++
	} else {
		r.Losses++
	}
	r.GamesWon += gamesWon
	r.GamesLost += gamesLost
	r.MatchesPlayed++
}

// Rank converts a ladder into the published entries. Order is rating
// descending; ties fall back to the ASCII-folded name, then the raw name.
func Rank(l Ladder) map[string]models.RankingEntry {
	ids := make([]string, 0, len(l))
	for id := range l {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		ri, rj := l[ids[i]].Rating, l[ids[j]].Rating
		if ri != rj {
			return ri > rj
		}
		fi, fj := strings.ToLower(unidecode.Unidecode(ids[i])), strings.ToLower(unidecode.Unidecode(ids[j]))
		if fi != fj {
			return fi < fj
		}
		return ids[i] < ids[j]
	})

	out := make(map[string]models.RankingEntry, len(ids))
	for i, id := range ids {
		r := l[id]
		var pct float64
		if r.MatchesPlayed > 0 {
			pct = round1(float64(r.Wins) / float64(r.MatchesPlayed) * 100)
		}
		out[id] = models.RankingEntry{
			Rank:          i + 1,
			Rating:        round1(r.Rating),
			Wins:          r.Wins,
			Losses:        r.Losses,
			WinPct:        pct,
			GamesWon:      r.GamesWon,
			GamesLost:     r.GamesLost,
			MatchesPlayed: r.MatchesPlayed,
		}
	}
	return out
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
