package services

import (
	"errors"
	"math"
	"testing"
	"time"

	"league-rankings/models"
)

func day(s string) time.Time {
	t, err := time.Parse(models.DateLayout, s)
	if err != nil {
		panic(err)
	}
	return t
}

func singles(id, date, a, b string, games ...models.GameScore) models.MatchRecord {
	return models.MatchRecord{
		ID:    id,
		Date:  day(date),
		Mode:  models.ModeSingles,
		SideA: []string{a},
		SideB: []string{b},
		Games: games,
	}
}

func doubles(id, date string, a, b []string, games ...models.GameScore) models.MatchRecord {
	return models.MatchRecord{
		ID:    id,
		Date:  day(date),
		Mode:  models.ModeDoubles,
		SideA: a,
		SideB: b,
		Games: games,
	}
}

func near(a, b, eps float64) bool {
	return math.Abs(a-b) <= eps
}

func TestExpected(t *testing.T) {
	if got := Expected(1200, 1200); got != 0.5 {
		t.Fatalf("equal ratings: expected 0.5, got %v", got)
	}
	if got := Expected(1200, 1300); !near(got, 0.36, 0.001) {
		t.Fatalf("100 points down: expected ~0.36, got %v", got)
	}
	if sum := Expected(1400, 1250) + Expected(1250, 1400); !near(sum, 1, 1e-12) {
		t.Fatalf("expectations must sum to 1, got %v", sum)
	}
}

func TestSinglesOneGame(t *testing.T) {
	e := NewRatingEngine(32, 1200, MalformedSkip)
	res, err := e.Compute([]models.MatchRecord{
		singles("m1", "2024-03-01", "A", "B", models.GameScore{A: 11, B: 7}),
	})
	if err != nil {
		t.Fatalf("compute: %v", err)
	}

	a, b := res.Singles["A"], res.Singles["B"]
	if a.Rating != 1216 || b.Rating != 1184 {
		t.Fatalf("expected 1216/1184, got %v/%v", a.Rating, b.Rating)
	}
	if a.Wins != 1 || a.Losses != 0 || b.Wins != 0 || b.Losses != 1 {
		t.Fatalf("unexpected win/loss tally: A=%+v B=%+v", a, b)
	}
	if a.GamesWon != 1 || a.GamesLost != 0 || b.GamesWon != 0 || b.GamesLost != 1 {
		t.Fatalf("unexpected games tally: A=%+v B=%+v", a, b)
	}
	if a.MatchesPlayed != 1 || b.MatchesPlayed != 1 {
		t.Fatalf("matches played should be 1 each")
	}
	if res.Processed != 1 {
		t.Fatalf("expected 1 processed, got %d", res.Processed)
	}
}

func TestDoublesAverageRule(t *testing.T) {
	// C and D come in at 1300; A and B are new at 1200.
	e := NewRatingEngine(32, 1200, MalformedSkip)
	res := &EngineResult{Doubles: Ladder{}, DoublesTeams: Ladder{}}
	res.Doubles["C"] = &models.PlayerRating{Player: "C", Rating: 1300}
	res.Doubles["D"] = &models.PlayerRating{Player: "D", Rating: 1300}

	m := doubles("m1", "2024-03-01", []string{"A", "B"}, []string{"C", "D"},
		models.GameScore{A: 11, B: 8},
		models.GameScore{A: 6, B: 11},
		models.GameScore{A: 11, B: 9},
	)
	p, err := prepareMatch(&m)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	e.applyDoublesIndividual(res.Doubles, p)

	// The underdogs expect ~0.36 of a win, so each gains 32*(1-0.36).
	want := 32 * (1 - Expected(1200, 1300))
	if !near(Expected(1200, 1300), 0.36, 0.005) {
		t.Fatalf("expected score for the 1200 side: %v", Expected(1200, 1300))
	}
	if !near(want, 20.48, 0.01) {
		t.Fatalf("expected delta ~20.48, got %v", want)
	}
	for _, id := range []string{"A", "B"} {
		if got := res.Doubles[id].Rating - 1200; !near(got, want, 1e-9) {
			t.Fatalf("%s: expected +%v, got %+v", id, want, got)
		}
		if res.Doubles[id].GamesWon != 2 || res.Doubles[id].GamesLost != 1 {
			t.Fatalf("%s: expected games 2-1, got %+v", id, res.Doubles[id])
		}
	}
	for _, id := range []string{"C", "D"} {
		if got := 1300 - res.Doubles[id].Rating; !near(got, want, 1e-9) {
			t.Fatalf("%s: expected -%v, got -%v", id, want, got)
		}
	}
}

func TestDoublesTeamLadder(t *testing.T) {
	e := NewRatingEngine(32, 1200, MalformedSkip)
	res, err := e.Compute([]models.MatchRecord{
		doubles("m1", "2024-03-01", []string{"Bob", "Ana"}, []string{"Cy", "Di"},
			models.GameScore{A: 11, B: 3}, models.GameScore{A: 11, B: 5}),
	})
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	team, ok := res.DoublesTeams["Ana & Bob"]
	if !ok {
		t.Fatalf("expected sorted team id, got %v", res.DoublesTeams)
	}
	if team.Rating != 1216 || team.GamesWon != 2 {
		t.Fatalf("unexpected team rating: %+v", team)
	}
	if res.DoublesTeams["Cy & Di"].Rating != 1184 {
		t.Fatalf("losing team should drop to 1184")
	}
	if len(res.Singles) != 0 {
		t.Fatalf("doubles must not touch the singles ladder")
	}
}

func TestBlankGamesAreNotPadded(t *testing.T) {
	e := NewRatingEngine(32, 1200, MalformedSkip)
	res, err := e.Compute([]models.MatchRecord{
		singles("m1", "2024-03-01", "A", "B",
			models.GameScore{A: 11, B: 4},
			models.GameScore{A: 0, B: 0},
			models.GameScore{A: 0, B: 0},
		),
	})
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	a := res.Singles["A"]
	if a.GamesWon != 1 || a.GamesLost != 0 {
		t.Fatalf("blank rows must not count as games: %+v", a)
	}
}

func TestLegacyScoreMatchesOneGame(t *testing.T) {
	legacy := []byte("date: 2024-03-01\nplayers: [A, B]\nscore:\n  player1_games: 11\n  player2_games: 7\nwinner: A\n")
	current := []byte("date: 2024-03-01\nplayers: [A, B]\ngames:\n  - player1_score: 11\n    player2_score: 7\nwinner: A\n")

	recLegacy, err := DecodeMatch("matches/singles/2024-03-01-a-vs-b-legacy.yml", legacy)
	if err != nil {
		t.Fatalf("decode legacy: %v", err)
	}
	recCurrent, err := DecodeMatch("matches/singles/2024-03-01-a-vs-b-current.yml", current)
	if err != nil {
		t.Fatalf("decode current: %v", err)
	}

	e := NewRatingEngine(32, 1200, MalformedSkip)
	r1, err := e.Compute([]models.MatchRecord{recLegacy})
	if err != nil {
		t.Fatalf("compute legacy: %v", err)
	}
	r2, err := e.Compute([]models.MatchRecord{recCurrent})
	if err != nil {
		t.Fatalf("compute current: %v", err)
	}
	if *r1.Singles["A"] != *r2.Singles["A"] || *r1.Singles["B"] != *r2.Singles["B"] {
		t.Fatalf("legacy and one-game records differ: %+v vs %+v", r1.Singles["A"], r2.Singles["A"])
	}
}

func TestDeterministicRegardlessOfInputOrder(t *testing.T) {
	history := []models.MatchRecord{
		singles("m1", "2024-03-01", "A", "B", models.GameScore{A: 11, B: 7}),
		singles("m2", "2024-03-02", "B", "C", models.GameScore{A: 11, B: 9}, models.GameScore{A: 11, B: 2}),
		singles("m3", "2024-03-02", "A", "C", models.GameScore{A: 3, B: 11}),
		singles("m4", "2024-03-05", "C", "B", models.GameScore{A: 11, B: 13}),
		doubles("m5", "2024-03-03", []string{"A", "B"}, []string{"C", "D"}, models.GameScore{A: 11, B: 5}),
	}
	reversed := make([]models.MatchRecord, len(history))
	for i := range history {
		reversed[len(history)-1-i] = history[i]
	}

	e := NewRatingEngine(32, 1200, MalformedSkip)
	r1, err := e.Compute(history)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	r2, err := e.Compute(reversed)
	if err != nil {
		t.Fatalf("compute reversed: %v", err)
	}
	for id, want := range r1.Singles {
		if got := r2.Singles[id]; *got != *want {
			t.Fatalf("%s differs between runs: %+v vs %+v", id, want, got)
		}
	}
	for id, want := range r1.Doubles {
		if got := r2.Doubles[id]; *got != *want {
			t.Fatalf("%s differs between runs: %+v vs %+v", id, want, got)
		}
	}
	if history[0].ID != "m1" {
		t.Fatalf("Compute must not reorder its input")
	}
}

func TestSameDayOrderUsesRecordedAt(t *testing.T) {
	base := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	first := singles("zzz", "2024-03-01", "A", "B", models.GameScore{A: 11, B: 1})
	first.RecordedAt = base
	second := singles("aaa", "2024-03-01", "B", "A", models.GameScore{A: 11, B: 1})
	second.RecordedAt = base.Add(time.Hour)

	records := []models.MatchRecord{second, first}
	SortMatches(records)
	if records[0].ID != "zzz" {
		t.Fatalf("expected earlier submission first, got %s", records[0].ID)
	}

	second.RecordedAt = base
	records = []models.MatchRecord{first, second}
	SortMatches(records)
	if records[0].ID != "aaa" {
		t.Fatalf("expected ID tie-break, got %s", records[0].ID)
	}
}

func TestMalformedRecords(t *testing.T) {
	bad := []models.MatchRecord{
		singles("no-games", "2024-03-01", "A", "B"),
		singles("blank-only", "2024-03-01", "A", "B", models.GameScore{}),
		singles("same-player", "2024-03-01", "A", " A ", models.GameScore{A: 11, B: 2}),
		singles("no-winner", "2024-03-01", "A", "B", models.GameScore{A: 10, B: 10}),
		singles("four-games", "2024-03-01", "A", "B",
			models.GameScore{A: 11, B: 2}, models.GameScore{A: 2, B: 11},
			models.GameScore{A: 11, B: 2}, models.GameScore{A: 11, B: 2}),
		doubles("short-team", "2024-03-01", []string{"A"}, []string{"C", "D"}, models.GameScore{A: 11, B: 2}),
		{ID: "bad-mode", Date: day("2024-03-01"), Mode: "triples", SideA: []string{"A"}, SideB: []string{"B"}, Games: []models.GameScore{{A: 1, B: 0}}},
	}
	good := singles("good", "2024-03-02", "A", "B", models.GameScore{A: 11, B: 7})

	t.Run("skip", func(t *testing.T) {
		e := NewRatingEngine(32, 1200, MalformedSkip)
		res, err := e.Compute(append(append([]models.MatchRecord{}, bad...), good))
		if err != nil {
			t.Fatalf("skip policy must not fail: %v", err)
		}
		if len(res.Skipped) != len(bad) {
			t.Fatalf("expected %d skipped, got %d: %+v", len(bad), len(res.Skipped), res.Skipped)
		}
		if res.Processed != 1 || res.Singles["A"].Rating != 1216 {
			t.Fatalf("good record must be applied alone: %+v", res.Singles["A"])
		}
	})

	t.Run("fail", func(t *testing.T) {
		e := NewRatingEngine(32, 1200, MalformedFail)
		_, err := e.Compute(append(append([]models.MatchRecord{}, bad...), good))
		if !errors.Is(err, ErrMalformedRecord) {
			t.Fatalf("expected ErrMalformedRecord, got %v", err)
		}
	})
}

func TestDeclaredWinnerBreaksLevelGames(t *testing.T) {
	m := singles("m1", "2024-03-01", "A", "B", models.GameScore{A: 11, B: 5}, models.GameScore{A: 5, B: 11})
	m.DeclaredWinner = models.SideB

	res, err := NewRatingEngine(32, 1200, MalformedSkip).Compute([]models.MatchRecord{m})
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if res.Singles["B"].Wins != 1 || res.Singles["B"].Rating != 1216 {
		t.Fatalf("declared winner should win: %+v", res.Singles["B"])
	}
	if res.Singles["B"].GamesWon != 1 || res.Singles["B"].GamesLost != 1 {
		t.Fatalf("games are still tallied as played: %+v", res.Singles["B"])
	}
}

func TestNormalizePlayer(t *testing.T) {
	decomposed := "Jose\u0301"
	composed := "Jos\u00e9"
	if NormalizePlayer(decomposed) != NormalizePlayer(composed) {
		t.Fatalf("NFC forms should match")
	}
	if got := NormalizePlayer("  Ana   Maria "); got != "Ana Maria" {
		t.Fatalf("expected collapsed whitespace, got %q", got)
	}
}

func TestRank(t *testing.T) {
	l := Ladder{
		"Zoe":   {Player: "Zoe", Rating: 1216.04, Wins: 1, MatchesPlayed: 1},
		"Émile": {Player: "Émile", Rating: 1200, Wins: 1, Losses: 1, MatchesPlayed: 2},
		"Adam":  {Player: "Adam", Rating: 1200, Losses: 1, MatchesPlayed: 1},
		"Bea":   {Player: "Bea", Rating: 1183.96, Losses: 3, MatchesPlayed: 3},
	}
	got := Rank(l)

	order := map[string]int{"Zoe": 1, "Adam": 2, "Émile": 3, "Bea": 4}
	for name, rank := range order {
		if got[name].Rank != rank {
			t.Fatalf("%s: expected rank %d, got %d", name, rank, got[name].Rank)
		}
	}
	if got["Zoe"].Rating != 1216 {
		t.Fatalf("expected rating rounded to 0.1, got %v", got["Zoe"].Rating)
	}
	if got["Émile"].WinPct != 50 {
		t.Fatalf("expected 50%% win rate, got %v", got["Émile"].WinPct)
	}
	if got["Bea"].WinPct != 0 {
		t.Fatalf("expected 0%% win rate, got %v", got["Bea"].WinPct)
	}
}
