// handlers/matches.go
package handlers

import (
	"errors"
	"time"

	"league-rankings/models"
	"league-rankings/services"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

// MatchSubmission is the JSON body posted by the match form.
type MatchSubmission struct {
	Type       string       `json:"type"`
	Date       string       `json:"date"`
	Players    []string     `json:"players"`
	Team1      []string     `json:"team1"`
	Team2      []string     `json:"team2"`
	Games      []GameScores `json:"games"`
	Winner     string       `json:"winner"`
	WinnerTeam int          `json:"winner_team"`
}

type GameScores struct {
	Player1Score *int `json:"player1_score"`
	Player2Score *int `json:"player2_score"`
	Team1Score   *int `json:"team1_score"`
	Team2Score   *int `json:"team2_score"`
}

func pick(ps ...*int) int {
	for _, p := range ps {
		if p != nil {
			return *p
		}
	}
	return 0
}

// Record converts the form body into a MatchRecord.
func (s MatchSubmission) Record() (models.MatchRecord, error) {
	if s.Type == "" || s.Date == "" {
		return models.MatchRecord{}, errors.New("Missing match type or date")
	}
	date, err := time.Parse(models.DateLayout, s.Date)
	if err != nil {
		return models.MatchRecord{}, errors.New("Invalid date, expected YYYY-MM-DD")
	}

	rec := models.MatchRecord{Date: date, Mode: s.Type}
	switch s.Type {
	case models.ModeSingles:
		if len(s.Players) > 0 {
			rec.SideA = s.Players[:1]
		}
		if len(s.Players) > 1 {
			rec.SideB = s.Players[1:]
		}
		if len(s.Players) >= 2 {
			switch services.NormalizePlayer(s.Winner) {
			case "":
			case services.NormalizePlayer(s.Players[0]):
				rec.DeclaredWinner = models.SideA
			case services.NormalizePlayer(s.Players[1]):
				rec.DeclaredWinner = models.SideB
			}
		}
	case models.ModeDoubles:
		rec.SideA = s.Team1
		rec.SideB = s.Team2
		if s.WinnerTeam == 1 || s.WinnerTeam == 2 {
			rec.DeclaredWinner = models.Side(s.WinnerTeam)
		}
	default:
		return models.MatchRecord{}, errors.New("Invalid match type")
	}

	for _, g := range s.Games {
		rec.Games = append(rec.Games, models.GameScore{
			A: pick(g.Player1Score, g.Team1Score),
			B: pick(g.Player2Score, g.Team2Score),
		})
	}
	return rec, nil
}

// SubmitMatch stores the match, then regenerates rankings in the same request.
func (h *RankingsHandler) SubmitMatch(c *fiber.Ctx) error {
	var body MatchSubmission
	if err := c.BodyParser(&body); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "No data provided"})
	}
	rec, err := body.Record()
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}

	key, err := h.matches.Put(c.UserContext(), rec)
	if err != nil {
		if errors.Is(err, services.ErrMalformedRecord) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
		}
		h.log.Error("[Matches] store failed", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to store match"})
	}
	h.log.Info("[Matches] saved match", zap.String("key", key))

	out := h.generator.Regenerate(c.UserContext())
	switch out.Status {
	case services.StatusFailed:
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"message":  "Match saved but rankings update failed. Please check server logs.",
			"filename": key,
			"rankings": out,
		})
	case services.StatusBusy:
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
			"message":  "Match saved. Rankings will include it on the next regeneration.",
			"filename": key,
			"rankings": out,
		})
	}
	return c.JSON(fiber.Map{
		"message":  "Match recorded successfully!",
		"filename": key,
		"rankings": out,
	})
}
