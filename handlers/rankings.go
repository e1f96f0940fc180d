// handlers/rankings.go
package handlers

import (
	"encoding/json"
	"errors"
	"sort"
	"strconv"
	"strings"

	"league-rankings/models"
	"league-rankings/services"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// RetryAfterSeconds is sent with 503 busy responses.
const RetryAfterSeconds = 30

type RankingsHandler struct {
	generator *services.Generator
	publisher *services.Publisher
	matches   *services.MatchStore
	log       *zap.Logger
}

func NewRankingsHandler(gen *services.Generator, pub *services.Publisher, matches *services.MatchStore, log *zap.Logger) *RankingsHandler {
	return &RankingsHandler{generator: gen, publisher: pub, matches: matches, log: log.Named("handlers")}
}

func SetupRankingRoutes(app *fiber.App, h *RankingsHandler, gatherer prometheus.Gatherer) {
	app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
	if gatherer != nil {
		app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	app.Get("/rankings.json", h.GetRankings)
	app.Post("/rankings/regenerate", h.Regenerate)

	api := app.Group("/api")
	api.Get("/players", h.GetPlayers)
	api.Post("/matches", h.SubmitMatch)
}

// outcomeStatus maps an outcome to an HTTP status. Busy is retryable.
func outcomeStatus(c *fiber.Ctx, out services.Outcome) int {
	switch {
	case out.OK():
		return fiber.StatusOK
	case out.Status == services.StatusBusy:
		c.Set(fiber.HeaderRetryAfter, strconv.Itoa(RetryAfterSeconds))
		return fiber.StatusServiceUnavailable
	default:
		return fiber.StatusInternalServerError
	}
}

func (h *RankingsHandler) Regenerate(c *fiber.Ctx) error {
	out := h.generator.Regenerate(c.UserContext())
	return c.Status(outcomeStatus(c, out)).JSON(out)
}

func (h *RankingsHandler) GetRankings(c *fiber.Ctx) error {
	obj, err := h.publisher.Latest(c.UserContext())
	if err != nil {
		if errors.Is(err, services.ErrNoRankings) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "No rankings available"})
		}
		h.log.Error("[Rankings] read failed", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to read rankings"})
	}
	if obj.Version != "" {
		c.Set(fiber.HeaderETag, strconv.Quote(strings.Trim(obj.Version, `"`)))
	}
	c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSONCharsetUTF8)
	return c.Send(obj.Data)
}

// GetPlayers lists every player who appears in the published rankings.
func (h *RankingsHandler) GetPlayers(c *fiber.Ctx) error {
	obj, err := h.publisher.Latest(c.UserContext())
	if err != nil {
		if errors.Is(err, services.ErrNoRankings) {
			return c.JSON([]string{})
		}
		h.log.Error("[Rankings] read failed", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to read rankings"})
	}
	var r models.Rankings
	if err := json.Unmarshal(obj.Data, &r); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "rankings document is unreadable"})
	}

	seen := map[string]bool{}
	for name := range r.Singles {
		seen[name] = true
	}
	for name := range r.Doubles {
		seen[name] = true
	}
	players := make([]string, 0, len(seen))
	for name := range seen {
		players = append(players, name)
	}
	sort.Strings(players)
	return c.JSON(players)
}
