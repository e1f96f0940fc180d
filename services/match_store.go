package services

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"league-rankings/models"
	"league-rankings/storage"

	"github.com/google/uuid"
	"github.com/gosimple/slug"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"
)

const MatchesPrefix = "matches/"

var ErrDuplicateMatch = errors.New("match key already exists")

// matchFile is the on-disk YAML shape. Both the current games list and the
// legacy flat score are accepted; only the games list is written.
type matchFile struct {
	Date       string     `yaml:"date"`
	Players    []string   `yaml:"players,omitempty"`
	Team1      []string   `yaml:"team1,omitempty"`
	Team2      []string   `yaml:"team2,omitempty"`
	Games      []gameFile `yaml:"games,omitempty"`
	Score      *scoreFile `yaml:"score,omitempty"`
	Winner     string     `yaml:"winner,omitempty"`
	WinnerTeam int        `yaml:"winner_team,omitempty"`
	RecordedAt string     `yaml:"recorded_at,omitempty"`
}

type gameFile struct {
	Player1Score *int `yaml:"player1_score,omitempty"`
	Player2Score *int `yaml:"player2_score,omitempty"`
	Team1Score   *int `yaml:"team1_score,omitempty"`
	Team2Score   *int `yaml:"team2_score,omitempty"`
}

type scoreFile struct {
	Player1Games *int `yaml:"player1_games,omitempty"`
	Player2Games *int `yaml:"player2_games,omitempty"`
	Team1Games   *int `yaml:"team1_games,omitempty"`
	Team2Games   *int `yaml:"team2_games,omitempty"`
}

func firstSet(ps ...*int) int {
	for _, p := range ps {
		if p != nil {
			return *p
		}
	}
	return 0
}

// DecodeMatch parses a stored record. The mode comes from the key
// (matches/<mode>/...) and falls back to the presence of team lists.
func DecodeMatch(key string, data []byte) (models.MatchRecord, error) {
	var f matchFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return models.MatchRecord{}, fmt.Errorf("invalid yaml: %w", err)
	}

	rec := models.MatchRecord{ID: key, Mode: modeFromKey(key)}
	if rec.Mode == "" {
		if len(f.Team1) > 0 || len(f.Team2) > 0 {
			rec.Mode = models.ModeDoubles
		} else {
			rec.Mode = models.ModeSingles
		}
	}

	dateStr := f.Date
	if dateStr == "" {
		dateStr = dateFromKey(key)
	}
	date, err := time.Parse(models.DateLayout, dateStr)
	if err != nil {
		return models.MatchRecord{}, fmt.Errorf("invalid date %q", dateStr)
	}
	rec.Date = date

	if f.RecordedAt != "" {
		if t, err := time.Parse(time.RFC3339Nano, f.RecordedAt); err == nil {
			rec.RecordedAt = t.UTC()
		}
	}

	switch rec.Mode {
	case models.ModeSingles:
		if len(f.Players) > 0 {
			rec.SideA = f.Players[:1]
		}
		if len(f.Players) > 1 {
			rec.SideB = f.Players[1:]
		}
		if f.Winner != "" && len(f.Players) >= 2 {
			switch NormalizePlayer(f.Winner) {
			case NormalizePlayer(f.Players[0]):
				rec.DeclaredWinner = models.SideA
			case NormalizePlayer(f.Players[1]):
				rec.DeclaredWinner = models.SideB
			}
		}
	case models.ModeDoubles:
		rec.SideA = f.Team1
		rec.SideB = f.Team2
		if f.WinnerTeam == 1 || f.WinnerTeam == 2 {
			rec.DeclaredWinner = models.Side(f.WinnerTeam)
		}
	}

	if len(f.Games) > 0 {
		for _, g := range f.Games {
			rec.Games = append(rec.Games, models.GameScore{
				A: firstSet(g.Player1Score, g.Team1Score),
				B: firstSet(g.Player2Score, g.Team2Score),
			})
		}
	} else if f.Score != nil {
		rec.Games = []models.GameScore{{
			A: firstSet(f.Score.Player1Games, f.Score.Team1Games),
			B: firstSet(f.Score.Player2Games, f.Score.Team2Games),
		}}
	}
	return rec, nil
}

// EncodeMatch writes the current YAML shape.
func EncodeMatch(rec models.MatchRecord) ([]byte, error) {
	f := matchFile{
		Date:       rec.Date.Format(models.DateLayout),
		RecordedAt: rec.RecordedAt.UTC().Format(time.RFC3339Nano),
	}
	switch rec.Mode {
	case models.ModeSingles:
		f.Players = append(append([]string{}, rec.SideA...), rec.SideB...)
		for _, g := range rec.Games {
			a, b := g.A, g.B
			f.Games = append(f.Games, gameFile{Player1Score: &a, Player2Score: &b})
		}
		switch rec.Winner() {
		case models.SideA:
			f.Winner = rec.SideA[0]
		case models.SideB:
			f.Winner = rec.SideB[0]
		}
	case models.ModeDoubles:
		f.Team1 = rec.SideA
		f.Team2 = rec.SideB
		for _, g := range rec.Games {
			a, b := g.A, g.B
			f.Games = append(f.Games, gameFile{Team1Score: &a, Team2Score: &b})
		}
		f.WinnerTeam = int(rec.Winner())
	default:
		return nil, fmt.Errorf("unknown mode %q", rec.Mode)
	}
	return yaml.Marshal(&f)
}

func modeFromKey(key string) string {
	parts := strings.Split(strings.TrimPrefix(key, MatchesPrefix), "/")
	if len(parts) >= 2 {
		switch parts[0] {
		case models.ModeSingles, models.ModeDoubles:
			return parts[0]
		}
	}
	return ""
}

// dateFromKey reads the YYYY-MM-DD prefix of the file name, if any.
func dateFromKey(key string) string {
	base := path.Base(key)
	if len(base) >= len(models.DateLayout) {
		return base[:len(models.DateLayout)]
	}
	return ""
}

// MatchKey builds matches/<mode>/<date>-<a>-vs-<b>-<HHMMSS>-<rand>.yml.
func MatchKey(rec models.MatchRecord) string {
	side := func(ps []string) string {
		parts := make([]string, 0, len(ps))
		for _, p := range ps {
			parts = append(parts, slug.Make(p))
		}
		return strings.Join(parts, "-")
	}
	name := fmt.Sprintf("%s-%s-vs-%s-%s-%s.yml",
		rec.Date.Format(models.DateLayout),
		side(rec.SideA),
		side(rec.SideB),
		rec.RecordedAt.UTC().Format("150405"),
		uuid.NewString()[:8],
	)
	return MatchesPrefix + rec.Mode + "/" + name
}

// Snapshot is one consistent read of the match history.
type Snapshot struct {
	Records []models.MatchRecord
	// Undecodable lists stored objects that could not be parsed at all.
	Undecodable []models.SkippedRecord
	// LatestModified is the newest modification time among the listed keys.
	LatestModified time.Time
	// Count is the number of listed keys, decodable or not.
	Count int
}

// MatchStore is the append-only match history on top of a BlobStore.
type MatchStore struct {
	blobs       storage.BlobStore
	concurrency int
	now         func() time.Time
}

func NewMatchStore(blobs storage.BlobStore) *MatchStore {
	return &MatchStore{blobs: blobs, concurrency: 8, now: time.Now}
}

// Put validates and stores a new record. Existing keys are never overwritten.
func (s *MatchStore) Put(ctx context.Context, rec models.MatchRecord) (string, error) {
	if _, err := prepareMatch(&rec); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = s.now().UTC()
	}
	key := MatchKey(rec)
	rec.ID = key

	data, err := EncodeMatch(rec)
	if err != nil {
		return "", err
	}
	created, err := s.blobs.CreateIfAbsent(ctx, key, data)
	if err != nil {
		return "", fmt.Errorf("store match: %w", err)
	}
	if !created {
		return "", fmt.Errorf("%w: %s", ErrDuplicateMatch, key)
	}
	return key, nil
}

func (s *MatchStore) list(ctx context.Context) ([]storage.ObjectInfo, error) {
	infos, err := s.blobs.List(ctx, MatchesPrefix)
	if err != nil {
		return nil, fmt.Errorf("list matches: %w", err)
	}
	out := infos[:0]
	for _, info := range infos {
		if strings.HasSuffix(info.Key, ".yml") || strings.HasSuffix(info.Key, ".yaml") {
			out = append(out, info)
		}
	}
	return out, nil
}

// LatestModificationTime returns the newest match mtime and the number of
// match objects, without reading any bodies. Zero time means an empty store.
func (s *MatchStore) LatestModificationTime(ctx context.Context) (time.Time, int, error) {
	infos, err := s.list(ctx)
	if err != nil {
		return time.Time{}, 0, err
	}
	return latest(infos), len(infos), nil
}

func latest(infos []storage.ObjectInfo) time.Time {
	var newest time.Time
	for _, info := range infos {
		if info.ModifiedAt.After(newest) {
			newest = info.ModifiedAt
		}
	}
	return newest
}

// ListAll reads and decodes every record.
func (s *MatchStore) ListAll(ctx context.Context) (*Snapshot, error) {
	infos, err := s.list(ctx)
	if err != nil {
		return nil, err
	}

	records := make([]models.MatchRecord, len(infos))
	decodeErrs := make([]error, len(infos))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, info := range infos {
		g.Go(func() error {
			obj, err := s.blobs.Get(gctx, info.Key)
			if err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					decodeErrs[i] = errors.New("vanished during listing")
					return nil
				}
				return fmt.Errorf("read match %s: %w", info.Key, err)
			}
			rec, err := DecodeMatch(info.Key, obj.Data)
			if err != nil {
				decodeErrs[i] = err
				return nil
			}
			rec.ModifiedAt = info.ModifiedAt
			records[i] = rec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	snap := &Snapshot{LatestModified: latest(infos), Count: len(infos)}
	for i := range infos {
		if decodeErrs[i] != nil {
			snap.Undecodable = append(snap.Undecodable, models.SkippedRecord{ID: infos[i].Key, Reason: decodeErrs[i].Error()})
			continue
		}
		snap.Records = append(snap.Records, records[i])
	}
	return snap, nil
}
