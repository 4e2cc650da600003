package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/factions/bank-engine/internal/apperr"
	"github.com/factions/bank-engine/internal/model"
	"github.com/factions/bank-engine/internal/race"
)

type raceSummaryJSON struct {
	ID          int64           `json:"id"`
	Name        string          `json:"name"`
	PrizePool   decimal.Decimal `json:"prize_pool"`
	ScheduledAt time.Time       `json:"scheduled_at"`
	EndsAt      *time.Time      `json:"ends_at"`
	Status      string          `json:"status"`
	JockeyCount int             `json:"jockey_count"`
	Jockeys     []string        `json:"jockeys"`
	Winner1     *string         `json:"winner1"`
	Winner2     *string         `json:"winner2"`
	Winner3     *string         `json:"winner3"`
	CreatedAt   time.Time       `json:"created_at"`
}

type raceInfoJSON struct {
	RaceID            int64                      `json:"race_id"`
	Name              string                     `json:"name"`
	PrizePool         decimal.Decimal            `json:"prize_pool"`
	StartsAt          time.Time                  `json:"starts_at"`
	EndsAt            *time.Time                 `json:"ends_at"`
	Status            string                     `json:"status"`
	JockeyCount       int                        `json:"jockey_count"`
	Jockeys           []string                   `json:"jockeys"`
	Winner1           *string                    `json:"winner1"`
	Winner2           *string                    `json:"winner2"`
	Winner3           *string                    `json:"winner3"`
	PrizeDistribution map[string]decimal.Decimal `json:"prize_distribution"`
	EntryFee          decimal.Decimal            `json:"entry_fee"`
	ImperialCut       decimal.Decimal            `json:"imperial_cut"`
	Rules             string                     `json:"rules"`
}

func jockeyNames(js []model.Jockey) []string {
	names := make([]string, 0, len(js))
	for _, j := range js {
		names = append(names, j.IGN)
	}
	return names
}

// winners returns the podium IGNs, nil where the position is unset.
func winners(r model.Race) [model.Podium]*string {
	var out [model.Podium]*string
	for i := range r.WinnerIGNs {
		if r.Winners[i] != nil {
			ign := r.WinnerIGNs[i]
			out[i] = &ign
		}
	}
	return out
}

func (s *Server) listRaces(w http.ResponseWriter, r *http.Request) {
	list, err := s.races.List(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]raceSummaryJSON, 0, len(list))
	for _, d := range list {
		podium := winners(d.Race)
		out = append(out, raceSummaryJSON{
			ID:          d.Race.ID,
			Name:        d.Race.Name,
			PrizePool:   d.Race.PrizePool,
			ScheduledAt: d.Race.StartsAt,
			EndsAt:      d.Race.EndsAt,
			Status:      d.Status,
			JockeyCount: len(d.Jockeys),
			Jockeys:     jockeyNames(d.Jockeys),
			Winner1:     podium[0],
			Winner2:     podium[1],
			Winner3:     podium[2],
			CreatedAt:   d.Race.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) raceInfo(w http.ResponseWriter, r *http.Request) {
	var raceID int64
	if raw := r.URL.Query().Get("race_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			writeError(w, r, apperr.Invalid("race_id must be a positive integer, got %q", raw))
			return
		}
		raceID = id
	}

	d, err := s.races.Info(r.Context(), raceID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	podium := winners(d.Race)
	writeJSON(w, http.StatusOK, raceInfoJSON{
		RaceID:      d.Race.ID,
		Name:        d.Race.Name,
		PrizePool:   d.Race.PrizePool,
		StartsAt:    d.Race.StartsAt,
		EndsAt:      d.Race.EndsAt,
		Status:      d.Status,
		JockeyCount: len(d.Jockeys),
		Jockeys:     jockeyNames(d.Jockeys),
		Winner1:     podium[0],
		Winner2:     podium[1],
		Winner3:     podium[2],
		PrizeDistribution: map[string]decimal.Decimal{
			"winner1": d.Preview[0],
			"winner2": d.Preview[1],
			"winner3": d.Preview[2],
		},
		EntryFee:    d.EntryFee,
		ImperialCut: d.Imperial,
		Rules:       d.Rules,
	})
}

type createRaceRequest struct {
	Name     string `json:"name"`
	StartsAt string `json:"starts_at"`
}

func (s *Server) createRace(w http.ResponseWriter, r *http.Request) {
	var req createRaceRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	created, err := s.races.CreateRace(r.Context(), req.Name, req.StartsAt)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"success":   true,
		"race_id":   created.ID,
		"name":      created.Name,
		"starts_at": created.StartsAt,
	})
}

type playerRequest struct {
	IGN string `json:"player_name"`
}

type enrollResponse struct {
	Success bool `json:"success"`
	race.Enrollment
}

func (s *Server) enroll(w http.ResponseWriter, r *http.Request) {
	var req playerRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	res, err := s.races.Enroll(r.Context(), req.IGN)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, enrollResponse{Success: true, Enrollment: res})
}

type settlementResponse struct {
	Success bool `json:"success"`
	race.Settlement
}

func (s *Server) setWinner(position int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req playerRequest
		if err := decode(r, &req); err != nil {
			writeError(w, r, err)
			return
		}
		res, err := s.races.SetWinner(r.Context(), req.IGN, position)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, settlementResponse{Success: true, Settlement: res})
	}
}

func (s *Server) endRace(w http.ResponseWriter, r *http.Request) {
	ended, err := s.races.EndRace(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"race_id":    ended.ID,
		"prize_pool": ended.PrizePool,
		"ended_at":   ended.EndsAt,
	})
}
