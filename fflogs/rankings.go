package fflogs

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"
)

// RankingsParams selects a leaderboard slice.
type RankingsParams struct {
	EncounterID int
	Metric      string
	Difficulty  int
	Size        int
	Partition   int

	// PageSize truncates the final filtered/sorted set.
	PageSize int

	// Job optionally filters entries by job code, name or class id.
	Job string

	// Budget is a soft wall-clock bound across the whole attempt
	// ladder; once exceeded, remaining variants are abandoned.
	Budget time.Duration
}

// RankingEntry is one normalized leaderboard row. An entry is only
// usable once both ReportCode and FightID are known; rows failing that
// are repaired from the report's fight list or dropped.
type RankingEntry struct {
	Rank       int     `json:"rank,omitempty"`
	Amount     float64 `json:"amount,omitempty"`
	ReportCode string  `json:"reportCode,omitempty"`
	FightID    int     `json:"fightID,omitempty"`

	BestPercent float64 `json:"bestPercent,omitempty"`
	HighestRDPS float64 `json:"highestRDPS,omitempty"`
	MedianRDPS  float64 `json:"medianRDPS,omitempty"`
	Kill        bool    `json:"kill,omitempty"`
	FastestSec  float64 `json:"fastestSeconds,omitempty"`

	Character string `json:"character,omitempty"`
	Server    string `json:"server,omitempty"`
	Region    string `json:"region,omitempty"`
	Class     string `json:"class,omitempty"`
	Spec      string `json:"spec,omitempty"`
	ClassID   int    `json:"classID,omitempty"`

	// Timing hints kept for fight inference, never serialized.
	startHint    float64
	durationHint float64
}

// Score is the tie-break metric: highest rDPS when present, otherwise
// the raw amount.
func (e RankingEntry) Score() float64 {
	if e.HighestRDPS > 0 {
		return e.HighestRDPS
	}
	return e.Amount
}

// RankingsResult is the outcome of one resolution, including the
// attempt trace for diagnostics.
type RankingsResult struct {
	EncounterID        int            `json:"encounterID"`
	EncounterName      string         `json:"encounterName,omitempty"`
	ResolvedDifficulty int            `json:"resolvedDifficulty,omitempty"`
	Attempted          []string       `json:"attempted"`
	Entries            []RankingEntry `json:"entries"`
}

// At returns the entry at a zero-based rank index of the final set.
func (r *RankingsResult) At(index int) (RankingEntry, error) {
	if index < 0 || index >= len(r.Entries) {
		return RankingEntry{}, &RankIndexOutOfRangeError{Index: index, Count: len(r.Entries)}
	}
	return r.Entries[index], nil
}

// difficultyRemap maps the encoded difficulty codes the callers use to
// the enum values the server actually accepts for them.
var difficultyRemap = map[int]int{
	100: 3,
	101: 4,
}

const (
	defaultRankPageSize = 50
	fullRankPage        = 100

	maxRankPages         = 4
	maxRankPagesFiltered = 8

	repairConcurrency = 4
)

const rankingsQueryFull = `
query($encounterID: Int!, $metric: CharacterRankingMetricType, $difficulty: Int, $size: Int, $partition: Int, $page: Int) {
  worldData {
    encounter(id: $encounterID) {
      id
      name
      characterRankings(metric: $metric, difficulty: $difficulty, size: $size, partition: $partition, page: $page)
    }
  }
}`

const rankingsQueryNoPartition = `
query($encounterID: Int!, $metric: CharacterRankingMetricType, $difficulty: Int, $size: Int, $page: Int) {
  worldData {
    encounter(id: $encounterID) {
      id
      name
      characterRankings(metric: $metric, difficulty: $difficulty, size: $size, page: $page)
    }
  }
}`

const rankingsQueryMetricOnly = `
query($encounterID: Int!, $metric: CharacterRankingMetricType, $page: Int) {
  worldData {
    encounter(id: $encounterID) {
      id
      name
      characterRankings(metric: $metric, page: $page)
    }
  }
}`

type rankingsAttempt struct {
	name       string
	query      string
	vars       map[string]interface{}
	difficulty int
}

func buildAttempts(p RankingsParams) []rankingsAttempt {
	base := func(difficulty int) map[string]interface{} {
		vars := map[string]interface{}{
			"encounterID": p.EncounterID,
			"metric":      p.Metric,
		}
		if difficulty != 0 {
			vars["difficulty"] = difficulty
		}
		if p.Size != 0 {
			vars["size"] = p.Size
		}
		return vars
	}

	var attempts []rankingsAttempt

	primary := base(p.Difficulty)
	if p.Partition != 0 {
		primary["partition"] = p.Partition
	}
	attempts = append(attempts, rankingsAttempt{
		name:       "primary",
		query:      rankingsQueryFull,
		vars:       primary,
		difficulty: p.Difficulty,
	})

	if remapped, ok := difficultyRemap[p.Difficulty]; ok {
		vars := base(remapped)
		if p.Partition != 0 {
			vars["partition"] = p.Partition
		}
		attempts = append(attempts, rankingsAttempt{
			name:       fmt.Sprintf("difficulty-remap(%d->%d)", p.Difficulty, remapped),
			query:      rankingsQueryFull,
			vars:       vars,
			difficulty: remapped,
		})
	}

	attempts = append(attempts, rankingsAttempt{
		name:       "no-partition",
		query:      rankingsQueryNoPartition,
		vars:       base(p.Difficulty),
		difficulty: p.Difficulty,
	})

	attempts = append(attempts, rankingsAttempt{
		name:  "metric-only",
		query: rankingsQueryMetricOnly,
		vars: map[string]interface{}{
			"encounterID": p.EncounterID,
			"metric":      p.Metric,
		},
	})

	return attempts
}

func (c *Client) rankingsPage(ctx context.Context, a rankingsAttempt, page int) (map[string]interface{}, error) {
	vars := make(map[string]interface{}, len(a.vars)+1)
	for k, v := range a.vars {
		vars[k] = v
	}
	vars["page"] = page

	var payload map[string]interface{}
	if err := c.Do(ctx, a.query, vars, &payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// Rankings resolves a leaderboard for an encounter. It walks the
// fallback ladder (requested difficulty, remapped difficulty, no
// partition, metric-only), digs the ranking rows out of whatever
// envelope the service used, repairs rows missing a fight id, then
// filters, sorts and truncates.
func (c *Client) Rankings(ctx context.Context, p RankingsParams) (*RankingsResult, error) {
	if p.Metric == "" {
		p.Metric = "rdps"
	}
	if p.PageSize <= 0 {
		p.PageSize = defaultRankPageSize
	}

	var job JobAlias
	hasJob := false
	if p.Job != "" {
		var ok bool
		job, ok = FindJob(p.Job)
		if !ok {
			return nil, fmt.Errorf("fflogs: unknown job %q", p.Job)
		}
		hasJob = true
	}

	var deadline time.Time
	if p.Budget > 0 {
		deadline = time.Now().Add(p.Budget)
	}
	overBudget := func() bool {
		return !deadline.IsZero() && time.Now().After(deadline)
	}

	var (
		attempted []string
		sample    []string
		rows      []map[string]interface{}
		winner    *rankingsAttempt
		encName   string
	)

	attempts := buildAttempts(p)
	for i := range attempts {
		a := &attempts[i]
		if overBudget() {
			attempted = append(attempted, "aborted(budget)")
			break
		}
		attempted = append(attempted, a.name)

		payload, err := c.rankingsPage(ctx, *a, 1)
		if err != nil {
			if isInvalidDifficultyOrSize(err) || isUnknownArgument(err) {
				slog.Warn("rankings variant rejected, falling back",
					slog.String("variant", a.name), "error", err)
				continue
			}
			return nil, err
		}

		found, keys := findRankingRows(payload)
		sample = keys
		if len(found) == 0 {
			slog.Warn("rankings variant returned no rows", slog.String("variant", a.name))
			continue
		}
		rows = found
		winner = a
		encName = encounterNameFromPayload(payload)
		break
	}

	if winner == nil {
		return nil, &RankingsNotFoundError{
			EncounterID: p.EncounterID,
			Attempted:   attempted,
			SampleKeys:  sample,
		}
	}

	// A full first page means there may be more. Filtering scans rank
	// space deeper, so it gets the larger page cap.
	maxPages := maxRankPages
	if hasJob {
		maxPages = maxRankPagesFiltered
	}
	if len(rows) >= fullRankPage {
		for page := 2; page <= maxPages; page++ {
			if overBudget() {
				break
			}
			payload, err := c.rankingsPage(ctx, *winner, page)
			if err != nil {
				slog.Warn("rankings paging stopped", slog.Int("page", page), "error", err)
				break
			}
			more, _ := findRankingRows(payload)
			if len(more) == 0 {
				break
			}
			rows = append(rows, more...)
			if len(more) < fullRankPage {
				break
			}
		}
	}

	entries := make([]RankingEntry, 0, len(rows))
	var unresolved []RankingEntry
	for _, row := range rows {
		e := NormalizeRow(row)
		switch {
		case e.ReportCode != "" && e.FightID > 0:
			entries = append(entries, e)
		case e.ReportCode != "":
			unresolved = append(unresolved, e)
		default:
			// No report reference at all: unusable, drop.
		}
	}
	entries = append(entries, c.repairUnresolved(ctx, p.EncounterID, unresolved)...)

	if hasJob {
		filtered := entries[:0]
		for _, e := range entries {
			if matchesJob(e, job) {
				filtered = append(filtered, e)
			}
		}
		entries = filtered
	}

	if len(entries) == 0 {
		return nil, &RankingsNotFoundError{
			EncounterID: p.EncounterID,
			Attempted:   attempted,
			SampleKeys:  sample,
		}
	}

	sortEntries(entries)
	if len(entries) > p.PageSize {
		entries = entries[:p.PageSize]
	}

	return &RankingsResult{
		EncounterID:        p.EncounterID,
		EncounterName:      encName,
		ResolvedDifficulty: winner.difficulty,
		Attempted:          attempted,
		Entries:            entries,
	}, nil
}

func encounterNameFromPayload(payload map[string]interface{}) string {
	if v, ok := valueAtPath(payload, []string{"worldData", "encounter", "name"}); ok {
		if s, ok := asString(v); ok {
			return s
		}
	}
	return ""
}

// NormalizeRow turns one raw leaderboard row into a canonical entry.
// Field candidates are tried in priority order; the canonical field
// names themselves are included so normalization is idempotent.
func NormalizeRow(row map[string]interface{}) RankingEntry {
	var e RankingEntry

	if f, ok := pickFloat(row, "rank", "position"); ok {
		e.Rank = int(f)
	}
	if f, ok := pickFloat(row, "amount", "total", "dps", "score"); ok {
		e.Amount = f
	}
	e.ReportCode = reportCodeFromRow(row)
	e.FightID = fightIDFromRow(row)

	sources := []map[string]interface{}{row}
	if bd, ok := asMap(decodeEmbedded(row["bracketData"])); ok {
		sources = append(sources, bd)
	}
	for _, src := range sources {
		if e.BestPercent == 0 {
			if f, ok := pickFloat(src, "bestPercent", "rankPercent", "percentile", "historicalPercent"); ok {
				e.BestPercent = f
			}
		}
		if e.HighestRDPS == 0 {
			if f, ok := pickFloat(src, "highestRDPS", "bestAmount", "highestAmount", "maxAmount"); ok {
				e.HighestRDPS = f
			}
		}
		if e.MedianRDPS == 0 {
			if f, ok := pickFloat(src, "medianRDPS", "medianAmount", "median"); ok {
				e.MedianRDPS = f
			}
		}
		if !e.Kill {
			if b, ok := pickBool(src, "kill", "isKill", "killed"); ok {
				e.Kill = b
			}
		}
		if e.FastestSec == 0 {
			if f, ok := pickFloat(src, "fastestSeconds", "fastestKill", "fastest", "totalTime", "duration"); ok {
				e.FastestSec = normalizeSeconds(f)
			}
		}
	}

	if f, ok := pickFloat(row, "startTime", "fightStartTime"); ok {
		e.startHint = f
	}
	if f, ok := pickFloat(row, "duration", "fightDuration", "totalTime"); ok {
		e.durationHint = f
	}

	if s, ok := pickString(row, "character", "name", "characterName"); ok {
		e.Character = s
	} else if ch, ok := asMap(decodeEmbedded(row["character"])); ok {
		if s, ok := pickString(ch, "name"); ok {
			e.Character = s
		}
		if e.Server == "" {
			e.Server, e.Region = serverFromValue(ch["server"])
		}
	}
	if e.Server == "" {
		if s, ok := pickString(row, "server", "serverName"); ok {
			e.Server = s
		} else {
			e.Server, e.Region = serverFromValue(row["server"])
		}
	}
	if e.Region == "" {
		if s, ok := pickString(row, "region", "serverRegion"); ok {
			e.Region = s
		}
	}

	if s, ok := pickString(row, "class", "className"); ok {
		e.Class = s
	} else if f, ok := pickFloat(row, "class", "classID"); ok {
		e.ClassID = int(f)
	}
	if e.ClassID == 0 {
		if f, ok := pickFloat(row, "classID"); ok {
			e.ClassID = int(f)
		}
	}
	if s, ok := pickString(row, "spec", "specName"); ok {
		e.Spec = s
	}

	return e
}

func serverFromValue(v interface{}) (server, region string) {
	m, ok := asMap(decodeEmbedded(v))
	if !ok {
		return "", ""
	}
	server, _ = pickString(m, "name", "slug")
	region, _ = pickString(m, "region")
	if region == "" {
		if rm, ok := asMap(m["region"]); ok {
			region, _ = pickString(rm, "name", "slug", "compactName")
		}
	}
	return server, region
}

// repairUnresolved infers missing fight ids by fetching each distinct
// report's fight list (deduplicated, bounded concurrency) and matching
// on encounter id and timing hints. Individually inaccessible reports
// are skipped, not fatal.
func (c *Client) repairUnresolved(ctx context.Context, encounterID int, unresolved []RankingEntry) []RankingEntry {
	if len(unresolved) == 0 {
		return nil
	}

	distinct := make(map[string]struct{}, len(unresolved))
	for _, e := range unresolved {
		distinct[e.ReportCode] = struct{}{}
	}

	var (
		mu      sync.Mutex
		byCode  = make(map[string][]Fight, len(distinct))
		wg      sync.WaitGroup
		permits = make(chan struct{}, repairConcurrency)
	)
	for code := range distinct {
		wg.Add(1)
		go func(code string) {
			defer wg.Done()
			permits <- struct{}{}
			defer func() { <-permits }()

			rf, err := c.FightsCached(ctx, code)
			if err != nil {
				slog.Warn("skipping inaccessible report during rankings repair",
					slog.String("report", code), "error", err)
				return
			}
			mu.Lock()
			byCode[code] = rf.Fights
			mu.Unlock()
		}(code)
	}
	wg.Wait()

	repaired := make([]RankingEntry, 0, len(unresolved))
	for _, e := range unresolved {
		fights := byCode[e.ReportCode]
		if len(fights) == 0 {
			continue
		}
		if f, ok := inferFight(fights, encounterID, e.startHint, e.durationHint); ok {
			e.FightID = f.ID
			repaired = append(repaired, e)
		}
	}
	return repaired
}

// inferFight picks the fight a ranking row most plausibly refers to:
// encounter-matching fights first, then closest combined deviation of
// start time and duration, then the first kill, then the first fight.
func inferFight(fights []Fight, encounterID int, startHint, durationHint float64) (Fight, bool) {
	candidates := fights
	if encounterID > 0 {
		matched := make([]Fight, 0, len(fights))
		for _, f := range fights {
			if f.EncounterID == encounterID {
				matched = append(matched, f)
			}
		}
		if len(matched) > 0 {
			candidates = matched
		}
	}
	if len(candidates) == 0 {
		return Fight{}, false
	}

	if startHint > 0 || durationHint > 0 {
		best := candidates[0]
		bestDev := math.MaxFloat64
		for _, f := range candidates {
			dev := 0.0
			if startHint > 0 {
				dev += math.Abs(float64(f.StartTime) - startHint)
			}
			if durationHint > 0 {
				dev += math.Abs(float64(f.DurationMS()) - durationHint)
			}
			if dev < bestDev {
				bestDev = dev
				best = f
			}
		}
		return best, true
	}

	for _, f := range candidates {
		if f.Kill {
			return f, true
		}
	}
	return candidates[0], true
}

// sortEntries orders by rank ascending (unranked last), then score
// descending, then best percent descending.
func sortEntries(entries []RankingEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		ri, rj := entries[i].Rank, entries[j].Rank
		if ri == 0 {
			ri = math.MaxInt32
		}
		if rj == 0 {
			rj = math.MaxInt32
		}
		if ri != rj {
			return ri < rj
		}
		if entries[i].Score() != entries[j].Score() {
			return entries[i].Score() > entries[j].Score()
		}
		return entries[i].BestPercent > entries[j].BestPercent
	})
}
