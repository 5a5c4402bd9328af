package analysis

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"loglens/fflogs"
)

// Strategy names accepted by PickFight. "byBoss:<id>" selects fights
// for one boss/encounter id.
const (
	StrategyBest      = "best"
	StrategyLastKill  = "lastKill"
	StrategyFirstKill = "firstKill"
	StrategyLongest   = "longest"

	byBossPrefix = "byBoss:"
)

// PickOptions steers fight selection.
type PickOptions struct {
	Strategy   string
	OnlyKill   bool
	Difficulty int

	// OverrideFightID short-circuits all selection rules.
	OverrideFightID int
}

// SelectedFight is the chosen fight plus the audit trail of which rule
// chose it. Built once per resolution, never mutated.
type SelectedFight struct {
	ReportCode string        `json:"reportCode"`
	Fight      fflogs.Fight  `json:"fight"`
	Duration   time.Duration `json:"duration"`
	Reason     string        `json:"reason"`
}

// NoFightsError means the report contained no fights at all.
type NoFightsError struct {
	ReportCode string
}

func (e *NoFightsError) Error() string {
	return fmt.Sprintf("analysis: report %q has no fights", e.ReportCode)
}

// FightNotFoundError means no fight satisfied the selection rules.
type FightNotFoundError struct {
	ReportCode string
	Detail     string
}

func (e *FightNotFoundError) Error() string {
	return fmt.Sprintf("analysis: no matching fight in report %q: %s", e.ReportCode, e.Detail)
}

// PickFight chooses one fight from a report. Narrowing steps never
// reduce the candidate set to empty: a filter that would match nothing
// is skipped instead.
func PickFight(reportCode string, fights []fflogs.Fight, opts PickOptions) (SelectedFight, error) {
	if len(fights) == 0 {
		return SelectedFight{}, &NoFightsError{ReportCode: reportCode}
	}

	if opts.OverrideFightID > 0 {
		for _, f := range fights {
			if f.ID == opts.OverrideFightID {
				return selected(reportCode, f, "debug override"), nil
			}
		}
		return SelectedFight{}, &FightNotFoundError{
			ReportCode: reportCode,
			Detail:     fmt.Sprintf("override fight id %d not present", opts.OverrideFightID),
		}
	}

	strategy := opts.Strategy
	if strategy == "" {
		strategy = StrategyBest
	}

	candidates := fights
	var reasons []string

	if opts.OnlyKill {
		kills := filterFights(candidates, func(f fflogs.Fight) bool { return f.Kill })
		if len(kills) > 0 {
			candidates = kills
			reasons = append(reasons, "kills only")
		}
	}

	if bossID, ok := parseByBoss(strategy); ok {
		matched := filterFights(candidates, func(f fflogs.Fight) bool {
			return f.BossID == bossID || f.EncounterID == bossID
		})
		if len(matched) == 0 {
			return SelectedFight{}, &FightNotFoundError{
				ReportCode: reportCode,
				Detail:     fmt.Sprintf("no fights for boss %d", bossID),
			}
		}
		candidates = matched
		reasons = append(reasons, fmt.Sprintf("boss %d", bossID))
		strategy = StrategyBest
	}

	if opts.Difficulty != 0 {
		matched := filterFights(candidates, func(f fflogs.Fight) bool {
			return f.Difficulty == opts.Difficulty
		})
		if len(matched) > 0 {
			candidates = matched
			reasons = append(reasons, fmt.Sprintf("difficulty %d", opts.Difficulty))
		}
	}

	switch strategy {
	case StrategyLastKill, StrategyFirstKill:
		kills := filterFights(candidates, func(f fflogs.Fight) bool { return f.Kill })
		if len(kills) == 0 {
			return SelectedFight{}, &FightNotFoundError{ReportCode: reportCode, Detail: "no kill fights"}
		}
		sort.SliceStable(kills, func(i, j int) bool { return kills[i].StartTime < kills[j].StartTime })
		if strategy == StrategyLastKill {
			reasons = append(reasons, "last kill by start time")
			return selected(reportCode, kills[len(kills)-1], joinReasons(reasons)), nil
		}
		reasons = append(reasons, "first kill by start time")
		return selected(reportCode, kills[0], joinReasons(reasons)), nil

	case StrategyLongest:
		best := candidates[0]
		for _, f := range candidates[1:] {
			if f.DurationMS() > best.DurationMS() {
				best = f
			}
		}
		reasons = append(reasons, "longest duration")
		return selected(reportCode, best, joinReasons(reasons)), nil

	case StrategyBest:
		ranked := make([]fflogs.Fight, len(candidates))
		copy(ranked, candidates)
		sort.SliceStable(ranked, func(i, j int) bool { return bestLess(ranked[j], ranked[i]) })
		reasons = append(reasons, "best composite (kill, difficulty, duration, start)")
		return selected(reportCode, ranked[0], joinReasons(reasons)), nil

	default:
		return SelectedFight{}, fmt.Errorf("analysis: unknown strategy %q", opts.Strategy)
	}
}

// bestLess orders a below b under the composite comparator: kill status,
// then difficulty, then duration, then start time, all descending.
func bestLess(a, b fflogs.Fight) bool {
	if a.Kill != b.Kill {
		return !a.Kill
	}
	if a.Difficulty != b.Difficulty {
		return a.Difficulty < b.Difficulty
	}
	if a.DurationMS() != b.DurationMS() {
		return a.DurationMS() < b.DurationMS()
	}
	return a.StartTime < b.StartTime
}

func parseByBoss(strategy string) (int, bool) {
	if !strings.HasPrefix(strategy, byBossPrefix) {
		return 0, false
	}
	id, err := strconv.Atoi(strings.TrimPrefix(strategy, byBossPrefix))
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func filterFights(fights []fflogs.Fight, keep func(fflogs.Fight) bool) []fflogs.Fight {
	out := make([]fflogs.Fight, 0, len(fights))
	for _, f := range fights {
		if keep(f) {
			out = append(out, f)
		}
	}
	return out
}

func selected(reportCode string, f fflogs.Fight, reason string) SelectedFight {
	return SelectedFight{
		ReportCode: reportCode,
		Fight:      f,
		Duration:   time.Duration(f.DurationMS()) * time.Millisecond,
		Reason:     reason,
	}
}

func joinReasons(reasons []string) string {
	if len(reasons) == 0 {
		return "full fight list"
	}
	return strings.Join(reasons, "; ")
}
