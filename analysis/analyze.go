package analysis

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"time"

	jsoniter "github.com/json-iterator/go"

	"loglens/ability"
	"loglens/fflogs"
)

var jsonIter = jsoniter.ConfigCompatibleWithStandardLibrary

// ResultCache is the durable analysis-result cache contract, keyed by a
// hash of the request parameters.
type ResultCache interface {
	GetResult(key uint64, ttl time.Duration) ([]byte, bool, error)
	PutResult(key uint64, payload []byte) error
}

// Request describes one analysis run.
type Request struct {
	ReportCode   string `json:"report"`
	Strategy     string `json:"strategy,omitempty"`
	OnlyKill     bool   `json:"onlyKill,omitempty"`
	Difficulty   int    `json:"difficulty,omitempty"`
	FightID      int    `json:"fightID,omitempty"`
	IncludeKnown bool   `json:"includeKnown,omitempty"`
}

// Result is the complete outcome of one analysis. Unresolved ability
// names are a normal, expected partial-success state, reported as a
// count rather than an error.
type Result struct {
	ReportCode          string                     `json:"reportCode"`
	Fight               SelectedFight              `json:"fight"`
	BossID              int                        `json:"bossID,omitempty"`
	BossName            string                     `json:"bossName,omitempty"`
	BossTimeline        []TimelineEntry            `json:"bossTimeline"`
	Players             []PlayerSummary            `json:"players"`
	PlayerCasts         map[string][]TimelineEntry `json:"playerCasts"`
	UnresolvedAbilities int                        `json:"unresolvedAbilities"`
	ResolveStats        ability.Stats              `json:"resolveStats"`
}

const defaultResultTTL = 6 * time.Hour

// Analyzer wires the pipeline together. All fields but Client are
// optional; nil resolver/cache simply degrade those stages.
type Analyzer struct {
	Client   *fflogs.Client
	Resolver *ability.Resolver
	Cache    ResultCache
	CacheTTL time.Duration

	// OverridesPath points at the operator-supplied id→name JSON map,
	// reloaded at the start of every run.
	OverridesPath string

	// PickBoss defaults to InferBoss when nil.
	PickBoss BossPicker
}

// Run performs one full analysis: select a fight, page its cast events,
// resolve ability names, and build the boss timeline plus per-player
// summaries. Results are served from the durable cache for CacheTTL.
func (a *Analyzer) Run(ctx context.Context, req Request) (*Result, error) {
	ttl := a.CacheTTL
	if ttl <= 0 {
		ttl = defaultResultTTL
	}

	key := requestHash(req)
	if a.Cache != nil {
		if payload, ok, err := a.Cache.GetResult(key, ttl); err == nil && ok {
			var cached Result
			if err := jsonIter.Unmarshal(payload, &cached); err == nil {
				slog.Info("serving cached analysis", slog.String("report", req.ReportCode))
				return &cached, nil
			}
		}
	}

	rf, err := a.Client.Fights(ctx, req.ReportCode)
	if err != nil {
		return nil, err
	}

	sel, err := PickFight(req.ReportCode, rf.Fights, PickOptions{
		Strategy:        req.Strategy,
		OnlyKill:        req.OnlyKill,
		Difficulty:      req.Difficulty,
		OverrideFightID: req.FightID,
	})
	if err != nil {
		return nil, err
	}
	slog.Info("fight selected",
		slog.String("report", req.ReportCode),
		slog.Int("fight", sel.Fight.ID),
		slog.String("reason", sel.Reason))

	md, err := a.Client.MasterDataFor(ctx, req.ReportCode)
	if err != nil {
		return nil, err
	}

	events, err := a.Client.Events(ctx, fflogs.EventsParams{
		Code:      req.ReportCode,
		FightID:   sel.Fight.ID,
		DataType:  fflogs.DataTypeCasts,
		StartTime: float64(sel.Fight.StartTime),
		EndTime:   float64(sel.Fight.EndTime),
	})
	if err != nil {
		return nil, err
	}

	overrides, err := ability.LoadOverrides(a.OverridesPath)
	if err != nil {
		slog.Warn("ignoring unreadable overrides file", slog.String("path", a.OverridesPath), "error", err)
	}

	var (
		resolved map[int]string
		stats    ability.Stats
	)
	if a.Resolver != nil {
		resolved, stats = a.Resolver.ResolveMissing(ctx, events, md.AbilityNameByGameID,
			ability.Options{IncludeKnown: req.IncludeKnown})
	}
	nameMap := ability.MergeNames(resolved, overrides)

	pick := a.PickBoss
	if pick == nil {
		pick = InferBoss
	}
	bossID := pick(events, md.ActorsByID)

	result := &Result{
		ReportCode:          req.ReportCode,
		Fight:               sel,
		BossID:              bossID,
		BossName:            actorName(md.ActorsByID, bossID),
		BossTimeline:        BuildBossTimeline(events, md.ActorsByID, bossID, sel.Fight.StartTime, nameMap, md.AbilityNameByGameID),
		UnresolvedAbilities: stats.Unresolved,
		ResolveStats:        stats,
	}
	if bossID == 0 {
		result.BossName = ""
	}

	result.PlayerCasts = BuildPlayerCasts(events, md.ActorsByID, sel.Fight.StartTime, nameMap, md.AbilityNameByGameID)
	result.Players = BuildPlayerSummary(result.PlayerCasts, sel.Fight.DurationMS())

	if a.Cache != nil {
		if payload, err := jsonIter.Marshal(result); err == nil {
			if err := a.Cache.PutResult(key, payload); err != nil {
				slog.Warn("could not cache analysis result", "error", err)
			}
		}
	}

	return result, nil
}

func requestHash(req Request) uint64 {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%s|%v|%d|%d|%v",
		req.ReportCode, req.Strategy, req.OnlyKill, req.Difficulty, req.FightID, req.IncludeKnown)
	return h.Sum64()
}
