package analysis

import (
	"fmt"
	"sort"

	"loglens/fflogs"
)

// BuildPlayerCasts groups events by player source actor and resolves
// each into a relative-time entry. Groups are keyed "<name>#<actorID>"
// so same-named actors stay distinct.
func BuildPlayerCasts(
	events []fflogs.CastEvent,
	actors map[int]fflogs.Actor,
	fightStart int64,
	nameMap map[int]string,
	master map[int]string,
) map[string][]TimelineEntry {
	casts := make(map[string][]TimelineEntry)
	for _, ev := range events {
		if ev.SourceID == 0 {
			continue
		}
		a, ok := actors[ev.SourceID]
		if !ok || !a.IsPlayer() {
			continue
		}

		key := fmt.Sprintf("%s#%d", a.Name, a.ID)
		casts[key] = append(casts[key], TimelineEntry{
			Offset:    float64(ev.Timestamp-fightStart) / 1000,
			Source:    a.Name,
			Ability:   resolveAbilityName(ev, nameMap, master),
			AbilityID: ev.AbilityID(),
		})
	}
	for _, entries := range casts {
		sort.SliceStable(entries, func(i, j int) bool { return entries[i].Offset < entries[j].Offset })
	}
	return casts
}

// AbilitySummary is a per-player-per-ability usage aggregate.
type AbilitySummary struct {
	AbilityID int     `json:"abilityID,omitempty"`
	Name      string  `json:"name"`
	Count     int     `json:"count"`
	FirstUse  float64 `json:"firstUse"`
	LastUse   float64 `json:"lastUse"`

	// AvgInterval is the mean spacing between consecutive uses,
	// undefined (nil) below two uses.
	AvgInterval *float64 `json:"avgInterval,omitempty"`

	CastsPerMinute float64 `json:"cpm"`
}

// PlayerSummary aggregates one player's ability usage for a fight.
type PlayerSummary struct {
	Player     string           `json:"player"`
	TotalCasts int              `json:"totalCasts"`
	Abilities  []AbilitySummary `json:"abilities"`
}

// BuildPlayerSummary aggregates grouped casts into per-ability stats.
// Players come out sorted by total casts descending (name ascending on
// ties); abilities by count descending (name ascending on ties).
func BuildPlayerSummary(casts map[string][]TimelineEntry, durationMS int64) []PlayerSummary {
	durationMin := float64(durationMS) / 60000

	summaries := make([]PlayerSummary, 0, len(casts))
	for player, entries := range casts {
		byAbility := make(map[string][]TimelineEntry)
		order := make([]string, 0, 8)
		for _, e := range entries {
			if _, seen := byAbility[e.Ability]; !seen {
				order = append(order, e.Ability)
			}
			byAbility[e.Ability] = append(byAbility[e.Ability], e)
		}

		ps := PlayerSummary{
			Player:     player,
			TotalCasts: len(entries),
			Abilities:  make([]AbilitySummary, 0, len(order)),
		}
		for _, name := range order {
			uses := byAbility[name]
			s := AbilitySummary{
				AbilityID: uses[0].AbilityID,
				Name:      name,
				Count:     len(uses),
				FirstUse:  uses[0].Offset,
				LastUse:   uses[len(uses)-1].Offset,
			}
			if len(uses) >= 2 {
				span := uses[len(uses)-1].Offset - uses[0].Offset
				avg := span / float64(len(uses)-1)
				s.AvgInterval = &avg
			}
			if durationMin > 0 {
				s.CastsPerMinute = float64(len(uses)) / durationMin
			}
			ps.Abilities = append(ps.Abilities, s)
		}

		sort.SliceStable(ps.Abilities, func(i, j int) bool {
			if ps.Abilities[i].Count != ps.Abilities[j].Count {
				return ps.Abilities[i].Count > ps.Abilities[j].Count
			}
			return ps.Abilities[i].Name < ps.Abilities[j].Name
		})
		summaries = append(summaries, ps)
	}

	sort.SliceStable(summaries, func(i, j int) bool {
		if summaries[i].TotalCasts != summaries[j].TotalCasts {
			return summaries[i].TotalCasts > summaries[j].TotalCasts
		}
		return summaries[i].Player < summaries[j].Player
	})
	return summaries
}
