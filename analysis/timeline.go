package analysis

import (
	"fmt"
	"sort"

	"loglens/fflogs"
)

// TimelineEntry is one ability use at a relative offset from fight
// start, in seconds.
type TimelineEntry struct {
	Offset    float64 `json:"t"`
	Source    string  `json:"source"`
	Ability   string  `json:"ability"`
	AbilityID int     `json:"abilityID,omitempty"`
}

// BossPicker infers the boss actor id from an event batch, zero when
// nothing qualifies. Pluggable so a stricter encounter-metadata-based
// strategy can replace the default without touching callers.
type BossPicker func(events []fflogs.CastEvent, actors map[int]fflogs.Actor) int

// InferBoss is the default picker: among non-player, non-pet source
// actors, the one with the most events wins. This is a deliberately
// rough approximation, kept because encounter metadata is not reliable
// enough across game versions to do better here.
func InferBoss(events []fflogs.CastEvent, actors map[int]fflogs.Actor) int {
	counts := make(map[int]int)
	for _, ev := range events {
		if ev.SourceID == 0 {
			continue
		}
		a, ok := actors[ev.SourceID]
		if !ok || a.IsPlayer() || a.IsPet() {
			continue
		}
		counts[ev.SourceID]++
	}

	bossID, bossCount := 0, 0
	for id, n := range counts {
		if n > bossCount || (n == bossCount && id < bossID) {
			bossID, bossCount = id, n
		}
	}
	return bossID
}

// resolveAbilityName applies the display-name priority chain: the
// authoritative merged map, then report master data, then the name the
// log service bundled with the event, then a synthetic placeholder.
func resolveAbilityName(ev fflogs.CastEvent, nameMap map[int]string, master map[int]string) string {
	id := ev.AbilityID()
	if name, ok := nameMap[id]; ok && name != "" {
		return name
	}
	if name, ok := master[id]; ok && name != "" {
		return name
	}
	if ev.Ability != nil && ev.Ability.Name != "" {
		return ev.Ability.Name
	}
	return fmt.Sprintf("Ability#%d", id)
}

func actorName(actors map[int]fflogs.Actor, id int) string {
	if a, ok := actors[id]; ok && a.Name != "" {
		return a.Name
	}
	return fmt.Sprintf("Actor#%d", id)
}

// BuildBossTimeline builds the boss's chronological ability sequence.
// Strict cast/begincast events are preferred when the boss has any;
// otherwise every event type from the boss is used. Never fails: names
// degrade to placeholders.
func BuildBossTimeline(
	events []fflogs.CastEvent,
	actors map[int]fflogs.Actor,
	bossID int,
	fightStart int64,
	nameMap map[int]string,
	master map[int]string,
) []TimelineEntry {
	if bossID == 0 {
		return nil
	}

	own := make([]fflogs.CastEvent, 0, len(events))
	casts := make([]fflogs.CastEvent, 0, len(events))
	for _, ev := range events {
		if ev.SourceID != bossID {
			continue
		}
		own = append(own, ev)
		if ev.Type == "cast" || ev.Type == "begincast" {
			casts = append(casts, ev)
		}
	}
	if len(casts) > 0 {
		own = casts
	}

	name := actorName(actors, bossID)
	entries := make([]TimelineEntry, 0, len(own))
	for _, ev := range own {
		entries = append(entries, TimelineEntry{
			Offset:    float64(ev.Timestamp-fightStart) / 1000,
			Source:    name,
			Ability:   resolveAbilityName(ev, nameMap, master),
			AbilityID: ev.AbilityID(),
		})
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Offset < entries[j].Offset })
	return entries
}
