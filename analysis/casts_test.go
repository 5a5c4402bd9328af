package analysis

import (
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"loglens/fflogs"
)

func TestBuildPlayerCasts(t *testing.T) {
	actors := map[int]fflogs.Actor{
		1:  {ID: 1, Name: "Alisaie", Type: "Player"},
		2:  {ID: 2, Name: "Alisaie", Type: "Player"},
		3:  {ID: 3, Name: "Carbuncle", Type: "Pet", PetOwner: 1},
		12: {ID: 12, Name: "Zeromus", Type: "NPC"},
	}

	Convey("Given events from players, a pet and the boss", t, func() {
		events := []fflogs.CastEvent{
			castEvent(10_000, 1, 100),
			castEvent(4_000, 1, 101),
			castEvent(6_000, 2, 100),
			castEvent(7_000, 3, 200),
			castEvent(8_000, 12, 400),
			castEvent(9_000, 0, 500),
		}
		names := map[int]string{100: "Verfire", 101: "Verstone"}

		casts := BuildPlayerCasts(events, actors, 2_000, names, nil)

		Convey("Only player events are grouped", func() {
			So(casts, ShouldHaveLength, 2)
		})

		Convey("Same-named players stay distinct via the actor id key", func() {
			So(casts, ShouldContainKey, "Alisaie#1")
			So(casts, ShouldContainKey, "Alisaie#2")
		})

		Convey("Each group is sorted by offset", func() {
			own := casts["Alisaie#1"]
			So(own, ShouldHaveLength, 2)
			So(own[0].Offset, ShouldEqual, 2.0)
			So(own[0].Ability, ShouldEqual, "Verstone")
			So(own[1].Offset, ShouldEqual, 8.0)
			So(own[1].Ability, ShouldEqual, "Verfire")
		})
	})
}

func TestBuildPlayerSummary(t *testing.T) {
	Convey("Given one player casting Fire at 0s and 30s and Ice at 60s over a two minute fight", t, func() {
		casts := map[string][]TimelineEntry{
			"Pyro#1": {
				{Offset: 0, Source: "Pyro", Ability: "Fire", AbilityID: 141},
				{Offset: 30, Source: "Pyro", Ability: "Fire", AbilityID: 141},
				{Offset: 60, Source: "Pyro", Ability: "Ice", AbilityID: 142},
			},
		}

		summaries := BuildPlayerSummary(casts, 120_000)
		So(summaries, ShouldHaveLength, 1)
		ps := summaries[0]

		Convey("Totals cover every cast", func() {
			So(ps.Player, ShouldEqual, "Pyro#1")
			So(ps.TotalCasts, ShouldEqual, 3)
		})

		Convey("Fire aggregates count, interval and rate", func() {
			So(ps.Abilities, ShouldHaveLength, 2)
			fire := ps.Abilities[0]
			So(fire.Name, ShouldEqual, "Fire")
			So(fire.Count, ShouldEqual, 2)
			So(fire.FirstUse, ShouldEqual, 0.0)
			So(fire.LastUse, ShouldEqual, 30.0)
			So(fire.AvgInterval, ShouldNotBeNil)
			So(*fire.AvgInterval, ShouldEqual, 30.0)
			So(fire.CastsPerMinute, ShouldEqual, 1.0)
		})

		Convey("A single-use ability has no interval", func() {
			ice := ps.Abilities[1]
			So(ice.Name, ShouldEqual, "Ice")
			So(ice.Count, ShouldEqual, 1)
			So(ice.AvgInterval, ShouldBeNil)
			So(ice.CastsPerMinute, ShouldEqual, 0.5)
		})
	})

	Convey("Given multiple players", t, func() {
		casts := map[string][]TimelineEntry{
			"Beta#2":  {{Offset: 0, Ability: "A"}},
			"Alpha#1": {{Offset: 0, Ability: "A"}},
			"Gamma#3": {{Offset: 0, Ability: "A"}, {Offset: 1, Ability: "A"}},
		}
		summaries := BuildPlayerSummary(casts, 60_000)

		Convey("Ordering is total casts descending, then name", func() {
			So(summaries[0].Player, ShouldEqual, "Gamma#3")
			So(summaries[1].Player, ShouldEqual, "Alpha#1")
			So(summaries[2].Player, ShouldEqual, "Beta#2")
		})
	})

	Convey("Given a zero duration", t, func() {
		casts := map[string][]TimelineEntry{
			"Solo#1": {{Offset: 0, Ability: "A"}},
		}
		summaries := BuildPlayerSummary(casts, 0)

		Convey("The per-minute rate stays zero instead of dividing by zero", func() {
			So(summaries[0].Abilities[0].CastsPerMinute, ShouldEqual, 0.0)
		})
	})
}
