package fflogs

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jellydator/ttlcache/v3"
	jsoniter "github.com/json-iterator/go"
)

var jsonIter = jsoniter.ConfigCompatibleWithStandardLibrary

// Fight is one attempt at an encounter inside a report.
type Fight struct {
	ID          int    `json:"id"`
	EncounterID int    `json:"encounterID"`
	Name        string `json:"name"`
	Kill        bool   `json:"kill"`
	StartTime   int64  `json:"startTime"`
	EndTime     int64  `json:"endTime"`
	Difficulty  int    `json:"difficulty,omitempty"`
	BossID      int    `json:"boss,omitempty"`
}

func (f Fight) DurationMS() int64 { return f.EndTime - f.StartTime }

// Actor is a report participant from master data.
type Actor struct {
	ID       int    `json:"id"`
	GameID   int64  `json:"gameID"`
	Name     string `json:"name"`
	Type     string `json:"type"`
	SubType  string `json:"subType,omitempty"`
	PetOwner int    `json:"petOwner,omitempty"`
}

func (a Actor) IsPlayer() bool { return a.Type == "Player" }
func (a Actor) IsPet() bool    { return a.Type == "Pet" || a.PetOwner != 0 }

// AbilityRef is the ability reference bundled with an event, as loosely
// typed as the service sends it.
type AbilityRef struct {
	GameID      int    `json:"guid,omitempty"`
	AlternateID int    `json:"abilityID,omitempty"`
	Name        string `json:"name,omitempty"`
}

// CastEvent is one timestamped ability use. Events are immutable facts
// pulled from upstream and are never mutated locally.
type CastEvent struct {
	Timestamp     int64       `json:"timestamp"`
	Type          string      `json:"type"`
	SourceID      int         `json:"sourceID,omitempty"`
	TargetID      int         `json:"targetID,omitempty"`
	AbilityGameID int         `json:"abilityGameID,omitempty"`
	Ability       *AbilityRef `json:"ability,omitempty"`
}

// AbilityID returns the best available ability identifier, zero when
// the event carries none at all.
func (e CastEvent) AbilityID() int {
	if e.AbilityGameID != 0 {
		return e.AbilityGameID
	}
	if e.Ability != nil {
		if e.Ability.GameID != 0 {
			return e.Ability.GameID
		}
		return e.Ability.AlternateID
	}
	return 0
}

// ReportFights is a report's fight list.
type ReportFights struct {
	ReportCode string
	Fights     []Fight
}

// MasterData is the per-report actor and ability lookup tables.
type MasterData struct {
	ActorsByID          map[int]Actor
	AbilityNameByGameID map[int]string
}

const (
	fightsQueryTranslated = `
query($code: String!) {
  reportData {
    report(code: $code) {
      fights(translate: true) {
        id
        encounterID
        name
        kill
        startTime
        endTime
        difficulty
      }
    }
  }
}`
	fightsQueryPlain = `
query($code: String!) {
  reportData {
    report(code: $code) {
      fights {
        id
        encounterID
        name
        kill
        startTime
        endTime
        difficulty
      }
    }
  }
}`
)

type fightsResp struct {
	ReportData struct {
		Report *struct {
			Fights []Fight `json:"fights"`
		} `json:"report"`
	} `json:"reportData"`
}

// Fights fetches a report's fight list. A null report surfaces as
// ReportNotFoundError.
func (c *Client) Fights(ctx context.Context, code string) (ReportFights, error) {
	variants := []queryVariant{
		{name: "fights-translated", query: fightsQueryTranslated, downgrade: isUnknownArgument},
		{name: "fights-plain", query: fightsQueryPlain},
	}

	var out fightsResp
	if err := c.doVariants(ctx, variants, map[string]interface{}{"code": code}, &out); err != nil {
		return ReportFights{}, err
	}
	if out.ReportData.Report == nil {
		return ReportFights{}, &ReportNotFoundError{Code: code}
	}
	return ReportFights{ReportCode: code, Fights: out.ReportData.Report.Fights}, nil
}

// FightsCached memoizes fight lists per process for an hour. The
// rankings repair path hits the same reports repeatedly.
func (c *Client) FightsCached(ctx context.Context, code string) (ReportFights, error) {
	if item := c.fightsMemo.Get(code); item != nil {
		return ReportFights{ReportCode: code, Fights: item.Value()}, nil
	}
	rf, err := c.Fights(ctx, code)
	if err != nil {
		return ReportFights{}, err
	}
	c.fightsMemo.Set(code, rf.Fights, ttlcache.DefaultTTL)
	return rf, nil
}

const (
	masterDataQueryTranslated = `
query($code: String!) {
  reportData {
    report(code: $code) {
      masterData(translate: true) {
        actors {
          id
          gameID
          name
          type
          subType
          petOwner
        }
        abilities {
          gameID
          name
        }
      }
    }
  }
}`
	masterDataQueryPlain = `
query($code: String!) {
  reportData {
    report(code: $code) {
      masterData {
        actors {
          id
          gameID
          name
          type
          subType
          petOwner
        }
        abilities {
          gameID
          name
        }
      }
    }
  }
}`
)

type masterDataResp struct {
	ReportData struct {
		Report *struct {
			MasterData *struct {
				Actors    []Actor `json:"actors"`
				Abilities []struct {
					GameID int    `json:"gameID"`
					Name   string `json:"name"`
				} `json:"abilities"`
			} `json:"masterData"`
		} `json:"report"`
	} `json:"reportData"`
}

// MasterDataFor builds the actor and ability lookup maps for a report.
func (c *Client) MasterDataFor(ctx context.Context, code string) (MasterData, error) {
	variants := []queryVariant{
		{name: "masterdata-translated", query: masterDataQueryTranslated, downgrade: isUnknownArgument},
		{name: "masterdata-plain", query: masterDataQueryPlain},
	}

	var out masterDataResp
	if err := c.doVariants(ctx, variants, map[string]interface{}{"code": code}, &out); err != nil {
		return MasterData{}, err
	}
	if out.ReportData.Report == nil || out.ReportData.Report.MasterData == nil {
		return MasterData{}, &MasterDataUnavailableError{Code: code}
	}

	md := MasterData{
		ActorsByID:          make(map[int]Actor, len(out.ReportData.Report.MasterData.Actors)),
		AbilityNameByGameID: make(map[int]string, len(out.ReportData.Report.MasterData.Abilities)),
	}
	for _, a := range out.ReportData.Report.MasterData.Actors {
		md.ActorsByID[a.ID] = a
	}
	for _, ab := range out.ReportData.Report.MasterData.Abilities {
		if ab.Name != "" {
			md.AbilityNameByGameID[ab.GameID] = ab.Name
		}
	}
	return md, nil
}

// EventDataType selects which event stream to page through.
type EventDataType string

const (
	DataTypeCasts EventDataType = "Casts"
	DataTypeAll   EventDataType = "All"
)

// EventsParams bounds one paginated event fetch.
type EventsParams struct {
	Code      string
	FightID   int
	DataType  EventDataType
	StartTime float64
	EndTime   float64
	Limit     int
}

const (
	eventsQueryFmtTranslated = `
query($code: String!, $fightID: Int!, $startTime: Float, $endTime: Float, $limit: Int!) {
  reportData {
    report(code: $code) {
      events(fightIDs: [$fightID], dataType: %s, startTime: $startTime, endTime: $endTime, limit: $limit, useAbilityIDs: true, translate: true) {
        data
        nextPageTimestamp
      }
    }
  }
}`
	eventsQueryFmtPlain = `
query($code: String!, $fightID: Int!, $startTime: Float, $endTime: Float, $limit: Int!) {
  reportData {
    report(code: $code) {
      events(fightIDs: [$fightID], dataType: %s, startTime: $startTime, endTime: $endTime, limit: $limit, useAbilityIDs: true) {
        data
        nextPageTimestamp
      }
    }
  }
}`
)

type eventsPageResp struct {
	ReportData struct {
		Report *struct {
			Events struct {
				Data              []jsoniter.RawMessage `json:"data"`
				NextPageTimestamp *float64              `json:"nextPageTimestamp"`
			} `json:"events"`
		} `json:"report"`
	} `json:"reportData"`
}

const (
	defaultEventPageLimit = 10000
	maxEventPages         = 50
)

// Events pages the full event stream for a fight: fixed-size pages
// starting at StartTime, cursor advanced to nextPageTimestamp, stopping
// on a missing or non-increasing cursor. Pages arrive in timestamp
// order and are appended as-is.
func (c *Client) Events(ctx context.Context, p EventsParams) ([]CastEvent, error) {
	if p.DataType == "" {
		p.DataType = DataTypeCasts
	}
	if p.DataType != DataTypeCasts && p.DataType != DataTypeAll {
		return nil, fmt.Errorf("fflogs: unsupported event data type %q", p.DataType)
	}
	if p.Limit <= 0 {
		p.Limit = defaultEventPageLimit
	}

	variants := []queryVariant{
		{
			name:      "events-translated",
			query:     fmt.Sprintf(eventsQueryFmtTranslated, p.DataType),
			downgrade: isUnknownArgument,
		},
		{
			name:  "events-plain",
			query: fmt.Sprintf(eventsQueryFmtPlain, p.DataType),
		},
	}

	var events []CastEvent
	cursor := p.StartTime
	for page := 0; ; page++ {
		vars := map[string]interface{}{
			"code":      p.Code,
			"fightID":   p.FightID,
			"startTime": cursor,
			"endTime":   p.EndTime,
			"limit":     p.Limit,
		}

		var out eventsPageResp
		if err := c.doVariants(ctx, variants, vars, &out); err != nil {
			return nil, err
		}
		if out.ReportData.Report == nil {
			return nil, &ReportNotFoundError{Code: p.Code}
		}

		evs := out.ReportData.Report.Events
		for _, raw := range evs.Data {
			var ev CastEvent
			if err := jsonIter.Unmarshal(raw, &ev); err != nil {
				slog.Warn("skipping undecodable event", slog.String("report", p.Code), "error", err)
				continue
			}
			events = append(events, ev)
		}

		if evs.NextPageTimestamp == nil {
			break
		}
		next := *evs.NextPageTimestamp
		if next <= cursor {
			slog.Warn("pagination aborted: cursor did not advance",
				slog.String("report", p.Code), slog.Float64("cursor", cursor), slog.Float64("next", next))
			break
		}
		cursor = next

		if page+1 >= maxEventPages {
			slog.Warn("pagination aborted: exceeded max pages",
				slog.String("report", p.Code), slog.Int("maxPages", maxEventPages))
			break
		}
	}

	return events, nil
}

// Zone is one world zone with its encounters.
type Zone struct {
	ID         int         `json:"id"`
	Name       string      `json:"name"`
	Encounters []Encounter `json:"encounters"`
}

// Encounter is one boss encounter listed under a zone.
type Encounter struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

const zonesQuery = `
query {
  worldData {
    zones {
      id
      name
      encounters {
        id
        name
      }
    }
  }
}`

type zonesResp struct {
	WorldData struct {
		Zones []Zone `json:"zones"`
	} `json:"worldData"`
}

// Zones lists world zones and their encounters.
func (c *Client) Zones(ctx context.Context) ([]Zone, error) {
	var out zonesResp
	if err := c.Do(ctx, zonesQuery, nil, &out); err != nil {
		return nil, err
	}
	return out.WorldData.Zones, nil
}

// EncounterName resolves an encounter id to its display name, empty
// when the listing does not contain it.
func (c *Client) EncounterName(ctx context.Context, encounterID int) (string, error) {
	zones, err := c.Zones(ctx)
	if err != nil {
		return "", err
	}
	for _, z := range zones {
		for _, e := range z.Encounters {
			if e.ID == encounterID {
				return e.Name, nil
			}
		}
	}
	return "", nil
}
