package fflogs

import (
	"strconv"
	"strings"
)

// JobAlias links the three disjoint namings of a combat job: the
// three-letter community code, the canonical spec name the log service
// reports, and its numeric class id.
type JobAlias struct {
	ID   int
	Name string
	Code string
}

var jobTable = []JobAlias{
	{1, "Astrologian", "AST"},
	{2, "Bard", "BRD"},
	{3, "Black Mage", "BLM"},
	{4, "Dark Knight", "DRK"},
	{5, "Dragoon", "DRG"},
	{6, "Machinist", "MCH"},
	{7, "Monk", "MNK"},
	{8, "Ninja", "NIN"},
	{9, "Paladin", "PLD"},
	{10, "Scholar", "SCH"},
	{11, "Summoner", "SMN"},
	{12, "Warrior", "WAR"},
	{13, "White Mage", "WHM"},
	{14, "Red Mage", "RDM"},
	{15, "Samurai", "SAM"},
	{16, "Dancer", "DNC"},
	{17, "Gunbreaker", "GNB"},
	{18, "Reaper", "RPR"},
	{19, "Sage", "SGE"},
	{20, "Viper", "VPR"},
	{21, "Pictomancer", "PCT"},
}

// normalizeJobKey lowercases and strips punctuation/whitespace so
// "Black Mage", "black-mage" and "BLACKMAGE" all compare equal.
func normalizeJobKey(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// FindJob resolves a user-supplied job query (code, name or numeric id)
// to its alias entry.
func FindJob(q string) (JobAlias, bool) {
	norm := normalizeJobKey(q)
	if norm == "" {
		return JobAlias{}, false
	}
	if id, err := strconv.Atoi(norm); err == nil {
		for _, j := range jobTable {
			if j.ID == id {
				return j, true
			}
		}
	}
	for _, j := range jobTable {
		if norm == normalizeJobKey(j.Code) || norm == normalizeJobKey(j.Name) {
			return j, true
		}
	}
	return JobAlias{}, false
}

// matchesJob checks a normalized ranking entry against a job alias,
// comparing every candidate field the payload may carry.
func matchesJob(e RankingEntry, job JobAlias) bool {
	want := normalizeJobKey(job.Name)
	wantCode := normalizeJobKey(job.Code)
	for _, candidate := range []string{e.Spec, e.Class} {
		norm := normalizeJobKey(candidate)
		if norm != "" && (norm == want || norm == wantCode) {
			return true
		}
	}
	return e.ClassID != 0 && e.ClassID == job.ID
}
