package fflogs

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// The rankings array is not at a fixed path: the envelope changes with
// metric, game version and service deploys. Extraction tries well-known
// paths first and falls back to a bounded breadth-first search for the
// first array whose elements look like ranking rows.

const (
	searchMaxDepth = 6
	searchMaxNodes = 512
)

var reportURLRe = regexp.MustCompile(`/reports/([A-Za-z0-9]{8,32})`)

// wellKnownRankingPaths are tried in priority order before any search.
var wellKnownRankingPaths = [][]string{
	{"worldData", "encounter", "characterRankings", "rankings"},
	{"worldData", "encounter", "characterRankings"},
	{"encounter", "characterRankings"},
	{"characterRankings", "rankings"},
	{"characterRankings"},
	{"rankings"},
}

func asMap(v interface{}) (map[string]interface{}, bool) {
	m, ok := v.(map[string]interface{})
	return m, ok
}

func asSlice(v interface{}) ([]interface{}, bool) {
	s, ok := v.([]interface{})
	return s, ok
}

func asFloat(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

func asString(v interface{}) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

func asBool(v interface{}) (bool, bool) {
	switch t := v.(type) {
	case bool:
		return t, true
	case float64:
		return t != 0, true
	case string:
		b, err := strconv.ParseBool(t)
		if err != nil {
			return false, false
		}
		return b, true
	default:
		return false, false
	}
}

// decodeEmbedded turns a JSON-encoded string payload back into a
// structure. The service serializes some sub-objects (characterRankings,
// bracketData) as JSON scalars depending on the query variant.
func decodeEmbedded(v interface{}) interface{} {
	s, ok := v.(string)
	if !ok {
		return v
	}
	trimmed := strings.TrimSpace(s)
	if len(trimmed) == 0 || (trimmed[0] != '{' && trimmed[0] != '[') {
		return v
	}
	var decoded interface{}
	if err := jsonIter.UnmarshalFromString(trimmed, &decoded); err != nil {
		return v
	}
	return decoded
}

// looksLikeRankingRow is the heuristic predicate behind the tree
// search: a map is a ranking row when it carries a fight identifier or
// a nested report reference.
func looksLikeRankingRow(m map[string]interface{}) bool {
	for _, key := range []string{"fightID", "fightId", "fight_id", "fight"} {
		if _, ok := m[key]; ok {
			return true
		}
	}
	if rep, ok := m["report"]; ok {
		if _, isMap := asMap(decodeEmbedded(rep)); isMap {
			return true
		}
	}
	for _, key := range []string{"reportCode", "reportID"} {
		if _, ok := m[key]; ok {
			return true
		}
	}
	return false
}

func rowsFromValue(v interface{}) ([]map[string]interface{}, bool) {
	v = decodeEmbedded(v)

	// A container object may wrap the array under "rankings" or "data".
	if m, ok := asMap(v); ok {
		for _, key := range []string{"rankings", "data"} {
			if inner, ok := m[key]; ok {
				if rows, ok := rowsFromValue(inner); ok {
					return rows, true
				}
			}
		}
		return nil, false
	}

	arr, ok := asSlice(v)
	if !ok || len(arr) == 0 {
		return nil, false
	}
	rows := make([]map[string]interface{}, 0, len(arr))
	for _, el := range arr {
		m, ok := asMap(el)
		if !ok {
			return nil, false
		}
		rows = append(rows, m)
	}
	if !looksLikeRankingRow(rows[0]) {
		return nil, false
	}
	return rows, true
}

func valueAtPath(root map[string]interface{}, path []string) (interface{}, bool) {
	var cur interface{} = root
	for _, key := range path {
		m, ok := asMap(decodeEmbedded(cur))
		if !ok {
			return nil, false
		}
		cur, ok = m[key]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// findRankingRows locates the raw ranking rows inside an arbitrary
// payload. Returns the rows plus a sorted sample of the keys seen at
// the top level, used for diagnostics when everything fails.
func findRankingRows(root map[string]interface{}) ([]map[string]interface{}, []string) {
	sample := sampleKeys(root)

	for _, path := range wellKnownRankingPaths {
		if v, ok := valueAtPath(root, path); ok {
			if rows, ok := rowsFromValue(v); ok {
				return rows, sample
			}
		}
	}

	// Bounded BFS over the whole structure.
	type node struct {
		value interface{}
		depth int
	}
	queue := []node{{value: root, depth: 0}}
	visited := 0
	for len(queue) > 0 && visited < searchMaxNodes {
		n := queue[0]
		queue = queue[1:]
		visited++

		v := decodeEmbedded(n.value)
		if rows, ok := rowsFromValue(v); ok {
			return rows, sample
		}
		if n.depth >= searchMaxDepth {
			continue
		}
		if m, ok := asMap(v); ok {
			for _, key := range sortedKeys(m) {
				queue = append(queue, node{value: m[key], depth: n.depth + 1})
			}
		} else if arr, ok := asSlice(v); ok {
			for _, el := range arr {
				queue = append(queue, node{value: el, depth: n.depth + 1})
			}
		}
	}
	return nil, sample
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sampleKeys(m map[string]interface{}) []string {
	keys := sortedKeys(m)
	const maxSample = 10
	if len(keys) > maxSample {
		keys = keys[:maxSample]
	}
	return keys
}

// pickFloat returns the first numeric value found under the candidate
// keys, in priority order.
func pickFloat(m map[string]interface{}, keys ...string) (float64, bool) {
	for _, key := range keys {
		if v, ok := m[key]; ok {
			if f, ok := asFloat(v); ok {
				return f, true
			}
		}
	}
	return 0, false
}

func pickString(m map[string]interface{}, keys ...string) (string, bool) {
	for _, key := range keys {
		if v, ok := m[key]; ok {
			if s, ok := asString(v); ok && s != "" {
				return s, true
			}
		}
	}
	return "", false
}

func pickBool(m map[string]interface{}, keys ...string) (bool, bool) {
	for _, key := range keys {
		if v, ok := m[key]; ok {
			if b, ok := asBool(v); ok {
				return b, true
			}
		}
	}
	return false, false
}

// reportCodeFromRow supports the four known encodings: a nested report
// object, a direct code field, a report id field, or a report URL.
func reportCodeFromRow(row map[string]interface{}) string {
	if rep, ok := asMap(decodeEmbedded(row["report"])); ok {
		if code, ok := pickString(rep, "code", "reportCode", "id"); ok {
			return code
		}
	}
	if code, ok := pickString(row, "reportCode", "code", "reportID"); ok {
		return code
	}
	if url, ok := pickString(row, "reportUrl", "reportURL", "url", "link"); ok {
		if m := reportURLRe.FindStringSubmatch(url); m != nil {
			return m[1]
		}
	}
	return ""
}

// fightIDFromRow supports numeric, numeric-string and aliased field
// names, plus the id nested under the report object or a fight object.
func fightIDFromRow(row map[string]interface{}) int {
	for _, key := range []string{"fightID", "fightId", "fight_id"} {
		if f, ok := pickFloat(row, key); ok && f > 0 {
			return int(f)
		}
	}
	if v, ok := row["fight"]; ok {
		v = decodeEmbedded(v)
		if f, ok := asFloat(v); ok && f > 0 {
			return int(f)
		}
		if m, ok := asMap(v); ok {
			if f, ok := pickFloat(m, "id", "fightID"); ok && f > 0 {
				return int(f)
			}
		}
	}
	if rep, ok := asMap(decodeEmbedded(row["report"])); ok {
		if f, ok := pickFloat(rep, "fightID", "fightId"); ok && f > 0 {
			return int(f)
		}
	}
	return 0
}

// normalizeSeconds converts millisecond durations to seconds. Upstream
// mixes units; anything above 10000 is taken as milliseconds.
func normalizeSeconds(v float64) float64 {
	if v > 10000 {
		return v / 1000
	}
	return v
}
