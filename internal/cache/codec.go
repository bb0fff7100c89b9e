package cache

import (
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/konote/surveyengine/internal/triggers"
)

// maxVersionDigits bounds the search for the version separator: an int64 has at
// most 19 digits, plus an optional sign.
const maxVersionDigits = 20

// encodeEntry renders an L2 value as "<generation>|<json>".
func encodeEntry(generation int64, rules []triggers.RuleRecord) (string, error) {
	if rules == nil {
		rules = []triggers.RuleRecord{}
	}
	body, err := json.Marshal(rules)
	if err != nil {
		return "", fmt.Errorf("failed to encode rules: %w", err)
	}
	return strconv.FormatInt(generation, 10) + "|" + string(body), nil
}

// decodeEntry parses a value written by encodeEntry.
func decodeEntry(raw string) (int64, []triggers.RuleRecord, error) {
	limit := min(len(raw), maxVersionDigits+1)
	sep := strings.IndexByte(raw[:limit], '|')
	if sep <= 0 {
		return 0, nil, fmt.Errorf("missing generation prefix")
	}

	generation, err := strconv.ParseInt(raw[:sep], 10, 64)
	if err != nil {
		return 0, nil, fmt.Errorf("invalid generation %q: %w", raw[:sep], err)
	}

	var rules []triggers.RuleRecord
	if err := json.Unmarshal([]byte(raw[sep+1:]), &rules); err != nil {
		return 0, nil, fmt.Errorf("failed to decode rules: %w", err)
	}
	return generation, rules, nil
}

// FilterKey is the canonical cache key of a rule filter. Type order does not matter.
func FilterKey(f triggers.RuleFilter) string {
	types := make([]string, len(f.Types))
	for i, t := range f.Types {
		types[i] = string(t)
	}
	slices.Sort(types)
	types = slices.Compact(types)

	var b strings.Builder
	b.WriteString("types=")
	b.WriteString(strings.Join(types, ","))
	if f.EventTypeID != nil {
		b.WriteString(";event_type=")
		b.WriteString(f.EventTypeID.String())
	}
	if f.ProgramID != nil {
		b.WriteString(";program=")
		b.WriteString(f.ProgramID.String())
	}
	return b.String()
}
