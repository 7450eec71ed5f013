package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
)

// maxLevenshteinDistance is the maximum edit distance for "did you mean?"
// suggestions when unknown config keys are detected.
const maxLevenshteinDistance = 3

// knownSectionKeys are the valid keys per config section. The empty
// section name holds the flat top-level keys.
var knownSectionKeys = map[string]map[string]bool{
	"": {
		"state_dir": true,
	},
	"polling": {
		"interval": true, "encounter_ttl": true, "repoll_interval": true,
		"batch_size": true, "category": true, "rate_limit": true, "rate_burst": true,
	},
	"queues": {
		"upload_visibility": true, "composition_visibility": true,
		"max_receive_count": true, "dedup_window": true, "dlq_retention": true,
	},
	"workflow": {
		"workers": true, "step_attempts": true, "retry_base": true,
		"lease_ttl": true, "poll_timeout": true, "heavy_timeout": true,
	},
	"logging": {
		"log_level": true, "log_format": true, "log_file": true,
	},
	"network": {
		"connect_timeout": true, "data_timeout": true, "user_agent": true,
	},
	"tenant": {
		"base_url": true, "token_url": true, "client_id": true,
		"client_secret": true, "client_secret_file": true, "scopes": true, "disabled": true,
	},
}

// knownKeysList returns the sorted known keys for a section, for
// deterministic Levenshtein suggestions.
func knownKeysList(section string) []string {
	m := knownSectionKeys[section]
	keys := make([]string, 0, len(m))

	for k := range m {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}

// checkUnknownKeys inspects TOML metadata for undecoded keys and returns
// an error with "did you mean?" suggestions for each unknown key.
func checkUnknownKeys(md *toml.MetaData) error {
	undecoded := md.Undecoded()
	if len(undecoded) == 0 {
		return nil
	}

	var errs []error

	for _, key := range undecoded {
		if err := buildKeyError(key.String()); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// buildKeyError creates a descriptive error for an unknown key,
// optionally suggesting the closest known key in its section. Tenant
// sections carry the tenant name as the middle path segment
// ("tenant.acme.base_url"), which is skipped for lookup.
func buildKeyError(keyStr string) error {
	parts := strings.Split(keyStr, ".")
	section := ""
	field := parts[0]

	switch {
	case parts[0] == "tenant" && len(parts) >= 3:
		section = "tenant"
		field = parts[len(parts)-1]
	case len(parts) >= 2:
		section = parts[0]
		field = parts[1]

		if _, ok := knownSectionKeys[section]; !ok {
			return fmt.Errorf("unknown config section %q", section)
		}
	}

	suggestion := closestMatch(field, knownKeysList(section))
	where := field

	if section != "" {
		where = section + "." + field
	}

	if suggestion != "" {
		return fmt.Errorf("unknown config key %q — did you mean %q?", where, suggestion)
	}

	return fmt.Errorf("unknown config key %q", where)
}

// closestMatch finds the closest known key by Levenshtein distance.
// Returns empty string if no match is within maxLevenshteinDistance.
func closestMatch(unknown string, known []string) string {
	best := ""
	bestDist := maxLevenshteinDistance + 1

	for _, k := range known {
		d := levenshtein(unknown, k)
		if d < bestDist {
			bestDist = d
			best = k
		}
	}

	if bestDist <= maxLevenshteinDistance {
		return best
	}

	return ""
}

// levenshtein computes the edit distance between two strings.
func levenshtein(a, b string) int {
	if a == "" {
		return len(b)
	}

	if b == "" {
		return len(a)
	}

	// Use single-row optimization to avoid allocating a full matrix.
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)

	for j := range prev {
		prev[j] = j
	}

	for i := range len(a) {
		curr[0] = i + 1

		for j := range len(b) {
			cost := 1
			if a[i] == b[j] {
				cost = 0
			}

			curr[j+1] = minOf(curr[j]+1, prev[j+1]+1, prev[j]+cost)
		}

		prev, curr = curr, prev
	}

	return prev[len(b)]
}

// minOf returns the minimum of three integers.
func minOf(a, b, c int) int {
	m := a
	if b < m {
		m = b
	}

	if c < m {
		m = c
	}

	return m
}
