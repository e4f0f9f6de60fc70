package results

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"scand/internal/errs"
)

// Schema profiles, from narrowest to widest. brief is the default.
const (
	ProfileMinimal = "minimal"
	ProfileSummary = "summary"
	ProfileBrief   = "brief"
	ProfileFull    = "full"
	profileCustom  = "custom"
)

var profileFields = map[string][]string{
	ProfileMinimal: {"host", "plugin_id", "severity", "cve", "cvss_score", "exploit_available"},
	ProfileSummary: {"host", "plugin_id", "severity", "cve", "cvss_score", "exploit_available",
		"plugin_name", "cvss3_base_score", "synopsis"},
	ProfileBrief: {"host", "plugin_id", "severity", "cve", "cvss_score", "exploit_available",
		"plugin_name", "cvss3_base_score", "synopsis", "description", "solution"},
}

// Pagination bounds for page >= 1.
const (
	MinPageSize     = 10
	MaxPageSize     = 100
	DefaultPageSize = 40
)

// Params selects, filters, and windows the projection.
type Params struct {
	Profile      string            // "" means brief
	CustomFields []string          // mutually exclusive with a non-default profile
	Filters      map[string]string // ANDed predicates
	Page         int               // 0 returns everything and omits the pagination record
	PageSize     int               // clamped to [MinPageSize, MaxPageSize]
}

// Project renders the report as line-delimited JSON. It is pure: the
// same report and params always produce byte-identical output.
func Project(report *Report, params Params) (string, error) {
	const op = "results.Project"

	profile := params.Profile
	if profile == "" {
		profile = ProfileBrief
	}
	if _, ok := profileFields[profile]; !ok && profile != ProfileFull {
		return "", errs.Errorf(op, errs.KindInvalidArgument, "unknown schema profile %q", profile)
	}
	if len(params.CustomFields) > 0 && params.Profile != "" && params.Profile != ProfileBrief {
		return "", errs.E(op, errs.KindInvalidArgument,
			"custom_fields cannot be combined with a schema profile")
	}

	var fields []string
	switch {
	case len(params.CustomFields) > 0:
		profile = profileCustom
		fields = append([]string{}, params.CustomFields...)
		sort.Strings(fields)
	case profile == ProfileFull:
		fields = nil // no projection
	default:
		fields = profileFields[profile]
	}

	filtered := make([]Vulnerability, 0, len(report.Vulnerabilities))
	for _, v := range report.Vulnerabilities {
		if matchesAll(v, params.Filters) {
			filtered = append(filtered, v)
		}
	}

	page := params.Page
	if page < 0 {
		return "", errs.Errorf(op, errs.KindInvalidArgument, "page %d out of range", page)
	}
	pageSize := clampPageSize(params.PageSize)
	totalPages := 0
	if len(filtered) > 0 {
		totalPages = int(math.Ceil(float64(len(filtered)) / float64(pageSize)))
	}

	window := filtered
	if page >= 1 {
		start := (page - 1) * pageSize
		if start >= len(filtered) {
			window = nil
		} else {
			end := start + pageSize
			if end > len(filtered) {
				end = len(filtered)
			}
			window = filtered[start:end]
		}
	}

	var out strings.Builder

	schema := map[string]any{
		"type":                  "schema",
		"profile":               profile,
		"filters_applied":       filtersApplied(params.Filters),
		"total_vulnerabilities": len(filtered),
		"total_pages":           totalPages,
	}
	if fields == nil {
		schema["fields"] = "all"
	} else {
		schema["fields"] = fields
	}
	writeLine(&out, schema)

	writeLine(&out, map[string]any{
		"type":       "scan_metadata",
		"scan_name":  report.ScanName,
		"policy":     report.PolicyName,
		"host_count": report.HostCount,
	})

	for _, v := range window {
		writeLine(&out, projectFields(v, fields))
	}

	if page >= 1 {
		hasNext := page < totalPages
		pagination := map[string]any{
			"type":        "pagination",
			"page":        page,
			"page_size":   pageSize,
			"total_pages": totalPages,
			"has_next":    hasNext,
		}
		if hasNext {
			pagination["next_page"] = page + 1
		} else {
			pagination["next_page"] = nil
		}
		writeLine(&out, pagination)
	}

	return out.String(), nil
}

func clampPageSize(size int) int {
	switch {
	case size <= 0:
		return DefaultPageSize
	case size < MinPageSize:
		return MinPageSize
	case size > MaxPageSize:
		return MaxPageSize
	default:
		return size
	}
}

func filtersApplied(filters map[string]string) map[string]string {
	if filters == nil {
		return map[string]string{}
	}
	return filters
}

// projectFields copies the selected fields plus the type tag. A nil
// field list means full projection.
func projectFields(v Vulnerability, fields []string) map[string]any {
	record := make(map[string]any, len(v)+1)
	record["type"] = "vulnerability"
	if fields == nil {
		for k, val := range v {
			record[k] = val
		}
		return record
	}
	for _, f := range fields {
		if val, ok := v[f]; ok {
			record[f] = val
		}
	}
	return record
}

// writeLine appends one JSON record and a newline. encoding/json sorts
// map keys, which keeps the output deterministic.
func writeLine(out *strings.Builder, record map[string]any) {
	raw, err := json.Marshal(record)
	if err != nil {
		// maps of plain scalars cannot fail to marshal
		raw = []byte(fmt.Sprintf(`{"type":"error","error":%q}`, err.Error()))
	}
	out.Write(raw)
	out.WriteByte('\n')
}

// matchesAll evaluates the AND of every filter predicate.
func matchesAll(v Vulnerability, filters map[string]string) bool {
	for key, want := range filters {
		val, ok := v[key]
		if !ok {
			return false
		}
		if !matchOne(val, want) {
			return false
		}
	}
	return true
}

// matchOne applies the typed filter semantics: numeric comparison when
// the filter carries a leading operator, truthiness for booleans,
// any-element substring for lists, and case-insensitive substring for
// everything else.
func matchOne(val any, want string) bool {
	if op, operand, ok := splitOperator(want); ok {
		num, ok := toFloat(val)
		if !ok {
			return false
		}
		return compareNumeric(num, op, operand)
	}

	switch typed := val.(type) {
	case bool:
		return typed == parseTruthy(want)
	case []string:
		for _, elem := range typed {
			if containsFold(elem, want) {
				return true
			}
		}
		return false
	case []any:
		for _, elem := range typed {
			if containsFold(fmt.Sprint(elem), want) {
				return true
			}
		}
		return false
	default:
		return containsFold(stringify(val), want)
	}
}

func splitOperator(s string) (string, float64, bool) {
	for _, op := range []string{">=", "<=", ">", "<", "="} {
		if strings.HasPrefix(s, op) {
			operand, err := strconv.ParseFloat(strings.TrimSpace(s[len(op):]), 64)
			if err != nil {
				return "", 0, false
			}
			return op, operand, true
		}
	}
	return "", 0, false
}

func compareNumeric(val float64, op string, operand float64) bool {
	switch op {
	case ">":
		return val > operand
	case ">=":
		return val >= operand
	case "<":
		return val < operand
	case "<=":
		return val <= operand
	case "=":
		return val == operand
	default:
		return false
	}
}

func toFloat(val any) (float64, bool) {
	switch typed := val.(type) {
	case float64:
		return typed, true
	case int:
		return float64(typed), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(typed), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func stringify(val any) string {
	switch typed := val.(type) {
	case string:
		return typed
	case float64:
		return strconv.FormatFloat(typed, 'f', -1, 64)
	case int:
		return strconv.Itoa(typed)
	default:
		return fmt.Sprint(typed)
	}
}

func containsFold(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}
