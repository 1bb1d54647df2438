package normalize

import (
	"math"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/currency"

	"github.com/fleetops/fleetsync/internal/model"
	"github.com/fleetops/fleetsync/internal/resilience"
)

// payloadMap wraps a raw payload with typed field extraction. Every
// rejection becomes a MalformedRecordError naming the offending field.
type payloadMap struct {
	source string
	m      map[string]any
}

func payload(raw model.RawRecord) payloadMap {
	return payloadMap{source: string(raw.Source), m: raw.Payload}
}

func (p payloadMap) malformed(field, detail string) *resilience.MalformedRecordError {
	return &resilience.MalformedRecordError{Source: p.source, Field: field, Detail: detail}
}

func (p payloadMap) requireString(key string) (string, error) {
	s := p.optString(key)
	if s == "" {
		return "", p.malformed(key, "required field absent or empty")
	}
	return s, nil
}

func (p payloadMap) optString(key string) string {
	switch v := p.m[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	default:
		return ""
	}
}

func (p payloadMap) optFloat(key string) float64 {
	switch v := p.m[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0
		}
		return f
	default:
		return 0
	}
}

// timeLayouts are tried in order when a timestamp arrives as a string.
// Layouts without a zone are interpreted in the reference timezone.
var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

func (p payloadMap) requireTime(key string, loc *time.Location) (time.Time, error) {
	raw, ok := p.m[key]
	if !ok || raw == nil {
		return time.Time{}, p.malformed(key, "required timestamp absent")
	}

	switch v := raw.(type) {
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return time.Time{}, p.malformed(key, "required timestamp absent")
		}
		for _, layout := range timeLayouts {
			if t, err := time.ParseInLocation(layout, s, loc); err == nil {
				return t.UTC(), nil
			}
		}
		return time.Time{}, p.malformed(key, "unparseable timestamp "+strconv.Quote(s))
	case float64:
		// Unix seconds from the telemetry feed.
		sec, frac := math.Modf(v)
		return time.Unix(int64(sec), int64(frac*1e9)).UTC(), nil
	case time.Time:
		return v.UTC(), nil
	default:
		return time.Time{}, p.malformed(key, "unsupported timestamp type")
	}
}

// money extracts a fixed-point amount in the currency's minor units.
// Amounts arrive as display strings ("$1,739.50"), plain numerics, or
// already-scaled strings; everything is resolved without float money
// arithmetic so reconciliation's amount matching stays exact.
func (p payloadMap) money(amountKey, currencyKey, defaultCurrency string) (model.Money, error) {
	code := strings.ToUpper(p.optString(currencyKey))
	if code == "" {
		code = defaultCurrency
	}
	unit, err := currency.ParseISO(code)
	if err != nil {
		return model.Money{}, p.malformed(currencyKey, "unknown currency "+strconv.Quote(code))
	}
	scale, _ := currency.Cash.Rounding(unit)

	raw, ok := p.m[amountKey]
	if !ok || raw == nil {
		return model.Money{}, p.malformed(amountKey, "required amount absent")
	}

	switch v := raw.(type) {
	case string:
		minor, err := parseFixedPoint(v, scale)
		if err != nil {
			return model.Money{}, p.malformed(amountKey, err.Error())
		}
		return model.Money{Amount: minor, Currency: unit.String()}, nil
	case float64:
		// JSON numbers are unavoidable at the boundary; round once to
		// minor units and stay integral from here on.
		minor := int64(math.Round(v * math.Pow10(scale)))
		return model.Money{Amount: minor, Currency: unit.String()}, nil
	case int:
		return model.Money{Amount: int64(v) * int64(math.Pow10(scale)), Currency: unit.String()}, nil
	default:
		return model.Money{}, p.malformed(amountKey, "unsupported amount type")
	}
}

// parseFixedPoint parses a display amount ("$1,739.50", "-12.3") into
// minor units at the given scale using integer arithmetic only.
func parseFixedPoint(s string, scale int) (int64, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimLeft(s, "$€£")
	s = strings.ReplaceAll(s, ",", "")
	if s == "" {
		return 0, errFixedPoint("empty amount")
	}

	neg := false
	switch s[0] {
	case '-':
		neg = true
		s = s[1:]
	case '+':
		s = s[1:]
	}

	whole, frac, _ := strings.Cut(s, ".")
	if whole == "" {
		whole = "0"
	}
	w, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, errFixedPoint("bad whole part " + strconv.Quote(whole))
	}

	// Pad or truncate the fraction to the currency's scale.
	if len(frac) < scale {
		frac += strings.Repeat("0", scale-len(frac))
	} else {
		frac = frac[:scale]
	}
	var f int64
	if frac != "" {
		f, err = strconv.ParseInt(frac, 10, 64)
		if err != nil {
			return 0, errFixedPoint("bad fraction part " + strconv.Quote(frac))
		}
	}

	minor := w*int64(math.Pow10(scale)) + f
	if neg {
		minor = -minor
	}
	return minor, nil
}

type errFixedPoint string

func (e errFixedPoint) Error() string { return string(e) }
