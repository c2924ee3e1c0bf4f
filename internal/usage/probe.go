package usage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	headerPrefix = "anthropic-ratelimit-unified-"
	oauthBeta    = "oauth-2025-04-20"
	apiVersion   = "2023-06-01"
)

// fractionThreshold separates fractional utilization from percentages in
// stream events, whose units vary by source.
const fractionThreshold = 1.5

// classNames maps header window names to the names stream events use.
var classNames = map[string]string{
	"5h":        "five_hour",
	"7d":        "seven_day",
	"7d_opus":   "seven_day_opus",
	"7d_sonnet": "seven_day_sonnet",
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// FractionToPercent converts a 0-1 fraction reported by headers.
func FractionToPercent(v float64) float64 {
	return round2(v * 100)
}

// NormalizeUtilization accepts either a fraction or a percentage: values
// at or below 1.5 are treated as fractions.
func NormalizeUtilization(v float64) float64 {
	if v <= fractionThreshold {
		return round2(v * 100)
	}
	return round2(v)
}

func className(raw string) string {
	if name, ok := classNames[raw]; ok {
		return name
	}
	return raw
}

// ParseHeaders extracts rate-limit windows and overage state from a probe
// response.
func ParseHeaders(h http.Header) (map[string]RateLimit, Overage) {
	limits := make(map[string]RateLimit)
	var overage Overage

	for key, values := range h {
		if len(values) == 0 {
			continue
		}
		k := strings.ToLower(key)
		if !strings.HasPrefix(k, headerPrefix) {
			continue
		}
		rest := strings.TrimPrefix(k, headerPrefix)
		value := strings.TrimSpace(values[0])

		switch rest {
		case "overage-status":
			overage.Status = value
			continue
		case "overage-disabled-reason":
			overage.DisabledReason = value
			continue
		}

		i := strings.LastIndexByte(rest, '-')
		if i <= 0 {
			continue
		}
		class, field := rest[:i], rest[i+1:]
		if class == "overage" || strings.HasPrefix(class, "overage-") {
			continue
		}
		name := className(class)
		rl := limits[name]
		rl.Name = name

		switch field {
		case "utilization":
			if f, err := strconv.ParseFloat(value, 64); err == nil {
				rl.UtilizationPercent = FractionToPercent(f)
			}
		case "reset":
			if ts, err := strconv.ParseInt(value, 10, 64); err == nil {
				t := time.Unix(ts, 0).UTC()
				rl.ResetsAt = &t
			}
		case "status":
			rl.Status = value
		default:
			continue
		}
		limits[name] = rl
	}
	return limits, overage
}

// Probe sends one minimal request whose only purpose is the rate-limit
// response headers. Rejected responses still carry valid headers, so any
// HTTP status is returned without error.
func Probe(ctx context.Context, client *http.Client, url, token, model string) (http.Header, int, error) {
	body, _ := json.Marshal(map[string]any{
		"model":      model,
		"max_tokens": 1,
		"messages":   []map[string]string{{"role": "user", "content": "quota"}},
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, 0, fmt.Errorf("build probe request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("anthropic-version", apiVersion)
	req.Header.Set("anthropic-beta", oauthBeta)

	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("probe request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	return resp.Header, resp.StatusCode, nil
}
