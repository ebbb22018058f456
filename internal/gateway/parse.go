package gateway

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"framelabel/internal/core"
)

// DefaultLargeBoxRatio is the frame coverage above which a box is flagged.
const DefaultLargeBoxRatio = 0.9

// ParseOptions controls coordinate interpretation and rule review.
type ParseOptions struct {
	// CoordBase > 0 declares that non-normalized values are on a fixed
	// 0..CoordBase grid. 0 means absolute pixels.
	CoordBase int

	MinBoxArea    float64
	LargeBoxRatio float64
}

// Parsed is the structured content recovered from one response.
type Parsed struct {
	Detections []core.Detection
	Issues     []core.Issue
}

var (
	fenceRe         = regexp.MustCompile("(?s)```(?:json|JSON)?\\s*(.*?)\\s*```")
	trailingCommaRe = regexp.MustCompile(`,\s*([\]}])`)
)

var (
	labelKeys      = []string{"label", "name", "class"}
	boxKeys        = []string{"bbox_2d", "bbox", "box", "bounding_box"}
	confidenceKeys = []string{"confidence", "score"}
)

// ParseResponse recovers detections from raw model text for an item of the
// given frame size. A nil *core.Failure means the response was usable, even
// if individual entries were dropped; those are reported as issues.
func ParseResponse(itemID, text string, width, height int, opts ParseOptions) (Parsed, *core.Failure) {
	var out Parsed
	entries, err := decodeEntries(text)
	if err != nil {
		return out, &core.Failure{Kind: core.KindMalformed, Message: err.Error(), Cause: err}
	}

	largeRatio := opts.LargeBoxRatio
	if largeRatio <= 0 {
		largeRatio = DefaultLargeBoxRatio
	}
	frameArea := float64(width) * float64(height)

	for i, raw := range entries {
		obj, ok := raw.(map[string]any)
		if !ok {
			out.Issues = append(out.Issues, core.Warnf(itemID, core.IssueEntryInvalid, "entry %d is not an object", i))
			continue
		}
		rawLabel, ok := firstString(obj, labelKeys)
		if !ok {
			out.Issues = append(out.Issues, core.Warnf(itemID, core.IssueEntryInvalid, "entry %d has no label", i))
			continue
		}
		coords, ok := firstBox(obj, boxKeys)
		if !ok {
			out.Issues = append(out.Issues, core.Warnf(itemID, core.IssueEntryInvalid, "entry %d (%s) has no usable bbox", i, rawLabel))
			continue
		}

		box, ambiguous := ToPixels(coords, width, height, opts.CoordBase)
		if err := box.Validate(width, height); err != nil {
			out.Issues = append(out.Issues, core.Warnf(itemID, core.IssueBBoxInvalid, "entry %d (%s): %v", i, rawLabel, err))
			continue
		}
		if ambiguous {
			out.Issues = append(out.Issues, core.Warnf(itemID, core.IssueAmbiguousCoordinates,
				"entry %d (%s): %v could be normalized or absolute; treated as normalized", i, rawLabel, coords))
		}

		label, cat, known := Canonicalize(rawLabel)
		if !known {
			out.Issues = append(out.Issues, core.Warnf(itemID, core.IssueUnknownLabel, "label %q not recognised", rawLabel))
		}

		if area := box.Area(); opts.MinBoxArea > 0 && area < opts.MinBoxArea {
			out.Issues = append(out.Issues, core.Warnf(itemID, core.IssueBBoxTooSmall, "%s box area %.0f below %.0f", label, area, opts.MinBoxArea))
		} else if frameArea > 0 && area/frameArea > largeRatio {
			out.Issues = append(out.Issues, core.Warnf(itemID, core.IssueBBoxTooLarge, "%s box covers %.0f%% of the frame", label, 100*area/frameArea))
		}

		det := core.Detection{Label: label, Category: cat, Box: box}
		if c, ok := firstNumber(obj, confidenceKeys); ok {
			det.Confidence = &c
		}
		out.Detections = append(out.Detections, det)
	}
	return out, nil
}

// ToPixels converts model coordinates to absolute pixels.
//
// Four values in [0,1] are normalized and scaled by the frame size. Otherwise
// a positive base rescales from a 0..base grid, and base 0 passes the values
// through. ambiguous is set when all four values are integral and within
// [0,1], where both readings are plausible.
func ToPixels(v [4]float64, width, height, base int) (box core.BBox, ambiguous bool) {
	w, h := float64(width), float64(height)
	unit := true
	integral := true
	for _, x := range v {
		if x < 0 || x > 1 {
			unit = false
		}
		if x != math.Trunc(x) {
			integral = false
		}
	}
	switch {
	case unit:
		return core.BBox{X1: v[0] * w, Y1: v[1] * h, X2: v[2] * w, Y2: v[3] * h}, integral
	case base > 0:
		b := float64(base)
		return core.BBox{X1: v[0] / b * w, Y1: v[1] / b * h, X2: v[2] / b * w, Y2: v[3] / b * h}, false
	default:
		return core.BBox{X1: v[0], Y1: v[1], X2: v[2], Y2: v[3]}, false
	}
}

func decodeEntries(text string) ([]any, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("empty response")
	}
	s := stripFence(text)
	arr := strings.IndexByte(s, '[')
	obj := strings.IndexByte(s, '{')
	if arr < 0 && obj < 0 {
		return nil, fmt.Errorf("no JSON array in response: %q", abbreviate(text))
	}

	// The outer array wins unless it holds no objects, which is what the
	// bbox of a bare object looks like.
	var numeric []any
	if arr >= 0 {
		if entries, ok := decodeArray(outerSpan(s, arr, ']')); ok {
			if len(entries) == 0 || hasObject(entries) {
				return entries, nil
			}
			numeric = entries
		}
	}
	if obj >= 0 {
		span := outerSpan(s, obj, '}')
		if entries, ok := decodeObject(span); ok {
			return entries, nil
		}
		if entries, ok := decodeArray("[" + span + "]"); ok && hasObject(entries) {
			return entries, nil
		}
	}
	if numeric != nil {
		return numeric, nil
	}

	var tails []string
	if arr >= 0 {
		tails = append(tails, s[arr:])
	}
	if obj >= 0 {
		tails = append(tails, "["+s[obj:])
	}
	for _, tail := range tails {
		repaired, ok := repairTruncated(stripTrailingCommas(tail))
		if !ok {
			continue
		}
		if entries, ok := decodeArray(repaired); ok {
			return entries, nil
		}
	}
	return nil, fmt.Errorf("response is not a JSON array: %q", abbreviate(text))
}

func decodeArray(s string) ([]any, bool) {
	var entries []any
	if err := json.Unmarshal([]byte(stripTrailingCommas(s)), &entries); err != nil {
		return nil, false
	}
	return entries, true
}

// decodeObject reads a top-level object either as a single detection or as
// a wrapper such as {"objects": [...]} whose only array of objects holds the
// detections.
func decodeObject(s string) ([]any, bool) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(stripTrailingCommas(s)), &obj); err != nil {
		return nil, false
	}
	if _, ok := firstString(obj, labelKeys); ok {
		return []any{obj}, true
	}
	var found []any
	n := 0
	for _, v := range obj {
		list, ok := v.([]any)
		if !ok || (len(list) > 0 && !allObjects(list)) {
			continue
		}
		found = list
		n++
	}
	if n != 1 {
		return nil, false
	}
	return found, true
}

func hasObject(entries []any) bool {
	for _, e := range entries {
		if _, ok := e.(map[string]any); ok {
			return true
		}
	}
	return false
}

func allObjects(entries []any) bool {
	for _, e := range entries {
		if _, ok := e.(map[string]any); !ok {
			return false
		}
	}
	return true
}

func stripTrailingCommas(s string) string {
	return trailingCommaRe.ReplaceAllString(s, "$1")
}

// stripFence returns the content of a code fence, or the trimmed text when
// there is none.
func stripFence(text string) string {
	s := strings.TrimSpace(text)
	if m := fenceRe.FindStringSubmatch(s); m != nil {
		return strings.TrimSpace(m[1])
	}
	if strings.HasPrefix(s, "```") {
		// Unterminated fence: drop the opening line.
		if nl := strings.IndexByte(s, '\n'); nl >= 0 {
			return strings.TrimSpace(s[nl+1:])
		}
		return ""
	}
	return s
}

// outerSpan returns s from start to the last closing byte, or to the end
// when the closer never appears after start.
func outerSpan(s string, start int, closer byte) string {
	if end := strings.LastIndexByte(s, closer); end > start {
		return s[start : end+1]
	}
	return s[start:]
}

// repairTruncated closes an array cut off mid-stream after its last complete
// object.
func repairTruncated(s string) (string, bool) {
	s = strings.TrimRight(s, " \t\r\n")
	if i := strings.LastIndex(s, "},"); i > 0 {
		return s[:i+1] + "]", true
	}
	if i := strings.LastIndexByte(s, '}'); i > 0 {
		return s[:i+1] + "]", true
	}
	return "", false
}

func firstString(obj map[string]any, keys []string) (string, bool) {
	for _, k := range keys {
		if v, ok := obj[k].(string); ok && strings.TrimSpace(v) != "" {
			return v, true
		}
	}
	return "", false
}

func firstNumber(obj map[string]any, keys []string) (float64, bool) {
	for _, k := range keys {
		if v, ok := toFloat(obj[k]); ok {
			return v, true
		}
	}
	return 0, false
}

func firstBox(obj map[string]any, keys []string) ([4]float64, bool) {
	for _, k := range keys {
		if v, ok := toBox(obj[k]); ok {
			return v, true
		}
	}
	return [4]float64{}, false
}

func toBox(v any) ([4]float64, bool) {
	var out [4]float64
	switch t := v.(type) {
	case []any:
		// [[x1,y1],[x2,y2]] point pairs.
		if len(t) == 2 {
			p1, ok1 := t[0].([]any)
			p2, ok2 := t[1].([]any)
			if ok1 && ok2 && len(p1) == 2 && len(p2) == 2 {
				t = []any{p1[0], p1[1], p2[0], p2[1]}
			}
		}
		if len(t) != 4 {
			return out, false
		}
		for i, x := range t {
			f, ok := toFloat(x)
			if !ok {
				return out, false
			}
			out[i] = f
		}
		return out, true
	case map[string]any:
		for i, k := range []string{"x1", "y1", "x2", "y2"} {
			f, ok := toFloat(t[k])
			if !ok {
				return out, false
			}
			out[i] = f
		}
		return out, true
	}
	return out, false
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, !math.IsNaN(t) && !math.IsInf(t, 0)
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

func abbreviate(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 120 {
		return s[:120] + "..."
	}
	return s
}
