package gateway

import (
	"strings"

	"framelabel/internal/core"
)

type canonical struct {
	Label    string
	Category core.Category
}

// synonyms maps normalized raw labels straight to a canonical pair.
var synonyms = map[string]canonical{
	"行人":      {"pedestrian", core.CategoryPedestrian},
	"人":       {"pedestrian", core.CategoryPedestrian},
	"路人":      {"pedestrian", core.CategoryPedestrian},
	"人群":      {"crowd", core.CategoryPedestrian},
	"person":  {"pedestrian", core.CategoryPedestrian},
	"people":  {"crowd", core.CategoryPedestrian},
	"persons": {"crowd", core.CategoryPedestrian},

	"车辆":         {"vehicle", core.CategoryVehicle},
	"车":          {"vehicle", core.CategoryVehicle},
	"汽车":         {"vehicle", core.CategoryVehicle},
	"轿车":         {"vehicle", core.CategoryVehicle},
	"卡车":         {"vehicle", core.CategoryVehicle},
	"货车":         {"vehicle", core.CategoryVehicle},
	"公交车":        {"vehicle", core.CategoryVehicle},
	"摩托车":        {"vehicle", core.CategoryVehicle},
	"自行车":        {"vehicle", core.CategoryVehicle},
	"刹车":         {"vehicle_braking", core.CategoryVehicle},
	"刹车车辆":       {"vehicle_braking", core.CategoryVehicle},
	"双闪":         {"vehicle_double_flash", core.CategoryVehicle},
	"左转车辆":       {"vehicle_turning_left", core.CategoryVehicle},
	"右转车辆":       {"vehicle_turning_right", core.CategoryVehicle},
	"automobile": {"vehicle", core.CategoryVehicle},

	"交通标志":     {core.CoarseSignLabel, core.CategoryTrafficSign},
	"标志":       {core.CoarseSignLabel, core.CategoryTrafficSign},
	"路牌":       {core.CoarseSignLabel, core.CategoryTrafficSign},
	"指示牌":      {core.CoarseSignLabel, core.CategoryTrafficSign},
	"roadsign": {core.CoarseSignLabel, core.CategoryTrafficSign},

	"锥桶":    {"traffic_cone", core.CategoryConstruction},
	"交通锥":   {"traffic_cone", core.CategoryConstruction},
	"雪糕筒":   {"traffic_cone", core.CategoryConstruction},
	"路锥":    {"traffic_cone", core.CategoryConstruction},
	"施工围挡":  {"construction_barrier", core.CategoryConstruction},
	"路障":    {"construction_barrier", core.CategoryConstruction},
	"水马":    {"construction_barrier", core.CategoryConstruction},
	"cone":  {"traffic_cone", core.CategoryConstruction},
	"pylon": {"traffic_cone", core.CategoryConstruction},
}

// signPatterns mark a label as a traffic sign before any other keyword is
// tried, so "bus_stop_sign" and "no_motor_vehicles" stay signs.
var signPatterns = []string{"sign", "speed_limit", "crossing", "give_way", "yield"}

// categoryKeywords is checked in order against the label's "_"-separated
// tokens; the first category with a matching keyword wins, so "traffic_cone"
// lands in construction before the traffic_sign keywords are tried.
var categoryKeywords = []struct {
	Category core.Category
	Keywords []string
}{
	{core.CategoryPedestrian, []string{"pedestrian", "person", "people", "child", "cyclist", "crowd"}},
	{core.CategoryVehicle, []string{"car", "truck", "bus", "motorcycle", "bicycle", "van", "suv", "taxi", "vehicle"}},
	{core.CategoryConstruction, []string{"cone", "construction", "barrier", "road_work", "detour"}},
	{core.CategoryTrafficSign, []string{"speed", "limit", "traffic", "light", "stop",
		"direction", "exit", "lane", "countdown"}},
}

var vehicleTypes = []string{"vehicle", "car", "truck", "bus", "van", "motorcycle", "bicycle", "taxi", "suv"}

var vehicleStates = []struct {
	Suffix string
	Words  []string
}{
	{"_braking", []string{"braking", "brake"}},
	{"_double_flash", []string{"double_flash", "hazard"}},
	{"_turning_left", []string{"turning_left", "turn_left", "left_turn"}},
	{"_turning_right", []string{"turning_right", "turn_right", "right_turn"}},
}

func normalizeLabel(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.NewReplacer(" ", "_", "-", "_").Replace(s)
	return s
}

func tokenize(norm string) []string {
	return strings.FieldsFunc(norm, func(r rune) bool { return r == '_' })
}

// tokenIs matches a single token, tolerating a plural "s".
func tokenIs(tok, word string) bool {
	return tok == word || tok == word+"s"
}

// hasKeyword reports whether the "_"-separated keyword appears as a run of
// whole tokens.
func hasKeyword(tokens []string, keyword string) bool {
	kw := tokenize(keyword)
	for i := 0; i+len(kw) <= len(tokens); i++ {
		match := true
		for j, w := range kw {
			if !tokenIs(tokens[i+j], w) {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

func isSign(tokens []string) bool {
	if len(tokens) > 1 && tokens[0] == "no" {
		return true
	}
	for _, p := range signPatterns {
		if hasKeyword(tokens, p) {
			return true
		}
	}
	return false
}

// Canonicalize maps a raw model label to a canonical label and category.
// known is false when nothing matched; the label is then returned verbatim
// with CategoryUnknown.
func Canonicalize(raw string) (label string, cat core.Category, known bool) {
	norm := normalizeLabel(raw)
	if norm == "" {
		return strings.TrimSpace(raw), core.CategoryUnknown, false
	}
	if c, ok := synonyms[norm]; ok {
		return c.Label, c.Category, true
	}
	tokens := tokenize(norm)
	if isSign(tokens) {
		if isCoarseSign(norm) {
			return core.CoarseSignLabel, core.CategoryTrafficSign, true
		}
		return norm, core.CategoryTrafficSign, true
	}
	for _, ck := range categoryKeywords {
		for _, kw := range ck.Keywords {
			if !hasKeyword(tokens, kw) {
				continue
			}
			if ck.Category == core.CategoryVehicle {
				return normalizeVehicle(norm, tokens), core.CategoryVehicle, true
			}
			return norm, ck.Category, true
		}
	}
	return strings.TrimSpace(raw), core.CategoryUnknown, false
}

func isCoarseSign(norm string) bool {
	switch norm {
	case "traffic_sign", "traffic_signs", "sign", "signs", "road_sign", "road_signs", "street_sign":
		return true
	}
	return false
}

// normalizeVehicle collapses a leading vehicle type token to "vehicle" and
// keeps a recognised state suffix: car_braking -> vehicle_braking. A label
// without a leading type token, such as "red_car", is kept as is.
func normalizeVehicle(norm string, tokens []string) string {
	lead := false
	for _, vt := range vehicleTypes {
		if tokenIs(tokens[0], vt) {
			lead = true
			break
		}
	}
	if !lead {
		return norm
	}
	rest := ""
	if len(tokens) > 1 {
		rest = "_" + strings.Join(tokens[1:], "_")
	}
	for _, st := range vehicleStates {
		if rest == st.Suffix {
			return "vehicle" + st.Suffix
		}
	}
	for _, st := range vehicleStates {
		for _, w := range st.Words {
			if strings.Contains(rest, w) {
				return "vehicle" + st.Suffix
			}
		}
	}
	return "vehicle"
}
