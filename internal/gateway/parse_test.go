package gateway

import (
	"testing"

	"framelabel/internal/core"
)

func issueKinds(issues []core.Issue) map[core.IssueKind]int {
	out := map[core.IssueKind]int{}
	for _, is := range issues {
		out[is.Kind]++
	}
	return out
}

func TestToPixels_NormalizedRoundTrip(t *testing.T) {
	v := [4]float64{0.1, 0.25, 0.5, 0.75}
	box, ambiguous := ToPixels(v, 1920, 1080, 0)
	want := core.BBox{X1: 0.1 * 1920, Y1: 0.25 * 1080, X2: 0.5 * 1920, Y2: 0.75 * 1080}
	if box != want {
		t.Fatalf("ToPixels = %+v, want %+v", box, want)
	}
	if ambiguous {
		t.Fatalf("fractional values should not be ambiguous")
	}
}

func TestToPixels_AbsolutePassThrough(t *testing.T) {
	v := [4]float64{100, 200, 300, 400}
	box, _ := ToPixels(v, 1920, 1080, 0)
	if box != (core.BBox{X1: 100, Y1: 200, X2: 300, Y2: 400}) {
		t.Fatalf("expected pass-through, got %+v", box)
	}
}

func TestToPixels_CoordBaseGrid(t *testing.T) {
	box, _ := ToPixels([4]float64{500, 500, 1000, 1000}, 1920, 1080, 1000)
	if box != (core.BBox{X1: 960, Y1: 540, X2: 1920, Y2: 1080}) {
		t.Fatalf("unexpected grid conversion %+v", box)
	}
}

func TestToPixels_IntegralUnitValuesAreAmbiguous(t *testing.T) {
	box, ambiguous := ToPixels([4]float64{0, 0, 1, 1}, 640, 480, 0)
	if !ambiguous {
		t.Fatalf("expected [0,0,1,1] to be flagged ambiguous")
	}
	if box != (core.BBox{X1: 0, Y1: 0, X2: 640, Y2: 480}) {
		t.Fatalf("expected normalized reading, got %+v", box)
	}
}

func TestParseResponse_ToleratesProseFencesAndTrailingCommas(t *testing.T) {
	cases := map[string]string{
		"prose":              `Sure! Here are the objects: [{"label": "Pedestrian", "bbox_2d": [10, 10, 50, 90]}] Hope this helps.`,
		"fence":              "```json\n[{\"label\": \"pedestrian\", \"bbox_2d\": [10, 10, 50, 90]},]\n```",
		"trailing comma":     `[{"label": "pedestrian", "bbox_2d": [10, 10, 50, 90],},]`,
		"bare object":        `{"label": "PEDESTRIAN", "bbox": [10, 10, 50, 90]}`,
		"unterminated fence": "```json\n[{\"label\": \"pedestrian\", \"bbox_2d\": [10, 10, 50, 90]}]",
	}
	for name, text := range cases {
		got, f := ParseResponse("a", text, 200, 100, ParseOptions{})
		if f != nil {
			t.Fatalf("%s: unexpected failure: %v", name, f)
		}
		if len(got.Detections) != 1 {
			t.Fatalf("%s: expected 1 detection, got %d", name, len(got.Detections))
		}
		d := got.Detections[0]
		if d.Label != "pedestrian" || d.Category != core.CategoryPedestrian {
			t.Fatalf("%s: unexpected detection %+v", name, d)
		}
		if d.Box != (core.BBox{X1: 10, Y1: 10, X2: 50, Y2: 90}) {
			t.Fatalf("%s: unexpected box %+v", name, d.Box)
		}
	}
}

func TestParseResponse_BracesInProseDoNotHideTheArray(t *testing.T) {
	text := `I looked at the frame {1920x1080} and found: [{"label":"car","bbox_2d":[10,10,50,50]}]`
	got, f := ParseResponse("a", text, 100, 100, ParseOptions{})
	if f != nil {
		t.Fatalf("unexpected failure: %v", f)
	}
	if len(got.Detections) != 1 || got.Detections[0].Label != "vehicle" {
		t.Fatalf("expected one vehicle, got %+v", got.Detections)
	}
}

func TestParseResponse_UnwrapsWrapperObject(t *testing.T) {
	cases := map[string]string{
		"single field":  `{"objects":[{"label":"car","bbox_2d":[10,10,50,50]}]}`,
		"with metadata": `{"frame":[1920,1080],"objects":[{"label":"car","bbox_2d":[10,10,50,50]},{"label":"person","bbox_2d":[60,10,90,90]}]}`,
	}
	want := map[string]int{"single field": 1, "with metadata": 2}
	for name, text := range cases {
		got, f := ParseResponse("a", text, 100, 100, ParseOptions{})
		if f != nil {
			t.Fatalf("%s: unexpected failure: %v", name, f)
		}
		if len(got.Detections) != want[name] {
			t.Fatalf("%s: expected %d detections, got %d (issues %v)", name, want[name], len(got.Detections), got.Issues)
		}
		if len(got.Issues) != 0 {
			t.Fatalf("%s: unexpected issues %v", name, got.Issues)
		}
	}
}

func TestParseResponse_BareObjectsWithoutArray(t *testing.T) {
	text := `{"label":"car","bbox_2d":[10,10,50,50]}, {"label":"truck","bbox_2d":[60,10,90,50]}`
	got, f := ParseResponse("a", text, 100, 100, ParseOptions{})
	if f != nil {
		t.Fatalf("unexpected failure: %v", f)
	}
	if len(got.Detections) != 2 {
		t.Fatalf("expected 2 detections, got %d", len(got.Detections))
	}
}

func TestParseResponse_RepairsTruncatedArray(t *testing.T) {
	text := `[{"label": "vehicle", "bbox_2d": [1, 1, 20, 20]}, {"label": "traffic_sign", "bbox_2d": [30, 30, 40, 40]}, {"label": "veh`
	got, f := ParseResponse("a", text, 100, 100, ParseOptions{})
	if f != nil {
		t.Fatalf("unexpected failure: %v", f)
	}
	if len(got.Detections) != 2 {
		t.Fatalf("expected 2 recovered detections, got %d", len(got.Detections))
	}
}

func TestParseResponse_RepairsTruncationInsideNestedArray(t *testing.T) {
	text := `[{"label": "vehicle", "bbox_2d": [1, 1, 20, 20]}, {"label": "vehicle", "bbox_2d": [5, 6`
	got, f := ParseResponse("a", text, 100, 100, ParseOptions{})
	if f != nil {
		t.Fatalf("unexpected failure: %v", f)
	}
	if len(got.Detections) != 1 {
		t.Fatalf("expected 1 recovered detection, got %d", len(got.Detections))
	}
}

func TestParseResponse_EmptyArrayIsSuccess(t *testing.T) {
	got, f := ParseResponse("a", "[]", 100, 100, ParseOptions{})
	if f != nil {
		t.Fatalf("unexpected failure: %v", f)
	}
	if len(got.Detections) != 0 || len(got.Issues) != 0 {
		t.Fatalf("expected nothing, got %+v", got)
	}
}

func TestParseResponse_Malformed(t *testing.T) {
	for _, text := range []string{"", "   ", "I cannot see any objects.", "[garbage"} {
		_, f := ParseResponse("a", text, 100, 100, ParseOptions{})
		if f == nil || f.Kind != core.KindMalformed {
			t.Fatalf("%q: expected malformed failure, got %v", text, f)
		}
	}
}

func TestParseResponse_RejectsDegenerateAndOutOfBoundsBoxes(t *testing.T) {
	text := `[
		{"label": "vehicle", "bbox_2d": [10, 10, 10, 50]},
		{"label": "vehicle", "bbox_2d": [10, 10, 500, 50]},
		{"label": "vehicle", "bbox_2d": [10, 10, 30, 50]}
	]`
	got, f := ParseResponse("a", text, 100, 100, ParseOptions{})
	if f != nil {
		t.Fatalf("unexpected failure: %v", f)
	}
	if len(got.Detections) != 1 {
		t.Fatalf("expected 1 valid detection, got %d", len(got.Detections))
	}
	if n := issueKinds(got.Issues)[core.IssueBBoxInvalid]; n != 2 {
		t.Fatalf("expected 2 bbox_invalid issues, got %d", n)
	}
}

func TestParseResponse_UnknownLabelKeptAndFlagged(t *testing.T) {
	got, f := ParseResponse("a", `[{"label": "Flying Saucer", "bbox_2d": [10, 10, 60, 60]}]`, 100, 100, ParseOptions{})
	if f != nil {
		t.Fatalf("unexpected failure: %v", f)
	}
	if len(got.Detections) != 1 {
		t.Fatalf("expected detection kept")
	}
	d := got.Detections[0]
	if d.Label != "Flying Saucer" || d.Category != core.CategoryUnknown {
		t.Fatalf("expected verbatim unknown label, got %+v", d)
	}
	issues := issueKinds(got.Issues)
	if issues[core.IssueUnknownLabel] != 1 {
		t.Fatalf("expected unknown_label issue, got %v", issues)
	}
}

func TestParseResponse_RuleReview(t *testing.T) {
	text := `[
		{"label": "traffic_cone", "bbox_2d": [1, 1, 5, 5]},
		{"label": "vehicle", "bbox_2d": [0, 0, 99, 99]}
	]`
	got, f := ParseResponse("a", text, 100, 100, ParseOptions{MinBoxArea: 100})
	if f != nil {
		t.Fatalf("unexpected failure: %v", f)
	}
	if len(got.Detections) != 2 {
		t.Fatalf("flagged boxes should be kept, got %d", len(got.Detections))
	}
	issues := issueKinds(got.Issues)
	if issues[core.IssueBBoxTooSmall] != 1 || issues[core.IssueBBoxTooLarge] != 1 {
		t.Fatalf("unexpected issues %v", issues)
	}
}

func TestParseResponse_ConfidenceAndAlternateKeys(t *testing.T) {
	text := `[{"name": "car_braking", "box": {"x1": 1, "y1": 2, "x2": 30, "y2": 40}, "score": "0.8"}]`
	got, f := ParseResponse("a", text, 100, 100, ParseOptions{})
	if f != nil {
		t.Fatalf("unexpected failure: %v", f)
	}
	d := got.Detections[0]
	if d.Label != "vehicle_braking" || d.Confidence == nil || *d.Confidence != 0.8 {
		t.Fatalf("unexpected detection %+v", d)
	}
}

func TestParseResponse_SkipsEntriesWithoutLabelOrBox(t *testing.T) {
	text := `[{"bbox_2d": [1, 1, 20, 20]}, {"label": "vehicle"}, 42, {"label": "vehicle", "bbox_2d": [1, 1, 20, 20]}]`
	got, f := ParseResponse("a", text, 100, 100, ParseOptions{})
	if f != nil {
		t.Fatalf("unexpected failure: %v", f)
	}
	if len(got.Detections) != 1 {
		t.Fatalf("expected 1 detection, got %d", len(got.Detections))
	}
	if n := issueKinds(got.Issues)[core.IssueEntryInvalid]; n != 3 {
		t.Fatalf("expected 3 entry_invalid issues, got %d", n)
	}
}
