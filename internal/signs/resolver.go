package signs

import (
	"context"
	"fmt"
	"hash/fnv"
	"image"
	"log/slog"
	"math/rand"
	"regexp"
	"strconv"
	"strings"
	"time"

	"framelabel/internal/core"
	"framelabel/internal/gateway"
	"framelabel/internal/imageio"
)

const (
	DefaultPadding     = 10
	DefaultMinCropSide = 64
	DefaultCallTimeout = 45 * time.Second
)

// Options configures a Resolver.
type Options struct {
	Padding     int
	MinCropSide int
	ScratchDir  string
	CallTimeout time.Duration

	// Shuffle reorders second-stage candidates with a seed derived from the
	// item, to remove position bias while staying reproducible.
	Shuffle bool
}

// Resolver runs the two-stage refinement. Each stage makes exactly one
// remote call; any error falls back to the coarse label.
type Resolver struct {
	inf     gateway.Inferencer
	catalog *Catalog
	opts    Options
	logger  *slog.Logger
}

// Outcome describes how a detection was refined.
type Outcome struct {
	Type  SignType
	Label string

	// Fallback is set when an error forced the coarse label.
	Fallback bool
	Reason   string
}

func NewResolver(inf gateway.Inferencer, catalog *Catalog, opts Options, logger *slog.Logger) *Resolver {
	if opts.Padding < 0 {
		opts.Padding = 0
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = DefaultCallTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{inf: inf, catalog: catalog, opts: opts, logger: logger}
}

// Refine narrows d when it is a coarse traffic sign. Other detections are
// returned unchanged. The returned issue is non-nil only on fallback.
func (r *Resolver) Refine(ctx context.Context, itemID string, img image.Image, d core.Detection) (core.Detection, *core.Issue) {
	if !d.IsCoarseSign() {
		return d, nil
	}

	out := r.refine(ctx, itemID, img, d.Box)
	if out.Fallback {
		r.logger.Warn("sign refinement fell back", "item", itemID, "reason", out.Reason)
		issue := core.Warnf(itemID, core.IssueRefineFallback, "sign at [%.0f %.0f %.0f %.0f]: %s",
			d.Box.X1, d.Box.Y1, d.Box.X2, d.Box.Y2, out.Reason)
		return d, &issue
	}
	if out.Label == d.Label {
		return d, nil
	}
	r.logger.Debug("sign refined", "item", itemID, "type", out.Type, "label", out.Label)
	refined := d
	refined.RefinedFrom = d.Label
	refined.Label = out.Label
	return refined, nil
}

func (r *Resolver) refine(ctx context.Context, itemID string, img image.Image, box core.BBox) Outcome {
	crop, err := imageio.Crop(img, box, r.opts.Padding, r.opts.MinCropSide)
	if err != nil {
		return fallback(fmt.Sprintf("crop: %v", err))
	}

	var out Outcome
	err = imageio.WithScratch(r.opts.ScratchDir, crop, func(_ string, data []byte) error {
		out = r.resolve(ctx, itemID, box, data)
		return nil
	})
	if err != nil {
		return fallback(fmt.Sprintf("scratch: %v", err))
	}
	return out
}

func (r *Resolver) resolve(ctx context.Context, itemID string, box core.BBox, crop []byte) Outcome {
	text, err := gateway.Call(ctx, r.inf, r.opts.CallTimeout, crop, StageOnePrompt())
	if err != nil {
		return fallback(fmt.Sprintf("stage 1: %v", err))
	}
	t := ParseType(text)
	if t == TypeOther {
		return Outcome{Type: TypeOther, Label: core.CoarseSignLabel}
	}

	candidates := r.catalog.Candidates(t)
	if len(candidates) == 0 {
		return Outcome{Type: t, Label: t.GenericLabel()}
	}
	if r.opts.Shuffle {
		rng := rand.New(rand.NewSource(Seed(itemID, box)))
		rng.Shuffle(len(candidates), func(i, j int) { candidates[i], candidates[j] = candidates[j], candidates[i] })
	}

	text, err = gateway.Call(ctx, r.inf, r.opts.CallTimeout, crop, StageTwoPrompt(t, candidates))
	if err != nil {
		return fallback(fmt.Sprintf("stage 2: %v", err))
	}
	if e, ok := ParseChoice(text, candidates); ok {
		return Outcome{Type: t, Label: e.Label}
	}
	return Outcome{Type: t, Label: t.GenericLabel()}
}

func fallback(reason string) Outcome {
	return Outcome{Type: TypeOther, Label: core.CoarseSignLabel, Fallback: true, Reason: reason}
}

// Seed derives a stable shuffle seed for a sign in an item.
func Seed(itemID string, box core.BBox) int64 {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%.1f,%.1f,%.1f,%.1f", itemID, box.X1, box.Y1, box.X2, box.Y2)
	return int64(h.Sum64())
}

var typeDescriptions = map[SignType]string{
	TypeSpeedLimit:  "speed limit: round sign with a red ring and a number",
	TypeProhibition: "prohibition: round sign with a red ring or red fill forbidding something, or a stop/give way sign",
	TypeWarning:     "warning: triangle with a red border and a black symbol",
	TypeDirection:   "direction: blue round or rectangular sign with white arrows or symbols",
	TypeOther:       "other: anything else, or too blurry to tell",
}

// StageOnePrompt asks for the coarse sign type.
func StageOnePrompt() string {
	var b strings.Builder
	b.WriteString("Look carefully at this traffic sign and classify its type.\n\n")
	for i, t := range Types {
		fmt.Fprintf(&b, "%d. %s\n", i+1, typeDescriptions[t])
	}
	b.WriteString("\nAnswer with the number only.")
	return b.String()
}

// StageTwoPrompt lists candidates with their features, numbered from 1.
func StageTwoPrompt(t SignType, candidates []Entry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "This is a %s traffic sign. Describe its colour, shape and content to yourself, then pick the best match below.\n\n", strings.ReplaceAll(string(t), "_", " "))
	for i, c := range candidates {
		fmt.Fprintf(&b, "%d. %s: %s\n", i+1, c.Label, c.Features)
	}
	b.WriteString("\nIf the sign is unreadable or nothing matches, answer 0. Otherwise answer with the number only.")
	return b.String()
}

var intRe = regexp.MustCompile(`\d+`)

func normalizeAnswer(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.NewReplacer(" ", "_", "-", "_").Replace(s)
}

// ParseType maps a stage-one answer to a SignType. A type name wins over a
// number; anything unrecognised is TypeOther.
func ParseType(text string) SignType {
	norm := normalizeAnswer(text)
	best, bestAt := TypeOther, -1
	for _, t := range Types {
		if i := strings.Index(norm, string(t)); i >= 0 && (bestAt < 0 || i < bestAt) {
			best, bestAt = t, i
		}
	}
	if bestAt >= 0 {
		return best
	}
	if m := intRe.FindString(norm); m != "" {
		if n, err := strconv.Atoi(m); err == nil && n >= 1 && n <= len(Types) {
			return Types[n-1]
		}
	}
	return TypeOther
}

// ParseChoice maps a stage-two answer to one of candidates, by echoed label
// or by 1-based index. The longest echoed label wins.
func ParseChoice(text string, candidates []Entry) (Entry, bool) {
	norm := normalizeAnswer(text)
	var best Entry
	found := false
	for _, c := range candidates {
		if strings.Contains(norm, strings.ToLower(c.Label)) && (!found || len(c.Label) > len(best.Label)) {
			best, found = c, true
		}
	}
	if found {
		return best, true
	}
	if m := intRe.FindString(norm); m != "" {
		if n, err := strconv.Atoi(m); err == nil && n >= 1 && n <= len(candidates) {
			return candidates[n-1], true
		}
	}
	return Entry{}, false
}
