// Package rowparse converts OCR output into candidate line items without any
// model calls. The parser is pure and deterministic for a given input and
// pattern-bank version; the version is recorded on each session so results
// can be reproduced.
package rowparse

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/harborline/receiving/pkg/ocr"
)

// Version identifies the pattern bank. Bump the minor on lexicon or pattern
// changes; results are reproducible only within the same version.
const Version = "1.4.0"

// CompatibleWith reports whether results recorded under recordedVersion can
// be reproduced by this parser (same major version).
func CompatibleWith(recordedVersion string) bool {
	recorded, err := semver.NewVersion(recordedVersion)
	if err != nil {
		return false
	}
	current := semver.MustParse(Version)
	return recorded.Major() == current.Major()
}

// Unit is the closed set of normalised units.
type Unit string

const (
	UnitEach    Unit = "each"
	UnitBox     Unit = "box"
	UnitCase    Unit = "case"
	UnitPcs     Unit = "pcs"
	UnitKg      Unit = "kg"
	UnitG       Unit = "g"
	UnitLb      Unit = "lb"
	UnitM       Unit = "m"
	UnitFt      Unit = "ft"
	UnitGal     Unit = "gal"
	UnitL       Unit = "l"
	UnitUnknown Unit = ""
)

// Qty is a parsed rational quantity.
type Qty struct {
	Num int64 `json:"num"`
	Den int64 `json:"den"`
}

// Value returns the quantity as a float.
func (q Qty) Value() float64 {
	if q.Den == 0 {
		return 0
	}
	return float64(q.Num) / float64(q.Den)
}

// Positive reports whether the quantity is greater than zero.
func (q Qty) Positive() bool { return q.Den != 0 && q.Num > 0 }

func (q Qty) String() string {
	if q.Den == 1 {
		return strconv.FormatInt(q.Num, 10)
	}
	return fmt.Sprintf("%d/%d", q.Num, q.Den)
}

// ParsedLine is one candidate line item.
type ParsedLine struct {
	Qty             Qty     `json:"qty"`
	Unit            Unit    `json:"unit"`
	Description     string  `json:"description"`
	PartCode        string  `json:"part_code,omitempty"`
	RawSourceIdx    int     `json:"raw_source_idx"`
	ParseConfidence float64 `json:"parse_confidence"`
	AnchorAligned   bool    `json:"anchor_aligned"`
}

// ParseResult aggregates the parsed lines with the quality signals the
// planner consumes.
type ParseResult struct {
	Lines         []ParsedLine `json:"lines"`
	Coverage      float64      `json:"coverage"`       // rows_parsed / rows_content
	StructureConf float64      `json:"structure_conf"` // fraction of parsed rows that are structurally sound
	ParserVersion string       `json:"parser_version"`
}

// structuredConfFloor marks a bank match as structurally sound. The explicit
// qty-unit and part-with-parenthesised-qty patterns are as reliable as anchor
// alignment; the weak qty-desc fallback stays below the floor.
const structuredConfFloor = 0.85

// Parser applies the pattern bank to an OCR result.
type Parser struct{}

// NewParser creates a parser with the built-in pattern bank.
func NewParser() *Parser { return &Parser{} }

// Parse groups OCR lines into rows, seeds column anchors from the first
// header row, and runs each content row through the pattern bank.
func (p *Parser) Parse(res *ocr.Result) ParseResult {
	out := ParseResult{ParserVersion: Version}
	if res == nil || len(res.Lines) == 0 {
		return out
	}

	rows := groupRows(res.Lines)

	var anchors *columnAnchors
	contentRows := 0
	parsed := 0
	structured := 0

	for idx, row := range rows {
		text := row.text()
		if isHeaderRow(text) {
			if anchors == nil {
				anchors = seedAnchors(row)
			}
			continue
		}
		if isNoiseRow(text) {
			continue
		}
		contentRows++

		line, ok := parseRow(row, idx, anchors)
		if !ok {
			continue
		}
		parsed++
		if line.AnchorAligned || line.ParseConfidence >= structuredConfFloor {
			structured++
		}
		out.Lines = append(out.Lines, line)
	}

	if contentRows > 0 {
		out.Coverage = round2(float64(parsed) / float64(contentRows))
	}
	if parsed > 0 {
		out.StructureConf = round2(float64(structured) / float64(parsed))
	}
	return out
}

// row is a cluster of OCR lines sharing a baseline.
type row struct {
	cells []ocr.Line // sorted by x
	y     int        // representative baseline
}

func (r row) text() string {
	parts := make([]string, len(r.cells))
	for i, c := range r.cells {
		parts[i] = c.Text
	}
	return strings.Join(parts, " ")
}

// groupRows clusters OCR lines by baseline y-coordinate using a bandwidth
// equal to the median line height.
func groupRows(lines []ocr.Line) []row {
	sorted := make([]ocr.Line, len(lines))
	copy(sorted, lines)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].BBox.Y != sorted[j].BBox.Y {
			return sorted[i].BBox.Y < sorted[j].BBox.Y
		}
		return sorted[i].BBox.X < sorted[j].BBox.X
	})

	heights := make([]int, 0, len(sorted))
	for _, l := range sorted {
		if l.BBox.H > 0 {
			heights = append(heights, l.BBox.H)
		}
	}
	bandwidth := medianInt(heights)
	if bandwidth <= 0 {
		bandwidth = 16
	}

	var rows []row
	for _, l := range sorted {
		baseline := l.BBox.Y + l.BBox.H
		if n := len(rows); n > 0 && absInt(baseline-rows[n-1].y) <= bandwidth {
			rows[n-1].cells = append(rows[n-1].cells, l)
			continue
		}
		rows = append(rows, row{cells: []ocr.Line{l}, y: baseline})
	}
	for i := range rows {
		sort.SliceStable(rows[i].cells, func(a, b int) bool {
			return rows[i].cells[a].BBox.X < rows[i].cells[b].BBox.X
		})
	}
	return rows
}

func medianInt(vals []int) int {
	if len(vals) == 0 {
		return 0
	}
	sorted := make([]int, len(vals))
	copy(sorted, vals)
	sort.Ints(sorted)
	return sorted[len(sorted)/2]
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
