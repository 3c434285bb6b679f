package rowparse

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/harborline/receiving/pkg/ocr"
)

// columnAnchors are the x-intervals seeded by the first header row.
type columnAnchors struct {
	spans map[headerColumn][2]int
}

// seedAnchors derives column x-intervals from the header keyword cells.
func seedAnchors(r row) *columnAnchors {
	spans := make(map[headerColumn][2]int)
	for _, cell := range r.cells {
		for _, tok := range strings.Fields(fold(cell.Text)) {
			tok = strings.Trim(tok, ".,:;#")
			col, ok := headerKeywords[tok]
			if !ok {
				continue
			}
			span := [2]int{cell.BBox.X, cell.BBox.X + cell.BBox.W}
			if existing, ok := spans[col]; ok {
				if span[0] < existing[0] {
					existing[0] = span[0]
				}
				if span[1] > existing[1] {
					existing[1] = span[1]
				}
				span = existing
			}
			spans[col] = span
		}
	}
	if len(spans) < 2 {
		return nil
	}
	return &columnAnchors{spans: spans}
}

// columnFor places a cell by the horizontal midpoint, tolerating slight
// misalignment between header and body columns.
func (a *columnAnchors) columnFor(cell ocr.Line) (headerColumn, bool) {
	mid := cell.BBox.X + cell.BBox.W/2
	const slack = 40
	for col, span := range a.spans {
		if mid >= span[0]-slack && mid <= span[1]+slack {
			return col, true
		}
	}
	return 0, false
}

// partCodeRe matches part-code shapes: letter groups joined to digit groups,
// with or without separators. The code must carry at least two digits.
var partCodeRe = regexp.MustCompile(`\b[A-Za-z]{2,4}(?:[-_][A-Za-z0-9]{1,6}){1,3}\b|\b[A-Za-z]{2,}\d{2,}[A-Za-z0-9]*\b`)

var digitsRe = regexp.MustCompile(`\d\d`)

// findPartCode returns the first part-code-shaped token carrying digits.
func findPartCode(text string) string {
	for _, m := range partCodeRe.FindAllString(text, -1) {
		if digitsRe.MatchString(m) {
			return m
		}
	}
	return ""
}

var (
	// <qty> <unit> <rest> — the unit token must be in the lexicon.
	patQtyUnit = regexp.MustCompile(`^(\d+(?:[.,]\d+)?|\d+\s+\d+/\d+|\d+/\d+)\s+(\pL+)\.?\s+(.+)$`)
	// <part><sep><desc> (<qty> <unit>)
	patPartParen = regexp.MustCompile(`^(\S+)\s*[-:–]\s*(.+?)\s*\((\d+(?:[.,]\d+)?)\s*(\pL+)\.?\)$`)
	// <qty> <desc> — unit inferred from the description lexicon.
	patQtyDesc = regexp.MustCompile(`^(\d+(?:[.,]\d+)?)\s+(.+)$`)
)

// parseRow interprets one content row, preferring column-anchor alignment and
// falling back to the regex bank. The highest-scoring interpretation wins.
func parseRow(r row, idx int, anchors *columnAnchors) (ParsedLine, bool) {
	best := ParsedLine{RawSourceIdx: idx}
	found := false

	if anchors != nil && len(r.cells) >= 2 {
		if line, ok := parseAnchored(r, idx, anchors); ok {
			best = line
			found = true
		}
	}

	if line, ok := parseWithBank(r.text(), idx); ok {
		if !found || line.ParseConfidence > best.ParseConfidence {
			best = line
			found = true
		}
	}
	return best, found
}

// parseAnchored assigns cells to columns by geometry.
func parseAnchored(r row, idx int, anchors *columnAnchors) (ParsedLine, bool) {
	var qtyText, descText, partText strings.Builder
	for _, cell := range r.cells {
		col, ok := anchors.columnFor(cell)
		if !ok {
			descText.WriteString(" " + cell.Text)
			continue
		}
		switch col {
		case colQty:
			qtyText.WriteString(" " + cell.Text)
		case colDesc:
			descText.WriteString(" " + cell.Text)
		case colPart:
			partText.WriteString(" " + cell.Text)
		case colPrice:
			// prices never feed a draft line
		}
	}

	qty, unit, ok := parseQtyUnit(strings.TrimSpace(qtyText.String()))
	if !ok {
		return ParsedLine{}, false
	}

	desc := strings.TrimSpace(descText.String())
	part := findPartCode(strings.TrimSpace(partText.String()))
	if part == "" {
		part = findPartCode(desc)
	}
	if unit == UnitUnknown {
		unit = inferUnit(desc)
	}

	conf := 0.95
	if unit == UnitUnknown {
		conf = 0.85
	}
	return ParsedLine{
		Qty:             qty,
		Unit:            unit,
		Description:     cleanDescription(desc, part),
		PartCode:        part,
		RawSourceIdx:    idx,
		ParseConfidence: conf,
		AnchorAligned:   true,
	}, true
}

// parseWithBank runs the ordered regex bank over the row text.
func parseWithBank(text string, idx int) (ParsedLine, bool) {
	text = strings.TrimSpace(text)

	if m := patQtyUnit.FindStringSubmatch(text); m != nil {
		if unit, ok := lookupUnit(m[2]); ok {
			qty, qok := ParseQty(m[1])
			if qok && qty.Positive() {
				part := findPartCode(m[3])
				return ParsedLine{
					Qty:             qty,
					Unit:            unit,
					Description:     cleanDescription(m[3], part),
					PartCode:        part,
					RawSourceIdx:    idx,
					ParseConfidence: 0.90,
				}, true
			}
		}
	}

	if m := patPartParen.FindStringSubmatch(text); m != nil {
		if unit, ok := lookupUnit(m[4]); ok {
			qty, qok := ParseQty(m[3])
			part := findPartCode(m[1])
			if qok && qty.Positive() && part != "" {
				return ParsedLine{
					Qty:             qty,
					Unit:            unit,
					Description:     strings.TrimSpace(m[2]),
					PartCode:        part,
					RawSourceIdx:    idx,
					ParseConfidence: 0.85,
				}, true
			}
		}
	}

	if m := patQtyDesc.FindStringSubmatch(text); m != nil {
		qty, qok := ParseQty(m[1])
		if qok && qty.Positive() {
			part := findPartCode(m[2])
			unit := inferUnit(m[2])
			conf := 0.55
			if unit != UnitUnknown {
				conf = 0.70
			}
			return ParsedLine{
				Qty:             qty,
				Unit:            unit,
				Description:     cleanDescription(m[2], part),
				PartCode:        part,
				RawSourceIdx:    idx,
				ParseConfidence: conf,
			}, true
		}
	}

	return ParsedLine{}, false
}

// parseQtyUnit splits a qty-column cell like "12 ea" or "12".
func parseQtyUnit(text string) (Qty, Unit, bool) {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return Qty{}, UnitUnknown, false
	}
	qty, ok := ParseQty(fields[0])
	if !ok || !qty.Positive() {
		return Qty{}, UnitUnknown, false
	}
	unit := UnitUnknown
	if len(fields) > 1 {
		if u, ok := lookupUnit(fields[1]); ok {
			unit = u
		}
	}
	return qty, unit, true
}

func lookupUnit(tok string) (Unit, bool) {
	u, ok := unitLexicon[fold(strings.Trim(tok, "."))]
	return u, ok
}

// LookupUnit resolves a raw unit token against the lexicon.
func LookupUnit(tok string) (Unit, bool) { return lookupUnit(tok) }

// inferUnit guesses a unit from description words.
func inferUnit(desc string) Unit {
	for _, tok := range strings.Fields(fold(desc)) {
		if u, ok := descUnitHints[strings.Trim(tok, ".,")]; ok {
			return u
		}
	}
	return UnitUnknown
}

// cleanDescription drops the part code token from the description text.
func cleanDescription(desc, part string) string {
	if part != "" {
		desc = strings.Replace(desc, part, "", 1)
	}
	return strings.Join(strings.Fields(desc), " ")
}

// ParseQty parses integers, decimals (dot or comma), plain fractions, and
// mixed numbers ("1 1/2") into a reduced rational.
func ParseQty(s string) (Qty, bool) {
	s = strings.TrimSpace(s)

	// Mixed number: "1 1/2"
	if fields := strings.Fields(s); len(fields) == 2 && strings.Contains(fields[1], "/") {
		whole, err := strconv.ParseInt(fields[0], 10, 64)
		if err != nil {
			return Qty{}, false
		}
		frac, ok := parseFraction(fields[1])
		if !ok {
			return Qty{}, false
		}
		return reduce(Qty{Num: whole*frac.Den + frac.Num, Den: frac.Den}), true
	}

	if strings.Contains(s, "/") {
		q, ok := parseFraction(s)
		if !ok {
			return Qty{}, false
		}
		return reduce(q), true
	}

	s = strings.ReplaceAll(s, ",", ".")
	if dot := strings.IndexByte(s, '.'); dot >= 0 {
		intPart, fracPart := s[:dot], s[dot+1:]
		if fracPart == "" {
			fracPart = "0"
		}
		num, err := strconv.ParseInt(intPart+fracPart, 10, 64)
		if err != nil {
			return Qty{}, false
		}
		den := int64(1)
		for range fracPart {
			den *= 10
		}
		return reduce(Qty{Num: num, Den: den}), true
	}

	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return Qty{}, false
	}
	return Qty{Num: n, Den: 1}, true
}

func parseFraction(s string) (Qty, bool) {
	parts := strings.SplitN(s, "/", 2)
	num, err1 := strconv.ParseInt(parts[0], 10, 64)
	den, err2 := strconv.ParseInt(parts[1], 10, 64)
	if err1 != nil || err2 != nil || den == 0 {
		return Qty{}, false
	}
	return Qty{Num: num, Den: den}, true
}

func reduce(q Qty) Qty {
	g := gcd(q.Num, q.Den)
	if g > 1 {
		q.Num /= g
		q.Den /= g
	}
	return q
}

func gcd(a, b int64) int64 {
	if a < 0 {
		a = -a
	}
	for b != 0 {
		a, b = b, a%b
	}
	return a
}
