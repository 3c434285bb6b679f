package rowparse

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// headerKeywords is the multilingual lexicon used for header-row detection.
// Keys are diacritic-folded lowercase.
var headerKeywords = map[string]headerColumn{
	// English
	"qty": colQty, "quantity": colQty, "ordered": colQty,
	"unit": colQty, "uom": colQty,
	"description": colDesc, "item": colDesc, "article": colDesc, "product": colDesc,
	"part": colPart, "sku": colPart, "ref": colPart, "code": colPart, "partno": colPart,
	"price": colPrice, "each": colPrice, "total": colPrice, "amount": colPrice,
	// Spanish
	"cantidad": colQty, "unidad": colQty,
	"descripcion": colDesc, "articulo": colDesc,
	"pieza": colPart, "codigo": colPart,
	"precio": colPrice, "importe": colPrice,
	// French
	"quantite": colQty, "unite": colQty,
	"designation": colDesc,
	"reference":   colPart,
	"prix": colPrice, "montant": colPrice,
	// German
	"menge": colQty, "einheit": colQty,
	"bezeichnung": colDesc, "artikel": colDesc,
	"artikelnr": colPart, "teilenr": colPart,
	"preis": colPrice, "betrag": colPrice,
	// Italian
	"quantita": colQty,
	"descrizione": colDesc, "articolo": colDesc,
	"codice": colPart,
	"prezzo": colPrice,
	// Dutch
	"aantal": colQty, "eenheid": colQty,
	"omschrijving": colDesc,
	"artikelnummer": colPart,
	"prijs": colPrice,
}

// noiseWords identify rows that are totals, tax lines, or page furniture and
// must be excluded from the coverage denominator.
var noiseWords = map[string]bool{
	"total": true, "subtotal": true, "tax": true, "vat": true, "iva": true,
	"mwst": true, "tva": true, "btw": true, "shipping": true, "freight": true,
	"carriage": true, "discount": true, "balance": true, "due": true,
	"page": true, "seite": true, "pagina": true,
}

// unitLexicon maps raw unit tokens to the closed unit set.
var unitLexicon = map[string]Unit{
	"ea": UnitEach, "each": UnitEach, "eaches": UnitEach, "stk": UnitEach,
	"unit": UnitEach, "units": UnitEach, "pz": UnitEach,
	"box": UnitBox, "boxes": UnitBox, "bx": UnitBox,
	"case": UnitCase, "cases": UnitCase, "cs": UnitCase,
	"pc": UnitPcs, "pcs": UnitPcs, "piece": UnitPcs, "pieces": UnitPcs,
	"kg": UnitKg, "kgs": UnitKg, "kilo": UnitKg, "kilos": UnitKg,
	"g": UnitG, "gr": UnitG, "gram": UnitG, "grams": UnitG,
	"lb": UnitLb, "lbs": UnitLb, "pound": UnitLb, "pounds": UnitLb,
	"m": UnitM, "mtr": UnitM, "meter": UnitM, "meters": UnitM, "metre": UnitM, "metres": UnitM,
	"ft": UnitFt, "foot": UnitFt, "feet": UnitFt,
	"gal": UnitGal, "gallon": UnitGal, "gallons": UnitGal,
	"l": UnitL, "lt": UnitL, "ltr": UnitL, "liter": UnitL, "liters": UnitL, "litre": UnitL, "litres": UnitL,
}

// descUnitHints infer a unit from description words when the row carries none.
var descUnitHints = map[string]Unit{
	"filter": UnitEach, "gasket": UnitEach, "seal": UnitEach, "belt": UnitEach,
	"impeller": UnitEach, "pump": UnitEach, "valve": UnitEach, "sensor": UnitEach,
	"hose": UnitM, "cable": UnitM, "rope": UnitM, "chain": UnitM,
	"oil": UnitL, "coolant": UnitL, "grease": UnitKg, "paint": UnitL,
}

type headerColumn int

const (
	colQty headerColumn = iota
	colDesc
	colPart
	colPrice
)

// fold lowercases and strips diacritics so lexicon lookups work across the
// languages packing slips actually arrive in.
func fold(s string) string {
	decomposed := norm.NFKD.String(strings.ToLower(s))
	var sb strings.Builder
	for _, r := range decomposed {
		if unicode.Is(unicode.Mn, r) {
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

// isHeaderRow reports whether the row carries at least two header keywords.
func isHeaderRow(text string) bool {
	n := 0
	for _, tok := range strings.Fields(fold(text)) {
		tok = strings.Trim(tok, ".,:;#")
		if _, ok := headerKeywords[tok]; ok {
			n++
			if n >= 2 {
				return true
			}
		}
	}
	return false
}

// isNoiseRow identifies totals, tax lines, page numbers, and rows with no
// alphanumeric content.
func isNoiseRow(text string) bool {
	folded := fold(text)
	fields := strings.Fields(folded)
	if len(fields) == 0 {
		return true
	}

	hasAlnum := false
	for _, r := range folded {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			hasAlnum = true
			break
		}
	}
	if !hasAlnum {
		return true
	}

	// Bare page numbers.
	if len(fields) == 1 {
		if _, err := parseInt(fields[0]); err == nil {
			return true
		}
	}

	for _, tok := range fields {
		tok = strings.Trim(tok, ".,:;")
		if noiseWords[tok] {
			return true
		}
	}
	return false
}

func parseInt(s string) (int64, error) {
	var n int64
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, errNotInt
		}
		n = n*10 + int64(r-'0')
	}
	return n, nil
}

var errNotInt = errParse("not an integer")

type errParse string

func (e errParse) Error() string { return string(e) }
