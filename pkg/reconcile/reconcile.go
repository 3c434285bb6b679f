// Package reconcile matches parsed line items against the tenant catalog.
// Matching is pure over a loaded snapshot: for a fixed snapshot and input the
// primary and alternatives are stable, and the snapshot id is recorded on the
// draft line for post-hoc re-ranking.
package reconcile

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/agnivade/levenshtein"
	"github.com/google/uuid"

	"github.com/harborline/receiving/pkg/catalog"
	"github.com/harborline/receiving/pkg/rowparse"
)

// Scoring constants.
const (
	QualifyThreshold  = 0.80
	ShoppingListBoost = 0.15
	RecentPOBoost     = 0.10
	RecentPOWindow    = 90 * 24 * time.Hour
	maxAlternatives   = 3
)

// Reason codes recorded on each match.
const (
	ReasonExactCode    = "exact_code"
	ReasonFuzzyCode    = "fuzzy_code"
	ReasonFuzzyDesc    = "fuzzy_desc"
	ReasonShoppingList = "shopping_list"
	ReasonRecentPO     = "recent_po"
)

// Match is one scored catalog candidate.
type Match struct {
	PartID      uuid.UUID `json:"part_id"`
	Score       float64   `json:"score"`
	ReasonCodes []string  `json:"reason_codes"`
}

// Result is the reconciliation outcome for one parsed line.
type Result struct {
	Primary      *Match  `json:"primary,omitempty"`
	Alternatives []Match `json:"alternatives"`
	SnapshotID   string  `json:"snapshot_id"`
}

// Snapshot is an immutable view of the catalog plus boost state, loaded once
// per artifact and shared across its lines.
type Snapshot struct {
	ID       string
	parts    []catalog.PartRow
	onList   map[uuid.UUID]bool
	recentPO map[uuid.UUID]bool
}

// Reconciler loads snapshots from the catalog collaborator.
type Reconciler struct {
	catalog catalog.Catalog
	now     func() time.Time
}

func NewReconciler(cat catalog.Catalog) *Reconciler {
	return &Reconciler{catalog: cat, now: time.Now}
}

// WithClock overrides the clock for tests.
func (r *Reconciler) WithClock(now func() time.Time) *Reconciler {
	r.now = now
	return r
}

// Load reads the parts, open shopping lists, and recent PO receipts for one
// tenant into a snapshot.
func (r *Reconciler) Load(ctx context.Context, tenantID uuid.UUID) (*Snapshot, error) {
	parts, snapshotID, err := r.catalog.Parts(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("reconcile: parts load failed: %w", err)
	}

	open, err := r.catalog.OpenShoppingList(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("reconcile: shopping list load failed: %w", err)
	}
	onList := make(map[uuid.UUID]bool, len(open))
	for _, l := range open {
		onList[l.PartID] = true
	}

	pos, err := r.catalog.RecentPOs(ctx, tenantID, r.now().Add(-RecentPOWindow))
	if err != nil {
		return nil, fmt.Errorf("reconcile: po load failed: %w", err)
	}
	recent := make(map[uuid.UUID]bool, len(pos))
	for _, p := range pos {
		recent[p.PartID] = true
	}

	return &Snapshot{ID: snapshotID, parts: parts, onList: onList, recentPO: recent}, nil
}

// Match scores every part in the snapshot against one parsed line. Pure.
func (s *Snapshot) Match(line rowparse.ParsedLine) Result {
	candCode := NormaliseCode(line.PartCode)
	candDesc := normaliseText(line.Description)

	scored := make([]Match, 0, len(s.parts))
	order := make(map[uuid.UUID]int, len(s.parts)) // index for deterministic ties
	for i, part := range s.parts {
		m, ok := scoreOne(part, candCode, candDesc)
		if !ok {
			continue
		}
		if s.onList[part.PartID] {
			m.Score += ShoppingListBoost
			m.ReasonCodes = append(m.ReasonCodes, ReasonShoppingList)
		}
		if s.recentPO[part.PartID] {
			m.Score += RecentPOBoost
			m.ReasonCodes = append(m.ReasonCodes, ReasonRecentPO)
		}
		if m.Score > 1.0 {
			m.Score = 1.0
		}
		scored = append(scored, m)
		order[part.PartID] = i
	}

	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		a, b := s.partByID(scored[i].PartID), s.partByID(scored[j].PartID)
		if !a.LastMovementAt.Equal(b.LastMovementAt) {
			return a.LastMovementAt.After(b.LastMovementAt)
		}
		return order[scored[i].PartID] < order[scored[j].PartID]
	})

	res := Result{SnapshotID: s.ID}
	if len(scored) > maxAlternatives {
		scored = scored[:maxAlternatives]
	}
	res.Alternatives = scored
	if len(scored) > 0 && scored[0].Score >= QualifyThreshold {
		primary := scored[0]
		res.Primary = &primary
	}
	return res
}

func (s *Snapshot) partByID(id uuid.UUID) catalog.PartRow {
	for _, p := range s.parts {
		if p.PartID == id {
			return p
		}
	}
	return catalog.PartRow{}
}

// scoreOne computes the base score for one part: the best of exact code,
// fuzzy code, and fuzzy description, with the winning reason recorded.
func scoreOne(part catalog.PartRow, candCode, candDesc string) (Match, bool) {
	partCode := NormaliseCode(part.Code)
	partDesc := normaliseText(part.Description)

	best := 0.0
	reason := ""

	if candCode != "" && partCode != "" {
		if candCode == partCode {
			best, reason = 1.0, ReasonExactCode
		} else if r := tokenSortRatio(candCode, partCode); r > best {
			best, reason = r, ReasonFuzzyCode
		}
	}
	if candDesc != "" && partDesc != "" {
		if r := tokenSortRatio(candDesc, partDesc); r > best {
			best, reason = r, ReasonFuzzyDesc
		}
	}

	if reason == "" || best <= 0 {
		return Match{}, false
	}
	return Match{PartID: part.PartID, Score: best, ReasonCodes: []string{reason}}, true
}

// NormaliseCode uppercases and strips non-alphanumerics so MTU-OF-4568,
// "mtu of 4568", and MTUOF4568 collide.
func NormaliseCode(code string) string {
	var sb strings.Builder
	for _, r := range strings.ToUpper(code) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

func normaliseText(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}

// tokenSortRatio sorts the tokens of both strings and returns a
// substring-aware edit-distance ratio in [0,1].
func tokenSortRatio(a, b string) float64 {
	sa, sb := sortTokens(a), sortTokens(b)
	if sa == "" || sb == "" {
		return 0
	}
	if sa == sb {
		return 1
	}

	ratio := editRatio(sa, sb)

	// Containment: a catalog code embedded in a longer scanned string should
	// still score by relative length, not raw edit distance.
	short, long := sa, sb
	if len(short) > len(long) {
		short, long = long, short
	}
	if strings.Contains(long, short) {
		if c := float64(len(short)) / float64(len(long)); c > ratio {
			ratio = c
		}
	}
	return ratio
}

func sortTokens(s string) string {
	fields := strings.Fields(s)
	sort.Strings(fields)
	return strings.Join(fields, " ")
}

func editRatio(a, b string) float64 {
	maxLen := len(a)
	if len(b) > maxLen {
		maxLen = len(b)
	}
	if maxLen == 0 {
		return 0
	}
	d := levenshtein.ComputeDistance(a, b)
	r := 1.0 - float64(d)/float64(maxLen)
	if r < 0 {
		return 0
	}
	return r
}
