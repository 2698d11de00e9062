package postgres

import (
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/LuKev/chess-db-sub001/internal/model"
)

// predicate accumulates AND-ed conditions written with ? placeholders and
// numbers them on render.
type predicate struct {
	conds []string
	args  []any
}

func (p *predicate) add(cond string, args ...any) {
	p.conds = append(p.conds, cond)
	p.args = append(p.args, args...)
}

// render returns the WHERE body with placeholders numbered from $1.
func (p *predicate) render() (string, []any) {
	if len(p.conds) == 0 {
		return "TRUE", nil
	}
	joined := strings.Join(p.conds, " AND ")
	var b strings.Builder
	n := 0
	for _, r := range joined {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String(), p.args
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// buildExportFilter returns the WHERE clause selecting the user's games for
// an export. Explicit ids take precedence over the filter; a nil filter
// selects everything the user owns.
func buildExportFilter(userID uuid.UUID, ids []uuid.UUID, f *model.ExportFilter) (string, []any) {
	p := &predicate{}
	p.add("g.user_id = ?", userID)
	if len(ids) > 0 {
		p.add("g.id = ANY(?)", ids)
		return p.render()
	}
	if f == nil {
		return p.render()
	}

	if v := strings.ToLower(strings.TrimSpace(f.Player)); v != "" {
		like := "%" + escapeLike(v) + "%"
		p.add("(g.white_norm LIKE ? OR g.black_norm LIKE ?)", like, like)
	}
	if f.ECO != "" {
		p.add("g.eco LIKE ?", escapeLike(strings.ToUpper(f.ECO))+"%")
	}
	if f.Result != "" {
		p.add("g.result = ?", string(f.Result))
	}
	if f.TimeControl != "" {
		p.add("g.time_control = ?", f.TimeControl)
	}
	if v := strings.TrimSpace(f.Event); v != "" {
		p.add("g.event ILIKE ?", "%"+escapeLike(v)+"%")
	}
	if v := strings.TrimSpace(f.Site); v != "" {
		p.add("g.site ILIKE ?", "%"+escapeLike(v)+"%")
	}
	if f.Rated != nil {
		p.add("g.rated = ?", *f.Rated)
	}
	if f.DateFrom != nil {
		p.add("g.played_on >= ?", *f.DateFrom)
	}
	if f.DateTo != nil {
		p.add("g.played_on <= ?", *f.DateTo)
	}
	if f.WhiteEloMin != nil {
		p.add("g.white_elo >= ?", *f.WhiteEloMin)
	}
	if f.WhiteEloMax != nil {
		p.add("g.white_elo <= ?", *f.WhiteEloMax)
	}
	if f.BlackEloMin != nil {
		p.add("g.black_elo >= ?", *f.BlackEloMin)
	}
	if f.BlackEloMax != nil {
		p.add("g.black_elo <= ?", *f.BlackEloMax)
	}
	const avgElo = "(CASE WHEN g.white_elo IS NOT NULL AND g.black_elo IS NOT NULL " +
		"THEN (g.white_elo + g.black_elo) / 2.0 ELSE coalesce(g.white_elo, g.black_elo) END)"
	if f.AvgEloMin != nil {
		p.add(avgElo+" >= ?", *f.AvgEloMin)
	}
	if f.AvgEloMax != nil {
		p.add(avgElo+" <= ?", *f.AvgEloMax)
	}
	if f.CollectionID != nil {
		p.add("EXISTS (SELECT 1 FROM collection_games c WHERE c.game_id = g.id AND c.user_id = g.user_id AND c.collection_id = ?)", *f.CollectionID)
	}
	if f.Tag != "" {
		p.add("EXISTS (SELECT 1 FROM game_tags t WHERE t.game_id = g.id AND t.user_id = g.user_id AND t.tag = ?)", strings.ToLower(f.Tag))
	}
	return p.render()
}
