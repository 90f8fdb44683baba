// Package rollup derives category and tab statuses from individual checks.
package rollup

import "controlroom/internal/domain"

// Group is a named set of categories shown together (a tab).
type Group struct {
	Name       string   `json:"name" yaml:"name"`
	Categories []string `json:"categories" yaml:"categories"`
}

type CategoryRollup struct {
	Name   string             `json:"name"`
	Status domain.CheckStatus `json:"status" enum:"pending,pass,fail,warn"`
	Total  int                `json:"total"`
	Passed int                `json:"passed"`
	Failed int                `json:"failed"`
	Warned int                `json:"warned"`
}

type GroupRollup struct {
	Name       string             `json:"name"`
	Status     domain.CheckStatus `json:"status" enum:"pending,pass,fail,warn"`
	Categories []CategoryRollup   `json:"categories"`
}

// Empty is the status of a category or group with no members. A project
// that has never run reads as warn; after any run it reads as pending.
func Empty(executed bool) domain.CheckStatus {
	if executed {
		return domain.CheckPending
	}
	return domain.CheckWarn
}

// Status applies the precedence all-pass > any-fail > any-warn > pending.
// The caller decides what an empty input means, see Empty.
func Status(statuses []domain.CheckStatus) domain.CheckStatus {
	allPass := true
	anyFail := false
	anyWarn := false
	for _, s := range statuses {
		if s != domain.CheckPass {
			allPass = false
		}
		switch s {
		case domain.CheckFail:
			anyFail = true
		case domain.CheckWarn:
			anyWarn = true
		}
	}
	switch {
	case allPass:
		return domain.CheckPass
	case anyFail:
		return domain.CheckFail
	case anyWarn:
		return domain.CheckWarn
	default:
		return domain.CheckPending
	}
}

// Category rolls up the given member checks.
func Category(name string, members []domain.Check, executed bool) CategoryRollup {
	r := CategoryRollup{Name: name, Total: len(members)}
	if len(members) == 0 {
		r.Status = Empty(executed)
		return r
	}
	statuses := make([]domain.CheckStatus, 0, len(members))
	for _, c := range members {
		statuses = append(statuses, c.Status)
		switch c.Status {
		case domain.CheckPass:
			r.Passed++
		case domain.CheckFail:
			r.Failed++
		case domain.CheckWarn:
			r.Warned++
		}
	}
	r.Status = Status(statuses)
	return r
}

// Categories rolls up every category that is either declared or present in
// checks. Declared names come first in their given order, then any
// undeclared categories in first-seen order.
func Categories(checks []domain.Check, declared []string, executed bool) []CategoryRollup {
	members := make(map[string][]domain.Check)
	var order []string
	seen := make(map[string]bool)
	for _, name := range declared {
		if !seen[name] {
			seen[name] = true
			order = append(order, name)
		}
	}
	for _, c := range checks {
		members[c.Category] = append(members[c.Category], c)
		if !seen[c.Category] {
			seen[c.Category] = true
			order = append(order, c.Category)
		}
	}
	out := make([]CategoryRollup, 0, len(order))
	for _, name := range order {
		out = append(out, Category(name, members[name], executed))
	}
	return out
}

// Groups rolls each group up from its categories' rollups using the same
// precedence as Status.
func Groups(groups []Group, categories []CategoryRollup, executed bool) []GroupRollup {
	byName := make(map[string]CategoryRollup, len(categories))
	for _, c := range categories {
		byName[c.Name] = c
	}
	out := make([]GroupRollup, 0, len(groups))
	for _, g := range groups {
		gr := GroupRollup{Name: g.Name}
		var statuses []domain.CheckStatus
		for _, name := range g.Categories {
			c, ok := byName[name]
			if !ok {
				c = Category(name, nil, executed)
			}
			gr.Categories = append(gr.Categories, c)
			statuses = append(statuses, c.Status)
		}
		if len(statuses) == 0 {
			gr.Status = Empty(executed)
		} else {
			gr.Status = Status(statuses)
		}
		out = append(out, gr)
	}
	return out
}

// DeclaredCategories flattens the categories named by groups.
func DeclaredCategories(groups []Group) []string {
	var out []string
	for _, g := range groups {
		out = append(out, g.Categories...)
	}
	return out
}
