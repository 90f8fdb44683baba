package rollup

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"controlroom/internal/domain"
)

func TestStatusPrecedence(t *testing.T) {
	p, f, w, pe, r := domain.CheckPass, domain.CheckFail, domain.CheckWarn, domain.CheckPending, domain.CheckRunning
	tests := []struct {
		name string
		in   []domain.CheckStatus
		want domain.CheckStatus
	}{
		{"all pass", []domain.CheckStatus{p, p, p}, p},
		{"fail dominates pass", []domain.CheckStatus{p, f, p}, f},
		{"fail dominates warn", []domain.CheckStatus{w, f, w}, f},
		{"warn dominates pending", []domain.CheckStatus{pe, w, p}, w},
		{"pending with pass", []domain.CheckStatus{p, pe}, pe},
		{"running counts as pending", []domain.CheckStatus{p, r}, pe},
		{"single fail", []domain.CheckStatus{f}, f},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Status(tt.in))
		})
	}
}

func TestCategoryCountsAndEmpty(t *testing.T) {
	r := Category("Build", []domain.Check{
		{ID: "1", Status: domain.CheckPass},
		{ID: "2", Status: domain.CheckWarn},
		{ID: "3", Status: domain.CheckFail},
	}, true)
	assert.Equal(t, domain.CheckFail, r.Status)
	assert.Equal(t, 3, r.Total)
	assert.Equal(t, 1, r.Passed)
	assert.Equal(t, 1, r.Warned)
	assert.Equal(t, 1, r.Failed)

	assert.Equal(t, domain.CheckWarn, Category("QA", nil, false).Status)
	assert.Equal(t, domain.CheckPending, Category("QA", nil, true).Status)
}

func TestScenarioGitEnvironment(t *testing.T) {
	checks := []domain.Check{
		{ID: "git", Category: "Git", Status: domain.CheckFail},
		{ID: "env", Category: "Environment", Status: domain.CheckPass},
	}
	cats := Categories(checks, nil, true)
	require.Len(t, cats, 2)
	assert.Equal(t, "Git", cats[0].Name)
	assert.Equal(t, domain.CheckFail, cats[0].Status)
	assert.Equal(t, "Environment", cats[1].Name)
	assert.Equal(t, domain.CheckPass, cats[1].Status)
}

func TestCategoriesDeclaredOrder(t *testing.T) {
	checks := []domain.Check{
		{ID: "x", Category: "Extra", Status: domain.CheckPass},
		{ID: "b", Category: "Build", Status: domain.CheckWarn},
	}
	cats := Categories(checks, []string{"Build", "QA"}, true)
	require.Len(t, cats, 3)
	assert.Equal(t, []string{"Build", "QA", "Extra"}, []string{cats[0].Name, cats[1].Name, cats[2].Name})
	assert.Equal(t, domain.CheckPending, cats[1].Status)
}

func TestGroups(t *testing.T) {
	groups := []Group{
		{Name: "infrastructure", Categories: []string{"Environment", "Git"}},
		{Name: "build", Categories: []string{"Build", "QA"}},
		{Name: "empty"},
	}
	checks := []domain.Check{
		{ID: "env", Category: "Environment", Status: domain.CheckPass},
		{ID: "git", Category: "Git", Status: domain.CheckPass},
		{ID: "build", Category: "Build", Status: domain.CheckWarn},
	}
	cats := Categories(checks, DeclaredCategories(groups), true)
	got := Groups(groups, cats, true)
	require.Len(t, got, 3)
	assert.Equal(t, domain.CheckPass, got[0].Status)
	assert.Equal(t, domain.CheckWarn, got[1].Status, "warn beats pending QA")
	assert.Equal(t, domain.CheckPending, got[2].Status)

	never := Groups(groups, Categories(nil, DeclaredCategories(groups), false), false)
	for _, g := range never {
		assert.Equal(t, domain.CheckWarn, g.Status, g.Name)
	}
}
