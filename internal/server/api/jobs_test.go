package api

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/waterwheel-org/waterwheel/internal/models"
)

func TestFindCycle(t *testing.T) {
	tests := []struct {
		name   string
		tasks  []taskPayload
		cyclic bool
	}{
		{
			name: "linear chain",
			tasks: []taskPayload{
				{Name: "a"},
				{Name: "b", Depends: []string{"a"}},
				{Name: "c", Depends: []string{"b"}},
			},
		},
		{
			name: "diamond",
			tasks: []taskPayload{
				{Name: "a"},
				{Name: "b", Depends: []string{"a"}},
				{Name: "c", Depends: []string{"a"}},
				{Name: "d", Depends: []string{"b", "c"}},
			},
		},
		{
			name: "two task cycle",
			tasks: []taskPayload{
				{Name: "a", Depends: []string{"b"}},
				{Name: "b", Depends: []string{"a"}},
			},
			cyclic: true,
		},
		{
			name: "self dependency",
			tasks: []taskPayload{
				{Name: "a", Depends: []string{"a"}},
			},
			cyclic: true,
		},
		{
			name: "cycle through failure edge",
			tasks: []taskPayload{
				{Name: "a", Depends: []string{"c"}},
				{Name: "b", Depends: []string{"a"}},
				{Name: "c", DependsFailure: []string{"b"}},
			},
			cyclic: true,
		},
		{
			name:  "no tasks",
			tasks: nil,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cycle := findCycle(tc.tasks)
			if tc.cyclic {
				assert.NotEmpty(t, cycle)
			} else {
				assert.Empty(t, cycle)
			}
		})
	}
}

func mustTime(t *testing.T) time.Time {
	t.Helper()
	return time.Date(2021, 6, 1, 0, 0, 0, 0, time.UTC)
}

func TestParseJobDefinitionDefaultsCatchup(t *testing.T) {
	cron := "0 0 * * *"
	payload := &jobPayload{
		UUID:    uuid.New(),
		Project: "analytics",
		Name:    "daily",
		Triggers: []triggerPayload{
			{Name: "midnight", Start: mustTime(t), Cron: &cron},
		},
	}

	def, err := parseJobDefinition(payload, "{}")
	require.NoError(t, err)
	require.Len(t, def.Triggers, 1)
	assert.Equal(t, models.CatchupEarliest, def.Triggers[0].Catchup)
}

func TestParseJobDefinitionRequiresUUID(t *testing.T) {
	_, err := parseJobDefinition(&jobPayload{Project: "p", Name: "j"}, "{}")
	assert.Error(t, err)
}

func TestParseJobDefinitionRejectsDuplicateTaskNames(t *testing.T) {
	payload := &jobPayload{
		UUID:    uuid.New(),
		Project: "p",
		Name:    "j",
		Tasks:   []taskPayload{{Name: "a"}, {Name: "a"}},
	}
	_, err := parseJobDefinition(payload, "{}")
	assert.Error(t, err)
}

func TestParseJobDefinitionUnknownTriggerDependency(t *testing.T) {
	payload := &jobPayload{
		UUID:    uuid.New(),
		Project: "p",
		Name:    "j",
		Tasks: []taskPayload{
			{Name: "a", TriggerDepends: []triggerDepends{{Name: "ghost"}}},
		},
	}
	_, err := parseJobDefinition(payload, "{}")
	assert.ErrorIs(t, err, models.ErrUnknownDependency)
}

func TestParseJobDefinitionStripsTaskPrefix(t *testing.T) {
	period := int64(60)
	payload := &jobPayload{
		UUID:    uuid.New(),
		Project: "p",
		Name:    "j",
		Triggers: []triggerPayload{
			{Name: "t", Start: mustTime(t), Period: &period},
		},
		Tasks: []taskPayload{
			{Name: "a"},
			{Name: "b", Depends: []string{"task/a"}},
		},
	}

	def, err := parseJobDefinition(payload, "{}")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, def.Tasks[1].DependsSuccess)
}
