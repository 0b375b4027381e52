package messages

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskPriorityJSONNames(t *testing.T) {
	data, err := json.Marshal(High)
	require.NoError(t, err)
	assert.Equal(t, `"high"`, string(data))

	var p TaskPriority
	require.NoError(t, json.Unmarshal([]byte(`"backfill"`), &p))
	assert.Equal(t, BackFill, p)

	assert.Error(t, json.Unmarshal([]byte(`"urgent"`), &p))
}

func TestPrioritiesOrderedLowestFirst(t *testing.T) {
	priorities := Priorities()
	require.Len(t, priorities, 4)
	for i := 1; i < len(priorities); i++ {
		assert.Less(t, int(priorities[i-1]), int(priorities[i]))
	}
}

func TestTaskResultToken(t *testing.T) {
	result := TaskResult{
		TaskID:          uuid.New(),
		TriggerDatetime: time.Date(2021, 6, 1, 0, 0, 0, 0, time.UTC),
		Result:          OutcomeSuccess,
	}
	token := result.Token()
	assert.Equal(t, result.TaskID, token.TaskID)
	assert.Equal(t, result.TriggerDatetime, token.TriggerDatetime)
}

func TestTaskOutcomeValid(t *testing.T) {
	assert.True(t, OutcomeSuccess.Valid())
	assert.True(t, OutcomeFailure.Valid())
	assert.False(t, TaskOutcome("crashed").Valid())
	assert.False(t, TaskOutcome("").Valid())
}
