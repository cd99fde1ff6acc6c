package taskctx

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/solacelabs/sam-core/a2a"
	"github.com/solacelabs/sam-core/checkpoint"
)

// TestParallelGroupInvariantProperty verifies the fan-in counter law: a
// parallel-invocation record's completed count never exceeds total_expected,
// and reaches exactly total_expected once every expected reply has arrived.
// Replies are recorded in index order.
func TestParallelGroupInvariantProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("completed count is monotone and bounded by total", prop.ForAll(
		func(total int) bool {
			c := New("task-1", a2a.A2AContext{})
			c.BeginParallelGroup("inv-1", total)

			lastCompleted := 0
			for i := 0; i < total; i++ {
				completed, reportedTotal, allIn := c.RecordParallelResult("inv-1", checkpoint.ParallelResult{SubTaskID: idOf(i)})
				if reportedTotal != total {
					return false
				}
				if completed < lastCompleted || completed > total {
					return false
				}
				lastCompleted = completed
				if i == total-1 && !allIn {
					return false
				}
				if i < total-1 && allIn {
					return false
				}
			}
			return lastCompleted == total
		},
		gen.IntRange(0, 50),
	))

	properties.TestingRun(t)
}

func idOf(i int) string {
	const letters = "abcdefghijklmnopqrstuvwxyz"
	return string(letters[i%len(letters)]) + string(rune('0'+(i/len(letters))%10))
}
