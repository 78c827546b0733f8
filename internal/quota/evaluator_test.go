package quota

import (
	"testing"
	"time"

	"github.com/smallbiznis/publica/internal/config"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func newTestEvaluator() *Evaluator {
	return &Evaluator{
		quotas: config.NewStaticQuotaHolder(config.DefaultQuotaConfig()),
		log:    zap.NewNop(),
	}
}

func TestCanSchedule(t *testing.T) {
	e := newTestEvaluator()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	d := e.CanSchedule("free", 9, now.Add(24*time.Hour), now)
	assert.True(t, d.Allowed)

	d = e.CanSchedule("free", 10, now.Add(24*time.Hour), now)
	assert.False(t, d.Allowed)
	assert.Equal(t, 10, d.Current)
	assert.Equal(t, 10, d.Limit)
	assert.Contains(t, d.Message, "queue limit")

	// Free tier cannot schedule more than 7 days ahead.
	d = e.CanSchedule("free", 0, now.Add(8*24*time.Hour), now)
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Message, "days ahead")

	d = e.CanSchedule("pro", 0, now.Add(60*24*time.Hour), now)
	assert.True(t, d.Allowed)
}

func TestCanScheduleUnlimitedQueue(t *testing.T) {
	e := newTestEvaluator()
	now := time.Now().UTC()

	d := e.CanSchedule("business", 100000, now.Add(time.Hour), now)
	assert.True(t, d.Allowed)
}

func TestCanGenerate(t *testing.T) {
	e := newTestEvaluator()

	d := e.CanGenerate("free", 4)
	assert.True(t, d.Allowed)

	d = e.CanGenerate("free", 5)
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Message, "generation limit")

	d = e.CanGenerate("business", 100000)
	assert.True(t, d.Allowed)
}

func TestCanPost(t *testing.T) {
	e := newTestEvaluator()

	d := e.CanPost("starter", "twitter", 9)
	assert.True(t, d.Allowed)

	d = e.CanPost("starter", "twitter", 10)
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Message, "twitter")
}

func TestCanUseAutomation(t *testing.T) {
	e := newTestEvaluator()

	d := e.CanUseAutomation("free", 0)
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Message, "not available")

	d = e.CanUseAutomation("starter", 2)
	assert.True(t, d.Allowed)

	d = e.CanUseAutomation("starter", 3)
	assert.False(t, d.Allowed)

	d = e.CanUseAutomation("business", 500)
	assert.True(t, d.Allowed)
}

func TestUnknownTierFallsBackToFree(t *testing.T) {
	e := newTestEvaluator()

	d := e.CanGenerate("platinum", 5)
	assert.False(t, d.Allowed)
	assert.Equal(t, 5, d.Limit)
}
