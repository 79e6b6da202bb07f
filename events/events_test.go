package events_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/dues-engine/events"
	"github.com/warp/dues-engine/generic"
)

func TestForRecord(t *testing.T) {
	rec := generic.Record{
		ID:       "r-1",
		MemberID: "m-1",
		PlanID:   "p-1",
		Slot:     generic.MonthlySlot{Year: 2024, Month: time.May},
		Status:   generic.StatusApproved,
	}
	at := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

	e := events.ForRecord(events.RecordReviewed, rec, generic.Actor{ID: "admin-1", Role: generic.RoleAdmin}, at)

	body, err := e.ToJSON()
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(body, &decoded))
	assert.Equal(t, "record.reviewed", decoded["type"])
	assert.Equal(t, "2024-05", decoded["slot"])
	assert.Equal(t, "admin-1", decoded["actor"])
	assert.NotContains(t, decoded, "successes")
}

func TestMemory_CollectsAndFilters(t *testing.T) {
	m := &events.Memory{}
	ctx := context.Background()

	require.NoError(t, m.Publish(ctx, events.Event{Type: events.RecordCreated}))
	require.NoError(t, m.Publish(ctx, events.Event{Type: events.ImportCompleted}))

	assert.Len(t, m.Events(), 2)
	assert.Len(t, m.OfType(events.ImportCompleted), 1)

	m.Err = assert.AnError
	assert.ErrorIs(t, m.Publish(ctx, events.Event{}), assert.AnError)
}

func TestNop(t *testing.T) {
	var p events.Publisher = events.Nop{}
	assert.NoError(t, p.Publish(context.Background(), events.Event{}))
	assert.NoError(t, p.Close())
}
