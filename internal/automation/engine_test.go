package automation

import (
	"context"
	"testing"

	"bizinbox/internal/contacts"
	"bizinbox/internal/database"
	"bizinbox/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type published struct{ businessID, eventType string }

type recorder struct{ events []published }

func (r *recorder) Publish(businessID, eventType string, _ interface{}) {
	r.events = append(r.events, published{businessID, eventType})
}

func rule(t *testing.T, db *gorm.DB, businessID, name string, priority int, conditions, actions string) models.AutomationRule {
	t.Helper()
	r := models.AutomationRule{BusinessID: businessID, Name: name, Enabled: true, Priority: priority, Conditions: conditions, Actions: actions}
	require.NoError(t, db.Create(&r).Error)
	return r
}

func TestMatchKeyword(t *testing.T) {
	assert.True(t, MatchKeyword("  PRICE ", "equals", "price"))
	assert.True(t, MatchKeyword("what is the price?", "contains", "Price"))
	assert.True(t, MatchKeyword("hello there", "starts_with", "hello"))
	assert.True(t, MatchKeyword("order 1234", "regex", `order \d+`))
	assert.False(t, MatchKeyword("order", "regex", `(`))
	assert.True(t, MatchKeyword("ORDER 12", "regex", `^order \d+$`))
	assert.True(t, MatchKeyword("hello", "regex", `^\D+$`))
	assert.False(t, MatchKeyword("12345", "regex", `^\D+$`))
	assert.False(t, MatchKeyword("a b", "regex", `^\S+$`))
	assert.False(t, MatchKeyword("x", "unknown", "x"))
}

func TestHighestPriorityRuleWins(t *testing.T) {
	db := database.OpenTest(t)
	rec := &recorder{}
	e := NewEngine(db, rec, zap.NewNop())
	ctx := context.Background()
	require.NoError(t, contacts.Upsert(ctx, db, "b1", "15551234567", "Jane"))

	rule(t, db, "b1", "generic", 1, `[{"type":"keyword","operator":"contains","value":"price"}]`,
		`[{"type":"send_message","params":{"message":"generic"}}]`)
	winner := rule(t, db, "b1", "specific", 10, `[{"type":"keyword","operator":"contains","value":"price"}]`,
		`[{"type":"send_message","params":{"message":"Hi {{contact_name}}, you said: {{message}}"}},{"type":"add_tag","params":{"tag":"lead"}}]`)
	rule(t, db, "b2", "other tenant", 100, `[{"type":"keyword","operator":"contains","value":"price"}]`,
		`[{"type":"send_message","params":{"message":"wrong tenant"}}]`)

	require.NoError(t, e.ProcessIncomingMessage(ctx, Incoming{BusinessID: "b1", WaID: "15551234567", ContactName: "Jane", Content: "Price?"}))

	var msgs []models.Message
	require.NoError(t, db.Find(&msgs).Error)
	require.Len(t, msgs, 1)
	assert.Equal(t, "Hi Jane, you said: Price?", msgs[0].Content)
	assert.Equal(t, models.DirectionOutbound, msgs[0].Direction)

	var jobs int64
	require.NoError(t, db.Model(&models.OutboxJob{}).Count(&jobs).Error)
	assert.EqualValues(t, 1, jobs)

	var c models.Contact
	require.NoError(t, db.Where("business_id = ? AND wa_id = ?", "b1", "15551234567").First(&c).Error)
	assert.True(t, contacts.HasTag(c.Tags, "lead"))

	var logs []models.AutomationLog
	require.NoError(t, db.Find(&logs).Error)
	require.Len(t, logs, 1)
	assert.Equal(t, winner.ID, logs[0].RuleID)
	assert.True(t, logs[0].Success)
	assert.Equal(t, "send_message,add_tag", logs[0].ActionTaken)

	assert.Equal(t, []published{{"b1", "message.created"}}, rec.events)
}

func TestContactTagCondition(t *testing.T) {
	db := database.OpenTest(t)
	e := NewEngine(db, nil, zap.NewNop())
	ctx := context.Background()
	require.NoError(t, contacts.Upsert(ctx, db, "b1", "15551234567", "Jane"))

	rule(t, db, "b1", "vip only", 1,
		`[{"type":"contact_tag","value":"vip"},{"type":"keyword","operator":"equals","value":"hi"}]`,
		`[{"type":"send_message","params":{"message":"welcome back"}}]`)

	require.NoError(t, e.ProcessIncomingMessage(ctx, Incoming{BusinessID: "b1", WaID: "15551234567", Content: "hi"}))
	var n int64
	db.Model(&models.Message{}).Count(&n)
	assert.Zero(t, n)

	require.NoError(t, contacts.AddTag(ctx, db, "b1", "15551234567", "vip"))
	require.NoError(t, e.ProcessIncomingMessage(ctx, Incoming{BusinessID: "b1", WaID: "15551234567", Content: "hi"}))
	db.Model(&models.Message{}).Count(&n)
	assert.EqualValues(t, 1, n)
}

func TestValidateRule(t *testing.T) {
	assert.NoError(t, ValidateRule(`[{"type":"keyword","operator":"regex","value":"^a"}]`, `[{"type":"add_tag","params":{"tag":"x"}}]`))
	assert.Error(t, ValidateRule(`not json`, `[]`))
	assert.Error(t, ValidateRule(`[{"type":"keyword","operator":"regex","value":"("}]`, `[{"type":"add_tag"}]`))
	assert.NoError(t, ValidateRule(`[{"type":"keyword","operator":"regex","value":"^\\D+$"}]`, `[{"type":"add_tag","params":{"tag":"x"}}]`))
	assert.Error(t, ValidateRule(`[]`, `[]`))
}
