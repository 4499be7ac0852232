package automation

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"bizinbox/internal/contacts"
	"bizinbox/internal/models"
	"bizinbox/internal/outbox"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Publisher receives the messages an automation queued.
type Publisher interface {
	Publish(businessID, eventType string, data interface{})
}

type Engine struct {
	db  *gorm.DB
	pub Publisher
	log *zap.Logger
}

func NewEngine(db *gorm.DB, pub Publisher, log *zap.Logger) *Engine {
	return &Engine{db: db, pub: pub, log: log}
}

// Condition represents a rule condition
type Condition struct {
	Type     string `json:"type"`     // keyword, contact_tag, message_type
	Operator string `json:"operator"` // equals, contains, starts_with, regex
	Value    string `json:"value"`
}

// Action represents an automation action
type Action struct {
	Type   string                 `json:"type"`   // send_message, add_tag
	Params map[string]interface{} `json:"params"` // action-specific parameters
}

// Incoming is the inbound message an automation reacts to.
type Incoming struct {
	BusinessID  string
	WaID        string
	ContactName string
	Content     string
}

// ProcessIncomingMessage runs the business's enabled rules, highest
// priority first, and executes the first one whose conditions all hold.
func (e *Engine) ProcessIncomingMessage(ctx context.Context, in Incoming) error {
	var rules []models.AutomationRule
	err := e.db.WithContext(ctx).
		Where("business_id = ? AND enabled = ?", in.BusinessID, true).
		Order("priority DESC, id ASC").
		Find(&rules).Error
	if err != nil {
		return fmt.Errorf("load automation rules: %w", err)
	}

	var contact models.Contact
	e.db.WithContext(ctx).Where("business_id = ? AND wa_id = ?", in.BusinessID, in.WaID).Limit(1).Find(&contact)

	for _, rule := range rules {
		if !e.evaluateConditions(rule.Conditions, contact, in.Content) {
			continue
		}
		log := e.log.With(zap.String("business_id", in.BusinessID), zap.Uint("rule_id", rule.ID), zap.String("wa_id", in.WaID))
		log.Info("automation rule matched", zap.String("rule", rule.Name))

		taken, err := e.executeActions(ctx, rule.Actions, in)
		if err != nil {
			log.Warn("automation actions failed", zap.Error(err))
			e.logAutomation(ctx, rule, in.WaID, taken, false, err.Error())
		} else {
			e.logAutomation(ctx, rule, in.WaID, taken, true, "")
		}
		return err
	}
	return nil
}

// evaluateConditions checks if all conditions are met
func (e *Engine) evaluateConditions(conditionsJSON string, contact models.Contact, messageContent string) bool {
	var conditions []Condition
	if err := json.Unmarshal([]byte(conditionsJSON), &conditions); err != nil {
		e.log.Warn("invalid automation conditions", zap.Error(err))
		return false
	}
	if len(conditions) == 0 {
		return false
	}

	for _, cond := range conditions {
		if !e.evaluateSingleCondition(cond, contact, messageContent) {
			return false
		}
	}
	return true
}

func (e *Engine) evaluateSingleCondition(cond Condition, contact models.Contact, messageContent string) bool {
	switch cond.Type {
	case "keyword":
		return MatchKeyword(messageContent, cond.Operator, cond.Value)
	case "message_type":
		// Only text messages reach the engine.
		return cond.Value == "text"
	case "contact_tag":
		return contacts.HasTag(contact.Tags, cond.Value)
	default:
		e.log.Debug("unknown automation condition", zap.String("type", cond.Type))
		return false
	}
}

// MatchKeyword compares a message against a keyword condition,
// case-insensitively.
func MatchKeyword(message, operator, value string) bool {
	message = strings.TrimSpace(message)
	if operator == "regex" {
		re, err := compileKeyword(value)
		if err != nil {
			return false
		}
		return re.MatchString(message)
	}

	message = strings.ToLower(message)
	value = strings.ToLower(value)
	switch operator {
	case "equals":
		return message == value
	case "contains":
		return strings.Contains(message, value)
	case "starts_with":
		return strings.HasPrefix(message, value)
	default:
		return false
	}
}

// compileKeyword compiles a regex condition case-insensitively. The pattern
// itself is never lowercased: \D and \d mean opposite things.
func compileKeyword(pattern string) (*regexp.Regexp, error) {
	return regexp.Compile("(?i)" + pattern)
}

// ValidateRule checks that conditions and actions are well-formed JSON
// lists before a rule is stored.
func ValidateRule(conditionsJSON, actionsJSON string) error {
	var conditions []Condition
	if err := json.Unmarshal([]byte(conditionsJSON), &conditions); err != nil {
		return fmt.Errorf("conditions: %w", err)
	}
	for _, c := range conditions {
		if c.Type == "keyword" && c.Operator == "regex" {
			if _, err := compileKeyword(c.Value); err != nil {
				return fmt.Errorf("conditions: %w", err)
			}
		}
	}
	var actions []Action
	if err := json.Unmarshal([]byte(actionsJSON), &actions); err != nil {
		return fmt.Errorf("actions: %w", err)
	}
	if len(actions) == 0 {
		return fmt.Errorf("actions: at least one action is required")
	}
	return nil
}

func (e *Engine) executeActions(ctx context.Context, actionsJSON string, in Incoming) (string, error) {
	var actions []Action
	if err := json.Unmarshal([]byte(actionsJSON), &actions); err != nil {
		return "", err
	}

	var taken []string
	for _, action := range actions {
		if err := e.executeSingleAction(ctx, action, in); err != nil {
			return strings.Join(taken, ","), err
		}
		taken = append(taken, action.Type)
	}
	return strings.Join(taken, ","), nil
}

func (e *Engine) executeSingleAction(ctx context.Context, action Action, in Incoming) error {
	switch action.Type {
	case "send_message":
		text, ok := action.Params["message"].(string)
		if !ok || text == "" {
			return nil
		}
		name := in.ContactName
		if name == "" {
			name = in.WaID
		}
		text = strings.ReplaceAll(text, "{{contact_name}}", name)
		text = strings.ReplaceAll(text, "{{message}}", in.Content)
		return e.reply(ctx, in, text)

	case "add_tag":
		tag, ok := action.Params["tag"].(string)
		if !ok || tag == "" {
			return nil
		}
		return contacts.AddTag(ctx, e.db, in.BusinessID, in.WaID, tag)

	default:
		e.log.Debug("unknown automation action", zap.String("type", action.Type))
	}
	return nil
}

func (e *Engine) reply(ctx context.Context, in Incoming, text string) error {
	msg := models.Message{BusinessID: in.BusinessID, Content: text}
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		_, err := outbox.Enqueue(ctx, tx, &msg, models.OutboundPayload{To: in.WaID, Type: "text", Text: text})
		return err
	})
	if err != nil {
		return err
	}
	if e.pub != nil {
		e.pub.Publish(in.BusinessID, "message.created", msg)
	}
	return nil
}

func (e *Engine) logAutomation(ctx context.Context, rule models.AutomationRule, waID, actionTaken string, success bool, errorMsg string) {
	entry := models.AutomationLog{
		BusinessID:   rule.BusinessID,
		RuleID:       rule.ID,
		WaID:         waID,
		ActionTaken:  actionTaken,
		Success:      success,
		ErrorMessage: errorMsg,
	}
	if err := e.db.WithContext(ctx).Create(&entry).Error; err != nil {
		e.log.Warn("write automation log", zap.Error(err))
	}
}
