package contacts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"bizinbox/internal/models"

	"github.com/dongri/phonenumber"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrInvalidNumber = errors.New("invalid phone number")

// Normalize turns user or provider input ("+1 (555) 123-4567",
// "whatsapp:+15551234567", "0044...") into a WhatsApp id: E.164 digits
// without the plus. defaultCountry (ISO alpha-2) applies to national
// numbers only. The second value is the detected country, if any.
func Normalize(raw, defaultCountry string) (string, string, error) {
	s := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(raw), "whatsapp:"))
	international := strings.HasPrefix(s, "+") || strings.HasPrefix(s, "00")

	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)
	if strings.HasPrefix(s, "00") {
		digits = strings.TrimPrefix(digits, "00")
	}

	if !international && defaultCountry != "" {
		if parsed := phonenumber.Parse(digits, strings.ToUpper(defaultCountry)); parsed != "" {
			digits = parsed
		}
	}
	if len(digits) < 8 || len(digits) > 15 {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidNumber, raw)
	}

	country := ""
	if iso := phonenumber.GetISO3166ByNumber(digits, true); iso.Alpha2 != "" {
		country = iso.Alpha2
		if parsed := phonenumber.Parse(digits, iso.Alpha2); parsed != "" {
			digits = parsed
		}
	}
	return digits, country, nil
}

// Upsert records a contact seen on a conversation. An existing contact
// keeps its name unless it had none.
func Upsert(ctx context.Context, db *gorm.DB, businessID, waID, name string) error {
	if name == "" {
		name = waID
	}
	_, country, _ := Normalize("+"+waID, "")
	c := models.Contact{BusinessID: businessID, WaID: waID, Name: name, Country: country, Tags: "[]"}
	err := db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "business_id"}, {Name: "wa_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"name": gorm.Expr("CASE WHEN contacts.name IS NULL OR contacts.name = '' OR contacts.name = contacts.wa_id THEN excluded.name ELSE contacts.name END"),
		}),
	}).Create(&c).Error
	if err != nil {
		return fmt.Errorf("upsert contact: %w", err)
	}
	return nil
}

// DecodeTags parses the stored JSON tag list.
func DecodeTags(raw string) []string {
	var tags []string
	if raw == "" {
		return tags
	}
	_ = json.Unmarshal([]byte(raw), &tags)
	return tags
}

func EncodeTags(tags []string) string {
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	b, _ := json.Marshal(out)
	return string(b)
}

// AddTag appends tag to a contact's tags if missing.
func AddTag(ctx context.Context, db *gorm.DB, businessID, waID, tag string) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var c models.Contact
		if err := tx.Where("business_id = ? AND wa_id = ?", businessID, waID).First(&c).Error; err != nil {
			return err
		}
		tags := DecodeTags(c.Tags)
		for _, t := range tags {
			if t == tag {
				return nil
			}
		}
		return tx.Model(&models.Contact{}).
			Where("business_id = ? AND wa_id = ?", businessID, waID).
			Update("tags", EncodeTags(append(tags, tag))).Error
	})
}

// HasTag reports whether the stored tag list contains tag.
func HasTag(raw, tag string) bool {
	for _, t := range DecodeTags(raw) {
		if t == tag {
			return true
		}
	}
	return false
}
