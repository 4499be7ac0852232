package tenant

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bizinbox/internal/models"

	"github.com/patrickmn/go-cache"
	"gorm.io/gorm"
)

const (
	DefaultTTL     = 5 * time.Minute
	cleanupPeriod  = 10 * time.Minute
	keyID          = "id:"
	keyPhoneNumber = "phone:"
	keyTwilio      = "twilio:"
)

var ErrNotFound = errors.New("business profile not found")

// Directory resolves business profiles by id and by provider routing keys.
// Lookups are cached; callers that change a profile must Invalidate it.
type Directory struct {
	db    *gorm.DB
	cache *cache.Cache
}

func NewDirectory(db *gorm.DB, ttl time.Duration) *Directory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Directory{db: db, cache: cache.New(ttl, cleanupPeriod)}
}

func (d *Directory) ByID(ctx context.Context, id string) (models.BusinessProfile, error) {
	return d.lookup(ctx, keyID+id, "id = ?", id)
}

// ByPhoneNumberID resolves the tenant of a Meta webhook.
func (d *Directory) ByPhoneNumberID(ctx context.Context, phoneNumberID string) (models.BusinessProfile, error) {
	return d.lookup(ctx, keyPhoneNumber+phoneNumberID, "phone_number_id = ?", phoneNumberID)
}

// ByTwilioAccount resolves the tenant of a Twilio callback.
func (d *Directory) ByTwilioAccount(ctx context.Context, accountSID string) (models.BusinessProfile, error) {
	return d.lookup(ctx, keyTwilio+accountSID, "twilio_account_sid = ?", accountSID)
}

func (d *Directory) lookup(ctx context.Context, key, query, arg string) (models.BusinessProfile, error) {
	if arg == "" {
		return models.BusinessProfile{}, ErrNotFound
	}
	if v, ok := d.cache.Get(key); ok {
		return v.(models.BusinessProfile), nil
	}

	var p models.BusinessProfile
	err := d.db.WithContext(ctx).Where(query, arg).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return p, ErrNotFound
	}
	if err != nil {
		return p, fmt.Errorf("load business profile: %w", err)
	}
	d.store(p)
	return p, nil
}

func (d *Directory) store(p models.BusinessProfile) {
	d.cache.SetDefault(keyID+p.ID, p)
	if p.PhoneNumberID != nil && *p.PhoneNumberID != "" {
		d.cache.SetDefault(keyPhoneNumber+*p.PhoneNumberID, p)
	}
	if p.TwilioAccountSID != nil && *p.TwilioAccountSID != "" {
		d.cache.SetDefault(keyTwilio+*p.TwilioAccountSID, p)
	}
}

// Invalidate drops every cached key of a profile. Pass the profile as it
// was before the change so old routing keys go too.
func (d *Directory) Invalidate(p models.BusinessProfile) {
	d.cache.Delete(keyID + p.ID)
	if p.PhoneNumberID != nil {
		d.cache.Delete(keyPhoneNumber + *p.PhoneNumberID)
	}
	if p.TwilioAccountSID != nil {
		d.cache.Delete(keyTwilio + *p.TwilioAccountSID)
	}
}
