package models

import (
	"time"
)

const (
	ProviderMeta   = "meta"
	ProviderTwilio = "twilio"
)

const (
	RoleAdmin = "admin"
	RoleOwner = "owner"
	RoleAgent = "agent"
)

const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// BusinessProfile is a tenant: one customer organization and its channel credentials.
type BusinessProfile struct {
	ID               string    `gorm:"primaryKey;type:varchar(36)" json:"id"`
	Name             string    `gorm:"type:varchar(255);not null" json:"name"`
	Slug             string    `gorm:"type:varchar(255);uniqueIndex;not null" json:"slug"`
	Provider         string    `gorm:"type:varchar(20);default:'meta'" json:"provider"`
	PhoneNumberID    *string   `gorm:"type:varchar(64);uniqueIndex" json:"phone_number_id"`
	WABAID           string    `gorm:"type:varchar(64)" json:"waba_id"`
	AccessToken      string    `gorm:"type:text" json:"-"`
	TwilioAccountSID *string   `gorm:"type:varchar(64);uniqueIndex" json:"twilio_account_sid"`
	TwilioAuthToken  string    `gorm:"type:varchar(255)" json:"-"`
	TwilioFrom       string    `gorm:"type:varchar(64)" json:"twilio_from"`
	NotifyEmail      string    `gorm:"type:varchar(255)" json:"notify_email"`
	CatalogID        string    `gorm:"type:varchar(64)" json:"catalog_id"`
	CreatedAt        time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (BusinessProfile) TableName() string {
	return "business_profiles"
}

// User is a dashboard login. Platform admins have an empty BusinessID.
type User struct {
	ID           string    `gorm:"primaryKey;type:varchar(36)" json:"id"`
	BusinessID   string    `gorm:"type:varchar(36);index" json:"business_id"`
	Email        string    `gorm:"type:varchar(255);uniqueIndex;not null" json:"email"`
	Name         string    `gorm:"type:varchar(255)" json:"name"`
	PasswordHash string    `gorm:"type:varchar(255);not null" json:"-"`
	Role         string    `gorm:"type:varchar(20);not null" json:"role"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (User) TableName() string {
	return "users"
}

// Session tracks one issued refresh token.
type Session struct {
	ID               string     `gorm:"primaryKey;type:varchar(36)"`
	UserID           string     `gorm:"type:varchar(36);index;not null"`
	RefreshTokenHash string     `gorm:"type:varchar(64);uniqueIndex;not null"`
	ExpiresAt        time.Time  `gorm:"not null"`
	RevokedAt        *time.Time
	CreatedAt        time.Time `gorm:"autoCreateTime"`
}

func (Session) TableName() string {
	return "sessions"
}

// Contact is a WhatsApp user that talks to a business.
type Contact struct {
	BusinessID string    `gorm:"primaryKey;type:varchar(36)" json:"business_id"`
	WaID       string    `gorm:"primaryKey;type:varchar(32)" json:"wa_id"` // E.164 digits, no '+'
	Name       string    `gorm:"type:varchar(255)" json:"name"`
	Country    string    `gorm:"type:varchar(2)" json:"country"`
	Tags       string    `gorm:"type:text;default:'[]'" json:"tags"` // JSON array
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Contact) TableName() string {
	return "contacts"
}

// Message is one inbound or outbound chat message.
type Message struct {
	ID                uint       `gorm:"primaryKey" json:"id"`
	BusinessID        string     `gorm:"type:varchar(36);not null;index:idx_messages_conversation,priority:1;uniqueIndex:idx_messages_provider_id,priority:1;uniqueIndex:idx_messages_idempotency,priority:1" json:"business_id"`
	ContactWaID       string     `gorm:"type:varchar(32);not null;index:idx_messages_conversation,priority:2" json:"contact_wa_id"`
	Direction         string     `gorm:"type:varchar(10);not null" json:"direction"`
	Type              string     `gorm:"type:varchar(50)" json:"type"`
	Content           string     `gorm:"type:text" json:"content"`
	Status            string     `gorm:"type:varchar(20)" json:"status"`
	ProviderMessageID *string    `gorm:"type:varchar(128);uniqueIndex:idx_messages_provider_id,priority:2" json:"provider_message_id"`
	IdempotencyKey    *string    `gorm:"type:varchar(255);uniqueIndex:idx_messages_idempotency,priority:2" json:"idempotency_key,omitempty"`
	StatusAt          *time.Time `json:"status_at"`
	ErrorCode         string     `gorm:"type:varchar(64)" json:"error_code,omitempty"`
	ErrorMessage      string     `gorm:"type:text" json:"error_message,omitempty"`
	Version           int        `gorm:"not null;default:1" json:"version"`
	CreatedAt         time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt         time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Message) TableName() string {
	return "messages"
}

// StatusEvent is a delivery status callback as received from a provider.
type StatusEvent struct {
	ID                uint      `gorm:"primaryKey"`
	BusinessID        string    `gorm:"type:varchar(36);index"`
	Provider          string    `gorm:"type:varchar(20);not null;uniqueIndex:idx_status_events_key,priority:1"`
	ProviderMessageID string    `gorm:"type:varchar(128);not null;uniqueIndex:idx_status_events_key,priority:2"`
	Status            string    `gorm:"type:varchar(20);not null;uniqueIndex:idx_status_events_key,priority:3"`
	ErrorCode         string    `gorm:"type:varchar(64)"`
	ErrorMessage      string    `gorm:"type:text"`
	Applied           bool      `gorm:"default:false;index"`
	OccurredAt        time.Time
	ReceivedAt        time.Time `gorm:"autoCreateTime"`
}

func (StatusEvent) TableName() string {
	return "status_events"
}

const (
	OutboxPending = "pending"
	OutboxDone    = "done"
	OutboxDead    = "dead"
)

// OutboxJob is the durable send request for one outbound Message.
type OutboxJob struct {
	ID            uint       `gorm:"primaryKey" json:"id"`
	BusinessID    string     `gorm:"type:varchar(36);not null;index" json:"business_id"`
	MessageID     uint       `gorm:"not null;uniqueIndex" json:"message_id"`
	Payload       string     `gorm:"type:text;not null" json:"payload"` // JSON OutboundPayload
	State         string     `gorm:"type:varchar(10);not null;default:'pending';index:idx_outbox_due,priority:1" json:"state"`
	Attempts      int        `gorm:"not null;default:0" json:"attempts"`
	NextAttemptAt time.Time  `gorm:"not null;index:idx_outbox_due,priority:2" json:"next_attempt_at"`
	LockedUntil   *time.Time `json:"locked_until"`
	LastError     string     `gorm:"type:text" json:"last_error"`
	CreatedAt     time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (OutboxJob) TableName() string {
	return "outbox_jobs"
}

// OutboundPayload is what the outbox hands to a provider.
type OutboundPayload struct {
	To                string `json:"to"`
	Type              string `json:"type"` // text, template, image, product
	Text              string `json:"text,omitempty"`
	TemplateName      string `json:"template_name,omitempty"`
	Language          string `json:"language,omitempty"`
	MediaID           string `json:"media_id,omitempty"`
	MediaURL          string `json:"media_url,omitempty"`
	Caption           string `json:"caption,omitempty"`
	CatalogID         string `json:"catalog_id,omitempty"`
	ProductRetailerID string `json:"product_retailer_id,omitempty"`
}

// Product is a catalogue item a business can share in a conversation.
type Product struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	BusinessID  string    `gorm:"type:varchar(36);not null;uniqueIndex:idx_products_retailer,priority:1" json:"business_id"`
	RetailerID  string    `gorm:"type:varchar(128);not null;uniqueIndex:idx_products_retailer,priority:2" json:"retailer_id"`
	Name        string    `gorm:"type:varchar(255);not null" json:"name"`
	Description string    `gorm:"type:text" json:"description"`
	PriceCents  int64     `json:"price_cents"`
	Currency    string    `gorm:"type:varchar(3);default:'USD'" json:"currency"`
	ImageURL    string    `gorm:"type:text" json:"image_url"`
	Active      bool      `gorm:"not null" json:"active"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Product) TableName() string {
	return "products"
}

// Template represents a WhatsApp message template
type Template struct {
	ID         string `gorm:"primaryKey;type:varchar(64)" json:"id"`
	BusinessID string `gorm:"type:varchar(36);index" json:"business_id"`
	Name       string `gorm:"type:varchar(255)" json:"name"`
	Language   string `gorm:"type:varchar(50)" json:"language"`
	Category   string `gorm:"type:varchar(100)" json:"category"`
	Status     string `gorm:"type:varchar(50)" json:"status"`
	Components string `gorm:"type:text" json:"components"` // JSON components
}

func (Template) TableName() string {
	return "templates"
}

// AutomationRule represents an automation trigger/action rule
type AutomationRule struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	BusinessID string    `gorm:"type:varchar(36);not null;index" json:"business_id"`
	Name       string    `gorm:"type:varchar(255);not null" json:"name"`
	Enabled    bool      `gorm:"not null" json:"enabled"`
	Priority   int       `gorm:"default:0" json:"priority"`
	Conditions string    `gorm:"type:text" json:"conditions"` // JSON conditions
	Actions    string    `gorm:"type:text" json:"actions"`    // JSON actions
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (AutomationRule) TableName() string {
	return "automation_rules"
}

// AutomationLog represents a log entry for automation execution
type AutomationLog struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	BusinessID   string    `gorm:"type:varchar(36);index" json:"business_id"`
	RuleID       uint      `json:"rule_id"`
	WaID         string    `gorm:"type:varchar(32)" json:"wa_id"`
	ActionTaken  string    `gorm:"type:text" json:"action_taken"`
	Success      bool      `json:"success"`
	ErrorMessage string    `gorm:"type:text" json:"error_message"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (AutomationLog) TableName() string {
	return "automation_logs"
}

// Media represents an uploaded media file
type Media struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	BusinessID string    `gorm:"type:varchar(36);index" json:"business_id"`
	MediaID    string    `gorm:"type:varchar(255);not null;uniqueIndex" json:"media_id"`
	Filename   string    `gorm:"type:varchar(255)" json:"filename"`
	MimeType   string    `gorm:"type:varchar(100)" json:"mime_type"`
	FileSize   int64     `json:"file_size"`
	UploadedAt time.Time `gorm:"autoCreateTime" json:"uploaded_at"`
}

func (Media) TableName() string {
	return "media"
}

// All lists every model for AutoMigrate.
func All() []interface{} {
	return []interface{}{
		&BusinessProfile{},
		&User{},
		&Session{},
		&Contact{},
		&Message{},
		&StatusEvent{},
		&OutboxJob{},
		&Product{},
		&Template{},
		&AutomationRule{},
		&AutomationLog{},
		&Media{},
	}
}
