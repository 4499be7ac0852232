package webhook

// Payload represents the incoming JSON payload from the WhatsApp Cloud API
type Payload struct {
	Object string  `json:"object" validate:"required"`
	Entry  []Entry `json:"entry" validate:"dive"`
}

type Entry struct {
	ID      string   `json:"id"`
	Changes []Change `json:"changes" validate:"dive"`
}

type Change struct {
	Field string `json:"field"`
	Value Value  `json:"value"`
}

type Value struct {
	MessagingProduct string `json:"messaging_product"`
	Metadata         struct {
		DisplayPhoneNumber string `json:"display_phone_number"`
		PhoneNumberID      string `json:"phone_number_id"`
	} `json:"metadata"`
	Contacts []ContactInfo    `json:"contacts,omitempty"`
	Messages []InboundMessage `json:"messages,omitempty" validate:"dive"`
	Statuses []StatusCallback `json:"statuses,omitempty" validate:"dive"`
}

type ContactInfo struct {
	Profile struct {
		Name string `json:"name"`
	} `json:"profile"`
	WaID string `json:"wa_id"`
}

type InboundMessage struct {
	From      string `json:"from" validate:"required"`
	ID        string `json:"id" validate:"required"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type" validate:"required"`
	Text      *struct {
		Body string `json:"body"`
	} `json:"text,omitempty"`
	Image       *MediaMessage       `json:"image,omitempty"`
	Video       *MediaMessage       `json:"video,omitempty"`
	Audio       *MediaMessage       `json:"audio,omitempty"`
	Document    *MediaMessage       `json:"document,omitempty"`
	Interactive *InteractiveMessage `json:"interactive,omitempty"`
}

// MediaMessage represents a media attachment in a WhatsApp message
type MediaMessage struct {
	ID       string `json:"id"`
	MimeType string `json:"mime_type"`
	SHA256   string `json:"sha256,omitempty"`
	Caption  string `json:"caption,omitempty"`
	Filename string `json:"filename,omitempty"`
}

// InteractiveMessage represents an interactive message response (buttons, lists)
type InteractiveMessage struct {
	Type        string `json:"type"`
	ButtonReply *struct {
		ID    string `json:"id"`
		Title string `json:"title"`
	} `json:"button_reply,omitempty"`
	ListReply *struct {
		ID          string `json:"id"`
		Title       string `json:"title"`
		Description string `json:"description,omitempty"`
	} `json:"list_reply,omitempty"`
}

// StatusCallback is a delivery receipt for a message the business sent.
type StatusCallback struct {
	ID          string `json:"id" validate:"required"`
	Status      string `json:"status" validate:"required"`
	Timestamp   string `json:"timestamp"`
	RecipientID string `json:"recipient_id"`
	Errors      []struct {
		Code    int    `json:"code"`
		Title   string `json:"title"`
		Message string `json:"message"`
	} `json:"errors,omitempty"`
}

// Content renders an inbound message as the text stored on the inbox.
func (m InboundMessage) Content() string {
	switch m.Type {
	case "text":
		if m.Text != nil {
			return m.Text.Body
		}
	case "image":
		return mediaContent("image", m.Image)
	case "video":
		return mediaContent("video", m.Video)
	case "audio":
		return mediaContent("audio", m.Audio)
	case "document":
		if m.Document != nil && m.Document.Filename != "" {
			return "[document]:" + m.Document.ID + ":" + m.Document.Filename
		}
		return mediaContent("document", m.Document)
	case "interactive":
		if m.Interactive != nil {
			switch {
			case m.Interactive.ButtonReply != nil:
				return m.Interactive.ButtonReply.Title
			case m.Interactive.ListReply != nil:
				return m.Interactive.ListReply.Title
			}
		}
	}
	return "[" + m.Type + "]"
}

func mediaContent(kind string, media *MediaMessage) string {
	if media == nil {
		return "[" + kind + "]"
	}
	content := "[" + kind + "]:" + media.ID
	if media.Caption != "" {
		content += ":" + media.Caption
	}
	return content
}
