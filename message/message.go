package message

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Anonymous is the identity used when a record carries no author.
const Anonymous = "Anonymous"

// LocationText is the text attached to location messages sent without text.
const LocationText = "Sent a location"

var (
	ErrEmptyMessage = errors.New("message: text is required when there is no attachment")
	ErrInvalidDraft = errors.New("message: invalid draft")
)

type Author struct {
	ID          string `json:"id"`
	DisplayName string `json:"name"`
}

// AnonymousAuthor returns the sentinel identity.
func AnonymousAuthor() Author {
	return Author{ID: Anonymous, DisplayName: Anonymous}
}

type AttachmentKind int

const (
	KindNone AttachmentKind = iota
	KindImage
	KindLocation
)

func (k AttachmentKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindImage:
		return "image"
	case KindLocation:
		return "location"
	default:
		return fmt.Sprintf("AttachmentKind(%d)", int(k))
	}
}

// Attachment is a tagged variant, exactly one kind is active.
// Use None, Image or Location to build one.
type Attachment struct {
	kind      AttachmentKind
	url       string
	latitude  float64
	longitude float64
}

func None() Attachment {
	return Attachment{kind: KindNone}
}

func Image(url string) Attachment {
	return Attachment{kind: KindImage, url: url}
}

func Location(latitude, longitude float64) Attachment {
	return Attachment{kind: KindLocation, latitude: latitude, longitude: longitude}
}

func (a Attachment) Kind() AttachmentKind { return a.kind }

// URL returns the image url, empty unless Kind() is KindImage.
func (a Attachment) URL() string { return a.url }

// Coords returns the location, zero unless Kind() is KindLocation.
func (a Attachment) Coords() (latitude, longitude float64) {
	return a.latitude, a.longitude
}

func (a Attachment) String() string {
	switch a.kind {
	case KindImage:
		return "image(" + a.url + ")"
	case KindLocation:
		return fmt.Sprintf("location(%f,%f)", a.latitude, a.longitude)
	default:
		return "none"
	}
}

type attachmentJSON struct {
	Kind      string   `json:"kind"`
	URL       string   `json:"url,omitempty"`
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
}

func (a Attachment) MarshalJSON() ([]byte, error) {
	out := attachmentJSON{Kind: a.kind.String()}
	switch a.kind {
	case KindImage:
		out.URL = a.url
	case KindLocation:
		lat, lng := a.latitude, a.longitude
		out.Latitude, out.Longitude = &lat, &lng
	}
	return json.Marshal(out)
}

func (a *Attachment) UnmarshalJSON(data []byte) error {
	var in attachmentJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	switch in.Kind {
	case "", "none":
		*a = None()
	case "image":
		*a = Image(in.URL)
	case "location":
		var lat, lng float64
		if in.Latitude != nil {
			lat = *in.Latitude
		}
		if in.Longitude != nil {
			lng = *in.Longitude
		}
		*a = Location(lat, lng)
	default:
		return fmt.Errorf("message: unknown attachment kind %q", in.Kind)
	}
	return nil
}

// Message is the canonical, immutable chat message.
type Message struct {
	ID         string     `json:"id"`
	Text       string     `json:"text"`
	Author     Author     `json:"author"`
	CreatedAt  time.Time  `json:"createdAt"`
	Attachment Attachment `json:"attachment"`
}

// Coordinates of a location record.
type Coords struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// RecordAuthor is the author as stored in the remote log.
type RecordAuthor struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
}

// Record is the remote log's shape of a message. ID and CreatedAt are
// assigned by the log on append.
type Record struct {
	ID        string        `json:"id,omitempty"`
	Text      string        `json:"text,omitempty"`
	Author    *RecordAuthor `json:"author,omitempty"`
	CreatedAt time.Time     `json:"createdAt"`
	Image     string        `json:"image,omitempty"`
	Location  *Coords       `json:"location,omitempty"`
}

// Draft is an outbound message before it is denormalized.
// LocalImage names a local file that must be uploaded first; it is
// exclusive with a non-none Attachment.
type Draft struct {
	Text       string
	Author     Author
	Attachment Attachment
	LocalImage string
}

func (d *Draft) NeedsUpload() bool {
	return d.LocalImage != ""
}

// Check rejects drafts that can never be sent, before any upload starts.
func (d *Draft) Check() error {
	if d == nil {
		return fmt.Errorf("%w: nil draft", ErrInvalidDraft)
	}
	if d.NeedsUpload() {
		if d.Attachment.Kind() != KindNone {
			return fmt.Errorf("%w: local image and %s attachment", ErrInvalidDraft, d.Attachment.Kind())
		}
		return nil
	}
	if d.Attachment.Kind() == KindNone && d.Text == "" {
		return ErrEmptyMessage
	}
	return nil
}
