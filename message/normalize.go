package message

import (
	"fmt"
	"time"
)

// Normalize converts a remote record into a Message. It never fails:
// a missing author becomes Anonymous, missing text becomes "", and the
// attachment is chosen by checking image, then location, then none.
func Normalize(r *Record) Message {
	if r == nil {
		return Message{Author: AnonymousAuthor(), Attachment: None()}
	}

	m := Message{
		ID:        r.ID,
		Text:      r.Text,
		Author:    normalizeAuthor(r.Author),
		CreatedAt: r.CreatedAt,
	}

	if r.Image != "" {
		m.Attachment = Image(r.Image)
	} else if r.Location != nil {
		m.Attachment = Location(r.Location.Latitude, r.Location.Longitude)
	} else {
		m.Attachment = None()
	}
	return m
}

// NormalizeAll normalizes a full batch and returns it in display order.
func NormalizeAll(records []*Record) []Message {
	out := make([]Message, 0, len(records))
	for _, r := range records {
		out = append(out, Normalize(r))
	}
	Sort(out)
	return out
}

func normalizeAuthor(a *RecordAuthor) Author {
	if a == nil {
		return AnonymousAuthor()
	}
	out := Author{ID: a.ID, DisplayName: a.Name}
	if out.ID == "" {
		out.ID = Anonymous
	}
	if out.DisplayName == "" {
		out.DisplayName = Anonymous
	}
	return out
}

// Denormalize builds the record to append for a draft. CreatedAt is set to
// now, the submission time; the log replaces it with its own clock.
func Denormalize(d *Draft, now time.Time) (*Record, error) {
	if d == nil {
		return nil, fmt.Errorf("%w: nil draft", ErrInvalidDraft)
	}
	if d.NeedsUpload() {
		return nil, fmt.Errorf("%w: local image %q is not uploaded", ErrInvalidDraft, d.LocalImage)
	}

	author := d.Author
	if author.ID == "" {
		author.ID = Anonymous
	}
	if author.DisplayName == "" {
		author.DisplayName = Anonymous
	}

	r := &Record{
		Text:      d.Text,
		Author:    &RecordAuthor{ID: author.ID, Name: author.DisplayName},
		CreatedAt: now,
	}

	switch d.Attachment.Kind() {
	case KindImage:
		if d.Attachment.URL() == "" {
			return nil, fmt.Errorf("%w: empty image url", ErrInvalidDraft)
		}
		r.Image = d.Attachment.URL()
	case KindLocation:
		lat, lng := d.Attachment.Coords()
		r.Location = &Coords{Latitude: lat, Longitude: lng}
	default:
		if d.Text == "" {
			return nil, ErrEmptyMessage
		}
	}
	return r, nil
}

// Validate checks a record received for append.
func Validate(r *Record) error {
	if r == nil {
		return fmt.Errorf("%w: nil record", ErrInvalidDraft)
	}
	if r.Image != "" && r.Location != nil {
		return fmt.Errorf("%w: more than one attachment", ErrInvalidDraft)
	}
	if r.Image == "" && r.Location == nil && r.Text == "" {
		return ErrEmptyMessage
	}
	return nil
}
