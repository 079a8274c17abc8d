package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/mqy/minichat/message"
)

// GetDayBefore get the time of before `days`, exclude today.
func GetDayBefore(days int32) time.Time {
	days += 1
	offset := time.Duration(days*24) * time.Hour
	d := time.Now().Add(-offset)
	return time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.Local)
}

// encodePayload stores everything but id and create time, which have
// their own columns.
func encodePayload(r *message.Record) (string, error) {
	v := *r
	v.ID = ""
	v.CreatedAt = time.Time{}
	out, err := json.Marshal(&v)
	if err != nil {
		return "", fmt.Errorf("encode record %s: %v", r.ID, err)
	}
	return string(out), nil
}

func decodePayload(id string, createTime time.Time, payload string) (*message.Record, error) {
	var r message.Record
	if err := json.Unmarshal([]byte(payload), &r); err != nil {
		return nil, fmt.Errorf("decode record %s: %v", id, err)
	}
	r.ID = id
	r.CreatedAt = createTime.UTC()
	return &r, nil
}
