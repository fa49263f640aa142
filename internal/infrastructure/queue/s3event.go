package queue

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/hszk-dev/hlspack/internal/domain/repository"
)

// s3Notification is the bucket notification body sent by S3 and MinIO.
type s3Notification struct {
	Records []s3Record `json:"Records"`
}

type s3Record struct {
	EventName string `json:"eventName"`
	S3        struct {
		Bucket struct {
			Name string `json:"name"`
		} `json:"bucket"`
		Object struct {
			Key  string `json:"key"`
			Size int64  `json:"size"`
		} `json:"object"`
	} `json:"s3"`
}

// ParseUploadEvents decodes an S3/MinIO bucket notification into upload
// events. Only object-created records are returned. Object keys arrive
// URL-encoded and are decoded here. A body without records, such as the
// s3:TestEvent sent when a notification is configured, yields no events.
func ParseUploadEvents(body []byte) ([]repository.UploadEvent, error) {
	var n s3Notification
	if err := json.Unmarshal(body, &n); err != nil {
		return nil, fmt.Errorf("failed to decode bucket notification: %w", err)
	}

	events := make([]repository.UploadEvent, 0, len(n.Records))
	for _, r := range n.Records {
		if r.EventName != "" && !isObjectCreated(r.EventName) {
			continue
		}

		key, err := url.QueryUnescape(r.S3.Object.Key)
		if err != nil {
			return nil, fmt.Errorf("failed to decode object key %q: %w", r.S3.Object.Key, err)
		}

		events = append(events, repository.UploadEvent{
			Bucket: r.S3.Bucket.Name,
			Key:    key,
		})
	}

	return events, nil
}

// isObjectCreated matches "ObjectCreated:Put" (S3) and "s3:ObjectCreated:Put" (MinIO).
func isObjectCreated(eventName string) bool {
	return strings.HasPrefix(strings.TrimPrefix(eventName, "s3:"), "ObjectCreated:")
}
