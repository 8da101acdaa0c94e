package logging

import (
	"encoding/json"
	"log"
	"time"
)

type Fields struct {
	Service    string
	Step       string
	Status     string
	OrderID    int64
	UserID     int64
	Key        string
	DurationMS int64
	Message    string
	Err        error
}

// Log writes one JSON object per line through the standard logger.
func Log(fields Fields) {
	payload := map[string]any{
		"service":   fields.Service,
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	}
	if fields.Step != "" {
		payload["step"] = fields.Step
	}
	if fields.Status != "" {
		payload["status"] = fields.Status
	}
	if fields.OrderID != 0 {
		payload["order_id"] = fields.OrderID
	}
	if fields.UserID != 0 {
		payload["user_id"] = fields.UserID
	}
	if fields.Key != "" {
		payload["idempotency_key"] = fields.Key
	}
	if fields.DurationMS != 0 {
		payload["duration_ms"] = fields.DurationMS
	}
	if fields.Message != "" {
		payload["message"] = fields.Message
	}
	if fields.Err != nil {
		payload["error"] = fields.Err.Error()
	}

	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("{\"service\":%q,\"status\":\"log_error\",\"error\":%q}", fields.Service, err.Error())
		return
	}
	log.Print(string(data))
}
