package state

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nextlevelbuilder/replbridge/internal/logging"
)

// DeliveryStatus is the terminal outcome recorded for one delivery attempt.
type DeliveryStatus string

const (
	DeliveryDelivered  DeliveryStatus = "delivered"
	DeliveryFailed     DeliveryStatus = "failed"
	DeliveryDeduped    DeliveryStatus = "dedup_skipped"
	DeliveryRateLimited DeliveryStatus = "rate_limited"
)

// DeliveryRecord is one append-only line in delivery.jsonl: the channel
// router writes one per routed response, recording its final outcome and
// the attempt that settled it; failed attempts that a later retry
// superseded get no line of their own.
type DeliveryRecord struct {
	Timestamp   time.Time      `json:"timestamp"`
	Channel     string         `json:"channel"`
	ChatID      string         `json:"chat_id"`
	Fingerprint string         `json:"fingerprint"`
	Status      DeliveryStatus `json:"status"`
	Attempt     int            `json:"attempt"`
	Error       string         `json:"error,omitempty"`
}

// DeliveryLog appends DeliveryRecord lines to delivery.jsonl using a
// size-rotated writer.
type DeliveryLog struct {
	w *logging.RotatingWriter
}

// NewDeliveryLog opens delivery.jsonl under dir.
func NewDeliveryLog(dir string) (*DeliveryLog, error) {
	w, err := logging.NewRotatingWriter(dir + "/delivery.jsonl")
	if err != nil {
		return nil, err
	}
	return &DeliveryLog{w: w}, nil
}

// Append writes one DeliveryRecord as a JSON line.
func (d *DeliveryLog) Append(rec DeliveryRecord) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal delivery record: %w", err)
	}
	line = append(line, '\n')
	_, err = d.w.Write(line)
	return err
}

// Close closes the underlying file handle.
func (d *DeliveryLog) Close() error { return d.w.Close() }
