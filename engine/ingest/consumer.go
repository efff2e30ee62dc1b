package ingest

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"

	"github.com/nats-io/nats.go"

	"github.com/WessleyAI/threatintel/engine/advisory"
	"github.com/WessleyAI/threatintel/pkg/natsutil"
)

const (
	// MaxRetries before a batch is sent to the DLQ.
	MaxRetries = 3
	// RetryHeader counts redeliveries of a batch.
	RetryHeader = "X-Retry-Count"
)

// IngestMessage is the payload on IngestSubject.
type IngestMessage struct {
	Records []advisory.RawRecord `json:"records"`
}

// DeadLetter is published to DLQSubject.
type DeadLetter struct {
	Records []advisory.RawRecord `json:"records"`
	Error   string               `json:"error"`
	Retries int                  `json:"retries"`
	Failed  []FailedRecord       `json:"failed,omitempty"`
}

// Consumer feeds IngestMessage batches through the pipeline. Records that do
// not normalize go straight to the DLQ; collaborator failures are retried by
// republishing the rest of the batch.
type Consumer struct {
	pipeline *Pipeline
	pub      natsutil.Publisher
	log      *slog.Logger
}

// NewConsumer creates a Consumer that republishes and dead-letters through pub.
func NewConsumer(p *Pipeline, pub natsutil.Publisher, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{pipeline: p, pub: pub, log: logger}
}

// StartConsumer subscribes a Consumer to IngestSubject.
func StartConsumer(nc *nats.Conn, p *Pipeline, logger *slog.Logger) (*nats.Subscription, error) {
	return nc.Subscribe(IngestSubject, NewConsumer(p, nc, logger).Handle)
}

// WatchDeadLetters calls handle for every batch sent to DLQSubject.
func WatchDeadLetters(nc *nats.Conn, handle func(context.Context, DeadLetter)) (*nats.Subscription, error) {
	return natsutil.Subscribe(nc, DLQSubject, handle)
}

// Handle processes one message.
func (c *Consumer) Handle(msg *nats.Msg) {
	defer func() {
		if msg.Reply != "" {
			_ = msg.Ack()
		}
	}()

	var in IngestMessage
	if err := json.Unmarshal(msg.Data, &in); err != nil {
		c.log.Error("ingest: unmarshal failed", "err", err)
		return
	}
	ctx := natsutil.Context(msg)

	retries := 0
	if msg.Header != nil {
		retries, _ = strconv.Atoi(msg.Header.Get(RetryHeader))
	}

	report, err := c.pipeline.IngestIsolated(ctx, in.Records)
	if len(report.Failed) > 0 {
		bad := make([]advisory.RawRecord, 0, len(report.Failed))
		for _, f := range report.Failed {
			bad = append(bad, in.Records[f.Index])
		}
		c.deadLetter(msg, DeadLetter{Records: bad, Error: "normalization failed", Failed: report.Failed})
	}
	if err == nil {
		c.log.Info("ingest: consumed", "count", report.Count, "failed", len(report.Failed))
		return
	}

	pending := pendingRecords(in.Records, report.Failed)
	retries++
	c.log.Error("ingest: pipeline failed", "err", err, "records", len(pending), "retry", retries)

	if retries >= MaxRetries {
		c.deadLetter(msg, DeadLetter{Records: pending, Error: err.Error(), Retries: retries})
		return
	}

	retry, merr := natsutil.NewMsg(ctx, IngestSubject, IngestMessage{Records: pending})
	if merr != nil {
		c.log.Error("ingest: retry encode failed", "err", merr)
		return
	}
	if retry.Header == nil {
		retry.Header = nats.Header{}
	}
	retry.Header.Set(RetryHeader, strconv.Itoa(retries))
	if perr := c.pub.PublishMsg(retry); perr != nil {
		c.log.Error("ingest: retry publish failed", "err", perr)
	}
}

func (c *Consumer) deadLetter(msg *nats.Msg, m DeadLetter) {
	if err := natsutil.Publish(natsutil.Context(msg), c.pub, DLQSubject, m); err != nil {
		c.log.Error("ingest: DLQ publish failed", "err", err)
	}
}

// pendingRecords drops the records listed in failed.
func pendingRecords(records []advisory.RawRecord, failed []FailedRecord) []advisory.RawRecord {
	skip := make(map[int]struct{}, len(failed))
	for _, f := range failed {
		skip[f.Index] = struct{}{}
	}
	out := make([]advisory.RawRecord, 0, len(records)-len(failed))
	for i, r := range records {
		if _, ok := skip[i]; !ok {
			out = append(out, r)
		}
	}
	return out
}
