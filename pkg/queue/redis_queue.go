package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"librarycatalog/internal/util"
	"librarycatalog/pkg/notify"
)

const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusDone       = "done"
	StatusFailed     = "failed"
)

// JobStatus tracks one mail job through the outbox.
type JobStatus struct {
	ID           string    `json:"id"`
	To           string    `json:"to"`
	Subject      string    `json:"subject"`
	Status       string    `json:"status"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
	Attempts     int       `json:"attempts"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// RedisMailQueue is a mail outbox on a Redis stream with a consumer group.
// Enqueue makes it usable as the notify.Sender behind a Dispatcher; Run
// delivers the stream to the real Sender.
type RedisMailQueue struct {
	client       redis.UniversalClient
	stream       string
	group        string
	consumerBase string
	jobTTL       time.Duration
	maxRetries   int
	block        time.Duration
	claimIdle    time.Duration
	retryDelay   time.Duration
	maxLen       int64
	readCount    int64
	claimCount   int64
}

type RedisQueueConfig struct {
	Addr       string
	Password   string
	Client     redis.UniversalClient
	Stream     string
	Group      string
	Consumer   string
	JobTTL     time.Duration
	MaxRetries int
	Block      time.Duration
	ClaimIdle  time.Duration
	RetryDelay time.Duration
	MaxLen     int64
	ReadCount  int64
	ClaimCount int64
}

func NewRedisMailQueue(cfg RedisQueueConfig) (*RedisMailQueue, error) {
	client := cfg.Client
	if client == nil {
		addr := strings.TrimSpace(cfg.Addr)
		if addr == "" {
			return nil, errors.New("redis addr required")
		}
		client = redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Password})
	}
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		stream = "catalog:mail"
	}
	group := strings.TrimSpace(cfg.Group)
	if group == "" {
		group = "mailers"
	}
	consumer := strings.TrimSpace(cfg.Consumer)
	if consumer == "" {
		consumer = util.NewID()
	}
	return &RedisMailQueue{
		client:       client,
		stream:       stream,
		group:        group,
		consumerBase: consumer,
		jobTTL:       durationOr(cfg.JobTTL, 24*time.Hour),
		maxRetries:   intOr(cfg.MaxRetries, 3),
		block:        durationOr(cfg.Block, 5*time.Second),
		claimIdle:    durationOr(cfg.ClaimIdle, 30*time.Second),
		retryDelay:   durationOr(cfg.RetryDelay, 2*time.Second),
		maxLen:       int64Or(cfg.MaxLen, 10000),
		readCount:    int64Or(cfg.ReadCount, 10),
		claimCount:   int64Or(cfg.ClaimCount, 10),
	}, nil
}

// Send enqueues msg; it satisfies notify.Sender.
func (q *RedisMailQueue) Send(ctx context.Context, msg notify.Message) error {
	_, err := q.Enqueue(ctx, msg)
	return err
}

// Enqueue appends msg to the stream and records its status.
func (q *RedisMailQueue) Enqueue(ctx context.Context, msg notify.Message) (JobStatus, error) {
	if strings.TrimSpace(msg.To) == "" {
		return JobStatus{}, errors.New("mail recipient required")
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return JobStatus{}, fmt.Errorf("encode mail job: %w", err)
	}
	now := time.Now().UTC()
	job := JobStatus{
		ID:        util.NewID(),
		To:        msg.To,
		Subject:   msg.Subject,
		Status:    StatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := q.writeStatus(ctx, job); err != nil {
		return JobStatus{}, err
	}
	if err := q.client.XAdd(ctx, q.addArgs(job.ID, string(payload))).Err(); err != nil {
		return JobStatus{}, err
	}
	return job, nil
}

func (q *RedisMailQueue) GetJob(ctx context.Context, jobID string) (JobStatus, bool, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return JobStatus{}, false, nil
	}
	data, err := q.client.HGetAll(ctx, q.jobKey(jobID)).Result()
	if err != nil {
		return JobStatus{}, false, err
	}
	if len(data) == 0 {
		return JobStatus{}, false, nil
	}
	return decodeJobStatus(jobID, data), true, nil
}

// Run consumes the stream with concurrency consumers until ctx is done.
func (q *RedisMailQueue) Run(ctx context.Context, concurrency int, sender notify.Sender) error {
	if concurrency <= 0 {
		concurrency = 1
	}
	if err := q.ensureGroup(ctx); err != nil {
		return err
	}
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < concurrency; i++ {
		consumer := fmt.Sprintf("%s-%d", q.consumerBase, i)
		g.Go(func() error {
			q.consumeLoop(ctx, consumer, sender)
			return nil
		})
	}
	return g.Wait()
}

// Close releases the Redis client.
func (q *RedisMailQueue) Close() error {
	return q.client.Close()
}

func (q *RedisMailQueue) ensureGroup(ctx context.Context) error {
	err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group: %w", err)
	}
	return nil
}

func (q *RedisMailQueue) consumeLoop(ctx context.Context, consumer string, sender notify.Sender) {
	for ctx.Err() == nil {
		if msgs, err := q.claimPending(ctx, consumer); err == nil {
			for _, msg := range msgs {
				q.handleMessage(ctx, msg, sender)
			}
		}

		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.group,
			Consumer: consumer,
			Streams:  []string{q.stream, ">"},
			Count:    q.readCount,
			Block:    q.block,
		}).Result()
		if err != nil {
			if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
				slog.Warn("mail queue read failed", "stream", q.stream, "err", err)
				sleepCtx(ctx, q.retryDelay)
			}
			continue
		}
		for _, stream := range streams {
			for _, msg := range stream.Messages {
				q.handleMessage(ctx, msg, sender)
			}
		}
	}
}

func (q *RedisMailQueue) claimPending(ctx context.Context, consumer string) ([]redis.XMessage, error) {
	res, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: consumer,
		MinIdle:  q.claimIdle,
		Start:    "0-0",
		Count:    q.claimCount,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return res, err
}

func (q *RedisMailQueue) handleMessage(ctx context.Context, msg redis.XMessage, sender notify.Sender) {
	jobID, _ := msg.Values["job_id"].(string)
	raw, _ := msg.Values["payload"].(string)
	var mail notify.Message
	if jobID == "" || json.Unmarshal([]byte(raw), &mail) != nil {
		slog.Warn("mail queue dropped malformed entry", "stream", q.stream, "id", msg.ID)
		q.ackAndDel(ctx, msg.ID)
		return
	}
	job, err := q.markProcessing(ctx, jobID, mail)
	if err != nil {
		q.ackAndDel(ctx, msg.ID)
		return
	}
	sendErr := sender.Send(ctx, mail)
	// Bookkeeping for a delivery that already happened must survive shutdown.
	bg := context.WithoutCancel(ctx)
	if sendErr == nil {
		q.ackAndDel(bg, msg.ID)
		_ = q.mark(bg, jobID, StatusDone, "")
		return
	}
	if job.Attempts >= q.maxRetries {
		slog.Warn("mail job failed", "job_id", jobID, "attempts", job.Attempts, "err", sendErr)
		q.ackAndDel(bg, msg.ID)
		_ = q.mark(bg, jobID, StatusFailed, sendErr.Error())
		return
	}
	_ = q.mark(bg, jobID, StatusQueued, sendErr.Error())
	if !sleepCtx(ctx, q.retryDelay) {
		return
	}
	if err := q.requeueAndAck(ctx, msg.ID, jobID, raw); err != nil {
		slog.Warn("mail job requeue failed", "job_id", jobID, "err", err)
	}
}

func (q *RedisMailQueue) addArgs(jobID, payload string) *redis.XAddArgs {
	return &redis.XAddArgs{
		Stream: q.stream,
		MaxLen: q.maxLen,
		Approx: true,
		Values: map[string]any{
			"job_id":  jobID,
			"payload": payload,
		},
	}
}

func (q *RedisMailQueue) ackAndDel(ctx context.Context, msgID string) {
	_, _ = q.client.XAck(ctx, q.stream, q.group, msgID).Result()
	_, _ = q.client.XDel(ctx, q.stream, msgID).Result()
}

// requeueAndAck re-adds the job and acknowledges the old entry atomically, so
// a failure leaves the original message pending for XAUTOCLAIM.
func (q *RedisMailQueue) requeueAndAck(ctx context.Context, msgID, jobID, payload string) error {
	pipe := q.client.TxPipeline()
	pipe.XAdd(ctx, q.addArgs(jobID, payload))
	pipe.XAck(ctx, q.stream, q.group, msgID)
	pipe.XDel(ctx, q.stream, msgID)
	_, err := pipe.Exec(ctx)
	return err
}

func (q *RedisMailQueue) markProcessing(ctx context.Context, jobID string, mail notify.Message) (JobStatus, error) {
	job, found, err := q.GetJob(ctx, jobID)
	if err != nil {
		return JobStatus{}, err
	}
	if !found {
		job = JobStatus{ID: jobID, To: mail.To, Subject: mail.Subject}
	}
	job.Attempts++
	job.Status = StatusProcessing
	job.UpdatedAt = time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = job.UpdatedAt
	}
	if err := q.writeStatus(ctx, job); err != nil {
		return JobStatus{}, err
	}
	return job, nil
}

func (q *RedisMailQueue) mark(ctx context.Context, jobID, status, errMsg string) error {
	job, _, err := q.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	job.ID = jobID
	job.Status = status
	job.ErrorMessage = errMsg
	job.UpdatedAt = time.Now().UTC()
	return q.writeStatus(ctx, job)
}

func (q *RedisMailQueue) writeStatus(ctx context.Context, job JobStatus) error {
	key := q.jobKey(job.ID)
	payload := map[string]any{
		"id":        job.ID,
		"to":        job.To,
		"subject":   job.Subject,
		"status":    job.Status,
		"error":     job.ErrorMessage,
		"attempts":  strconv.Itoa(job.Attempts),
		"createdAt": job.CreatedAt.Format(time.RFC3339Nano),
		"updatedAt": job.UpdatedAt.Format(time.RFC3339Nano),
	}
	if err := q.client.HSet(ctx, key, payload).Err(); err != nil {
		return err
	}
	_ = q.client.Expire(ctx, key, q.jobTTL).Err()
	return nil
}

func (q *RedisMailQueue) jobKey(jobID string) string {
	return fmt.Sprintf("mailjob:%s:%s", q.stream, jobID)
}

func decodeJobStatus(jobID string, data map[string]string) JobStatus {
	job := JobStatus{
		ID:           jobID,
		To:           data["to"],
		Subject:      data["subject"],
		Status:       data["status"],
		ErrorMessage: data["error"],
	}
	if n, err := strconv.Atoi(data["attempts"]); err == nil {
		job.Attempts = n
	}
	if t, err := time.Parse(time.RFC3339Nano, data["createdAt"]); err == nil {
		job.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, data["updatedAt"]); err == nil {
		job.UpdatedAt = t
	}
	return job
}

// sleepCtx waits d and reports false if ctx ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func durationOr(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func intOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func int64Or(v, def int64) int64 {
	if v <= 0 {
		return def
	}
	return v
}
