package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

// TaskTypeAuctionClose 是結標任務的類型名稱
const TaskTypeAuctionClose = "auction:close"

// ClosePayload 是結標任務的內容
// ScheduledTime 只用於記錄，實際結標永遠以觸發當下的出價狀態為準，
// 不管觸發時間偏離end_time多少
type ClosePayload struct {
	AuctionID     uuid.UUID `json:"auction_id"`
	ScheduledTime time.Time `json:"scheduled_time"`
}

// NewClosePayload 解析結標任務的內容
func NewClosePayload(task *asynq.Task) (ClosePayload, error) {
	var payload ClosePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return ClosePayload{}, fmt.Errorf("fail to unmarshal close payload, err=%w", err)
	}
	return payload, nil
}

// AsynqScheduler 以asynq的延遲任務實作一次性結標排程
// 任務ID由拍賣ID決定，重複註冊同一場拍賣的結標是冪等的no-op
type AsynqScheduler struct {
	client    *asynq.Client
	inspector *asynq.Inspector
	queue     string
}

// NewAsynqScheduler 建立asynq排程器
func NewAsynqScheduler(redisOpt asynq.RedisClientOpt, queue string) *AsynqScheduler {
	return &AsynqScheduler{
		client:    asynq.NewClient(redisOpt),
		inspector: asynq.NewInspector(redisOpt),
		queue:     queue,
	}
}

// Schedule 註冊一個在fireAt觸發的結標任務
func (s *AsynqScheduler) Schedule(ctx context.Context, auctionID uuid.UUID, fireAt time.Time) (string, error) {
	const op = "AsynqScheduler.Schedule"
	payload, err := json.Marshal(ClosePayload{AuctionID: auctionID, ScheduledTime: fireAt})
	if err != nil {
		return "", fmt.Errorf("[%s] Fail to marshal close payload, err=%w", op, err)
	}
	taskID := TaskTypeAuctionClose + ":" + auctionID.String()
	task := asynq.NewTask(TaskTypeAuctionClose, payload)
	info, err := s.client.EnqueueContext(ctx, task,
		asynq.TaskID(taskID),
		asynq.ProcessAt(fireAt),
		asynq.MaxRetry(5),
		asynq.Queue(s.queue),
	)
	if err != nil {
		// 同一場拍賣已經註冊過結標任務
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			return taskID, nil
		}
		return "", fmt.Errorf("[%s] Fail to enqueue close task, err=%w", op, err)
	}
	return info.ID, nil
}

// Cancel 撤銷先前註冊的結標任務
// 任務不存在（可能已經觸發）不算錯誤
func (s *AsynqScheduler) Cancel(ctx context.Context, handle string) error {
	const op = "AsynqScheduler.Cancel"
	if err := s.inspector.DeleteTask(s.queue, handle); err != nil {
		if errors.Is(err, asynq.ErrTaskNotFound) || errors.Is(err, asynq.ErrQueueNotFound) {
			return nil
		}
		return fmt.Errorf("[%s] Fail to delete close task, err=%w", op, err)
	}
	return nil
}

// Close 關閉排程器的連線
func (s *AsynqScheduler) Close() error {
	if err := s.client.Close(); err != nil {
		return err
	}
	return s.inspector.Close()
}
