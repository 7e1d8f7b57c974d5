package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// 队列常量
const (
	QueueKeeperScan  = "keeper:scan"  // 持仓扫描任务
	QueueKeeperRetry = "keeper:retry" // 价格不可用时的延迟重试

	QueueTradingRequests = "trading:requests" // 开仓/平仓/减仓请求
	QueueTradingResults  = "trading:results"  // 请求处理结果

	DelayedQueuePrefix = "delayed:"
)

// QueueService Redis队列服务
type QueueService struct {
	client    *redis.Client
	keyPrefix string
}

// NewQueueService 创建新的队列服务
func NewQueueService(client *redis.Client, keyPrefix string) *QueueService {
	return &QueueService{
		client:    client,
		keyPrefix: keyPrefix,
	}
}

// 获取完整的队列名称
func (q *QueueService) getQueueKey(queue string) string {
	return q.keyPrefix + queue
}

// 获取延迟队列名称
func (q *QueueService) getDelayedQueueKey(queue string) string {
	return q.keyPrefix + DelayedQueuePrefix + queue
}

// PushTask 将任务推送到队列
func (q *QueueService) PushTask(ctx context.Context, queue string, task interface{}) error {
	taskData, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("序列化任务失败: %w", err)
	}

	return q.client.LPush(ctx, q.getQueueKey(queue), taskData).Err()
}

// PopTask 从队列中弹出任务（阻塞方式），超时返回 nil, nil
func (q *QueueService) PopTask(ctx context.Context, queue string, timeout time.Duration) ([]byte, error) {
	result, err := q.client.BRPop(ctx, timeout, q.getQueueKey(queue)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil // 超时
		}
		return nil, err
	}

	// BRPop返回一个包含两个元素的数组：[queueName, value]
	if len(result) < 2 {
		return nil, fmt.Errorf("从队列获取的数据结构不正确")
	}

	return []byte(result[1]), nil
}

// PushDelayedTask 推送延迟任务
func (q *QueueService) PushDelayedTask(ctx context.Context, queue string, task interface{}, delay time.Duration) error {
	taskData, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("序列化任务失败: %w", err)
	}

	// 计算执行时间
	executeAt := float64(time.Now().Add(delay).Unix())

	return q.client.ZAdd(ctx, q.getDelayedQueueKey(queue), redis.Z{
		Score:  executeAt,
		Member: taskData,
	}).Err()
}

// GetReadyDelayedTasks 取出并删除已到期的延迟任务
func (q *QueueService) GetReadyDelayedTasks(ctx context.Context, queue string) ([][]byte, error) {
	delayedQueueKey := q.getDelayedQueueKey(queue)
	max := strconv.FormatInt(time.Now().Unix(), 10)

	// 读取和删除放在同一个事务里，避免两者之间新到期的任务被误删
	var rangeCmd *redis.StringSliceCmd
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		rangeCmd = pipe.ZRangeByScore(ctx, delayedQueueKey, &redis.ZRangeBy{Min: "0", Max: max})
		pipe.ZRemRangeByScore(ctx, delayedQueueKey, "0", max)
		return nil
	})
	if err != nil {
		return nil, err
	}

	tasks := rangeCmd.Val()
	result := make([][]byte, 0, len(tasks))
	for _, task := range tasks {
		result = append(result, []byte(task))
	}

	return result, nil
}

// MoveReadyTasksToQueue 将准备好的延迟任务移动到常规队列
func (q *QueueService) MoveReadyTasksToQueue(ctx context.Context, delayedQueue, targetQueue string) (int, error) {
	tasks, err := q.GetReadyDelayedTasks(ctx, delayedQueue)
	if err != nil {
		return 0, err
	}

	if len(tasks) == 0 {
		return 0, nil
	}

	targetQueueKey := q.getQueueKey(targetQueue)
	pipe := q.client.Pipeline()

	// 将所有任务添加到目标队列
	for _, task := range tasks {
		pipe.LPush(ctx, targetQueueKey, task)
	}

	if _, err = pipe.Exec(ctx); err != nil {
		return 0, err
	}

	return len(tasks), nil
}
