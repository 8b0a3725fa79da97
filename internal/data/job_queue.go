package data

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"transcription-service/internal/biz"
	"transcription-service/internal/conf"

	"github.com/apache/rocketmq-client-go/v2"
	"github.com/apache/rocketmq-client-go/v2/primitive"
	"github.com/apache/rocketmq-client-go/v2/producer"
	"github.com/go-kratos/kratos/v2/log"
)

const defaultQueueSize = 256

// ErrQueueFull 进程内队列已满
var ErrQueueFull = errors.New("job queue is full")

// JobQueue 转写任务队列
// 启用 RocketMQ 时任务发送到 topic 由 MQConsumerServer 消费，否则投递到进程内 channel
type JobQueue struct {
	jobs     chan *biz.TranscriptionJob
	producer rocketmq.Producer
	topic    string
	log      *log.Helper
}

// NewJobQueue 创建任务队列
func NewJobQueue(c *conf.Bootstrap, logger log.Logger) (*JobQueue, func(), error) {
	size := defaultQueueSize
	if c.Worker != nil && c.Worker.QueueSize > 0 {
		size = int(c.Worker.QueueSize)
	}
	q := &JobQueue{
		jobs: make(chan *biz.TranscriptionJob, size),
		log:  log.NewHelper(logger),
	}

	if c.Data == nil || c.Data.Rocketmq == nil || !c.Data.Rocketmq.Enabled {
		q.log.Infof("[JobQueue] using in-process queue, size=%d", size)
		return q, func() {}, nil
	}

	mq := c.Data.Rocketmq
	p, err := rocketmq.NewProducer(
		producer.WithNsResolver(primitive.NewPassthroughResolver(mq.NameServers)),
		producer.WithGroupName(mq.GroupName),
		producer.WithRetry(int(mq.RetryTimes)),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("init rocketmq producer: %w", err)
	}
	if err := p.Start(); err != nil {
		return nil, nil, fmt.Errorf("start rocketmq producer: %w", err)
	}
	q.producer = p
	q.topic = mq.Topic
	q.log.Infof("[JobQueue] using rocketmq topic %s", mq.Topic)

	cleanup := func() {
		if err := p.Shutdown(); err != nil {
			q.log.Errorf("[JobQueue] shutdown producer error: %v", err)
		}
	}
	return q, cleanup, nil
}

// Enqueue 投递任务，不阻塞
func (q *JobQueue) Enqueue(ctx context.Context, job *biz.TranscriptionJob) error {
	if q.producer != nil {
		body, err := json.Marshal(job)
		if err != nil {
			return err
		}
		msg := primitive.NewMessage(q.topic, body)
		msg.WithKeys([]string{job.SessionID})
		res, err := q.producer.SendSync(ctx, msg)
		if err != nil {
			return fmt.Errorf("send job %s: %w", job.JobID, err)
		}
		q.log.Debugf("[JobQueue] job sent: job=%s session=%s msg_id=%s", job.JobID, job.SessionID, res.MsgID)
		return nil
	}

	select {
	case q.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return ErrQueueFull
	}
}

// Jobs 进程内队列的消费端
func (q *JobQueue) Jobs() <-chan *biz.TranscriptionJob {
	return q.jobs
}
