package server

import (
	"context"
	"sync"

	"transcription-service/internal/biz"
	"transcription-service/internal/conf"

	"github.com/go-kratos/kratos/v2/log"
)

const defaultWorkers = 4

// WorkerServer 消费进程内队列的转写工作池
type WorkerServer struct {
	source  biz.JobSource
	worker  *biz.TranscriptionWorker
	workers int
	stopCh  chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	log     *log.Helper
}

// NewWorkerServer 创建工作池
func NewWorkerServer(c *conf.Bootstrap, source biz.JobSource, worker *biz.TranscriptionWorker, logger log.Logger) *WorkerServer {
	workers := defaultWorkers
	if c.Worker != nil && c.Worker.Workers > 0 {
		workers = int(c.Worker.Workers)
	}
	return &WorkerServer{
		source:  source,
		worker:  worker,
		workers: workers,
		stopCh:  make(chan struct{}),
		log:     log.NewHelper(logger),
	}
}

// Start 启动 worker
func (s *WorkerServer) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	for i := 1; i <= s.workers; i++ {
		s.wg.Add(1)
		go s.run(runCtx, i)
	}
	s.log.Infof("[JobQueue] Started %d workers", s.workers)
	return nil
}

// Stop 停止接收新任务并等待进行中的任务结束
func (s *WorkerServer) Stop(ctx context.Context) error {
	close(s.stopCh)
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		// 超时后取消进行中的服务商调用
		if s.cancel != nil {
			s.cancel()
		}
		<-done
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.log.Info("[JobQueue] All workers stopped")
	return nil
}

func (s *WorkerServer) run(ctx context.Context, id int) {
	defer s.wg.Done()
	s.log.Infof("[JobQueue] Worker %d started", id)

	jobs := s.source.Jobs()
	for {
		select {
		case <-s.stopCh:
			s.log.Infof("[JobQueue] Worker %d stopping", id)
			return
		case job, ok := <-jobs:
			if !ok {
				return
			}
			s.log.Infof("[JobQueue] Worker %d processing job %s (session: %s, kind: %s)", id, job.JobID, job.SessionID, job.Kind)
			if err := s.worker.Handle(ctx, job); err != nil {
				s.log.Errorf("[JobQueue] Worker %d: job %s failed: %v", id, job.JobID, err)
			}
		}
	}
}
