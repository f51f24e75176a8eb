package scheduler

import (
	"context"
	"time"

	"github.com/go-co-op/gocron"
)

// Scheduler runs periodic maintenance jobs in the worker process
type Scheduler struct {
	scheduler *gocron.Scheduler
	cancel    context.CancelFunc
	ctx       context.Context
}

func NewScheduler() *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	s := gocron.NewScheduler(time.UTC)
	s.TagsUnique()

	return &Scheduler{
		scheduler: s,
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (s *Scheduler) Start() {
	s.scheduler.StartAsync()
}

// Stop stops the scheduler and cancels the context handed to running jobs
func (s *Scheduler) Stop() {
	s.scheduler.Stop()
	if s.cancel != nil {
		s.cancel()
	}
}

// ScheduleInterval runs job every duration, starting immediately
func (s *Scheduler) ScheduleInterval(tag string, duration time.Duration, job func(ctx context.Context) error) error {
	_, err := s.scheduler.Every(duration).Tag(tag).Do(func() error {
		return job(s.ctx)
	})
	return err
}

func (s *Scheduler) RemoveJob(tag string) error {
	return s.scheduler.RemoveByTag(tag)
}

// Tags lists the tags of all scheduled jobs
func (s *Scheduler) Tags() []string {
	var tags []string
	for _, j := range s.scheduler.Jobs() {
		tags = append(tags, j.Tags()...)
	}
	return tags
}
