// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package jobs_test

import (
	"context"
	"time"

	"github.com/juju/errors"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/juju/lvmd/core/objectgraph"
	"github.com/juju/lvmd/internal/jobs"
	"github.com/juju/lvmd/internal/testhelpers"
)

type threadedSuite struct {
	baseSuite
}

var _ = gc.Suite(&threadedSuite{})

func (s *threadedSuite) SetUpTest(c *gc.C) {
	s.setUp(c, jobs.NewExecRunner(), 1)
}

func (s *threadedSuite) TearDownTest(c *gc.C) {
	s.tearDown(c)
}

func (s *threadedSuite) TestSuccess(c *gc.C) {
	result, err := s.manager.RunThreadedAndWait(context.Background(), jobs.ThreadedParams{
		Operation: jobs.OperationFormatErase,
		Run: func(ctx context.Context, job *jobs.Job) (bool, error) {
			job.SetProgress(0.5)
			return true, nil
		},
	})
	c.Assert(err, jc.ErrorIsNil)
	c.Check(result, jc.DeepEquals, jobs.Result{Success: true})
}

func (s *threadedSuite) TestFailure(c *gc.C) {
	result, err := s.manager.RunThreadedAndWait(context.Background(), jobs.ThreadedParams{
		Run: func(context.Context, *jobs.Job) (bool, error) {
			return false, errors.New("device busy")
		},
	})
	c.Assert(err, jc.ErrorIsNil)
	c.Check(result.Success, jc.IsFalse)
	c.Check(result.Message, gc.Equals, "Threaded job failed with error: device busy")
}

func (s *threadedSuite) TestFailureWithoutError(c *gc.C) {
	result, err := s.manager.RunThreadedAndWait(context.Background(), jobs.ThreadedParams{
		Run: func(context.Context, *jobs.Job) (bool, error) {
			return false, nil
		},
	})
	c.Assert(err, jc.ErrorIsNil)
	c.Check(result.Message, gc.Equals, "Threaded job failed with error: no error reported")
}

func (s *threadedSuite) TestOnCompleteOverrides(c *gc.C) {
	result, err := s.manager.RunThreadedAndWait(context.Background(), jobs.ThreadedParams{
		Run: func(context.Context, *jobs.Job) (bool, error) {
			return false, errors.New("boom")
		},
		OnComplete: func(success bool, err error) *jobs.Completion {
			return &jobs.Completion{Message: "Error wiping device: " + err.Error()}
		},
	})
	c.Assert(err, jc.ErrorIsNil)
	c.Check(result.Message, gc.Equals, "Error wiping device: boom")
}

func (s *threadedSuite) TestMissingRun(c *gc.C) {
	_, err := s.manager.LaunchThreaded(context.Background(), jobs.ThreadedParams{})
	c.Assert(err, jc.ErrorIs, errors.NotValid)
}

func (s *threadedSuite) TestCancelledBeforeRun(c *gc.C) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	j, err := s.manager.LaunchThreaded(ctx, jobs.ThreadedParams{
		Run: func(context.Context, *jobs.Job) (bool, error) {
			called = true
			return true, nil
		},
	})
	c.Assert(err, jc.ErrorIsNil)
	result := s.waitDone(c, j)
	c.Check(called, jc.IsFalse)
	c.Check(result.Success, jc.IsFalse)
	c.Check(result.Message, gc.Equals, "Operation was cancelled")
	c.Check(j.State(), gc.Equals, jobs.StateCancelled)
}

func (s *threadedSuite) TestPoolBound(c *gc.C) {
	release := make(chan struct{})
	started := make(chan int, 2)
	run := func(n int) jobs.ThreadedFunc {
		return func(context.Context, *jobs.Job) (bool, error) {
			started <- n
			<-release
			return true, nil
		}
	}

	first, err := s.manager.LaunchThreaded(context.Background(), jobs.ThreadedParams{Run: run(1)})
	c.Assert(err, jc.ErrorIsNil)
	second, err := s.manager.LaunchThreaded(context.Background(), jobs.ThreadedParams{Run: run(2)})
	c.Assert(err, jc.ErrorIsNil)

	select {
	case n := <-started:
		c.Check(n == 1 || n == 2, jc.IsTrue)
	case <-time.After(testhelpers.LongWait):
		c.Fatalf("no job started")
	}
	select {
	case n := <-started:
		c.Fatalf("job %d started while the pool was full", n)
	case <-time.After(testhelpers.ShortWait):
	}

	close(release)
	s.waitDone(c, first)
	s.waitDone(c, second)
}

func (s *threadedSuite) TestProgress(c *gc.C) {
	reported := make(chan struct{})
	release := make(chan struct{})
	j, err := s.manager.LaunchThreaded(context.Background(), jobs.ThreadedParams{
		Objects:      []string{objectgraph.BlockPath("sdb")},
		AutoEstimate: true,
		Run: func(_ context.Context, job *jobs.Job) (bool, error) {
			job.SetProgress(1.5)
			close(reported)
			<-release
			return true, nil
		},
	})
	c.Assert(err, jc.ErrorIsNil)

	select {
	case <-reported:
	case <-time.After(testhelpers.LongWait):
		c.Fatalf("progress not reported")
	}
	progress, valid := j.Progress()
	c.Check(valid, jc.IsTrue)
	c.Check(progress, gc.Equals, 1.0)
	c.Check(j.State(), gc.Equals, jobs.StateRunning)

	close(release)
	s.waitDone(c, j)
}

func (s *threadedSuite) TestShutdownCancelsRunningJobs(c *gc.C) {
	j, err := s.manager.LaunchThreaded(context.Background(), jobs.ThreadedParams{
		Run: func(ctx context.Context, _ *jobs.Job) (bool, error) {
			<-ctx.Done()
			return false, ctx.Err()
		},
	})
	c.Assert(err, jc.ErrorIsNil)

	s.manager.Shutdown()
	result := s.waitDone(c, j)
	c.Check(result.Success, jc.IsFalse)
	c.Check(s.manager.Jobs(), gc.HasLen, 0)
}

func (s *threadedSuite) TestWaitReturnsWhenReactorStops(c *gc.C) {
	started := make(chan struct{})
	finish := make(chan struct{})
	results := make(chan jobs.Result, 1)
	go func() {
		result, err := s.manager.RunThreadedAndWait(context.Background(), jobs.ThreadedParams{
			Run: func(ctx context.Context, _ *jobs.Job) (bool, error) {
				close(started)
				<-finish
				return true, nil
			},
		})
		c.Check(err, jc.ErrorIsNil)
		results <- result
	}()
	select {
	case <-started:
	case <-time.After(testhelpers.LongWait):
		c.Fatalf("job never started")
	}

	// Hold the reactor so the completion is queued behind this.
	busy := make(chan struct{})
	unblock := make(chan struct{})
	c.Assert(s.reactor.Post(func(context.Context) {
		close(busy)
		<-unblock
	}), jc.ErrorIsNil)
	<-busy
	close(finish)
	time.Sleep(testhelpers.ShortWait)

	s.reactor.Kill()
	close(unblock)
	select {
	case result := <-results:
		c.Check(result.Success, jc.IsTrue)
	case <-time.After(testhelpers.LongWait):
		c.Fatalf("wait never returned after the reactor stopped")
	}

	shutdown := make(chan struct{})
	go func() {
		s.manager.Shutdown()
		close(shutdown)
	}()
	select {
	case <-shutdown:
	case <-time.After(testhelpers.LongWait):
		c.Fatalf("shutdown hung")
	}
}
