package client

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/btlink/internal/groutine"
)

// maxBackoffSteps is the attempt count after which the delay stops growing.
const maxBackoffSteps = 6

// ReconnectDelay returns the pause after failed attempt k (1-indexed):
// base * min(k, 6), capped at max.
func ReconnectDelay(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > maxBackoffSteps {
		attempt = maxBackoffSteps
	}
	d := base * time.Duration(attempt)
	if max > 0 && d > max {
		d = max
	}
	return d
}

// reconnectTask is the single running reconnect loop.
type reconnectTask struct {
	target  string
	ctx     context.Context
	cancel  context.CancelFunc
	routine *groutine.Routine
}

// wait blocks until the loop has exited. From the loop itself it returns at once.
func (t *reconnectTask) wait() {
	if t == nil {
		return
	}
	t.routine.Wait()
}

// EnableAutoReconnect toggles automatic reconnection. Disabling it stops a running loop.
func (c *Client) EnableAutoReconnect(enabled bool) {
	c.mu.Lock()
	c.autoReconnect = enabled
	var task *reconnectTask
	if !enabled {
		task = c.cancelReconnectLocked()
	}
	c.mu.Unlock()

	task.wait()
}

func (c *Client) AutoReconnectEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.autoReconnect
}

// IsReconnecting reports whether a reconnect loop is running.
func (c *Client) IsReconnecting() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconnect != nil
}

// CancelPendingReconnects interrupts the running loop, including its in-flight attempt,
// and waits for it to stop.
func (c *Client) CancelPendingReconnects() {
	c.mu.Lock()
	task := c.cancelReconnectLocked()
	c.mu.Unlock()

	task.wait()
}

// cancelReconnectLocked cancels the running loop and returns it so the caller can wait
// outside the lock. The loop clears its own handle on exit.
func (c *Client) cancelReconnectLocked() *reconnectTask {
	if c.reconnect == nil {
		return nil
	}
	c.reconnect.cancel()
	return c.reconnect
}

// maybeScheduleReconnect starts the reconnect loop after an unexpected link loss.
func (c *Client) maybeScheduleReconnect() {
	if c.closed.Load() {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.autoReconnect || c.lastTarget == "" || c.reconnect != nil {
		return
	}
	if c.connector.IsConnected() {
		return
	}

	ctx, cancel := context.WithCancel(c.ctx)
	task := &reconnectTask{target: c.lastTarget, ctx: ctx, cancel: cancel}
	c.reconnect = task

	c.logger.WithField("address", task.target).Info("Scheduling reconnect")
	task.routine = groutine.Go(ctx, "bt-reconnect", func(ctx context.Context) {
		defer c.finishReconnect(task)
		c.runReconnect(ctx, task.target)
	})
}

// finishReconnect clears the loop's handle. A loss reported while the handle was still
// set was dropped by maybeScheduleReconnect, so a loop that ended on its own schedules
// again when the link is already gone.
func (c *Client) finishReconnect(task *reconnectTask) {
	c.mu.Lock()
	interrupted := task.ctx.Err() != nil
	if c.reconnect == task {
		c.reconnect = nil
	}
	c.mu.Unlock()
	task.cancel()

	if !interrupted && !c.connector.IsConnected() {
		c.maybeScheduleReconnect()
	}
}

// shouldReconnect reports whether the loop for target may make another attempt.
func (c *Client) shouldReconnect(ctx context.Context, target string) bool {
	if ctx.Err() != nil || c.closed.Load() {
		return false
	}
	c.mu.Lock()
	ok := c.autoReconnect && c.lastTarget == target
	c.mu.Unlock()
	return ok && !c.connector.IsConnected()
}

func (c *Client) runReconnect(ctx context.Context, target string) {
	for attempt := 1; c.shouldReconnect(ctx, target); attempt++ {
		log := c.logger.WithFields(logrus.Fields{
			"address": target,
			"attempt": attempt,
		})
		log.Debug("Reconnect attempt")

		if err := c.connector.Connect(ctx, target); err == nil && c.connector.IsConnected() {
			log.Info("Reconnected")
			return
		}

		delay := ReconnectDelay(attempt, c.opts.ReconnectBaseDelay, c.opts.ReconnectMaxDelay)
		log.WithField("delay", delay).Debug("Reconnect failed, backing off")

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			log.Debug("Reconnect cancelled")
			return
		case <-t.C:
		}
	}
}
