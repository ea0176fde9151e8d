// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Authd Contributors

package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"

	"github.com/smartpark/authd/pkg/errutil"
)

const (
	// DefaultQueueSize bounds messages waiting for delivery. When the queue
	// is full new messages are dropped rather than blocking auth flows.
	DefaultQueueSize = 64

	// sendTimeout bounds a single delivery attempt including retries.
	sendTimeout = 30 * time.Second

	maxRetries   = 3
	retryBackoff = 500 * time.Millisecond
)

type message struct {
	to      string
	subject string
	body    string
}

// Dispatcher queues messages and delivers them on a background goroutine with
// exponential-backoff retries. It implements auth.Notifier. Failures are
// logged and swallowed.
type Dispatcher struct {
	sender Sender
	logger *slog.Logger

	queue chan message
	wg    sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewDispatcher creates a Dispatcher and starts its delivery goroutine.
// queueSize <= 0 selects DefaultQueueSize.
func NewDispatcher(sender Sender, logger *slog.Logger, queueSize int) (*Dispatcher, error) {
	if sender == nil {
		return nil, oops.Code("NOTIFY_MISCONFIGURED").
			Errorf("sender is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}

	d := &Dispatcher{
		sender: sender,
		logger: logger,
		queue:  make(chan message, queueSize),
	}
	d.wg.Add(1)
	go d.run()
	return d, nil
}

// Dispatch enqueues a message for asynchronous delivery. It never blocks: if
// the queue is full or the dispatcher is closed the message is dropped with a
// warning.
func (d *Dispatcher) Dispatch(to, subject, body string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		d.logger.Warn("notification dropped, dispatcher closed", "to", to, "subject", subject)
		return
	}

	select {
	case d.queue <- message{to: to, subject: subject, body: body}:
	default:
		d.logger.Warn("notification dropped, queue full", "to", to, "subject", subject)
	}
}

// Close stops accepting messages, drains the queue, and waits for in-flight
// deliveries to finish.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	d.wg.Wait()
}

func (d *Dispatcher) run() {
	defer d.wg.Done()

	for msg := range d.queue {
		d.deliver(msg)
	}
}

func (d *Dispatcher) deliver(msg message) {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	backoff := retry.WithMaxRetries(maxRetries, retry.NewExponential(retryBackoff))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := d.sender.Send(ctx, msg.to, msg.subject, msg.body); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		errutil.LogWarn(d.logger, "notification delivery failed", "send email", err)
		return
	}

	d.logger.Debug("notification delivered", "to", msg.to, "subject", msg.subject)
}
