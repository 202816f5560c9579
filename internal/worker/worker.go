// Package worker provides a NATS worker that processes voice-swap jobs.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/book-expert/events"
	"github.com/book-expert/logger"
	"github.com/book-expert/voice-swap-service/internal/core"
	"github.com/book-expert/voice-swap-service/internal/fsutil"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

const (
	defaultJobTimeout = 30 * time.Minute
	drainPollInterval = 10 * time.Millisecond
	drainTimeout      = 30 * time.Second
)

var (
	// ErrInputKeyEmpty indicates that the request does not name an input song.
	ErrInputKeyEmpty = errors.New("input key cannot be empty")
	// ErrUnsupportedInput indicates that the input file name has an unsupported extension.
	ErrUnsupportedInput = errors.New("unsupported input file type")
	// ErrNegativeGain indicates a negative mixing gain.
	ErrNegativeGain = errors.New("mix gains must be non-negative")
	// ErrInvalidSettings indicates an unusable worker configuration.
	ErrInvalidSettings = fmt.Errorf("%w: invalid worker settings", core.ErrConfiguration)
)

// Settings configure the subscription and concurrency of a NatsWorker.
type Settings struct {
	Subject          string
	QueueGroup       string
	CompletedSubject string
	Workers          int
	JobTimeout       time.Duration
}

// NatsWorker listens for voice-swap jobs on a NATS subject and runs them.
type NatsWorker struct {
	natsConnection *nats.Conn
	settings       Settings
	inputs         core.ObjectStore
	runner         core.JobRunner
	log            *logger.Logger

	slots   chan struct{}
	mu      sync.Mutex
	closing bool
	wg      sync.WaitGroup
}

// NewNatsWorker creates a new instance of a NATS worker.
func NewNatsWorker(
	natsConnection *nats.Conn,
	settings Settings,
	inputs core.ObjectStore,
	runner core.JobRunner,
	log *logger.Logger,
) (*NatsWorker, error) {
	if settings.Subject == "" {
		return nil, fmt.Errorf("%w: subject is empty", ErrInvalidSettings)
	}

	if settings.Workers < 1 {
		return nil, fmt.Errorf("%w: workers must be >= 1, got %d", ErrInvalidSettings, settings.Workers)
	}

	if settings.JobTimeout <= 0 {
		settings.JobTimeout = defaultJobTimeout
	}

	return &NatsWorker{
		natsConnection: natsConnection,
		settings:       settings,
		inputs:         inputs,
		runner:         runner,
		log:            log,
		slots:          make(chan struct{}, settings.Workers),
		mu:             sync.Mutex{},
		closing:        false,
		wg:             sync.WaitGroup{},
	}, nil
}

// Run starts the worker and blocks until ctx is canceled. It then drains the
// subscription and waits for in-flight jobs to finish.
func (w *NatsWorker) Run(ctx context.Context) error {
	sub, err := w.natsConnection.QueueSubscribe(w.settings.Subject, w.settings.QueueGroup, w.handleMessage)
	if err != nil {
		return fmt.Errorf("failed to subscribe to subject %s: %w", w.settings.Subject, err)
	}

	w.log.Info("Listening on '%s' (queue '%s', %d workers)",
		w.settings.Subject, w.settings.QueueGroup, w.settings.Workers)

	<-ctx.Done()

	drainErr := sub.Drain()

	deadline := time.Now().Add(drainTimeout)
	for sub.IsValid() && time.Now().Before(deadline) {
		time.Sleep(drainPollInterval)
	}

	w.mu.Lock()
	w.closing = true
	w.mu.Unlock()

	w.wg.Wait()

	if drainErr != nil {
		return fmt.Errorf("failed to drain subscription: %w", drainErr)
	}

	return nil
}

// handleMessage waits for a free slot and processes msg in its own goroutine.
// Waiting here holds back delivery while every slot is busy.
func (w *NatsWorker) handleMessage(msg *nats.Msg) {
	w.mu.Lock()
	if w.closing {
		w.mu.Unlock()
		w.log.Warn("Dropping message on '%s' received during shutdown", msg.Subject)

		return
	}

	w.wg.Add(1)
	w.mu.Unlock()

	w.slots <- struct{}{}

	go func() {
		defer w.wg.Done()
		defer func() { <-w.slots }()

		w.process(msg)
	}()
}

func (w *NatsWorker) process(msg *nats.Msg) {
	event, err := w.parseAndValidateEvent(msg)
	if err != nil {
		w.log.Error("Failed to parse and validate event: %v", err)

		header := events.EventHeader{}
		if event != nil {
			header = event.Header
		}

		w.publishReplyEvent(msg, w.completedEvent(header, "", core.StatusFailed.String(), "", err.Error()))

		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), w.settings.JobTimeout)
	defer cancel()

	reply := w.processVoiceSwapJob(ctx, event)
	w.publishReplyEvent(msg, reply)
}

// processVoiceSwapJob downloads the song and runs it through the pipeline.
func (w *NatsWorker) processVoiceSwapJob(
	ctx context.Context,
	event *core.VoiceSwapRequestedEvent,
) *core.VoiceSwapCompletedEvent {
	jobID := uuid.NewString()

	songData, err := w.inputs.Download(ctx, event.InputKey)
	if err != nil {
		w.log.Error("Failed to download song '%s' for workflow %s: %v", event.InputKey, event.Header.WorkflowID, err)

		return w.completedEvent(event.Header, jobID, core.StatusFailed.String(), "",
			fmt.Sprintf("failed to download input '%s': %v", event.InputKey, err))
	}

	w.log.Info("Workflow %s: job %s started for '%s' (%s)", event.Header.WorkflowID, jobID,
		event.FileName, fsutil.FormatFileSize(int64(len(songData))))

	job := w.runner.Run(ctx, core.Request{
		JobID:     jobID,
		InputName: event.FileName,
		Input:     songData,
		Gains:     &core.MixGains{VocalGain: event.VocalGain, InstrumentalGain: event.InstrumentalGain},
	})

	errText := ""
	if job.Err() != nil {
		errText = job.Err().Error()
	}

	return w.completedEvent(event.Header, job.ID, job.Status.String(), job.ResultKey, errText)
}

func (w *NatsWorker) completedEvent(
	request events.EventHeader,
	jobID, status, resultKey, errText string,
) *core.VoiceSwapCompletedEvent {
	return &core.VoiceSwapCompletedEvent{
		Header: events.EventHeader{
			Timestamp:  time.Now(),
			WorkflowID: request.WorkflowID,
			EventID:    uuid.NewString(),
			UserID:     request.UserID,
			TenantID:   request.TenantID,
		},
		JobID:     jobID,
		Status:    status,
		ResultKey: resultKey,
		Error:     errText,
	}
}

// publishReplyEvent responds to the requester and, if configured, announces the
// completion on the completed subject.
func (w *NatsWorker) publishReplyEvent(msg *nats.Msg, replyEvent *core.VoiceSwapCompletedEvent) {
	replyData, err := json.Marshal(replyEvent)
	if err != nil {
		w.log.Error("Failed to marshal reply event: %v", err)

		return
	}

	if msg.Reply != "" {
		respondErr := msg.Respond(replyData)
		if respondErr != nil {
			w.log.Error("Failed to publish reply event for workflow %s: %v", replyEvent.Header.WorkflowID, respondErr)
		}
	}

	if w.settings.CompletedSubject != "" {
		publishErr := w.natsConnection.Publish(w.settings.CompletedSubject, replyData)
		if publishErr != nil {
			w.log.Error("Failed to publish completion for job %s: %v", replyEvent.JobID, publishErr)
		}
	}
}

func (w *NatsWorker) parseAndValidateEvent(msg *nats.Msg) (*core.VoiceSwapRequestedEvent, error) {
	var event core.VoiceSwapRequestedEvent

	err := json.Unmarshal(msg.Data, &event)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal event: %w", err)
	}

	if event.InputKey == "" {
		return &event, ErrInputKeyEmpty
	}

	if event.FileName != "" && !fsutil.IsValidAudioFile(event.FileName) {
		return &event, fmt.Errorf("%w: '%s'", ErrUnsupportedInput, event.FileName)
	}

	if event.VocalGain < 0 || event.InstrumentalGain < 0 {
		return &event, fmt.Errorf("%w: got %f/%f", ErrNegativeGain, event.VocalGain, event.InstrumentalGain)
	}

	return &event, nil
}
