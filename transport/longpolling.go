package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// LongPolling is the compatibility fallback transport: frames go up as POST
// bodies and come down as a base64 array from a held-open GET.
type LongPolling struct {
	mu        sync.Mutex
	client    *http.Client
	baseURL   string
	sessionID string
	queue     chan []byte

	ctx        context.Context
	cancelFunc context.CancelFunc

	pollTimeout time.Duration
}

// NewLongPolling creates a long-polling transport rooted at baseURL.
// pollTimeout bounds each HTTP round trip.
func NewLongPolling(baseURL string, pollTimeout time.Duration) *LongPolling {
	return &LongPolling{
		client:      &http.Client{},
		baseURL:     baseURL,
		queue:       make(chan []byte, 100),
		pollTimeout: pollTimeout,
	}
}

// Connect opens a polling session with the gateway and starts the poll loop.
func (t *LongPolling) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.sessionID != "" {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/connect", nil)
	if err != nil {
		return err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("connect: %s", resp.Status)
	}

	var connectResp struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&connectResp); err != nil {
		return err
	}
	t.sessionID = connectResp.SessionID

	pollCtx, cancel := context.WithCancel(context.Background())
	t.ctx = pollCtx
	t.cancelFunc = cancel
	go t.poll(pollCtx)

	return nil
}

func (t *LongPolling) poll(ctx context.Context) {
	for {
		frames, err := t.fetchFrames(ctx)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
				continue
			}
		}
		for _, frame := range frames {
			select {
			case t.queue <- frame:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (t *LongPolling) fetchFrames(ctx context.Context) ([][]byte, error) {
	t.mu.Lock()
	sessionID := t.sessionID
	t.mu.Unlock()
	if sessionID == "" {
		return nil, ErrNotConnected
	}

	reqCtx, cancel := context.WithTimeout(ctx, t.pollTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet,
		fmt.Sprintf("%s/poll?sessionId=%s", t.baseURL, sessionID), nil)
	if err != nil {
		return nil, err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("poll: %s", resp.Status)
	}

	// json decodes []byte elements from base64 strings
	var frames [][]byte
	if err := json.NewDecoder(resp.Body).Decode(&frames); err != nil {
		return nil, err
	}
	return frames, nil
}

// Send posts one frame to the gateway.
func (t *LongPolling) Send(data []byte) error {
	t.mu.Lock()
	sessionID := t.sessionID
	ctx := t.ctx
	t.mu.Unlock()
	if sessionID == "" {
		return ErrNotConnected
	}

	reqCtx, cancel := context.WithTimeout(ctx, t.pollTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost,
		fmt.Sprintf("%s/send?sessionId=%s", t.baseURL, sessionID),
		bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("send: %s - %s", resp.Status, body)
	}
	return nil
}

// Receive blocks until the poll loop delivers the next frame.
func (t *LongPolling) Receive() ([]byte, error) {
	t.mu.Lock()
	ctx := t.ctx
	t.mu.Unlock()
	if ctx == nil {
		return nil, ErrNotConnected
	}

	select {
	case <-ctx.Done():
		return nil, ErrNotConnected
	case frame := <-t.queue:
		return frame, nil
	}
}

// Close ends the polling session. Safe to call when not connected.
func (t *LongPolling) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.sessionID == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/disconnect?sessionId=%s", t.baseURL, t.sessionID), nil)
	if err == nil {
		if resp, err := t.client.Do(req); err == nil {
			resp.Body.Close()
		}
	}

	t.cancelFunc()
	t.sessionID = ""
	return nil
}
