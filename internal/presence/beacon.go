package presence

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/petervdpas/bookpresence/internal/proto"
)

const defaultBeaconTimeout = 5 * time.Second

// Beacon delivers leave messages over plain HTTP, independent of the
// presence connection. Deliveries are fire-and-forget.
type Beacon struct {
	URL  string
	HTTP *http.Client

	wg sync.WaitGroup
}

func NewBeacon(url string, timeout time.Duration) *Beacon {
	if timeout <= 0 {
		timeout = defaultBeaconTimeout
	}
	return &Beacon{
		URL:  url,
		HTTP: &http.Client{Timeout: timeout},
	}
}

// Send posts msg in the background and returns immediately. The response is
// ignored; failures are logged at debug level.
func (b *Beacon) Send(msg proto.LeaveMsg) {
	if b == nil || b.URL == "" {
		return
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		if err := b.post(context.Background(), msg); err != nil {
			log.Debugw("leave beacon failed", "chapter", msg.ChapterID, "error", err)
		}
	}()
}

// Wait blocks until every beacon started so far has finished.
func (b *Beacon) Wait() {
	if b != nil {
		b.wg.Wait()
	}
}

func (b *Beacon) post(ctx context.Context, msg proto.LeaveMsg) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("content-type", "application/json")

	resp, err := b.HTTP.Do(req)
	if err != nil {
		return err
	}
	io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("beacon status %s", resp.Status)
	}
	return nil
}
