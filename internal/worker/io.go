package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"

	"github.com/tangoremote/tango/internal/domain"
)

func openFile(path string) (*os.File, error) {
	return os.Open(path)
}

// postNotify sends the small JSON completion document to job's
// notify-URL (spec.md §4.D transition 5). Network failure is returned
// to the caller, who logs it as non-fatal.
func postNotify(ctx context.Context, client *http.Client, job *domain.Job) error {
	payload := notifyPayload{
		ID:     job.ID,
		Status: string(job.State),
		Trace:  job.Trace,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, job.NotifyURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("notify callback returned status %d", resp.StatusCode)
	}
	return nil
}
