package cli

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"photo_server/server/common/transport/httpresp"
)

// ErrIncompleteAnswer means the answer stream closed without a done event.
var ErrIncompleteAnswer = errors.New("answer stream ended without completion")

type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *Client) Upload(ctx context.Context, filename string, data []byte, location, timestamp string) (httpresp.UploadResponse, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return httpresp.UploadResponse{}, err
	}
	if _, err := fw.Write(data); err != nil {
		return httpresp.UploadResponse{}, err
	}
	_ = mw.WriteField("location", location)
	_ = mw.WriteField("timestamp", timestamp)
	if err := mw.Close(); err != nil {
		return httpresp.UploadResponse{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/upload", &body)
	if err != nil {
		return httpresp.UploadResponse{}, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	var out httpresp.UploadResponse
	if err := c.doJSON(req, &out); err != nil {
		return httpresp.UploadResponse{}, err
	}
	return out, nil
}

func (c *Client) Metadata(ctx context.Context, id string, withDescription, withVector bool) (map[string]any, error) {
	q := url.Values{}
	q.Set("include_description", fmt.Sprint(withDescription))
	q.Set("include_vector", fmt.Sprint(withVector))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/image_metadata/"+url.PathEscape(id)+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := c.doJSON(req, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Ask streams the answer to onText. A JSON reply (no relevant photos) is
// passed through as a single piece of text.
func (c *Client) Ask(ctx context.Context, question string, count int, onText func(string)) error {
	payload, _ := json.Marshal(map[string]any{"question": question, "count": count})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/ask", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return statusError(resp)
	}
	if !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		var msg struct {
			Message string `json:"message"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&msg); err != nil {
			return fmt.Errorf("decode answer: %w", err)
		}
		onText(msg.Message)
		return nil
	}
	return readEvents(resp.Body, onText)
}

type eventData struct {
	Text string `json:"text"`
}

func readEvents(r io.Reader, onText func(string)) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	event := ""
	var data []string
	for sc.Scan() {
		line := sc.Text()
		if line != "" {
			if v, ok := strings.CutPrefix(line, "event:"); ok {
				event = strings.TrimSpace(v)
			} else if v, ok := strings.CutPrefix(line, "data:"); ok {
				data = append(data, v)
			}
			continue
		}
		if event == "" && len(data) == 0 {
			continue
		}
		var d eventData
		if len(data) > 0 {
			_ = json.Unmarshal([]byte(strings.Join(data, "\n")), &d)
		}
		switch event {
		case "done":
			return nil
		case "error":
			return fmt.Errorf("answer failed: %s", d.Text)
		default:
			onText(d.Text)
		}
		event, data = "", nil
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrIncompleteAnswer, err)
	}
	return ErrIncompleteAnswer
}

func (c *Client) doJSON(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return statusError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func statusError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if json.Unmarshal(raw, &body) == nil && body.Error != "" {
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, body.Error)
	}
	return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
}
