package tui

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/alicehq/alice/internal/autoaction"
	"github.com/alicehq/alice/internal/models"
	"github.com/alicehq/alice/internal/queue"
)

// DefaultClientTimeout is the default timeout for API requests.
const DefaultClientTimeout = 10 * time.Second

// Client wraps HTTP calls to the alice daemon API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new API client with timeout.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: DefaultClientTimeout,
		},
	}
}

func (c *Client) get(path string, out interface{}) error {
	resp, err := c.httpClient.Get(c.baseURL + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("API error: %s", bytes.TrimSpace(body))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) post(path string, in, out interface{}) error {
	var buf bytes.Buffer
	if in != nil {
		if err := json.NewEncoder(&buf).Encode(in); err != nil {
			return err
		}
	}
	resp, err := c.httpClient.Post(c.baseURL+path, "application/json", &buf)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("API error: %s", bytes.TrimSpace(body))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Online reports whether the daemon answers /status.
func (c *Client) Online() bool {
	var resp map[string]string
	return c.get("/status", &resp) == nil && resp["status"] == "ok"
}

// ListSessions fetches sessions, optionally running a search query.
func (c *Client) ListSessions(query string, limit int) ([]models.Session, error) {
	path := "/sessions"
	params := url.Values{}
	if query != "" {
		params.Set("q", query)
	}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	if len(params) > 0 {
		path += "?" + params.Encode()
	}
	var sessions []models.Session
	if err := c.get(path, &sessions); err != nil {
		return nil, err
	}
	return sessions, nil
}

// ListTasks fetches tasks from the API.
func (c *Client) ListTasks(status string) ([]models.Task, error) {
	path := "/tasks"
	if status != "" {
		path += "?status=" + url.QueryEscape(status)
	}
	var tasks []models.Task
	if err := c.get(path, &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// GetTask fetches a single task.
func (c *Client) GetTask(id string) (*models.Task, error) {
	var task models.Task
	if err := c.get("/tasks/"+id, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// CreateTask submits a new task.
func (c *Client) CreateTask(task *models.Task) (*models.Task, error) {
	var created models.Task
	if err := c.post("/tasks", task, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

// QueueTask moves a backlog task into the queue.
func (c *Client) QueueTask(id string) error {
	return c.post("/tasks/"+id+"/queue", nil, nil)
}

// CancelTask skips a task that has not run yet.
func (c *Client) CancelTask(id string) error {
	return c.post("/tasks/"+id+"/cancel", nil, nil)
}

// StartQueue begins queue processing.
func (c *Client) StartQueue() error {
	return c.post("/queue/start", nil, nil)
}

// StopQueue halts queue processing.
func (c *Client) StopQueue() error {
	return c.post("/queue/stop", nil, nil)
}

// QueueStatus fetches the queue state.
func (c *Client) QueueStatus() (queue.Status, error) {
	var st queue.Status
	err := c.get("/queue/status", &st)
	return st, err
}

// AutoActionStatus fetches the countdown state.
func (c *Client) AutoActionStatus() (autoaction.State, error) {
	var st autoaction.State
	err := c.get("/autoaction/status", &st)
	return st, err
}

// StartAutoAction arms the countdown.
func (c *Client) StartAutoAction() error {
	return c.post("/autoaction/start", nil, nil)
}

// CancelAutoAction stops the countdown.
func (c *Client) CancelAutoAction() error {
	return c.post("/autoaction/cancel", nil, nil)
}

// Notify asks the daemon to show a notification.
func (c *Client) Notify(title, body string) error {
	return c.post("/notify", map[string]string{"title": title, "body": body}, nil)
}
