package flow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/casegate/casegate/modules/record/domain/ports"
)

// Client talks to a Camunda 7 style engine-rest API. It is the production
// implementation of ports.ProcessEngine.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	msg := strings.TrimSpace(e.Message)
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	return fmt.Sprintf("flow: http %d: %s", e.StatusCode, msg)
}

func New(baseURL string) (*Client, error) {
	baseURL = strings.TrimSpace(baseURL)
	baseURL = strings.TrimRight(baseURL, "/")
	if baseURL == "" {
		return nil, errors.New("flow: missing base url")
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, errors.New("flow: invalid base url")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errors.New("flow: invalid base url scheme")
	}
	if u.Host == "" {
		return nil, errors.New("flow: invalid base url host")
	}
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}, nil
}

func (c *Client) StartProcess(ctx context.Context, processKey string, businessKey string) (ports.ProcessInstance, error) {
	processKey = strings.TrimSpace(processKey)
	if processKey == "" {
		return ports.ProcessInstance{}, errors.New("flow: missing process key")
	}
	body, _ := json.Marshal(map[string]any{
		"businessKey": businessKey,
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/process-definition/key/"+url.PathEscape(processKey)+"/start", bytes.NewReader(body))
	if err != nil {
		return ports.ProcessInstance{}, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return ports.ProcessInstance{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return ports.ProcessInstance{}, readHTTPError(resp)
	}

	var out struct {
		ID           string `json:"id"`
		DefinitionID string `json:"definitionId"`
		BusinessKey  string `json:"businessKey"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return ports.ProcessInstance{}, err
	}
	if out.ID == "" {
		return ports.ProcessInstance{}, errors.New("flow: missing process instance id")
	}
	return ports.ProcessInstance{
		ID:           out.ID,
		DefinitionID: out.DefinitionID,
		BusinessKey:  out.BusinessKey,
	}, nil
}

func (c *Client) ProcessInstances(ctx context.Context, businessKey string, processKey string) ([]ports.ProcessInstance, error) {
	query := url.Values{}
	if businessKey = strings.TrimSpace(businessKey); businessKey != "" {
		query.Set("businessKey", businessKey)
	}
	if processKey = strings.TrimSpace(processKey); processKey != "" {
		query.Set("processDefinitionKey", processKey)
	}
	endpoint := c.baseURL + "/process-instance"
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return nil, readHTTPError(resp)
	}

	var out []struct {
		ID           string `json:"id"`
		DefinitionID string `json:"definitionId"`
		BusinessKey  string `json:"businessKey"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	instances := make([]ports.ProcessInstance, 0, len(out))
	for _, item := range out {
		instances = append(instances, ports.ProcessInstance{
			ID:           item.ID,
			DefinitionID: item.DefinitionID,
			BusinessKey:  item.BusinessKey,
		})
	}
	return instances, nil
}

func (c *Client) DeleteProcessInstance(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return errors.New("flow: missing process instance id")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/process-instance/"+url.PathEscape(id), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return readHTTPError(resp)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (c *Client) Tasks(ctx context.Context, q ports.TaskQuery) ([]ports.Task, error) {
	businessKey := strings.TrimSpace(q.BusinessKey)
	if businessKey == "" {
		return nil, errors.New("flow: missing business key")
	}
	query := url.Values{}
	query.Set("processInstanceBusinessKey", businessKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/task?"+query.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return nil, readHTTPError(resp)
	}

	var out []struct {
		ID            string `json:"id"`
		Name          string `json:"name"`
		DefinitionKey string `json:"taskDefinitionKey"`
		Assignee      string `json:"assignee"`
		Created       string `json:"created"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}

	taskID := strings.TrimSpace(q.TaskID)
	tasks := make([]ports.Task, 0, len(out))
	for _, item := range out {
		if taskID != "" && item.ID != taskID {
			continue
		}
		tasks = append(tasks, ports.Task{
			ID:            item.ID,
			Name:          item.Name,
			DefinitionKey: item.DefinitionKey,
			Assignee:      item.Assignee,
			Created:       item.Created,
		})
	}
	return tasks, nil
}

func (c *Client) CompleteTask(ctx context.Context, taskID string, variables map[string]ports.Variable) error {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return errors.New("flow: missing task id")
	}
	if variables == nil {
		variables = map[string]ports.Variable{}
	}
	body, err := json.Marshal(map[string]any{
		"variables": variables,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/task/"+url.PathEscape(taskID)+"/complete", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return readHTTPError(resp)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func readHTTPError(resp *http.Response) error {
	const maxBody = 4096
	b, _ := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	return &HTTPError{
		StatusCode: resp.StatusCode,
		Message:    string(b),
	}
}
