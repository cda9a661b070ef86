package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// APIClient polls the sessiond HTTP API for dashboard snapshots.
type APIClient struct {
	baseURL string
	client  *http.Client
}

// NewAPIClient creates a client for the given sessiond base URL.
func NewAPIClient(baseURL string) *APIClient {
	return &APIClient{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: 2 * time.Second,
		},
	}
}

// sessionView is the subset of the session payload the dashboard reads.
type sessionView struct {
	ID            string     `json:"id"`
	Status        string     `json:"status"`
	Kind          string     `json:"kind"`
	LastHeartbeat *time.Time `json:"last_heartbeat"`
}

type sessionListView struct {
	Sessions []sessionView `json:"sessions"`
}

type stabilityView struct {
	Epics []struct {
		EpicID          string  `json:"epic_id"`
		TotalRetests    int     `json:"total_retests"`
		RegressionCount int     `json:"regression_count"`
		StabilityScore  float64 `json:"stability_score"`
	} `json:"epics"`
}

// Snapshot is one refresh of the dashboard's view of a project.
type Snapshot struct {
	Running   int
	Paused    int
	Blocked   int
	Completed int
	Total     int

	// Stale running sessions across all projects.
	Stale int

	// Retest aggregates for the watched project.
	TrackedEpics   int
	TotalRetests   int
	Regressions    int
	AvgStability   float64
	WorstEpicID    string
	WorstStability float64

	// OldestHeartbeat is the age of the least recent running-session
	// heartbeat, zero when nothing is running.
	OldestHeartbeat time.Duration
}

// FetchSnapshot gathers session, stale, and stability state in one pass.
func (c *APIClient) FetchSnapshot(ctx context.Context, projectID string) (Snapshot, error) {
	var snap Snapshot

	var sessions sessionListView
	if err := c.getJSON(ctx, "/api/v1/sessions?project_id="+url.QueryEscape(projectID), &sessions); err != nil {
		return snap, err
	}

	now := time.Now()
	for _, s := range sessions.Sessions {
		snap.Total++
		switch s.Status {
		case "running", "resumed":
			snap.Running++
			if s.LastHeartbeat != nil {
				if age := now.Sub(*s.LastHeartbeat); age > snap.OldestHeartbeat {
					snap.OldestHeartbeat = age
				}
			}
		case "paused":
			snap.Paused++
		case "blocked":
			snap.Blocked++
		case "completed":
			snap.Completed++
		}
	}

	var stale sessionListView
	if err := c.getJSON(ctx, "/api/v1/sessions/stale", &stale); err != nil {
		return snap, err
	}
	snap.Stale = len(stale.Sessions)

	var stability stabilityView
	if err := c.getJSON(ctx, "/api/v1/projects/"+url.PathEscape(projectID)+"/stability", &stability); err != nil {
		return snap, err
	}
	snap.TrackedEpics = len(stability.Epics)
	snap.WorstStability = 1.0
	var sum float64
	for _, e := range stability.Epics {
		snap.TotalRetests += e.TotalRetests
		snap.Regressions += e.RegressionCount
		sum += e.StabilityScore
		if e.StabilityScore < snap.WorstStability {
			snap.WorstStability = e.StabilityScore
			snap.WorstEpicID = e.EpicID
		}
	}
	if snap.TrackedEpics > 0 {
		snap.AvgStability = sum / float64(snap.TrackedEpics)
	} else {
		snap.WorstStability = 0
	}

	return snap, nil
}

func (c *APIClient) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status code %d for %s", resp.StatusCode, path)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
