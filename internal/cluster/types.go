package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Heartbeat is the liveness report a cluster process sends for one shard.
// ShardID is required; a nil ShardID marks a report that cannot be routed.
type Heartbeat struct {
	ShardID *int     `json:"shard_id"`
	Latency *float64 `json:"latency,omitempty"`
	Users   *int     `json:"users,omitempty"`
	Guilds  *int     `json:"guilds,omitempty"`
	Uptime  *float64 `json:"uptime,omitempty"`
}

// ShardInfo is the last known sample for a shard.
type ShardInfo struct {
	Latency  *float64
	Users    *int
	Guilds   *int
	Uptime   *float64
	LastSeen time.Time
}

// ShardInfoFrom copies the sample fields of hb and stamps them with seen.
func ShardInfoFrom(hb Heartbeat, seen time.Time) ShardInfo {
	return ShardInfo{
		Latency:  hb.Latency,
		Users:    hb.Users,
		Guilds:   hb.Guilds,
		Uptime:   hb.Uptime,
		LastSeen: seen,
	}
}

// HealthReport is the aggregated view served on GET /health.
type HealthReport struct {
	Users    int                      `json:"users"`
	Guilds   int                      `json:"guilds"`
	Clusters map[string]ClusterHealth `json:"clusters"`
}

// ClusterHealth describes one cluster in a HealthReport.
type ClusterHealth struct {
	StartShard            int           `json:"start_shard"`
	EndShard              int           `json:"end_shard"`
	LastHeartbeat         time.Time     `json:"last_heartbeat"`
	SecondsSinceHeartbeat float64       `json:"seconds_since_heartbeat"`
	Alive                 bool          `json:"alive"`
	Users                 int           `json:"users"`
	Guilds                int           `json:"guilds"`
	PID                   int           `json:"pid"`
	Restarts              int           `json:"restarts"`
	Shards                []ShardHealth `json:"shards"`
}

// ShardHealth describes one shard inside a ClusterHealth.
type ShardHealth struct {
	ID               int      `json:"id"`
	Latency          *float64 `json:"latency"`
	Users            *int     `json:"users"`
	Guilds           *int     `json:"guilds"`
	Uptime           *float64 `json:"uptime"`
	SecondsSinceSeen float64  `json:"seconds_since_seen"`
}

var httpClient = &http.Client{Timeout: 5 * time.Second}

const (
	// maxErrorBody bounds the response text kept in a StatusError.
	maxErrorBody = 512
	// maxDrain bounds how much of an unread response is discarded so the
	// connection can go back to the pool.
	maxDrain = 64 << 10
)

// StatusError is returned by PostJSON and GetJSON for a non-2xx response.
type StatusError struct {
	URL  string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("http %s: %d", e.URL, e.Code)
	}
	return fmt.Sprintf("http %s: %d: %s", e.URL, e.Code, e.Body)
}

// PostJSON sends body as JSON to url and decodes the response into out when
// out is non-nil.
func PostJSON(ctx context.Context, url string, body any, out any) error {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return doJSON(req, out)
}

// GetJSON fetches url and decodes the JSON response into out.
func GetJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	return doJSON(req, out)
}

// doJSON runs req and decodes a 2xx body into out. The body is always
// drained before it is closed.
func doJSON(req *http.Request, out any) error {
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrain))
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{
			URL:  req.URL.String(),
			Code: resp.StatusCode,
			Body: strings.TrimSpace(string(msg)),
		}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", req.URL, err)
	}
	return nil
}
