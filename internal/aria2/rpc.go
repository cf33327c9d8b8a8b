package aria2

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/tonylu00/bili-sync-sub001/internal/model"
	"github.com/tonylu00/bili-sync-sub001/internal/platform"
)

// Wire protocol constants. The engine only listens on loopback.
const (
	rpcPathFormat    = "http://127.0.0.1:%d/jsonrpc"
	rpcVersion       = "2.0"
	tokenPrefix      = "token:"
	methodGetVer     = "aria2.getVersion"
	methodAddURI     = "aria2.addUri"
	methodTellStat   = "aria2.tellStatus"
	methodShutdown   = "aria2.shutdown"
	minSplitSize     = "1M"
	defaultReferer   = "https://www.bilibili.com"
	defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"
)

// sizeProbeTimeout bounds the best-effort HEAD size probe
const sizeProbeTimeout = 5 * time.Second

// statusKeys limits tellStatus responses to the fields the poll loop reads
var statusKeys = []string{"status", "totalLength", "completedLength", "downloadSpeed", "errorMessage"}

// rpcRequest is the JSON-RPC request envelope.
type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	ID      string `json:"id"`
	Params  []any  `json:"params"`
}

// rpcResponse is the JSON-RPC response envelope.
type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

// rpcClient issues the add/poll/shutdown calls against one worker
// instance.
type rpcClient struct {
	httpc  *http.Client
	port   uint16
	secret string
}

// newRPCClient binds a protocol client to one instance's port and secret.
func newRPCClient(httpc *http.Client, port uint16, secret string) *rpcClient {
	return &rpcClient{httpc: httpc, port: port, secret: secret}
}

// call posts one JSON-RPC request. The first params element is always the
// token parameter.
func (c *rpcClient) call(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	full := append([]any{tokenPrefix + c.secret}, params...)
	body, err := json.Marshal(rpcRequest{
		JSONRPC: rpcVersion,
		Method:  method,
		ID:      uuid.NewString(),
		Params:  full,
	})
	if err != nil {
		return nil, fmt.Errorf("encode rpc request: %w", err)
	}

	url := fmt.Sprintf(rpcPathFormat, c.port)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create rpc request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRPCUnreachable, err)
	}
	defer resp.Body.Close()

	var envelope rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("decode rpc response: %w", err)
	}
	if envelope.Error != nil {
		return nil, envelope.Error
	}
	return envelope.Result, nil
}

// GetVersion probes the instance. Used both as the post-spawn verification
// and as the idle health check.
func (c *rpcClient) GetVersion(ctx context.Context) (string, error) {
	result, err := c.call(ctx, methodGetVer)
	if err != nil {
		return "", err
	}

	var version struct {
		Version string `json:"version"`
	}
	if err := json.Unmarshal(result, &version); err != nil {
		return "", fmt.Errorf("decode version: %w", err)
	}
	return version.Version, nil
}

// AddURI queues a download of the mirror URLs into dir/out with the given
// per-task connection count and returns the engine-assigned GID.
func (c *rpcClient) AddURI(ctx context.Context, urls []string, dir, out string, threads int) (string, error) {
	result, err := c.call(ctx, methodAddURI, urls, taskOptions(dir, out, threads))
	if err != nil {
		return "", err
	}

	var gid string
	if err := json.Unmarshal(result, &gid); err != nil {
		return "", fmt.Errorf("decode gid: %w", err)
	}
	return gid, nil
}

// TellStatus fetches one status snapshot for a queued task.
func (c *rpcClient) TellStatus(ctx context.Context, gid string) (model.StatusSnapshot, error) {
	result, err := c.call(ctx, methodTellStat, gid, statusKeys)
	if err != nil {
		return model.StatusSnapshot{}, err
	}

	var raw model.RawStatus
	if err := json.Unmarshal(result, &raw); err != nil {
		return model.StatusSnapshot{}, fmt.Errorf("decode status: %w", err)
	}
	return raw.Snapshot(), nil
}

// Shutdown asks the instance to exit gracefully.
func (c *rpcClient) Shutdown(ctx context.Context) error {
	_, err := c.call(ctx, methodShutdown)
	return err
}

// taskOptions builds the per-task option object. The tuning mirrors the
// flags the worker is started with, so a task behaves the same however it
// enters the engine.
func taskOptions(dir, out string, threads int) map[string]string {
	opts := map[string]string{
		"dir":                       dir,
		"out":                       out,
		"continue":                  "true",
		"max-connection-per-server": strconv.Itoa(threads),
		"split":                     strconv.Itoa(threads),
		"min-split-size":            minSplitSize,
		"max-tries":                 "5",
		"retry-wait":                "2",
		"timeout":                   "15",
		"connect-timeout":           "10",
		"async-dns":                 "false",
		"user-agent":                defaultUserAgent,
		"referer":                   defaultReferer,
	}

	if bundle := platform.FindCABundle(); bundle != "" {
		opts["ca-certificate"] = bundle
	} else {
		opts["check-certificate"] = "false"
	}
	return opts
}

// probeFileSizeMB issues a best-effort HEAD request against the first
// mirror to learn the file size for thread sizing. Returns 0 when the size
// cannot be determined; the caller falls back to the baseline thread
// count.
func probeFileSizeMB(ctx context.Context, httpc *http.Client, url string) int64 {
	ctx, cancel := context.WithTimeout(ctx, sizeProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return 0
	}
	req.Header.Set("User-Agent", defaultUserAgent)
	req.Header.Set("Referer", defaultReferer)

	resp, err := httpc.Do(req)
	if err != nil {
		return 0
	}
	defer resp.Body.Close()

	if resp.ContentLength <= 0 {
		return 0
	}
	return resp.ContentLength / (1 << 20)
}
