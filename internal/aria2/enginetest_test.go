package aria2

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"

	"github.com/tonylu00/bili-sync-sub001/internal/model"
)

// fakeEngine is a scripted stand-in for one aria2c worker's JSON-RPC
// endpoint. tellStatus answers are consumed from the script in order; the
// last entry repeats once the script runs out.
type fakeEngine struct {
	t      *testing.T
	secret string
	gid    string

	mu        sync.Mutex
	statuses  []model.RawStatus
	requests  []rpcRequest
	shutdowns int

	// failStatusCalls makes the first n tellStatus calls return a server
	// error.
	failStatusCalls int

	// writeFileOnAdd simulates the worker writing the target file as soon
	// as the task is queued.
	writeFileOnAdd bool
	fileContent    []byte

	server *httptest.Server
}

func newFakeEngine(t *testing.T, secret string, statuses []model.RawStatus) *fakeEngine {
	e := &fakeEngine{
		t:           t,
		secret:      secret,
		gid:         "2089b05ecca3d829",
		statuses:    statuses,
		fileContent: []byte("media payload"),
	}
	e.server = httptest.NewServer(http.HandlerFunc(e.handle))
	t.Cleanup(e.server.Close)
	return e
}

// port returns the TCP port the fake engine listens on.
func (e *fakeEngine) port() uint16 {
	addr := e.server.Listener.Addr().(*net.TCPAddr)
	return uint16(addr.Port)
}

func (e *fakeEngine) handle(w http.ResponseWriter, r *http.Request) {
	// Size probes arrive as HEAD requests; anything but the RPC POST gets
	// a plain 200.
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusOK)
		return
	}

	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	e.mu.Lock()
	e.requests = append(e.requests, req)
	e.mu.Unlock()

	if len(req.Params) == 0 || req.Params[0] != tokenPrefix+e.secret {
		writeRPCError(w, 1, "Unauthorized")
		return
	}

	switch req.Method {
	case methodGetVer:
		writeRPCResult(w, map[string]string{"version": "1.37.0"})

	case methodAddURI:
		if e.writeFileOnAdd {
			opts, _ := req.Params[2].(map[string]any)
			dir, _ := opts["dir"].(string)
			out, _ := opts["out"].(string)
			if dir != "" && out != "" {
				if err := os.WriteFile(filepath.Join(dir, out), e.fileContent, 0644); err != nil {
					e.t.Errorf("fake engine failed to write file: %v", err)
				}
			}
		}
		writeRPCResult(w, e.gid)

	case methodTellStat:
		e.mu.Lock()
		if e.failStatusCalls > 0 {
			e.failStatusCalls--
			e.mu.Unlock()
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		var status model.RawStatus
		if len(e.statuses) == 0 {
			status = model.RawStatus{Status: "active"}
		} else {
			status = e.statuses[0]
			if len(e.statuses) > 1 {
				e.statuses = e.statuses[1:]
			}
		}
		e.mu.Unlock()
		writeRPCResult(w, status)

	case methodShutdown:
		e.mu.Lock()
		e.shutdowns++
		e.mu.Unlock()
		writeRPCResult(w, "OK")

	default:
		writeRPCError(w, 1, "method not found: "+req.Method)
	}
}

// recordedRequests returns a copy of every request seen so far.
func (e *fakeEngine) recordedRequests() []rpcRequest {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]rpcRequest(nil), e.requests...)
}

func (e *fakeEngine) shutdownCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.shutdowns
}

func writeRPCResult(w http.ResponseWriter, result any) {
	raw, _ := json.Marshal(result)
	_ = json.NewEncoder(w).Encode(rpcResponse{Result: raw})
}

func writeRPCError(w http.ResponseWriter, code int, message string) {
	_ = json.NewEncoder(w).Encode(rpcResponse{Error: &rpcError{Code: code, Message: message}})
}

// activeStatus builds an active snapshot for scripting.
func activeStatus(completed, total, speed int64) model.RawStatus {
	return model.RawStatus{
		Status:          "active",
		TotalLength:     strconv.FormatInt(total, 10),
		CompletedLength: strconv.FormatInt(completed, 10),
		DownloadSpeed:   strconv.FormatInt(speed, 10),
	}
}

// repeatStatus appends n copies of a status to a script.
func repeatStatus(script []model.RawStatus, status model.RawStatus, n int) []model.RawStatus {
	for i := 0; i < n; i++ {
		script = append(script, status)
	}
	return script
}

// fakeProcess is a processHandle whose liveness the test controls.
type fakeProcess struct {
	mu      sync.Mutex
	pid     int
	running bool
	killed  bool
}

func newFakeProcess(pid int) *fakeProcess {
	return &fakeProcess{pid: pid, running: true}
}

func (p *fakeProcess) PID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pid
}

func (p *fakeProcess) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *fakeProcess) Kill() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.running = false
	p.killed = true
	return nil
}

func (p *fakeProcess) die() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.running = false
}

func (p *fakeProcess) wasKilled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killed
}
