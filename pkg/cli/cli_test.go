package cli

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ingest-platform/pkg/cli/client"
)

// capturedRequest holds details captured from an incoming HTTP request.
type capturedRequest struct {
	Method string
	Path   string
	Query  string
	Body   string
}

// requestRecorder is a thread-safe recorder for HTTP requests received by httptest servers.
type requestRecorder struct {
	mu       sync.Mutex
	requests []capturedRequest
}

func (r *requestRecorder) record(req *http.Request) {
	r.mu.Lock()
	defer r.mu.Unlock()

	body, _ := io.ReadAll(req.Body)
	defer func() { _ = req.Body.Close() }()

	r.requests = append(r.requests, capturedRequest{
		Method: req.Method,
		Path:   req.URL.Path,
		Query:  req.URL.RawQuery,
		Body:   string(body),
	})
}

func (r *requestRecorder) last() capturedRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.requests) == 0 {
		return capturedRequest{}
	}
	return r.requests[len(r.requests)-1]
}

func (r *requestRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.requests)
}

// jsonHandler returns an http.HandlerFunc that records the request and responds
// with the given status code and JSON body.
func jsonHandler(rec *requestRecorder, status int, respBody string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec.record(r)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(respBody))
	}
}

// runCLI executes ingestctl against srv with an isolated HOME and returns stdout.
func runCLI(t *testing.T, srv *httptest.Server, args ...string) (string, error) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	t.Setenv("INGEST_HOST", "")
	t.Setenv("INGEST_OUTPUT", "")

	var out bytes.Buffer
	rootCmd := newRootCmd()
	rootCmd.SetOut(&out)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetArgs(append([]string{"--host", srv.URL}, args...))
	err := rootCmd.Execute()
	return out.String(), err
}

func TestCLI_Requests(t *testing.T) {
	tests := []struct {
		name       string
		args       []string
		wantMethod string
		wantPath   string
		wantQuery  string
		wantBody   string
	}{
		{
			name:       "regions",
			args:       []string{"regions"},
			wantMethod: http.MethodGet,
			wantPath:   "/v1/regions",
		},
		{
			name:       "materialize",
			args:       []string{"materialize", "us_xx", "--instance", "SECONDARY"},
			wantMethod: http.MethodPost,
			wantPath:   "/v1/regions/us_xx/instances/SECONDARY/runs",
		},
		{
			name:       "bounds",
			args:       []string{"bounds", "us_xx", "--method", "latest"},
			wantMethod: http.MethodGet,
			wantPath:   "/v1/regions/us_xx/instances/PRIMARY/bounds",
			wantQuery:  "method=latest",
		},
		{
			name:       "summary",
			args:       []string{"summary", "us_xx"},
			wantMethod: http.MethodGet,
			wantPath:   "/v1/regions/us_xx/instances/PRIMARY/materialization",
		},
		{
			name:       "query dataflow",
			args:       []string{"query", "dataflow", "us_xx", "person", "--upper", "2024-01-02T09:00:00Z"},
			wantMethod: http.MethodGet,
			wantPath:   "/v1/regions/us_xx/views/person/query",
			wantQuery:  "instance=PRIMARY&mode=dataflow&upper=2024-01-02T09%3A00%3A00Z",
		},
		{
			name:       "query debug with lower bound",
			args:       []string{"query", "debug", "us_xx", "person", "--upper", "2024-01-02T09:00:00Z", "--lower", "2024-01-01T10:00:00Z", "-i", "SECONDARY"},
			wantMethod: http.MethodGet,
			wantPath:   "/v1/regions/us_xx/views/person/query",
			wantQuery:  "instance=SECONDARY&lower=2024-01-01T10%3A00%3A00Z&mode=debug&upper=2024-01-02T09%3A00%3A00Z",
		},
		{
			name:       "status get",
			args:       []string{"status", "get", "us_xx"},
			wantMethod: http.MethodGet,
			wantPath:   "/v1/regions/us_xx/instances/PRIMARY/status",
		},
		{
			name:       "status set",
			args:       []string{"status", "set", "us_xx", "FLASH_IN_PROGRESS", "-i", "SECONDARY"},
			wantMethod: http.MethodPost,
			wantPath:   "/v1/regions/us_xx/instances/SECONDARY/status",
			wantBody:   `{"status":"FLASH_IN_PROGRESS"}`,
		},
		{
			name:       "status list",
			args:       []string{"status", "list", "us_xx", "--limit", "5"},
			wantMethod: http.MethodGet,
			wantPath:   "/v1/regions/us_xx/instances/PRIMARY/statuses",
			wantQuery:  "limit=5",
		},
		{
			name:       "lock acquire",
			args:       []string{"lock", "acquire", "STATE", "PRIMARY", "--lock-id", "refresh-1"},
			wantMethod: http.MethodPost,
			wantPath:   "/v1/locks/refresh/STATE/PRIMARY",
			wantBody:   `{"lock_id":"refresh-1"}`,
		},
		{
			name:       "lock state",
			args:       []string{"lock", "state", "NORMALIZED_STATE", "PRIMARY"},
			wantMethod: http.MethodGet,
			wantPath:   "/v1/locks/refresh/NORMALIZED_STATE/PRIMARY",
		},
		{
			name:       "lock can-proceed",
			args:       []string{"lock", "can-proceed", "STATE", "SECONDARY"},
			wantMethod: http.MethodGet,
			wantPath:   "/v1/locks/refresh/STATE/SECONDARY/can-proceed",
		},
		{
			name:       "lock can-proceed waiting",
			args:       []string{"lock", "can-proceed", "STATE", "PRIMARY", "--wait", "2m", "--interval", "5s"},
			wantMethod: http.MethodGet,
			wantPath:   "/v1/locks/refresh/STATE/PRIMARY/can-proceed",
			wantQuery:  "interval=5s&wait=2m0s",
		},
		{
			name:       "normalization lock acquire",
			args:       []string{"lock", "normalization", "acquire", "SECONDARY", "--lock-id", "normalize-1"},
			wantMethod: http.MethodPost,
			wantPath:   "/v1/locks/normalization/SECONDARY",
			wantBody:   `{"lock_id":"normalize-1"}`,
		},
		{
			name:       "normalization lock state",
			args:       []string{"lock", "normalization", "state", "PRIMARY"},
			wantMethod: http.MethodGet,
			wantPath:   "/v1/locks/normalization/PRIMARY",
		},
		{
			name:       "normalization lock release",
			args:       []string{"lock", "normalization", "release", "PRIMARY"},
			wantMethod: http.MethodDelete,
			wantPath:   "/v1/locks/normalization/PRIMARY",
		},
		{
			name:       "jobs pending",
			args:       []string{"jobs", "pending", "us_xx", "-i", "SECONDARY"},
			wantMethod: http.MethodGet,
			wantPath:   "/v1/regions/us_xx/instances/SECONDARY/jobs/pending",
		},
		{
			name:       "jobs completed",
			args:       []string{"jobs", "completed", "us_xx", "person"},
			wantMethod: http.MethodGet,
			wantPath:   "/v1/regions/us_xx/instances/PRIMARY/views/person/jobs",
		},
		{
			name:       "jobs latest",
			args:       []string{"jobs", "latest", "us_xx", "person_sentence", "-i", "SECONDARY"},
			wantMethod: http.MethodGet,
			wantPath:   "/v1/regions/us_xx/instances/SECONDARY/views/person_sentence/jobs/latest",
		},
		{
			name:       "onboard",
			args:       []string{"onboard", "us_xx"},
			wantMethod: http.MethodPost,
			wantPath:   "/v1/regions/us_xx/onboard",
		},
		{
			name:       "lock release",
			args:       []string{"lock", "release", "STATE", "PRIMARY"},
			wantMethod: http.MethodDelete,
			wantPath:   "/v1/locks/refresh/STATE/PRIMARY",
		},
		{
			name:       "flash",
			args:       []string{"flash", "us_xx", "--yes"},
			wantMethod: http.MethodPost,
			wantPath:   "/v1/regions/us_xx/flash",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := &requestRecorder{}
			srv := httptest.NewServer(jsonHandler(rec, http.StatusOK, `{}`))
			defer srv.Close()

			_, err := runCLI(t, srv, append([]string{"-o", "json"}, tc.args...)...)
			require.NoError(t, err)

			captured := rec.last()
			assert.Equal(t, tc.wantMethod, captured.Method)
			assert.Equal(t, tc.wantPath, captured.Path)
			assert.Equal(t, tc.wantQuery, captured.Query)
			if tc.wantBody != "" {
				assert.JSONEq(t, tc.wantBody, captured.Body)
			}
		})
	}
}

func TestCLI_LockAcquireGeneratesID(t *testing.T) {
	rec := &requestRecorder{}
	srv := httptest.NewServer(jsonHandler(rec, http.StatusOK, `{}`))
	defer srv.Close()

	_, err := runCLI(t, srv, "-o", "json", "lock", "acquire", "STATE", "PRIMARY")
	require.NoError(t, err)

	var body map[string]string
	require.NoError(t, json.Unmarshal([]byte(rec.last().Body), &body))
	assert.Len(t, body["lock_id"], 36)
}

func TestCLI_FlashRequiresConfirmation(t *testing.T) {
	rec := &requestRecorder{}
	srv := httptest.NewServer(jsonHandler(rec, http.StatusOK, `{}`))
	defer srv.Close()

	_, err := runCLI(t, srv, "flash", "us_xx")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--yes")
	assert.Zero(t, rec.count())
}

func TestCLI_TableOutput(t *testing.T) {
	rec := &requestRecorder{}
	srv := httptest.NewServer(jsonHandler(rec, http.StatusOK, `{"statuses":[
		{"region_code":"US_XX","instance":"PRIMARY","status":"RAW_DATA_UP_TO_DATE","status_timestamp":"2024-05-01T00:00:02Z"},
		{"region_code":"US_XX","instance":"PRIMARY","status":"INITIAL_STATE","status_timestamp":"2024-05-01T00:00:01Z"}
	]}`))
	defer srv.Close()

	out, err := runCLI(t, srv, "-o", "table", "status", "list", "us_xx")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "STATUS"))
	assert.True(t, strings.HasPrefix(lines[1], "RAW_DATA_UP_TO_DATE"))
	assert.True(t, strings.HasPrefix(lines[2], "INITIAL_STATE"))
}

func TestCLI_JSONOutput(t *testing.T) {
	rec := &requestRecorder{}
	srv := httptest.NewServer(jsonHandler(rec, http.StatusOK, `{"can_proceed":true}`))
	defer srv.Close()

	out, err := runCLI(t, srv, "-o", "json", "lock", "can-proceed", "STATE", "PRIMARY")
	require.NoError(t, err)
	assert.JSONEq(t, `{"can_proceed":true}`, out)

	out, err = runCLI(t, srv, "-o", "table", "lock", "can-proceed", "STATE", "PRIMARY")
	require.NoError(t, err)
	assert.Equal(t, "true\n", out)
}

func TestCLI_ErrorPropagation(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   string
	}{
		{"conflict", 409, `{"code":409,"message":"refresh lock held","request_id":"r1"}`, "API error (HTTP 409): refresh lock held [request r1]"},
		{"not found", 404, `{"code":404,"message":"region us_qq not found"}`, "API error (HTTP 404): region us_qq not found"},
		{"precondition", 412, `{"code":412,"message":"lock not held"}`, "API error (HTTP 412): lock not held"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := &requestRecorder{}
			srv := httptest.NewServer(jsonHandler(rec, tc.status, tc.body))
			defer srv.Close()

			_, err := runCLI(t, srv, "materialize", "us_xx")
			require.Error(t, err)
			assert.Equal(t, tc.want, err.Error())

			var apiErr *client.APIError
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, tc.status, apiErr.HTTPStatus)
		})
	}
}

func TestCLI_ConnectionRefused(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	rootCmd := newRootCmd()
	rootCmd.SetArgs([]string{"--host", "http://127.0.0.1:1", "regions"})

	err := rootCmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "execute request")
}

func TestCLI_ArgValidation(t *testing.T) {
	rec := &requestRecorder{}
	srv := httptest.NewServer(jsonHandler(rec, http.StatusOK, `{}`))
	defer srv.Close()

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"materialize without region", []string{"materialize"}, "accepts 1 arg(s)"},
		{"status set without status", []string{"status", "set", "us_xx"}, "accepts 2 arg(s)"},
		{"query without upper", []string{"query", "dataflow", "us_xx", "person"}, `required flag(s) "upper" not set`},
		{"negative limit", []string{"status", "list", "us_xx", "--limit", "-1"}, "invalid limit"},
		{"bad output", []string{"-o", "yaml", "regions"}, "unsupported output format"},
		{"version extra arg", []string{"version", "extra"}, `unknown command "extra"`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := runCLI(t, srv, tc.args...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
	assert.Zero(t, rec.count())
}

func TestCLI_HostPrecedence(t *testing.T) {
	rec := &requestRecorder{}
	srv := httptest.NewServer(jsonHandler(rec, http.StatusOK, `{"regions":[]}`))
	defer srv.Close()

	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("INGEST_OUTPUT", "")
	require.NoError(t, os.MkdirAll(filepath.Join(home, ".ingestctl"), 0o700))
	cfg := "current-profile: staging\nprofiles:\n  staging:\n    host: " + srv.URL + "\n    output: json\n"
	require.NoError(t, os.WriteFile(filepath.Join(home, ".ingestctl", "config.yaml"), []byte(cfg), 0o600))

	// The profile supplies the host when neither flag nor env is set.
	t.Setenv("INGEST_HOST", "")
	var out bytes.Buffer
	rootCmd := newRootCmd()
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"regions"})
	require.NoError(t, rootCmd.Execute())
	assert.Equal(t, 1, rec.count())
	assert.JSONEq(t, `{"regions":[]}`, out.String())

	// The env var wins over the profile.
	t.Setenv("INGEST_HOST", "http://127.0.0.1:1")
	rootCmd = newRootCmd()
	rootCmd.SetArgs([]string{"regions"})
	require.Error(t, rootCmd.Execute())
	assert.Equal(t, 1, rec.count())
}

func TestCLI_Version(t *testing.T) {
	rec := &requestRecorder{}
	srv := httptest.NewServer(jsonHandler(rec, http.StatusOK, `{}`))
	defer srv.Close()

	out, err := runCLI(t, srv, "-o", "table", "version")
	require.NoError(t, err)
	assert.Equal(t, "ingestctl version dev (commit: none)\n", out)
}
