package agent_test

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhukan/fastlane-agent/internal/agent"
	"github.com/zhukan/fastlane-agent/internal/config"
	"github.com/zhukan/fastlane-agent/internal/reconciler"
	"github.com/zhukan/fastlane-agent/internal/runner"
	"github.com/zhukan/fastlane-agent/internal/store"
	"github.com/zhukan/fastlane-agent/internal/testutils"
)

var defaultDaemonConfig = &agent.StaticConfig{
	ReadTimeout:    5 * time.Second,
	WriteTimeout:   10 * time.Second,
	RequestTimeout: 3 * time.Second,
	MaxHeaderBytes: 1 << 13, // 8 KB

	ListenHost: "localhost",
}

var muPortAcquire = sync.Mutex{}

func TestNew(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		cmLoadErr error

		wantErr bool
	}{
		"Valid": {},
		"ConfigManager load error errors": {
			cmLoadErr: assert.AnError,
			wantErr:   true,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			cm := &testConfigManager{
				worksheets: testWorksheets(),
				loadErr:    tc.cmLoadErr,
			}

			s, err := agent.New(t.Context(), cm, newTestStore(), &testSyncer{}, &testLanes{}, prometheus.NewRegistry(), *defaultDaemonConfig)
			if tc.wantErr {
				require.Error(t, err)
				assert.Nil(t, s)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, s)
		})
	}
}

func TestServeMulti(t *testing.T) {
	t.Parallel()

	dConf := *defaultDaemonConfig
	cm := &testConfigManager{worksheets: testWorksheets()}
	db := newTestStore()
	db.projects[1] = store.Project{ID: 1, Name: "MyApp", BundleID: "com.example.app", RepoPath: "/srv/myapp", DefaultLane: "release"}
	db.releases[7] = store.Release{ID: 7, BundleID: "com.example.app", Version: "1.2.3"}

	s := createServerAndWaitReady(t, cm, db, &dConf, false)

	tests := map[string]struct {
		method string
		path   string
		body   []byte

		wantStatus int
	}{
		"Version": {
			method:     http.MethodGet,
			path:       "/version",
			wantStatus: http.StatusOK,
		},
		"Sync trigger": {
			method:     http.MethodPost,
			path:       "/api/sync/apps",
			wantStatus: http.StatusAccepted,
		},
		"Sync trigger by table name": {
			method:     http.MethodPost,
			path:       "/api/sync/target_apps",
			wantStatus: http.StatusAccepted,
		},
		"Projects list": {
			method:     http.MethodGet,
			path:       "/api/projects",
			wantStatus: http.StatusOK,
		},
		"Project get": {
			method:     http.MethodGet,
			path:       "/api/projects/1",
			wantStatus: http.StatusOK,
		},
		"Release deploy": {
			method:     http.MethodPost,
			path:       "/api/releases/7/deploy",
			wantStatus: http.StatusOK,
		},

		"Path NotFound": {
			method:     http.MethodGet,
			path:       "/nope",
			wantStatus: http.StatusNotFound,
		},
		"Bad method MethodNotAllowed": {
			method:     http.MethodGet,
			path:       "/api/sync/apps",
			wantStatus: http.StatusMethodNotAllowed,
		},
		"Unknown sync table NotFound": {
			method:     http.MethodPost,
			path:       "/api/sync/unknown",
			wantStatus: http.StatusNotFound,
		},
		"Sync status no runs NotFound": {
			method:     http.MethodGet,
			path:       "/api/sync/apps/status",
			wantStatus: http.StatusNotFound,
		},
		"Invalid project body BadRequest": {
			method:     http.MethodPost,
			path:       "/api/projects",
			body:       []byte(`not-json`),
			wantStatus: http.StatusBadRequest,
		},
	}
	client := &http.Client{}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			req, err := http.NewRequest(tc.method, "http://"+s.Addr()+tc.path, bytes.NewReader(tc.body))
			require.NoError(t, err, "Setup: failed to create request")
			if tc.body != nil {
				req.Header.Set("Content-Type", "application/json")
			}
			resp, err := client.Do(req)
			require.NoError(t, err)
			defer resp.Body.Close()

			assert.Equal(t, tc.wantStatus, resp.StatusCode, "Unexpected status response")
		})
	}
}

func TestRunSingle(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		dConf agent.StaticConfig
		cm    testConfigManager

		method string
		path   string

		wantStatus int
		wantErr    bool
	}{
		"Version": {
			method:     http.MethodGet,
			path:       "/version",
			wantStatus: http.StatusOK,
		},
		"Basic sync trigger": {},
		"Unknown table NotFound": {
			path:       "/api/sync/unknown",
			wantStatus: http.StatusNotFound,
		},

		// Bad Server Configurations
		"Bad Port": {
			dConf: func() agent.StaticConfig {
				d := *defaultDaemonConfig
				d.ListenPort = -1
				return d
			}(),
			wantErr: true,
		},
		"New Watcher Error": {
			cm: testConfigManager{
				worksheets:    testWorksheets(),
				newWatcherErr: fmt.Errorf("requested watch error"),
			},
			wantErr: true,
		},
		"Watch Error": {
			cm: testConfigManager{
				worksheets: testWorksheets(),
				watchErr:   fmt.Errorf("requested watch error"),
			},
			wantErr: true,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			if tc.dConf == (agent.StaticConfig{}) {
				tc.dConf = *defaultDaemonConfig
			}
			if tc.method == "" {
				tc.method = http.MethodPost
			}
			if tc.path == "" {
				tc.path = "/api/sync/apps"
			}
			if tc.wantStatus == 0 {
				tc.wantStatus = http.StatusAccepted
			}
			if tc.cm.worksheets == nil {
				tc.cm.worksheets = testWorksheets()
			}

			s := createServerAndWaitReady(t, &tc.cm, newTestStore(), &tc.dConf, tc.wantErr)
			if tc.wantErr {
				return // If we expect an error and createServerAndWaitReady returns, we can stop here
			}

			req, err := http.NewRequest(tc.method, "http://"+s.Addr()+tc.path, nil)
			require.NoError(t, err, "Setup: failed to create request")
			client := &http.Client{}
			resp, err := client.Do(req)
			require.NoError(t, err)
			defer resp.Body.Close()

			assert.Equal(t, tc.wantStatus, resp.StatusCode, "status")
		})
	}
}

func TestRunAfterQuitErrors(t *testing.T) {
	t.Parallel()

	dConf := *defaultDaemonConfig
	cm := &testConfigManager{worksheets: testWorksheets()}

	s := createServerAndWaitReady(t, cm, newTestStore(), &dConf, false)

	s.Quit(false)
	testutils.WaitForPortClosed(t, dConf.ListenHost, dConf.ListenPort, 3*time.Second)

	serverErr2 := make(chan error, 1)
	go func() {
		defer close(serverErr2)
		serverErr2 <- s.Run()
	}()

	select {
	case err := <-serverErr2:
		require.Error(t, err, "Server should have errored after second run")
	case <-time.After(1 * time.Second):
		require.Fail(t, "Server should have errored after second run")
	}

	require.False(t, testutils.PortOpen(t, dConf.ListenHost, dConf.ListenPort), "Server should not be running after second (failed) run")
}

func testWorksheets() map[string]config.Worksheet {
	return map[string]config.Worksheet{
		"apps": {
			Name: "apps", WorksheetID: "ws1", Table: "target_apps",
			KeyColumn: "hap_row_id", AppKey: "k", Sign: "s",
		},
	}
}

type testConfigManager struct {
	worksheets    map[string]config.Worksheet
	finishWatch   bool
	loadErr       error
	newWatcherErr error
	watchErr      error
}

func (t *testConfigManager) Load() error {
	return t.loadErr
}

func (t *testConfigManager) Watch(ctx context.Context) (<-chan struct{}, <-chan error, error) {
	// Simulate watching for changes
	if t.finishWatch {
		<-ctx.Done()
	}
	if t.newWatcherErr != nil {
		return nil, nil, t.newWatcherErr
	}

	eventsChan := make(chan struct{})
	errorsChan := make(chan error)
	go func() {
		defer close(eventsChan)
		defer close(errorsChan)

		if t.watchErr != nil {
			errorsChan <- t.watchErr
			return
		}

		// Block until the context is done
		<-ctx.Done()
	}()

	return eventsChan, errorsChan, nil
}

func (t *testConfigManager) Names() []string {
	names := make([]string, 0, len(t.worksheets))
	for name := range t.worksheets {
		names = append(names, name)
	}
	return names
}

func (t *testConfigManager) Worksheet(name string) (config.Worksheet, bool) {
	ws, ok := t.worksheets[name]
	return ws, ok
}

type testSyncer struct{}

func (testSyncer) Start(ctx context.Context, ws config.Worksheet, mode reconciler.Mode, since time.Time) (string, error) {
	return "run-1", nil
}

type testLanes struct{}

func (testLanes) Run(ctx context.Context, dir, lane string, args ...string) (runner.Result, error) {
	return runner.Result{Stdout: "ok"}, nil
}

type testStore struct {
	mu       sync.Mutex
	projects map[int64]store.Project
	releases map[int64]store.Release
	apps     []store.App
	nextID   int64

	operations []store.Operation
}

func newTestStore() *testStore {
	return &testStore{
		projects: make(map[int64]store.Project),
		releases: make(map[int64]store.Release),
		nextID:   100,
	}
}

func (m *testStore) ListProjects(ctx context.Context) ([]store.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Project
	for _, p := range m.projects {
		out = append(out, p)
	}
	return out, nil
}

func (m *testStore) GetProject(ctx context.Context, id int64) (store.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[id]
	if !ok {
		return store.Project{}, store.ErrNotFound
	}
	return p, nil
}

func (m *testStore) GetProjectByBundleID(ctx context.Context, bundleID string) (store.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.projects {
		if p.BundleID == bundleID {
			return p, nil
		}
	}
	return store.Project{}, store.ErrNotFound
}

func (m *testStore) CreateProject(ctx context.Context, p store.Project) (store.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	p.ID = m.nextID
	m.projects[p.ID] = p
	return p, nil
}

func (m *testStore) UpdateProject(ctx context.Context, p store.Project) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.projects[p.ID]; !ok {
		return store.ErrNotFound
	}
	m.projects[p.ID] = p
	return nil
}

func (m *testStore) DeleteProject(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.projects[id]; !ok {
		return store.ErrNotFound
	}
	delete(m.projects, id)
	return nil
}

func (m *testStore) ListApps(ctx context.Context, limit, offset int) ([]store.App, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.apps, nil
}

func (m *testStore) SetAppMonitor(ctx context.Context, id int64, monitored bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.apps {
		if m.apps[i].ID == id {
			m.apps[i].Monitored = monitored
			return nil
		}
	}
	return store.ErrNotFound
}

func (m *testStore) GetRelease(ctx context.Context, id int64) (store.Release, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.releases[id]
	if !ok {
		return store.Release{}, store.ErrNotFound
	}
	return r, nil
}

func (m *testStore) LatestRun(ctx context.Context, table string) (store.SyncRun, error) {
	return store.SyncRun{}, store.ErrNotFound
}

func (m *testStore) AppendOperation(ctx context.Context, op store.Operation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.operations = append(m.operations, op)
	return nil
}

func newForTest(t *testing.T, cm *testConfigManager, db *testStore, daemonConfig *agent.StaticConfig) *agent.Server {
	t.Helper()

	if daemonConfig.ListenPort == 0 {
		daemonConfig.ListenPort = testutils.FreePort(t, daemonConfig.ListenHost)
	}

	s, err := agent.New(t.Context(), cm, db, &testSyncer{}, &testLanes{}, prometheus.NewRegistry(), *daemonConfig)
	require.NoError(t, err, "Setup: failed to create server")
	return s
}

// createServerAndWaitReady initializes and starts an agent server for testing.
// It waits for the server to be ready and returns the server instance.
// If expectErr is true, it expects the server to fail to start and returns the server instance anyway.
// If expectErr is false, it ensures the server starts successfully and is ready to accept requests.
func createServerAndWaitReady(t *testing.T, cm *testConfigManager, db *testStore, daemonConfig *agent.StaticConfig, expectErr bool) *agent.Server {
	t.Helper()

	muPortAcquire.Lock()
	defer muPortAcquire.Unlock()

	s := newForTest(t, cm, db, daemonConfig)
	t.Cleanup(func() {
		s.Quit(true)
	})

	runErr := make(chan error, 1)
	go func() {
		defer close(runErr)
		runErr <- s.Run()
	}()

	select {
	case err := <-runErr:
		if expectErr {
			require.Error(t, err, "Run should fail")
			return s
		}
		require.NoError(t, err, "Run should not fail")
	case <-time.After(1 * time.Second):
		require.False(t, expectErr, "Expected Run to fail with error, but it did not")
		waitServerReady(t, s)
	}

	require.True(t, testutils.PortOpen(t, daemonConfig.ListenHost, daemonConfig.ListenPort), "Server should be running on specified address")

	return s
}

func waitServerReady(t *testing.T, s *agent.Server) {
	t.Helper()

	const (
		timeout  = 5 * time.Second
		interval = 50 * time.Millisecond
	)

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		resp, err := http.Get("http://" + s.Addr() + "/version")
		if err == nil && resp.StatusCode == http.StatusOK {
			resp.Body.Close()
			return
		}

		time.Sleep(interval)
	}

	require.True(t, time.Now().Before(deadline), "Setup: Server did not become ready in time")
}
