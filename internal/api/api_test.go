package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/rflorenc/org-migrator/internal/bundle"
	"github.com/rflorenc/org-migrator/internal/metrics"
	"github.com/rflorenc/org-migrator/internal/models"
	"github.com/rflorenc/org-migrator/internal/platform"
	"github.com/rflorenc/org-migrator/internal/platform/platformtest"
	"github.com/rflorenc/org-migrator/internal/scheduler"
	"github.com/rflorenc/org-migrator/internal/schema"
)

const (
	srcOrg  = "9f1b7a52-1f0e-4c5e-9a59-0c8d7f7b1a01"
	destOrg = "4c2d1e8f-3b6a-4f0e-8d21-7a9c5b3e2f02"
)

type testEnv struct {
	server *Server
	http   *httptest.Server
	cloud  *platformtest.FakeCloud
	src    *models.Connection
	dst    *models.Connection
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cloud := platformtest.New()
	cloud.SelfInfo = &platform.Self{
		Email: "admin@example.com",
		Privileges: []platform.Privilege{
			{Scope: "org", OrgID: srcOrg, Role: "admin", Name: "Source"},
			{Scope: "org", OrgID: destOrg, Role: "admin", Name: "Destination"},
		},
	}
	cloud.SetSingleton(schema.OrgInfo, srcOrg, models.Record{"id": srcOrg, "name": "Source"})
	cloud.SetSingleton(schema.OrgInfo, destOrg, models.Record{"id": destOrg, "name": "Destination"})

	reg := prometheus.NewRegistry()
	if err := metrics.Register(reg); err != nil {
		t.Fatal(err)
	}
	s := &Server{
		Connections: models.NewConnectionStore(),
		Jobs:        models.NewJobStore(),
		Store:       bundle.NewMemStore(),
		Gatherer:    reg,
		NewAPI:      func(*models.Connection) platform.API { return cloud },
	}
	env := &testEnv{server: s, cloud: cloud}
	env.src = &models.Connection{Name: "src", Role: "source", Host: "api.mist.com", OrgID: srcOrg, Token: "source-token"}
	env.dst = &models.Connection{Name: "dst", Role: "destination", Host: "api.eu.mist.com", OrgID: destOrg, Token: "dest-token"}
	s.Connections.Create(env.src)
	s.Connections.Create(env.dst)

	env.http = httptest.NewServer(NewRouter(s))
	t.Cleanup(env.http.Close)
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}) (int, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.http.URL+path, rd)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp.StatusCode, out
}

// startJob posts body to path and returns the job id of the 202 response.
func (e *testEnv) startJob(t *testing.T, path string, body interface{}) string {
	t.Helper()
	status, out := e.do(t, http.MethodPost, path, body)
	if status != http.StatusAccepted {
		t.Fatalf("POST %s: status %d: %s", path, status, out)
	}
	var resp map[string]string
	if err := json.Unmarshal(out, &resp); err != nil {
		t.Fatal(err)
	}
	if resp["job_id"] == "" {
		t.Fatalf("POST %s: no job id in %s", path, out)
	}
	return resp["job_id"]
}

func (e *testEnv) wait(t *testing.T, id string) *models.Job {
	t.Helper()
	job := e.server.Jobs.Get(id)
	if job == nil {
		t.Fatalf("job %s not found", id)
	}
	deadline := time.Now().Add(5 * time.Second)
	for !job.Done() {
		if time.Now().After(deadline) {
			t.Fatalf("job %s still running: %v", id, job.LogsSince(0))
		}
		time.Sleep(10 * time.Millisecond)
	}
	return job
}

func TestConnections_CRUD(t *testing.T) {
	env := newTestEnv(t)

	status, _ := env.do(t, http.MethodPost, "/api/connections", map[string]string{"org_id": destOrg})
	if status != http.StatusBadRequest {
		t.Errorf("create without host: status %d, want 400", status)
	}

	status, out := env.do(t, http.MethodPost, "/api/connections", map[string]string{
		"name": "eu", "host": "https://manage.eu.mist.com/", "org_id": destOrg, "token": "abcdefgh1234",
	})
	if status != http.StatusCreated {
		t.Fatalf("create: status %d: %s", status, out)
	}
	var created models.Connection
	if err := json.Unmarshal(out, &created); err != nil {
		t.Fatal(err)
	}
	if created.Host != "api.eu.mist.com" {
		t.Errorf("host = %q, want api.eu.mist.com", created.Host)
	}
	if created.Role != "destination" || created.Scheme != "https" {
		t.Errorf("defaults not applied: %+v", created)
	}
	if strings.Contains(string(out), "abcdefgh") {
		t.Errorf("token leaked in response: %s", out)
	}

	status, out = env.do(t, http.MethodGet, "/api/connections", nil)
	var list []models.Connection
	if err := json.Unmarshal(out, &list); err != nil || status != http.StatusOK {
		t.Fatalf("list: status %d err %v", status, err)
	}
	if len(list) != 3 {
		t.Errorf("got %d connections, want 3", len(list))
	}

	update := created
	update.Name = "eu-renamed"
	status, _ = env.do(t, http.MethodPut, "/api/connections/"+created.ID, update)
	if status != http.StatusOK {
		t.Fatalf("update: status %d", status)
	}
	stored := env.server.Connections.Get(created.ID)
	if stored.Name != "eu-renamed" || stored.Token != "abcdefgh1234" {
		t.Errorf("masked token must keep the stored one: %+v", stored)
	}

	if status, _ := env.do(t, http.MethodDelete, "/api/connections/"+created.ID, nil); status != http.StatusNoContent {
		t.Errorf("delete: status %d", status)
	}
	if status, _ := env.do(t, http.MethodDelete, "/api/connections/"+created.ID, nil); status != http.StatusNotFound {
		t.Errorf("second delete: status %d", status)
	}
}

func TestTestConnection(t *testing.T) {
	env := newTestEnv(t)
	status, out := env.do(t, http.MethodPost, "/api/connections/"+env.dst.ID+"/test", nil)
	if status != http.StatusOK {
		t.Fatalf("status %d: %s", status, out)
	}
	var resp struct {
		OK         bool              `json:"ok"`
		Connection models.Connection `json:"connection"`
	}
	if err := json.Unmarshal(out, &resp); err != nil {
		t.Fatal(err)
	}
	if !resp.OK || resp.Connection.AccessStatus != "admin" || resp.Connection.OrgName != "Destination" {
		t.Errorf("unexpected response %s", out)
	}

	env.cloud.SelfInfo.Privileges[1].Role = "read"
	_, out = env.do(t, http.MethodPost, "/api/connections/"+env.dst.ID+"/test", nil)
	if err := json.Unmarshal(out, &resp); err != nil {
		t.Fatal(err)
	}
	if resp.OK || resp.Connection.AccessStatus != "denied" {
		t.Errorf("read-only token accepted: %s", out)
	}
}

func TestBackupPrecheckRestore(t *testing.T) {
	env := newTestEnv(t)
	templates := schema.MustLookup(schema.ScopeOrg, "templates")
	wlans := schema.MustLookup(schema.ScopeOrg, "wlans")
	tpl := env.cloud.Seed(templates, srcOrg, models.Record{"name": "T1"})[0]
	env.cloud.Seed(wlans, srcOrg, models.Record{"ssid": "corp", "template_id": tpl.ID()})

	job := env.wait(t, env.startJob(t, "/api/connections/"+env.src.ID+"/backup", nil))
	if job.State() != "completed" {
		t.Fatalf("backup %s: %s %v", job.State(), job.Error, job.LogsSince(0))
	}
	if job.Snapshot == "" {
		t.Fatal("backup job has no snapshot")
	}

	status, out := env.do(t, http.MethodGet, "/api/backups?org="+srcOrg, nil)
	var infos []bundle.Info
	if err := json.Unmarshal(out, &infos); err != nil || status != http.StatusOK {
		t.Fatalf("backups: status %d err %v", status, err)
	}
	if len(infos) != 1 || !infos[0].HasConfig {
		t.Fatalf("unexpected backups %s", out)
	}

	req := map[string]string{"source_org_id": srcOrg, "destination_id": env.dst.ID}
	job = env.wait(t, env.startJob(t, "/api/precheck", req))
	if job.State() != "completed" {
		t.Fatalf("precheck %s: %s", job.State(), job.Error)
	}
	if n := len(env.cloud.Records(templates, destOrg)); n != 0 {
		t.Fatalf("precheck created %d templates", n)
	}
	if counts := job.Report().Counts(); counts[models.ActionWouldCreate] != 2 {
		t.Errorf("precheck counts = %v", counts)
	}

	job = env.wait(t, env.startJob(t, "/api/restore", req))
	if job.State() != "completed" {
		t.Fatalf("restore %s: %s %v", job.State(), job.Error, job.LogsSince(0))
	}
	newTpl := env.cloud.FindByName(templates, destOrg, "T1")
	wlan := env.cloud.FindByName(wlans, destOrg, "corp")
	if newTpl == nil || wlan == nil {
		t.Fatal("objects not restored")
	}
	if wlan.String("template_id") != newTpl.ID() {
		t.Errorf("template_id = %q, want %q", wlan.String("template_id"), newTpl.ID())
	}

	status, out = env.do(t, http.MethodGet, "/api/jobs/"+job.ID+"/report", nil)
	if status != http.StatusOK || !strings.Contains(string(out), `"created"`) {
		t.Errorf("report: status %d: %s", status, out)
	}
}

func TestRestore_BadRequests(t *testing.T) {
	env := newTestEnv(t)
	tests := []struct {
		name string
		body map[string]interface{}
		want int
	}{
		{"unknown destination", map[string]interface{}{"destination_id": "nope", "source_org_id": srcOrg}, http.StatusNotFound},
		{"no snapshot selector", map[string]interface{}{"destination_id": env.dst.ID}, http.StatusBadRequest},
		{"no backup for org", map[string]interface{}{"destination_id": env.dst.ID, "source_org_id": srcOrg}, http.StatusNotFound},
		{"bad exclusion key", map[string]interface{}{
			"destination_id": env.dst.ID, "source_org_id": srcOrg,
			"exclude": map[string][]string{"org/bogus": {"x"}},
		}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, out := env.do(t, http.MethodPost, "/api/restore", tt.body)
			if status != tt.want {
				t.Errorf("status %d, want %d: %s", status, tt.want, out)
			}
		})
	}
}

func TestInventoryDeploy_UnclaimNeedsSource(t *testing.T) {
	env := newTestEnv(t)
	status, _ := env.do(t, http.MethodPost, "/api/inventory/deploy", map[string]interface{}{
		"destination_id": env.dst.ID, "source_org_id": srcOrg, "unclaim": true,
	})
	if status != http.StatusBadRequest {
		t.Errorf("status %d, want 400", status)
	}
}

func TestInventoryBackupAndPrecheck(t *testing.T) {
	env := newTestEnv(t)
	sites := env.cloud.Seed(schema.Sites, srcOrg, models.Record{"name": "HQ"})
	env.cloud.Seed(schema.Sites, destOrg, models.Record{"name": "HQ"})
	env.cloud.AddDevice(platformtest.Device{Serial: "A1", MAC: "5c5b35000001", Magic: "MAGIC1", Type: "ap", Model: "AP45"}, srcOrg, sites[0].ID())

	job := env.wait(t, env.startJob(t, "/api/connections/"+env.src.ID+"/inventory/backup", nil))
	if job.State() != "completed" {
		t.Fatalf("inventory backup %s: %s %v", job.State(), job.Error, job.LogsSince(0))
	}

	job = env.wait(t, env.startJob(t, "/api/inventory/precheck", map[string]interface{}{
		"source_id": env.src.ID, "destination_id": env.dst.ID,
	}))
	if job.State() != "completed" && job.State() != "failed" {
		t.Fatalf("precheck ended %s", job.State())
	}
	if len(env.cloud.Mutations()) != 0 {
		t.Errorf("precheck mutated the cloud: %+v", env.cloud.Mutations())
	}
	if job.Report() == nil {
		t.Fatal("precheck has no report")
	}
}

func TestJobFailure(t *testing.T) {
	env := newTestEnv(t)
	env.cloud.FailOn = func(method, path string, payload interface{}) error {
		if strings.HasSuffix(path, "/orgs/"+srcOrg) {
			return &platform.APIError{Method: method, Path: path, StatusCode: http.StatusUnauthorized, Body: "bad token"}
		}
		return nil
	}
	job := env.wait(t, env.startJob(t, "/api/connections/"+env.src.ID+"/backup", nil))
	if job.State() != "failed" {
		t.Fatalf("state = %s, want failed", job.State())
	}
	logs := strings.Join(job.LogsSince(0), "\n")
	if !strings.Contains(logs, "ERROR:") {
		t.Errorf("no ERROR line in %q", logs)
	}
}

func TestCancelJob(t *testing.T) {
	env := newTestEnv(t)
	started := make(chan struct{})
	job := env.server.startJob("restore", env.dst.ID, func(ctx context.Context, job *models.Job) (*models.Report, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	<-started

	status, _ := env.do(t, http.MethodPost, "/api/jobs/"+job.ID+"/cancel", nil)
	if status != http.StatusOK {
		t.Fatalf("cancel: status %d", status)
	}
	env.wait(t, job.ID)
	if job.State() != "cancelled" {
		t.Errorf("state = %s, want cancelled", job.State())
	}
	if status, _ := env.do(t, http.MethodPost, "/api/jobs/"+job.ID+"/cancel", nil); status != http.StatusConflict {
		t.Errorf("second cancel: status %d, want 409", status)
	}
	if status, _ := env.do(t, http.MethodPost, "/api/jobs/nope/cancel", nil); status != http.StatusNotFound {
		t.Errorf("unknown job: status %d, want 404", status)
	}
}

func TestRunJob_MissingReferencesWarn(t *testing.T) {
	env := newTestEnv(t)
	job := env.server.Jobs.Create("restore", env.dst.ID)
	err := env.server.runJob(context.Background(), job, func(ctx context.Context, job *models.Job) (*models.Report, error) {
		r := models.NewReport("restore", srcOrg, destOrg, false)
		r.SetMissing(map[string][]models.MissingReference{"templates": {{Type: "templates", OldID: "x", Name: "T1"}}})
		return r, nil
	})
	if err != nil {
		t.Fatalf("runJob: %v", err)
	}
	if job.State() != "completed" {
		t.Errorf("state = %s, want completed", job.State())
	}
	if logs := strings.Join(job.LogsSince(0), "\n"); !strings.Contains(logs, "WARNING: 1 reference(s)") {
		t.Errorf("no warning in %q", logs)
	}
}

func TestRunJob_Error(t *testing.T) {
	env := newTestEnv(t)
	job := env.server.Jobs.Create("inventory_deploy", env.dst.ID)
	err := env.server.runJob(context.Background(), job, func(ctx context.Context, job *models.Job) (*models.Report, error) {
		return models.NewReport("inventory_deploy", srcOrg, destOrg, false), errors.New("1 device(s) could not be claimed")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if job.State() != "failed" || job.Report() == nil {
		t.Errorf("state = %s report = %v", job.State(), job.Report())
	}
}

func TestExclusions(t *testing.T) {
	env := newTestEnv(t)
	status, _ := env.do(t, http.MethodPut, "/api/exclusions", map[string][]string{"org/wlans": {"guest"}})
	if status != http.StatusOK {
		t.Fatalf("put: status %d", status)
	}
	status, out := env.do(t, http.MethodGet, "/api/exclusions", nil)
	if status != http.StatusOK {
		t.Fatalf("get: status %d", status)
	}
	var resp struct {
		Exclusions       map[string][]string `json:"exclusions"`
		NonReferenceKeys []string            `json:"non_reference_keys"`
	}
	if err := json.Unmarshal(out, &resp); err != nil {
		t.Fatal(err)
	}
	if got := resp.Exclusions["org/wlans"]; len(got) != 1 || got[0] != "guest" {
		t.Errorf("exclusions = %v", resp.Exclusions)
	}
	if len(resp.NonReferenceKeys) == 0 {
		t.Error("non-reference keys not listed")
	}
	if status, _ := env.do(t, http.MethodPut, "/api/exclusions", map[string][]string{"wlans": {"x"}}); status != http.StatusBadRequest {
		t.Errorf("invalid key: status %d, want 400", status)
	}

	merged := env.server.Exclusions.Merge(map[string][]string{"org/wlans": {"iot"}})
	if len(merged["org/wlans"]) != 2 {
		t.Errorf("merge = %v", merged)
	}
	if len(env.server.Exclusions.Get()["org/wlans"]) != 1 {
		t.Error("merge modified the store")
	}
}

func TestResources(t *testing.T) {
	env := newTestEnv(t)
	env.cloud.Seed(schema.MustLookup(schema.ScopeOrg, "templates"), srcOrg, models.Record{"name": "T1"})

	status, out := env.do(t, http.MethodGet, "/api/connections/"+env.src.ID+"/resources", nil)
	if status != http.StatusOK || !strings.Contains(string(out), `"org/wlans"`) {
		t.Errorf("types: status %d: %s", status, out)
	}

	tests := []struct {
		name string
		path string
		want int
	}{
		{"org collection", "/resources/org/templates", http.StatusOK},
		{"org singleton", "/resources/org/info", http.StatusOK},
		{"site collection without site", "/resources/site/maps", http.StatusBadRequest},
		{"unknown type", "/resources/org/bogus", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, out := env.do(t, http.MethodGet, "/api/connections/"+env.src.ID+tt.path, nil)
			if status != tt.want {
				t.Errorf("status %d, want %d: %s", status, tt.want, out)
			}
		})
	}

	_, out = env.do(t, http.MethodGet, "/api/connections/"+env.src.ID+"/resources/org/templates", nil)
	var recs []models.Record
	if err := json.Unmarshal(out, &recs); err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0].String("name") != "T1" {
		t.Errorf("templates = %v", recs)
	}
}

func TestStreamJobLogs(t *testing.T) {
	env := newTestEnv(t)
	job := env.server.Jobs.Create("backup", env.src.ID)
	job.AppendLog("line 1")
	job.AppendLog("line 2")
	job.Complete()

	url := "ws" + strings.TrimPrefix(env.http.URL, "http") + "/ws/jobs/" + job.ID + "/logs"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	var got []string
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				t.Fatalf("read: %v", err)
			}
			break
		}
		got = append(got, string(msg))
	}
	if len(got) != 2 || got[0] != "line 1" || got[1] != "line 2" {
		t.Errorf("got %v", got)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	metrics.Objects.WithLabelValues("restore", "org/wlans", "created").Inc()
	status, out := env.do(t, http.MethodGet, "/metrics", nil)
	if status != http.StatusOK || !strings.Contains(string(out), "orgmigrator_objects_total") {
		t.Errorf("metrics: status %d", status)
	}
}

func TestScheduledBackup(t *testing.T) {
	env := newTestEnv(t)
	sched := scheduler.New(env.server.ScheduledBackup, nil)
	env.server.Schedules = sched
	if err := sched.Add(scheduler.Entry{Name: "nightly", Connection: "src", Spec: "@daily"}); err != nil {
		t.Fatal(err)
	}
	if err := sched.Add(scheduler.Entry{Name: "orphan", Connection: "gone", Spec: "@daily"}); err != nil {
		t.Fatal(err)
	}
	if err := sched.Add(scheduler.Entry{Name: "devices", Connection: "src", Spec: "@weekly", Inventory: true}); err != nil {
		t.Fatal(err)
	}

	if err := sched.RunNow("nightly"); err != nil {
		t.Fatalf("RunNow: %v", err)
	}
	if err := sched.RunNow("orphan"); err == nil {
		t.Error("expected error for unknown connection")
	}
	jobs := env.server.Jobs.List()
	if len(jobs) != 1 || jobs[0].State() != "completed" || jobs[0].Snapshot == "" {
		t.Fatalf("jobs = %+v", jobs)
	}

	status, out := env.do(t, http.MethodGet, "/api/schedules", nil)
	if status != http.StatusOK || !strings.Contains(string(out), `"nightly"`) {
		t.Errorf("schedules: status %d: %s", status, out)
	}
	if status, _ := env.do(t, http.MethodPost, "/api/schedules/absent/run", nil); status != http.StatusNotFound {
		t.Errorf("unknown schedule: status %d", status)
	}
	id := env.startJob(t, "/api/schedules/devices/run", nil)
	job := env.wait(t, id)
	if job.State() != "completed" {
		t.Errorf("manual run %s: %s", job.State(), job.Error)
	}
	if job.Type != "inventory_backup" {
		t.Errorf("job type = %s, want inventory_backup", job.Type)
	}
}
