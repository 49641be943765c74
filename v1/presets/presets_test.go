package presets

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/mirkobrombin/go-taskwarp/v1/broadcast"
	"github.com/mirkobrombin/go-taskwarp/v1/config"
	"github.com/mirkobrombin/go-taskwarp/v1/session"
	"github.com/mirkobrombin/go-taskwarp/v1/task"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.BcryptCost = 4
	return cfg
}

func build(t *testing.T, cfg config.Config) *App {
	t.Helper()
	app, err := Build(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	t.Cleanup(app.Close)
	return app
}

func post(t *testing.T, url, token string, body any) *http.Response {
	t.Helper()
	b, _ := json.Marshal(body)
	req, _ := http.NewRequest("POST", url, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	return resp
}

func exercise(t *testing.T, app *App) {
	t.Helper()
	srv := httptest.NewServer(app.Handler)
	defer srv.Close()

	resp := post(t, srv.URL+"/api/auth/register", "", map[string]string{"email": "a@example.com", "name": "Alice", "password": "secret1"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register: %d", resp.StatusCode)
	}
	resp = post(t, srv.URL+"/api/auth/login", "", map[string]string{"email": "a@example.com", "password": "secret1"})
	var login struct {
		Token string `json:"token"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&login)
	resp.Body.Close()
	if login.Token == "" {
		t.Fatalf("login returned no token (status %d)", resp.StatusCode)
	}

	resp = post(t, srv.URL+"/api/tasks", login.Token, map[string]string{"title": "R123"})
	var created task.Task
	_ = json.NewDecoder(resp.Body).Decode(&created)
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated || created.ID == "" {
		t.Fatalf("create: %d", resp.StatusCode)
	}

	res := app.Tasks.Lock(context.Background(), created.ID, session.Identity{UserID: "u2", Name: "Bob"})
	if !res.Success {
		t.Fatalf("lock: %+v", res)
	}
	got, err := app.Tasks.Get(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.Lock.IsLocked || got.Lock.Holder() != "u2" {
		t.Fatalf("unexpected lock state %+v", got.Lock)
	}
}

func TestBuildInMemory(t *testing.T) {
	exercise(t, build(t, testConfig()))
}

func TestBuildWithJWT(t *testing.T) {
	cfg := testConfig()
	cfg.JWTSecret = "test-secret"
	exercise(t, build(t, cfg))
}

func runRedis(t *testing.T) *miniredis.Miniredis {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	t.Cleanup(mr.Close)
	return mr
}

func TestBuildRedis(t *testing.T) {
	mr := runRedis(t)
	cfg := testConfig()
	cfg.Store = config.StoreRedis
	cfg.RedisAddr = mr.Addr()
	exercise(t, build(t, cfg))
}

func TestBuildRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Store = "sqlite"
	if _, err := Build(context.Background(), cfg, nil); err == nil {
		t.Fatal("expected error")
	}
}

func TestBuildUnreachableRedis(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	addr := mr.Addr()
	mr.Close()
	cfg := testConfig()
	cfg.Store = config.StoreRedis
	cfg.RedisAddr = addr
	if _, err := Build(context.Background(), cfg, nil); err == nil {
		t.Fatal("expected connection error")
	}
}

func TestRedisBackplaneSharesEvents(t *testing.T) {
	mr := runRedis(t)
	cfg := testConfig()
	cfg.Store = config.StoreRedis
	cfg.RedisAddr = mr.Addr()
	cfg.Backplane = config.BackplaneRedis
	a := build(t, cfg)
	b := build(t, cfg)

	c, err := b.Hub.Register(session.Identity{UserID: "u2", Name: "Bob"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := a.Tasks.Create(context.Background(), task.NewTask{Title: "shared"}, "u1"); err != nil {
		t.Fatalf("create: %v", err)
	}
	select {
	case frame := <-c.Send():
		var ev broadcast.Event
		if err := json.Unmarshal(frame, &ev); err != nil || ev.Kind != broadcast.TaskCreated {
			t.Fatalf("unexpected frame %s", frame)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event did not cross instances")
	}
}

func TestRedisInstancesShareAccounts(t *testing.T) {
	mr := runRedis(t)
	cfg := testConfig()
	cfg.Store = config.StoreRedis
	cfg.RedisAddr = mr.Addr()
	a := httptest.NewServer(build(t, cfg).Handler)
	defer a.Close()
	b := httptest.NewServer(build(t, cfg).Handler)
	defer b.Close()

	resp := post(t, a.URL+"/api/auth/register", "", map[string]string{"email": "a@example.com", "name": "Alice", "password": "secret1"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register on first instance: %d", resp.StatusCode)
	}
	resp = post(t, b.URL+"/api/auth/login", "", map[string]string{"email": "a@example.com", "password": "secret1"})
	var login struct {
		Token string `json:"token"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&login)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || login.Token == "" {
		t.Fatalf("login on second instance: %d", resp.StatusCode)
	}
	resp = post(t, a.URL+"/api/auth/register", "", map[string]string{"email": "A@example.com", "name": "Again", "password": "secret1"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate register across instances: %d", resp.StatusCode)
	}
}
