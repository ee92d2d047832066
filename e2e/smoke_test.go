//go:build e2e

package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"syscall"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	paho "github.com/eclipse/paho.mqtt.golang"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const repoRootRel = ".."   // relative to ./e2e
const mainPkgRel = "./cmd" // main.go lives in cmd/

const mqttTopic = "healthsense/telemetry"

func TestSmoke_TelemetryFlow(t *testing.T) {
	repoRoot := repoRootPath(t)
	brokerHost, brokerPort := startMosquitto(t)

	bin := buildBinary(t, repoRoot)
	addr := pickFreeAddr(t)
	dataDir := t.TempDir()

	cmd := exec.Command(bin)
	cmd.Dir = dataDir
	cmd.Env = append(os.Environ(),
		"APP_ENV=dev",
		"LOG_LEVEL=info",
		"HTTP_ADDR="+addr,
		"STATIC_DIR="+filepath.Join(repoRoot, "static"),
		"JOURNAL_PATH="+filepath.Join(dataDir, "telemetry_log.jsonl"),

		"ARCHIVE_ENABLED=true",
		"SQLITE_DRIVER=sqlite3",
		"SQLITE_PATH="+filepath.Join(dataDir, "healthsense.db"),

		"MQTT_ENABLED=true",
		"MQTT_BROKER="+brokerHost,
		"MQTT_PORT="+strconv.Itoa(brokerPort),
		"MQTT_TOPIC="+mqttTopic,
	)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}
	t.Cleanup(func() {
		_ = cmd.Process.Kill()
		_, _ = cmd.Process.Wait()
	})

	client := &http.Client{Timeout: 2 * time.Second}
	base := "http://" + addr

	waitForOK(t, client, base+"/healthz", 10*time.Second)

	// Nothing stored yet.
	expectStatus(t, client, http.MethodGet, base+"/api/telemetry/latest", "", "", http.StatusServiceUnavailable)
	var status map[string]any
	getJSON(t, client, base+"/api/status", &status)
	if status["has_data"] != false || status["latest_timestamp"] != nil {
		t.Fatalf("initial status=%v", status)
	}

	// Primary ingest.
	expectStatus(t, client, http.MethodPost, base+"/api/telemetry", "application/json",
		`{"aqi":82,"spo2":97,"heart_rate":72,"body_temp_c":36.6,"timestamp":"2025-11-19T10:21:00Z"}`, http.StatusOK)
	expectStatus(t, client, http.MethodPost, base+"/api/telemetry", "application/json", `{}`, http.StatusBadRequest)

	var latest map[string]any
	getJSON(t, client, base+"/api/telemetry", &latest)
	if latest["aqi"] != 82.0 || latest["timestamp"] != "2025-11-19T10:21:00Z" {
		t.Fatalf("latest=%v", latest)
	}

	// Compatibility ingest merges.
	expectStatus(t, client, http.MethodPost, base+"/data", "application/x-www-form-urlencoded", "aqi=90", http.StatusOK)
	getJSON(t, client, base+"/api/telemetry/latest", &latest)
	if latest["aqi"] != 90.0 || latest["spo2"] != 97.0 {
		t.Fatalf("merged latest=%v", latest)
	}

	// MQTT ingest.
	publish(t, brokerHost, brokerPort, `{"heart_rate":101}`)
	deadline := time.Now().Add(10 * time.Second)
	for {
		getJSON(t, client, base+"/api/telemetry/latest", &latest)
		if latest["heart_rate"] == 101.0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("mqtt reading never arrived, latest=%v", latest)
		}
		time.Sleep(200 * time.Millisecond)
	}

	var history struct {
		Count   int              `json:"count"`
		Entries []map[string]any `json:"entries"`
	}
	getJSON(t, client, base+"/api/history?limit=10", &history)
	if history.Count != 3 || history.Entries[0]["heart_rate"] != 101.0 {
		t.Fatalf("history=%+v", history)
	}

	expectStatus(t, client, http.MethodGet, base+"/", "", "", http.StatusOK)

	stopServer(t, cmd)
}

func startMosquitto(t *testing.T) (string, int) {
	t.Helper()

	ctx := context.Background()
	port := nat.Port("1883/tcp")

	req := tc.ContainerRequest{
		Image:        "eclipse-mosquitto:2",
		ExposedPorts: []string{string(port)},
		Cmd:          []string{"mosquitto", "-c", "/mosquitto-no-auth.conf"},
		WaitingFor:   wait.ForListeningPort(port).WithStartupTimeout(30 * time.Second),
	}

	c, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("start mosquitto container: %v", err)
	}
	t.Cleanup(func() {
		_ = c.Terminate(ctx)
	})

	host, err := c.Host(ctx)
	if err != nil {
		t.Fatalf("mosquitto host: %v", err)
	}
	mapped, err := c.MappedPort(ctx, port)
	if err != nil {
		t.Fatalf("mosquitto port: %v", err)
	}
	return host, mapped.Int()
}

func publish(t *testing.T, host string, port int, payload string) {
	t.Helper()

	opts := paho.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", host, port)).
		SetClientID("healthsense-e2e")
	client := paho.NewClient(opts)
	if token := client.Connect(); !token.WaitTimeout(5*time.Second) || token.Error() != nil {
		t.Fatalf("mqtt connect: %v", token.Error())
	}
	defer client.Disconnect(250)

	token := client.Publish(mqttTopic, 1, false, payload)
	if !token.WaitTimeout(5*time.Second) || token.Error() != nil {
		t.Fatalf("mqtt publish: %v", token.Error())
	}
}

func getJSON(t *testing.T, client *http.Client, url string, out any) {
	t.Helper()

	resp, err := client.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET %s status=%d want=%d", url, resp.StatusCode, http.StatusOK)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode json: %v", err)
	}
}

func expectStatus(t *testing.T, client *http.Client, method, url, contentType, body string, want int) {
	t.Helper()

	req, err := http.NewRequest(method, url, bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	_ = resp.Body.Close()

	if resp.StatusCode != want {
		t.Fatalf("%s %s status=%d want=%d", method, url, resp.StatusCode, want)
	}
}

func repoRootPath(t *testing.T) string {
	t.Helper()

	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}

	repo := filepath.Clean(filepath.Join(wd, repoRootRel))
	if _, err := os.Stat(filepath.Join(repo, "go.mod")); err != nil {
		t.Fatalf("repo root %q does not contain go.mod: %v", repo, err)
	}

	return repo
}

func buildBinary(t *testing.T, repoRoot string) string {
	t.Helper()

	tmp := t.TempDir()
	out := filepath.Join(tmp, "healthsense-server")

	build := exec.Command("go", "build", "-o", out, mainPkgRel)
	build.Dir = repoRoot
	build.Env = os.Environ()

	b, err := build.CombinedOutput()
	if err != nil {
		t.Fatalf("go build failed: %v\n%s", err, string(b))
	}

	return out
}

func pickFreeAddr(t *testing.T) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen :0: %v", err)
	}
	defer ln.Close()

	return ln.Addr().String()
}

func waitForOK(t *testing.T, client *http.Client, url string, timeout time.Duration) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		resp, err := client.Get(url)
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("server not healthy after %s: %s", timeout, url)
}

func stopServer(t *testing.T, cmd *exec.Cmd) {
	t.Helper()

	_ = cmd.Process.Signal(syscall.SIGTERM)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		t.Fatalf("server did not exit in time")
	case err := <-done:
		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				t.Fatalf("server exited non-zero: %v", err)
			}
			t.Fatalf("server wait error: %v", err)
		}
	}
}
