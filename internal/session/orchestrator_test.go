package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/ambisync/ambisync/internal/ledframe"
	"github.com/ambisync/ambisync/internal/mediaclient"
)

type fakeEngine struct {
	startCalls  int
	pauseCalls  int
	resumeCalls int
	syncCalls   int
	stopCalls   int
	lastStart   float64
	lastSync    float64
}

func (f *fakeEngine) Start(t0 float64, _ *time.Time)  { f.startCalls++; f.lastStart = t0 }
func (f *fakeEngine) Pause()                          { f.pauseCalls++ }
func (f *fakeEngine) Resume()                         { f.resumeCalls++ }
func (f *fakeEngine) SyncTo(t float64, _ *time.Time)  { f.syncCalls++; f.lastSync = t }
func (f *fakeEngine) Stop()                           { f.stopCalls++ }

type noopCloser struct{}

func (noopCloser) Close() error { return nil }

func writeBinary(t *testing.T, dir, itemID string) {
	t.Helper()
	path := filepath.Join(dir, itemID+".bin")
	w, err := ledframe.OpenWriter(path, 20, 1, ledframe.FormatRGB, 0, true)
	if err != nil {
		t.Fatalf("OpenWriter: %v", err)
	}
	if err := w.WriteFrame(0, []byte{1, 2, 3}); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func newTestServer(t *testing.T, sessions *[]mediaclient.Session) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(*sessions)
	}))
}

func TestReconcileCreatesEngineOnNewPlayingSession(t *testing.T) {
	dir := t.TempDir()
	writeBinary(t, dir, "item1")

	sessions := []mediaclient.Session{
		{ID: "s1", DeviceName: "living-room", NowPlayingItem: mediaclient.NowPlayingItem{ID: "item1", Type: "Movie"}, PlayState: mediaclient.PlayState{PositionTicks: 50_000_000}},
	}
	srv := newTestServer(t, &sessions)
	defer srv.Close()

	engines := map[string]*fakeEngine{}
	factory := func(itemID string, ep Endpoint) (EngineHandle, Closer, error) {
		fe := &fakeEngine{}
		engines[itemID] = fe
		return fe, noopCloser{}, nil
	}

	cfg := Config{BinariesDir: dir, Targets: TargetMap{"livingroom": Endpoint{Host: "10.0.0.5", Port: 19446}}}
	o := New(mediaclient.New(srv.URL, "tok"), factory, cfg)

	if err := o.Poll(context.Background()); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	fe, ok := engines["item1"]
	if !ok {
		t.Fatal("expected engine to be created for item1")
	}
	if fe.startCalls != 1 {
		t.Fatalf("startCalls = %d, want 1", fe.startCalls)
	}
	if fe.lastStart != 5.0 {
		t.Fatalf("lastStart = %v, want 5.0", fe.lastStart)
	}
}

func TestReconcilePauseResumeTransitions(t *testing.T) {
	dir := t.TempDir()
	writeBinary(t, dir, "item1")

	sessions := []mediaclient.Session{
		{ID: "s1", DeviceName: "living-room", NowPlayingItem: mediaclient.NowPlayingItem{ID: "item1", Type: "Movie"}},
	}
	srv := newTestServer(t, &sessions)
	defer srv.Close()

	var fe *fakeEngine
	factory := func(itemID string, ep Endpoint) (EngineHandle, Closer, error) {
		fe = &fakeEngine{}
		return fe, noopCloser{}, nil
	}
	cfg := Config{BinariesDir: dir, Targets: TargetMap{"livingroom": Endpoint{Host: "10.0.0.5", Port: 1}}}
	o := New(mediaclient.New(srv.URL, "tok"), factory, cfg)

	mustPoll(t, o)
	sessions[0].PlayState.IsPaused = true
	mustPoll(t, o)
	if fe.pauseCalls != 1 {
		t.Fatalf("pauseCalls = %d, want 1", fe.pauseCalls)
	}
	sessions[0].PlayState.IsPaused = false
	mustPoll(t, o)
	if fe.resumeCalls != 1 {
		t.Fatalf("resumeCalls = %d, want 1", fe.resumeCalls)
	}
}

func TestReconcileSeekDebounced(t *testing.T) {
	dir := t.TempDir()
	writeBinary(t, dir, "item1")

	sessions := []mediaclient.Session{
		{ID: "s1", DeviceName: "living-room", NowPlayingItem: mediaclient.NowPlayingItem{ID: "item1", Type: "Movie"}},
	}
	srv := newTestServer(t, &sessions)
	defer srv.Close()

	var fe *fakeEngine
	factory := func(itemID string, ep Endpoint) (EngineHandle, Closer, error) {
		fe = &fakeEngine{}
		return fe, noopCloser{}, nil
	}
	cfg := Config{BinariesDir: dir, Targets: TargetMap{"livingroom": Endpoint{Host: "10.0.0.5", Port: 1}}, SeekThreshold: time.Second, SeekDebounce: time.Hour}
	o := New(mediaclient.New(srv.URL, "tok"), factory, cfg)

	mustPoll(t, o)
	sessions[0].PlayState.PositionTicks = 100_000_000 // +10s jump
	mustPoll(t, o)
	if fe.syncCalls != 1 {
		t.Fatalf("syncCalls after first jump = %d, want 1", fe.syncCalls)
	}
	sessions[0].PlayState.PositionTicks = 200_000_000 // another big jump within debounce window
	mustPoll(t, o)
	if fe.syncCalls != 1 {
		t.Fatalf("syncCalls after debounced jump = %d, want still 1", fe.syncCalls)
	}
}

func TestReconcileStopsEngineWhenSessionDisappears(t *testing.T) {
	dir := t.TempDir()
	writeBinary(t, dir, "item1")

	sessions := []mediaclient.Session{
		{ID: "s1", DeviceName: "living-room", NowPlayingItem: mediaclient.NowPlayingItem{ID: "item1", Type: "Movie"}},
	}
	srv := newTestServer(t, &sessions)
	defer srv.Close()

	var fe *fakeEngine
	factory := func(itemID string, ep Endpoint) (EngineHandle, Closer, error) {
		fe = &fakeEngine{}
		return fe, noopCloser{}, nil
	}
	cfg := Config{BinariesDir: dir, Targets: TargetMap{"livingroom": Endpoint{Host: "10.0.0.5", Port: 1}}}
	o := New(mediaclient.New(srv.URL, "tok"), factory, cfg)

	mustPoll(t, o)
	sessions = sessions[:0]
	mustPoll(t, o)
	if fe.stopCalls != 1 {
		t.Fatalf("stopCalls = %d, want 1", fe.stopCalls)
	}
	if _, ok := o.sessions["s1"]; ok {
		t.Fatal("expected session to be forgotten")
	}
}

func TestReconcileNoMappingLogsAndSkips(t *testing.T) {
	dir := t.TempDir()
	writeBinary(t, dir, "item1")

	sessions := []mediaclient.Session{
		{ID: "s1", DeviceName: "Kitchen", NowPlayingItem: mediaclient.NowPlayingItem{ID: "item1", Type: "Movie"}},
	}
	srv := newTestServer(t, &sessions)
	defer srv.Close()

	called := false
	factory := func(itemID string, ep Endpoint) (EngineHandle, Closer, error) {
		called = true
		return &fakeEngine{}, noopCloser{}, nil
	}
	cfg := Config{BinariesDir: dir, Targets: TargetMap{"livingroom": Endpoint{Host: "10.0.0.5", Port: 1}}}
	o := New(mediaclient.New(srv.URL, "tok"), factory, cfg)

	mustPoll(t, o)
	if called {
		t.Fatal("engine should not be created for an unmapped device")
	}
}

func mustPoll(t *testing.T, o *Orchestrator) {
	t.Helper()
	if err := o.Poll(context.Background()); err != nil {
		t.Fatalf("Poll: %v", err)
	}
}

func TestNormalizeDeviceStripsNonAlphanumerics(t *testing.T) {
	if got := normalizeDevice("Living Room TV"); got != "livingroomtv" {
		t.Fatalf("normalizeDevice = %q", got)
	}
}

func TestTargetMapResolveContainment(t *testing.T) {
	m := TargetMap{"livingroom": Endpoint{Host: "10.0.0.5", Port: 19446}}
	ep, ok := m.Resolve("Living Room TV")
	if !ok || ep.Host != "10.0.0.5" {
		t.Fatalf("Resolve = %+v, %v", ep, ok)
	}
	if _, ok := m.Resolve("Kitchen"); ok {
		t.Fatal("expected no match for Kitchen")
	}
}
