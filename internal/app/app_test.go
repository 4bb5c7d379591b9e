package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"signalblast/internal/config"
)

func noEnv(string) (string, bool) { return "", false }

func testOptions(t *testing.T, service string) Options {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := "bot:\n  phone_number: \"+15550000000\"\n  data_dir: " + filepath.Join(dir, "data") + "\n" +
		"storage:\n  driver: memory\n" +
		"logging:\n  level: error\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return Options{
		ConfigPath: path,
		Lookup:     noEnv,
		Override: func(c *config.Config) {
			c.Transport.Signal.Service = service
		},
	}
}

func TestNewBuildsComponents(t *testing.T) {
	a, err := New(testOptions(t, "127.0.0.1:1"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if a.subs.Len() != 0 || a.banned.Len() != 0 {
		t.Fatalf("expected empty registries")
	}
	if a.admin.Configured() {
		t.Fatalf("admin should not be configured without a password")
	}
	if a.store == nil {
		t.Fatalf("memory storage should be enabled")
	}
	if err := a.Stop(context.Background(), StopAppStop); err != nil {
		t.Fatalf("Stop before Start: %v", err)
	}
}

func TestNewRejectsMissingPhone(t *testing.T) {
	opts := testOptions(t, "127.0.0.1:1")
	opts.Override = func(c *config.Config) { c.Bot.PhoneNumber = "" }
	if _, err := New(opts); err == nil || !strings.Contains(err.Error(), "phone_number") {
		t.Fatalf("expected phone number error, got %v", err)
	}
}

func TestStartStop(t *testing.T) {
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer api.Close()

	a, err := New(testOptions(t, strings.TrimPrefix(api.URL, "http://")))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !a.sched.Has(jobHistoryPrune) || !a.sched.Has(jobLogRotate) {
		t.Fatalf("periodic jobs not registered")
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := a.Stop(stopCtx, StopAppStop); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	select {
	case <-a.Done():
	default:
		t.Fatalf("Done not closed after Stop")
	}
	select {
	case <-a.dispDone:
	default:
		t.Fatalf("dispatcher did not drain")
	}
}

func TestApplyConfigReschedulesJobs(t *testing.T) {
	a, err := New(testOptions(t, "127.0.0.1:1"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	prev := a.cfgm.Get()
	a.registerJobs(prev)
	if !a.sched.Has(jobHistoryPrune) {
		t.Fatalf("prune job missing")
	}

	next := *prev
	next.History.PruneSchedule = "off"
	next.Bot.WelcomeMessage = "hello there"
	a.applyConfig(context.Background(), prev, &next)

	if a.sched.Has(jobHistoryPrune) {
		t.Fatalf("prune job should be removed by the off schedule")
	}
	if !a.sched.Has(jobLogRotate) {
		t.Fatalf("rotate job should stay registered")
	}
}

func TestMapStorageConfig(t *testing.T) {
	cfg := config.Defaults()
	cfg.Bot.DataDir = "/srv/bot"

	sc, enabled, err := mapStorageConfig(cfg)
	if err != nil || !enabled {
		t.Fatalf("sqlite: enabled=%v err=%v", enabled, err)
	}
	if sc.Driver != "sqlite" || sc.Path != filepath.Join("/srv/bot", "signalblast.db") || sc.BusyTimeout != time.Second {
		t.Fatalf("unexpected sqlite mapping: %+v", sc)
	}

	cfg.Storage.Driver = "none"
	if _, enabled, err := mapStorageConfig(cfg); err != nil || enabled {
		t.Fatalf("none: enabled=%v err=%v", enabled, err)
	}

	cfg.Storage.Driver = "badger"
	cfg.Storage.BusyTimeout = "soon"
	if _, _, err := mapStorageConfig(cfg); err == nil {
		t.Fatalf("expected busy_timeout error")
	}
}

func TestMapBroadcastAndDispatch(t *testing.T) {
	cfg := config.Defaults()
	cfg.Broadcast.ImplicitText = true
	cfg.Bot.WelcomeMessage = "hi"

	bc, err := mapBroadcastConfig(cfg)
	if err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	if bc.Stagger != 500*time.Millisecond || bc.SendTimeout != time.Minute || bc.Retention != 24*time.Hour {
		t.Fatalf("unexpected broadcast mapping: %+v", bc)
	}

	st, err := mapDispatchSettings(cfg)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if !st.ImplicitText || st.WelcomeMessage != "hi" || st.HandlerTimeout != 10*time.Minute || st.Workers != 4 {
		t.Fatalf("unexpected dispatch mapping: %+v", st)
	}
}
