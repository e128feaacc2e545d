package engine_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/voxlight/indicatord/internal/auth"
	"github.com/voxlight/indicatord/internal/config"
	"github.com/voxlight/indicatord/internal/dispatch"
	"github.com/voxlight/indicatord/internal/engine"
	"github.com/voxlight/indicatord/internal/indicator"
	"github.com/voxlight/indicatord/internal/protocol"
	"github.com/voxlight/indicatord/internal/respond"
	"github.com/voxlight/indicatord/internal/store"
)

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) Lines(t *testing.T) []protocol.Response {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []protocol.Response
	for _, line := range strings.Split(strings.TrimSpace(b.buf.String()), "\n") {
		if line == "" {
			continue
		}
		var env protocol.Response
		if err := json.Unmarshal([]byte(line), &env); err != nil {
			t.Fatalf("malformed response line %q: %v", line, err)
		}
		out = append(out, env)
	}
	return out
}

type okRenderer struct{}

func (okRenderer) Show(indicator.Config) error { return nil }
func (okRenderer) Hide() error                 { return nil }

func (okRenderer) UpdateConfig(indicator.Config) error { return nil }

func (okRenderer) UpdatePosition(*dispatch.Rect, indicator.Config) error { return nil }

type okDetector struct{}

func (okDetector) StartDetection() error { return nil }
func (okDetector) StopDetection()        {}

func (okDetector) Positions() <-chan *dispatch.Rect { return nil }

type memStore struct {
	mu  sync.Mutex
	cfg *indicator.Config
}

func (m *memStore) Load() (indicator.Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cfg == nil {
		return indicator.Default(), nil
	}
	return *m.cfg, nil
}

func (m *memStore) Save(cfg indicator.Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg = &cfg
	return nil
}

type memAuditor struct {
	mu      sync.Mutex
	entries []store.AuditEntry
}

func (m *memAuditor) RecordCommand(_ context.Context, e store.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

func (m *memAuditor) PurgeAudit(context.Context, time.Time) error { return nil }

func (m *memAuditor) all() []store.AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]store.AuditEntry(nil), m.entries...)
}

type harness struct {
	eng  *engine.Engine
	disp *dispatch.Dispatcher
	out  *lockedBuffer
}

func newHarness(t *testing.T, cfg config.Config, opts engine.Options, wire bool) *harness {
	t.Helper()
	buf := &lockedBuffer{}
	ch := respond.New(buf, 1, time.Millisecond)
	var eng *engine.Engine
	disp := dispatch.New(func(env protocol.Response) { eng.EmitAsync(env) }, cfg.QueueCap)
	eng = engine.New(cfg, ch, disp, opts)
	if wire {
		if err := disp.Wire(okRenderer{}, okDetector{}, &memStore{}); err != nil {
			t.Fatalf("wire: %v", err)
		}
	}
	return &harness{eng: eng, disp: disp, out: buf}
}

func run(t *testing.T, h *harness, input string) error {
	t.Helper()
	return h.eng.Run(context.Background(), strings.NewReader(input))
}

func TestShowHideRoundTrip(t *testing.T) {
	h := newHarness(t, config.DefaultConfig(), engine.Options{}, true)
	input := `{"id":"t1","v":1,"command":"show"}` + "\n" +
		`{"id":"t2","v":1,"command":"hide"}` + "\n"
	if err := run(t, h, input); err != nil {
		t.Fatalf("run: %v", err)
	}
	lines := h.out.Lines(t)
	if len(lines) != 2 {
		t.Fatalf("expected 2 responses, got %+v", lines)
	}
	if lines[0].ID != "t1" || lines[0].Status != protocol.StatusOK || lines[0].Message != "Indicator shown" {
		t.Fatalf("unexpected show response: %+v", lines[0])
	}
	if lines[1].ID != "t2" || lines[1].Message != "Indicator hidden" {
		t.Fatalf("unexpected hide response: %+v", lines[1])
	}
}

func TestOversizedLineRejectedAndStreamContinues(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.MaxLineBytes = 64
	h := newHarness(t, cfg, engine.Options{}, true)
	big := strings.Repeat("x", 500)
	input := big + "\n" + `{"id":"t2","v":1,"command":"health"}` + "\n"
	if err := run(t, h, input); err != nil {
		t.Fatalf("run: %v", err)
	}
	lines := h.out.Lines(t)
	if len(lines) != 2 {
		t.Fatalf("expected 2 responses, got %+v", lines)
	}
	if lines[0].ID != protocol.SentinelID || lines[0].Code != protocol.CodeInvalidCommand {
		t.Fatalf("expected sentinel rejection first, got %+v", lines[0])
	}
	if lines[1].ID != "t2" || lines[1].Status != protocol.StatusAlive {
		t.Fatalf("expected health answered after oversize, got %+v", lines[1])
	}
}

func TestMalformedJSONKeepsExtractableID(t *testing.T) {
	h := newHarness(t, config.DefaultConfig(), engine.Options{}, true)
	if err := run(t, h, `{"id":"t9","v":1,"command":`+"\n"); err != nil {
		t.Fatalf("run: %v", err)
	}
	lines := h.out.Lines(t)
	if len(lines) != 1 || lines[0].ID != "t9" || lines[0].Code != protocol.CodeInvalidCommand {
		t.Fatalf("expected INVALID_COMMAND correlated to t9, got %+v", lines)
	}
}

func TestUnsupportedVersionIsRecoverable(t *testing.T) {
	h := newHarness(t, config.DefaultConfig(), engine.Options{}, true)
	input := `{"id":"t2","v":999,"command":"show"}` + "\n" +
		`{"id":"t3","v":1,"command":"health"}` + "\n"
	if err := run(t, h, input); err != nil {
		t.Fatalf("run: %v", err)
	}
	lines := h.out.Lines(t)
	if len(lines) != 2 {
		t.Fatalf("expected 2 responses, got %+v", lines)
	}
	if lines[0].Code != protocol.CodeUnsupportedVersion {
		t.Fatalf("expected UNSUPPORTED_VERSION, got %+v", lines[0])
	}
	if lines[1].Status != protocol.StatusAlive {
		t.Fatalf("expected engine to continue after version mismatch, got %+v", lines[1])
	}
}

func TestRateLimitDenialSurfacesAsPermissionDenied(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RateLimit = 2
	h := newHarness(t, cfg, engine.Options{}, true)
	var input strings.Builder
	for _, id := range []string{"a", "b", "c"} {
		input.WriteString(`{"id":"` + id + `","v":1,"command":"health"}` + "\n")
	}
	if err := run(t, h, input.String()); err != nil {
		t.Fatalf("run: %v", err)
	}
	lines := h.out.Lines(t)
	if len(lines) != 3 {
		t.Fatalf("expected 3 responses, got %+v", lines)
	}
	if lines[2].Code != protocol.CodePermissionDenied {
		t.Fatalf("expected third command throttled, got %+v", lines[2])
	}
}

func TestLegacyTextCommands(t *testing.T) {
	h := newHarness(t, config.DefaultConfig(), engine.Options{}, true)
	input := "show circle 80\nhide\nhealth\n"
	if err := run(t, h, input); err != nil {
		t.Fatalf("run: %v", err)
	}
	lines := h.out.Lines(t)
	if len(lines) != 3 {
		t.Fatalf("expected 3 responses, got %+v", lines)
	}
	if lines[0].Message != "Indicator shown" || lines[1].Message != "Indicator hidden" || lines[2].Status != protocol.StatusAlive {
		t.Fatalf("unexpected legacy responses: %+v", lines)
	}
	cfg := h.disp.Current()
	if *cfg.Shape != indicator.ShapeCircle || *cfg.Size != 80 {
		t.Fatalf("legacy show should set shape and size, got %+v", cfg)
	}
}

func TestSignedModeRejectsUnsignedAndAcceptsSigned(t *testing.T) {
	secret := []byte(strings.Repeat("s", 32))
	signer, err := auth.New(secret, auth.DefaultWindow)
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	verifier, err := auth.New(secret, auth.DefaultWindow)
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}

	signed, err := signer.Sign(map[string]any{"id": "s1", "v": 1.0, "command": "health"}, time.Now().UTC())
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	signedLine, err := json.Marshal(signed)
	if err != nil {
		t.Fatalf("marshal signed: %v", err)
	}

	h := newHarness(t, config.DefaultConfig(), engine.Options{Verifier: verifier}, true)
	input := `{"id":"u1","v":1,"command":"health"}` + "\n" + string(signedLine) + "\n"
	if err := run(t, h, input); err != nil {
		t.Fatalf("run: %v", err)
	}
	lines := h.out.Lines(t)
	if len(lines) != 2 {
		t.Fatalf("expected 2 responses, got %+v", lines)
	}
	if lines[0].ID != "u1" || lines[0].Code != protocol.CodePermissionDenied {
		t.Fatalf("expected unsigned command denied, got %+v", lines[0])
	}
	if lines[1].ID != "s1" || lines[1].Status != protocol.StatusAlive {
		t.Fatalf("expected signed command accepted, got %+v", lines[1])
	}
}

func TestSignedModeRejectsLegacyText(t *testing.T) {
	verifier, err := auth.New([]byte(strings.Repeat("k", 32)), auth.DefaultWindow)
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	h := newHarness(t, config.DefaultConfig(), engine.Options{Verifier: verifier}, true)
	if err := run(t, h, "health\n"); err != nil {
		t.Fatalf("run: %v", err)
	}
	lines := h.out.Lines(t)
	if len(lines) != 1 || lines[0].Code != protocol.CodeInvalidCommand {
		t.Fatalf("expected legacy text rejected in signed mode, got %+v", lines)
	}
}

func TestQueueOverflowTerminates(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.QueueCap = 1
	h := newHarness(t, cfg, engine.Options{}, false)
	input := `{"id":"q1","v":1,"command":"show"}` + "\n" +
		`{"id":"q2","v":1,"command":"show"}` + "\n" +
		`{"id":"q3","v":1,"command":"show"}` + "\n"
	err := run(t, h, input)
	if !errors.Is(err, dispatch.ErrQueueOverflow) {
		t.Fatalf("expected queue overflow to terminate, got %v", err)
	}
	lines := h.out.Lines(t)
	if len(lines) != 1 {
		t.Fatalf("expected one overflow envelope, got %+v", lines)
	}
	if lines[0].ID != "q2" || lines[0].Code != protocol.CodeInternalError {
		t.Fatalf("expected overflow reported for q2, got %+v", lines[0])
	}
}

func TestAuditRecordsRedactedEntries(t *testing.T) {
	auditor := &memAuditor{}
	h := newHarness(t, config.DefaultConfig(), engine.Options{Auditor: auditor}, true)
	input := `{"id":"a1","v":1,"command":"show"}` + "\n" +
		`{"id":"a2","v":1,"command":"show","token":"supersecret"}` + "\n"
	if err := run(t, h, input); err != nil {
		t.Fatalf("run: %v", err)
	}
	entries := auditor.all()
	if len(entries) != 2 {
		t.Fatalf("expected 2 audit entries, got %+v", entries)
	}
	if entries[0].CorrelationID != "a1" || entries[0].Kind != "show" || entries[0].Status != "ok" {
		t.Fatalf("unexpected first audit entry: %+v", entries[0])
	}
	for _, e := range entries {
		if strings.Contains(e.Payload, "supersecret") {
			t.Fatalf("secret leaked into audit payload: %+v", e)
		}
	}
}

func TestEOFShutsDownCleanly(t *testing.T) {
	h := newHarness(t, config.DefaultConfig(), engine.Options{}, true)
	if err := run(t, h, `{"id":"t1","v":1,"command":"show"}`+"\n"); err != nil {
		t.Fatalf("run: %v", err)
	}
	if h.disp.Visible() {
		t.Fatalf("expected dispatcher hidden after shutdown")
	}
}
