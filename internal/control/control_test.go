package control_test

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/cadenza/internal/control"
	"github.com/MrWong99/cadenza/internal/corpusfile"
	"github.com/MrWong99/cadenza/internal/decisionlog"
	"github.com/MrWong99/cadenza/internal/engine"
	"github.com/MrWong99/cadenza/internal/observe"
	"github.com/MrWong99/cadenza/internal/output"
	"github.com/MrWong99/cadenza/pkg/corpus"
)

// ── Helpers ──────────────────────────────────────────────────────────────

func scale(t *testing.T, name string, pitches ...int) *corpus.Corpus {
	t.Helper()
	evs := make([]corpus.Event, len(pitches))
	for i, p := range pitches {
		evs[i] = corpus.Event{
			Onset:    float64(i),
			Duration: 1,
			Tempo:    60,
			Pitch:    p,
			Notes:    []corpus.Note{{Pitch: p, Velocity: 100, Duration: 1}},
		}
	}
	c, err := corpus.New(name, corpus.KindMIDI, evs)
	if err != nil {
		t.Fatalf("corpus.New: %v", err)
	}
	return c
}

func newServer(t *testing.T, opts ...control.Option) (*control.Server, *engine.Engine) {
	t.Helper()
	eng := engine.New(output.Fanout{},
		engine.WithTempo(60),
		engine.WithTriggerPretime(0),
		engine.WithSeed(1),
	)
	eng.AddCorpus(scale(t, "scale", 60, 62, 64, 65))
	return control.New(eng, opts...), eng
}

func args(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal args: %v", err)
	}
	return b
}

// mustOK runs req and fails the test unless it succeeds. The result is
// returned re-encoded as JSON for inspection.
func mustOK(t *testing.T, s *control.Server, req control.Request) json.RawMessage {
	t.Helper()
	reply := s.Handle(context.Background(), req)
	if !reply.OK {
		t.Fatalf("%s: error %+v", req.Op, reply.Error)
	}
	b, err := json.Marshal(reply.Result)
	if err != nil {
		t.Fatalf("%s: marshal result: %v", req.Op, err)
	}
	return b
}

func withLead(t *testing.T, s *control.Server) {
	t.Helper()
	mustOK(t, s, control.Request{Op: "create_player", Player: "lead", Args: args(t, map[string]any{
		"trigger_mode": "manual", "self_influence": false,
	})})
	mustOK(t, s, control.Request{Op: "create_atom", Player: "lead", Path: "melody", Args: args(t, map[string]any{
		"label": "melodic", "corpus": "scale",
	})})
}

// ── Tests ────────────────────────────────────────────────────────────────

func TestHandle_BuildAndInfluence(t *testing.T) {
	t.Parallel()
	s, _ := newServer(t)
	withLead(t, s)

	total := 0
	for _, p := range []int{60, 62, 64} {
		var res struct {
			Matches int `json:"matches"`
		}
		raw := mustOK(t, s, control.Request{Op: "influence", Player: "lead", Args: args(t, map[string]any{
			"keyword": "pitch", "value": p,
		})})
		if err := json.Unmarshal(raw, &res); err != nil {
			t.Fatalf("decode influence result: %v", err)
		}
		total += res.Matches
	}
	if total != 1 {
		t.Errorf("matches = %d, want 1", total)
	}

	var peaks []map[string]any
	if err := json.Unmarshal(mustOK(t, s, control.Request{Op: "get_peaks", Player: "lead"}), &peaks); err != nil {
		t.Fatalf("decode peaks: %v", err)
	}
	if len(peaks) == 0 {
		t.Error("get_peaks returned no peaks after a match")
	}

	var info engine.PlayerInfo
	if err := json.Unmarshal(mustOK(t, s, control.Request{Op: "info", Player: "lead"}), &info); err != nil {
		t.Fatalf("decode info: %v", err)
	}
	if info.ActiveAtom != "melody" || info.Corpus != "scale" || info.SelfInfluence {
		t.Errorf("info = %+v", info)
	}
}

func TestHandle_ErrorCodes(t *testing.T) {
	t.Parallel()
	s, _ := newServer(t)
	withLead(t, s)

	tests := []struct {
		name string
		req  control.Request
		want string
	}{
		{"unknown op", control.Request{Op: "dance"}, control.CodeUnknownOp},
		{"missing player", control.Request{Op: "jump"}, control.CodeBadRequest},
		{"unknown player", control.Request{Op: "jump", Player: "ghost"}, control.CodeUnknownPlayer},
		{"unknown arg", control.Request{Op: "set_tempo", Args: json.RawMessage(`{"tempo":90}`)}, control.CodeBadRequest},
		{"duplicate player", control.Request{Op: "create_player", Player: "lead"}, control.CodeDuplicateKey},
		{"duplicate atom", control.Request{Op: "create_atom", Player: "lead", Path: "melody"}, control.CodeDuplicateKey},
		{"missing parent", control.Request{Op: "create_atom", Player: "lead", Path: "a:b"}, control.CodeInvalidPath},
		{"empty segment", control.Request{Op: "delete", Player: "lead", Path: "melody::x"}, control.CodeInvalidPath},
		{"bad label", control.Request{Op: "influence", Player: "lead", Args: json.RawMessage(`{"keyword":"pitch","value":"high"}`)}, control.CodeInvalidLabelInput},
		{"bad transform", control.Request{Op: "add_transforms", Player: "lead", Path: "melody", Args: json.RawMessage(`{"transforms":["reverse:1"]}`)}, control.CodeTransformError},
		{"unknown corpus", control.Request{Op: "read_corpus", Player: "lead", Path: "melody", Args: json.RawMessage(`{"corpus":"nope"}`)}, control.CodeInvalidCorpus},
		{"bad trigger mode", control.Request{Op: "set_trigger_mode", Player: "lead", Args: json.RawMessage(`{"mode":"sometimes"}`)}, control.CodeBadRequest},
		{"negative weight", control.Request{Op: "set_weight", Player: "lead", Path: "melody", Args: json.RawMessage(`{"weight":-1}`)}, control.CodeInvalidArgument},
		{"unknown policy", control.Request{Op: "create_streamview", Player: "lead", Path: "sv", Args: json.RawMessage(`{"merge_policies":[{"name":"chaos"}]}`)}, control.CodeBadRequest},
		{"file loading disabled", control.Request{Op: "read_corpus", Player: "lead", Path: "melody", Args: json.RawMessage(`{"file":"x.json"}`)}, control.CodeBadRequest},
		{"decision log disabled", control.Request{Op: "decisions", Player: "lead"}, control.CodeBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reply := s.Handle(context.Background(), tt.req)
			if reply.OK || reply.Error == nil {
				t.Fatalf("reply = %+v, want error %s", reply, tt.want)
			}
			if reply.Error.Code != tt.want {
				t.Errorf("code = %s, want %s (%s)", reply.Error.Code, tt.want, reply.Error.Message)
			}
		})
	}
}

func TestHandle_OnsetRequiresManualMode(t *testing.T) {
	t.Parallel()
	s, _ := newServer(t)
	withLead(t, s)

	mustOK(t, s, control.Request{Op: "influence_onset", Player: "lead"})
	mustOK(t, s, control.Request{Op: "set_trigger_mode", Player: "lead", Args: json.RawMessage(`{"mode":"automatic"}`)})
	reply := s.Handle(context.Background(), control.Request{Op: "influence_onset", Player: "lead"})
	if reply.Error == nil || reply.Error.Code != control.CodeTriggerMode {
		t.Errorf("influence_onset on automatic player = %+v, want %s", reply, control.CodeTriggerMode)
	}
}

func TestHandle_ReadCorpusFromFile(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	data, err := corpusfile.Marshal(scale(t, "ignored", 48, 50, 52), corpusfile.JSON)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "bass.json"), data, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	s, eng := newServer(t, control.WithCorpusDir(dir))
	withLead(t, s)

	var res struct {
		Corpus string `json:"corpus"`
		Events int    `json:"events"`
	}
	raw := mustOK(t, s, control.Request{Op: "read_corpus", Player: "lead", Path: "melody", Args: json.RawMessage(`{"corpus":"bass","file":"bass.json"}`)})
	if err := json.Unmarshal(raw, &res); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if res.Corpus != "bass" || res.Events != 3 {
		t.Errorf("read_corpus = %+v, want bass with 3 events", res)
	}
	info, err := eng.Info("lead")
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	if info.Corpus != "bass" {
		t.Errorf("Info().Corpus = %q, want bass", info.Corpus)
	}

	reply := s.Handle(context.Background(), control.Request{Op: "read_corpus", Player: "lead", Path: "melody", Args: json.RawMessage(`{"file":"../bass.json"}`)})
	if reply.Error == nil || reply.Error.Code != control.CodeBadRequest {
		t.Errorf("escaping path = %+v, want %s", reply, control.CodeBadRequest)
	}
	reply = s.Handle(context.Background(), control.Request{Op: "read_corpus", Player: "lead", Path: "melody", Args: json.RawMessage(`{"file":"missing.json"}`)})
	if reply.Error == nil || reply.Error.Code != control.CodeInvalidCorpus {
		t.Errorf("missing file = %+v, want %s", reply, control.CodeInvalidCorpus)
	}
}

func TestHandle_ReadCorpusFailureKeepsRegistry(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	data, err := corpusfile.Marshal(scale(t, "ignored", 48, 50, 52), corpusfile.JSON)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "bass.json"), data, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	s, eng := newServer(t, control.WithCorpusDir(dir))
	withLead(t, s)

	tests := []struct {
		name string
		req  control.Request
		code string
	}{
		{"unknown player", control.Request{Op: "read_corpus", Player: "nobody", Path: "melody", Args: json.RawMessage(`{"corpus":"scale","file":"bass.json"}`)}, control.CodeUnknownPlayer},
		{"unknown path", control.Request{Op: "read_corpus", Player: "lead", Path: "nowhere", Args: json.RawMessage(`{"corpus":"fresh","file":"bass.json"}`)}, control.CodeInvalidPath},
	}
	for _, tt := range tests {
		reply := s.Handle(context.Background(), tt.req)
		if reply.Error == nil || reply.Error.Code != tt.code {
			t.Errorf("%s: reply = %+v, want %s", tt.name, reply, tt.code)
		}
	}

	if got := eng.Corpora(); !slices.Equal(got, []string{"scale"}) {
		t.Errorf("Corpora() = %v, want [scale]", got)
	}
	c, err := eng.Corpus("scale")
	if err != nil {
		t.Fatalf("Corpus(scale): %v", err)
	}
	if c.Len() != 4 {
		t.Errorf("scale has %d events, want the original 4", c.Len())
	}
	info, err := eng.Info("lead")
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	if info.Corpus != "scale" {
		t.Errorf("Info().Corpus = %q, want scale", info.Corpus)
	}
}

func TestHandle_Clock(t *testing.T) {
	t.Parallel()
	s, eng := newServer(t)
	withLead(t, s)

	var tempo struct {
		BPM    float64 `json:"bpm"`
		Master string  `json:"master"`
	}
	if err := json.Unmarshal(mustOK(t, s, control.Request{Op: "set_tempo", Args: json.RawMessage(`{"bpm":90}`)}), &tempo); err != nil {
		t.Fatalf("decode tempo: %v", err)
	}
	if tempo.BPM != 90 {
		t.Errorf("bpm = %v, want 90", tempo.BPM)
	}
	if err := json.Unmarshal(mustOK(t, s, control.Request{Op: "set_tempo_master", Player: "lead"}), &tempo); err != nil {
		t.Fatalf("decode tempo: %v", err)
	}
	if tempo.Master != "lead" {
		t.Errorf("master = %q, want lead", tempo.Master)
	}

	mustOK(t, s, control.Request{Op: "start"})
	if !eng.Running() {
		t.Error("engine not running after start")
	}
	mustOK(t, s, control.Request{Op: "pause"})
	var now struct {
		Beat    float64 `json:"beat"`
		Running bool    `json:"running"`
	}
	if err := json.Unmarshal(mustOK(t, s, control.Request{Op: "get_time"}), &now); err != nil {
		t.Fatalf("decode time: %v", err)
	}
	if now.Running {
		t.Error("get_time reports running after pause")
	}
	mustOK(t, s, control.Request{Op: "stop"})
}

func TestHandle_HistoryAndDecisions(t *testing.T) {
	t.Parallel()
	src := fakeDecisions{{Player: "lead", Beat: 2, Position: 3, Transform: "identity", Policy: "max"}}
	s, _ := newServer(t, control.WithDecisionSource(src))
	withLead(t, s)

	mustOK(t, s, control.Request{Op: "play_state", Player: "lead", Args: json.RawMessage(`{"index":2}`)})
	var hist []map[string]any
	if err := json.Unmarshal(mustOK(t, s, control.Request{Op: "history", Player: "lead"}), &hist); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(hist) != 0 {
		t.Errorf("history before any tick = %v, want empty", hist)
	}

	var got []struct {
		Position int    `json:"position"`
		Policy   string `json:"policy"`
	}
	if err := json.Unmarshal(mustOK(t, s, control.Request{Op: "decisions", Player: "lead", Args: json.RawMessage(`{"limit":10}`)}), &got); err != nil {
		t.Fatalf("decode decisions: %v", err)
	}
	if len(got) != 1 || got[0].Position != 3 || got[0].Policy != "max" {
		t.Errorf("decisions = %+v", got)
	}
}

type fakeDecisions []decisionlog.Entry

func (f fakeDecisions) Query(_ context.Context, player string, _ int) ([]decisionlog.Entry, error) {
	var out []decisionlog.Entry
	for _, e := range f {
		if e.Player == player {
			out = append(out, e)
		}
	}
	return out, nil
}

func TestHandle_RecordsCommandMetrics(t *testing.T) {
	t.Parallel()
	reader := sdkmetric.NewManualReader()
	m, err := observe.NewMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	s, _ := newServer(t, control.WithMetrics(m))

	s.Handle(context.Background(), control.Request{Op: "get_tempo"})
	s.Handle(context.Background(), control.Request{Op: "jump", Player: "ghost"})

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if got := commands(rm, "get_tempo", control.CodeOK); got != 1 {
		t.Errorf("get_tempo ok = %d, want 1", got)
	}
	if got := commands(rm, "jump", control.CodeUnknownPlayer); got != 1 {
		t.Errorf("jump unknown_player = %d, want 1", got)
	}
}

func commands(rm metricdata.ResourceMetrics, op, status string) int64 {
	want := []attribute.KeyValue{attribute.String("op", op), attribute.String("status", status)}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			sum, ok := met.Data.(metricdata.Sum[int64])
			if met.Name != "cadenza.control.commands" || !ok {
				continue
			}
		points:
			for _, dp := range sum.DataPoints {
				for _, a := range want {
					if v, ok := dp.Attributes.Value(a.Key); !ok || v.Emit() != a.Value.Emit() {
						continue points
					}
				}
				total += dp.Value
			}
		}
	}
	return total
}

func TestServer_WebsocketSession(t *testing.T) {
	t.Parallel()
	s, _ := newServer(t)
	srv := httptest.NewServer(s)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.CloseNow()

	roundTrip := func(req any) control.Reply {
		t.Helper()
		if err := wsjson.Write(ctx, conn, req); err != nil {
			t.Fatalf("Write: %v", err)
		}
		var reply control.Reply
		if err := wsjson.Read(ctx, conn, &reply); err != nil {
			t.Fatalf("Read: %v", err)
		}
		return reply
	}

	reply := roundTrip(control.Request{ID: "1", Op: "create_player", Player: "lead"})
	if !reply.OK || reply.ID != "1" || reply.Op != "create_player" {
		t.Fatalf("create_player reply = %+v", reply)
	}

	// A malformed message is answered, not fatal to the session.
	if err := conn.Write(ctx, websocket.MessageText, []byte("{not json")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	var bad control.Reply
	if err := wsjson.Read(ctx, conn, &bad); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if bad.OK || bad.Error == nil || bad.Error.Code != control.CodeBadRequest {
		t.Errorf("malformed reply = %+v, want bad_request", bad)
	}

	reply = roundTrip(control.Request{ID: "2", Op: "list_players"})
	res, _ := reply.Result.(map[string]any)
	players, _ := res["players"].([]any)
	if !reply.OK || len(players) != 1 || players[0] != "lead" {
		t.Errorf("list_players reply = %+v", reply)
	}

	conn.Close(websocket.StatusNormalClosure, "")
}

func TestRouter_Ops(t *testing.T) {
	t.Parallel()
	s, _ := newServer(t)
	ops := s.Router().Ops()
	for _, want := range []string{"create_player", "influence", "read_corpus", "set_tempo_master", "get_peaks"} {
		found := false
		for _, op := range ops {
			if op == want {
				found = true
			}
		}
		if !found {
			t.Errorf("Ops() = %v, missing %s", ops, want)
		}
	}
}
