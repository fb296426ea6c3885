package application

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/modelgate/modelgate/internal/domain/lang"
	"github.com/modelgate/modelgate/internal/domain/scan"
	"github.com/modelgate/modelgate/internal/infrastructure/backend"
)

func sampleReport() scan.Report {
	return scan.Report{
		Allowed: false,
		Passed:  []scan.Verdict{{ScannerName: "Toxicity", Passed: true, RiskScore: 0.1}},
		Failed:  []scan.Verdict{{ScannerName: "PromptInjection", Passed: false, RiskScore: 0.95, Reason: "injection"}},
	}
}

func banPipeline(t *testing.T, substrings ...string) *scan.Pipeline {
	t.Helper()
	return scan.NewPipeline("output",
		[]scan.Scanner{scan.NewBanSubstrings(substrings, false)},
		nil, scan.Options{}, nil)
}

// streamBackend serves scripted NDJSON chunks and reports whether the
// gateway dropped the connection before the script finished.
func streamBackend(t *testing.T, lines []string, perLineDelay time.Duration) (*backend.Client, <-chan bool) {
	t.Helper()
	aborted := make(chan bool, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		w.Header().Set("Content-Type", "application/x-ndjson")
		for _, line := range lines {
			select {
			case <-r.Context().Done():
				aborted <- true
				return
			case <-time.After(perLineDelay):
			}
			fmt.Fprintln(w, line)
			flusher.Flush()
		}
		aborted <- false
	}))
	t.Cleanup(srv.Close)
	return backend.New(srv.URL, backend.Config{}, nil), aborted
}

func runMediator(t *testing.T, client *backend.Client, pipeline *scan.Pipeline, opts MediatorOptions) (mediatorResult, *httptest.ResponseRecorder) {
	t.Helper()
	handle, err := client.Stream(context.Background(), http.MethodPost, "/api/generate", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	rec := httptest.NewRecorder()
	m := newStreamMediator(handle, pipeline, &ollamaCodec{model: "llama3"}, lang.TagEN, false, opts, zap.NewNop())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.run(ctx, rec, rec), rec
}

func TestMediator_CleanStreamFlushes(t *testing.T) {
	client, _ := streamBackend(t, []string{
		`{"response":"Hello ","done":false}`,
		`{"response":"world","done":false}`,
		`{"response":"","done":true}`,
	}, 0)

	result, rec := runMediator(t, client, banPipeline(t, "never-matches"), MediatorOptions{})
	if result.state != stateFlushed {
		t.Fatalf("state = %v", result.state)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `"Hello "`) || !strings.Contains(body, `"world"`) {
		t.Fatalf("content missing: %q", body)
	}
	if !strings.Contains(body, `"done":true`) {
		t.Fatal("done marker not forwarded")
	}
}

func TestMediator_OrderPreserved(t *testing.T) {
	client, _ := streamBackend(t, []string{
		`{"response":"one ","done":false}`,
		`{"response":"two ","done":false}`,
		`{"response":"three","done":false}`,
		`{"response":"","done":true}`,
	}, 0)

	// Huge window: everything is withheld until the end-of-stream scan.
	_, rec := runMediator(t, client, banPipeline(t, "never-matches"), MediatorOptions{
		ScanBytes:    1 << 20,
		ScanInterval: time.Hour,
	})

	body := rec.Body.String()
	one := strings.Index(body, "one")
	two := strings.Index(body, "two")
	three := strings.Index(body, "three")
	if one < 0 || two < 0 || three < 0 || !(one < two && two < three) {
		t.Fatalf("order broken: %q", body)
	}
}

func TestMediator_BlocksMidStream(t *testing.T) {
	client, aborted := streamBackend(t, []string{
		`{"response":"clean text here ","done":false}`,
		`{"response":"this is forbidden content ","done":false}`,
		`{"response":"you must never see this tail","done":false}`,
		`{"response":"","done":true}`,
	}, 20*time.Millisecond)

	result, rec := runMediator(t, client, banPipeline(t, "forbidden"), MediatorOptions{
		ScanBytes:    8, // scan after every chunk
		ScanInterval: 10 * time.Millisecond,
	})

	if result.state != stateBlocked {
		t.Fatalf("state = %v", result.state)
	}
	body := rec.Body.String()
	if strings.Contains(body, "never see this tail") {
		t.Fatalf("post-block content leaked: %q", body)
	}
	if strings.Contains(body, "forbidden content") {
		t.Fatalf("blocked window leaked: %q", body)
	}

	// The terminal frame is a well-formed done:true chunk with the error.
	lines := strings.Split(strings.TrimSpace(body), "\n")
	var last map[string]any
	if err := json.Unmarshal([]byte(lines[len(lines)-1]), &last); err != nil {
		t.Fatalf("terminal frame unparseable: %v", err)
	}
	if last["done"] != true || last["error"] != "response_blocked" {
		t.Fatalf("terminal frame = %v", last)
	}

	// The upstream connection must be torn down, not drained.
	select {
	case wasAborted := <-aborted:
		if !wasAborted {
			t.Fatal("upstream ran to completion after the block")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("upstream never noticed the disconnect")
	}
}

func TestMediator_FinalScanCatchesTail(t *testing.T) {
	// The banned text arrives in the very last content chunk, below the byte
	// threshold; only the end-of-stream scan can catch it.
	client, _ := streamBackend(t, []string{
		`{"response":"ok ","done":false}`,
		`{"response":"forbidden","done":true}`,
	}, 0)

	result, rec := runMediator(t, client, banPipeline(t, "forbidden"), MediatorOptions{
		ScanBytes:    1 << 20,
		ScanInterval: time.Hour,
	})
	if result.state != stateBlocked {
		t.Fatalf("state = %v", result.state)
	}
	if strings.Contains(rec.Body.String(), `"forbidden"`) {
		t.Fatal("blocked tail leaked")
	}
}

func TestMediator_TickerScansIdleWindow(t *testing.T) {
	// Chunks arrive slowly; the cadence trigger must release them without
	// waiting for the byte threshold.
	client, _ := streamBackend(t, []string{
		`{"response":"drip","done":false}`,
		`{"response":"","done":true}`,
	}, 30*time.Millisecond)

	result, rec := runMediator(t, client, banPipeline(t, "never-matches"), MediatorOptions{
		ScanBytes:    1 << 20,
		ScanInterval: 10 * time.Millisecond,
	})
	if result.state != stateFlushed {
		t.Fatalf("state = %v", result.state)
	}
	if !strings.Contains(rec.Body.String(), "drip") {
		t.Fatal("content lost")
	}
}

func TestMediator_ClientDisconnectAborts(t *testing.T) {
	client, _ := streamBackend(t, []string{
		`{"response":"a","done":false}`,
		`{"response":"b","done":false}`,
		`{"response":"","done":true}`,
	}, 50*time.Millisecond)

	handle, err := client.Stream(context.Background(), http.MethodPost, "/api/generate", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	rec := httptest.NewRecorder()
	m := newStreamMediator(handle, banPipeline(t, "x"), &ollamaCodec{}, lang.TagEN, false, MediatorOptions{}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // client already gone
	result := m.run(ctx, rec, rec)
	if result.state != stateAborted {
		t.Fatalf("state = %v", result.state)
	}
}

func TestMediatorState_Strings(t *testing.T) {
	states := map[mediatorState]string{
		stateReading:  "reading",
		stateScanning: "scanning",
		stateFlushed:  "flushed",
		stateBlocked:  "blocked",
		stateAborted:  "aborted",
	}
	for state, want := range states {
		if got := state.String(); got != want {
			t.Errorf("String() = %q, want %q", got, want)
		}
	}
}
