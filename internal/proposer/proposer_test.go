package proposer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/DenisKimskku/veripatch/internal/config"
)

const testDiff = `--- a/app.txt
+++ b/app.txt
@@ -1,1 +1,1 @@
-hello
+goodbye
`

// completionServer returns a chat-completions stub that serves the given
// contents in order, repeating the last one.
func completionServer(t *testing.T, contents ...string) (*httptest.Server, *int) {
	t.Helper()
	calls := new(int)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("bad request body: %v", err)
		}
		idx := *calls
		if idx >= len(contents) {
			idx = len(contents) - 1
		}
		*calls++
		resp := map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": contents[idx]}},
			},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv, calls
}

func localProposer(t *testing.T, baseURL string) Proposer {
	t.Helper()
	env := config.SnapshotFrom(map[string]string{
		"PP_LOCAL_BASE_URL": baseURL,
		"PP_LOCAL_MODEL":    "test-model",
	})
	p, err := New("local", env, zap.NewNop())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return p
}

func TestProposeReturnsDiff(t *testing.T) {
	srv, calls := completionServer(t, testDiff)
	p := localProposer(t, srv.URL)

	proposal, err := p.Propose(context.Background(), Request{Command: "grep -q goodbye app.txt"})
	if err != nil {
		t.Fatalf("Propose failed: %v", err)
	}
	if proposal.Diff != strings.TrimSpace(testDiff) && !strings.Contains(proposal.Diff, "+goodbye") {
		t.Errorf("diff = %q", proposal.Diff)
	}
	if *calls != 1 {
		t.Errorf("calls = %d", *calls)
	}
}

func TestProposeStripsFence(t *testing.T) {
	fenced := "```diff\n" + testDiff + "```\n"
	srv, _ := completionServer(t, fenced)
	p := localProposer(t, srv.URL)

	proposal, err := p.Propose(context.Background(), Request{Command: "x"})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(proposal.Diff, "```") {
		t.Errorf("fence survived: %q", proposal.Diff)
	}
	if !strings.Contains(proposal.Diff, "+goodbye") {
		t.Errorf("diff lost in fence stripping: %q", proposal.Diff)
	}
}

func TestProposeRetriesOnEmpty(t *testing.T) {
	srv, calls := completionServer(t, "   \n", testDiff)
	p := localProposer(t, srv.URL)

	proposal, err := p.Propose(context.Background(), Request{Command: "x"})
	if err != nil {
		t.Fatal(err)
	}
	if *calls != 2 {
		t.Errorf("expected exactly one retry, got %d calls", *calls)
	}
	if !strings.Contains(proposal.Diff, "+goodbye") {
		t.Errorf("retry diff = %q", proposal.Diff)
	}
}

func TestProposeConvertsRewriteFraming(t *testing.T) {
	rewrite := "file: app.txt\n```\ngoodbye\n```\n"
	srv, _ := completionServer(t, "", rewrite)
	p := localProposer(t, srv.URL)

	proposal, err := p.Propose(context.Background(), Request{
		Command:           "x",
		EditableFiles:     map[string]string{"app.txt": "hello\n"},
		EditableFileOrder: []string{"app.txt"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(proposal.Diff, "-hello") || !strings.Contains(proposal.Diff, "+goodbye") {
		t.Errorf("rewrite not converted to diff: %q", proposal.Diff)
	}
}

func TestProposeSurfacesHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error": {"message": "bad model"}}`, http.StatusBadRequest)
	}))
	t.Cleanup(srv.Close)

	p := localProposer(t, srv.URL)
	if _, err := p.Propose(context.Background(), Request{Command: "x"}); err == nil {
		t.Error("HTTP 400 did not surface as an error")
	}
}

func TestNewRequiresOpenAIKey(t *testing.T) {
	if _, err := New("openai", config.SnapshotFrom(nil), zap.NewNop()); err == nil {
		t.Error("openai provider built without an API key")
	}
}

func TestNewDefaultsToStub(t *testing.T) {
	p, err := New("", config.SnapshotFrom(nil), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if p.Name() != "stub" {
		t.Errorf("provider = %s", p.Name())
	}
}

func TestStripFence(t *testing.T) {
	if got := StripFence("```\nbody\n```"); got != "body" {
		t.Errorf("got %q", got)
	}
	if got := StripFence("plain"); got != "plain" {
		t.Errorf("got %q", got)
	}
}
