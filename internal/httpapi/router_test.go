package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	gormsqlite "github.com/glebarez/sqlite"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"

	"github.com/suPer8Hu/copilot/internal/actions"
	"github.com/suPer8Hu/copilot/internal/ai"
	"github.com/suPer8Hu/copilot/internal/auth"
	"github.com/suPer8Hu/copilot/internal/config"
	"github.com/suPer8Hu/copilot/internal/conversation"
	"github.com/suPer8Hu/copilot/internal/copilot"
	"github.com/suPer8Hu/copilot/internal/httpapi/handlers"
	"github.com/suPer8Hu/copilot/internal/intent"
	"github.com/suPer8Hu/copilot/internal/metrics"
	"github.com/suPer8Hu/copilot/internal/queue"
	"github.com/suPer8Hu/copilot/internal/ratelimit"
	"github.com/suPer8Hu/copilot/internal/reference"
	"github.com/suPer8Hu/copilot/internal/transport"
)

// listingModel understands "list nodes" and nothing else.
type listingModel struct{}

func (listingModel) Classify(ctx context.Context, text string, history []ai.Message) (*ai.Classification, error) {
	if strings.HasPrefix(strings.ToLower(text), "list") {
		return &ai.Classification{Intent: "list_nodes", Confidence: 0.9, Parameters: map[string]any{}}, nil
	}
	return &ai.Classification{Intent: "unknown", Confidence: 0.1}, nil
}

func (listingModel) Generate(ctx context.Context, result any, history []ai.Message) (string, error) {
	return "The network is empty.", nil
}

func (listingModel) Stream(ctx context.Context, prompt string) (<-chan string, <-chan error) {
	out := make(chan string, 1)
	errs := make(chan error)
	out <- "The network is empty."
	close(out)
	close(errs)
	return out, errs
}

func (listingModel) Summarize(ctx context.Context, history []ai.Message) (string, error) {
	return "", nil
}

const testSecret = "test-secret"

func newTestRouter(t *testing.T) (*gin.Engine, *gorm.DB) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(gormsqlite.Open("file:"+name+"?mode=memory&cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&conversation.Conversation{}, &conversation.Message{}, &queue.QueuedRequest{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}

	reg := actions.NewRegistry()
	if err := actions.RegisterBuiltins(reg); err != nil {
		t.Fatalf("register builtins: %v", err)
	}
	convs := conversation.NewCachedStore(conversation.NewRepo(db), time.Minute)
	limiter := ratelimit.New(ratelimit.NewMemoryRepository(), ratelimit.DefaultConfig())
	q := queue.New(queue.NewRepo(db), nil, queue.DefaultOptions())
	lm := listingModel{}
	intents := intent.NewResolver(lm, reg, intent.NewClarificationStore(0), intent.DefaultConfig())
	orch := copilot.New(convs, reference.NewResolver(0), intents, reg, lm, limiter, nil, copilot.DefaultConfig())
	gw := copilot.NewGateway(orch, limiter, q, nil)

	promReg := prometheus.NewRegistry()
	h := handlers.NewHandler(gw, q, convs, limiter, transport.NewHub(nil))
	cfg := config.Config{JWTSecret: testSecret}
	return NewRouter(cfg, h, metrics.New(promReg), promReg), db
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func do(t *testing.T, r http.Handler, method, path, user string, body any) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		tok, err := auth.SignJWT(user, testSecret, time.Hour)
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	var env envelope
	_ = json.Unmarshal(w.Body.Bytes(), &env)
	return w, env
}

func TestRouter_PingAndMetrics(t *testing.T) {
	r, _ := newTestRouter(t)

	if w, env := do(t, r, http.MethodGet, "/ping", "", nil); w.Code != http.StatusOK || env.Code != 0 {
		t.Fatalf("ping: %d %+v", w.Code, env)
	}
	w, _ := do(t, r, http.MethodGet, "/metrics", "", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "copilot_http_requests_total") {
		t.Fatalf("metrics: %d %s", w.Code, w.Body.String())
	}
}

func TestRouter_RequiresToken(t *testing.T) {
	r, _ := newTestRouter(t)
	w, env := do(t, r, http.MethodPost, "/copilot/messages", "", map[string]string{"message": "list nodes"})
	if w.Code != http.StatusUnauthorized || env.Code != 40101 {
		t.Fatalf("expected 401, got %d %+v", w.Code, env)
	}
}

func TestRouter_MessageLifecycle(t *testing.T) {
	r, _ := newTestRouter(t)

	w, env := do(t, r, http.MethodPost, "/copilot/messages", "alice", map[string]string{"message": "list nodes"})
	if w.Code != http.StatusOK {
		t.Fatalf("send: %d %s", w.Code, w.Body.String())
	}
	var data struct {
		Response copilot.Response `json:"response"`
		Events   []copilot.Event  `json:"events"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !data.Response.Success || data.Response.ConversationID == "" {
		t.Fatalf("unexpected response %+v", data.Response)
	}
	if data.Events[0].Type != copilot.EventAck || data.Events[len(data.Events)-1].Type != copilot.EventComplete {
		t.Fatalf("unexpected events %+v", data.Events)
	}

	path := "/copilot/conversations/" + data.Response.ConversationID + "/messages"
	if w, _ := do(t, r, http.MethodGet, path, "alice", nil); w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "The network is empty.") {
		t.Fatalf("history: %d %s", w.Code, w.Body.String())
	}
	if w, _ := do(t, r, http.MethodGet, path, "mallory", nil); w.Code != http.StatusNotFound {
		t.Fatalf("other users must not see the conversation, got %d", w.Code)
	}
	if w, _ := do(t, r, http.MethodDelete, "/copilot/conversations/"+data.Response.ConversationID, "alice", nil); w.Code != http.StatusOK {
		t.Fatalf("clear: %d", w.Code)
	}
}

func TestRouter_ValidationAndQueueErrors(t *testing.T) {
	r, _ := newTestRouter(t)

	w, env := do(t, r, http.MethodPost, "/copilot/messages", "alice", map[string]string{"message": strings.Repeat("a", 2001)})
	if w.Code != http.StatusBadRequest || env.Code != 10002 {
		t.Fatalf("expected validation failure, got %d %+v", w.Code, env)
	}
	if w, _ := do(t, r, http.MethodGet, "/copilot/queue/missing", "alice", nil); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown queue id, got %d", w.Code)
	}
	w, env = do(t, r, http.MethodDelete, "/copilot/queue/missing", "alice", nil)
	if w.Code != http.StatusOK || !strings.Contains(string(env.Data), `"cancelled":false`) {
		t.Fatalf("cancel of unknown id should be a no-op: %d %s", w.Code, env.Data)
	}
}
