package dispute

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/arbiter/internal/identity"
	"github.com/mbd888/arbiter/internal/logging"
)

func setupTestRouter(t *testing.T) (*gin.Engine, *fixture) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	f := newFixture(t)
	timer := NewExpiryTimer(f.engine.Lifecycle, f.store, logging.Discard()).WithClock(f.clock)
	handler := NewHandler(f.engine, timer)

	r := gin.New()
	v1 := r.Group("/v1")
	v1.Use(identity.Middleware())
	handler.RegisterRoutes(v1)
	return r, f
}

func do(t *testing.T, r *gin.Engine, method, path string, actor identity.Actor, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if actor.ID != "" {
		req.Header.Set(identity.HeaderActorID, actor.ID)
		roles := ""
		for i, role := range actor.Roles {
			if i > 0 {
				roles += ","
			}
			roles += string(role)
		}
		req.Header.Set(identity.HeaderActorRoles, roles)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder, key string) T {
	t.Helper()
	var body map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	var v T
	require.NoError(t, json.Unmarshal(body[key], &v))
	return v
}

func TestHandler_FullFlow(t *testing.T) {
	r, _ := setupTestRouter(t)

	w := do(t, r, "POST", "/v1/disputes", buyer, SubmitRequest{OrderID: "O1", Type: TypeDamaged, Reason: "box crushed"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	d := decode[Dispute](t, w, "dispute")
	assert.Equal(t, StatusNegotiating, d.Status)

	w = do(t, r, "POST", "/v1/disputes/"+d.ID+"/evidence", buyer, UploadRequest{MediaType: "image/png", URL: "https://blobs.example.com/box.png"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	ev := decode[Evidence](t, w, "evidence")

	w = do(t, r, "POST", "/v1/disputes/"+d.ID+"/escalate", seller, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(t, r, "POST", "/v1/disputes/"+d.ID+"/arbitrator", admin, gin.H{"arbitratorId": arbitrator.ID})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(t, r, "POST", "/v1/evidence/"+ev.ID+"/evaluate", arbitrator, gin.H{"validity": "valid", "reason": "clear photo"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(t, r, "POST", "/v1/disputes/"+d.ID+"/arbitration", arbitrator, DecisionRequest{
		Result: ResultSupportInitiator, CompensationAmount: "80.00", Reason: "damaged in transit",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	arb := decode[Arbitration](t, w, "arbitration")

	w = do(t, r, "POST", "/v1/disputes/"+d.ID+"/arbitration", arbitrator, DecisionRequest{
		Result: ResultSupportInitiator, CompensationAmount: "80.00", Reason: "again",
	})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(t, r, "GET", "/v1/arbitrations/pending-executions", operator, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]Arbitration](t, w, "arbitrations"), 1)

	w = do(t, r, "POST", "/v1/arbitrations/"+arb.ID+"/executed", operator, gin.H{"note": "refunded"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.True(t, decode[Arbitration](t, w, "arbitration").Executed)

	w = do(t, r, "GET", "/v1/disputes/"+d.ID, seller, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var detail Detail
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &detail))
	assert.Equal(t, StatusResolved, detail.Dispute.Status)
	assert.Len(t, detail.Timeline, 5)
}

func TestHandler_Negotiation(t *testing.T) {
	r, f := setupTestRouter(t)
	d := f.submit("O1")

	w := do(t, r, "POST", "/v1/disputes/"+d.ID+"/messages", seller, gin.H{"text": "can you send photos?"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = do(t, r, "POST", "/v1/disputes/"+d.ID+"/proposals", buyer, gin.H{"amount": "30.00", "note": "partial"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	p := decode[NegotiationMessage](t, w, "proposal")

	w = do(t, r, "POST", "/v1/disputes/"+d.ID+"/proposals", seller, gin.H{"amount": "10.00"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(t, r, "GET", "/v1/disputes/"+d.ID+"/proposals/pending", seller, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, p.ID, decode[NegotiationMessage](t, w, "proposal").ID)

	w = do(t, r, "POST", "/v1/proposals/"+p.ID+"/respond", seller, gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code, "accept is required")

	w = do(t, r, "POST", "/v1/proposals/"+p.ID+"/respond", seller, gin.H{"accept": true})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, StatusResolved, decode[Dispute](t, w, "dispute").Status)

	w = do(t, r, "GET", "/v1/disputes/"+d.ID+"/messages", buyer, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]NegotiationMessage](t, w, "messages"), 2)

	w = do(t, r, "GET", "/v1/disputes/"+d.ID+"/proposals/accepted", buyer, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "30.00", decode[NegotiationMessage](t, w, "proposal").ProposedAmount)
}

func TestHandler_ErrorMapping(t *testing.T) {
	r, f := setupTestRouter(t)
	d := f.submit("O1")

	tests := []struct {
		name   string
		method string
		path   string
		actor  identity.Actor
		body   any
		status int
		code   string
	}{
		{"not found", "GET", "/v1/disputes/dsp_missing", buyer, nil, http.StatusNotFound, KindNotFound},
		{"forbidden", "GET", "/v1/disputes/" + d.ID, outsider, nil, http.StatusForbidden, KindPermissionDenied},
		{"invalid state", "POST", "/v1/disputes/" + d.ID + "/arbitrator", admin, gin.H{"arbitratorId": "A100"}, http.StatusConflict, KindInvalidState},
		{"validation", "POST", "/v1/disputes/" + d.ID + "/proposals", buyer, gin.H{"amount": "-3"}, http.StatusBadRequest, KindValidation},
		{"bad body", "POST", "/v1/disputes", buyer, gin.H{"orderId": "O1"}, http.StatusBadRequest, KindValidation},
		{"conflict", "POST", "/v1/disputes", seller, SubmitRequest{OrderID: "O1", Type: TypeOther, Reason: "dup"}, http.StatusConflict, KindConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, r, tt.method, tt.path, tt.actor, tt.body)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
			var body map[string]any
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, tt.code, body["error"])
		})
	}
}

func TestHandler_MarkExecutedBody(t *testing.T) {
	r, f := setupTestRouter(t)
	d := f.arbitrating("O1")
	arb, err := f.engine.Arbitration.Submit(f.ctx, arbitrator, d.ID, DecisionRequest{
		Result: ResultSupportInitiator, CompensationAmount: "10.00", Reason: "partial damage",
	})
	require.NoError(t, err)
	path := "/v1/arbitrations/" + arb.ID + "/executed"

	req := httptest.NewRequest("POST", path, strings.NewReader(`{"note": "refunded`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(identity.HeaderActorID, operator.ID)
	req.Header.Set(identity.HeaderActorRoles, string(identity.RoleOperator))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), KindValidation)
	stored, err := f.store.GetArbitration(f.ctx, arb.ID)
	require.NoError(t, err)
	assert.False(t, stored.Executed)

	// No body at all is fine; the note is optional.
	w = do(t, r, "POST", path, operator, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.True(t, decode[Arbitration](t, w, "arbitration").Executed)
}

func TestHandler_ValidationDetails(t *testing.T) {
	r, f := setupTestRouter(t)
	d := f.submit("O1")

	w := do(t, r, "POST", "/v1/disputes/"+d.ID+"/evidence", buyer, UploadRequest{MediaType: "image/png", URL: "not-a-url"})
	require.Equal(t, http.StatusBadRequest, w.Code)
	var body struct {
		Error   string `json:"error"`
		Details []struct {
			Field string `json:"field"`
		} `json:"details"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Details, 1)
	assert.Equal(t, "url", body.Details[0].Field)
}

func TestHandler_RequiresActor(t *testing.T) {
	r, _ := setupTestRouter(t)

	w := do(t, r, "GET", "/v1/disputes", identity.Actor{}, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHandler_ListAndCases(t *testing.T) {
	r, f := setupTestRouter(t)
	f.submit("O1")
	f.advance(time.Minute)
	arb := f.arbitrating("O2")

	w := do(t, r, "GET", "/v1/disputes?limit=1", buyer, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]Dispute](t, w, "disputes"), 1)
	assert.True(t, decode[bool](t, w, "hasMore"))

	w = do(t, r, "GET", "/v1/disputes?status=arbitrating", admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	items := decode[[]Dispute](t, w, "disputes")
	require.Len(t, items, 1)
	assert.Equal(t, arb.ID, items[0].ID)

	w = do(t, r, "GET", "/v1/arbitrators/"+arbitrator.ID+"/cases", arbitrator, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]Dispute](t, w, "disputes"), 1)
}

func TestHandler_EvidenceEndpoints(t *testing.T) {
	r, f := setupTestRouter(t)
	d := f.arbitrating("O1")
	ev, err := f.engine.Evidence.Upload(f.ctx, seller, d.ID, UploadRequest{MediaType: "image/png", URL: "https://blobs.example.com/x.png"})
	require.NoError(t, err)

	w := do(t, r, "GET", "/v1/disputes/"+d.ID+"/evidence/summary", arbitrator, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, decode[EvidenceSummary](t, w, "summary").Total)

	w = do(t, r, "GET", "/v1/disputes/"+d.ID+"/evidence/unevaluated", arbitrator, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]Evidence](t, w, "evidence"), 1)

	w = do(t, r, "DELETE", "/v1/evidence/"+ev.ID, buyer, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = do(t, r, "DELETE", "/v1/evidence/"+ev.ID, seller, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestHandler_CloseAndExpiryScan(t *testing.T) {
	r, f := setupTestRouter(t)
	stale := f.submit("O1")
	toClose := f.submit("O2")

	w := do(t, r, "POST", "/v1/disputes/"+toClose.ID+"/close", seller, gin.H{"reason": "resolved offline"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, StatusClosed, decode[Dispute](t, w, "dispute").Status)

	f.advance(80 * time.Hour)
	w = do(t, r, "POST", "/v1/admin/expiry-scans", buyer, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = do(t, r, "POST", "/v1/admin/expiry-scans", operator, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, 1, decode[int](t, w, "escalated"))
	assert.Equal(t, StatusPendingArbitration, f.get(stale.ID).Status)
}
