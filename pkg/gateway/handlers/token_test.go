package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/vango-go/roomgate/pkg/core/token"
	"github.com/vango-go/roomgate/pkg/gateway/config"
)

func TestTokenHandler_IssuesForDefaultRoom(t *testing.T) {
	h := TokenHandler{
		Config: config.Config{DefaultRoom: "travel-assistant-room", TokenUserIdentity: "user", UserDisplayName: "Web User"},
		Issuer: stubIssuer{},
	}

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/token", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
	var resp map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !strings.HasPrefix(resp["identity"], "user-") {
		t.Fatalf("identity=%q", resp["identity"])
	}
	if resp["token"] != "jwt-"+resp["identity"] {
		t.Fatalf("token=%q", resp["token"])
	}
	if resp["room_name"] != "travel-assistant-room" {
		t.Fatalf("room_name=%q", resp["room_name"])
	}
}

func TestTokenHandler_IdentitiesAreUnique(t *testing.T) {
	h := TokenHandler{Config: config.Config{DefaultRoom: "r", TokenUserIdentity: "user"}, Issuer: stubIssuer{}}
	seen := map[string]bool{}
	for i := 0; i < 5; i++ {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/token", nil))
		var resp map[string]string
		_ = json.Unmarshal(rr.Body.Bytes(), &resp)
		if seen[resp["identity"]] {
			t.Fatalf("duplicate identity %q", resp["identity"])
		}
		seen[resp["identity"]] = true
	}
}

func TestTokenHandler_IssuerFailureIs500(t *testing.T) {
	h := TokenHandler{
		Config: config.Config{DefaultRoom: "r", TokenUserIdentity: "user"},
		Issuer: stubIssuer{err: fmt.Errorf("%w: missing secret", token.ErrIssuance)},
		Logger: discardLogger(),
	}

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/token", nil))
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
}

func TestTokenHandler_UnconfiguredIs500(t *testing.T) {
	h := TokenHandler{Config: config.Config{DefaultRoom: "r", TokenUserIdentity: "user"}}

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/token", nil))
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
}

func TestTokenHandler_GetNotAllowed(t *testing.T) {
	rr := httptest.NewRecorder()
	TokenHandler{}.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/token", nil))
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status=%d", rr.Code)
	}
}
