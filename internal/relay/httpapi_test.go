package relay

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	store := newTestStore(t, 0)
	backups := newTestBackupStore(t)
	return NewServer(store, testDB, backups, nil, testLogger)
}

// newTestBackupStore builds a BackupStore with no object-store client; none
// of the tests in this file call a backup or readiness endpoint, so the
// client is never used.
func newTestBackupStore(t *testing.T) *BackupStore {
	t.Helper()
	return &BackupStore{bucket: "mlschat-test", db: testDB, logger: testLogger}
}

func postJSON(t *testing.T, handler http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encoding request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHandleHealth(t *testing.T) {
	s := newTestServer(t)
	rec := postJSON(t, s.Router(), http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleRegisterAndGetUser(t *testing.T) {
	s := newTestServer(t)
	username := "newuser-" + uniqueSuffix()

	rec := postJSON(t, s.Router(), http.MethodPost, "/users", map[string]any{
		"username":    username,
		"key_package": []byte("initial-keypackage-bytes"),
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = postJSON(t, s.Router(), http.MethodPost, "/users", map[string]any{
		"username":    username,
		"key_package": []byte("another-keypackage"),
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for duplicate registration, got %d", rec.Code)
	}

	rec = postJSON(t, s.Router(), http.MethodGet, "/users/"+username, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 fetching user, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = postJSON(t, s.Router(), http.MethodGet, "/users/nonexistent-"+uniqueSuffix(), nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for missing user, got %d", rec.Code)
	}
}

func TestHandleKeyPackageLifecycle(t *testing.T) {
	s := newTestServer(t)
	username := "kpuser-" + uniqueSuffix()

	refBytes := []byte("ref-" + uniqueSuffix())
	kpBytes := []byte("keypackage-bytes")

	rec := postJSON(t, s.Router(), http.MethodPost, "/keypackages/upload", map[string]any{
		"username": username,
		"keypackages": []map[string]any{
			{
				"keypackage_ref": base64.StdEncoding.EncodeToString(refBytes),
				"keypackage":     base64.StdEncoding.EncodeToString(kpBytes),
				"not_after":      futureNotAfter(),
			},
		},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("upload expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	groupID := []byte("group-" + uniqueSuffix())
	rec = postJSON(t, s.Router(), http.MethodPost, "/keypackages/reserve", map[string]any{
		"username":    username,
		"group_id":    groupID,
		"reserved_by": "inviter",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("reserve expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var reserveResp struct {
		Data struct {
			KeyPackageRef string `json:"keypackage_ref"`
			ReservationID string `json:"reservation_id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &reserveResp); err != nil {
		t.Fatalf("decoding reserve response: %v", err)
	}
	if reserveResp.Data.KeyPackageRef == "" {
		t.Fatal("expected a non-empty keypackage_ref")
	}

	rec = postJSON(t, s.Router(), http.MethodPost, "/keypackages/spend", map[string]any{
		"keypackage_ref": reserveResp.Data.KeyPackageRef,
		"group_id":       groupID,
		"spent_by":       "inviter",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("spend expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = postJSON(t, s.Router(), http.MethodPost, "/keypackages/spend", map[string]any{
		"keypackage_ref": reserveResp.Data.KeyPackageRef,
		"group_id":       groupID,
		"spent_by":       "inviter",
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 on double spend, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = postJSON(t, s.Router(), http.MethodGet, "/keypackages/status/"+username, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleReserveEmptyPool(t *testing.T) {
	s := newTestServer(t)
	username := "emptypool-" + uniqueSuffix()

	rec := postJSON(t, s.Router(), http.MethodPost, "/keypackages/reserve", map[string]any{
		"username":    username,
		"group_id":    []byte("group-x"),
		"reserved_by": "inviter",
	})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 pool_exhausted for a user with no uploads, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleCancelReservation(t *testing.T) {
	s := newTestServer(t)
	username := "canceluser-" + uniqueSuffix()
	refBytes := []byte("ref-" + uniqueSuffix())

	postJSON(t, s.Router(), http.MethodPost, "/keypackages/upload", map[string]any{
		"username": username,
		"keypackages": []map[string]any{
			{
				"keypackage_ref": base64.StdEncoding.EncodeToString(refBytes),
				"keypackage":     base64.StdEncoding.EncodeToString([]byte("kp-bytes")),
				"not_after":      futureNotAfter(),
			},
		},
	})

	rec := postJSON(t, s.Router(), http.MethodPost, "/keypackages/reserve", map[string]any{
		"username":    username,
		"group_id":    []byte("group-cancel"),
		"reserved_by": "inviter",
	})
	var reserveResp struct {
		Data struct {
			KeyPackageRef string `json:"keypackage_ref"`
			ReservationID string `json:"reservation_id"`
		} `json:"data"`
	}
	json.Unmarshal(rec.Body.Bytes(), &reserveResp)

	rec = postJSON(t, s.Router(), http.MethodPost, "/keypackages/cancel", map[string]any{
		"keypackage_ref": reserveResp.Data.KeyPackageRef,
		"reservation_id": reserveResp.Data.ReservationID,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = postJSON(t, s.Router(), http.MethodPost, "/keypackages/cancel", map[string]any{
		"keypackage_ref": reserveResp.Data.KeyPackageRef,
		"reservation_id": reserveResp.Data.ReservationID,
	})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 re-cancelling an already-released reservation, got %d", rec.Code)
	}
}
