package relayclient

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestReserveDecodesReservation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/keypackages/reserve" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		var req struct {
			Username   string `json:"username"`
			ReservedBy string `json:"reserved_by"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decoding request: %v", err)
		}
		if req.Username != "dave" || req.ReservedBy != "alice" {
			t.Errorf("unexpected request body: %+v", req)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{
				"keypackage_ref": "cmVmLTE=",
				"keypackage":     []byte("kp-bytes"),
				"reservation_id": "11111111-2222-3333-4444-555555555555",
				"not_after":      int64(1900000000),
			},
		})
	}))
	defer srv.Close()

	c := New(srv.URL)
	res, err := c.Reserve(context.Background(), "dave", []byte("group-1"), "alice")
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if res.KeyPackageRef != "cmVmLTE=" {
		t.Errorf("ref = %q", res.KeyPackageRef)
	}
	if string(res.KeyPackageBytes) != "kp-bytes" {
		t.Errorf("keypackage bytes = %q", res.KeyPackageBytes)
	}
	if res.ReservationID == "" || res.NotAfter != 1900000000 {
		t.Errorf("unexpected reservation: %+v", res)
	}
}

func TestReservePoolExhaustedSurfacesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]string{"code": "pool_exhausted", "message": "no packages for dave"},
		})
	}))
	defer srv.Close()

	c := New(srv.URL)
	_, err := c.Reserve(context.Background(), "dave", []byte("group-1"), "alice")
	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("expected *APIError, got %T: %v", err, err)
	}
	if apiErr.StatusCode != http.StatusNotFound || apiErr.Code != "pool_exhausted" {
		t.Errorf("unexpected error: %+v", apiErr)
	}
}

func TestRegisterUserDuplicate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]string{"code": "duplicate", "message": "username already registered"},
		})
	}))
	defer srv.Close()

	c := New(srv.URL)
	err := c.RegisterUser(context.Background(), "alice", []byte("kp"))
	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("expected *APIError, got %T: %v", err, err)
	}
	if apiErr.Code != "duplicate" {
		t.Errorf("code = %q, want duplicate", apiErr.Code)
	}
}

func TestUploadKeyPackagesEncodesBatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Username    string `json:"username"`
			KeyPackages []struct {
				Ref      string `json:"keypackage_ref"`
				KP       string `json:"keypackage"`
				NotAfter int64  `json:"not_after"`
			} `json:"keypackages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decoding request: %v", err)
		}
		if len(req.KeyPackages) != 2 {
			t.Fatalf("expected 2 keypackages, got %d", len(req.KeyPackages))
		}
		ref, err := base64.StdEncoding.DecodeString(req.KeyPackages[0].Ref)
		if err != nil || string(ref) != "ref-a" {
			t.Errorf("first ref decoded to %q, err=%v", ref, err)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{"accepted": []string{req.KeyPackages[0].Ref, req.KeyPackages[1].Ref}, "rejected": []string{}, "pool_size": 2},
		})
	}))
	defer srv.Close()

	c := New(srv.URL)
	accepted, rejected, poolSize, err := c.UploadKeyPackages(context.Background(), "alice", []UploadItem{
		{Ref: []byte("ref-a"), Bytes: []byte("kp-a"), NotAfter: 1900000000},
		{Ref: []byte("ref-b"), Bytes: []byte("kp-b"), NotAfter: 1900000000},
	})
	if err != nil {
		t.Fatalf("UploadKeyPackages: %v", err)
	}
	if accepted != 2 || rejected != 0 || poolSize != 2 {
		t.Errorf("accepted=%d rejected=%d pool_size=%d", accepted, rejected, poolSize)
	}
}

func TestSpendAndCancel(t *testing.T) {
	var gotPaths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPaths = append(gotPaths, r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{"data": map[string]string{"status": "ok"}})
	}))
	defer srv.Close()

	c := New(srv.URL)
	if err := c.Spend(context.Background(), "cmVmLTE=", []byte("group-1"), "alice"); err != nil {
		t.Fatalf("Spend: %v", err)
	}
	if err := c.Cancel(context.Background(), "cmVmLTE=", "11111111-2222-3333-4444-555555555555"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if len(gotPaths) != 2 || gotPaths[0] != "/keypackages/spend" || gotPaths[1] != "/keypackages/cancel" {
		t.Errorf("unexpected paths: %v", gotPaths)
	}
}
