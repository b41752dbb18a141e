package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestListPlans(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp := doJSON(t, http.MethodGet, ts.URL+"/plans", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body := decode[listPlansResponse](t, resp)

	var names []string
	for _, p := range body.Plans {
		names = append(names, p.Name)
	}
	want := []string{"attach_metadata", "count", "move", "scan", "sleep"}
	if len(names) != len(want) {
		t.Fatalf("plans = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("plans[%d] = %q, want %q", i, names[i], want[i])
		}
	}
}

func TestGetPlanSchema(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp := doJSON(t, http.MethodGet, ts.URL+"/plans/move", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body := decode[planResponse](t, resp)

	if body.Name != "move" {
		t.Errorf("name = %q, want move", body.Name)
	}
	props, ok := body.Schema["properties"].(map[string]any)
	if !ok {
		t.Fatalf("schema has no properties: %v", body.Schema)
	}
	for _, field := range []string{"motor", "pos"} {
		if _, ok := props[field]; !ok {
			t.Errorf("schema missing property %q", field)
		}
	}
	if body.Schema["additionalProperties"] != false {
		t.Errorf("additionalProperties = %v, want false", body.Schema["additionalProperties"])
	}
}

func TestGetPlanNotFound(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp := doJSON(t, http.MethodGet, ts.URL+"/plans/nonexistent", nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}
