package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/al-bashkir/lti-identity-bridge/internal/identity"
)

type fakeAPI struct {
	mu       sync.Mutex
	existing map[string]bool
	calls    []string
	created  []map[string]any
	status   int
}

func newFakeAPI(t *testing.T, existing ...string) (*fakeAPI, *httptest.Server) {
	t.Helper()

	api := &fakeAPI{existing: make(map[string]bool)}
	for _, e := range existing {
		api.existing[e] = true
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/students/{email}", func(w http.ResponseWriter, r *http.Request) {
		api.record(r)
		if !api.existing[r.PathValue("email")] {
			http.Error(w, `{"detail":"not found"}`, http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("PUT /api/v1/students/{email}/login", func(w http.ResponseWriter, r *http.Request) {
		api.record(r)
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /api/v1/students/", func(w http.ResponseWriter, r *http.Request) {
		api.record(r)
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		api.mu.Lock()
		api.created = append(api.created, body)
		status := api.status
		api.mu.Unlock()
		if status == 0 {
			status = http.StatusCreated
		}
		w.WriteHeader(status)
	})

	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return api, ts
}

func (a *fakeAPI) record(r *http.Request) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, r.Method+" "+r.URL.Path)
}

func TestSyncStudent_Existing(t *testing.T) {
	api, ts := newFakeAPI(t, "jo@example.edu")
	c := NewClient(ts.URL+"/api/v1/", nil, nil)

	ok, err := c.SyncStudent(context.Background(), identity.UserContext{Name: "Jo", Email: "jo@example.edu"})
	if err != nil || !ok {
		t.Fatalf("SyncStudent() = (%v, %v), want (true, nil)", ok, err)
	}

	want := []string{
		"GET /api/v1/students/jo@example.edu",
		"PUT /api/v1/students/jo@example.edu/login",
	}
	if len(api.calls) != len(want) {
		t.Fatalf("calls = %v, want %v", api.calls, want)
	}
	for i := range want {
		if api.calls[i] != want[i] {
			t.Errorf("call %d = %q, want %q", i, api.calls[i], want[i])
		}
	}
	if len(api.created) != 0 {
		t.Errorf("unexpected create: %v", api.created)
	}
}

func TestSyncStudent_Create(t *testing.T) {
	tests := []struct {
		name        string
		user        identity.UserContext
		wantName    string
		wantPicture string
	}{
		{
			name:        "with picture",
			user:        identity.UserContext{Name: "Jo Bloggs", Email: "new@example.edu", Picture: "https://cdn.example.edu/jo.png"},
			wantName:    "Jo Bloggs",
			wantPicture: "https://cdn.example.edu/jo.png",
		},
		{
			name:        "avatar fallback",
			user:        identity.UserContext{Name: "Jo Bloggs", Email: "new@example.edu", Picture: "  "},
			wantName:    "Jo Bloggs",
			wantPicture: "https://ui-avatars.com/api/?name=Jo+Bloggs&size=200",
		},
		{
			name:        "unknown name",
			user:        identity.UserContext{Email: "new@example.edu"},
			wantName:    "Unknown User",
			wantPicture: "https://ui-avatars.com/api/?name=Unknown+User&size=200",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api, ts := newFakeAPI(t)
			c := NewClient(ts.URL+"/api/v1", nil, nil)

			ok, err := c.SyncStudent(context.Background(), tt.user)
			if err != nil || !ok {
				t.Fatalf("SyncStudent() = (%v, %v), want (true, nil)", ok, err)
			}
			if len(api.created) != 1 {
				t.Fatalf("created = %d, want 1", len(api.created))
			}

			body := api.created[0]
			if body["name"] != tt.wantName {
				t.Errorf("name = %v, want %q", body["name"], tt.wantName)
			}
			if body["email"] != tt.user.Email {
				t.Errorf("email = %v, want %q", body["email"], tt.user.Email)
			}
			if body["profile_picture"] != tt.wantPicture {
				t.Errorf("profile_picture = %v, want %q", body["profile_picture"], tt.wantPicture)
			}
			for _, field := range []string{"date_of_birth", "location"} {
				v, present := body[field]
				if !present || v != nil {
					t.Errorf("%s = %v (present %v), want null", field, v, present)
				}
			}
		})
	}
}

func TestSyncStudent_CreateRejected(t *testing.T) {
	api, ts := newFakeAPI(t)
	api.status = http.StatusUnprocessableEntity
	c := NewClient(ts.URL+"/api/v1", nil, nil)

	ok, err := c.SyncStudent(context.Background(), identity.UserContext{Name: "Jo", Email: "jo@example.edu"})
	if err == nil || ok {
		t.Errorf("SyncStudent() = (%v, %v), want failure", ok, err)
	}
}

func TestSyncStudent_Skipped(t *testing.T) {
	api, ts := newFakeAPI(t)

	tests := []struct {
		name string
		c    *Client
		user identity.UserContext
	}{
		{"no email", NewClient(ts.URL+"/api/v1", nil, nil), identity.UserContext{Name: "Jo"}},
		{"no backend", NewClient("", nil, nil), identity.UserContext{Name: "Jo", Email: "jo@example.edu"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, err := tt.c.SyncStudent(context.Background(), tt.user)
			if err != nil || ok {
				t.Errorf("SyncStudent() = (%v, %v), want (false, nil)", ok, err)
			}
		})
	}

	if len(api.calls) != 0 {
		t.Errorf("backend called for skipped syncs: %v", api.calls)
	}
}

func TestSyncStudent_Unreachable(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	c := NewClient(url, nil, nil)
	if _, err := c.SyncStudent(context.Background(), identity.UserContext{Email: "jo@example.edu"}); err == nil {
		t.Error("SyncStudent() error = nil for unreachable backend")
	}
}
