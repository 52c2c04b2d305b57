package session

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/al-bashkir/lti-identity-bridge/internal/identity"
	"github.com/al-bashkir/lti-identity-bridge/internal/kv"
)

func newTestManager(t *testing.T, ttl time.Duration) (*Manager, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	store := kv.NewRedisStoreWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = store.Close() })

	return NewManager(store, ttl, nil), mr
}

func testUser() identity.UserContext {
	return identity.UserContext{
		UserID: "u-1",
		Name:   "Jo Bloggs",
		Email:  "jo@example.edu",
		Roles:  []string{"Learner"},
		Sub:    "sub-1",
	}
}

func testCourse() identity.CourseContext {
	return identity.CourseContext{
		CourseID:    "c-1",
		CourseCode:  "CS101",
		CourseTitle: "Intro",
		ContextType: []string{"CourseSection"},
	}
}

func TestCreateAndGet(t *testing.T) {
	mgr, mr := newTestManager(t, time.Hour)
	ctx := context.Background()

	token, err := mgr.Create(ctx, testUser(), testCourse())
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if len(token) != 64 {
		t.Errorf("token length = %d, want 64", len(token))
	}
	if !mr.Exists("lti_session:" + token) {
		t.Fatal("session key not stored under lti_session namespace")
	}
	if ttl := mr.TTL("lti_session:" + token); ttl != time.Hour {
		t.Errorf("TTL = %v, want 1h", ttl)
	}

	sess, err := mgr.Get(ctx, token)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	if sess.ID == "" {
		t.Error("session ID is empty")
	}
	if !reflect.DeepEqual(sess.User, testUser()) {
		t.Errorf("User = %+v, want %+v", sess.User, testUser())
	}
	if !reflect.DeepEqual(sess.Course, testCourse()) {
		t.Errorf("Course = %+v, want %+v", sess.Course, testCourse())
	}
	if sess.ExpiresAt.Sub(sess.CreatedAt) < time.Hour {
		t.Errorf("ExpiresAt %v not a full TTL after CreatedAt %v", sess.ExpiresAt, sess.CreatedAt)
	}
}

func TestStoredFieldNames(t *testing.T) {
	mgr, mr := newTestManager(t, time.Hour)

	token, err := mgr.Create(context.Background(), testUser(), testCourse())
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	raw, err := mr.Get("lti_session:" + token)
	if err != nil {
		t.Fatalf("miniredis Get failed: %v", err)
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		t.Fatalf("stored session is not JSON: %v", err)
	}
	for _, field := range []string{"session_id", "user", "course", "created_at", "expires_at", "last_accessed"} {
		if _, ok := doc[field]; !ok {
			t.Errorf("stored session missing %q", field)
		}
	}
}

func TestGetSlidesExpiry(t *testing.T) {
	mgr, mr := newTestManager(t, time.Hour)
	ctx := context.Background()

	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	mgr.now = func() time.Time { return start }

	token, err := mgr.Create(ctx, testUser(), testCourse())
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	mr.FastForward(50 * time.Minute)
	later := start.Add(50 * time.Minute)
	mgr.now = func() time.Time { return later }

	sess, err := mgr.Get(ctx, token)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	if !sess.LastAccessed.Equal(later) {
		t.Errorf("LastAccessed = %v, want %v", sess.LastAccessed, later)
	}
	if !sess.ExpiresAt.Equal(later.Add(time.Hour)) {
		t.Errorf("ExpiresAt = %v, want %v", sess.ExpiresAt, later.Add(time.Hour))
	}
	if !sess.CreatedAt.Equal(start) {
		t.Errorf("CreatedAt = %v, want %v", sess.CreatedAt, start)
	}
	if ttl := mr.TTL("lti_session:" + token); ttl != time.Hour {
		t.Errorf("TTL after Get = %v, want 1h", ttl)
	}

	// still alive past the original expiry
	mr.FastForward(30 * time.Minute)
	if _, err := mgr.Get(ctx, token); err != nil {
		t.Errorf("Get after slide failed: %v", err)
	}
}

func TestGetMissing(t *testing.T) {
	mgr, mr := newTestManager(t, time.Hour)
	ctx := context.Background()

	tests := []struct {
		name  string
		token string
		setup func()
	}{
		{name: "empty token", token: ""},
		{name: "unknown token", token: "nonexistent"},
		{
			name:  "malformed record",
			token: "broken",
			setup: func() {
				_ = mr.Set("lti_session:broken", "{not json")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.setup != nil {
				tt.setup()
			}
			_, err := mgr.Get(ctx, tt.token)
			if !errors.Is(err, identity.ErrSessionNotFound) {
				t.Errorf("Get() error = %v, want ErrSessionNotFound", err)
			}
		})
	}
}

func TestSessionExpiry(t *testing.T) {
	mgr, mr := newTestManager(t, time.Minute)
	ctx := context.Background()

	token, err := mgr.Create(ctx, testUser(), testCourse())
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	mr.FastForward(2 * time.Minute)

	if _, err := mgr.Get(ctx, token); !errors.Is(err, identity.ErrSessionNotFound) {
		t.Errorf("Get() after expiry error = %v, want ErrSessionNotFound", err)
	}
}

func TestDeleteSession(t *testing.T) {
	mgr, _ := newTestManager(t, time.Hour)
	ctx := context.Background()

	token, err := mgr.Create(ctx, testUser(), testCourse())
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	deleted, err := mgr.Delete(ctx, token)
	if err != nil || !deleted {
		t.Fatalf("Delete() = (%v, %v), want (true, nil)", deleted, err)
	}

	if _, err := mgr.Get(ctx, token); !errors.Is(err, identity.ErrSessionNotFound) {
		t.Errorf("Get() after delete error = %v, want ErrSessionNotFound", err)
	}

	deleted, err = mgr.Delete(ctx, token)
	if err != nil || deleted {
		t.Errorf("second Delete() = (%v, %v), want (false, nil)", deleted, err)
	}

	deleted, err = mgr.Delete(ctx, "")
	if err != nil || deleted {
		t.Errorf("Delete(\"\") = (%v, %v), want (false, nil)", deleted, err)
	}
}

// deleteAfterRead removes each key right after it is read, the way a
// concurrent logout would.
type deleteAfterRead struct {
	kv.Store
}

func (s deleteAfterRead) Get(ctx context.Context, key string) ([]byte, error) {
	raw, err := s.Store.Get(ctx, key)
	if err == nil {
		_, _ = s.Store.Del(ctx, key)
	}
	return raw, err
}

func TestGetDoesNotRestoreDeletedSession(t *testing.T) {
	mr := miniredis.RunT(t)
	redisStore := kv.NewRedisStoreWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	memoryStore := kv.NewMemoryStore()
	t.Cleanup(func() {
		_ = redisStore.Close()
		_ = memoryStore.Close()
	})

	tests := []struct {
		name  string
		store kv.Store
	}{
		{"redis", redisStore},
		{"memory", memoryStore},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()

			token, err := NewManager(tt.store, time.Hour, nil).Create(ctx, testUser(), testCourse())
			if err != nil {
				t.Fatalf("Create failed: %v", err)
			}

			racing := NewManager(deleteAfterRead{tt.store}, time.Hour, nil)
			if _, err := racing.Get(ctx, token); !errors.Is(err, identity.ErrSessionNotFound) {
				t.Errorf("Get() error = %v, want ErrSessionNotFound", err)
			}
			if _, err := tt.store.Get(ctx, "lti_session:"+token); !errors.Is(err, kv.ErrNotFound) {
				t.Errorf("session key present after delete, error = %v", err)
			}
		})
	}
}

func TestRefresh(t *testing.T) {
	mgr, mr := newTestManager(t, time.Hour)
	ctx := context.Background()

	token, err := mgr.Create(ctx, testUser(), testCourse())
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	mr.FastForward(40 * time.Minute)

	ok, err := mgr.Refresh(ctx, token)
	if err != nil || !ok {
		t.Fatalf("Refresh() = (%v, %v), want (true, nil)", ok, err)
	}
	if ttl := mr.TTL("lti_session:" + token); ttl != time.Hour {
		t.Errorf("TTL after Refresh = %v, want 1h", ttl)
	}

	ok, err = mgr.Refresh(ctx, "nonexistent")
	if err != nil || ok {
		t.Errorf("Refresh(unknown) = (%v, %v), want (false, nil)", ok, err)
	}
}

func TestStoreUnavailable(t *testing.T) {
	mgr, mr := newTestManager(t, time.Hour)
	ctx := context.Background()

	token, err := mgr.Create(ctx, testUser(), testCourse())
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	mr.Close()

	if _, err := mgr.Create(ctx, testUser(), testCourse()); !errors.Is(err, identity.ErrStoreUnavailable) {
		t.Errorf("Create() error = %v, want ErrStoreUnavailable", err)
	}
	if _, err := mgr.Get(ctx, token); !errors.Is(err, identity.ErrStoreUnavailable) {
		t.Errorf("Get() error = %v, want ErrStoreUnavailable", err)
	}
	if _, err := mgr.Refresh(ctx, token); !errors.Is(err, identity.ErrStoreUnavailable) {
		t.Errorf("Refresh() error = %v, want ErrStoreUnavailable", err)
	}
}

func TestMemoryBackend(t *testing.T) {
	store := kv.NewMemoryStore()
	defer store.Close()

	mgr := NewManager(store, time.Hour, nil)
	ctx := context.Background()

	token, err := mgr.Create(ctx, testUser(), identity.CourseContext{})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	sess, err := mgr.Get(ctx, token)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !sess.Course.IsZero() {
		t.Errorf("Course = %+v, want zero", sess.Course)
	}
}

func TestConcurrentAccess(t *testing.T) {
	mgr, _ := newTestManager(t, time.Hour)
	ctx := context.Background()

	var (
		mu     sync.Mutex
		tokens = make(map[string]bool)
		wg     sync.WaitGroup
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			token, err := mgr.Create(ctx, testUser(), testCourse())
			if err != nil {
				t.Errorf("Create failed: %v", err)
				return
			}
			mu.Lock()
			tokens[token] = true
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(tokens) != 10 {
		t.Errorf("expected 10 distinct tokens, got %d", len(tokens))
	}
}

func TestGenerateSessionToken(t *testing.T) {
	seen := make(map[string]bool)

	for i := 0; i < 100; i++ {
		token, err := generateSessionToken()
		if err != nil {
			t.Fatalf("generateSessionToken failed: %v", err)
		}

		if len(token) != 64 {
			t.Errorf("session token length = %d, want 64", len(token))
		}

		if seen[token] {
			t.Errorf("duplicate session token generated: %s", token)
		}

		seen[token] = true
	}
}
