package manage

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/tfstate-backend/tfstate-backend/internal/db/models"
	"github.com/tfstate-backend/tfstate-backend/internal/state"
)

// ---------------------------------------------------------------------------
// AcquireLock
// ---------------------------------------------------------------------------

func TestAcquireLock_OK(t *testing.T) {
	_, r := newManageRouter(t)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("POST", "/api/v1/backends/payments/workspaces/networking/lock",
		jsonBody(state.LockInfo{Operation: "OperationTypeApply", Who: "alice@laptop"})))

	if w.Code != http.StatusOK {
		t.Fatalf("POST lock = %d, body %s", w.Code, w.Body.String())
	}
	var lock state.Lock
	if err := json.Unmarshal(w.Body.Bytes(), &lock); err != nil {
		t.Fatalf("unmarshal lock: %v", err)
	}
	if lock.LockID == "" {
		t.Error("lock_id empty, want a coordinator-assigned id")
	}
	if lock.Info.Who != "alice@laptop" {
		t.Errorf("info.Who = %q, want alice@laptop", lock.Info.Who)
	}
	if !lock.ExpiresAt.After(time.Now()) {
		t.Errorf("expires_at = %v, want a future expiry", lock.ExpiresAt)
	}
}

func TestAcquireLock_Held(t *testing.T) {
	_, r := newManageRouter(t)
	acquireLock(t, r, "/api/v1/backends/payments/workspaces/networking/lock", "alice")

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("POST", "/api/v1/backends/payments/workspaces/networking/lock",
		jsonBody(state.LockInfo{Who: "bob"})))

	if w.Code != http.StatusLocked {
		t.Fatalf("second POST lock = %d, want 423", w.Code)
	}
	resp := getJSON(w)
	if _, ok := resp["errors"]; !ok {
		t.Errorf("423 body = %s, want the errors envelope", w.Body.String())
	}
	holder, ok := resp["lock"].(map[string]interface{})
	if !ok {
		t.Fatalf("423 body = %s, want the holder under 'lock'", w.Body.String())
	}
	if holder["Who"] != "alice" {
		t.Errorf("holder Who = %v, want alice", holder["Who"])
	}
}

func TestAcquireLock_UnknownBackend(t *testing.T) {
	_, r := newManageRouter(t)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("POST", "/api/v1/backends/ghost/workspaces/networking/lock", nil))

	if w.Code != http.StatusNotFound {
		t.Errorf("POST lock = %d, want 404", w.Code)
	}
}

// ---------------------------------------------------------------------------
// LockStatus
// ---------------------------------------------------------------------------

func TestLockStatus(t *testing.T) {
	_, r := newManageRouter(t)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/api/v1/backends/payments/workspaces/networking/lock", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("GET lock = %d", w.Code)
	}
	if status := getJSON(w)["status"]; status != string(state.LockStatusUnlocked) {
		t.Errorf("status = %v, want UNLOCKED", status)
	}

	acquireLock(t, r, "/api/v1/backends/payments/workspaces/networking/lock", "alice")

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/api/v1/backends/payments/workspaces/networking/lock", nil))
	resp := getJSON(w)
	if resp["status"] != string(state.LockStatusLocked) {
		t.Errorf("status = %v, want LOCKED", resp["status"])
	}
	info, ok := resp["info"].(map[string]interface{})
	if !ok || info["Who"] != "alice" {
		t.Errorf("info = %v, want the holder record", resp["info"])
	}
}

// ---------------------------------------------------------------------------
// ReleaseLock
// ---------------------------------------------------------------------------

func TestReleaseLock_HeaderID(t *testing.T) {
	_, r := newManageRouter(t)
	lockID := acquireLock(t, r, "/api/v1/backends/payments/workspaces/networking/lock", "alice")

	req := httptest.NewRequest("DELETE", "/api/v1/backends/payments/workspaces/networking/lock", nil)
	req.Header.Set("X-Lock-ID", lockID)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("DELETE lock = %d, body %s", w.Code, w.Body.String())
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/api/v1/backends/payments/workspaces/networking/lock", nil))
	if status := getJSON(w)["status"]; status != string(state.LockStatusUnlocked) {
		t.Errorf("status after release = %v, want UNLOCKED", status)
	}
}

func TestReleaseLock_BodyID(t *testing.T) {
	_, r := newManageRouter(t)
	lockID := acquireLock(t, r, "/api/v1/backends/payments/workspaces/networking/lock", "alice")

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("DELETE", "/api/v1/backends/payments/workspaces/networking/lock",
		jsonBody(map[string]interface{}{"lock_id": lockID})))

	if w.Code != http.StatusOK {
		t.Errorf("DELETE lock = %d, body %s", w.Code, w.Body.String())
	}
}

func TestReleaseLock_WrongID(t *testing.T) {
	_, r := newManageRouter(t)
	acquireLock(t, r, "/api/v1/backends/payments/workspaces/networking/lock", "alice")

	req := httptest.NewRequest("DELETE", "/api/v1/backends/payments/workspaces/networking/lock", nil)
	req.Header.Set("X-Lock-ID", "someone-else")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusLocked {
		t.Errorf("DELETE with foreign id = %d, want 423", w.Code)
	}
}

func TestReleaseLock_NotHeld(t *testing.T) {
	_, r := newManageRouter(t)

	req := httptest.NewRequest("DELETE", "/api/v1/backends/payments/workspaces/networking/lock", nil)
	req.Header.Set("X-Lock-ID", "ghost")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("DELETE with no lock held = %d, want 404", w.Code)
	}
}

// ---------------------------------------------------------------------------
// ForceUnlock
// ---------------------------------------------------------------------------

func TestForceUnlock_Idempotent(t *testing.T) {
	_, r := newManageRouter(t)
	acquireLock(t, r, "/api/v1/backends/payments/workspaces/networking/lock", "alice")

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("POST", "/api/v1/backends/payments/workspaces/networking/lock/force-unlock",
		jsonBody(map[string]interface{}{"reason": "stuck apply", "requested_by": "ops"})))
	if w.Code != http.StatusOK {
		t.Fatalf("force-unlock = %d, body %s", w.Code, w.Body.String())
	}
	resp := getJSON(w)
	if resp["freed"] != true {
		t.Errorf("freed = %v, want true", resp["freed"])
	}
	previous, ok := resp["previous"].(map[string]interface{})
	if !ok || previous["Who"] != "alice" {
		t.Errorf("previous = %v, want the evicted holder", resp["previous"])
	}

	// Second force unlock finds nothing and says so rather than erroring.
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("POST", "/api/v1/backends/payments/workspaces/networking/lock/force-unlock",
		jsonBody(map[string]interface{}{"reason": "stuck apply", "requested_by": "ops"})))
	if w.Code != http.StatusOK {
		t.Fatalf("second force-unlock = %d", w.Code)
	}
	resp = getJSON(w)
	if resp["freed"] != false {
		t.Errorf("freed = %v, want false", resp["freed"])
	}
	if _, ok := resp["previous"]; ok {
		t.Errorf("second force-unlock reported a previous holder: %s", w.Body.String())
	}
}

func TestForceUnlock_MissingReason(t *testing.T) {
	_, r := newManageRouter(t)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("POST", "/api/v1/backends/payments/workspaces/networking/lock/force-unlock",
		jsonBody(map[string]interface{}{"requested_by": "ops"})))

	if w.Code != http.StatusBadRequest {
		t.Errorf("force-unlock = %d, want 400 without a reason", w.Code)
	}
}

// ---------------------------------------------------------------------------
// ExtendLock
// ---------------------------------------------------------------------------

func TestExtendLock_OK(t *testing.T) {
	_, r := newManageRouter(t)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("POST", "/api/v1/backends/payments/workspaces/networking/lock?timeout=5",
		jsonBody(state.LockInfo{Who: "alice"})))
	if w.Code != http.StatusOK {
		t.Fatalf("POST lock = %d", w.Code)
	}
	var acquired state.Lock
	if err := json.Unmarshal(w.Body.Bytes(), &acquired); err != nil {
		t.Fatalf("unmarshal lock: %v", err)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("POST", "/api/v1/backends/payments/workspaces/networking/lock/extend",
		jsonBody(map[string]interface{}{"lock_id": acquired.LockID, "extend_seconds": 600})))
	if w.Code != http.StatusOK {
		t.Fatalf("extend = %d, body %s", w.Code, w.Body.String())
	}
	var extended state.Lock
	if err := json.Unmarshal(w.Body.Bytes(), &extended); err != nil {
		t.Fatalf("unmarshal extended lock: %v", err)
	}
	if !extended.ExpiresAt.After(acquired.ExpiresAt) {
		t.Errorf("expires_at = %v, want later than %v", extended.ExpiresAt, acquired.ExpiresAt)
	}
}

func TestExtendLock_WrongID(t *testing.T) {
	_, r := newManageRouter(t)
	acquireLock(t, r, "/api/v1/backends/payments/workspaces/networking/lock", "alice")

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("POST", "/api/v1/backends/payments/workspaces/networking/lock/extend",
		jsonBody(map[string]interface{}{"lock_id": "someone-else", "extend_seconds": 600})))

	if w.Code != http.StatusLocked {
		t.Errorf("extend with foreign id = %d, want 423", w.Code)
	}
}

func TestExtendLock_NotHeld(t *testing.T) {
	_, r := newManageRouter(t)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("POST", "/api/v1/backends/payments/workspaces/networking/lock/extend",
		jsonBody(map[string]interface{}{"lock_id": "ghost", "extend_seconds": 600})))

	if w.Code != http.StatusNotFound {
		t.Errorf("extend with no lock held = %d, want 404", w.Code)
	}
}

// ---------------------------------------------------------------------------
// ListLocks
// ---------------------------------------------------------------------------

func TestListLocks(t *testing.T) {
	_, r := newManageRouter(t)
	acquireLock(t, r, "/api/v1/backends/payments/workspaces/networking/lock", "alice")
	acquireLock(t, r, "/api/v1/backends/payments/workspaces/dns/lock", "bob")

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/api/v1/locks", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("GET locks = %d, body %s", w.Code, w.Body.String())
	}
	locks, _ := getJSON(w)["locks"].([]interface{})
	if len(locks) != 2 {
		t.Errorf("len(locks) = %d, want 2", len(locks))
	}
}

// ---------------------------------------------------------------------------
// audit trail
// ---------------------------------------------------------------------------

var lockAuditCols = []string{
	"id", "backend_id", "workspace", "event", "lock_id", "who", "operation", "reason", "created_at",
}

func sampleAuditRows() *sqlmock.Rows {
	return sqlmock.NewRows(lockAuditCols).
		AddRow("evt-1", "payments", "networking", models.LockEventAcquired,
			"lock-1", "alice@laptop", "OperationTypeApply", nil, time.Now())
}

func TestWorkspaceAudit_OK(t *testing.T) {
	mock, r := newManageRouter(t)

	mock.ExpectQuery("SELECT id.*FROM lock_audit.*WHERE backend_id").
		WillReturnRows(sampleAuditRows())

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/api/v1/backends/payments/workspaces/networking/audit", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("GET audit = %d, body %s", w.Code, w.Body.String())
	}
	entries, _ := getJSON(w)["entries"].([]interface{})
	if len(entries) != 1 {
		t.Fatalf("len(entries) = %d, want 1", len(entries))
	}
	entry, _ := entries[0].(map[string]interface{})
	if entry["event"] != models.LockEventAcquired {
		t.Errorf("event = %v, want acquired", entry["event"])
	}
}

func TestWorkspaceAudit_DBError(t *testing.T) {
	mock, r := newManageRouter(t)

	mock.ExpectQuery("SELECT id.*FROM lock_audit.*WHERE backend_id").
		WillReturnError(errDB)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/api/v1/backends/payments/workspaces/networking/audit", nil))

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("GET audit = %d, want 503", w.Code)
	}
}

func TestRecentAudit_OK(t *testing.T) {
	mock, r := newManageRouter(t)

	mock.ExpectQuery("SELECT id.*FROM lock_audit.*ORDER BY created_at DESC").
		WillReturnRows(sampleAuditRows())

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/api/v1/audit?limit=10", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("GET audit = %d, body %s", w.Code, w.Body.String())
	}
	entries, _ := getJSON(w)["entries"].([]interface{})
	if len(entries) != 1 {
		t.Errorf("len(entries) = %d, want 1", len(entries))
	}
}
