package manage

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const backupWS = "/api/v1/backends/payments/workspaces/app"

// ---------------------------------------------------------------------------
// CreateBackup / ListBackups
// ---------------------------------------------------------------------------

func TestCreateBackup_SnapshotsCurrentState(t *testing.T) {
	_, r := newManageRouter(t)
	putState(t, r, backupWS+"/state", stateDoc(1))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, backupWS+"/backups",
		jsonBody(map[string]string{"backup_type": "PRE_OPERATION", "created_by": "alice"})))

	require.Equal(t, http.StatusCreated, w.Code, "body: %s", w.Body.String())
	body := getJSON(w)
	assert.NotEmpty(t, body["backup_id"])
	assert.Equal(t, "PRE_OPERATION", body["backup_type"])
	assert.Equal(t, "alice", body["created_by"])
	assert.NotEmpty(t, body["checksum"])
}

func TestCreateBackup_EmptyBodyDefaultsToManual(t *testing.T) {
	_, r := newManageRouter(t)
	putState(t, r, backupWS+"/state", stateDoc(1))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, backupWS+"/backups", nil))

	require.Equal(t, http.StatusCreated, w.Code, "body: %s", w.Body.String())
	assert.Equal(t, "MANUAL", getJSON(w)["backup_type"])
}

func TestCreateBackup_UnknownTypeRejected(t *testing.T) {
	_, r := newManageRouter(t)
	putState(t, r, backupWS+"/state", stateDoc(1))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, backupWS+"/backups",
		jsonBody(map[string]string{"backup_type": "HOURLY"})))

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreateBackup_NoStateIs404(t *testing.T) {
	_, r := newManageRouter(t)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, backupWS+"/backups", nil))

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListBackups_NewestFirst(t *testing.T) {
	_, r := newManageRouter(t)
	putState(t, r, backupWS+"/state", stateDoc(1))

	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, backupWS+"/backups", nil))
		require.Equal(t, http.StatusCreated, w.Code)
	}

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, backupWS+"/backups", nil))

	require.Equal(t, http.StatusOK, w.Code)
	backups, ok := getJSON(w)["backups"].([]interface{})
	require.True(t, ok, "body: %s", w.Body.String())
	assert.Len(t, backups, 2)
}

func TestListBackups_EmptyWorkspace(t *testing.T) {
	_, r := newManageRouter(t)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, backupWS+"/backups", nil))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, getJSON(w)["backups"])
}

// ---------------------------------------------------------------------------
// RestoreBackup
// ---------------------------------------------------------------------------

func TestRestoreBackup_CreatesNewVersion(t *testing.T) {
	_, r := newManageRouter(t)
	putState(t, r, backupWS+"/state", stateDoc(1))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, backupWS+"/backups", nil))
	require.Equal(t, http.StatusCreated, w.Code)
	backupID, _ := getJSON(w)["backup_id"].(string)
	require.NotEmpty(t, backupID)

	putState(t, r, backupWS+"/state", stateDoc(2))

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, backupWS+"/backups/"+backupID+"/restore", nil))
	require.Equal(t, http.StatusOK, w.Code, "body: %s", w.Body.String())
	assert.NotEmpty(t, getJSON(w)["version_id"])

	// The restore is additive: two stores + one restore = three versions.
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, backupWS+"/versions", nil))
	require.Equal(t, http.StatusOK, w.Code)
	versions, _ := getJSON(w)["versions"].([]interface{})
	assert.Len(t, versions, 3)

	// Current state carries the backed-up serial again.
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, backupWS+"/state", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"serial": 1`)
}

func TestRestoreBackup_UnknownBackupIs404(t *testing.T) {
	_, r := newManageRouter(t)
	putState(t, r, backupWS+"/state", stateDoc(1))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, backupWS+"/backups/no-such-backup/restore", nil))

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRestoreBackup_RespectsForeignLock(t *testing.T) {
	_, r := newManageRouter(t)
	putState(t, r, backupWS+"/state", stateDoc(1))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, backupWS+"/backups", nil))
	require.Equal(t, http.StatusCreated, w.Code)
	backupID, _ := getJSON(w)["backup_id"].(string)

	acquireLock(t, r, backupWS+"/lock", "bob")

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, backupWS+"/backups/"+backupID+"/restore", nil))
	assert.Equal(t, http.StatusLocked, w.Code)
	assert.Contains(t, w.Body.String(), "bob")
}

func TestDeleteState_LeavesBackupsIntact(t *testing.T) {
	_, r := newManageRouter(t)
	putState(t, r, backupWS+"/state", stateDoc(1))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, backupWS+"/backups", nil))
	require.Equal(t, http.StatusCreated, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, backupWS+"/state", nil))
	require.Equal(t, http.StatusOK, w.Code, "body: %s", w.Body.String())

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, backupWS+"/backups", nil))
	require.Equal(t, http.StatusOK, w.Code)
	backups, _ := getJSON(w)["backups"].([]interface{})
	assert.Len(t, backups, 1)
}
