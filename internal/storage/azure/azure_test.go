package azure

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"

	"github.com/tfstate-backend/tfstate-backend/internal/config"
	"github.com/tfstate-backend/tfstate-backend/internal/storage"
)

type azureMock struct {
	mu         sync.Mutex
	containers map[string]map[string][]byte // container → blob name → content
}

func (m *azureMock) fail(w http.ResponseWriter, status int, code string) {
	w.Header().Set("x-ms-error-code", code)
	w.WriteHeader(status)
}

// newTestStore creates an AzureStore pointed at an httptest server imitating
// enough of the Azure Blob REST API for CRUD tests. The x-ms-error-code
// header drives the SDK's typed error mapping.
func newTestStore(t *testing.T) (*AzureStore, *azureMock) {
	t.Helper()

	m := &azureMock{containers: map[string]map[string][]byte{}}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := strings.TrimPrefix(r.URL.Path, "/")
		query := r.URL.Query()

		m.mu.Lock()
		defer m.mu.Unlock()

		// Container-level operations carry restype=container
		if query.Get("restype") == "container" {
			container := p
			blobs, exists := m.containers[container]

			switch {
			case r.Method == http.MethodPut:
				if exists {
					m.fail(w, http.StatusConflict, "ContainerAlreadyExists")
					return
				}
				m.containers[container] = map[string][]byte{}
				w.WriteHeader(http.StatusCreated)

			case query.Get("comp") == "list":
				if !exists {
					m.fail(w, http.StatusNotFound, "ContainerNotFound")
					return
				}
				prefix := query.Get("prefix")
				var names []string
				for name := range blobs {
					if strings.HasPrefix(name, prefix) {
						names = append(names, name)
					}
				}
				sort.Strings(names)
				w.Header().Set("Content-Type", "application/xml")
				w.WriteHeader(http.StatusOK)
				fmt.Fprintf(w, `<?xml version="1.0" encoding="utf-8"?><EnumerationResults ContainerName="%s"><Blobs>`, container)
				for _, name := range names {
					fmt.Fprintf(w, `<Blob><Name>%s</Name></Blob>`, name)
				}
				fmt.Fprintf(w, `</Blobs><NextMarker /></EnumerationResults>`)

			case r.Method == http.MethodGet || r.Method == http.MethodHead:
				// GetProperties
				if !exists {
					m.fail(w, http.StatusNotFound, "ContainerNotFound")
					return
				}
				w.WriteHeader(http.StatusOK)

			default:
				w.WriteHeader(http.StatusMethodNotAllowed)
			}
			return
		}

		// Blob-level operations: /container/blob...
		idx := strings.IndexByte(p, '/')
		if idx < 0 {
			http.NotFound(w, r)
			return
		}
		container, name := p[:idx], p[idx+1:]
		blobs, containerExists := m.containers[container]

		switch r.Method {
		case http.MethodPut:
			if !containerExists {
				m.fail(w, http.StatusNotFound, "ContainerNotFound")
				return
			}
			data, _ := io.ReadAll(r.Body)
			blobs[name] = data
			w.WriteHeader(http.StatusCreated)

		case http.MethodGet:
			if !containerExists {
				m.fail(w, http.StatusNotFound, "ContainerNotFound")
				return
			}
			data, ok := blobs[name]
			if !ok {
				m.fail(w, http.StatusNotFound, "BlobNotFound")
				return
			}
			w.Header().Set("Content-Length", fmt.Sprintf("%d", len(data)))
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(data)

		case http.MethodDelete:
			if !containerExists {
				m.fail(w, http.StatusNotFound, "ContainerNotFound")
				return
			}
			if _, ok := blobs[name]; !ok {
				m.fail(w, http.StatusNotFound, "BlobNotFound")
				return
			}
			delete(blobs, name)
			w.WriteHeader(http.StatusAccepted)

		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)

	client, err := azblob.NewClientWithNoCredential(srv.URL, nil)
	if err != nil {
		t.Fatalf("failed to create azblob client: %v", err)
	}

	return &AzureStore{client: client}, m
}

func TestMakeBucketAndExists(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	exists, err := s.BucketExists(ctx, "container")
	if err != nil {
		t.Fatalf("BucketExists returned error: %v", err)
	}
	if exists {
		t.Fatal("BucketExists = true before creation, want false")
	}

	if err := s.MakeBucket(ctx, "container"); err != nil {
		t.Fatalf("MakeBucket failed: %v", err)
	}

	// Second create hits ContainerAlreadyExists, which MakeBucket swallows.
	if err := s.MakeBucket(ctx, "container"); err != nil {
		t.Fatalf("MakeBucket second call failed: %v", err)
	}

	exists, err = s.BucketExists(ctx, "container")
	if err != nil {
		t.Fatalf("BucketExists returned error: %v", err)
	}
	if !exists {
		t.Fatal("BucketExists = false after MakeBucket, want true")
	}
}

func TestPutGetDelete(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	data := []byte(`{"version": 4, "serial": 3}`)

	if err := s.MakeBucket(ctx, "container"); err != nil {
		t.Fatalf("MakeBucket failed: %v", err)
	}

	if err := s.Put(ctx, "container", "default/terraform.tfstate", data); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	got, err := s.Get(ctx, "container", "default/terraform.tfstate")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("Get content mismatch: %q", string(got))
	}

	if err := s.Delete(ctx, "container", "default/terraform.tfstate"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	_, err = s.Get(ctx, "container", "default/terraform.tfstate")
	if !errors.Is(err, storage.ErrObjectNotFound) {
		t.Fatalf("Get after delete error = %v, want ErrObjectNotFound", err)
	}

	// Deleting a missing blob is a no-op.
	if err := s.Delete(ctx, "container", "default/terraform.tfstate"); err != nil {
		t.Fatalf("Delete of missing blob failed: %v", err)
	}
}

func TestGet_BucketNotFound(t *testing.T) {
	s, _ := newTestStore(t)

	_, err := s.Get(context.Background(), "never-created", "blob")
	if !errors.Is(err, storage.ErrBucketNotFound) {
		t.Fatalf("Get error = %v, want ErrBucketNotFound", err)
	}
}

func TestPut_BucketNotFound(t *testing.T) {
	s, _ := newTestStore(t)

	err := s.Put(context.Background(), "never-created", "blob", []byte("x"))
	if !errors.Is(err, storage.ErrBucketNotFound) {
		t.Fatalf("Put error = %v, want ErrBucketNotFound", err)
	}
}

func TestList(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if err := s.MakeBucket(ctx, "container"); err != nil {
		t.Fatalf("MakeBucket failed: %v", err)
	}
	for _, name := range []string{
		"default/terraform.tfstate",
		"default/versions/v1/terraform.tfstate",
		"staging/terraform.tfstate",
	} {
		if err := s.Put(ctx, "container", name, []byte("x")); err != nil {
			t.Fatalf("Put %s failed: %v", name, err)
		}
	}

	keys, err := s.List(ctx, "container", "default/")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("List(default/) returned %d keys, want 2: %v", len(keys), keys)
	}
	if keys[0] != "default/terraform.tfstate" || keys[1] != "default/versions/v1/terraform.tfstate" {
		t.Fatalf("List(default/) = %v, want sorted default keys", keys)
	}
}

func TestList_BucketNotFound(t *testing.T) {
	s, _ := newTestStore(t)

	_, err := s.List(context.Background(), "never-created", "")
	if !errors.Is(err, storage.ErrBucketNotFound) {
		t.Fatalf("List error = %v, want ErrBucketNotFound", err)
	}
}

// ---------------------------------------------------------------------------
// New() — constructor validation (no cloud connection required)
// ---------------------------------------------------------------------------

func TestNew_MissingAccountName(t *testing.T) {
	cfg := &config.AzureStorageConfig{
		AccountName: "",
		AccountKey:  "somekey",
	}
	_, err := New(cfg)
	if err == nil {
		t.Error("New() = nil error, want error for missing account name")
	}
}

func TestNew_MissingAccountKey(t *testing.T) {
	cfg := &config.AzureStorageConfig{
		AccountName: "myaccount",
		AccountKey:  "",
	}
	_, err := New(cfg)
	if err == nil {
		t.Error("New() = nil error, want error for missing account key")
	}
}

func TestNew_CustomEndpoint(t *testing.T) {
	cfg := &config.AzureStorageConfig{
		AccountName: "devstoreaccount1",
		AccountKey:  "Eby8vdM02xNOcqFlqUwJPLlmEtlCDXJ1OUzFT50uSRZ6IFsuFq2UVErCz4I6tq/K1SZFPTOtr/KBHBeksoGMGw==",
		Endpoint:    "http://127.0.0.1:10000/devstoreaccount1",
	}
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New() with custom endpoint error: %v", err)
	}
	if s == nil {
		t.Error("New() returned nil store")
	}
}
